package outbound

import "errors"

// ErrQueueNotImplemented is returned by the queue stubs below.
var ErrQueueNotImplemented = errors.New("outbound: durable queue not implemented")

// QueueMessage would persist a delivery attempt (sender, recipient, message
// bytes) to a durable spool for retry with backoff and eventual bounce, as
// sketched in the design notes. The smtpserver session core instead calls
// Client.Deliver synchronously and reports its result directly to the SMTP
// client; a message that fails all MX attempts is simply not delivered.
// Left as a stub: a full implementation needs an append-only spool
// directory, age-based bounce generation, and a background retry
// scheduler, none of which this spec's scope covers.
func QueueMessage(sender, recipient string, msg []byte) error {
	return ErrQueueNotImplemented
}

// ProcessQueue would be the background scheduler driving QueueMessage's
// spool. See QueueMessage.
func ProcessQueue() error {
	return ErrQueueNotImplemented
}
