// Package outbound implements the MX-directed outbound SMTP client: given a
// sender, recipient and message body, it resolves the recipient domain's MX
// records, dials each host in priority order, and runs one SMTP delivery
// dialogue. It is deliberately simple (see queue.go): retry/backoff across
// attempts is a stated, unimplemented intent, matching the teacher's own
// queue package's "Localserve"-vs-"deliver directly" split without carrying
// its DANE/MTA-STS/DKIM machinery, which is out of this spec's scope.
package outbound

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"golang.org/x/net/proxy"

	"github.com/mjl-/mailsrv/dns"
	"github.com/mjl-/mailsrv/mlog"
	"github.com/mjl-/mailsrv/smtp"
)

var xlog = mlog.New("outbound")

// Result is the outcome of a delivery attempt against one recipient.
type Result struct {
	Success bool
	Host    string // the MX host that produced this result, if any
	Reply   string // the failing (or last) SMTP reply text
	Err     error
}

// Client delivers messages to remote MX hosts.
type Client struct {
	Hostname string        // our own EHLO/HELO name
	Resolver dns.Resolver
	Timeout  time.Duration // per I/O operation; 0 uses DefaultTimeout
	Proxy    proxy.Dialer  // optional SOCKS dialer; nil dials directly

	// dialOverride lets tests substitute a loopback listener for the
	// well-known port-25 dial.
	dialOverride func(ctx context.Context, host string) (net.Conn, error)
}

// DefaultTimeout bounds each connect/read/write when Client.Timeout is unset.
const DefaultTimeout = 30 * time.Second

type mxHost struct {
	Host     string
	Priority int
}

// resolveMX returns MX hosts in ascending priority order, synthesizing a
// single implicit MX (the domain itself, priority 0) when the domain
// publishes none — the standard A-record delivery fallback.
func (c *Client) resolveMX(ctx context.Context, domain dns.Domain) ([]mxHost, error) {
	records, err := c.Resolver.LookupMX(ctx, domain.ASCII+".")
	if err != nil && !dns.IsNotFound(err) {
		return nil, err
	}
	if len(records) == 0 {
		return []mxHost{{Host: domain.ASCII, Priority: 0}}, nil
	}
	hosts := make([]mxHost, len(records))
	for i, r := range records {
		hosts[i] = mxHost{Host: r.Host, Priority: int(r.Pref)}
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Priority < hosts[j].Priority })
	return hosts, nil
}

// Deliver resolves recipient's domain MX records and attempts delivery to
// each in priority order, returning on the first success. Connection
// failures and any failing SMTP reply (temporary or permanent) at any step
// move on to the next MX;
// the last attempt's failure is returned once the list is exhausted.
func (c *Client) Deliver(ctx context.Context, sender, recipient smtp.Path, msg []byte) Result {
	var hosts []mxHost
	if recipient.IPDomain.IsIP() {
		hosts = []mxHost{{Host: recipient.IPDomain.IP.String(), Priority: 0}}
	} else if recipient.IPDomain.IsDomain() {
		var err error
		hosts, err = c.resolveMX(ctx, recipient.IPDomain.Domain)
		if err != nil {
			return Result{Success: false, Err: fmt.Errorf("resolving MX for %s: %v", recipient.IPDomain, err)}
		}
	} else {
		return Result{Success: false, Err: fmt.Errorf("recipient %s has neither domain nor IP address", recipient)}
	}

	log := xlog.WithContext(ctx)
	var last Result
	for _, h := range hosts {
		res := c.deliverToHost(ctx, h.Host, sender, recipient, msg)
		if res.Success {
			return res
		}
		log.Infox("delivery attempt failed, trying next MX", res.Err, mlog.Field("host", h.Host), mlog.Field("reply", res.Reply))
		last = res
	}
	return last
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

func (c *Client) dial(ctx context.Context, host string) (net.Conn, error) {
	if c.dialOverride != nil {
		return c.dialOverride(ctx, host)
	}
	addr := net.JoinHostPort(host, "25")
	if c.Proxy != nil {
		return c.Proxy.Dial("tcp", addr)
	}
	d := net.Dialer{Timeout: c.timeout()}
	return d.DialContext(ctx, "tcp", addr)
}

func (c *Client) deliverToHost(ctx context.Context, host string, sender, recipient smtp.Path, msg []byte) Result {
	nc, err := c.dial(ctx, host)
	if err != nil {
		return Result{Host: host, Err: fmt.Errorf("connecting to %s: %v", host, err)}
	}
	defer nc.Close()

	nc.SetDeadline(time.Now().Add(c.timeout()))
	r := bufio.NewReader(nc)

	step := func(cmd string, wantCodes ...int) (reply, error) {
		if cmd != "" {
			if _, err := nc.Write([]byte(cmd + "\r\n")); err != nil {
				return reply{}, err
			}
		}
		rep, err := readReply(r)
		if err != nil {
			return reply{}, err
		}
		for _, w := range wantCodes {
			if rep.Code == w {
				return rep, nil
			}
		}
		return rep, fmt.Errorf("unexpected reply %d %s", rep.Code, rep.Text)
	}

	if _, err := step("", 220); err != nil {
		return Result{Host: host, Err: err}
	}

	if _, err := step("EHLO "+c.Hostname, 250); err != nil {
		if _, err := step("HELO "+c.Hostname, 250); err != nil {
			return Result{Host: host, Err: err}
		}
	} else {
		// Drain any additional EHLO capability lines already consumed by
		// readReply's multi-line handling; nothing further to negotiate for
		// this minimal client (no PIPELINING/AUTH use outbound).
	}

	if _, err := step("MAIL FROM:<"+sender.String()+">", 250); err != nil {
		return Result{Host: host, Err: err}
	}
	rcptRep, err := step("RCPT TO:<"+recipient.String()+">", 250, 251)
	if err != nil {
		return Result{Host: host, Reply: rcptRep.Text, Err: err}
	}
	if _, err := step("DATA", 354); err != nil {
		return Result{Host: host, Err: err}
	}

	if err := smtp.DataWrite(nc, bytes.NewReader(msg)); err != nil {
		return Result{Host: host, Err: fmt.Errorf("writing message: %v", err)}
	}
	rep, err := readReply(r)
	if err != nil {
		return Result{Host: host, Err: err}
	}
	if rep.Code != 250 {
		return Result{Host: host, Reply: rep.Text, Err: fmt.Errorf("delivery rejected: %d %s", rep.Code, rep.Text)}
	}

	// Best-effort QUIT; the message is already durably accepted at this point.
	nc.Write([]byte("QUIT\r\n"))
	readReply(r)

	return Result{Success: true, Host: host, Reply: rep.Text}
}
