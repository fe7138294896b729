package netsession

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/mjl-/mailsrv/metrics"
	"github.com/mjl-/mailsrv/mlog"
	"github.com/mjl-/mailsrv/moxio"
	mox "github.com/mjl-/mailsrv/mox-"
)

// Listener describes one accept loop: a bound net.Listener, whether TLS is
// negotiated immediately on accept (implicit TLS, e.g. IMAPS/POP3S/SMTPS),
// and a factory returning a fresh Handler per connection.
type Listener struct {
	Name        string
	Net         net.Listener
	TLSConfig   *tls.Config // nil if this listener never offers TLS
	ImplicitTLS bool
	IdleTimeout time.Duration
	NewHandler  func() Handler
	Log         *mlog.Log
}

// Serve runs the accept loop until Net is closed or shutdown is canceled.
// Each accepted connection is handled in its own goroutine; Serve itself
// blocks the caller, so callers typically invoke it with "go".
func (l *Listener) Serve() {
	for {
		nc, err := l.Net.Accept()
		if err != nil {
			select {
			case <-mox.Shutdown.Done():
				return
			default:
			}
			l.Log.Errorx("accept", err)
			return
		}
		go l.handle(nc)
	}
}

func (l *Listener) handle(nc net.Conn) {
	cid := mox.Cid()
	log := l.Log.Fields(mlog.Field("cid", cid), mlog.Field("listener", l.Name), mlog.Field("remote", nc.RemoteAddr()))

	if l.ImplicitTLS {
		tc := tls.Server(nc, l.TLSConfig)
		if err := tc.Handshake(); err != nil {
			if !moxio.IsClosed(err) {
				log.Errorx("implicit TLS handshake", err)
			}
			nc.Close()
			return
		}
		version, ciphersuite := moxio.TLSInfo(tc)
		log.Debug("implicit TLS established", mlog.Field("version", version), mlog.Field("cipher", ciphersuite))
		nc = tc
	}

	c := New(nc, l.IdleTimeout, log, cid)
	defer c.Stop()

	metrics.ConnectionOpenInc(l.Name)
	c.OnClose(func() { metrics.ConnectionOpenDec(l.Name) })

	h := l.NewHandler()

	defer func() {
		if x := recover(); x != nil {
			log.Error("unhandled panic in session", mlog.Field("panic", x))
		}
	}()

	h.OnConnect(c)
	for {
		line, err := c.readLine()
		if err != nil {
			if !moxio.IsClosed(err) {
				h.OnError(c, err)
			}
			return
		}
		if !h.OnLine(c, line) {
			return
		}
	}
}
