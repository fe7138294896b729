// Package smtpserver implements the SMTP receive/relay session core: a
// command/envelope state machine, a line-oriented DATA accumulator with dot
// unstuffing, a SASL PLAIN/LOGIN sub-dialogue, the local-vs-relay routing
// decision, and delivery into the maildir store or out through the outbound
// client.
//
// The shape mirrors imapserver's conn: netsession.Handler implementation,
// panic-based error handling recovered once per command in runCommand, a
// small hand-rolled parser (parse.go) for the handful of argument forms SMTP
// commands actually need.
package smtpserver

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/mjl-/mailsrv/dns"
	"github.com/mjl-/mailsrv/maildir"
	"github.com/mjl-/mailsrv/metrics"
	"github.com/mjl-/mailsrv/mlog"
	"github.com/mjl-/mailsrv/netsession"
	"github.com/mjl-/mailsrv/outbound"
	"github.com/mjl-/mailsrv/smtp"
	"github.com/mjl-/mailsrv/users"
)

var xlog = mlog.New("smtpserver")

type state int

const (
	stateConnected state = iota
	stateGreeted
	stateMail
	stateRcpt
	stateData
)

// Kind distinguishes the three SMTP-family listener flavors the spec names:
// plain receive/relay, authenticated submission, and implicit-TLS
// submission. Only Kind's authentication requirement differs at runtime;
// all three run the same session core.
type Kind int

const (
	KindSMTP Kind = iota
	KindSubmission
	KindSubmissions
)

// Server holds the configuration shared by every accepted SMTP connection.
type Server struct {
	Hostname       string
	DataDir        string
	Users          *users.DB
	Resolver       dns.Resolver
	Kind           Kind
	RequireAuth    bool // MAIL FROM requires prior AUTH; always true for Submission(s)
	RelayAllowed   bool // unauthenticated sessions may relay to non-local domains
	MaxMessageSize int64
	TLSConfig      *tls.Config // nil disables STARTTLS / implicit TLS
}

func (s *Server) NewHandler() netsession.Handler {
	requireAuth := s.RequireAuth || s.Kind != KindSMTP
	return &conn{
		log:            xlog,
		hostname:       s.Hostname,
		dataDir:        s.DataDir,
		users:          s.Users,
		resolver:       s.Resolver,
		kind:           s.Kind,
		requireAuth:    requireAuth,
		relayAllowed:   s.RelayAllowed,
		maxMessageSize: s.MaxMessageSize,
		tlsConfig:      s.TLSConfig,
		state:          stateConnected,
	}
}

// envelope is the per-transaction (mail, recipients, accumulating body)
// state, cleared on MAIL FROM, RSET and after the final DATA response.
type envelope struct {
	from address
	to   []address
	data []byte
}

type conn struct {
	log            *mlog.Log
	hostname       string
	dataDir        string
	users          *users.DB
	resolver       dns.Resolver
	kind           Kind
	requireAuth    bool
	relayAllowed   bool
	maxMessageSize int64
	tlsConfig      *tls.Config

	nc *netsession.Conn

	state         state
	clientName    string // HELO/EHLO argument, for the Received header and EHLO reply
	authenticated bool
	username      string
	env           envelope

	// pendingStep, when set, means the next input line belongs to a SASL
	// continuation or the DATA body rather than a new command line.
	pendingStep func(line string) bool
}

func (c *conn) OnConnect(nc *netsession.Conn) {
	c.nc = nc
	c.log = c.log.WithCid(nc.Cid())
	c.nc.SendLine(fmt.Sprintf("220 %s ESMTP ready", c.hostname))
	c.nc.Flush()
}

func (c *conn) OnError(nc *netsession.Conn, err error) {
	c.log.Debugx("smtp connection error", err)
}

func (c *conn) OnLine(nc *netsession.Conn, line string) bool {
	stop := c.runCommand(func() bool {
		if c.pendingStep != nil {
			step := c.pendingStep
			c.pendingStep = nil
			return step(line)
		}
		verb, rest := splitVerb(line)
		return c.dispatch(verb, rest)
	})
	c.nc.Flush()
	return !stop
}

// runCommand invokes fn under recover, classifying a panicked smtpError (or
// anything else, an internal error) into the matching numbered reply.
func (c *conn) runCommand(fn func() bool) (stop bool) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		e, ok := x.(smtpError)
		if !ok {
			c.log.Error("unhandled panic in smtp command", mlog.Field("panic", fmt.Sprintf("%v", x)))
			metrics.PanicInc("smtpserver")
			c.nc.SendLine("451 internal error")
			return
		}
		if e.userError {
			c.log.Debug("smtp command rejected", mlog.Field("code", e.code), mlog.Field("reason", e.line))
		} else {
			c.log.Errorx("smtp command failed", e.err)
		}
		c.nc.SendLine(fmt.Sprintf("%d %s", e.code, e.line))
	}()
	return fn()
}

func (c *conn) dispatch(verb, rest string) bool {
	switch verb {
	case "HELO":
		c.cmdHelo(rest, false)
		return false
	case "EHLO":
		c.cmdHelo(rest, true)
		return false
	case "NOOP":
		c.nc.SendLine("250 OK")
		return false
	case "RSET":
		c.env = envelope{}
		c.nc.SendLine("250 OK")
		return false
	case "QUIT":
		c.nc.SendLine("221 closing connection")
		return true
	case "STARTTLS":
		c.cmdStartTLS()
		return false
	case "AUTH":
		return c.cmdAuth(rest)
	case "MAIL":
		c.cmdMail(rest)
		return false
	case "RCPT":
		c.cmdRcpt(rest)
		return false
	case "DATA":
		c.cmdData()
		return false
	}
	xsmtpUserErrorf(smtp.C502CmdNotImpl, "unknown command")
	panic("unreachable")
}

func (c *conn) cmdHelo(rest string, extended bool) {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		xsmtpUserErrorf(smtp.C501BadParamSyntax, "missing hostname argument")
	}
	c.clientName = rest
	c.env = envelope{}
	c.state = stateGreeted
	if !extended {
		c.nc.SendLine(fmt.Sprintf("250 %s Hello %s", c.hostname, rest))
		return
	}

	lines := []string{fmt.Sprintf("%s Hello %s", c.hostname, rest)}
	if c.maxMessageSize > 0 {
		lines = append(lines, fmt.Sprintf("SIZE %d", c.maxMessageSize))
	}
	lines = append(lines, "8BITMIME", "PIPELINING")
	if c.tlsConfig != nil && !c.nc.IsTLS() {
		lines = append(lines, "STARTTLS")
	}
	if !c.authenticated {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		c.nc.SendLine(fmt.Sprintf("250%s%s", sep, l))
	}
}

func (c *conn) cmdStartTLS() {
	if c.nc.IsTLS() {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, "TLS already active")
	}
	if c.tlsConfig == nil {
		xsmtpUserErrorf(smtp.C502CmdNotImpl, "TLS not configured on this listener")
	}
	c.nc.SendLine("220 Ready to start TLS")
	if err := c.nc.Flush(); err != nil {
		xsmtpServerErrorf(smtp.C451LocalErr, "flushing before TLS handshake: %v", err)
	}
	if err := c.nc.StartTLS(c.tlsConfig); err != nil {
		xsmtpServerErrorf(smtp.C451LocalErr, "TLS handshake: %v", err)
	}
	// RFC 3207: STARTTLS discards all prior session state; EHLO must be reissued.
	c.state = stateConnected
	c.clientName = ""
	c.authenticated = false
	c.username = ""
	c.env = envelope{}
}

// cmdAuth runs the SASL PLAIN or LOGIN sub-dialogue. See imapserver's
// cmdAuthenticate for the same shape; SMTP's AUTH has no tag to thread
// through continuations, so the pendingStep closures are simpler.
func (c *conn) cmdAuth(rest string) bool {
	mech, initial := splitVerb(rest)
	hasInitial := initial != ""
	switch mech {
	case "PLAIN":
		finish := func(resp string) bool {
			buf, err := base64.StdEncoding.DecodeString(resp)
			if err != nil {
				xsmtpUserErrorf(smtp.C501BadParamSyntax, "parsing base64: %v", err)
			}
			parts := strings.SplitN(string(buf), "\x00", 3)
			if len(parts) != 3 {
				xsmtpUserErrorf(smtp.C501BadParamSyntax, "malformed SASL PLAIN response")
			}
			c.finishAuth(parts[1], parts[2], "plain")
			return false
		}
		if hasInitial {
			return finish(initial)
		}
		c.nc.SendLine("334 ")
		c.pendingStep = finish
		return false

	case "LOGIN":
		var user string
		askPass := func(resp string) bool {
			buf, err := base64.StdEncoding.DecodeString(resp)
			if err != nil {
				xsmtpUserErrorf(smtp.C501BadParamSyntax, "parsing base64: %v", err)
			}
			c.finishAuth(user, string(buf), "login")
			return false
		}
		askUser := func(resp string) bool {
			buf, err := base64.StdEncoding.DecodeString(resp)
			if err != nil {
				xsmtpUserErrorf(smtp.C501BadParamSyntax, "parsing base64: %v", err)
			}
			user = string(buf)
			c.nc.SendLine("334 " + base64.StdEncoding.EncodeToString([]byte("Password:")))
			c.pendingStep = askPass
			return false
		}
		if hasInitial {
			return askUser(initial)
		}
		c.nc.SendLine("334 " + base64.StdEncoding.EncodeToString([]byte("Username:")))
		c.pendingStep = askUser
		return false

	case "CRAM-MD5":
		// Stub, per the spec's non-goals: always fails.
		c.nc.SendLine("334 ")
		c.pendingStep = func(string) bool {
			metrics.AuthenticationInc("smtp", "cram-md5", "badcreds")
			xsmtpUserErrorf(smtp.C535AuthBadCreds, "authentication failed")
			return false
		}
		return false

	default:
		xsmtpUserErrorf(smtp.C504ParamNotImpl, "unsupported SASL mechanism %q", mech)
	}
	panic("unreachable")
}

func (c *conn) finishAuth(user, pass, variant string) {
	if !c.users.Authenticate(user, pass) {
		metrics.AuthenticationInc("smtp", variant, "badcreds")
		xsmtpUserErrorf(smtp.C535AuthBadCreds, "authentication failed")
	}
	metrics.AuthenticationInc("smtp", variant, "ok")
	c.authenticated = true
	c.username = user
	c.state = stateGreeted
	c.nc.SendLine(fmt.Sprintf("%d Authentication successful", smtp.C235AuthSuccess))
}

func (c *conn) cmdMail(rest string) {
	if c.state < stateGreeted {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, "send HELO/EHLO first")
	}
	if c.requireAuth && !c.authenticated {
		xsmtpUserErrorf(smtp.C530SecurityRequired, "authentication required")
	}
	c.env = envelope{from: xmailFromArg(rest)}
	c.state = stateMail
	c.nc.SendLine("250 OK")
}

func (c *conn) cmdRcpt(rest string) {
	if c.state != stateMail && c.state != stateRcpt {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, "send MAIL FROM first")
	}
	rcpt := xrcptToArg(rest)
	c.routeRecipient(rcpt)
	c.env.to = append(c.env.to, rcpt)
	c.state = stateRcpt
	c.nc.SendLine("250 OK")
}

// routeRecipient implements the local-vs-relay routing decision of spec
// §4.5. It only validates; the recipient is appended to the envelope by the
// caller once this returns without panicking.
func (c *conn) routeRecipient(rcpt address) {
	domain := rcpt.Address.Domain.Name()
	local := c.users.IsLocalDomain(domain)
	if local {
		if !c.users.Exists(rcpt.String()) {
			xsmtpUserErrorf(smtp.C550MailboxUnavail, "user not found")
		}
		return
	}
	if c.authenticated || c.relayAllowed {
		return
	}
	xsmtpUserErrorf(smtp.C530SecurityRequired, "relaying denied, authentication required")
}

func (c *conn) cmdData() {
	if c.state != stateRcpt {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, "send RCPT TO first")
	}
	c.nc.SendLine(fmt.Sprintf("%d Start mail input; end with <CRLF>.<CRLF>", smtp.C354Continue))
	c.state = stateData
	c.pendingStep = c.dataLine
}

// dataLine accumulates one line of the DATA body: dot-unstuffs, enforces the
// size cap, and on a lone "." delivers the accumulated message.
func (c *conn) dataLine(line string) bool {
	if line == "." {
		return c.finishData()
	}
	if strings.HasPrefix(line, ".") {
		line = line[1:]
	}
	c.env.data = append(c.env.data, line...)
	c.env.data = append(c.env.data, '\r', '\n')
	if c.maxMessageSize > 0 && int64(len(c.env.data)) > c.maxMessageSize {
		c.env = envelope{}
		c.state = stateGreeted
		xsmtpUserErrorf(smtp.C552MailboxFull, "message too large")
	}
	c.pendingStep = c.dataLine
	return false
}

func (c *conn) finishData() bool {
	remote := ""
	if c.nc != nil {
		if a, ok := c.nc.RemoteAddr().(*net.TCPAddr); ok {
			remote = smtp.AddressLiteral(a.IP)
		} else {
			remote = c.nc.RemoteAddr().String()
		}
	}
	received := fmt.Sprintf("Received: from %s (%s)\r\n\tby %s with ESMTP;\r\n\t%s\r\n",
		c.clientName, remote, c.hostname, time.Now().Format(time.RFC1123Z))
	msg := append([]byte(received), c.env.data...)

	ok := c.deliver(msg)
	c.env = envelope{}
	c.state = stateGreeted
	if ok {
		c.nc.SendLine(fmt.Sprintf("%d Message accepted for delivery", smtp.C250Completed))
	} else {
		c.nc.SendLine(fmt.Sprintf("%d Delivery failed", smtp.C451LocalErr))
	}
	return false
}

// deliver routes each recipient to local maildir delivery or the outbound
// relay client, per spec §4.5. All-or-nothing: 250 is returned to the client
// only if every recipient succeeded (the known multi-recipient imperfection
// the spec's design notes call out and explicitly accept for this scope).
func (c *conn) deliver(msg []byte) bool {
	success := true
	for _, rcpt := range c.env.to {
		domain := rcpt.Address.Domain.Name()
		if c.users.IsLocalDomain(domain) {
			if !c.deliverLocal(rcpt, msg) {
				success = false
			}
			continue
		}
		if !c.deliverRemote(rcpt, msg) {
			success = false
		}
	}
	return success
}

func (c *conn) deliverLocal(rcpt address, msg []byte) bool {
	local := string(rcpt.Address.Localpart)
	domain := rcpt.Address.Domain.Name()
	store := maildir.New(filepath.Join(c.dataDir, domain, local), c.hostname)
	if err := store.Initialize(); err != nil {
		c.log.Errorx("initializing maildir for local delivery", err, mlog.Field("rcpt", rcpt.String()))
		return false
	}
	if _, err := store.Deliver(maildir.DirINBOX, msg); err != nil {
		c.log.Errorx("local delivery failed", err, mlog.Field("rcpt", rcpt.String()))
		return false
	}
	if err := c.users.AddUsedBytes(local, domain, int64(len(msg))); err != nil {
		c.log.Debugx("tracking used bytes after delivery", err)
	}
	return true
}

func (c *conn) deliverRemote(rcpt address, msg []byte) bool {
	client := &outbound.Client{Hostname: c.hostname, Resolver: c.resolver}
	ctx, cancel := context.WithTimeout(context.WithValue(context.Background(), mlog.CidKey, c.nc.Cid()), outbound.DefaultTimeout*3)
	defer cancel()
	res := client.Deliver(ctx, c.env.from.Address.Path(), rcpt.Address.Path(), msg)
	if !res.Success {
		c.log.Infox("relay delivery failed", res.Err, mlog.Field("rcpt", rcpt.String()), mlog.Field("reply", res.Reply))
	}
	return res.Success
}
