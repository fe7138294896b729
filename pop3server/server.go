// Package pop3server implements the POP3 session core: the
// AUTHORIZATION/TRANSACTION/UPDATE state machine, USER/PASS login, message
// listing and retrieval with byte-stuffing, deferred DELE/UPDATE semantics,
// and STLS.
//
// Structurally this mirrors imapserver and smtpserver: a netsession.Handler
// implementation driving a small hand-rolled command dispatch, with
// command failures expressed as a panicked pop3Error recovered once per
// command in runCommand.
package pop3server

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mjl-/mailsrv/maildir"
	"github.com/mjl-/mailsrv/metrics"
	"github.com/mjl-/mailsrv/mlog"
	"github.com/mjl-/mailsrv/netsession"
	"github.com/mjl-/mailsrv/users"
)

var xlog = mlog.New("pop3server")

type state int

const (
	stateAuthorization state = iota
	stateTransaction
	stateUpdate
)

// Server holds the configuration shared by every accepted POP3 connection.
type Server struct {
	Hostname  string
	DataDir   string
	Users     *users.DB
	TLSConfig *tls.Config // nil disables STLS
}

func (s *Server) NewHandler() netsession.Handler {
	return &conn{
		log:       xlog,
		hostname:  s.Hostname,
		dataDir:   s.DataDir,
		users:     s.Users,
		tlsConfig: s.TLSConfig,
		state:     stateAuthorization,
	}
}

// message is one numbered entry of the transaction-state message list; see
// spec §3's POP3 transaction state.
type message struct {
	number   int
	uniqueID string
	size     int64
}

type conn struct {
	log       *mlog.Log
	hostname  string
	dataDir   string
	users     *users.DB
	tlsConfig *tls.Config

	nc *netsession.Conn

	state    state
	pendUser string // USER argument, pending PASS

	username string
	store    *maildir.Store
	messages []message
	deleted  map[int]bool
}

func (c *conn) OnConnect(nc *netsession.Conn) {
	c.nc = nc
	c.log = c.log.WithCid(nc.Cid())
	c.nc.SendLine(fmt.Sprintf("+OK %s POP3 server ready", c.hostname))
	c.nc.Flush()
}

func (c *conn) OnError(nc *netsession.Conn, err error) {
	c.log.Debugx("pop3 connection error", err)
}

func (c *conn) OnLine(nc *netsession.Conn, line string) bool {
	stop := c.runCommand(func() bool {
		verb, rest := splitVerb(line)
		return c.dispatch(verb, rest)
	})
	c.nc.Flush()
	return !stop
}

func (c *conn) runCommand(fn func() bool) (stop bool) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		e, ok := x.(pop3Error)
		if !ok {
			c.log.Error("unhandled panic in pop3 command", mlog.Field("panic", fmt.Sprintf("%v", x)))
			metrics.PanicInc("pop3server")
			c.nc.SendLine("-ERR internal error")
			return
		}
		if e.userError {
			c.log.Debug("pop3 command rejected", mlog.Field("reason", e.line))
		} else {
			c.log.Errorx("pop3 command failed", e.err)
		}
		c.nc.SendLine("-ERR " + e.line)
	}()
	return fn()
}

func splitVerb(line string) (verb, rest string) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return strings.ToUpper(line), ""
	}
	return strings.ToUpper(line[:i]), strings.TrimSpace(line[i+1:])
}

func splitAddr(addr string) (local, domain string, ok bool) {
	i := strings.LastIndexByte(addr, '@')
	if i <= 0 || i == len(addr)-1 {
		return "", "", false
	}
	return addr[:i], addr[i+1:], true
}

func (c *conn) dispatch(verb, rest string) bool {
	switch verb {
	case "NOOP":
		c.nc.SendLine("+OK")
		return false
	case "QUIT":
		return c.cmdQuit()
	case "CAPA":
		c.cmdCapa()
		return false
	case "STLS":
		c.cmdStls()
		return false
	}

	switch c.state {
	case stateAuthorization:
		switch verb {
		case "USER":
			c.cmdUser(rest)
			return false
		case "PASS":
			c.cmdPass(rest)
			return false
		}
		xuserErrorf("command not permitted before authentication")

	case stateTransaction:
		switch verb {
		case "STAT":
			c.cmdStat()
			return false
		case "LIST":
			c.cmdList(rest)
			return false
		case "RETR":
			c.cmdRetr(rest)
			return false
		case "TOP":
			c.cmdTop(rest)
			return false
		case "DELE":
			c.cmdDele(rest)
			return false
		case "RSET":
			c.cmdRset()
			return false
		case "UIDL":
			c.cmdUidl(rest)
			return false
		}
		xuserErrorf("command not permitted in transaction state")
	}
	xuserErrorf("unknown command")
	panic("unreachable")
}

func (c *conn) cmdUser(rest string) {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		xuserErrorf("username required")
	}
	c.pendUser = rest
	c.nc.SendLine("+OK User accepted, send PASS")
}

func (c *conn) cmdPass(rest string) {
	if c.pendUser == "" {
		xuserErrorf("USER command required first")
	}
	user := c.pendUser
	c.pendUser = ""
	if !c.users.Authenticate(user, rest) {
		metrics.AuthenticationInc("pop3", "user-pass", "badcreds")
		xuserErrorf("authentication failed")
	}
	metrics.AuthenticationInc("pop3", "user-pass", "ok")

	local, domain, ok := splitAddr(user)
	if !ok {
		xserverErrorf("authenticated user %q has no domain part", user)
	}
	c.username = user
	c.store = maildir.New(filepath.Join(c.dataDir, domain, local), c.hostname)
	if err := c.store.Initialize(); err != nil {
		xserverErrorf("initializing maildir: %v", err)
	}
	msgs, err := c.store.ListMessages(maildir.DirINBOX)
	xcheckf(err, "listing messages")
	c.messages = make([]message, len(msgs))
	for i, m := range msgs {
		c.messages[i] = message{number: i + 1, uniqueID: m.UniqueID, size: m.SizeBytes}
	}
	c.deleted = map[int]bool{}
	c.state = stateTransaction
	c.nc.SendLine(fmt.Sprintf("+OK Authentication successful, %d messages", len(c.messages)))
}

// lookup returns the message numbered n, or panics with a user error if it
// does not exist or is already marked deleted.
func (c *conn) lookup(n int) message {
	for _, m := range c.messages {
		if m.number == n {
			if c.deleted[n] {
				xuserErrorf("message %d already deleted", n)
			}
			return m
		}
	}
	xuserErrorf("no such message %d", n)
	panic("unreachable")
}

func (c *conn) cmdStat() {
	var count int
	var total int64
	for _, m := range c.messages {
		if c.deleted[m.number] {
			continue
		}
		count++
		total += m.size
	}
	c.nc.SendLine(fmt.Sprintf("+OK %d %d", count, total))
}

func (c *conn) cmdList(rest string) {
	if rest != "" {
		n, err := strconv.Atoi(rest)
		if err != nil {
			xuserErrorf("invalid message number")
		}
		m := c.lookup(n)
		c.nc.SendLine(fmt.Sprintf("+OK %d %d", m.number, m.size))
		return
	}
	c.nc.SendLine("+OK")
	for _, m := range c.messages {
		if c.deleted[m.number] {
			continue
		}
		c.nc.SendLine(fmt.Sprintf("%d %d", m.number, m.size))
	}
	c.nc.SendLine(".")
}

func (c *conn) cmdRetr(rest string) {
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		xuserErrorf("invalid message number")
	}
	m := c.lookup(n)
	content, err := c.store.GetMessageContent(maildir.DirINBOX, m.uniqueID)
	xcheckf(err, "reading message")
	c.nc.SendLine(fmt.Sprintf("+OK %d octets", len(content)))
	c.writeDotted(content)
}

func (c *conn) cmdTop(rest string) {
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		xuserErrorf("usage: TOP n lines")
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		xuserErrorf("invalid message number")
	}
	k, err := strconv.Atoi(fields[1])
	if err != nil || k < 0 {
		xuserErrorf("invalid line count")
	}
	m := c.lookup(n)
	content, err := c.store.GetMessageContent(maildir.DirINBOX, m.uniqueID)
	xcheckf(err, "reading message")
	c.nc.SendLine("+OK")
	c.writeDotted(topBytes(content, k))
}

// topBytes returns the header section plus the first k lines of the body,
// matching spec §4.7's "headers + k body lines" contract for TOP.
func topBytes(content []byte, k int) []byte {
	sep := []byte("\r\n\r\n")
	i := bytes.Index(content, sep)
	if i < 0 {
		sep = []byte("\n\n")
		i = bytes.Index(content, sep)
	}
	if i < 0 {
		return content
	}
	headers := content[:i+len(sep)]
	body := content[i+len(sep):]

	lines := bytes.SplitAfter(body, []byte("\n"))
	if k > len(lines) {
		k = len(lines)
	}
	var out bytes.Buffer
	out.Write(headers)
	for _, l := range lines[:k] {
		out.Write(l)
	}
	return out.Bytes()
}

// writeDotted sends content as a multi-line response: each line
// byte-stuffed (a leading "." doubled) and CRLF-terminated, followed by the
// ".\r\n" terminator.
func (c *conn) writeDotted(content []byte) {
	lines := bytes.Split(content, []byte("\n"))
	for i, l := range lines {
		l = bytes.TrimSuffix(l, []byte("\r"))
		if i == len(lines)-1 && len(l) == 0 {
			break // trailing split artifact after a final newline
		}
		if bytes.HasPrefix(l, []byte(".")) {
			l = append([]byte("."), l...)
		}
		c.nc.Send(l)
		c.nc.Send([]byte("\r\n"))
	}
	c.nc.SendLine(".")
}

func (c *conn) cmdDele(rest string) {
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		xuserErrorf("invalid message number")
	}
	c.lookup(n) // validates existence and not-already-deleted
	c.deleted[n] = true
	c.nc.SendLine("+OK message deleted")
}

func (c *conn) cmdRset() {
	c.deleted = map[int]bool{}
	c.nc.SendLine("+OK")
}

func (c *conn) cmdUidl(rest string) {
	if rest != "" {
		n, err := strconv.Atoi(rest)
		if err != nil {
			xuserErrorf("invalid message number")
		}
		m := c.lookup(n)
		c.nc.SendLine(fmt.Sprintf("+OK %d %s", m.number, m.uniqueID))
		return
	}
	c.nc.SendLine("+OK")
	for _, m := range c.messages {
		if c.deleted[m.number] {
			continue
		}
		c.nc.SendLine(fmt.Sprintf("%d %s", m.number, m.uniqueID))
	}
	c.nc.SendLine(".")
}

func (c *conn) cmdCapa() {
	lines := []string{"USER", "TOP", "UIDL", "RESP-CODES", "AUTH-RESP-CODE", "PIPELINING"}
	if c.tlsConfig != nil && !c.nc.IsTLS() {
		lines = append(lines, "STLS")
	}
	lines = append(lines, "EXPIRE NEVER", "IMPLEMENTATION "+c.hostname)
	c.nc.SendLine("+OK Capability list follows")
	for _, l := range lines {
		c.nc.SendLine(l)
	}
	c.nc.SendLine(".")
}

func (c *conn) cmdStls() {
	if c.state != stateAuthorization {
		xuserErrorf("STLS only allowed before authentication")
	}
	if c.nc.IsTLS() {
		xuserErrorf("TLS already active")
	}
	if c.tlsConfig == nil {
		xuserErrorf("TLS not configured on this listener")
	}
	c.nc.SendLine("+OK Begin TLS negotiation")
	if err := c.nc.Flush(); err != nil {
		xserverErrorf("flushing before TLS handshake: %v", err)
	}
	if err := c.nc.StartTLS(c.tlsConfig); err != nil {
		xserverErrorf("TLS handshake: %v", err)
	}
}

// cmdQuit transitions to UPDATE, applies deferred deletions, and closes the
// connection. Deletion failures are logged but do not prevent QUIT from
// completing: the POP3 protocol has no way to report a partial failure at
// this point.
func (c *conn) cmdQuit() bool {
	if c.state != stateTransaction {
		c.nc.SendLine("+OK Goodbye")
		return true
	}
	c.state = stateUpdate
	var deletedCount int
	for n := range c.deleted {
		m := c.lookup0(n)
		if m == nil {
			continue
		}
		if err := c.store.DeleteMessage(maildir.DirINBOX, m.uniqueID); err != nil {
			c.log.Errorx("deleting message on quit", err, mlog.Field("uid", m.uniqueID))
			continue
		}
		if local, domain, ok := splitAddr(c.username); ok {
			if err := c.users.AddUsedBytes(local, domain, -m.size); err != nil {
				c.log.Debugx("tracking used bytes after delete", err)
			}
		}
		deletedCount++
	}
	c.nc.SendLine(fmt.Sprintf("+OK Goodbye, %d messages deleted", deletedCount))
	return true
}

// lookup0 is lookup without the already-deleted panic, used during UPDATE
// where the deleted set is exactly the set being processed.
func (c *conn) lookup0(n int) *message {
	for i := range c.messages {
		if c.messages[i].number == n {
			return &c.messages[i]
		}
	}
	return nil
}
