// Package imapserver implements the IMAP4rev1 session core: a four-state
// session (not-authenticated, authenticated, selected, logout), a command
// parser (parse.go), and the FETCH/SEARCH/STORE/EXPUNGE response generator
// that must observe sequence-number/UID stability across a session.
//
// Commands never span multiple input lines except the small number of SASL
// continuation dialogues (AUTHENTICATE); the netsession runtime hands us one
// full line at a time, so a conn tracks at most one pending continuation
// step rather than pulling more input itself.
package imapserver

import (
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mjl-/mailsrv/maildir"
	"github.com/mjl-/mailsrv/mlog"
	"github.com/mjl-/mailsrv/netsession"
	"github.com/mjl-/mailsrv/users"
)

var xlog = mlog.New("imapserver")

type state int

const (
	stateNotAuthenticated state = iota
	stateAuthenticated
	stateSelected
	stateLogout
)

// Server holds the configuration shared by every accepted IMAP connection
// and produces a fresh handler per connection for netsession.Listener.
type Server struct {
	Hostname  string
	DataDir   string
	Users     *users.DB
	TLSConfig *tls.Config // nil disables STARTTLS
}

func (s *Server) NewHandler() netsession.Handler {
	return &conn{
		log:       xlog,
		hostname:  s.Hostname,
		dataDir:   s.DataDir,
		users:     s.Users,
		tlsConfig: s.TLSConfig,
		state:     stateNotAuthenticated,
	}
}

type conn struct {
	log       *mlog.Log
	hostname  string
	dataDir   string
	users     *users.DB
	tlsConfig *tls.Config

	nc *netsession.Conn

	state    state
	username string
	store    *maildir.Store
	mbox     *selectedMailbox

	// pendingStep, when set, means the next input line is a SASL
	// continuation response rather than a new tagged command.
	pendingTag  string
	pendingStep func(line string) bool

	// lastTag is the tag of the command currently being handled, used by
	// handlers that need to emit their own tagged completion line (e.g. one
	// carrying a response code) instead of the generic replyOK.
	lastTag string
}

func (c *conn) OnConnect(nc *netsession.Conn) {
	c.nc = nc
	c.log = c.log.WithCid(nc.Cid())
	c.nc.SendLine(fmt.Sprintf("* OK %s IMAP4rev1 Service Ready", c.hostname))
	c.nc.Flush()
}

func (c *conn) OnError(nc *netsession.Conn, err error) {
	c.log.Debugx("imap connection error", err)
}

func (c *conn) OnLine(nc *netsession.Conn, line string) bool {
	var tag string
	var stop bool
	if c.pendingStep != nil {
		step := c.pendingStep
		tag = c.pendingTag
		c.pendingStep = nil
		c.pendingTag = ""
		c.lastTag = tag
		stop = c.runCommand(tag, func() bool { return step(line) })
		c.nc.Flush()
		return !stop
	}

	var cmdWord, args string
	var ok bool
	tag, cmdWord, args, ok = splitTagCommand(line)
	if !ok {
		c.nc.SendLine("* BAD invalid command line")
		c.nc.Flush()
		return true
	}
	cmd := strings.ToUpper(cmdWord)
	c.lastTag = tag
	stop = c.runCommand(tag, func() bool { return c.dispatch(cmd, args) })
	c.nc.Flush()
	return !stop
}

// runCommand invokes fn under recover, classifying a panic of one of the
// three typed errors (or anything else, treated as an internal error) into
// the matching tagged response. This is the single place responses to
// failures are written, so every command handler can just panic instead of
// threading error returns through the dispatch tree.
func (c *conn) runCommand(tag string, fn func() bool) (stop bool) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		switch e := x.(type) {
		case syntaxError:
			resp := "BAD"
			if e.code != "" {
				resp += " [" + e.code + "]"
			}
			c.nc.SendLine(fmt.Sprintf("%s %s %s", tag, resp, e.errmsg))
		case userError:
			resp := "NO"
			if e.code != "" {
				resp += " [" + e.code + "]"
			}
			c.nc.SendLine(fmt.Sprintf("%s %s %s", tag, resp, e.Error()))
		case serverError:
			c.log.Errorx("imap command failed", e.err)
			c.nc.SendLine(tag + " NO internal error")
		default:
			c.log.Error("unhandled panic in imap command", mlog.Field("panic", fmt.Sprintf("%v", x)))
			c.nc.SendLine(tag + " NO internal error")
		}
	}()
	return fn()
}

func (c *conn) dispatch(cmd, args string) bool {
	switch cmd {
	case "CAPABILITY":
		c.cmdCapability()
		return false
	case "NOOP":
		c.replyOK(cmd)
		return false
	case "LOGOUT":
		c.nc.SendLine("* BYE logging out")
		c.replyOK(cmd)
		c.state = stateLogout
		return true
	}

	switch c.state {
	case stateNotAuthenticated:
		switch cmd {
		case "STARTTLS":
			c.cmdStartTLS()
			return false
		case "LOGIN":
			c.cmdLogin(args)
			return false
		case "AUTHENTICATE":
			return c.cmdAuthenticate(args)
		}
		xuserErrorf("command %s not permitted before authentication", cmd)

	case stateAuthenticated, stateSelected:
		switch cmd {
		case "SELECT":
			c.cmdSelect(args, false)
			return false
		case "EXAMINE":
			c.cmdSelect(args, true)
			return false
		case "CREATE":
			c.cmdCreate(args)
			return false
		case "DELETE":
			c.cmdDelete(args)
			return false
		case "RENAME":
			c.cmdRename(args)
			return false
		case "SUBSCRIBE", "UNSUBSCRIBE":
			// Subscription is not tracked; accept and no-op.
			c.replyOK(cmd)
			return false
		case "LIST":
			c.cmdList(args, false)
			return false
		case "LSUB":
			c.cmdList(args, true)
			return false
		case "STATUS":
			c.cmdStatus(args)
			return false
		}
		if c.state == stateSelected {
			switch cmd {
			case "CHECK":
				c.replyOK(cmd)
				return false
			case "CLOSE":
				c.cmdClose()
				return false
			case "EXPUNGE":
				c.cmdExpunge()
				return false
			case "SEARCH":
				c.cmdSearch(args, false)
				return false
			case "FETCH":
				c.cmdFetch(args, false)
				return false
			case "STORE":
				c.cmdStore(args, false)
				return false
			case "COPY":
				c.cmdCopy(args, false)
				return false
			case "UID":
				c.cmdUID(args)
				return false
			}
		}
		xuserErrorf("command %s not permitted in current state", cmd)
	}
	xuserErrorf("unknown command %s", cmd)
	panic("unreachable")
}

func (c *conn) replyOK(cmd string) {
	c.currentTagReplyOK(cmd)
}

// currentTagReplyOK exists only to give replyOK a body distinct from the
// literal string composition used everywhere else, keeping tagged-OK
// formatting in one place.
func (c *conn) currentTagReplyOK(cmd string) {
	c.nc.SendLine(c.lastTag + " OK " + cmd + " completed")
}

func splitAddr(addr string) (local, domain string, ok bool) {
	i := strings.LastIndexByte(addr, '@')
	if i <= 0 || i == len(addr)-1 {
		return "", "", false
	}
	return addr[:i], addr[i+1:], true
}

func (c *conn) cmdCapability() {
	caps := "IMAP4rev1 AUTH=PLAIN AUTH=LOGIN"
	if !c.nc.IsTLS() && c.tlsConfig != nil {
		caps += " STARTTLS"
	}
	if c.state != stateNotAuthenticated {
		caps += " CHILDREN NAMESPACE"
	}
	c.nc.SendLine("* CAPABILITY " + caps)
	c.replyOK("CAPABILITY")
}

func (c *conn) cmdStartTLS() {
	if c.nc.IsTLS() {
		xuserErrorf("TLS already active")
	}
	if c.tlsConfig == nil {
		xuserErrorf("TLS not configured on this listener")
	}
	c.nc.SendLine(c.lastTag + " OK Begin TLS negotiation")
	if err := c.nc.Flush(); err != nil {
		xserverErrorf("flushing before TLS handshake: %v", err)
	}
	if err := c.nc.StartTLS(c.tlsConfig); err != nil {
		xserverErrorf("TLS handshake: %v", err)
	}
}

func (c *conn) cmdLogin(args string) {
	p := newParser(args)
	user := p.xstring()
	p.xspace()
	pass := p.xstring()
	if !p.empty() {
		xsyntaxErrorf("unexpected trailing data")
	}
	if !c.users.Authenticate(user, pass) {
		xusercodeErrorf("AUTHENTICATIONFAILED", "authentication failed")
	}
	c.completeLogin(user)
	c.replyOK("LOGIN")
}

func (c *conn) completeLogin(user string) {
	local, domain, ok := splitAddr(user)
	if !ok {
		xserverErrorf("authenticated user %q has no domain part", user)
	}
	c.username = user
	c.state = stateAuthenticated
	c.store = maildir.New(filepath.Join(c.dataDir, domain, local), c.hostname)
	if err := c.store.Initialize(); err != nil {
		xserverErrorf("initializing maildir: %v", err)
	}
}

// cmdAuthenticate runs the SASL PLAIN or LOGIN sub-dialogue. Both mechanisms
// accept an inline initial response (SASL-IR) or fall back to one or two
// "+ <base64 challenge>" continuations.
func (c *conn) cmdAuthenticate(args string) bool {
	p := newParser(args)
	mech := strings.ToUpper(p.xword(isSpace))
	var initial string
	hasInitial := p.take(" ")
	if hasInitial {
		initial = p.remainder()
	}

	switch mech {
	case "PLAIN":
		finishPlain := func(resp string) bool {
			buf, err := base64.StdEncoding.DecodeString(resp)
			if err != nil {
				xsyntaxErrorf("parsing base64: %v", err)
			}
			parts := strings.SplitN(string(buf), "\x00", 3)
			if len(parts) != 3 {
				xsyntaxErrorf("malformed SASL PLAIN response")
			}
			c.finishAuth(parts[1], parts[2])
			return false
		}
		if hasInitial {
			return c.runCommand(c.lastTag, func() bool { return finishPlain(initial) })
		}
		c.nc.SendLine("+ ")
		c.pendingTag = c.lastTag
		c.pendingStep = finishPlain
		return false

	case "LOGIN":
		var user string
		askPass := func(resp string) bool {
			buf, err := base64.StdEncoding.DecodeString(resp)
			if err != nil {
				xsyntaxErrorf("parsing base64: %v", err)
			}
			c.finishAuth(user, string(buf))
			return false
		}
		askUser := func(resp string) bool {
			buf, err := base64.StdEncoding.DecodeString(resp)
			if err != nil {
				xsyntaxErrorf("parsing base64: %v", err)
			}
			user = string(buf)
			c.nc.SendLine("+ " + base64.StdEncoding.EncodeToString([]byte("Password:")))
			c.pendingTag = c.lastTag
			c.pendingStep = askPass
			return false
		}
		if hasInitial {
			return c.runCommand(c.lastTag, func() bool { return askUser(initial) })
		}
		c.nc.SendLine("+ " + base64.StdEncoding.EncodeToString([]byte("Username:")))
		c.pendingTag = c.lastTag
		c.pendingStep = askUser
		return false

	default:
		xuserErrorf("unsupported SASL mechanism %q", mech)
	}
	panic("unreachable")
}

func (c *conn) finishAuth(user, pass string) {
	if !c.users.Authenticate(user, pass) {
		xusercodeErrorf("AUTHENTICATIONFAILED", "authentication failed")
	}
	c.completeLogin(user)
	c.replyOK("AUTHENTICATE")
}

func (c *conn) cmdSelect(args string, examine bool) {
	name := parseMailboxArg(args)
	exists, err := c.checkMailboxExists(name)
	xcheckf(err, "checking mailbox")
	if !exists {
		xuserErrorf("no such mailbox")
	}
	mb, err := c.loadMailbox(name, examine)
	xcheckf(err, "loading mailbox")
	c.mbox = mb
	c.state = stateSelected

	c.nc.SendLine(fmt.Sprintf("* %d EXISTS", mb.exists()))
	c.nc.SendLine(fmt.Sprintf("* %d RECENT", mb.recentCount()))
	if seq, ok := mb.firstUnseen(); ok {
		c.nc.SendLine(fmt.Sprintf("* OK [UNSEEN %d] Message %d is first unseen", seq, seq))
	}
	c.nc.SendLine(fmt.Sprintf("* OK [UIDVALIDITY %d] UIDs valid", mb.uidValidity))
	c.nc.SendLine(fmt.Sprintf("* OK [UIDNEXT %d] Predicted next UID", mb.uidNext))
	c.nc.SendLine(`* FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`)
	c.nc.SendLine(`* OK [PERMANENTFLAGS (\Answered \Flagged \Deleted \Seen \Draft \*)] Permanent flags`)

	label := "SELECT"
	access := "READ-WRITE"
	if examine {
		label = "EXAMINE"
		access = "READ-ONLY"
	}
	c.nc.SendLine(fmt.Sprintf("%s OK [%s] %s completed", c.lastTag, access, label))
}

// checkMailboxExists is the existence check used by SELECT/EXAMINE; it calls
// mailbox.go's mailboxExists unchanged.
func (c *conn) checkMailboxExists(name string) (bool, error) {
	return c.mailboxExists(name)
}

func (c *conn) cmdCreate(args string) {
	name := parseMailboxArg(args)
	err := c.store.CreateMailbox(name)
	if errors.Is(err, maildir.ErrMailboxExists) {
		xuserErrorf("mailbox already exists")
	}
	xcheckf(err, "creating mailbox")
	c.replyOK("CREATE")
}

func (c *conn) cmdDelete(args string) {
	name := parseMailboxArg(args)
	err := c.store.DeleteMailbox(name)
	if errors.Is(err, maildir.ErrInbox) {
		xuserErrorf("cannot delete INBOX")
	}
	if errors.Is(err, maildir.ErrNotExist) {
		xuserErrorf("no such mailbox")
	}
	xcheckf(err, "deleting mailbox")
	c.replyOK("DELETE")
}

func (c *conn) cmdRename(args string) {
	p := newParser(args)
	oldName := p.xstring()
	p.xspace()
	newName := p.xstring()
	if !p.empty() {
		xsyntaxErrorf("unexpected trailing data")
	}
	err := c.store.RenameMailbox(oldName, newName)
	if errors.Is(err, maildir.ErrInbox) {
		xuserErrorf("cannot rename INBOX")
	}
	if errors.Is(err, maildir.ErrNotExist) {
		xuserErrorf("no such mailbox")
	}
	if errors.Is(err, maildir.ErrMailboxExists) {
		xuserErrorf("target mailbox already exists")
	}
	xcheckf(err, "renaming mailbox")
	c.replyOK("RENAME")
}

func (c *conn) cmdList(args string, lsub bool) {
	p := newParser(args)
	p.xstring() // reference name: unused, mailboxes are not hierarchical beyond the "/" delimiter
	p.xspace()
	// An unquoted pattern may contain the list wildcards "*" and "%", which
	// are not atom characters.
	var pattern string
	if p.hasPrefix(`"`) {
		pattern = p.xquoted()
	} else {
		pattern = p.xword(func(c byte) bool { return c != '*' && c != '%' && isAtomSpecial(c) })
	}
	if !p.empty() {
		xsyntaxErrorf("unexpected trailing data")
	}
	verb := "LIST"
	if lsub {
		verb = "LSUB"
	}
	if pattern == "" {
		c.nc.SendLine(`* LIST (\Noselect) "/" ""`)
		c.replyOK(verb)
		return
	}
	names, err := c.store.ListMailboxes(pattern)
	xcheckf(err, "listing mailboxes")
	for _, name := range names {
		c.nc.SendLine(fmt.Sprintf(`* %s () "/" %s`, verb, quoteMailbox(name)))
	}
	c.replyOK(verb)
}

func (c *conn) cmdStatus(args string) {
	p := newParser(args)
	name := p.xstring()
	p.xspace()
	p.xtake("(")
	var items []string
	if !p.hasPrefix(")") {
		for {
			items = append(items, strings.ToUpper(p.xword(func(b byte) bool { return b == ' ' || b == ')' })))
			if !p.take(" ") {
				break
			}
		}
	}
	p.xtake(")")
	if !p.empty() {
		xsyntaxErrorf("unexpected trailing data")
	}

	exists, err := c.mailboxExists(name)
	xcheckf(err, "checking mailbox")
	if !exists {
		xuserErrorf("no such mailbox")
	}
	info, err := c.store.GetMailboxInfo(name)
	xcheckf(err, "status")

	var parts []string
	for _, it := range items {
		switch it {
		case "MESSAGES":
			parts = append(parts, "MESSAGES "+strconv.Itoa(info.Total))
		case "RECENT":
			parts = append(parts, "RECENT "+strconv.Itoa(info.Recent))
		case "UNSEEN":
			parts = append(parts, "UNSEEN "+strconv.Itoa(info.Unseen))
		case "UIDVALIDITY":
			parts = append(parts, "UIDVALIDITY "+strconv.FormatUint(uint64(info.UIDValidity), 10))
		case "UIDNEXT":
			parts = append(parts, "UIDNEXT "+strconv.FormatUint(uint64(info.UIDNext), 10))
		default:
			xsyntaxErrorf("unknown STATUS item %q", it)
		}
	}
	c.nc.SendLine(fmt.Sprintf("* STATUS %s (%s)", quoteMailbox(name), strings.Join(parts, " ")))
	c.replyOK("STATUS")
}

func (c *conn) cmdClose() {
	if c.mbox != nil && !c.mbox.readOnly {
		if _, err := c.store.Expunge(c.mbox.name); err != nil {
			xcheckf(err, "expunge on close")
		}
	}
	c.mbox = nil
	c.state = stateAuthenticated
	c.replyOK("CLOSE")
}

func (c *conn) cmdExpunge() {
	mb := c.mbox
	if mb.readOnly {
		xuserErrorf("mailbox opened read-only")
	}
	var deletedSeqs []uint32
	for _, m := range mb.messages {
		if m.flags[maildir.FlagDeleted] {
			deletedSeqs = append(deletedSeqs, m.seq)
		}
	}
	for i := len(deletedSeqs) - 1; i >= 0; i-- {
		m := mb.messages[deletedSeqs[i]-1]
		if err := c.store.DeleteMessage(mb.name, m.uniqueID); err != nil {
			xcheckf(err, "expunging message")
		}
		if local, domain, ok := splitAddr(c.username); ok {
			if err := c.users.AddUsedBytes(local, domain, -m.size); err != nil {
				c.log.Debugx("tracking used bytes after expunge", err)
			}
		}
	}
	for _, seq := range deletedSeqs {
		c.nc.SendLine(fmt.Sprintf("* %d EXPUNGE", seq))
	}
	newMb, err := c.loadMailbox(mb.name, mb.readOnly)
	xcheckf(err, "reloading mailbox after expunge")
	c.mbox = newMb
	c.replyOK("EXPUNGE")
}

func (c *conn) cmdSearch(args string, byUID bool) {
	p := newParser(args)
	crit := p.xsearchKeys()
	if !p.empty() {
		xsyntaxErrorf("unexpected trailing data")
	}
	var parts []string
	for _, m := range c.mbox.messages {
		if !evalSearchList(crit, m, c.mbox) {
			continue
		}
		if byUID {
			parts = append(parts, strconv.FormatUint(uint64(m.uid), 10))
		} else {
			parts = append(parts, strconv.FormatUint(uint64(m.seq), 10))
		}
	}
	c.nc.SendLine("* SEARCH " + strings.Join(parts, " "))
	c.replyOK("SEARCH")
}

func (c *conn) cmdFetch(args string, byUID bool) {
	p := newParser(args)
	seqset := p.xseqset()
	p.xspace()
	items := p.xfetchItems()
	if !p.empty() {
		xsyntaxErrorf("unexpected trailing data")
	}

	max := uint32(len(c.mbox.messages))
	for _, m := range c.mbox.messages {
		var match bool
		if byUID {
			match = seqset.Contains(m.uid, c.mbox.maxUID())
		} else {
			match = seqset.Contains(m.seq, max)
		}
		if !match {
			continue
		}
		c.emitFetch(m, items, byUID)
	}
	c.replyOK("FETCH")
}

func (c *conn) cmdStore(args string, byUID bool) {
	p := newParser(args)
	seqset := p.xseqset()
	p.xspace()
	action := p.xstoreAction()
	if !p.empty() {
		xsyntaxErrorf("unexpected trailing data")
	}
	if c.mbox.readOnly {
		xuserErrorf("mailbox opened read-only")
	}

	max := uint32(len(c.mbox.messages))
	for _, m := range c.mbox.messages {
		var match bool
		if byUID {
			match = seqset.Contains(m.uid, c.mbox.maxUID())
		} else {
			match = seqset.Contains(m.seq, max)
		}
		if !match {
			continue
		}

		flags := maildir.FlagSet{}
		for _, fname := range action.Flags {
			if f, ok := parseIMAPFlag(fname); ok {
				flags[f] = true
			}
		}

		var next maildir.FlagSet
		var err error
		switch {
		case action.Add:
			next, err = c.store.AddFlags(c.mbox.name, m.uniqueID, flags)
		case action.Remove:
			next, err = c.store.RemoveFlags(c.mbox.name, m.uniqueID, flags)
		default:
			next = flags
			err = c.store.SetFlags(c.mbox.name, m.uniqueID, next)
		}
		xcheckf(err, "storing flags")
		m.flags = next
		if !action.Silent {
			if byUID {
				c.nc.SendLine(fmt.Sprintf("* %d FETCH (FLAGS %s UID %d)", m.seq, formatFlags(m.flags, m.recent), m.uid))
			} else {
				c.nc.SendLine(fmt.Sprintf("* %d FETCH (FLAGS %s)", m.seq, formatFlags(m.flags, m.recent)))
			}
		}
	}
	c.replyOK("STORE")
}

func (c *conn) cmdCopy(args string, byUID bool) {
	p := newParser(args)
	seqset := p.xseqset()
	p.xspace()
	target := p.xstring()
	if !p.empty() {
		xsyntaxErrorf("unexpected trailing data")
	}

	max := uint32(len(c.mbox.messages))
	for _, m := range c.mbox.messages {
		var match bool
		if byUID {
			match = seqset.Contains(m.uid, c.mbox.maxUID())
		} else {
			match = seqset.Contains(m.seq, max)
		}
		if !match {
			continue
		}
		if _, err := c.store.CopyMessage(c.mbox.name, target, m.uniqueID); err != nil {
			xuserErrorf("copying message: %v", err)
		}
	}
	c.replyOK("COPY")
}

func (c *conn) cmdUID(args string) {
	p := newParser(args)
	sub := strings.ToUpper(p.xword(isSpace))
	p.xspace()
	rest := p.remainder()
	switch sub {
	case "FETCH":
		c.cmdFetch(rest, true)
	case "STORE":
		c.cmdStore(rest, true)
	case "COPY":
		c.cmdCopy(rest, true)
	case "SEARCH":
		c.cmdSearch(rest, true)
	default:
		xuserErrorf("unknown UID subcommand %q", sub)
	}
}
