package smtpserver

import (
	"strings"

	"github.com/mjl-/mailsrv/smtp"
)

// parser reads one SMTP command line. Unlike imapserver's parser this one is
// tiny: SMTP commands here are VERB, address and a handful of ignored
// parameters, never nested structure.
type parser struct {
	s string
	o int
}

func newParser(s string) *parser { return &parser{s: s} }

func (p *parser) xerrorf(code int, format string, args ...any) {
	xsmtpUserErrorf(code, format, args...)
}

func (p *parser) empty() bool { return p.o >= len(p.s) }

func (p *parser) remainder() string {
	r := p.s[p.o:]
	p.o = len(p.s)
	return r
}

func (p *parser) take(s string) bool {
	if strings.HasPrefix(p.s[p.o:], s) {
		p.o += len(s)
		return true
	}
	return false
}

func (p *parser) takeCI(s string) bool {
	if len(p.s)-p.o < len(s) {
		return false
	}
	if strings.EqualFold(p.s[p.o:p.o+len(s)], s) {
		p.o += len(s)
		return true
	}
	return false
}

func (p *parser) xtakeCI(s string) {
	if !p.takeCI(s) {
		p.xerrorf(smtp.C501BadParamSyntax, "expected %q", s)
	}
}

// splitVerb splits a full command line into its verb and the rest of the
// line (empty if there was no argument).
func splitVerb(line string) (verb, rest string) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return strings.ToUpper(line), ""
	}
	return strings.ToUpper(line[:i]), strings.TrimSpace(line[i+1:])
}

// xaddrSpec reads an address argument: an angle-bracketed path or a bare
// token, stopping at the next space (the start of any trailing parameters).
func (p *parser) xaddrSpec() string {
	if p.take("<") {
		i := strings.IndexByte(p.s[p.o:], '>')
		if i < 0 {
			p.xerrorf(smtp.C501BadParamSyntax, "missing closing >")
		}
		addr := p.s[p.o : p.o+i]
		p.o += i + 1
		return addr
	}
	i := strings.IndexByte(p.s[p.o:], ' ')
	if i < 0 {
		return p.remainder()
	}
	addr := p.s[p.o : p.o+i]
	p.o += i
	return addr
}

// address is a parsed MAIL FROM / RCPT TO argument. NullSender is set for
// the special "<>" reverse path, legal only as a MAIL FROM sender.
type address struct {
	smtp.Address
	NullSender bool
}

func (a address) String() string {
	if a.NullSender {
		return ""
	}
	return a.Address.String()
}

func xparseAddress(raw string, code int) address {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "<>" {
		return address{NullSender: true}
	}
	parsed, err := smtp.ParseAddress(raw)
	if err != nil {
		xsmtpUserErrorf(code, "parsing address %q: %v", raw, err)
	}
	return address{Address: parsed}
}

// xmailFromArg parses "FROM:<addr> [params...]" (the argument to MAIL),
// ignoring any trailing parameters (SIZE=, BODY=, ...).
func xmailFromArg(rest string) address {
	p := newParser(rest)
	p.xtakeCI("FROM:")
	raw := p.xaddrSpec()
	return xparseAddress(raw, smtp.C501BadParamSyntax)
}

// xrcptToArg parses "TO:<addr> [params...]", the argument to RCPT.
func xrcptToArg(rest string) address {
	p := newParser(rest)
	p.xtakeCI("TO:")
	raw := p.xaddrSpec()
	addr := xparseAddress(raw, smtp.C501BadParamSyntax)
	if addr.NullSender {
		xsmtpUserErrorf(smtp.C501BadParamSyntax, "null recipient not allowed")
	}
	return addr
}
