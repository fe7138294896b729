package imapserver

import (
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/mailsrv/maildir"
)

// imapMessage is one entry of a selected mailbox's message vector. Sequence
// number and UID are fixed for the lifetime of the selection; flags are
// mutated in place by STORE and FETCH-implied \Seen so later commands in the
// same session see the update without a re-scan.
type imapMessage struct {
	seq      uint32
	uid      uint32
	uniqueID string
	size     int64
	modTime  time.Time
	flags    maildir.FlagSet
	recent   bool
}

// selectedMailbox is the per-connection state built on SELECT/EXAMINE and
// discarded on CLOSE, a new SELECT, or LOGOUT.
type selectedMailbox struct {
	name        string
	readOnly    bool
	uidValidity uint32
	uidNext     uint32
	messages    []*imapMessage
}

func (mb *selectedMailbox) exists() int { return len(mb.messages) }

func (mb *selectedMailbox) recentCount() int {
	n := 0
	for _, m := range mb.messages {
		if m.recent {
			n++
		}
	}
	return n
}

func (mb *selectedMailbox) firstUnseen() (uint32, bool) {
	for _, m := range mb.messages {
		if !m.flags[maildir.FlagSeen] {
			return m.seq, true
		}
	}
	return 0, false
}

func (mb *selectedMailbox) byUID(uid uint32) *imapMessage {
	for _, m := range mb.messages {
		if m.uid == uid {
			return m
		}
	}
	return nil
}

// maxUID bounds "*" resolution for UID sequence-sets: the highest UID
// currently present, or 0 when the mailbox is empty.
func (mb *selectedMailbox) maxUID() uint32 {
	var max uint32
	for _, m := range mb.messages {
		if m.uid > max {
			max = m.uid
		}
	}
	return max
}

// loadMailbox scans mailbox name via the maildir store, assigning each
// message its persisted UID (never a fresh per-session counter — see the
// grounding ledger's UID-persistence decision) and ordering by internal
// date, which maildir.ListMessages already guarantees.
func (c *conn) loadMailbox(name string, readOnly bool) (*selectedMailbox, error) {
	msgs, err := c.store.ListMessages(name)
	if err != nil {
		return nil, err
	}
	uidvalidity, _, err := c.store.GetUIDValidity(name)
	if err != nil {
		return nil, err
	}
	mb := &selectedMailbox{name: name, readOnly: readOnly, uidValidity: uidvalidity}
	for i, m := range msgs {
		uid, err := c.store.UIDForUnique(name, m.UniqueID)
		if err != nil {
			return nil, err
		}
		mb.messages = append(mb.messages, &imapMessage{
			seq:      uint32(i + 1),
			uid:      uid,
			uniqueID: m.UniqueID,
			size:     m.SizeBytes,
			modTime:  m.ModTime,
			flags:    m.Flags,
			recent:   m.IsNew,
		})
	}
	// Re-read uidNext after UID assignment: messages present in the mailbox
	// but never seen before (e.g. a freshly delivered INBOX on first SELECT)
	// allocate their UID inside the loop above, advancing the persisted
	// counter past the value GetUIDValidity reported before the loop ran.
	_, uidnext, err := c.store.GetUIDValidity(name)
	if err != nil {
		return nil, err
	}
	mb.uidNext = uidnext
	return mb, nil
}

// mailboxExists reports whether name is a known mailbox, INBOX always
// included implicitly.
func (c *conn) mailboxExists(name string) (bool, error) {
	names, err := c.store.ListMailboxes("*")
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if equalFoldMailbox(n, name) {
			return true, nil
		}
	}
	return false, nil
}

func equalFoldMailbox(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func quoteMailbox(name string) string {
	return `"` + name + `"`
}

func parseMailboxArg(args string) string {
	p := newParser(args)
	name := p.xstring()
	if !p.empty() {
		xsyntaxErrorf("unexpected trailing data after mailbox name")
	}
	// Normalize to NFC so a mailbox created with one combining-character
	// sequence is found by CREATE/SELECT/DELETE using another.
	return norm.NFC.String(name)
}
