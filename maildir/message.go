package maildir

import (
	"bytes"
	"sort"
	"strings"
	"time"
)

// Flag is one of the maildir filename-encoded flags.
type Flag byte

const (
	FlagDraft    Flag = 'D'
	FlagFlagged  Flag = 'F'
	FlagAnswered Flag = 'R'
	FlagSeen     Flag = 'S'
	FlagDeleted  Flag = 'T'
)

// allFlags is the lexicographic order the filename suffix must use.
var allFlags = []Flag{FlagDraft, FlagFlagged, FlagAnswered, FlagSeen, FlagDeleted}

// FlagSet is a set of maildir flags, used both for the in-memory message
// record and to build/parse the ":2,<flags>" filename suffix.
type FlagSet map[Flag]bool

func NewFlagSet(flags ...Flag) FlagSet {
	fs := FlagSet{}
	for _, f := range flags {
		fs[f] = true
	}
	return fs
}

// String renders the flags in the mandated lexicographic order.
func (fs FlagSet) String() string {
	var b strings.Builder
	for _, f := range allFlags {
		if fs[f] {
			b.WriteByte(byte(f))
		}
	}
	return b.String()
}

func (fs FlagSet) Clone() FlagSet {
	n := FlagSet{}
	for f, v := range fs {
		if v {
			n[f] = true
		}
	}
	return n
}

func (fs FlagSet) With(others ...Flag) FlagSet {
	n := fs.Clone()
	for _, f := range others {
		n[f] = true
	}
	return n
}

func (fs FlagSet) Without(others ...Flag) FlagSet {
	n := fs.Clone()
	for _, f := range others {
		delete(n, f)
	}
	return n
}

func parseFlags(s string) FlagSet {
	fs := FlagSet{}
	for i := 0; i < len(s); i++ {
		switch Flag(s[i]) {
		case FlagDraft, FlagFlagged, FlagAnswered, FlagSeen, FlagDeleted:
			fs[Flag(s[i])] = true
		}
	}
	return fs
}

// Message is the in-memory, immutable-once-parsed record of an on-disk
// maildir message. Flag mutation is expressed by a filesystem rename to a
// newly-constructed filename, never by editing this struct in place.
type Message struct {
	UniqueID     string
	Path         string // absolute path to the file, in cur/ or new/
	SizeBytes    int64
	ModTime      time.Time
	Flags        FlagSet
	IsNew        bool // file currently lives in new/, i.e. carries \Recent
	MailboxName  string
}

// splitUniqueFlags splits a maildir basename "<unique>[:2,<flags>]" into its
// two parts. The flags part is empty if there was no ":2," suffix.
func splitUniqueFlags(base string) (unique, flags string) {
	i := strings.Index(base, ":2,")
	if i < 0 {
		return base, ""
	}
	return base[:i], base[i+len(":2,"):]
}

// buildFilename constructs "<unique>[:2,<sorted-flags>]".
func buildFilename(unique string, flags FlagSet) string {
	s := flags.String()
	if s == "" {
		return unique
	}
	return unique + ":2," + s
}

// headerPrefix returns the leading bytes of content up to (and not
// including) the first blank line, preferring CRLF-CRLF but accepting
// LF-LF.
func headerPrefix(content []byte) []byte {
	if i := bytes.Index(content, []byte("\r\n\r\n")); i >= 0 {
		return content[:i]
	}
	if i := bytes.Index(content, []byte("\n\n")); i >= 0 {
		return content[:i]
	}
	return content
}

// sortByModTime orders messages ascending by ModTime, matching the
// internal_date ascending invariant of the selected-mailbox message vector.
func sortByModTime(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].ModTime.Before(msgs[j].ModTime)
	})
}
