package imapserver

import (
	"strings"

	"github.com/mjl-/mailsrv/maildir"
)

// imapFlagNames maps a maildir on-disk flag to its IMAP system flag name.
var imapFlagNames = map[maildir.Flag]string{
	maildir.FlagSeen:     `\Seen`,
	maildir.FlagAnswered: `\Answered`,
	maildir.FlagFlagged:  `\Flagged`,
	maildir.FlagDeleted:  `\Deleted`,
	maildir.FlagDraft:    `\Draft`,
}

var maildirFlagsByName = map[string]maildir.Flag{
	`\seen`:     maildir.FlagSeen,
	`\answered`: maildir.FlagAnswered,
	`\flagged`:  maildir.FlagFlagged,
	`\deleted`:  maildir.FlagDeleted,
	`\draft`:    maildir.FlagDraft,
}

// formatFlags renders a message's flag set as an IMAP "(\Flag1 \Flag2)" list,
// adding \Recent when the message still lives in maildir's new/.
func formatFlags(fs maildir.FlagSet, recent bool) string {
	var names []string
	for _, f := range []maildir.Flag{maildir.FlagAnswered, maildir.FlagFlagged, maildir.FlagDeleted, maildir.FlagDraft, maildir.FlagSeen} {
		if fs[f] {
			names = append(names, imapFlagNames[f])
		}
	}
	if recent {
		names = append(names, `\Recent`)
	}
	return "(" + strings.Join(names, " ") + ")"
}

// parseIMAPFlag reports the maildir flag a client-supplied flag name maps
// to. \Recent is session-only and cannot be set by a client; unknown names
// (custom IMAP keywords) are not represented on disk and are silently
// dropped, since maildir's filename suffix has no room for arbitrary
// keywords.
func parseIMAPFlag(name string) (maildir.Flag, bool) {
	f, ok := maildirFlagsByName[strings.ToLower(name)]
	return f, ok
}
