package imapserver

import (
	"fmt"
	"strings"
	"time"

	"github.com/mjl-/mailsrv/maildir"
)

func formatInternalDate(t time.Time) string {
	return t.Format("02-Jan-2006 15:04:05 -0700")
}

// isBodyItem reports whether a FETCH item name denotes a content fetch
// (whole message or a section of it) rather than a metadata item.
func isBodyItem(name string) bool {
	return name == "RFC822" || name == "RFC822.HEADER" || name == "RFC822.TEXT" || strings.HasPrefix(name, "BODY")
}

func (c *conn) fetchBodyContent(m *imapMessage, it FetchItem) []byte {
	headerOnly := it.Name == "RFC822.HEADER" || strings.EqualFold(it.Section, "HEADER")
	var content []byte
	var err error
	if headerOnly {
		content, err = c.store.GetMessageHeaders(c.mbox.name, m.uniqueID)
	} else {
		content, err = c.store.GetMessageContent(c.mbox.name, m.uniqueID)
	}
	xcheckf(err, "reading message content")
	return content
}

// bodyLabel renders a content FETCH item's response label: RFC822 items keep
// their own name, everything else becomes BODY[<section>].
func bodyLabel(it FetchItem) string {
	switch it.Name {
	case "RFC822", "RFC822.HEADER", "RFC822.TEXT":
		return it.Name
	}
	return "BODY[" + it.Section + "]"
}

func (c *conn) markSeen(m *imapMessage) {
	if m.flags[maildir.FlagSeen] {
		return
	}
	next := m.flags.With(maildir.FlagSeen)
	if err := c.store.SetFlags(c.mbox.name, m.uniqueID, next); err != nil {
		xcheckf(err, "marking message seen")
	}
	m.flags = next
	m.recent = false
}

// emitFetch writes one untagged "<seq> FETCH (...)" response for m, adding a
// UID item when byUID is set and it wasn't explicitly requested, per the
// UID FETCH response requirement.
func (c *conn) emitFetch(m *imapMessage, items []FetchItem, byUID bool) {
	includesUID := false
	for _, it := range items {
		if it.Name == "UID" {
			includesUID = true
		}
	}
	if byUID && !includesUID {
		items = append(items, FetchItem{Name: "UID"})
	}

	var parts []string
	for _, it := range items {
		switch {
		case it.Name == "FLAGS":
			parts = append(parts, "FLAGS "+formatFlags(m.flags, m.recent))
		case it.Name == "UID":
			parts = append(parts, fmt.Sprintf("UID %d", m.uid))
		case it.Name == "RFC822.SIZE":
			parts = append(parts, fmt.Sprintf("RFC822.SIZE %d", m.size))
		case it.Name == "INTERNALDATE":
			parts = append(parts, `INTERNALDATE "`+formatInternalDate(m.modTime)+`"`)
		case isBodyItem(it.Name):
			content := c.fetchBodyContent(m, it)
			parts = append(parts, fmt.Sprintf("%s {%d}\r\n%s", bodyLabel(it), len(content), content))
			if !it.Peek && it.Name != "RFC822.HEADER" && !strings.EqualFold(it.Section, "HEADER") {
				c.markSeen(m)
			}
		default:
			xsyntaxErrorf("unsupported FETCH item %q", it.Name)
		}
	}
	c.nc.SendLine(fmt.Sprintf("* %d FETCH (%s)", m.seq, strings.Join(parts, " ")))
}
