// Package maildir implements the on-disk mailbox layout: a user's INBOX and
// named mailboxes each hold a tmp/new/cur triad, messages are delivered by
// atomic rename, and flags are expressed as a filename suffix.
//
// Store is the sole mutator of on-disk mailboxes; IMAP, POP3 and SMTP
// delivery all call into it rather than touching the filesystem directly.
package maildir

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/mjl-/mailsrv/mlog"
	mox "github.com/mjl-/mailsrv/mox-"
	"github.com/mjl-/mailsrv/moxio"
)

var xlog = mlog.New("maildir")

// ErrNotExist is returned when a message or mailbox cannot be found.
var ErrNotExist = fmt.Errorf("maildir: not found")

// ErrMailboxExists is returned by CreateMailbox for an existing name.
var ErrMailboxExists = fmt.Errorf("maildir: mailbox already exists")

// ErrInbox is returned when an operation tries to delete or rename INBOX.
var ErrInbox = fmt.Errorf("maildir: cannot delete or rename INBOX")

const (
	// DirINBOX is the implicit mailbox name for a user's root maildir.
	DirINBOX = "INBOX"
)

// defaultMailboxes are created alongside INBOX on Initialize, matching the
// conventional set most clients expect to already exist.
var defaultMailboxes = []string{"Sent", "Drafts", "Trash", "Junk"}

// Store is a single user's maildir tree, rooted at <domain>/<user>/.
type Store struct {
	Root     string // absolute path to <domain>/<user>
	Hostname string // included in generated unique-ids

	mu    sync.Mutex // protects rnd
	rnd   *rand.Rand
	locks *mailboxLocks // serializes UID/uidmap file mutation per mailbox path
}

// New returns a Store rooted at root. It does not touch the filesystem; call
// Initialize to create the on-disk layout.
func New(root, hostname string) *Store {
	return &Store{
		Root:     root,
		Hostname: hostname,
		rnd:      mox.NewRand(),
		locks:    newMailboxLocks(),
	}
}

// Initialize creates tmp/new/cur under the root for INBOX and the
// conventional Sent/Drafts/Trash/Junk mailboxes, if absent. Idempotent.
func (s *Store) Initialize() error {
	if err := s.ensureTriad(s.Root); err != nil {
		return err
	}
	for _, name := range defaultMailboxes {
		if err := s.ensureTriad(s.mailboxDir(name)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureTriad(dir string) error {
	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return fmt.Errorf("creating %s/%s: %v", dir, sub, err)
		}
	}
	return nil
}

// mailboxDir maps a logical mailbox name to its on-disk directory. INBOX is
// the root itself; other names are rewritten ".Name" with "/" replaced by
// ".", sibling to the root.
func (s *Store) mailboxDir(name string) string {
	if name == "" || strings.EqualFold(name, DirINBOX) {
		return s.Root
	}
	encoded := "." + strings.ReplaceAll(name, "/", ".")
	return filepath.Join(filepath.Dir(s.Root), filepath.Base(s.Root)+encoded)
}

// decodeMailboxName reverses mailboxDir's "." encoding for a sibling
// directory basename relative to the user's root basename.
func decodeMailboxName(rootBase, siblingBase string) (string, bool) {
	prefix := rootBase + "."
	if !strings.HasPrefix(siblingBase, prefix) {
		return "", false
	}
	rest := siblingBase[len(prefix):]
	if rest == "" {
		return "", false
	}
	return strings.ReplaceAll(rest, ".", "/"), true
}

func (s *Store) hasTriad(dir string) bool {
	for _, sub := range []string{"tmp", "new", "cur"} {
		st, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !st.IsDir() {
			return false
		}
	}
	return true
}

// Deliver writes content to mailbox via tmp/ then commits with an atomic
// rename into new/. On any failure before the rename, the tmp file is
// removed.
func (s *Store) Deliver(mailbox string, content []byte) (string, error) {
	dir := s.mailboxDir(mailbox)
	if err := s.ensureTriad(dir); err != nil {
		return "", err
	}
	unique := s.genUnique()
	tmpPath := filepath.Join(dir, "tmp", unique)
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("creating tmp file: %v", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("writing message: %v", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("fsync message: %v", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing message: %v", err)
	}
	newPath := filepath.Join(dir, "new", unique)
	if err := os.Rename(tmpPath, newPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("committing delivery: %v", err)
	}
	if err := moxio.SyncDir(filepath.Join(dir, "new")); err != nil {
		xlog.Errorx("syncing new/ after delivery", err)
	}
	return unique, nil
}

var pidOnce = os.Getpid()

// genUnique returns a new maildir unique-id, guaranteed not to contain ':'.
func (s *Store) genUnique() string {
	s.mu.Lock()
	r := s.rnd.Int63()
	s.mu.Unlock()
	now := time.Now()
	return fmt.Sprintf("%d.M%dP%dR%x.%s", now.Unix(), now.Nanosecond()/1000, pidOnce, uint64(r), s.Hostname)
}

// ListMessages scans cur/ and new/ of mailbox, returning messages ordered by
// ModTime ascending. Unreadable individual entries are skipped, not fatal.
func (s *Store) ListMessages(mailbox string) ([]Message, error) {
	dir := s.mailboxDir(mailbox)
	var msgs []Message
	for _, sub := range []string{"new", "cur"} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s/%s: %v", dir, sub, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				xlog.Debugx("stat maildir entry, skipping", err)
				continue
			}
			unique, flagstr := splitUniqueFlags(e.Name())
			msgs = append(msgs, Message{
				UniqueID:    unique,
				Path:        filepath.Join(dir, sub, e.Name()),
				SizeBytes:   info.Size(),
				ModTime:     info.ModTime(),
				Flags:       parseFlags(flagstr),
				IsNew:       sub == "new",
				MailboxName: mailbox,
			})
		}
	}
	sortByModTime(msgs)
	return msgs, nil
}

// findFile locates the on-disk path and directory ("new" or "cur") of a
// message by its unique-id, searching cur/ then new/.
func (s *Store) findFile(mailbox, uniqueID string) (path string, sub string, err error) {
	dir := s.mailboxDir(mailbox)
	for _, sub := range []string{"cur", "new"} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if err != nil {
			continue
		}
		for _, e := range entries {
			u, _ := splitUniqueFlags(e.Name())
			if u == uniqueID {
				return filepath.Join(dir, sub, e.Name()), sub, nil
			}
		}
	}
	return "", "", ErrNotExist
}

// GetMessage returns the message record for uniqueID in mailbox.
func (s *Store) GetMessage(mailbox, uniqueID string) (Message, error) {
	path, sub, err := s.findFile(mailbox, uniqueID)
	if err != nil {
		return Message{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Message{}, fmt.Errorf("stat message: %v", err)
	}
	_, flagstr := splitUniqueFlags(filepath.Base(path))
	return Message{
		UniqueID:    uniqueID,
		Path:        path,
		SizeBytes:   info.Size(),
		ModTime:     info.ModTime(),
		Flags:       parseFlags(flagstr),
		IsNew:       sub == "new",
		MailboxName: mailbox,
	}, nil
}

// GetMessageContent reads the verbatim bytes of a message.
func (s *Store) GetMessageContent(mailbox, uniqueID string) ([]byte, error) {
	path, _, err := s.findFile(mailbox, uniqueID)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// GetMessageHeaders returns the prefix of a message up to (not including)
// the first blank line.
func (s *Store) GetMessageHeaders(mailbox, uniqueID string) ([]byte, error) {
	content, err := s.GetMessageContent(mailbox, uniqueID)
	if err != nil {
		return nil, err
	}
	return headerPrefix(content), nil
}

// setFlags renames the message file to reflect newFlags, moving it
// from new/ to cur/ if it was in new/ (any flag mutation implies the message
// has been seen by a client, so \Recent no longer applies).
func (s *Store) setFlags(mailbox, uniqueID string, newFlags FlagSet) error {
	path, sub, err := s.findFile(mailbox, uniqueID)
	if err != nil {
		return err
	}
	dir := s.mailboxDir(mailbox)
	destSub := sub
	if sub == "new" {
		destSub = "cur"
	}
	newName := buildFilename(uniqueID, newFlags)
	newPath := filepath.Join(dir, destSub, newName)
	if newPath == path {
		return nil
	}
	if err := os.Rename(path, newPath); err != nil {
		return fmt.Errorf("renaming for flag update: %v", err)
	}
	return nil
}

// SetFlags replaces a message's flag set.
func (s *Store) SetFlags(mailbox, uniqueID string, flags FlagSet) error {
	return s.setFlags(mailbox, uniqueID, flags)
}

// AddFlags unions flags into a message's current flag set.
func (s *Store) AddFlags(mailbox, uniqueID string, add FlagSet) (FlagSet, error) {
	msg, err := s.GetMessage(mailbox, uniqueID)
	if err != nil {
		return nil, err
	}
	next := msg.Flags.Clone()
	for f := range add {
		next[f] = true
	}
	if err := s.setFlags(mailbox, uniqueID, next); err != nil {
		return nil, err
	}
	return next, nil
}

// RemoveFlags removes flags from a message's current flag set.
func (s *Store) RemoveFlags(mailbox, uniqueID string, remove FlagSet) (FlagSet, error) {
	msg, err := s.GetMessage(mailbox, uniqueID)
	if err != nil {
		return nil, err
	}
	next := msg.Flags.Clone()
	for f := range remove {
		delete(next, f)
	}
	if err := s.setFlags(mailbox, uniqueID, next); err != nil {
		return nil, err
	}
	return next, nil
}

// DeleteMessage unlinks a message file.
func (s *Store) DeleteMessage(mailbox, uniqueID string) error {
	path, _, err := s.findFile(mailbox, uniqueID)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// MoveMessage renames a message across mailboxes into to/cur/, creating to
// if it does not exist.
func (s *Store) MoveMessage(from, to, uniqueID string) error {
	path, _, err := s.findFile(from, uniqueID)
	if err != nil {
		return err
	}
	destDir := s.mailboxDir(to)
	if err := s.ensureTriad(destDir); err != nil {
		return err
	}
	destPath := filepath.Join(destDir, "cur", filepath.Base(path))
	if err := os.Rename(path, destPath); err != nil {
		return fmt.Errorf("moving message: %v", err)
	}
	return nil
}

// CopyMessage reads content from "from" and redelivers into "to", returning
// the new mailbox's freshly allocated unique-id.
func (s *Store) CopyMessage(from, to, uniqueID string) (string, error) {
	content, err := s.GetMessageContent(from, uniqueID)
	if err != nil {
		return "", err
	}
	return s.Deliver(to, content)
}

// Expunge unlinks every message in mailbox carrying the Deleted flag and
// returns the count removed.
func (s *Store) Expunge(mailbox string) (int, error) {
	msgs, err := s.ListMessages(mailbox)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		if !m.Flags[FlagDeleted] {
			continue
		}
		if err := os.Remove(m.Path); err != nil && !os.IsNotExist(err) {
			return n, fmt.Errorf("expunging %s: %v", m.UniqueID, err)
		}
		n++
	}
	return n, nil
}

// CreateMailbox creates the tmp/new/cur triad for name. INBOX is implicit
// and cannot be created.
func (s *Store) CreateMailbox(name string) error {
	if strings.EqualFold(name, DirINBOX) {
		return ErrInbox
	}
	dir := s.mailboxDir(name)
	if s.hasTriad(dir) {
		return ErrMailboxExists
	}
	return s.ensureTriad(dir)
}

// DeleteMailbox removes a mailbox directory tree. INBOX cannot be deleted.
func (s *Store) DeleteMailbox(name string) error {
	if strings.EqualFold(name, DirINBOX) {
		return ErrInbox
	}
	dir := s.mailboxDir(name)
	if !s.hasTriad(dir) {
		return ErrNotExist
	}
	return os.RemoveAll(dir)
}

// RenameMailbox moves a mailbox directory to a new name. INBOX cannot be
// renamed (in either direction).
func (s *Store) RenameMailbox(oldName, newName string) error {
	if strings.EqualFold(oldName, DirINBOX) || strings.EqualFold(newName, DirINBOX) {
		return ErrInbox
	}
	oldDir := s.mailboxDir(oldName)
	if !s.hasTriad(oldDir) {
		return ErrNotExist
	}
	newDir := s.mailboxDir(newName)
	if s.hasTriad(newDir) {
		return ErrMailboxExists
	}
	if err := os.MkdirAll(filepath.Dir(newDir), 0700); err != nil {
		return err
	}
	return os.Rename(oldDir, newDir)
}

// ListMailboxes returns all mailbox names matching pattern, always including
// INBOX. Pattern support is glob-prefix: "*" matches all, otherwise the
// literal is matched as a prefix up to the first "*".
func (s *Store) ListMailboxes(pattern string) ([]string, error) {
	rootBase := filepath.Base(s.Root)
	siblings, err := os.ReadDir(filepath.Dir(s.Root))
	if err != nil {
		return nil, fmt.Errorf("reading mailbox root: %v", err)
	}

	names := map[string]bool{DirINBOX: true}
	for _, e := range siblings {
		if !e.IsDir() {
			continue
		}
		name, ok := decodeMailboxName(rootBase, e.Name())
		if !ok {
			continue
		}
		if !s.hasTriad(filepath.Join(filepath.Dir(s.Root), e.Name())) {
			continue
		}
		names[name] = true
	}

	prefix := pattern
	if i := strings.Index(pattern, "*"); i >= 0 {
		prefix = pattern[:i]
	}
	var out []string
	for _, name := range maps.Keys(names) {
		if pattern == "" || pattern == "*" || strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// MailboxInfo aggregates counters over a mailbox's message list for
// STATUS/SELECT responses.
type MailboxInfo struct {
	Total       int
	Recent      int
	Unseen      int
	TotalSize   int64
	UIDValidity uint32
	UIDNext     uint32
}

// GetMailboxInfo aggregates over the message list of name.
func (s *Store) GetMailboxInfo(name string) (MailboxInfo, error) {
	msgs, err := s.ListMessages(name)
	if err != nil {
		return MailboxInfo{}, err
	}
	var info MailboxInfo
	info.Total = len(msgs)
	for _, m := range msgs {
		if m.IsNew {
			info.Recent++
		}
		if !m.Flags[FlagSeen] {
			info.Unseen++
		}
		info.TotalSize += m.SizeBytes
	}
	uidvalidity, uidnext, err := s.GetUIDValidity(name)
	if err != nil {
		return MailboxInfo{}, err
	}
	info.UIDValidity = uidvalidity
	info.UIDNext = uidnext
	return info, nil
}

// GetUIDValidity returns the mailbox's UIDVALIDITY and next-UID-to-allocate,
// creating the .uidvalidity file with (now, 1) if absent.
func (s *Store) GetUIDValidity(mailbox string) (uint32, uint32, error) {
	dir := s.mailboxDir(mailbox)
	if err := s.ensureTriad(dir); err != nil {
		return 0, 0, err
	}
	return readUIDValidity(dir)
}

// AllocateUID atomically reads and increments the next-UID counter for
// mailbox. Allocation is serialized per mailbox path.
func (s *Store) AllocateUID(mailbox string) (uint32, error) {
	dir := s.mailboxDir(mailbox)
	if err := s.ensureTriad(dir); err != nil {
		return 0, err
	}
	lock := s.locks.get(dir)
	lock.Lock()
	defer lock.Unlock()
	return allocateUIDLocked(dir)
}

// UIDForUnique returns the persisted UID for uniqueID in mailbox, allocating
// and persisting a new one if this is the first time the message has been
// seen under the mailbox's current UIDVALIDITY epoch.
func (s *Store) UIDForUnique(mailbox, uniqueID string) (uint32, error) {
	dir := s.mailboxDir(mailbox)
	if err := s.ensureTriad(dir); err != nil {
		return 0, err
	}
	lock := s.locks.get(dir)
	lock.Lock()
	defer lock.Unlock()

	m, err := readUIDMap(dir)
	if err != nil {
		return 0, err
	}
	if uid, ok := m[uniqueID]; ok {
		return uid, nil
	}
	uid, err := allocateUIDLocked(dir)
	if err != nil {
		return 0, err
	}
	if err := appendUIDMap(dir, uniqueID, uid); err != nil {
		return 0, err
	}
	return uid, nil
}

func nowUnix() int64 { return time.Now().Unix() }
