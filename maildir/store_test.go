package maildir

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := filepath.Join(t.TempDir(), "example.org", "alice")
	s := New(root, "test-host")
	if err := s.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return s
}

func TestDeliverRoundtrip(t *testing.T) {
	s := newTestStore(t)
	content := []byte("Subject: hi\r\n\r\nbody\r\n")
	uid, err := s.Deliver(DirINBOX, content)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	got, err := s.GetMessageContent(DirINBOX, uid)
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("content mismatch: got %q want %q", got, content)
	}
	if _, err := os.Stat(filepath.Join(s.Root, "tmp", uid)); !os.IsNotExist(err) {
		t.Fatalf("tmp file should be gone after delivery")
	}
	if _, err := os.Stat(filepath.Join(s.Root, "new", uid)); err != nil {
		t.Fatalf("message should be in new/: %v", err)
	}
}

func TestDeliverTwiceDistinctUniqueIDs(t *testing.T) {
	s := newTestStore(t)
	u1, err := s.Deliver(DirINBOX, []byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	u2, err := s.Deliver(DirINBOX, []byte("b"))
	if err != nil {
		t.Fatal(err)
	}
	if u1 == u2 {
		t.Fatalf("expected distinct unique ids, got %q twice", u1)
	}
}

func TestSetFlagsMovesFromNewToCur(t *testing.T) {
	s := newTestStore(t)
	uid, err := s.Deliver(DirINBOX, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	next, err := s.AddFlags(DirINBOX, uid, NewFlagSet(FlagSeen))
	if err != nil {
		t.Fatal(err)
	}
	if !next[FlagSeen] {
		t.Fatalf("expected seen flag set")
	}
	msg, err := s.GetMessage(DirINBOX, uid)
	if err != nil {
		t.Fatal(err)
	}
	if msg.IsNew {
		t.Fatalf("message should have moved out of new/")
	}
	if filepath.Base(msg.Path) != uid+":2,S" {
		t.Fatalf("unexpected filename %q", filepath.Base(msg.Path))
	}
}

func TestExpungeRemovesDeletedOnly(t *testing.T) {
	s := newTestStore(t)
	keep, _ := s.Deliver(DirINBOX, []byte("keep"))
	gone, _ := s.Deliver(DirINBOX, []byte("gone"))
	if _, err := s.AddFlags(DirINBOX, gone, NewFlagSet(FlagDeleted)); err != nil {
		t.Fatal(err)
	}
	n, err := s.Expunge(DirINBOX)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expunged, got %d", n)
	}
	if _, err := s.GetMessage(DirINBOX, gone); err != ErrNotExist {
		t.Fatalf("expected gone message removed, err=%v", err)
	}
	if _, err := s.GetMessage(DirINBOX, keep); err != nil {
		t.Fatalf("kept message should remain: %v", err)
	}
}

func TestAllocateUIDMonotonic(t *testing.T) {
	s := newTestStore(t)
	first, err := s.AllocateUID(DirINBOX)
	if err != nil {
		t.Fatal(err)
	}
	if first != 1 {
		t.Fatalf("first uid should be 1, got %d", first)
	}
	for i := uint32(2); i <= 5; i++ {
		next, err := s.AllocateUID(DirINBOX)
		if err != nil {
			t.Fatal(err)
		}
		if next != i {
			t.Fatalf("expected uid %d, got %d", i, next)
		}
	}
}

func TestUIDForUniquePersistsAcrossCalls(t *testing.T) {
	s := newTestStore(t)
	uid1, err := s.UIDForUnique(DirINBOX, "msg-a")
	if err != nil {
		t.Fatal(err)
	}
	uid2, err := s.UIDForUnique(DirINBOX, "msg-a")
	if err != nil {
		t.Fatal(err)
	}
	if uid1 != uid2 {
		t.Fatalf("expected stable uid, got %d then %d", uid1, uid2)
	}
	uid3, err := s.UIDForUnique(DirINBOX, "msg-b")
	if err != nil {
		t.Fatal(err)
	}
	if uid3 == uid1 {
		t.Fatalf("expected distinct uid for distinct message")
	}
}

func TestCopyMoveMessage(t *testing.T) {
	s := newTestStore(t)
	uid, err := s.Deliver(DirINBOX, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	newUID, err := s.CopyMessage(DirINBOX, "Sent", uid)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.GetMessageContent("Sent", newUID)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("copy mismatch: %q", got)
	}
	if err := s.MoveMessage(DirINBOX, "Trash", uid); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetMessage(DirINBOX, uid); err != ErrNotExist {
		t.Fatalf("message should no longer be in INBOX")
	}
	if _, err := s.GetMessage("Trash", uid); err != nil {
		t.Fatalf("message should be in Trash: %v", err)
	}
}

func TestListMailboxesIncludesINBOXAndCustom(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateMailbox("Archive"); err != nil {
		t.Fatal(err)
	}
	names, err := s.ListMailboxes("*")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"INBOX": true, "Sent": true, "Drafts": true, "Trash": true, "Junk": true, "Archive": true}
	for _, n := range names {
		delete(want, n)
	}
	if len(want) != 0 {
		t.Fatalf("missing mailboxes: %v", want)
	}
}

func TestCreateDeleteRenameMailboxRejectsINBOX(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateMailbox(DirINBOX); err != ErrInbox {
		t.Fatalf("expected ErrInbox, got %v", err)
	}
	if err := s.DeleteMailbox(DirINBOX); err != ErrInbox {
		t.Fatalf("expected ErrInbox, got %v", err)
	}
	if err := s.RenameMailbox(DirINBOX, "NewName"); err != ErrInbox {
		t.Fatalf("expected ErrInbox, got %v", err)
	}
}

func TestGetMailboxInfoCounts(t *testing.T) {
	s := newTestStore(t)
	u1, _ := s.Deliver(DirINBOX, []byte("12345"))
	_, _ = s.Deliver(DirINBOX, []byte("12"))
	if _, err := s.AddFlags(DirINBOX, u1, NewFlagSet(FlagSeen)); err != nil {
		t.Fatal(err)
	}
	info, err := s.GetMailboxInfo(DirINBOX)
	if err != nil {
		t.Fatal(err)
	}
	if info.Total != 2 {
		t.Fatalf("expected 2 total, got %d", info.Total)
	}
	if info.Recent != 1 {
		t.Fatalf("expected 1 recent (still in new/), got %d", info.Recent)
	}
	if info.Unseen != 1 {
		t.Fatalf("expected 1 unseen, got %d", info.Unseen)
	}
}
