package imapserver

import (
	"bufio"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjl-/mailsrv/maildir"
	"github.com/mjl-/mailsrv/mlog"
	"github.com/mjl-/mailsrv/netsession"
	"github.com/mjl-/mailsrv/users"
)

// testConn wires a conn handler to one end of an in-memory pipe and drains
// its output on a background goroutine, mirroring netsession's own
// pipe-based tests.
type testConn struct {
	t      *testing.T
	h      *conn
	nc     *netsession.Conn
	client net.Conn

	mu    sync.Mutex
	lines []string
}

func newTestConn(t *testing.T, dataDir string, db *users.DB) *testConn {
	t.Helper()
	server, client := net.Pipe()
	nc := netsession.New(server, 0, mlog.New("test"), 1)
	t.Cleanup(nc.Stop)
	t.Cleanup(func() { client.Close() })

	srv := &Server{Hostname: "mail.example.com", DataDir: dataDir, Users: db}
	h := srv.NewHandler().(*conn)

	tc := &testConn{t: t, h: h, nc: nc, client: client}

	go func() {
		r := bufio.NewReader(client)
		for {
			line, err := r.ReadString('\n')
			if line != "" {
				tc.mu.Lock()
				tc.lines = append(tc.lines, strings.TrimRight(line, "\r\n"))
				tc.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	h.OnConnect(nc)
	return tc
}

// snapshot returns a copy of every line received so far.
func (tc *testConn) snapshot() []string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([]string, len(tc.lines))
	copy(out, tc.lines)
	return out
}

// waitUntil blocks until pred(current lines) is true or the test times out.
func (tc *testConn) waitUntil(pred func([]string) bool) []string {
	tc.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		lines := tc.snapshot()
		if pred(lines) {
			return lines
		}
		if time.Now().After(deadline) {
			tc.t.Fatalf("timed out waiting for condition, have: %v", lines)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func hasGreeting(lines []string) bool { return len(lines) >= 1 }

// transact sends one tagged command and returns every line the server wrote
// from just after the previous transact's tagged response through and
// including this command's own tagged response.
func (tc *testConn) transact(line string) []string {
	tc.t.Helper()
	tag := strings.SplitN(line, " ", 2)[0]
	before := len(tc.snapshot())
	tc.h.OnLine(tc.nc, line)
	lines := tc.waitUntil(func(lines []string) bool {
		return len(lines) > before && strings.HasPrefix(lines[len(lines)-1], tag+" ")
	})
	return lines[before:]
}

func setupTestUser(t *testing.T) (*users.DB, string) {
	t.Helper()
	db, err := users.Open(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.AddDomain("example.com"))
	require.NoError(t, db.AddUser("alice", "example.com", "s3cret", 0))

	dataDir := t.TempDir()
	return db, dataDir
}

func TestLoginAndSelectInbox(t *testing.T) {
	db, dataDir := setupTestUser(t)
	tc := newTestConn(t, dataDir, db)
	tc.waitUntil(hasGreeting)

	login := tc.transact("a1 LOGIN alice@example.com s3cret")
	assert.Equal(t, []string{"a1 OK LOGIN completed"}, login)
	assert.Equal(t, stateAuthenticated, tc.h.state)

	sel := tc.transact("a2 SELECT INBOX")
	assert.Equal(t, "* 0 EXISTS", sel[0])
	assert.Equal(t, "* 0 RECENT", sel[1])
	assert.Equal(t, "a2 OK [READ-WRITE] SELECT completed", sel[len(sel)-1])
	assert.Equal(t, stateSelected, tc.h.state)
}

func TestLoginFailure(t *testing.T) {
	db, dataDir := setupTestUser(t)
	tc := newTestConn(t, dataDir, db)
	tc.waitUntil(hasGreeting)

	resp := tc.transact("a1 LOGIN alice@example.com wrong")
	require.Len(t, resp, 1)
	assert.Contains(t, resp[0], "a1 NO [AUTHENTICATIONFAILED]")
	assert.Equal(t, stateNotAuthenticated, tc.h.state)
}

func TestFetchAfterDeliver(t *testing.T) {
	db, dataDir := setupTestUser(t)
	store := maildir.New(filepath.Join(dataDir, "example.com", "alice"), "mail.example.com")
	require.NoError(t, store.Initialize())
	_, err := store.Deliver(maildir.DirINBOX, []byte("Subject: hi\r\n\r\nbody\r\n"))
	require.NoError(t, err)

	tc := newTestConn(t, dataDir, db)
	tc.waitUntil(hasGreeting)
	tc.transact("a1 LOGIN alice@example.com s3cret")
	sel := tc.transact("a2 SELECT INBOX")
	assert.Equal(t, "* 1 EXISTS", sel[0])

	fetch := tc.transact("a3 FETCH 1 (FLAGS)")
	require.Len(t, fetch, 2)
	assert.True(t, strings.HasPrefix(fetch[0], "* 1 FETCH (FLAGS"))
	assert.Equal(t, "a3 OK FETCH completed", fetch[1])
}

func TestStorePersistsFlagsToMaildir(t *testing.T) {
	db, dataDir := setupTestUser(t)
	store := maildir.New(filepath.Join(dataDir, "example.com", "alice"), "mail.example.com")
	require.NoError(t, store.Initialize())
	_, err := store.Deliver(maildir.DirINBOX, []byte("Subject: hi\r\n\r\nbody\r\n"))
	require.NoError(t, err)

	tc := newTestConn(t, dataDir, db)
	tc.waitUntil(hasGreeting)
	tc.transact("a1 LOGIN alice@example.com s3cret")
	tc.transact("a2 SELECT INBOX")

	storeResp := tc.transact(`a3 STORE 1 +FLAGS (\Flagged)`)
	require.Len(t, storeResp, 2)
	assert.Contains(t, storeResp[0], `\Flagged`)

	msgs, err := store.ListMessages(maildir.DirINBOX)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Flags[maildir.FlagFlagged])
	assert.Contains(t, filepath.Base(msgs[0].Path), ":2,F")
}

func TestExpungeRenumbers(t *testing.T) {
	db, dataDir := setupTestUser(t)
	store := maildir.New(filepath.Join(dataDir, "example.com", "alice"), "mail.example.com")
	require.NoError(t, store.Initialize())
	_, err := store.Deliver(maildir.DirINBOX, []byte("Subject: one\r\n\r\nbody\r\n"))
	require.NoError(t, err)
	_, err = store.Deliver(maildir.DirINBOX, []byte("Subject: two\r\n\r\nbody\r\n"))
	require.NoError(t, err)

	tc := newTestConn(t, dataDir, db)
	tc.waitUntil(hasGreeting)
	tc.transact("a1 LOGIN alice@example.com s3cret")
	tc.transact("a2 SELECT INBOX")

	tc.transact(`a3 STORE 1 +FLAGS (\Deleted)`)

	exp := tc.transact("a4 EXPUNGE")
	assert.Equal(t, []string{"* 1 EXPUNGE", "a4 OK EXPUNGE completed"}, exp)

	msgs, err := store.ListMessages(maildir.DirINBOX)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, tc.h.mbox.messages, 1)
	assert.Equal(t, uint32(1), tc.h.mbox.messages[0].seq)
}

func TestCapabilityAdvertisesStartTLSOnlyWhenConfigured(t *testing.T) {
	db, dataDir := setupTestUser(t)
	tc := newTestConn(t, dataDir, db)
	tc.waitUntil(hasGreeting)

	resp := tc.transact("a1 CAPABILITY")
	require.Len(t, resp, 2)
	assert.Contains(t, resp[0], "IMAP4rev1")
	assert.NotContains(t, resp[0], "STARTTLS")
}

func TestMailboxLifecycle(t *testing.T) {
	db, dataDir := setupTestUser(t)
	tc := newTestConn(t, dataDir, db)
	tc.waitUntil(hasGreeting)
	tc.transact("a1 LOGIN alice@example.com s3cret")

	create := tc.transact("a2 CREATE Archive")
	assert.Equal(t, []string{"a2 OK CREATE completed"}, create)

	list := tc.transact(`a3 LIST "" *`)
	assert.Contains(t, strings.Join(list, "\n"), "Archive")

	del := tc.transact("a4 DELETE Archive")
	assert.Equal(t, []string{"a4 OK DELETE completed"}, del)
}

func TestLogout(t *testing.T) {
	db, dataDir := setupTestUser(t)
	tc := newTestConn(t, dataDir, db)
	tc.waitUntil(hasGreeting)

	resp := tc.transact("a1 LOGOUT")
	assert.Equal(t, []string{"* BYE logging out", "a1 OK LOGOUT completed"}, resp)
	assert.Equal(t, stateLogout, tc.h.state)
}
