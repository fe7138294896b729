package pop3server

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

// testConn mirrors imapserver's and smtpserver's in-memory pipe test harness.
type testConn struct {
	t      *testing.T
	h      *conn
	nc     *netsession.Conn
	client net.Conn

	mu    sync.Mutex
	lines []string
}

func newTestConn(t *testing.T, srv *Server) *testConn {
	t.Helper()
	server, client := net.Pipe()
	nc := netsession.New(server, 0, mlog.New("test"), 1)
	t.Cleanup(nc.Stop)
	t.Cleanup(func() { client.Close() })

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

func (tc *testConn) snapshot() []string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([]string, len(tc.lines))
	copy(out, tc.lines)
	return out
}

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

// send writes one command line and waits for at least n additional lines.
func (tc *testConn) send(line string, n int) []string {
	tc.t.Helper()
	before := len(tc.snapshot())
	tc.h.OnLine(tc.nc, line)
	lines := tc.waitUntil(func(lines []string) bool { return len(lines) >= before+n })
	return lines[before:]
}

func setupTestUser(t *testing.T) (*users.DB, string) {
	t.Helper()
	db, err := users.Open(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.AddDomain("example.com"))
	require.NoError(t, db.AddUser("b", "example.com", "s3cret", 0))

	dataDir := t.TempDir()
	store := maildir.New(filepath.Join(dataDir, "example.com", "b"), "mail.example.com")
	require.NoError(t, store.Initialize())

	return db, dataDir
}

func TestPOP3RetrievalCycle(t *testing.T) {
	db, dataDir := setupTestUser(t)
	store := maildir.New(filepath.Join(dataDir, "example.com", "b"), "mail.example.com")
	_, err := store.Deliver(maildir.DirINBOX, []byte("Subject: one\r\n\r\nfirst body\r\n"))
	require.NoError(t, err)
	_, err = store.Deliver(maildir.DirINBOX, []byte("Subject: two\r\n\r\nsecond body\r\n"))
	require.NoError(t, err)

	srv := &Server{Hostname: "mail.example.com", DataDir: dataDir, Users: db}
	tc := newTestConn(t, srv)
	tc.waitUntil(hasGreeting)

	user := tc.send("USER b@example.com", 1)
	assert.True(t, strings.HasPrefix(user[0], "+OK"))

	pass := tc.send("PASS s3cret", 1)
	require.Len(t, pass, 1)
	assert.Contains(t, pass[0], "2 messages")

	stat := tc.send("STAT", 1)
	assert.Equal(t, "+OK 2 57", stat[0])

	retr := tc.send("RETR 1", 5)
	require.Len(t, retr, 5)
	assert.True(t, strings.HasPrefix(retr[0], "+OK"))
	assert.Contains(t, strings.Join(retr, "\n"), "first body")
	assert.Equal(t, ".", retr[len(retr)-1])

	dele := tc.send("DELE 1", 1)
	assert.Equal(t, []string{"+OK message deleted"}, dele)

	statAfter := tc.send("STAT", 1)
	assert.Equal(t, "+OK 1 29", statAfter[0])

	quit := tc.send("QUIT", 1)
	require.Len(t, quit, 1)
	assert.Contains(t, quit[0], "1 messages deleted")

	msgs, err := store.ListMessages(maildir.DirINBOX)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, string(mustContent(t, store, msgs[0].UniqueID)), "second body")
}

func mustContent(t *testing.T, store *maildir.Store, uniqueID string) []byte {
	t.Helper()
	b, err := store.GetMessageContent(maildir.DirINBOX, uniqueID)
	require.NoError(t, err)
	return b
}

func TestPOP3BadPasswordRejected(t *testing.T) {
	db, dataDir := setupTestUser(t)
	srv := &Server{Hostname: "mail.example.com", DataDir: dataDir, Users: db}
	tc := newTestConn(t, srv)
	tc.waitUntil(hasGreeting)

	tc.send("USER b@example.com", 1)
	resp := tc.send("PASS wrong", 1)
	require.Len(t, resp, 1)
	assert.True(t, strings.HasPrefix(resp[0], "-ERR"))
	assert.Equal(t, stateAuthorization, tc.h.state)
}

func TestPOP3CommandsRequireAuthorizationFirst(t *testing.T) {
	db, dataDir := setupTestUser(t)
	srv := &Server{Hostname: "mail.example.com", DataDir: dataDir, Users: db}
	tc := newTestConn(t, srv)
	tc.waitUntil(hasGreeting)

	resp := tc.send("STAT", 1)
	require.Len(t, resp, 1)
	assert.True(t, strings.HasPrefix(resp[0], "-ERR"))
}

func TestPOP3CapaListsStlsOnlyWhenConfigured(t *testing.T) {
	db, dataDir := setupTestUser(t)
	srv := &Server{Hostname: "mail.example.com", DataDir: dataDir, Users: db}
	tc := newTestConn(t, srv)
	tc.waitUntil(hasGreeting)

	resp := tc.send("CAPA", 10)
	joined := strings.Join(resp, "\n")
	assert.Contains(t, joined, "UIDL")
	assert.NotContains(t, joined, "STLS")
}

func TestPOP3UidlStableAcrossSessions(t *testing.T) {
	db, dataDir := setupTestUser(t)
	store := maildir.New(filepath.Join(dataDir, "example.com", "b"), "mail.example.com")
	_, err := store.Deliver(maildir.DirINBOX, []byte("Subject: one\r\n\r\nbody\r\n"))
	require.NoError(t, err)

	srv := &Server{Hostname: "mail.example.com", DataDir: dataDir, Users: db}

	tc1 := newTestConn(t, srv)
	tc1.waitUntil(hasGreeting)
	tc1.send("USER b@example.com", 1)
	tc1.send("PASS s3cret", 1)
	uidl1 := tc1.send("UIDL", 3)

	tc2 := newTestConn(t, srv)
	tc2.waitUntil(hasGreeting)
	tc2.send("USER b@example.com", 1)
	tc2.send("PASS s3cret", 1)
	uidl2 := tc2.send("UIDL", 3)

	assert.Equal(t, uidl1[1], uidl2[1])
}
