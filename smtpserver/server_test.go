package smtpserver

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjl-/mailsrv/mlog"
	"github.com/mjl-/mailsrv/netsession"
	"github.com/mjl-/mailsrv/users"
)

// testConn mirrors imapserver's in-memory pipe test harness.
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
	return db, dataDir
}

func TestSMTPHappyPath(t *testing.T) {
	db, dataDir := setupTestUser(t)
	srv := &Server{Hostname: "mail.example.com", DataDir: dataDir, Users: db, MaxMessageSize: 1024}
	tc := newTestConn(t, srv)
	tc.waitUntil(hasGreeting)
	require.Equal(t, []string{"220 mail.example.com ESMTP ready"}, tc.snapshot())

	// EHLO answers with a multiline 250 reply: the greeting line, then SIZE,
	// 8BITMIME, PIPELINING and AUTH (no STARTTLS: no TLS config is set).
	helo := tc.send("EHLO c", 5)
	require.Len(t, helo, 5)
	assert.True(t, strings.HasPrefix(helo[0], "250-mail.example.com Hello c"))
	assert.Equal(t, "250 AUTH PLAIN LOGIN", helo[4])

	mail := tc.send("MAIL FROM:<a@example.com>", 1)
	assert.Equal(t, []string{"250 OK"}, mail)

	rcpt := tc.send("RCPT TO:<b@example.com>", 1)
	assert.Equal(t, []string{"250 OK"}, rcpt)

	data := tc.send("DATA", 1)
	require.Len(t, data, 1)
	assert.True(t, strings.HasPrefix(data[0], "354"))

	tc.send("Subject: hi", 0)
	tc.send("", 0)
	final := tc.send("body", 1)
	require.Len(t, final, 1)
	assert.Equal(t, "250 Message accepted for delivery", final[0])

	quit := tc.send("QUIT", 1)
	assert.Equal(t, []string{"221 closing connection"}, quit)

	entries, err := os.ReadDir(filepath.Join(dataDir, "example.com", "b", "new"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	content, err := os.ReadFile(filepath.Join(dataDir, "example.com", "b", "new", entries[0].Name()))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(content), "Received:"))
	assert.Contains(t, string(content), "Subject: hi\r\n\r\nbody\r\n")
}

func TestSMTPUnknownRecipientRejected(t *testing.T) {
	db, dataDir := setupTestUser(t)
	srv := &Server{Hostname: "mail.example.com", DataDir: dataDir, Users: db}
	tc := newTestConn(t, srv)
	tc.waitUntil(hasGreeting)

	tc.send("EHLO c", 1)
	tc.send("MAIL FROM:<a@example.com>", 1)
	resp := tc.send("RCPT TO:<nobody@example.com>", 1)
	require.Len(t, resp, 1)
	assert.True(t, strings.HasPrefix(resp[0], "550"))
}

func TestSMTPRelayDeniedWithoutAuth(t *testing.T) {
	db, dataDir := setupTestUser(t)
	srv := &Server{Hostname: "mail.example.com", DataDir: dataDir, Users: db}
	tc := newTestConn(t, srv)
	tc.waitUntil(hasGreeting)

	tc.send("EHLO c", 1)
	tc.send("MAIL FROM:<a@example.com>", 1)
	resp := tc.send("RCPT TO:<someone@elsewhere.example>", 1)
	require.Len(t, resp, 1)
	assert.True(t, strings.HasPrefix(resp[0], "530"))
}

func TestSMTPDotStuffing(t *testing.T) {
	db, dataDir := setupTestUser(t)
	srv := &Server{Hostname: "mail.example.com", DataDir: dataDir, Users: db}
	tc := newTestConn(t, srv)
	tc.waitUntil(hasGreeting)

	tc.send("EHLO c", 1)
	tc.send("MAIL FROM:<a@example.com>", 1)
	tc.send("RCPT TO:<b@example.com>", 1)
	tc.send("DATA", 1)
	tc.send("..leading dot", 0)
	tc.send(".", 1)

	entries, err := os.ReadDir(filepath.Join(dataDir, "example.com", "b", "new"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	content, err := os.ReadFile(filepath.Join(dataDir, "example.com", "b", "new", entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(content), ".leading dot\r\n")
}

func TestSMTPMessageTooLarge(t *testing.T) {
	db, dataDir := setupTestUser(t)
	srv := &Server{Hostname: "mail.example.com", DataDir: dataDir, Users: db, MaxMessageSize: 8}
	tc := newTestConn(t, srv)
	tc.waitUntil(hasGreeting)

	tc.send("EHLO c", 1)
	tc.send("MAIL FROM:<a@example.com>", 1)
	tc.send("RCPT TO:<b@example.com>", 1)
	tc.send("DATA", 1)
	resp := tc.send("this line is too long", 1)
	require.Len(t, resp, 1)
	assert.True(t, strings.HasPrefix(resp[0], "552"))
}

func TestSMTPAuthPlainInline(t *testing.T) {
	db, dataDir := setupTestUser(t)
	srv := &Server{Hostname: "mail.example.com", DataDir: dataDir, Users: db}
	tc := newTestConn(t, srv)
	tc.waitUntil(hasGreeting)

	tc.send("EHLO c", 1)
	resp := tc.send("AUTH PLAIN AGJAZXhhbXBsZS5jb20AczNjcmV0", 1) // \0b@example.com\0s3cret, base64
	require.Len(t, resp, 1)
	assert.True(t, strings.HasPrefix(resp[0], "235"))
	assert.True(t, tc.h.authenticated)
}
