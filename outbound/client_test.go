package outbound

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjl-/mailsrv/smtp"
)

// fakeResolver returns no MX records, forcing the A-record fallback.
type fakeResolver struct{}

func (fakeResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	return nil, nil
}

func mustPath(t *testing.T, addr string) smtp.Path {
	t.Helper()
	a, err := smtp.ParseAddress(addr)
	require.NoError(t, err)
	return a.Path()
}

// runFakeServer accepts one connection on ln and speaks a minimal accepting
// SMTP dialogue, returning the bytes it read after DATA.
func runFakeServer(t *testing.T, ln net.Listener, dataOut chan<- string) {
	nc, err := ln.Accept()
	require.NoError(t, err)
	defer nc.Close()

	r := bufio.NewReader(nc)
	write := func(s string) { nc.Write([]byte(s + "\r\n")) }

	write("220 fake.example ESMTP")
	line, _ := r.ReadString('\n')
	_ = line // EHLO
	write("250 fake.example")
	line, _ = r.ReadString('\n') // MAIL FROM
	write("250 2.1.0 OK")
	line, _ = r.ReadString('\n') // RCPT TO
	write("250 2.1.5 OK")
	line, _ = r.ReadString('\n') // DATA
	write("354 go ahead")

	var body []byte
	for {
		l, err := r.ReadString('\n')
		if err != nil {
			break
		}
		body = append(body, l...)
		if l == ".\r\n" {
			break
		}
	}
	dataOut <- string(body)
	write("250 2.0.0 accepted")
	r.ReadString('\n') // QUIT
	write("221 bye")
}

func TestDeliverHappyPath(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	dataOut := make(chan string, 1)
	go runFakeServer(t, ln, dataOut)

	c := &Client{Hostname: "us.example", Resolver: fakeResolver{}, Timeout: 3 * time.Second}
	// Redirect delivery to our loopback listener by dialing 127.0.0.1 with the
	// listener's ephemeral port instead of the well-known 25.
	c.dialOverride = func(ctx context.Context, host string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", itoa(port)))
	}

	sender := mustPath(t, "alice@us.example")
	recipient := mustPath(t, "bob@127.0.0.1.invalid")
	res := c.Deliver(context.Background(), sender, recipient, []byte("Subject: hi\r\n\r\nbody\r\n"))
	require.NoError(t, res.Err)
	assert.True(t, res.Success)

	select {
	case body := <-dataOut:
		assert.Contains(t, body, "Subject: hi")
		assert.Contains(t, body, "body")
	case <-time.After(2 * time.Second):
		t.Fatal("server never received DATA")
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
