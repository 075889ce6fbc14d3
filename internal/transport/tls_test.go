package transport

import (
	"bufio"
	"crypto/tls"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/FollowMyVote/assistant/internal/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

type recordingHandler struct {
	handshakes chan struct{}
	lines      chan string
	ended      chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		handshakes: make(chan struct{}, 4),
		lines:      make(chan string, 16),
		ended:      make(chan error, 4),
	}
}

func (h *recordingHandler) HandshakeCompleted()    { h.handshakes <- struct{}{} }
func (h *recordingHandler) LineReady(line string)  { h.lines <- line }
func (h *recordingHandler) SessionEnded(err error) { h.ended <- err }

func directPost(fn func()) { fn() }

// startServer runs a TLS server with a fresh ed25519 identity. serve is
// called once per accepted connection.
func startServer(t *testing.T, serve func(net.Conn)) (addr string, pub string) {
	t.Helper()
	serverPub, serverPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	cert, err := SelfSignedCertificate(serverPriv)
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
	})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				serve(conn)
			}()
		}
	}()
	return ln.Addr().String(), keys.EncodePublicKey(serverPub)
}

func newClient(t *testing.T) (*TLSSession, *keys.Manager, string) {
	t.Helper()
	km := keys.NewManager(keys.NewMemoryWallet())
	ephemeral, err := km.CreateKeypair()
	require.NoError(t, err)
	return NewTLSSession(km, directPost, WithDialTimeout(5*time.Second)), km, ephemeral
}

func TestTLSSessionExchange(t *testing.T) {
	received := make(chan string, 2)
	addr, serverKey := startServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		for i := 0; i < 2; i++ {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			received <- line
		}
		conn.Write([]byte("node.example.com:4000\r\nsecond\n"))
	})

	session, _, ephemeral := newClient(t)
	h := newRecordingHandler()
	session.SetHandler(h)

	require.NoError(t, session.Connect(addr, serverKey, ephemeral))
	require.NoError(t, session.Send("abc-0123456789\nvoterkey\n"))

	select {
	case <-h.handshakes:
	case <-time.After(5 * time.Second):
		t.Fatal("handshake never completed")
	}
	assert.Equal(t, "abc-0123456789\n", <-received)
	assert.Equal(t, "voterkey\n", <-received)
	assert.Equal(t, "node.example.com:4000", <-h.lines)
	assert.Equal(t, "second", <-h.lines)

	select {
	case err := <-h.ended:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session never ended")
	}
}

func TestTLSSessionRejectsUnpinnedServer(t *testing.T) {
	addr, _ := startServer(t, func(conn net.Conn) {
		// The client aborts the handshake once it sees the server key.
		_ = conn.(*tls.Conn).Handshake()
	})
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	session, _, ephemeral := newClient(t)
	h := newRecordingHandler()
	session.SetHandler(h)
	require.NoError(t, session.Connect(addr, keys.EncodePublicKey(otherPub), ephemeral))

	select {
	case err := <-h.ended:
		assert.ErrorIs(t, err, ErrPinMismatch)
	case <-time.After(5 * time.Second):
		t.Fatal("session never ended")
	}
	assert.Len(t, h.handshakes, 0)
}

func TestTLSSessionCloseDropsEvents(t *testing.T) {
	addr, serverKey := startServer(t, func(conn net.Conn) {
		conn.Write([]byte("late line\n"))
		time.Sleep(100 * time.Millisecond)
	})

	session, _, ephemeral := newClient(t)
	h := newRecordingHandler()
	session.SetHandler(h)
	require.NoError(t, session.Connect(addr, serverKey, ephemeral))
	require.NoError(t, session.Close())

	time.Sleep(300 * time.Millisecond)
	assert.Len(t, h.handshakes, 0)
	assert.Len(t, h.lines, 0)
	assert.Len(t, h.ended, 0)
}

func TestTLSSessionConnectValidation(t *testing.T) {
	session, _, ephemeral := newClient(t)
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pinned := keys.EncodePublicKey(pub)

	assert.ErrorIs(t, session.Connect("no-port", pinned, ephemeral), ErrBadEndpoint)
	assert.ErrorIs(t, session.Connect("127.0.0.1:1", "bogus", ephemeral), keys.ErrBadPublicKey)
	assert.ErrorIs(t, session.Connect("127.0.0.1:1", pinned, pinned), keys.ErrKeyNotFound)
}

func TestTLSSessionRequiresOwnEphemeralKey(t *testing.T) {
	session, _, _ := newClient(t)
	other := keys.NewManager(keys.NewMemoryWallet())
	foreign, err := other.CreateKeypair()
	require.NoError(t, err)
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	err = session.Connect("127.0.0.1:1", keys.EncodePublicKey(pub), foreign)
	assert.ErrorIs(t, err, keys.ErrKeyNotFound)
	assert.ErrorIs(t, session.Send("x\n"), ErrNotConnected)
}

func TestSendWithoutConnect(t *testing.T) {
	session, _, _ := newClient(t)
	assert.ErrorIs(t, session.Send("x\n"), ErrNotConnected)
}

func TestDialAddress(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
		wantErr  bool
	}{
		{"[::]:33388", "[::]:33388", false},
		{"node.example.com:4000", "node.example.com:4000", false},
		{"tls://deploy.example.com:9000/path", "deploy.example.com:9000", false},
		{" 10.0.0.1:80 ", "10.0.0.1:80", false},
		{"node.example.com", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := DialAddress(tt.endpoint)
		if tt.wantErr {
			assert.Error(t, err, tt.endpoint)
			continue
		}
		require.NoError(t, err, tt.endpoint)
		assert.Equal(t, tt.want, got)
	}
}

func TestTLSSessionStalledWriteDoesNotBlockEvents(t *testing.T) {
	release := make(chan struct{})
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	addr, serverKey := startServer(t, func(conn net.Conn) {
		if err := conn.(*tls.Conn).Handshake(); err != nil {
			return
		}
		// Never read; only write once the client is stuck sending.
		select {
		case <-release:
			conn.Write([]byte("still here\n"))
		case <-done:
			return
		}
		<-done
	})

	session, _, ephemeral := newClient(t)
	t.Cleanup(func() { session.Close() })
	h := newRecordingHandler()
	session.SetHandler(h)
	require.NoError(t, session.Connect(addr, serverKey, ephemeral))

	select {
	case <-h.handshakes:
	case <-time.After(5 * time.Second):
		t.Fatal("handshake never completed")
	}

	go session.Send(strings.Repeat("x", 32<<20))
	time.Sleep(200 * time.Millisecond)
	close(release)

	select {
	case line := <-h.lines:
		assert.Equal(t, "still here", line)
	case <-time.After(5 * time.Second):
		t.Fatal("line delivery blocked behind a stalled write")
	}
}
