package transport

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/FollowMyVote/assistant/internal/keys"
	"golang.org/x/crypto/ed25519"
)

// DefaultDialTimeout bounds the TCP connect plus TLS handshake.
const DefaultDialTimeout = 15 * time.Second

// maxLineLength bounds a single protocol line.
const maxLineLength = 64 * 1024

var (
	// ErrPinMismatch is returned when the server key differs from the pinned key.
	ErrPinMismatch = errors.New("server public key does not match pinned key")
	// ErrBadEndpoint is returned for an endpoint that is not host:port.
	ErrBadEndpoint = errors.New("endpoint must be host:port")
)

// KeySource resolves the private half of an ephemeral key.
type KeySource interface {
	HasPrivateKey(publicKey string) bool
	PrivateKey(publicKey string) (ed25519.PrivateKey, error)
}

// TLSOption configures a TLSSession.
type TLSOption func(*TLSSession)

// WithDialTimeout sets the connect and handshake timeout.
func WithDialTimeout(d time.Duration) TLSOption {
	return func(s *TLSSession) {
		s.dialTimeout = d
	}
}

// TLSSession implements Session over TLS 1.3 with ed25519 certificates.
// The server is accepted iff its leaf certificate carries the pinned key.
type TLSSession struct {
	keys        KeySource
	post        func(func())
	dialTimeout time.Duration

	mu      sync.Mutex
	wmu     sync.Mutex // serializes conn writes; taken after mu, never before it
	handler Handler
	conn    *tls.Conn
	cancel  context.CancelFunc
	pending []string
	gen     uint64
}

// NewTLSSession creates a session. post must run the given function on the
// caller's event loop.
func NewTLSSession(keySource KeySource, post func(func()), opts ...TLSOption) *TLSSession {
	s := &TLSSession{
		keys:        keySource,
		post:        post,
		dialTimeout: DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TLSSession) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *TLSSession) Connect(endpoint, pinnedPublicKey, ephemeralPublicKey string) error {
	addr, err := DialAddress(endpoint)
	if err != nil {
		return err
	}
	pinned, err := keys.DecodePublicKey(pinnedPublicKey)
	if err != nil {
		return fmt.Errorf("invalid pinned key: %w", err)
	}
	if !s.keys.HasPrivateKey(ephemeralPublicKey) {
		slog.Warn("TLSSession Connect: no private key for ephemeral key", "public_key", ephemeralPublicKey)
		return fmt.Errorf("cannot connect with ephemeral key %s: %w", ephemeralPublicKey, keys.ErrKeyNotFound)
	}
	priv, err := s.keys.PrivateKey(ephemeralPublicKey)
	if err != nil {
		return fmt.Errorf("failed to load ephemeral key: %w", err)
	}
	cert, err := SelfSignedCertificate(priv)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.dialTimeout)

	s.mu.Lock()
	s.closeLocked()
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.mu.Unlock()

	cfg := &tls.Config{
		MinVersion:            tls.VersionTLS13,
		Certificates:          []tls.Certificate{cert},
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyPinned(pinned),
	}
	slog.Debug("TLSSession Connect", "endpoint", addr, "generation", gen)
	go s.run(ctx, gen, addr, cfg)
	return nil
}

func (s *TLSSession) Send(text string) error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		defer s.mu.Unlock()
		if s.cancel == nil {
			return ErrNotConnected
		}
		s.pending = append(s.pending, text)
		return nil
	}
	s.mu.Unlock()

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := conn.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}
	return nil
}

func (s *TLSSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	return s.closeLocked()
}

func (s *TLSSession) closeLocked() error {
	var err error
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conn != nil {
		err = s.conn.Close()
		s.conn = nil
	}
	s.pending = nil
	return err
}

func (s *TLSSession) run(ctx context.Context, gen uint64, addr string, cfg *tls.Config) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config:    cfg,
	}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		slog.Warn("TLSSession handshake failed", "endpoint", addr, "error", err)
		s.emit(gen, func(h Handler) { h.SessionEnded(err) })
		return
	}
	conn := raw.(*tls.Conn)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	pending := s.pending
	s.pending = nil
	// Queued text goes out before any Send that sees the new conn.
	s.wmu.Lock()
	s.mu.Unlock()
	for _, text := range pending {
		if _, err := conn.Write([]byte(text)); err != nil {
			slog.Warn("TLSSession flush failed", "endpoint", addr, "error", err)
			break
		}
	}
	s.wmu.Unlock()

	slog.Info("TLSSession handshake succeeded", "endpoint", addr)
	s.emit(gen, func(h Handler) { h.HandshakeCompleted() })

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineLength)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		s.emit(gen, func(h Handler) { h.LineReady(line) })
	}
	readErr := scanner.Err()
	if errors.Is(readErr, net.ErrClosed) {
		readErr = nil
	}
	s.emit(gen, func(h Handler) { h.SessionEnded(readErr) })
}

// emit delivers an event on the event loop unless the session generation
// that produced it has been superseded.
func (s *TLSSession) emit(gen uint64, fn func(Handler)) {
	s.post(func() {
		s.mu.Lock()
		current := s.gen == gen
		h := s.handler
		s.mu.Unlock()
		if !current || h == nil {
			return
		}
		fn(h)
	})
}

// DialAddress extracts host:port from an endpoint given either as host:port
// or as a URL.
func DialAddress(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadEndpoint, err)
		}
		endpoint = u.Host
	}
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil || port == "" {
		return "", fmt.Errorf("%w: %q", ErrBadEndpoint, endpoint)
	}
	return net.JoinHostPort(host, port), nil
}

func verifyPinned(pinned ed25519.PublicKey) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return ErrPinMismatch
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("failed to parse server certificate: %w", err)
		}
		got, ok := leaf.PublicKey.(ed25519.PublicKey)
		if !ok || subtle.ConstantTimeCompare(got, pinned) != 1 {
			return ErrPinMismatch
		}
		return nil
	}
}

// SelfSignedCertificate wraps an ed25519 key in a short-lived certificate so
// it can be presented during a handshake.
func SelfSignedCertificate(priv ed25519.PrivateKey) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial: %w", err)
	}
	pub := priv.Public().(ed25519.PublicKey)
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: keys.EncodePublicKey(pub)},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
