package keys

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

func TestCreateKeypair(t *testing.T) {
	m := NewManager(NewMemoryWallet())

	pub, err := m.CreateKeypair()
	require.NoError(t, err)
	assert.True(t, m.IsPublicKey(pub))
	assert.True(t, m.HasPrivateKey(pub))

	other, err := m.CreateKeypair()
	require.NoError(t, err)
	assert.NotEqual(t, pub, other)
}

func TestPrivateKeySignsForPublicKey(t *testing.T) {
	m := NewManager(NewMemoryWallet())
	pub, err := m.CreateKeypair()
	require.NoError(t, err)

	priv, err := m.PrivateKey(pub)
	require.NoError(t, err)

	decoded, err := DecodePublicKey(pub)
	require.NoError(t, err)
	msg := []byte("provisioning")
	assert.True(t, ed25519.Verify(decoded, msg, ed25519.Sign(priv, msg)))
}

func TestPrivateKeyUnknown(t *testing.T) {
	m := NewManager(NewMemoryWallet())
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	_, err = m.PrivateKey(EncodePublicKey(pub))
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	_, err = m.PrivateKey("not-a-key")
	assert.True(t, errors.Is(err, ErrBadPublicKey))
}

func TestIsPublicKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	assert.True(t, IsPublicKey(EncodePublicKey(pub)))
	assert.False(t, IsPublicKey(""))
	assert.False(t, IsPublicKey("0OIl"), "characters outside the base58 alphabet")
	assert.False(t, IsPublicKey("5DY2ktBXfoCHY3zy7gMCrTkR2TF9UkFjb3cW4Spo7WzwKMpdfs"), "wrong decoded length")
	assert.False(t, IsPublicKey("node.example.com:4000"))
}

func TestBadgerWallet(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenBadgerWallet(dir)
	require.NoError(t, err)

	m := NewManager(w)
	pub, err := m.CreateKeypair()
	require.NoError(t, err)
	first, err := m.PrivateKey(pub)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w, err = OpenBadgerWallet(dir)
	require.NoError(t, err)
	defer w.Close()

	again, err := NewManager(w).PrivateKey(pub)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	_, err = w.Get("missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemoryBadgerWallet(t *testing.T) {
	w, err := OpenMemoryBadgerWallet()
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Put("k", []byte{1, 2, 3}))
	seed, err := w.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, seed)
}
