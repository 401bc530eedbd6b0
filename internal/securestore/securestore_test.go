package securestore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-chat/go-backend/internal/testutil/fsperm"
)

func TestSealOpenRoundtrip(t *testing.T) {
	s, err := NewSealer("pass")
	require.NoError(t, err)
	data, err := s.Seal([]byte("ledger"))
	require.NoError(t, err)
	plain, err := s.Open(data)
	require.NoError(t, err)
	assert.Equal(t, "ledger", string(plain))
}

func TestOpenTamperedFails(t *testing.T) {
	s, _ := NewSealer("pass")
	data, err := s.Seal([]byte("ledger"))
	require.NoError(t, err)
	data[len(data)-3] ^= 0xFF
	_, err = s.Open(data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrInvalid), "expected auth failure, got %v", err)
}

func TestOpenWrongSecretFails(t *testing.T) {
	a, _ := NewSealer("a")
	b, _ := NewSealer("b")
	data, err := a.Seal([]byte("x"))
	require.NoError(t, err)
	_, err = b.Open(data)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestOpenPlaintextRejected(t *testing.T) {
	s, _ := NewSealer("pass")
	_, err := s.Open([]byte(`{"conversations":{}}`))
	assert.ErrorIs(t, err, ErrPlaintext)
}

func TestNewSealerRequiresSecret(t *testing.T) {
	_, err := NewSealer("  ")
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestFileSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.enc")
	f, err := OpenFile(path, "pass")
	require.NoError(t, err)

	var empty map[string]int
	ok, err := f.Load(&empty)
	require.NoError(t, err)
	assert.False(t, ok, "no snapshot yet")

	require.NoError(t, f.Save(map[string]int{"a": 1}))
	fsperm.AssertPrivateFilePerm(t, path)
	fsperm.AssertPrivateDirPerm(t, filepath.Dir(path))

	var got map[string]int
	ok, err = f.Load(&got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]int{"a": 1}, got)
}

func TestConfigured(t *testing.T) {
	assert.False(t, Configured("", "x"))
	assert.False(t, Configured("p", " "))
	assert.True(t, Configured("p", "x"))
}
