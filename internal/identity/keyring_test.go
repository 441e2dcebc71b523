package identity

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idwallet/go-core/internal/testutil/fsperm"
)

func TestKeyringLoadKeysWithoutStoredKeysAndNoPermission(t *testing.T) {
	ring := NewKeyring(&MemoryStore{}, "pass")
	_, err := ring.LoadKeys(false)
	require.ErrorIs(t, err, ErrNoKeys)
	_, ok := ring.Current()
	assert.False(t, ok)
}

func TestKeyringLoadKeysGeneratesWhenPermitted(t *testing.T) {
	store := &MemoryStore{}
	ring := NewKeyring(store, "pass")
	keys, err := ring.LoadKeys(true)
	require.NoError(t, err)
	assert.True(t, keys.Valid())
	assert.True(t, strings.HasPrefix(keys.ID, keyIDPrefix))

	reloaded, err := NewKeyring(store, "pass").LoadKeys(false)
	require.NoError(t, err)
	assert.Equal(t, keys.ID, reloaded.ID)
	assert.Equal(t, keys.PublicKey, reloaded.PublicKey)
}

func TestKeyringRestoreIsDeterministic(t *testing.T) {
	ring := NewKeyring(&MemoryStore{}, "pass")
	keys, mnemonic, err := ring.Generate()
	require.NoError(t, err)

	other := NewKeyring(&MemoryStore{}, "different")
	restored, err := other.Restore(mnemonic)
	require.NoError(t, err)
	assert.Equal(t, keys.ID, restored.ID)
}

func TestKeyringRejectsInvalidMnemonic(t *testing.T) {
	_, err := NewKeyring(&MemoryStore{}, "pass").Restore("not a phrase")
	require.ErrorIs(t, err, ErrInvalidMnemonic)
}

func TestKeyringWrongPassphraseDoesNotRegenerate(t *testing.T) {
	store := &MemoryStore{}
	original, _, err := NewKeyring(store, "pass").Generate()
	require.NoError(t, err)

	wrong := NewKeyring(store, "wrong")
	_, err = wrong.LoadKeys(true)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoKeys))
	_, ok := wrong.Current()
	assert.False(t, ok)

	reloaded, err := NewKeyring(store, "pass").Load()
	require.NoError(t, err)
	assert.Equal(t, original.ID, reloaded.ID)
}

func TestKeyringUnreadableEnvelopeIsNotReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legal.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewKeyring(FileStore{Path: path}, "pass").LoadKeys(true)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoKeys))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "legal.json")
	ring := NewKeyring(FileStore{Path: path}, "pass")
	_, err := ring.Load()
	require.ErrorIs(t, err, ErrNoKeys)

	keys, _, err := ring.Generate()
	require.NoError(t, err)
	fsperm.AssertPrivateFilePerm(t, path)
	fsperm.AssertPrivateDirPerm(t, filepath.Dir(path))

	loaded, err := NewKeyring(FileStore{Path: path}, "pass").Load()
	require.NoError(t, err)
	assert.Equal(t, keys.ID, loaded.ID)
}

func TestKeyPairSignVerifies(t *testing.T) {
	keys, _, err := NewKeyring(&MemoryStore{}, "pass").Generate()
	require.NoError(t, err)
	sig := keys.Sign([]byte("payload"))
	assert.Len(t, sig, 64)
}
