package sshserver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestLoadOrCreateHostKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "ssh_host_ed25519_key")

	first, err := LoadOrCreateHostKey(path)
	require.NoError(t, err)
	assert.Equal(t, ssh.KeyAlgoED25519, first.PublicKey().Type())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := LoadOrCreateHostKey(path)
	require.NoError(t, err)
	assert.Equal(t, ssh.FingerprintSHA256(first.PublicKey()), ssh.FingerprintSHA256(second.PublicKey()))
}

func TestLoadOrCreateHostKey_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_key")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0600))

	_, err := LoadOrCreateHostKey(path)
	assert.Error(t, err)
}

func TestParseAuthorizedKeys(t *testing.T) {
	a := newSigner(t)
	b := newSigner(t)

	content := "# operators\n\n" +
		string(ssh.MarshalAuthorizedKey(a.PublicKey()))[:len(ssh.MarshalAuthorizedKey(a.PublicKey()))-1] + " alice@ops\n" +
		string(ssh.MarshalAuthorizedKey(b.PublicKey()))

	keys, err := ParseAuthorizedKeys([]byte(content))
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	comment, ok := keys.Contains(a.PublicKey())
	assert.True(t, ok)
	assert.Equal(t, "alice@ops", comment)

	_, ok = keys.Contains(b.PublicKey())
	assert.True(t, ok)

	_, ok = keys.Contains(newSigner(t).PublicKey())
	assert.False(t, ok)
}

func TestParseAuthorizedKeys_Malformed(t *testing.T) {
	_, err := ParseAuthorizedKeys([]byte("ssh-ed25519 garbage\n"))
	assert.Error(t, err)
}

func TestLoadAuthorizedKeys_Missing(t *testing.T) {
	_, err := LoadAuthorizedKeys(filepath.Join(t.TempDir(), "authorized_keys"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
