package sshserver

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/ternarybob/timebeat-ssh/internal/fileutil"
)

// LoadOrCreateHostKey reads the PEM encoded private key at path, generating and
// persisting a new ed25519 key when the file does not exist.
func LoadOrCreateHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse host key %s: %w", path, err)
		}
		return signer, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read host key: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "timebeat-ssh host key")
	if err != nil {
		return nil, fmt.Errorf("marshal host key: %w", err)
	}

	if err := fileutil.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if err := fileutil.AtomicWrite(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("write host key: %w", err)
	}

	return ssh.NewSignerFromKey(priv)
}

// AuthorizedKeys is a set of public keys allowed to log in, keyed by their
// SHA256 fingerprint.
type AuthorizedKeys map[string]string

// Contains reports whether key is authorized and returns its comment.
func (a AuthorizedKeys) Contains(key ssh.PublicKey) (string, bool) {
	comment, ok := a[ssh.FingerprintSHA256(key)]
	return comment, ok
}

// LoadAuthorizedKeys parses an OpenSSH authorized_keys file. Blank lines and
// comments are skipped; a malformed line fails the whole load.
func LoadAuthorizedKeys(path string) (AuthorizedKeys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authorized keys: %w", err)
	}
	return ParseAuthorizedKeys(data)
}

// ParseAuthorizedKeys parses authorized_keys content.
func ParseAuthorizedKeys(data []byte) (AuthorizedKeys, error) {
	keys := make(AuthorizedKeys)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		pub, comment, _, _, err := ssh.ParseAuthorizedKey(line)
		if err != nil {
			return nil, fmt.Errorf("authorized keys line %d: %w", lineNo, err)
		}
		keys[ssh.FingerprintSHA256(pub)] = comment
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan authorized keys: %w", err)
	}
	return keys, nil
}
