// Package ipc implements the node agent's local control channel (spec
// §6): a length-prefixed JSON protocol over a unix stream socket,
// authenticated by a shared secret generated on first run. Grounded on
// original_source's client/src/daemon/protocol.rs (SharedSecret
// generate/load/save/verify) and the teacher's general unix-socket
// daemon shape in internal/daemon/server.
package ipc

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
)

const secretFile = ".daemon_secret"
const secretLength = 32

const secretCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateSecret returns a fresh 32-character alphanumeric token.
func GenerateSecret() string {
	b := make([]byte, secretLength)
	for i := range b {
		b[i] = secretCharset[rand.IntN(len(secretCharset))]
	}
	return string(b)
}

// LoadOrCreateSecret reads the shared secret from dataDir, generating
// and persisting a new one on first run. The file is written at mode
// 0600 (spec §3 "Shared secret").
func LoadOrCreateSecret(dataDir string) (string, error) {
	path := filepath.Join(dataDir, secretFile)
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read daemon secret: %w", err)
	}

	secret := GenerateSecret()
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret), 0o600); err != nil {
		return "", fmt.Errorf("write daemon secret: %w", err)
	}
	return secret, nil
}

// VerifySecret reports whether got matches want, in constant time.
func VerifySecret(want, got string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
