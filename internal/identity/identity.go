// Package identity loads or creates the node agent's static WireGuard
// private key — the one piece of durable node identity spec §3 assumes
// exists before reconciliation starts. Persistence follows the same
// load-or-generate-and-save discipline as internal/ipc's shared secret
// (generate once, store at 0600, reuse on every subsequent run).
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const keyFile = ".wg_private_key"

// LoadOrCreateKey reads the node's static private key from dataDir,
// generating and persisting a fresh one on first run.
func LoadOrCreateKey(dataDir string) (wgtypes.Key, error) {
	path := filepath.Join(dataDir, keyFile)

	raw, err := os.ReadFile(path)
	if err == nil {
		key, err := wgtypes.ParseKey(string(raw))
		if err != nil {
			return wgtypes.Key{}, fmt.Errorf("parse stored private key %s: %w", path, err)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return wgtypes.Key{}, fmt.Errorf("read private key %s: %w", path, err)
	}

	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("generate private key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return wgtypes.Key{}, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	if err := os.WriteFile(path, []byte(key.String()), 0o600); err != nil {
		return wgtypes.Key{}, fmt.Errorf("persist private key %s: %w", path, err)
	}
	return key, nil
}
