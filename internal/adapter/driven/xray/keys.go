package xray

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ericfisherdev/vpnpanel/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.KeyMaterialSource = (*KeysFile)(nil)

// KeysFile loads the shared Reality key pair from an env-style file with
// PRIVATE_KEY, PUBLIC_KEY and SHORT_ID lines. The private key value may keep
// the "Private key: " label printed by `xray x25519`.
type KeysFile struct {
	path string
}

// NewKeysFile creates a KeysFile reader for path.
func NewKeysFile(path string) *KeysFile {
	return &KeysFile{path: path}
}

// Load reads the file on every call so rotated keys are picked up.
func (k *KeysFile) Load(_ context.Context) (driven.KeyMaterial, error) {
	data, err := os.ReadFile(k.path)
	if errors.Is(err, os.ErrNotExist) {
		return driven.KeyMaterial{}, fmt.Errorf("load keys %s: %w", k.path, driven.ErrKeyMaterialMissing)
	}
	if err != nil {
		return driven.KeyMaterial{}, fmt.Errorf("load keys %s: %w", k.path, err)
	}

	km := ParseKeys(data)
	if km.PrivateKey == "" {
		return driven.KeyMaterial{}, fmt.Errorf("load keys %s: %w", k.path, driven.ErrKeyMaterialMissing)
	}
	return km, nil
}

// ParseKeys extracts the key material from env-style content. Unknown lines
// are ignored.
func ParseKeys(data []byte) driven.KeyMaterial {
	var km driven.KeyMaterial
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		switch key {
		case "PRIVATE_KEY":
			km.PrivateKey = strings.TrimSpace(strings.TrimPrefix(value, "Private key: "))
		case "PUBLIC_KEY":
			km.PublicKey = strings.TrimSpace(strings.TrimPrefix(value, "Public key: "))
		case "SHORT_ID":
			km.ShortID = value
		}
	}
	return km
}
