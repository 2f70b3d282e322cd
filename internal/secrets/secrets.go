// Package secrets seals the secret map into secrets.enc.json using
// nacl/secretbox. The 32-byte key lives beside it in secrets.key (0600);
// losing the key means re-entering secrets, not a recovery path.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/openclaw/gateway/internal/errkind"
)

const (
	keySize   = 32
	nonceSize = 24
)

type envelope struct {
	Version int    `json:"version"`
	Nonce   string `json:"nonce"`
	Box     string `json:"box"`
}

// Vault is the sealed secret map.
type Vault struct {
	mu      sync.Mutex
	encPath string
	keyPath string
	key     [keySize]byte
	values  map[string]string
}

// Open loads (or initializes) the vault under dir. A missing key file is
// generated; a missing envelope starts empty.
func Open(dir string) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	v := &Vault{
		encPath: filepath.Join(dir, "secrets.enc.json"),
		keyPath: filepath.Join(dir, "secrets.key"),
		values:  make(map[string]string),
	}
	if err := v.loadKey(); err != nil {
		return nil, err
	}
	if err := v.load(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Vault) loadKey() error {
	raw, err := os.ReadFile(v.keyPath)
	if errors.Is(err, os.ErrNotExist) {
		if _, err := io.ReadFull(rand.Reader, v.key[:]); err != nil {
			return err
		}
		return os.WriteFile(v.keyPath, v.key[:], 0o600)
	}
	if err != nil {
		return err
	}
	if len(raw) != keySize {
		return errkind.Newf(errkind.Internal, "secrets key is %d bytes, want %d", len(raw), keySize)
	}
	copy(v.key[:], raw)
	return nil
}

func (v *Vault) load() error {
	raw, err := os.ReadFile(v.encPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return errkind.Wrap(errkind.Internal, "secrets envelope unreadable", err)
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonceBytes) != nonceSize {
		return errkind.New(errkind.Internal, "secrets envelope nonce malformed")
	}
	box, err := base64.StdEncoding.DecodeString(env.Box)
	if err != nil {
		return errkind.New(errkind.Internal, "secrets envelope box malformed")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], nonceBytes)
	plain, ok := secretbox.Open(nil, box, &nonce, &v.key)
	if !ok {
		return errkind.New(errkind.Internal, "secrets envelope failed to open (wrong key?)")
	}
	return json.Unmarshal(plain, &v.values)
}

func (v *Vault) sealLocked() error {
	plain, err := json.Marshal(v.values)
	if err != nil {
		return err
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return err
	}
	box := secretbox.Seal(nil, plain, &nonce, &v.key)
	raw, err := json.Marshal(envelope{
		Version: 1,
		Nonce:   base64.StdEncoding.EncodeToString(nonce[:]),
		Box:     base64.StdEncoding.EncodeToString(box),
	})
	if err != nil {
		return err
	}
	tmp := v.encPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, v.encPath)
}

// Get returns the secret for name.
func (v *Vault) Get(name string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	val, ok := v.values[name]
	return val, ok
}

// Set stores and reseals.
func (v *Vault) Set(name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.values[name] = value
	return v.sealLocked()
}

// Delete removes a secret and reseals.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.values, name)
	return v.sealLocked()
}

// Names lists stored secret names (never values).
func (v *Vault) Names() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.values))
	for k := range v.values {
		out = append(out, k)
	}
	return out
}
