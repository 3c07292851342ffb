package store

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	keyFile     = "store.key"
	sealPrefix  = "v1:"
	sealKeyInfo = "devlink-store-seal"
)

// ErrSealed is returned when a sealed value cannot be opened.
var ErrSealed = errors.New("sealed value cannot be opened")

type sealer struct {
	key []byte
}

// loadSealer reads the master key from dir, creating it on first use, and
// derives the sealing key from it.
func loadSealer(dir string) (*sealer, error) {
	master, err := readOrCreateMasterKey(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, err
	}
	h := hkdf.New(sha256.New, master, nil, []byte(sealKeyInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, err
	}
	return &sealer{key: key}, nil
}

func readOrCreateMasterKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		b, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("master key hex decode error: %w", err)
		}
		if len(b) != 32 {
			return nil, fmt.Errorf("master key length must be 32 bytes (hex 64 chars)")
		}
		return b, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(path, []byte(hex.EncodeToString(b)), 0o600); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}
	return b, nil
}

// seal encrypts plain with XChaCha20-Poly1305, nonce prepended.
func (s *sealer) seal(plain []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ct := aead.Seal(nonce, nonce, plain, nil)
	return sealPrefix + base64.StdEncoding.EncodeToString(ct), nil
}

func (s *sealer) open(blob string) ([]byte, error) {
	if !strings.HasPrefix(blob, sealPrefix) {
		return nil, ErrSealed
	}
	ct, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(blob, sealPrefix))
	if err != nil {
		return nil, ErrSealed
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	ns := aead.NonceSize()
	if len(ct) < ns {
		return nil, ErrSealed
	}
	plain, err := aead.Open(nil, ct[:ns], ct[ns:], nil)
	if err != nil {
		return nil, ErrSealed
	}
	return plain, nil
}
