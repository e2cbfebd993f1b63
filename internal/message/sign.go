// ABOUTME: Keyed-hash message signatures using BLAKE2b-256.
// ABOUTME: Also provisions the shared signing key file on first use.

package message

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/2389/coven-coord/internal/atomicfile"
)

// KeySize is the length of a generated signing key.
const KeySize = 32

// ErrInvalidKey indicates an unusable signing key.
var ErrInvalidKey = errors.New("invalid signing key")

// Signer signs and verifies messages with a shared key.
type Signer struct {
	key []byte
}

// NewSigner creates a Signer. The key must be 1 to 64 bytes.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) == 0 || len(key) > blake2b.Size {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidKey, len(key))
	}
	return &Signer{key: append([]byte(nil), key...)}, nil
}

// Sign sets m.Signature.
func (s *Signer) Sign(m *Message) error {
	sum, err := s.digest(m)
	if err != nil {
		return err
	}
	m.Signature = hex.EncodeToString(sum)
	return nil
}

// Verify reports whether m.Signature matches the message's fields.
func (s *Signer) Verify(m *Message) bool {
	if m.Signature == "" {
		return false
	}
	got, err := hex.DecodeString(m.Signature)
	if err != nil {
		return false
	}
	want, err := s.digest(m)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

func (s *Signer) digest(m *Message) ([]byte, error) {
	payload, err := json.Marshal([]any{
		m.Sender,
		m.Content,
		m.Timestamp.UTC().Format(time.RFC3339Nano),
		m.Recipients,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding signature payload: %w", err)
	}
	h, err := blake2b.New256(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	h.Write(payload)
	return h.Sum(nil), nil
}

// LoadOrCreateKey returns the hex key stored at path, generating it first
// if the file does not exist. Concurrent callers all end up with the key
// written by whichever created the file first.
func LoadOrCreateKey(path string) ([]byte, error) {
	if key, err := readKey(path); err == nil {
		return key, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	if _, err := atomicfile.CreateExclusive(path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("creating signing key: %w", err)
	}
	return readKey(path)
}

// DecodeKey parses a configured key: hex when it decodes as hex, raw bytes otherwise.
func DecodeKey(s string) []byte {
	s = strings.TrimSpace(s)
	if key, err := hex.DecodeString(s); err == nil && len(key) > 0 {
		return key
	}
	return []byte(s)
}

func readKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(key) == 0 {
		return nil, fmt.Errorf("%w: %s is not a hex key", ErrInvalidKey, path)
	}
	return key, nil
}
