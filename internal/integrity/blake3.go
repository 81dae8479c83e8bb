// Package integrity provides BLAKE3 digests used to key the prediction
// cache, checksum model artifacts and pseudonymize redacted values.
package integrity

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// KeySize is the length of a BLAKE3 key.
const KeySize = 32

// BLAKE3Hasher provides BLAKE3 hashing, optionally keyed.
type BLAKE3Hasher struct {
	// KeyedMode enables keyed hashing.
	KeyedMode bool
	key       [KeySize]byte
}

// NewBLAKE3Hasher creates a new BLAKE3 hasher.
func NewBLAKE3Hasher() *BLAKE3Hasher {
	return &BLAKE3Hasher{}
}

// NewKeyedBLAKE3Hasher creates a keyed hasher. Digests made with different
// keys are unrelated, so a keyed digest of a low-entropy value cannot be
// reversed by hashing guesses without the key.
func NewKeyedBLAKE3Hasher(key [KeySize]byte) *BLAKE3Hasher {
	return &BLAKE3Hasher{
		KeyedMode: true,
		key:       key,
	}
}

// ParseKey decodes a hex-encoded 32-byte key.
func ParseKey(s string) ([KeySize]byte, error) {
	var key [KeySize]byte
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return key, fmt.Errorf("invalid hash key: %w", err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("invalid hash key: %d bytes, want %d", len(raw), KeySize)
	}
	copy(key[:], raw)
	return key, nil
}

func (h *BLAKE3Hasher) newHasher() *blake3.Hasher {
	if h.KeyedMode {
		hasher, _ := blake3.NewKeyed(h.key[:])
		return hasher
	}
	return blake3.New()
}

// Hash computes the BLAKE3 hash of data.
func (h *BLAKE3Hasher) Hash(data []byte) []byte {
	hasher := h.newHasher()
	hasher.Write(data)
	return hasher.Sum(nil)
}

// HashHex computes the BLAKE3 hash and returns it as a hex string.
func (h *BLAKE3Hasher) HashHex(data []byte) string {
	return hex.EncodeToString(h.Hash(data))
}

// HashFields hashes an ordered list of fields. Each field is written as
// "<byte length>:<bytes>", so no choice of field contents can make two
// different lists encode the same way.
func (h *BLAKE3Hasher) HashFields(fields ...string) string {
	hasher := h.newHasher()
	for _, f := range fields {
		io.WriteString(hasher, strconv.Itoa(len(f)))
		io.WriteString(hasher, ":")
		io.WriteString(hasher, f)
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// HashReader computes the BLAKE3 hash from an io.Reader.
func (h *BLAKE3Hasher) HashReader(r io.Reader) ([]byte, error) {
	hasher := h.newHasher()
	if _, err := io.Copy(hasher, r); err != nil {
		return nil, fmt.Errorf("failed to hash data: %w", err)
	}
	return hasher.Sum(nil), nil
}

// HashFileHex computes the BLAKE3 hash of a file and returns it as a hex string.
func (h *BLAKE3Hasher) HashFileHex(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	sum, err := h.HashReader(f)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// Verify reports whether data hashes to the hex digest want. The comparison
// is constant time.
func (h *BLAKE3Hasher) Verify(data []byte, want string) bool {
	return digestEqual(h.HashHex(data), want)
}

// VerifyFile reports whether the file at path hashes to want.
func (h *BLAKE3Hasher) VerifyFile(path, want string) (bool, error) {
	got, err := h.HashFileHex(path)
	if err != nil {
		return false, err
	}
	return digestEqual(got, want), nil
}

func digestEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(want))) == 1
}

var defaultHasher = NewBLAKE3Hasher()

// Sum returns the unkeyed hex digest of data.
func Sum(data []byte) string {
	return defaultHasher.HashHex(data)
}

// SumFields returns the unkeyed hex digest of the ordered fields.
func SumFields(fields ...string) string {
	return defaultHasher.HashFields(fields...)
}

// SumFile returns the unkeyed hex digest of the file at path.
func SumFile(path string) (string, error) {
	return defaultHasher.HashFileHex(path)
}

// Verify reports whether data matches the unkeyed hex digest want.
func Verify(data []byte, want string) bool {
	return defaultHasher.Verify(data, want)
}

// VerifyFile reports whether the file at path matches the unkeyed hex
// digest want.
func VerifyFile(path, want string) (bool, error) {
	return defaultHasher.VerifyFile(path, want)
}
