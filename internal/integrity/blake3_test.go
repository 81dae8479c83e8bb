package integrity

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBLAKE3Hasher(t *testing.T) {
	hasher := NewBLAKE3Hasher()

	data := []byte("Hello, World!")
	hash := hasher.Hash(data)

	if len(hash) != 32 {
		t.Errorf("Expected 32-byte hash, got %d bytes", len(hash))
	}

	// Hash should be deterministic
	hash2 := hasher.Hash(data)
	if !bytes.Equal(hash, hash2) {
		t.Error("Hash is not deterministic")
	}
}

func TestBLAKE3HasherHex(t *testing.T) {
	hashHex := NewBLAKE3Hasher().HashHex([]byte("Hello, World!"))

	if len(hashHex) != 64 {
		t.Errorf("Expected 64-character hex string, got %d characters", len(hashHex))
	}
}

func TestKeyedBLAKE3Hasher(t *testing.T) {
	key := [32]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
		17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32}

	data := []byte("Hello, World!")
	keyedHash := NewKeyedBLAKE3Hasher(key).Hash(data)
	regularHash := NewBLAKE3Hasher().Hash(data)

	if bytes.Equal(keyedHash, regularHash) {
		t.Error("Keyed hash should be different from regular hash")
	}
}

func TestHashFields(t *testing.T) {
	hasher := NewBLAKE3Hasher()

	a := hasher.HashFields("10.0.0.1", "ssh", "ls", "/")
	b := hasher.HashFields("10.0.0.1", "ssh", "ls", "/")
	if a != b {
		t.Error("HashFields is not deterministic")
	}

	if a != hasher.HashHex([]byte("8:10.0.0.1" + "3:ssh" + "2:ls" + "1:/")) {
		t.Error("HashFields should hash the length-prefixed fields")
	}

	if a == hasher.HashFields("10.0.0.2", "ssh", "ls", "/") {
		t.Error("Different fields produced the same digest")
	}
}

func TestHashFields_Boundaries(t *testing.T) {
	cases := [][2][]string{
		{{"cat x|sh", "/a"}, {"cat x", "sh|/a"}},
		{{"ab", "c"}, {"a", "bc"}},
		{{"", "x"}, {"x", ""}},
		{{"1:a"}, {"1:", "a"}},
	}
	for _, c := range cases {
		if SumFields(c[0]...) == SumFields(c[1]...) {
			t.Errorf("%q and %q share a digest", c[0], c[1])
		}
	}
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey(strings.Repeat("ab", KeySize))
	if err != nil {
		t.Fatalf("ParseKey failed: %v", err)
	}
	if key[0] != 0xab || key[KeySize-1] != 0xab {
		t.Errorf("unexpected key bytes %x", key)
	}

	for _, bad := range []string{"", "zz", strings.Repeat("ab", KeySize-1)} {
		if _, err := ParseKey(bad); err == nil {
			t.Errorf("ParseKey(%q) should fail", bad)
		}
	}
}

func TestHashFileHex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifact.bin")
	data := []byte("model payload")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	hasher := NewBLAKE3Hasher()
	fileHash, err := hasher.HashFileHex(path)
	if err != nil {
		t.Fatalf("HashFileHex failed: %v", err)
	}
	if fileHash != hasher.HashHex(data) {
		t.Error("File hash doesn't match data hash")
	}
	if sum, err := SumFile(path); err != nil || sum != fileHash {
		t.Errorf("SumFile = %q, %v", sum, err)
	}
	if ok, err := VerifyFile(path, fileHash); err != nil || !ok {
		t.Errorf("VerifyFile rejected its own digest: %v", err)
	}
	if ok, _ := VerifyFile(path, Sum([]byte("other"))); ok {
		t.Error("VerifyFile accepted a foreign digest")
	}

	if _, err := hasher.HashFileHex(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestVerify(t *testing.T) {
	data := []byte("payload")
	sum := Sum(data)

	if !NewBLAKE3Hasher().Verify(data, sum) {
		t.Error("Verify rejected a matching digest")
	}
	if NewBLAKE3Hasher().Verify([]byte("tampered"), sum) {
		t.Error("Verify accepted a mismatched digest")
	}
	if !Verify(data, strings.ToUpper(sum)) {
		t.Error("Verify should ignore digest case")
	}
	if Verify(data, sum[:32]) {
		t.Error("Verify accepted a truncated digest")
	}
}
