package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// HashBytes returns the full SHA256 hex digest of a byte slice.
// Skill code hashes are compared byte-for-byte against on-disk content,
// so the digest is never truncated.
func HashBytes(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// HashString returns the full SHA256 hex digest of a string.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// HashFile returns the full SHA256 hex digest of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
