package fs

import (
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// Hashes are 64-bit xxhash digests rendered as 16 hex characters.

// HashFile hashes a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return digest(h.Sum64()), nil
}

// HashContent hashes content bytes.
func HashContent(content []byte) string {
	return digest(xxhash.Sum64(content))
}

// HashString hashes a string, such as extracted text.
func HashString(s string) string {
	return digest(xxhash.Sum64String(s))
}

func digest(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}
