package assets

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/blake2s"
)

// hashFile returns the lowercase hex BLAKE2s-256 digest of f's contents and
// its size. io.CopyBuffer with a fixed-size buffer streams regardless of
// file size, satisfying §5's "files > 16 MiB MUST stream" rule without a
// separate small-file code path.
func hashFile(path string) (uid string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open asset file: %w", err)
	}
	defer f.Close()

	h, err := blake2s.New256(nil)
	if err != nil {
		return "", 0, fmt.Errorf("init blake2s: %w", err)
	}

	buf := make([]byte, 1<<20) // 1 MiB fixed buffer
	n, err := io.CopyBuffer(h, f, buf)
	if err != nil {
		return "", 0, fmt.Errorf("hash asset file: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// hashBytes computes the same digest as hashFile for content that is
// already in memory.
func hashBytes(data []byte) string {
	sum := blake2s.Sum256(data)
	return hex.EncodeToString(sum[:])
}
