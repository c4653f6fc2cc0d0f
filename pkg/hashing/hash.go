// Package hashing computes the per-file hash vector used to verify pieces:
// index 0 is the SHA-256 of the whole file, indices 1..N are the hashes of
// the N fixed-size pieces (the last piece hashes its actual short length).
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/nevil1324/P2P/pkg/proto"
)

// PieceCount returns N = ceil(size/P), the number of data pieces for a file.
func PieceCount(size int64) int {
	return int((size + proto.PieceSize - 1) / proto.PieceSize)
}

// PieceHash hashes one piece of data to lowercase hex.
func PieceHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileHashes reads the file once and returns the hash vector
// [whole-file, piece1, ..., pieceN].
func FileHashes(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	whole := sha256.New()
	var pieceHashes []string

	buf := make([]byte, proto.PieceSize)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			whole.Write(buf[:n])
			pieceHashes = append(pieceHashes, PieceHash(buf[:n]))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	hashes := make([]string, 0, len(pieceHashes)+1)
	hashes = append(hashes, hex.EncodeToString(whole.Sum(nil)))
	hashes = append(hashes, pieceHashes...)
	return hashes, nil
}

// FileSize stats the file and returns its byte size.
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.Size(), nil
}
