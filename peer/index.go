package peer

import (
	"sort"
	"sync"
)

// SharedPieceIndex records which pieces of which local files are presently
// seedable. The leecher appends as pieces verify; the seeder reads on every
// peer request. Two maps, two locks, fixed acquisition order: the path map
// lock is always taken before the piece map lock, and no file I/O happens
// under either.
type SharedPieceIndex struct {
	pathsMu sync.Mutex
	paths   map[fileKey]string // (fileName, groupName) -> local path

	piecesMu sync.Mutex
	pieces   map[string][]int // local path -> available piece indices (1-based)
}

type fileKey struct {
	fileName  string
	groupName string
}

// NewSharedPieceIndex builds an empty index.
func NewSharedPieceIndex() *SharedPieceIndex {
	return &SharedPieceIndex{
		paths:  make(map[fileKey]string),
		pieces: make(map[string][]int),
	}
}

// AddFilePath maps (fileName, groupName) to a local path.
func (idx *SharedPieceIndex) AddFilePath(fileName, groupName, path string) {
	idx.pathsMu.Lock()
	defer idx.pathsMu.Unlock()
	idx.paths[fileKey{fileName, groupName}] = path
}

// FilePath resolves (fileName, groupName), returning "" when unknown.
func (idx *SharedPieceIndex) FilePath(fileName, groupName string) string {
	idx.pathsMu.Lock()
	defer idx.pathsMu.Unlock()
	return idx.paths[fileKey{fileName, groupName}]
}

// AddPiece marks piece i of path as available. Callers must have already
// written the piece bytes to disk: publication makes the piece immediately
// seedable.
func (idx *SharedPieceIndex) AddPiece(path string, piece int) {
	idx.piecesMu.Lock()
	defer idx.piecesMu.Unlock()
	for _, p := range idx.pieces[path] {
		if p == piece {
			return
		}
	}
	idx.pieces[path] = append(idx.pieces[path], piece)
}

// AvailablePieces returns a sorted copy of the available indices for path.
func (idx *SharedPieceIndex) AvailablePieces(path string) []int {
	idx.piecesMu.Lock()
	defer idx.piecesMu.Unlock()
	out := append([]int(nil), idx.pieces[path]...)
	sort.Ints(out)
	return out
}

// HasPiece reports whether piece i of path is available.
func (idx *SharedPieceIndex) HasPiece(path string, piece int) bool {
	idx.piecesMu.Lock()
	defer idx.piecesMu.Unlock()
	for _, p := range idx.pieces[path] {
		if p == piece {
			return true
		}
	}
	return false
}

// DropFile removes the (fileName, groupName) mapping and its piece list,
// used when the user stops sharing. Locks are taken in the fixed global
// order.
func (idx *SharedPieceIndex) DropFile(fileName, groupName string) {
	idx.pathsMu.Lock()
	defer idx.pathsMu.Unlock()
	key := fileKey{fileName, groupName}
	path, ok := idx.paths[key]
	if !ok {
		return
	}
	delete(idx.paths, key)

	idx.piecesMu.Lock()
	defer idx.piecesMu.Unlock()
	delete(idx.pieces, path)
}
