// Package storage implements ContentStorage: translating between the
// logical piece address space and a set of files laid out in metainfo
// order, per spec.md §4.6.
package storage

import (
	"crypto/sha1" //nolint:gosec // BitTorrent piece hashes are SHA-1
	"errors"
	"path/filepath"

	"github.com/kzahel/jstorrent-sub016/internal/ports"
)

// FileSpec describes one file in the torrent, in metainfo order.
type FileSpec struct {
	Path   []string
	Length int64
}

type openFile struct {
	spec   FileSpec
	offset int64 // byte offset of this file within the concatenated space
	handle ports.FileHandle
}

// Storage maps piece reads/writes onto the underlying file set through
// the FileSystem port. It is not internally concurrent; the owning
// Torrent (via ActivePieces) serializes access per piece.
type Storage struct {
	fs          ports.FileSystem
	root        string
	files       []*openFile
	totalLength int64
	pieceLength int64
}

// New constructs a Storage rooted at dir for the given file list.
func New(fs ports.FileSystem, dir string, pieceLength int64, specs []FileSpec) *Storage {
	s := &Storage{fs: fs, root: dir, pieceLength: pieceLength}
	var offset int64
	for _, spec := range specs {
		s.files = append(s.files, &openFile{spec: spec, offset: offset})
		offset += spec.Length
	}
	s.totalLength = offset
	return s
}

func (s *Storage) path(spec FileSpec) string {
	parts := append([]string{s.root}, spec.Path...)
	return filepath.Join(parts...)
}

// ensureOpen opens (and pre-allocates, when supported) the file backing
// f, creating parent directories as needed.
func (s *Storage) ensureOpen(f *openFile) (ports.FileHandle, error) {
	if f.handle != nil {
		return f.handle, nil
	}
	dir := filepath.Dir(s.path(f.spec))
	if dir != "." {
		if err := s.fs.Mkdir(dir); err != nil {
			return nil, err
		}
	}
	h, err := s.fs.Open(s.path(f.spec), true)
	if err != nil {
		return nil, err
	}
	// Pre-allocation is best-effort; a FileSystem port backed by a sparse
	// file store may reject Truncate, and writes still work either way.
	_ = h.Truncate(f.spec.Length)
	f.handle = h
	return h, nil
}

// filesOverlapping returns the file segments piece n overlaps, each as
// (file, fileOffset, length).
func (s *Storage) filesOverlapping(piece uint32) []struct {
	f      *openFile
	offset int64
	length int64
} {
	start := int64(piece) * s.pieceLength
	end := start + s.pieceLen(piece)
	var out []struct {
		f      *openFile
		offset int64
		length int64
	}
	for _, f := range s.files {
		fStart := f.offset
		fEnd := f.offset + f.spec.Length
		lo := maxI64(start, fStart)
		hi := minI64(end, fEnd)
		if lo >= hi {
			continue
		}
		out = append(out, struct {
			f      *openFile
			offset int64
			length int64
		}{f: f, offset: lo - fStart, length: hi - lo})
	}
	return out
}

func (s *Storage) pieceLen(piece uint32) int64 {
	start := int64(piece) * s.pieceLength
	end := start + s.pieceLength
	if end > s.totalLength {
		end = s.totalLength
	}
	if end < start {
		return 0
	}
	return end - start
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Write commits a verified piece's bytes to disk, splitting across file
// boundaries as needed.
func (s *Storage) Write(piece uint32, data []byte) error {
	segments := s.filesOverlapping(piece)
	var pieceOff int64
	for _, seg := range segments {
		h, err := s.ensureOpen(seg.f)
		if err != nil {
			return err
		}
		chunk := data[pieceOff : pieceOff+seg.length]
		if _, err := h.WriteAt(chunk, seg.offset); err != nil {
			return err
		}
		pieceOff += seg.length
	}
	return nil
}

// Read returns length bytes of a piece starting at offset. It must only
// be called for pieces already verified (spec.md §4.6).
func (s *Storage) Read(piece uint32, offset, length int64) ([]byte, error) {
	out := make([]byte, length)
	segments := s.filesOverlapping(piece)
	var pieceStart int64
	var written int64
	for _, seg := range segments {
		segPieceStart := pieceStart
		segPieceEnd := pieceStart + seg.length
		pieceStart = segPieceEnd

		lo := maxI64(offset, segPieceStart)
		hi := minI64(offset+length, segPieceEnd)
		if lo >= hi {
			continue
		}
		h, err := s.ensureOpen(seg.f)
		if err != nil {
			return nil, err
		}
		fileOff := seg.offset + (lo - segPieceStart)
		n, err := h.ReadAt(out[written:written+(hi-lo)], fileOff)
		if err != nil {
			return nil, err
		}
		written += int64(n)
	}
	if written != length {
		return nil, errors.New("storage: short read")
	}
	return out, nil
}

// Verify reads piece p in full and reports whether its hash matches
// want, used during startup checking.
func (s *Storage) Verify(piece uint32, want [20]byte) (bool, error) {
	data, err := s.Read(piece, 0, s.pieceLen(piece))
	if err != nil {
		return false, err
	}
	got := sha1.Sum(data) //nolint:gosec
	return got == want, nil
}

// DeleteAll removes every file this torrent owns.
func (s *Storage) DeleteAll() error {
	var firstErr error
	for _, f := range s.files {
		if f.handle != nil {
			_ = f.handle.Close()
			f.handle = nil
		}
		if err := s.fs.Remove(s.path(f.spec)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close releases any open file handles without deleting data.
func (s *Storage) Close() error {
	var firstErr error
	for _, f := range s.files {
		if f.handle != nil {
			if err := f.handle.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			f.handle = nil
		}
	}
	return firstErr
}

// TotalLength is the sum of all file lengths.
func (s *Storage) TotalLength() int64 { return s.totalLength }
