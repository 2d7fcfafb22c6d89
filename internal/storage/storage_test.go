package storage

import (
	"errors"
	"testing"

	"github.com/kzahel/jstorrent-sub016/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memFile struct {
	data []byte
}

func (f *memFile) ReadAt(b []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, errors.New("storage_test: read past end")
	}
	n := copy(b, f.data[off:])
	return n, nil
}

func (f *memFile) WriteAt(b []byte, off int64) (int, error) {
	need := off + int64(len(b))
	if need > int64(len(f.data)) {
		grown := make([]byte, need)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:], b)
	return len(b), nil
}

func (f *memFile) Truncate(size int64) error {
	if size > int64(len(f.data)) {
		grown := make([]byte, size)
		copy(grown, f.data)
		f.data = grown
	}
	return nil
}

func (f *memFile) Sync() error  { return nil }
func (f *memFile) Close() error { return nil }

type memFS struct {
	files map[string]*memFile
	dirs  map[string]bool
}

func newMemFS() *memFS {
	return &memFS{files: make(map[string]*memFile), dirs: make(map[string]bool)}
}

func (m *memFS) Open(path string, create bool) (ports.FileHandle, error) {
	if f, ok := m.files[path]; ok {
		return f, nil
	}
	if !create {
		return nil, errors.New("storage_test: not found")
	}
	f := &memFile{}
	m.files[path] = f
	return f, nil
}

func (m *memFS) Stat(path string) (int64, bool, error) {
	f, ok := m.files[path]
	if !ok {
		return 0, false, nil
	}
	return int64(len(f.data)), true, nil
}

func (m *memFS) Mkdir(path string) error {
	m.dirs[path] = true
	return nil
}

func (m *memFS) Remove(path string) error {
	delete(m.files, path)
	return nil
}

func newTestStorage(t *testing.T, specs []FileSpec, pieceLength int64) (*Storage, *memFS) {
	t.Helper()
	fs := newMemFS()
	s := New(fs, "/data", pieceLength, specs)
	return s, fs
}

func TestWriteAndReadSingleFilePiece(t *testing.T) {
	s, _ := newTestStorage(t, []FileSpec{{Path: []string{"a.bin"}, Length: 100}}, 50)
	piece0 := make([]byte, 50)
	for i := range piece0 {
		piece0[i] = byte(i)
	}
	require.NoError(t, s.Write(0, piece0))
	got, err := s.Read(0, 0, 50)
	require.NoError(t, err)
	assert.Equal(t, piece0, got)
}

func TestWriteSpansMultipleFiles(t *testing.T) {
	s, fs := newTestStorage(t, []FileSpec{
		{Path: []string{"a.bin"}, Length: 30},
		{Path: []string{"b.bin"}, Length: 30},
	}, 40)
	piece0 := make([]byte, 40)
	for i := range piece0 {
		piece0[i] = byte(i + 1)
	}
	require.NoError(t, s.Write(0, piece0))

	a := fs.files["/data/a.bin"]
	b := fs.files["/data/b.bin"]
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, piece0[:30], a.data[:30])
	assert.Equal(t, piece0[30:40], b.data[:10])

	got, err := s.Read(0, 0, 40)
	require.NoError(t, err)
	assert.Equal(t, piece0, got)
}

func TestVerifyDetectsMismatch(t *testing.T) {
	s, _ := newTestStorage(t, []FileSpec{{Path: []string{"a.bin"}, Length: 16}}, 16)
	require.NoError(t, s.Write(0, make([]byte, 16)))
	ok, err := s.Verify(0, [20]byte{1})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteAllRemovesFiles(t *testing.T) {
	s, fs := newTestStorage(t, []FileSpec{{Path: []string{"a.bin"}, Length: 10}}, 10)
	require.NoError(t, s.Write(0, make([]byte, 10)))
	require.NoError(t, s.DeleteAll())
	_, exists, _ := fs.Stat("/data/a.bin")
	assert.False(t, exists)
}
