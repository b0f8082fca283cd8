package exfat

import (
	"io"
	"os"
)

// BlockDevice is the minimal positional-I/O contract fsck needs against the
// raw volume: anything that satisfies the standard positional-I/O
// interfaces plus Sync, so a plain *os.File or an in-memory fixture both
// work without an adapter.
type BlockDevice interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// SizedBlockDevice additionally knows its own size in bytes, needed for the
// boot sector's volume-length and cluster-heap-size range checks.
type SizedBlockDevice interface {
	BlockDevice
	Size() int64
}

// FileDevice adapts an *os.File (or anything with the same surface) into a
// SizedBlockDevice by capturing its size once at open time.
type FileDevice struct {
	f    *os.File
	size int64
}

// NewFileDevice stats f to learn the volume size and wraps it.
func NewFileDevice(f *os.File) (*FileDevice, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, Wrap(ErrIO, err)
	}

	return &FileDevice{f: f, size: fi.Size()}, nil
}

// ReadAt implements io.ReaderAt.
func (fd *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	return fd.f.ReadAt(p, off)
}

// WriteAt implements io.WriterAt.
func (fd *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	return fd.f.WriteAt(p, off)
}

// Sync implements BlockDevice.
func (fd *FileDevice) Sync() error {
	return fd.f.Sync()
}

// Size implements SizedBlockDevice.
func (fd *FileDevice) Size() int64 {
	return fd.size
}

// MemoryDevice is an in-memory BlockDevice backed by a byte slice, used by
// fixture-driven tests that assemble a volume from scratch instead of
// shipping a filesystem image.
type MemoryDevice struct {
	Data []byte
}

// NewMemoryDevice allocates a zeroed in-memory device of the given size.
func NewMemoryDevice(size int64) *MemoryDevice {
	return &MemoryDevice{Data: make([]byte, size)}
}

// ReadAt implements io.ReaderAt.
func (m *MemoryDevice) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.Data)) {
		return 0, io.EOF
	}

	n := copy(p, m.Data[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}

	return n, nil
}

// WriteAt implements io.WriterAt.
func (m *MemoryDevice) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.Data)) {
		return 0, io.ErrShortWrite
	}

	n := copy(m.Data[off:end], p)

	return n, nil
}

// Sync implements BlockDevice; in-memory writes are already durable.
func (m *MemoryDevice) Sync() error {
	return nil
}

// Size implements SizedBlockDevice.
func (m *MemoryDevice) Size() int64 {
	return int64(len(m.Data))
}
