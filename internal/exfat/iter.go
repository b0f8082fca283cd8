package exfat

import (
	"io"

	"github.com/dsoprea/go-logging"
)

// clusterBuffer is one cluster-sized window plus a per-sector dirty map.
type clusterBuffer struct {
	pClus  uint32
	offset int64 // file offset of this buffer's base
	data   []byte
	dirty  []bool // per-sector, sized C/S
	valid  bool   // false once the chain has ended past this buffer
}

// DirEntryIter is a cluster-aware, two-buffer read-ahead/write-back
// iterator presenting a directory's entries as a random-access window. It
// is the only writer to directory data in the common path.
type DirEntryIter struct {
	ctx   *Context
	inode *Inode

	buf [2]clusterBuffer
	cur int

	deFileOffset int64
	maxSkip      int

	terminated bool
}

// NewDirEntryIter reads the directory's first cluster into the first buffer
// and pre-loads the read-ahead cluster into the second.
func NewDirEntryIter(ctx *Context, inode *Inode) (*DirEntryIter, error) {
	it := &DirEntryIter{
		ctx:   ctx,
		inode: inode,
	}

	sectorsPerCluster := ctx.ClusterSize / ctx.SectorSize
	it.maxSkip = int(2*ctx.ClusterSize) / DentrySize

	for i := range it.buf {
		it.buf[i].data = make([]byte, ctx.ClusterSize)
		it.buf[i].dirty = make([]bool, sectorsPerCluster)
	}

	first := inode.FirstCluster
	if first == 0 || !ctx.IsValidCluster(first) {
		it.terminated = true
		return it, nil
	}

	if err := it.load(0, first, 0); err != nil {
		return nil, err
	}

	next, err := ctx.NextInodeCluster(inode, first)
	if err != nil {
		return nil, err
	}

	if next == EndOfChain || !ctx.IsValidCluster(next) {
		it.buf[1].valid = false
	} else if err := it.load(1, next, int64(ctx.ClusterSize)); err != nil {
		return nil, err
	}

	return it, nil
}

func (it *DirEntryIter) load(bufIdx int, clus uint32, offset int64) error {
	b := &it.buf[bufIdx]

	n, err := it.ctx.Dev.ReadAt(b.data, it.ctx.ClusterOffset(clus))
	if err != nil && err != io.EOF {
		return Wrap(ErrIO, err)
	}

	if n != len(b.data) {
		return Wrap(ErrIO, log.Errorf("short cluster read at cluster (%d)", clus))
	}

	b.pClus = clus
	b.offset = offset
	b.valid = true

	for i := range b.dirty {
		b.dirty[i] = false
	}

	return nil
}

func (it *DirEntryIter) flushBuffer(bufIdx int) error {
	b := &it.buf[bufIdx]
	if !b.valid {
		return nil
	}

	sectorSize := int(it.ctx.SectorSize)

	for s, dirty := range b.dirty {
		if !dirty {
			continue
		}

		start := s * sectorSize
		end := start + sectorSize

		off := it.ctx.ClusterOffset(b.pClus) + int64(start)

		n, err := it.ctx.Dev.WriteAt(b.data[start:end], off)
		if err != nil {
			return Wrap(ErrIO, err)
		}

		if n != sectorSize {
			return Wrap(ErrIO, log.Errorf("short sector write at cluster (%d)", b.pClus))
		}

		b.dirty[s] = false
	}

	return nil
}

// locate resolves the i-th peeked entry (relative to the current window) to
// a buffer index and byte offset within it. A peek must land inside the two
// buffers' combined window.
func (it *DirEntryIter) locate(i int) (bufIdx int, byteOff int, err error) {
	if i < 0 || i >= it.maxSkip {
		return 0, 0, Wrap(ErrOutOfRange, nil)
	}

	target := it.deFileOffset + int64(i)*DentrySize

	cur := &it.buf[it.cur]
	other := &it.buf[1-it.cur]

	clusterSize := int64(it.ctx.ClusterSize)

	switch {
	case target >= cur.offset && target < cur.offset+clusterSize:
		return it.cur, int(target - cur.offset), nil
	case target >= other.offset && target < other.offset+clusterSize:
		if !other.valid {
			return 0, 0, io.EOF
		}

		return 1 - it.cur, int(target - other.offset), nil
	default:
		return 0, 0, Wrap(ErrOutOfRange, nil)
	}
}

// Get returns the raw 32 bytes of the i-th peeked dentry without marking
// anything dirty.
func (it *DirEntryIter) Get(i int) ([]byte, error) {
	if it.terminated {
		return nil, io.EOF
	}

	bufIdx, off, err := it.locate(i)
	if err != nil {
		return nil, err
	}

	return it.buf[bufIdx].data[off : off+DentrySize], nil
}

// GetDirty returns the raw 32 bytes of the i-th peeked dentry and marks its
// containing sector dirty, for in-place repair writes.
func (it *DirEntryIter) GetDirty(i int) ([]byte, error) {
	if it.terminated {
		return nil, io.EOF
	}

	bufIdx, off, err := it.locate(i)
	if err != nil {
		return nil, err
	}

	sector := off / int(it.ctx.SectorSize)
	it.buf[bufIdx].dirty[sector] = true

	return it.buf[bufIdx].data[off : off+DentrySize], nil
}

// Advance moves the window by n dentries, flushing and reloading buffers
// across any cluster boundary crossed.
func (it *DirEntryIter) Advance(n int) error {
	if it.terminated {
		return io.EOF
	}

	newOffset := it.deFileOffset + int64(n)*DentrySize
	clusterSize := int64(it.ctx.ClusterSize)

	for newOffset >= it.buf[it.cur].offset+clusterSize {
		if err := it.flushBuffer(it.cur); err != nil {
			return err
		}

		leaving := it.cur
		it.cur = 1 - it.cur

		if !it.buf[it.cur].valid {
			it.terminated = true
			it.deFileOffset = newOffset

			return nil
		}

		next, err := it.ctx.NextInodeCluster(it.inode, it.buf[it.cur].pClus)
		if err != nil {
			return err
		}

		if next == EndOfChain || !it.ctx.IsValidCluster(next) {
			it.buf[leaving].valid = false
		} else if err := it.load(leaving, next, it.buf[it.cur].offset+clusterSize); err != nil {
			return err
		}
	}

	it.deFileOffset = newOffset

	return nil
}

// Flush writes every dirty sector of both buffers back to device. Safe to
// call repeatedly.
func (it *DirEntryIter) Flush() error {
	for i := range it.buf {
		if err := it.flushBuffer(i); err != nil {
			return err
		}
	}

	return nil
}

// DeviceOffset returns the absolute device byte offset of the current
// (index 0) dentry.
func (it *DirEntryIter) DeviceOffset() int64 {
	return it.ctx.ClusterOffset(it.buf[it.cur].pClus) + (it.deFileOffset - it.buf[it.cur].offset)
}

// FileOffset returns the directory-relative byte offset of the current
// (index 0) dentry.
func (it *DirEntryIter) FileOffset() int64 {
	return it.deFileOffset
}
