package exfat

import (
	"encoding/binary"

	"github.com/dsoprea/go-logging"
)

// NextCluster reads the 4-byte little-endian FAT entry for cluster c and
// returns the raw successor value (which may be FreeCluster, BadCluster,
// EndOfChain, or a heap cluster). An invalid c is rejected before any
// device read.
func (ctx *Context) NextCluster(c uint32) (uint32, error) {
	if !ctx.IsValidCluster(c) {
		return 0, Wrap(ErrInvalidChain, nil)
	}

	var raw [4]byte

	off := int64(ctx.FatOffset) + 4*int64(c)

	if _, err := ctx.Dev.ReadAt(raw[:], off); err != nil {
		return 0, Wrap(ErrIO, err)
	}

	return binary.LittleEndian.Uint32(raw[:]), nil
}

// NextInodeCluster is the contiguous fast path: if the inode is NoFatChain,
// the next cluster is simply c+1 (after validating c); otherwise it
// delegates to NextCluster. The inode is always consulted first rather than
// assuming a bare FAT walk.
func (ctx *Context) NextInodeCluster(inode *Inode, c uint32) (uint32, error) {
	if inode.IsContiguous {
		if !ctx.IsValidCluster(c) {
			return 0, Wrap(ErrInvalidChain, nil)
		}

		return c + 1, nil
	}

	return ctx.NextCluster(c)
}

// SetFat writes `next` into cluster c's FAT slot. An invalid c is rejected
// before any device write.
func (ctx *Context) SetFat(c uint32, next uint32) error {
	if !ctx.IsValidCluster(c) {
		return Wrap(ErrInvalidChain, nil)
	}

	var raw [4]byte

	binary.LittleEndian.PutUint32(raw[:], next)

	off := int64(ctx.FatOffset) + 4*int64(c)

	n, err := ctx.Dev.WriteAt(raw[:], off)
	if err != nil {
		return Wrap(ErrIO, err)
	}

	if n != len(raw) {
		return Wrap(ErrIO, log.Errorf("short FAT write at cluster (%d)", c))
	}

	return nil
}

// WalkChain invokes cb for every cluster in the chain starting at first,
// using the inode's contiguous/FAT-chased successor rule, stopping at
// EndOfChain or when cb returns false. It returns the count of clusters
// visited and the first error encountered, if any.
func (ctx *Context) WalkChain(inode *Inode, first uint32, cb func(c uint32) (bool, error)) (int, error) {
	if first == 0 {
		return 0, nil
	}

	if !ctx.IsValidCluster(first) {
		return 0, Wrap(ErrInvalidChain, nil)
	}

	count := 0
	c := first

	for {
		cont, err := cb(c)
		if err != nil {
			return count, err
		}

		count++

		if !cont {
			return count, nil
		}

		next, err := ctx.NextInodeCluster(inode, c)
		if err != nil {
			return count, err
		}

		if next == EndOfChain {
			return count, nil
		}

		if !ctx.IsValidCluster(next) {
			return count, Wrap(ErrInvalidChain, nil)
		}

		c = next
	}
}
