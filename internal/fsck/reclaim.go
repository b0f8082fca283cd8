package fsck

import (
	"bytes"
	"io"

	iexfat "github.com/dsoprea/go-exfatfsck/internal/exfat"
	"github.com/dsoprea/go-logging"
)

// Reclaim writes dirty FAT entries and bitmap differences back to the
// device. It runs once, strictly after all traversal completes, and only
// when an accepted repair touched the FAT. Each pass streams cluster-sized
// windows through one reused buffer with per-sector writeback; it does not
// use the directory iterator's two-buffer read-ahead.
func (ck *Checker) Reclaim() error {
	if err := ck.writeDirtyFat(); err != nil {
		return err
	}

	return ck.writeDirtyBitmap()
}

// writeDirtyFat reads the FAT a cluster's worth of entries at a time and,
// for every cluster the in-memory bitmap says is free but whose FAT entry is
// not FreeCluster, overwrites the entry with FreeCluster; only the sectors
// actually touched are written back.
func (ck *Checker) writeDirtyFat() error {
	ctx := ck.Ctx

	readSize := uint64(ctx.ClusterSize)
	writeSize := uint64(ctx.SectorSize)

	buf := make([]byte, readSize)
	dirty := make([]bool, readSize/writeSize)

	lastClus := uint64(ctx.ClusterCount) + iexfat.FirstHeapCluster
	clus := uint64(0)
	offset := int64(ctx.FatOffset)

	for clus < lastClus {
		clusCount := readSize / 4
		if lastClus-clus < clusCount {
			clusCount = lastClus - clus
		}

		window := buf[:clusCount*4]

		n, err := ctx.Dev.ReadAt(window, offset)
		if err != nil && err != io.EOF {
			return iexfat.Wrap(iexfat.ErrIO, err)
		}

		if n != len(window) {
			return iexfat.Wrap(iexfat.ErrIO, log.Errorf("short FAT read at offset (%d)", offset))
		}

		for i := range dirty {
			dirty[i] = false
		}

		start := clus
		if start < iexfat.FirstHeapCluster {
			start = iexfat.FirstHeapCluster
		}

		for i := start; i < clus+clusCount; i++ {
			entry := window[(i-clus)*4:]

			if !ctx.AllocBitmap.Get(uint32(i)) &&
				defaultByteOrder.Uint32(entry) != iexfat.FreeCluster {
				defaultByteOrder.PutUint32(entry, iexfat.FreeCluster)
				dirty[(i-clus)*4/writeSize] = true
			}
		}

		for i := uint64(0); i < uint64(len(window)); i += writeSize {
			if !dirty[i/writeSize] {
				continue
			}

			end := i + writeSize
			if end > uint64(len(window)) {
				end = uint64(len(window))
			}

			n, err := ctx.Dev.WriteAt(window[i:end], offset+int64(i))
			if err != nil {
				return iexfat.Wrap(iexfat.ErrIO, err)
			}

			if uint64(n) != end-i {
				return iexfat.Wrap(iexfat.ErrIO, log.Errorf("short FAT write at offset (%d)", offset+int64(i)))
			}
		}

		clus += clusCount
		offset += int64(len(window))
	}

	return nil
}

// writeDirtyBitmap reads the on-disk bitmap in cluster-sized windows and
// rewrites every sector-sized region that differs from the in-memory
// allocation bitmap.
func (ck *Checker) writeDirtyBitmap() error {
	ctx := ck.Ctx

	readSize := int64(ctx.ClusterSize)
	writeSize := int64(ctx.SectorSize)

	offset := ctx.ClusterOffset(ctx.DiskBitmapFirstCluster)
	lastOffset := offset + int64(ctx.DiskBitmapSize)
	bitmapOffset := int64(0)

	mem := ctx.AllocBitmap.Bytes()

	buf := make([]byte, readSize)

	for offset < lastOffset {
		length := readSize
		if lastOffset-offset < length {
			length = lastOffset - offset
		}

		window := buf[:length]

		n, err := ctx.Dev.ReadAt(window, offset)
		if err != nil && err != io.EOF {
			return iexfat.Wrap(iexfat.ErrIO, err)
		}

		if int64(n) != length {
			return iexfat.Wrap(iexfat.ErrIO, log.Errorf("short bitmap read at offset (%d)", offset))
		}

		for i := int64(0); i < length; i += writeSize {
			size := writeSize
			if length-i < size {
				size = length - i
			}

			memChunk := mem[bitmapOffset+i : bitmapOffset+i+size]

			if bytes.Equal(window[i:i+size], memChunk) {
				continue
			}

			n, err := ctx.Dev.WriteAt(memChunk, offset+i)
			if err != nil {
				return iexfat.Wrap(iexfat.ErrIO, err)
			}

			if int64(n) != size {
				return iexfat.Wrap(iexfat.ErrIO, log.Errorf("short bitmap write at offset (%d)", offset+i))
			}
		}

		offset += length
		bitmapOffset += length
	}

	return nil
}
