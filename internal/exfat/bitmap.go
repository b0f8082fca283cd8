package exfat

import (
	"github.com/boljen/go-bitmap"
)

// FirstHeapCluster is the index of the first cluster of the heap; FAT
// entries 0 and 1 are reserved.
const FirstHeapCluster = 2

// AllocBitmap is a bit-packed array keyed by cluster index, used both as the
// in-memory allocation bitmap fsck builds while walking chains and as the
// read-in snapshot of the on-disk bitmap it's compared against. The backing
// store is go-bitmap's Bitmap, whose LSB-first bit order matches the
// on-disk allocation bitmap's.
type AllocBitmap struct {
	bm    bitmap.Bitmap
	count uint32 // number of clusters this bitmap tracks (N)
}

// NewAllocBitmap allocates a bitmap sized for clusterCount (N) clusters, all
// clear.
func NewAllocBitmap(clusterCount uint32) *AllocBitmap {
	return &AllocBitmap{
		bm:    bitmap.New(int(clusterCount)),
		count: clusterCount,
	}
}

// NewAllocBitmapFromBytes wraps an already-populated byte slice (the bytes
// read from the on-disk bitmap file), sized for clusterCount clusters.
func NewAllocBitmapFromBytes(raw []byte, clusterCount uint32) *AllocBitmap {
	return &AllocBitmap{
		bm:    bitmap.Bitmap(raw),
		count: clusterCount,
	}
}

func (ab *AllocBitmap) index(c uint32) (int, bool) {
	if c < FirstHeapCluster || c >= FirstHeapCluster+ab.count {
		return 0, false
	}

	return int(c - FirstHeapCluster), true
}

// Get returns whether cluster c is marked allocated. Out-of-range clusters
// read as false.
func (ab *AllocBitmap) Get(c uint32) bool {
	i, ok := ab.index(c)
	if !ok {
		return false
	}

	return ab.bm.Get(i)
}

// Set marks cluster c allocated. Out-of-range clusters are a no-op.
func (ab *AllocBitmap) Set(c uint32) {
	i, ok := ab.index(c)
	if !ok {
		return
	}

	ab.bm.Set(i, true)
}

// Clear marks cluster c free. Out-of-range clusters are a no-op.
func (ab *AllocBitmap) Clear(c uint32) {
	i, ok := ab.index(c)
	if !ok {
		return
	}

	ab.bm.Set(i, false)
}

// SetRange marks [start, start+count) allocated. A range with either
// endpoint outside the heap is a no-op.
func (ab *AllocBitmap) SetRange(start uint32, count uint32) {
	if count == 0 {
		return
	}

	end := start + count - 1

	if _, ok := ab.index(start); !ok {
		return
	}

	if _, ok := ab.index(end); !ok {
		return
	}

	for c := start; c <= end; c++ {
		ab.Set(c)
	}
}

// FindZeroFrom searches starting at cluster `start` for the first clear bit,
// wrapping around to FirstHeapCluster once if it reaches the end without
// finding one. It returns (cluster, true) on success.
func (ab *AllocBitmap) FindZeroFrom(start uint32) (uint32, bool) {
	if start < FirstHeapCluster {
		start = FirstHeapCluster
	}

	last := FirstHeapCluster + ab.count

	for c := start; c < last; c++ {
		if !ab.Get(c) {
			return c, true
		}
	}

	for c := uint32(FirstHeapCluster); c < start; c++ {
		if !ab.Get(c) {
			return c, true
		}
	}

	return 0, false
}

// Count returns the number of clusters this bitmap tracks (N).
func (ab *AllocBitmap) Count() uint32 {
	return ab.count
}

// Bytes returns a copy of the packed on-disk representation, sized ⌈N/8⌉
// bytes.
func (ab *AllocBitmap) Bytes() []byte {
	out := make([]byte, len(ab.bm))
	copy(out, ab.bm)
	return out
}

// Equal reports whether two bitmaps of the same size agree bit-for-bit.
func (ab *AllocBitmap) Equal(other *AllocBitmap) bool {
	if ab.count != other.count {
		return false
	}

	a := ab.Bytes()
	b := other.Bytes()

	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
