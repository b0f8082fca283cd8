package exfat

// Reserved FAT entry values.
const (
	FreeCluster uint32 = 0
	BadCluster  uint32 = 0xFFFFFFF7
	EndOfChain  uint32 = 0xFFFFFFFF
)

// Context is the shared state for one mounted volume, threaded explicitly
// through call chains rather than held as process-wide state.
type Context struct {
	Dev SizedBlockDevice

	SectorSize  uint32 // S
	ClusterSize uint32 // C, bytes per cluster

	ClusterCount      uint32 // N
	ClusterHeapOffset uint64 // bytes
	FatOffset         uint64 // bytes

	RootCluster uint32
	VolumeFlags uint16

	AllocBitmap *AllocBitmap // what fsck thinks is allocated
	DiskBitmap  *AllocBitmap // what the stored bitmap says

	DiskBitmapFirstCluster uint32
	DiskBitmapSize         uint64

	UpcaseFirstCluster uint32
	UpcaseSize         uint64
	Upcase             []uint16 // decompressed, indexed 0..65535

	VolumeLabel string

	Root    *Inode
	DirList []*Inode

	// StartClusterHint is the allocator's "next place to start looking".
	StartClusterHint uint32

	// ZeroCluster is a pre-allocated cluster-sized zero buffer the
	// allocator reuses for its zero-fill step.
	ZeroCluster []byte

	Dirty    bool // volume-dirty flag, mirrors VolumeFlags bit 1 while mounted
	DirtyFat bool // not set by the checker; the reclaim pass is gated by RepairPolicy.DirtyFat
}

// ClusterOffset returns the byte offset of the heap data for cluster c. The
// caller must have already validated c with IsValidCluster.
func (ctx *Context) ClusterOffset(c uint32) int64 {
	return int64(ctx.ClusterHeapOffset) + int64(c-FirstHeapCluster)*int64(ctx.ClusterSize)
}

// IsValidCluster reports whether c falls within the heap: 2 <= c < 2+N.
func (ctx *Context) IsValidCluster(c uint32) bool {
	return c >= FirstHeapCluster && c < FirstHeapCluster+ctx.ClusterCount
}

// zeroClusterBuf lazily (re)allocates the zero-fill buffer sized to one
// cluster.
func (ctx *Context) zeroClusterBuf() []byte {
	if ctx.ZeroCluster == nil || uint32(len(ctx.ZeroCluster)) != ctx.ClusterSize {
		ctx.ZeroCluster = make([]byte, ctx.ClusterSize)
	}

	return ctx.ZeroCluster
}
