package fsck

import (
	"encoding/binary"
	"time"

	iexfat "github.com/dsoprea/go-exfatfsck/internal/exfat"
	"github.com/dsoprea/go-logging"
)

// Fixture geometry: 512-byte sectors, 4 KiB clusters, FAT at sector 24,
// heap at sector 32, 16 heap clusters. Cluster 2 holds the allocation
// bitmap, cluster 3 the upcase table, cluster 4 the root directory.
const (
	fxSectorSize   = 512
	fxClusterSize  = 4096
	fxClusterCount = 16

	fxFatOffset  = 24 * fxSectorSize
	fxHeapOffset = 32 * fxSectorSize

	fxBitmapCluster = 2
	fxUpcaseCluster = 3
	fxRootCluster   = 4
)

var fxBuildTime = time.Date(2021, 3, 9, 18, 0, 2, 0, time.UTC)

// fixture assembles a valid exFAT volume in memory, which individual tests
// then corrupt in targeted ways.
type fixture struct {
	dev    *iexfat.MemoryDevice
	upcase []uint16

	rootEntries []byte
	bitmapBits  []uint32
}

func newFixture() *fixture {
	f := &fixture{
		dev: iexfat.NewMemoryDevice(160 * fxSectorSize),
	}

	f.writeBootRegion(0)
	f.writeBootRegion(12 * fxSectorSize)

	// Upcase table: skip up to 'a', then fold 'a' -> 'A'.
	upcaseRaw := make([]byte, 6)
	binary.LittleEndian.PutUint16(upcaseRaw[0:], 0xFFFF)
	binary.LittleEndian.PutUint16(upcaseRaw[2:], 'a')
	binary.LittleEndian.PutUint16(upcaseRaw[4:], 'A')

	f.writeHeap(fxUpcaseCluster, upcaseRaw)
	f.upcase = iexfat.DecompressUpcase(upcaseRaw)

	// System chains.
	f.setFat(fxBitmapCluster, iexfat.EndOfChain)
	f.setFat(fxUpcaseCluster, iexfat.EndOfChain)
	f.setFat(fxRootCluster, iexfat.EndOfChain)

	f.markAllocated(fxBitmapCluster, fxUpcaseCluster, fxRootCluster)

	// Root directory: volume label, bitmap entry, upcase entry.
	label := f.volumeLabelEntry("TESTVOL")
	bitmapEntry := f.bitmapEntry()
	upcaseEntry := f.upcaseEntry(upcaseRaw)

	f.rootEntries = append(f.rootEntries, label...)
	f.rootEntries = append(f.rootEntries, bitmapEntry...)
	f.rootEntries = append(f.rootEntries, upcaseEntry...)

	return f
}

func (f *fixture) writeBootRegion(baseOffset int64) {
	sector0 := make([]byte, fxSectorSize)

	copy(sector0[0:3], []byte{0xeb, 0x76, 0x90})
	copy(sector0[3:11], []byte("EXFAT   "))

	binary.LittleEndian.PutUint64(sector0[72:], 160) // VolumeLength
	binary.LittleEndian.PutUint32(sector0[80:], 24)  // FatOffset
	binary.LittleEndian.PutUint32(sector0[84:], 8)   // FatLength
	binary.LittleEndian.PutUint32(sector0[88:], 32)  // ClusterHeapOffset
	binary.LittleEndian.PutUint32(sector0[92:], fxClusterCount)
	binary.LittleEndian.PutUint32(sector0[96:], fxRootCluster)
	binary.LittleEndian.PutUint32(sector0[100:], 0xfeedface)

	sector0[104] = 0
	sector0[105] = 1
	sector0[108] = 9 // 512-byte sectors
	sector0[109] = 3 // 8 sectors per cluster
	sector0[110] = 1 // one FAT

	binary.LittleEndian.PutUint16(sector0[510:], 0xaa55)

	_, err := f.dev.WriteAt(sector0, baseOffset)
	log.PanicIf(err)

	region := make([]byte, 11*fxSectorSize)

	_, err = f.dev.ReadAt(region, baseOffset)
	log.PanicIf(err)

	chk := iexfat.BootRegionChecksum(region, fxSectorSize)

	checksumSector := make([]byte, fxSectorSize)
	for i := 0; i < len(checksumSector); i += 4 {
		binary.LittleEndian.PutUint32(checksumSector[i:], chk)
	}

	_, err = f.dev.WriteAt(checksumSector, baseOffset+11*fxSectorSize)
	log.PanicIf(err)
}

func (f *fixture) clusterOffset(c uint32) int64 {
	return fxHeapOffset + int64(c-iexfat.FirstHeapCluster)*fxClusterSize
}

func (f *fixture) writeHeap(c uint32, raw []byte) {
	_, err := f.dev.WriteAt(raw, f.clusterOffset(c))
	log.PanicIf(err)
}

func (f *fixture) setFat(c, next uint32) {
	var raw [4]byte

	binary.LittleEndian.PutUint32(raw[:], next)

	_, err := f.dev.WriteAt(raw[:], fxFatOffset+4*int64(c))
	log.PanicIf(err)
}

// markAllocated records clusters for the on-disk bitmap, written by finish.
func (f *fixture) markAllocated(clusters ...uint32) {
	f.bitmapBits = append(f.bitmapBits, clusters...)
}

func (f *fixture) volumeLabelEntry(label string) []byte {
	raw := make([]byte, iexfat.DentrySize)
	raw[0] = iexfat.TypeVolumeLabel
	raw[1] = byte(len(label))

	for i, r := range label {
		binary.LittleEndian.PutUint16(raw[2+i*2:], uint16(r))
	}

	return raw
}

func (f *fixture) bitmapEntry() []byte {
	raw := make([]byte, iexfat.DentrySize)
	raw[0] = iexfat.TypeBitmap

	binary.LittleEndian.PutUint32(raw[20:], fxBitmapCluster)
	binary.LittleEndian.PutUint64(raw[24:], (fxClusterCount+7)/8)

	return raw
}

func (f *fixture) upcaseEntry(upcaseRaw []byte) []byte {
	raw := make([]byte, iexfat.DentrySize)
	raw[0] = iexfat.TypeUpcase

	binary.LittleEndian.PutUint32(raw[4:], iexfat.UpcaseChecksum(upcaseRaw))
	binary.LittleEndian.PutUint32(raw[20:], fxUpcaseCluster)
	binary.LittleEndian.PutUint64(raw[24:], uint64(len(upcaseRaw)))

	return raw
}

// fileSet builds a complete file dentry set with the stream fields patched
// to the given geometry and the checksum recomputed.
func (f *fixture) fileSet(name string, attr uint16, firstCluster uint32, size uint64, contiguous bool) []byte {
	raw, _, err := iexfat.BuildFileDentrySet(f.upcase, name, attr, fxBuildTime)
	log.PanicIf(err)

	flags := iexfat.StreamFlagAllocPossible
	if contiguous {
		flags |= iexfat.StreamFlagNoFatChain
	}

	raw[iexfat.DentrySize+1] = flags

	binary.LittleEndian.PutUint64(raw[iexfat.DentrySize+8:], size)  // valid_size
	binary.LittleEndian.PutUint32(raw[iexfat.DentrySize+20:], firstCluster)
	binary.LittleEndian.PutUint64(raw[iexfat.DentrySize+24:], size) // size

	chk := iexfat.SetChecksum(raw)
	raw[2] = byte(chk)
	raw[3] = byte(chk >> 8)

	return raw
}

// addRootSet appends raw dentries to the root directory.
func (f *fixture) addRootSet(raw []byte) (deviceOffset int64) {
	deviceOffset = f.clusterOffset(fxRootCluster) + int64(len(f.rootEntries))
	f.rootEntries = append(f.rootEntries, raw...)

	return deviceOffset
}

// finish writes the root directory cluster and the on-disk bitmap, then
// mounts the volume.
func (f *fixture) finish() *iexfat.Context {
	f.writeHeap(fxRootCluster, f.rootEntries)

	bitmapRaw := make([]byte, (fxClusterCount+7)/8)
	for _, c := range f.bitmapBits {
		i := c - iexfat.FirstHeapCluster
		bitmapRaw[i/8] |= 1 << (i % 8)
	}

	f.writeHeap(fxBitmapCluster, bitmapRaw)

	bsh, err := iexfat.ReadPBR(f.dev)
	log.PanicIf(err)

	return NewContext(f.dev, bsh)
}

// readFat reads a raw FAT successor straight off the device.
func (f *fixture) readFat(c uint32) uint32 {
	var raw [4]byte

	_, err := f.dev.ReadAt(raw[:], fxFatOffset+4*int64(c))
	log.PanicIf(err)

	return binary.LittleEndian.Uint32(raw[:])
}

// readDiskBitmapByte reads byte i of the on-disk allocation bitmap.
func (f *fixture) readDiskBitmapByte(i int64) byte {
	var raw [1]byte

	_, err := f.dev.ReadAt(raw[:], f.clusterOffset(fxBitmapCluster)+i)
	log.PanicIf(err)

	return raw[0]
}
