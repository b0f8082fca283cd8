package exfat

// On-disk record layouts, parsed and packed with restruct against
// defaultByteOrder. Field order and widths follow the exFAT specification
// exactly; only the fields fsck reads or writes get helpers.

// BootSector is the 512-byte boot sector at the head of the main and backup
// boot regions (exFAT specification section 3.1).
type BootSector struct {
	JumpBoot       [3]byte
	FileSystemName [8]byte

	// MustBeZero blanks the range a FAT12/16/32 BPB would occupy, so legacy
	// implementations refuse to mount the volume.
	MustBeZero [53]byte

	PartitionOffset uint64

	// VolumeLength is the volume size in sectors.
	VolumeLength uint64

	// FatOffset and ClusterHeapOffset are volume-relative sector offsets.
	FatOffset         uint32
	FatLength         uint32
	ClusterHeapOffset uint32

	// ClusterCount is the number of clusters in the cluster heap.
	ClusterCount uint32

	FirstClusterOfRootDirectory uint32
	VolumeSerialNumber          uint32

	// FileSystemRevision holds {minor, major}; this tool requires major 1.
	FileSystemRevision [2]uint8

	// VolumeFlags carries the active-FAT, volume-dirty, and media-failure
	// bits. It is excluded from the boot checksum.
	VolumeFlags uint16

	BytesPerSectorShift    uint8
	SectorsPerClusterShift uint8
	NumberOfFats           uint8
	DriveSelect            uint8
	PercentInUse           uint8
	Reserved               [7]byte
	BootCode               [390]byte
	BootSignature          uint16
}

// SectorSize returns the sector size in bytes.
func (bs *BootSector) SectorSize() uint32 {
	return uint32(1) << bs.BytesPerSectorShift
}

// SectorsPerCluster returns the cluster size in sectors.
func (bs *BootSector) SectorsPerCluster() uint32 {
	return uint32(1) << bs.SectorsPerClusterShift
}

// ClusterSize returns the cluster size in bytes.
func (bs *BootSector) ClusterSize() uint32 {
	return bs.SectorSize() * bs.SectorsPerCluster()
}

// FileDentry is the primary entry of a file dentry set (section 7.4). The
// stored SetChecksum covers every byte of the set except its own two.
type FileDentry struct {
	EntryType      byte
	SecondaryCount uint8
	SetChecksum    uint16
	Attributes     uint16
	Reserved1      uint16

	CreateTimestamp   uint32
	ModifiedTimestamp uint32
	AccessedTimestamp uint32

	Create10ms        uint8
	Modified10ms      uint8
	CreateUTCOffset   uint8
	ModifiedUTCOffset uint8
	AccessedUTCOffset uint8

	Reserved2 [7]byte
}

// StreamDentry is the stream-extension secondary (section 7.6): where the
// file's data lives and how big it is.
type StreamDentry struct {
	EntryType byte
	Flags     byte
	Reserved1 byte

	// NameLength counts UTF-16 code units across the set's Name dentries.
	NameLength uint8
	NameHash   uint16
	Reserved2  [2]byte

	// ValidDataLength is how far user data has actually been written; it
	// never legitimately exceeds DataLength.
	ValidDataLength uint64
	Reserved3       [4]byte
	FirstCluster    uint32
	DataLength      uint64
}

// IsContiguous reports the NoFatChain flag: the file occupies
// FirstCluster.. with no FAT traversal.
func (sd *StreamDentry) IsContiguous() bool {
	return sd.Flags&StreamFlagNoFatChain != 0
}

// NameDentry carries 15 UTF-16LE code units of the file name (section 7.7).
type NameDentry struct {
	EntryType byte
	Flags     byte
	Name      [30]byte
}

// BitmapDentry points at the allocation bitmap file (section 7.1).
type BitmapDentry struct {
	EntryType    byte
	BitmapFlags  uint8
	Reserved     [18]byte
	FirstCluster uint32
	DataLength   uint64
}

// UpcaseDentry points at the compressed upcase table (section 7.2).
type UpcaseDentry struct {
	EntryType     byte
	Reserved1     [3]byte
	TableChecksum uint32
	Reserved2     [12]byte
	FirstCluster  uint32
	DataLength    uint64
}
