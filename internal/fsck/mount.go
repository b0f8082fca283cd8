package fsck

import (
	"encoding/binary"

	iexfat "github.com/dsoprea/go-exfatfsck/internal/exfat"
	"github.com/dsoprea/go-logging"
)

// volumeFlagDirty is bit 1 of the boot sector's VolumeFlags field: set while
// mutations are in progress, cleared on clean completion.
const volumeFlagDirty = 0x02

// defaultByteOrder matches the on-disk encoding; exFAT is little-endian
// throughout.
var defaultByteOrder = binary.LittleEndian

// NewContext builds the per-volume Context from a validated boot sector,
// converting the sector-denominated offsets to byte offsets once so every
// downstream read computes plain byte arithmetic.
func NewContext(dev iexfat.SizedBlockDevice, bs *iexfat.BootSector) *iexfat.Context {
	sectorSize := bs.SectorSize()

	return &iexfat.Context{
		Dev: dev,

		SectorSize:  sectorSize,
		ClusterSize: bs.ClusterSize(),

		ClusterCount:      bs.ClusterCount,
		ClusterHeapOffset: uint64(bs.ClusterHeapOffset) * uint64(sectorSize),
		FatOffset:         uint64(bs.FatOffset) * uint64(sectorSize),

		RootCluster: bs.FirstClusterOfRootDirectory,
		VolumeFlags: bs.VolumeFlags,

		AllocBitmap: iexfat.NewAllocBitmap(bs.ClusterCount),
		DiskBitmap:  iexfat.NewAllocBitmap(bs.ClusterCount),
	}
}

// MarkVolumeDirty sets or clears the volume-dirty bit in the boot sector's
// VolumeFlags and syncs the device. cmd/exfatfsck sets the bit after
// CheckBootRegion returns, so a boot-region restore is written while the bit
// is still clear; the bit is cleared only after a successful reclamation
// pass.
func MarkVolumeDirty(ctx *iexfat.Context, dirty bool) error {
	flags := ctx.VolumeFlags

	if dirty {
		flags |= volumeFlagDirty
	} else {
		flags &^= volumeFlagDirty
	}

	var raw [2]byte

	binary.LittleEndian.PutUint16(raw[:], flags)

	n, err := ctx.Dev.WriteAt(raw[:], 106)
	if err != nil {
		return iexfat.Wrap(iexfat.ErrIO, err)
	}

	if n != len(raw) {
		return iexfat.Wrap(iexfat.ErrIO, log.Errorf("short volume-flags write"))
	}

	if err := ctx.Dev.Sync(); err != nil {
		return iexfat.Wrap(iexfat.ErrIO, err)
	}

	ctx.VolumeFlags = flags
	ctx.Dirty = dirty

	return nil
}

// CheckBootRegion reads and validates the main boot region, falling back to
// the backup region (sectors 12..23) when the main one is corrupt and the
// repair policy allows restoring it. It returns the validated boot sector.
func CheckBootRegion(dev iexfat.SizedBlockDevice, policy *RepairPolicy) (*iexfat.BootSector, error) {
	bs, err := readBootRegionAt(dev, 0)
	if err == nil {
		return bs, nil
	}

	if kind, ok := iexfat.KindOf(err); !ok || kind != iexfat.ErrInvalidFormat {
		return nil, err
	}

	if !policy.Ask(RepairBootRegion, "boot region is corrupted. try to restore the region from backup") {
		return nil, err
	}

	// Validate the backup before overwriting anything with it.
	sectorSize := probeSectorSize(dev)

	backupOffset := int64(iexfat.BootRegionSectors) * int64(sectorSize)

	bs, err = readBootRegionAt(dev, backupOffset)
	if err != nil {
		return nil, err
	}

	if err := iexfat.RestoreBootRegion(dev, bs.SectorSize()); err != nil {
		return nil, err
	}

	return bs, nil
}

// probeSectorSize reads the sector-size shift straight from the main boot
// sector so the backup region's offset can be computed even when the rest of
// the main region fails validation. A nonsense shift falls back to 512.
func probeSectorSize(dev iexfat.SizedBlockDevice) uint32 {
	var raw [1]byte

	if _, err := dev.ReadAt(raw[:], 108); err != nil {
		return 512
	}

	shift := raw[0]
	if shift < 9 || shift > 12 {
		return 512
	}

	return 1 << shift
}

// readBootRegionAt parses and validates the boot sector at baseOffset, then
// verifies the region's checksum sector.
func readBootRegionAt(dev iexfat.SizedBlockDevice, baseOffset int64) (*iexfat.BootSector, error) {
	bs, err := iexfat.ReadPBRAt(dev, baseOffset)
	if err != nil {
		return nil, err
	}

	ok, err := iexfat.CheckBootRegionChecksum(dev, baseOffset, bs.SectorSize())
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, iexfat.Wrap(iexfat.ErrInvalidFormat, log.Errorf("boot region checksum mismatch"))
	}

	return bs, nil
}
