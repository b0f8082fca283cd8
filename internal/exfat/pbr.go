package exfat

import (
	"github.com/go-restruct/restruct"
)

// BootRegionSectors is the number of sectors each boot region (main or
// backup) occupies: the boot sector plus 8 extended boot sectors, OEM
// parameters, reserved sector, and checksum sector.
const BootRegionSectors = 12

// boot-sector byte offsets excluded from the checksum because they're
// expected to change across a mount.
const (
	offsetVolumeFlags  = 106
	offsetPercentInUse = 112
)

// ReadPBR reads and validates the main boot sector (sector 0).
func ReadPBR(dev SizedBlockDevice) (*BootSector, error) {
	return ReadPBRAt(dev, 0)
}

// ReadPBRAt reads and validates a boot sector at an arbitrary byte offset,
// so the backup boot region (sector 12) can be parsed with the same checks.
func ReadPBRAt(dev SizedBlockDevice, baseOffset int64) (*BootSector, error) {
	raw := make([]byte, 512)

	if _, err := dev.ReadAt(raw, baseOffset); err != nil {
		return nil, Wrap(ErrIO, err)
	}

	var bs BootSector
	if err := restruct.Unpack(raw, defaultByteOrder, &bs); err != nil {
		return nil, Wrap(ErrInvalidFormat, err)
	}

	if err := validatePBR(&bs, dev.Size()); err != nil {
		return nil, err
	}

	return &bs, nil
}

func validatePBR(bs *BootSector, deviceSize int64) error {
	if string(bs.FileSystemName[:]) != "EXFAT   " {
		return Wrap(ErrInvalidFormat, nil)
	}

	if bs.BytesPerSectorShift < 9 || bs.BytesPerSectorShift > 12 {
		return Wrap(ErrInvalidFormat, nil)
	}

	if bs.SectorsPerClusterShift > 25-bs.BytesPerSectorShift {
		return Wrap(ErrInvalidFormat, nil)
	}

	if bs.FileSystemRevision[1] != 1 {
		return Wrap(ErrInvalidFormat, nil)
	}

	if bs.NumberOfFats != 1 {
		// A second FAT implies TexFAT, which this tool doesn't support.
		return Wrap(ErrInvalidFormat, nil)
	}

	if uint64(bs.ClusterSize()) > 32*1024*1024 {
		return Wrap(ErrInvalidFormat, nil)
	}

	if int64(bs.VolumeLength)*int64(bs.SectorSize()) > deviceSize {
		return Wrap(ErrInvalidFormat, nil)
	}

	if int64(bs.ClusterCount)*int64(bs.ClusterSize()) > deviceSize {
		return Wrap(ErrInvalidFormat, nil)
	}

	return nil
}

// BootRegionChecksum implements the exFAT boot-checksum algorithm: a 32-bit
// rolling checksum over the first 11 sectors of a boot region, skipping
// sector 0's VolumeFlags and PercentInUse bytes.
func BootRegionChecksum(region []byte, sectorSize uint32) uint32 {
	var chk uint32

	length := int(11 * sectorSize)

	for i := 0; i < length && i < len(region); i++ {
		if i == offsetVolumeFlags || i == offsetVolumeFlags+1 || i == offsetPercentInUse {
			continue
		}

		chk = (chk<<31 | chk>>1) + uint32(region[i])
	}

	return chk
}

// CheckBootRegionChecksum reads the first 12 sectors starting at baseOffset
// (a main or backup boot region) and verifies the stored checksum sector
// (sector index 11) repeats the computed checksum in every 32-bit word.
func CheckBootRegionChecksum(dev SizedBlockDevice, baseOffset int64, sectorSize uint32) (bool, error) {
	region := make([]byte, 11*int(sectorSize))

	if _, err := dev.ReadAt(region, baseOffset); err != nil {
		return false, Wrap(ErrIO, err)
	}

	computed := BootRegionChecksum(region, sectorSize)

	checksumSector := make([]byte, sectorSize)

	if _, err := dev.ReadAt(checksumSector, baseOffset+int64(11*sectorSize)); err != nil {
		return false, Wrap(ErrIO, err)
	}

	for i := 0; i+4 <= len(checksumSector); i += 4 {
		word := defaultByteOrder.Uint32(checksumSector[i:])
		if word != computed {
			return false, nil
		}
	}

	return true, nil
}

// RestoreBootRegion copies the backup boot region (sectors 12..23) back
// over the main region (sectors 0..11), then forces PercentInUse to 0xFF in
// the restored sector 0, since the backup's value is stale by definition.
func RestoreBootRegion(dev SizedBlockDevice, sectorSize uint32) error {
	region := make([]byte, BootRegionSectors*int(sectorSize))

	backupOffset := int64(BootRegionSectors) * int64(sectorSize)

	if _, err := dev.ReadAt(region, backupOffset); err != nil {
		return Wrap(ErrIO, err)
	}

	region[offsetPercentInUse] = 0xFF

	if _, err := dev.WriteAt(region, 0); err != nil {
		return Wrap(ErrIO, err)
	}

	return nil
}
