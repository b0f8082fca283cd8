package exfat

import (
	"time"

	"github.com/go-restruct/restruct"
)

// pack serializes a layout struct into its 32-byte on-disk form.
func pack(v interface{}) ([]byte, error) {
	raw, err := restruct.Pack(defaultByteOrder, v)
	if err != nil {
		return nil, Wrap(ErrOutOfMemory, err)
	}

	return raw, nil
}

func unpack(raw []byte, v interface{}) error {
	if err := restruct.Unpack(raw, defaultByteOrder, v); err != nil {
		return Wrap(ErrCorrupt, err)
	}

	return nil
}

// BuildFileDentrySet constructs a File + Stream + Name* dentry set for a
// brand-new file, with the set checksum computed and stored.
func BuildFileDentrySet(upcase []uint16, name string, attr uint16, now time.Time) (raw []byte, dcount int, err error) {
	units, err := EncodeUTF16(name)
	if err != nil {
		return nil, 0, err
	}

	if len(units) > MaxNameLength {
		return nil, 0, Wrap(ErrInvalidFormat, nil)
	}

	nameDentries := (len(units) + NameDentryCodeUnits - 1) / NameDentryCodeUnits
	if nameDentries == 0 {
		nameDentries = 1 // an empty name still reserves one Name dentry's room
	}

	dcount = 2 + nameDentries

	packed, tenMs := EncodeTimestamp(now)

	primary := FileDentry{
		EntryType:         TypeFile,
		SecondaryCount:    uint8(dcount - 1),
		Attributes:        attr,
		CreateTimestamp:   packed,
		ModifiedTimestamp: packed,
		AccessedTimestamp: packed,
		Create10ms:        tenMs,
		Modified10ms:      tenMs,
		CreateUTCOffset:   TimezoneUTCValid,
		ModifiedUTCOffset: TimezoneUTCValid,
		AccessedUTCOffset: TimezoneUTCValid,
	}

	primaryRaw, err := pack(primary)
	if err != nil {
		return nil, 0, err
	}

	stream := StreamDentry{
		EntryType:  TypeStream,
		Flags:      StreamFlagAllocPossible,
		NameLength: uint8(len(units)),
		NameHash:   NameHash(upcase, units),
	}

	streamRaw, err := pack(stream)
	if err != nil {
		return nil, 0, err
	}

	raw = make([]byte, dcount*DentrySize)
	copy(raw[0:], primaryRaw)
	copy(raw[DentrySize:], streamRaw)

	remaining := units
	for i := 0; i < nameDentries; i++ {
		var chunk [NameDentryCodeUnits]uint16

		n := copy(chunk[:], remaining)
		if n < len(remaining) {
			remaining = remaining[n:]
		} else {
			remaining = nil
		}

		nameEntry := NameDentry{
			EntryType: TypeName,
		}

		for j, u := range chunk {
			nameEntry.Name[j*2] = byte(u)
			nameEntry.Name[j*2+1] = byte(u >> 8)
		}

		nameRaw, err := pack(nameEntry)
		if err != nil {
			return nil, 0, err
		}

		copy(raw[(2+i)*DentrySize:], nameRaw)
	}

	chk := SetChecksum(raw)
	raw[2] = byte(chk)
	raw[3] = byte(chk >> 8)

	return raw, dcount, nil
}

// UpdateFileDentrySet rewrites a copy of raw: optionally re-encodes the
// name (validating the dentry count doesn't change), sets valid_size/size
// from clusterCount, optionally sets start_clu, and recomputes the set
// checksum.
func UpdateFileDentrySet(upcase []uint16, raw []byte, dcount int, newName *string, startClu uint32, clusterCount uint32, clusterSize uint32) ([]byte, error) {
	out := make([]byte, len(raw))
	copy(out, raw)

	if newName != nil {
		units, err := EncodeUTF16(*newName)
		if err != nil {
			return nil, err
		}

		nameDentries := (len(units) + NameDentryCodeUnits - 1) / NameDentryCodeUnits
		if nameDentries == 0 {
			nameDentries = 1
		}

		if 2+nameDentries != dcount {
			return nil, Wrap(ErrInvalidDentrySet, nil)
		}

		var stream StreamDentry
		if err := unpack(out[DentrySize:2*DentrySize], &stream); err != nil {
			return nil, err
		}

		stream.NameLength = uint8(len(units))
		stream.NameHash = NameHash(upcase, units)

		streamRaw, err := pack(stream)
		if err != nil {
			return nil, err
		}

		copy(out[DentrySize:], streamRaw)

		remaining := units
		for i := 0; i < nameDentries; i++ {
			var chunk [NameDentryCodeUnits]uint16

			n := copy(chunk[:], remaining)
			if n < len(remaining) {
				remaining = remaining[n:]
			} else {
				remaining = nil
			}

			var nameEntry NameDentry
			nameEntry.EntryType = TypeName

			for j, u := range chunk {
				nameEntry.Name[j*2] = byte(u)
				nameEntry.Name[j*2+1] = byte(u >> 8)
			}

			nameRaw, err := pack(nameEntry)
			if err != nil {
				return nil, err
			}

			copy(out[(2+i)*DentrySize:], nameRaw)
		}
	}

	var stream StreamDentry
	if err := unpack(out[DentrySize:2*DentrySize], &stream); err != nil {
		return nil, err
	}

	size := uint64(clusterCount) * uint64(clusterSize)
	stream.ValidDataLength = size
	stream.DataLength = size

	if startClu != 0 {
		stream.FirstCluster = startClu
	}

	streamRaw, err := pack(stream)
	if err != nil {
		return nil, err
	}

	copy(out[DentrySize:], streamRaw)

	chk := SetChecksum(out)
	out[2] = byte(chk)
	out[3] = byte(chk >> 8)

	return out, nil
}
