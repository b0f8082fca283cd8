package exfat

import (
	"encoding/binary"
	"io"
)

// Predicate narrows a type match down to a specific dentry set during a
// lookup. It reports whether the current window position is a match and, if
// so, how many dentries (including the primary) the set spans.
type Predicate func(it *DirEntryIter, param interface{}) (dentryCount int, match bool, err error)

// LookupFilter is the input/output parameter block for LookupDentrySet.
type LookupFilter struct {
	Type      byte
	Predicate Predicate
	Param     interface{}

	DentrySet    []byte // the matched set's raw bytes, owned copy
	DentryCount  int
	DentryOffset int64 // device offset of the match, or of a free-run hint
}

// LookupDentrySet scans parent's directory for the first entry set matching
// filter. Returns nil on match, io.EOF if nothing matched (with
// DentryOffset set to the start of the free run the scan ended in, as a
// free-slot insertion hint, or -1 when the scan did not end in a free run;
// an earlier free run followed by an in-use entry is not kept), or another
// error on I/O/chain failure.
func LookupDentrySet(ctx *Context, parent *Inode, filter *LookupFilter) error {
	it, err := NewDirEntryIter(ctx, parent)
	if err != nil {
		return err
	}

	var freeOffset int64
	lastIsFree := false

	for {
		raw, err := it.Get(0)
		if err == io.EOF {
			break
		}

		if err != nil {
			return err
		}

		entryType := raw[0]
		dentryCount := 1

		if entryType == filter.Type {
			matched := true

			if filter.Predicate != nil {
				dc, m, perr := filter.Predicate(it, filter.Param)
				if perr != nil {
					return perr
				}

				matched = m
				if matched {
					dentryCount = dc
				}
			}

			if matched {
				setBytes := make([]byte, dentryCount*DentrySize)

				for i := 0; i < dentryCount; i++ {
					b, err := it.Get(i)
					if err != nil {
						return err
					}

					copy(setBytes[i*DentrySize:], b)
				}

				filter.DentrySet = setBytes
				filter.DentryCount = dentryCount
				filter.DentryOffset = it.DeviceOffset()

				return nil
			}

			lastIsFree = false
		} else if entryType == TypeLast || IsDeletedVariant(entryType) {
			if !lastIsFree {
				freeOffset = it.DeviceOffset()
				lastIsFree = true
			}
		} else {
			lastIsFree = false
		}

		if err := it.Advance(dentryCount); err != nil {
			if err == io.EOF {
				break
			}

			return err
		}
	}

	if lastIsFree {
		filter.DentryOffset = freeOffset
	} else {
		filter.DentryOffset = -1
	}

	return io.EOF
}

// LookupFile encodes name to UTF-16 and looks for a File dentry set whose
// Name dentries begin with exactly those code units. The stream dentry's
// NameLength is not compared.
func LookupFile(ctx *Context, parent *Inode, name string) (*LookupFilter, error) {
	target, err := EncodeUTF16(name)
	if err != nil {
		return nil, err
	}

	filter := &LookupFilter{
		Type:      TypeFile,
		Predicate: filterLookupFile,
		Param:     target,
	}

	err = LookupDentrySet(ctx, parent, filter)
	if err != nil && err != io.EOF {
		return nil, err
	}

	return filter, err
}

// filterLookupFile matches a File dentry set against a target name: the
// secondary count must cover the needed Name dentries, and the first
// len(target) stored code units must equal the target's; the stream
// NameLength is not compared. A match spans the secondary count plus one.
func filterLookupFile(it *DirEntryIter, param interface{}) (int, bool, error) {
	target := param.([]uint16)

	fileRaw, err := it.Get(0)
	if err != nil {
		return 0, false, err
	}

	numExt := int(fileRaw[1])
	nameLen := len(target)
	needed := 1 + (nameLen+NameDentryCodeUnits-1)/NameDentryCodeUnits

	if numExt < needed {
		return 0, false, nil
	}

	streamRaw, err := it.Get(1)
	if err != nil {
		// A set truncated by the end of the directory cannot match.
		return 0, false, nil
	}

	if streamRaw[0] != TypeStream {
		return 0, false, nil
	}

	remaining := nameLen
	i := 2

	for remaining > 0 {
		nameRaw, err := it.Get(i)
		if err != nil {
			return 0, false, nil
		}

		if nameRaw[0] != TypeName {
			return 0, false, nil
		}

		chunkLen := remaining
		if chunkLen > NameDentryCodeUnits {
			chunkLen = NameDentryCodeUnits
		}

		base := nameLen - remaining

		for j := 0; j < chunkLen; j++ {
			u := binary.LittleEndian.Uint16(nameRaw[2+j*2:])
			if u != target[base+j] {
				return 0, false, nil
			}
		}

		remaining -= chunkLen
		i++
	}

	return numExt + 1, true, nil
}
