package exfat

import (
	"encoding/binary"

	"golang.org/x/text/encoding/unicode"
)

// NameDentryCodeUnits is the number of UTF-16 code units packed per Name
// dentry.
const NameDentryCodeUnits = 15

// MaxNameLength is exFAT's cap of 255 UTF-16 code units per file name.
const MaxNameLength = 255

var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// EncodeUTF16 converts a UTF-8 name into exFAT's on-disk UTF-16LE code
// units. Uses golang.org/x/text/encoding/unicode instead of a hand-rolled
// byte swap so surrogate pairs round-trip correctly.
func EncodeUTF16(name string) ([]uint16, error) {
	enc := utf16LE.NewEncoder()

	b, err := enc.Bytes([]byte(name))
	if err != nil {
		return nil, Wrap(ErrInvalidFormat, err)
	}

	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}

	return units, nil
}

// DecodeUTF16 converts exFAT UTF-16LE code units back into a UTF-8 string.
func DecodeUTF16(units []uint16) (string, error) {
	b := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[i*2:], u)
	}

	dec := utf16LE.NewDecoder()

	out, err := dec.Bytes(b)
	if err != nil {
		return "", Wrap(ErrInvalidFormat, err)
	}

	return string(out), nil
}

// rotr1 rotates a 16-bit checksum accumulator right by one bit.
func rotr1(chk uint16) uint16 {
	return (chk >> 1) | (chk << 15)
}

// NameHash computes the hash stored in a stream dentry: the upcased code
// units of the name, low byte then high byte of each unit, folded through
// rotr1.
func NameHash(upcase []uint16, units []uint16) uint16 {
	var chk uint16

	for _, u := range units {
		up := u
		if int(u) < len(upcase) {
			up = upcase[u]
		}

		chk = rotr1(chk) + uint16(up&0xff)
		chk = rotr1(chk) + uint16(up>>8)
	}

	return chk
}
