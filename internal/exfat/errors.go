// Package exfat implements the read/write structures a consistency checker
// needs: cluster-chain navigation, the allocation bitmap, the directory-entry
// iterator, the lookup engine, and the dentry-set builder and allocator.
package exfat

import "fmt"

// ErrorKind classifies a failure the way the fsck core does: every
// operation returns one of these instead of an ad-hoc error string, so the
// checker can translate failures into statistics and a single exit code.
type ErrorKind int

const (
	// ErrIO covers a short read/write or a device that has gone away.
	ErrIO ErrorKind = iota + 1

	// ErrOutOfMemory covers allocation failure on any buffer.
	ErrOutOfMemory

	// ErrInvalidFormat covers PBR fields out of range, OEM mismatch,
	// unsupported revision, or unsupported FAT count.
	ErrInvalidFormat

	// ErrInvalidChain covers a cluster index outside the heap, or a chain
	// inconsistency that wasn't offered for repair or was declined.
	ErrInvalidChain

	// ErrNoSpace covers an allocation that could not find a free cluster.
	ErrNoSpace

	// ErrCorrupt covers a structural inconsistency that could not be, or
	// was not, repaired.
	ErrCorrupt

	// ErrOutOfRange covers a peek index beyond max_skip_dentries.
	ErrOutOfRange

	// ErrInvalidDentrySet covers a dentry-count mismatch during an update.
	ErrInvalidDentrySet
)

func (k ErrorKind) String() string {
	switch k {
	case ErrIO:
		return "IoError"
	case ErrOutOfMemory:
		return "OutOfMemory"
	case ErrInvalidFormat:
		return "InvalidFormat"
	case ErrInvalidChain:
		return "InvalidChain"
	case ErrNoSpace:
		return "NoSpace"
	case ErrCorrupt:
		return "Corrupt"
	case ErrOutOfRange:
		return "OutOfRange"
	case ErrInvalidDentrySet:
		return "InvalidDentrySet"
	default:
		return "Unknown"
	}
}

// Error wraps a taxonomic ErrorKind around an underlying cause.
type Error struct {
	Kind  ErrorKind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Wrap constructs a taxonomic Error. cause may be nil.
func Wrap(kind ErrorKind, cause error) error {
	return &Error{Kind: kind, Cause: cause}
}

// KindOf returns the ErrorKind of err if it (or something it wraps) is an
// *Error, and false otherwise.
func KindOf(err error) (ErrorKind, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind, true
		}

		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}

		err = u.Unwrap()
	}

	return 0, false
}
