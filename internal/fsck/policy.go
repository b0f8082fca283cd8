// Package fsck implements the top-level exFAT consistency checker: the
// inode tree and path resolver, the BFS directory-validation state machine,
// the reclaim writer, and the repair-decision policy.
package fsck

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// RepairCode names a discovered inconsistency, so RepairPolicy can map each
// one to a decision independently of how it was discovered.
type RepairCode int

const (
	RepairFileFirstClus RepairCode = iota + 1
	RepairDuplicateCluster
	RepairInvalidCluster
	RepairFileLargerSize
	RepairFileSmallerSize
	RepairChecksumMismatch
	RepairZeroSizeNoFatChain
	RepairValidSizeTooLarge
	RepairBootRegion
)

func (c RepairCode) String() string {
	switch c {
	case RepairFileFirstClus:
		return "FileFirstClus"
	case RepairDuplicateCluster:
		return "DuplicateCluster"
	case RepairInvalidCluster:
		return "InvalidCluster"
	case RepairFileLargerSize:
		return "FileLargerSize"
	case RepairFileSmallerSize:
		return "FileSmallerSize"
	case RepairChecksumMismatch:
		return "ChecksumMismatch"
	case RepairZeroSizeNoFatChain:
		return "ZeroSizeNoFatChain"
	case RepairValidSizeTooLarge:
		return "ValidSizeTooLarge"
	case RepairBootRegion:
		return "BootRegion"
	default:
		return "Unknown"
	}
}

// isSafe reports whether a code is "safe" enough for auto mode to accept
// unattended.
func (c RepairCode) isSafe() bool {
	switch c {
	case RepairChecksumMismatch, RepairValidSizeTooLarge, RepairZeroSizeNoFatChain:
		return true
	default:
		return false
	}
}

// touchesFat reports whether accepting this repair requires the FAT
// reclaim pass to run afterward.
func (c RepairCode) touchesFat() bool {
	switch c {
	case RepairDuplicateCluster, RepairInvalidCluster, RepairFileLargerSize, RepairFileSmallerSize:
		return true
	default:
		return false
	}
}

// RepairMode is the CLI-selected policy (-r/-y/-n/-a).
type RepairMode int

const (
	ModeNo RepairMode = iota
	ModeAsk
	ModeYes
	ModeAuto
)

// IsWriteMode reports whether the mode may write to the device: every mode
// but ModeNo.
func (m RepairMode) IsWriteMode() bool {
	return m != ModeNo
}

// RepairPolicy is the single decision function threaded through the
// checker, tracking whether any repair was accepted (Dirty) and whether any
// accepted repair touched the FAT (DirtyFat).
type RepairPolicy struct {
	Mode   RepairMode
	Prompt io.Reader
	Out    io.Writer

	Dirty    bool
	DirtyFat bool
}

// NewRepairPolicy builds a policy reading Y/N answers from in and writing
// prompts/log lines to out.
func NewRepairPolicy(mode RepairMode, in io.Reader, out io.Writer) *RepairPolicy {
	return &RepairPolicy{Mode: mode, Prompt: in, Out: out}
}

// Ask decides one repair. It returns true if the repair is accepted.
func (p *RepairPolicy) Ask(code RepairCode, message string) bool {
	accept := p.decide(code, message)

	if accept {
		p.Dirty = true

		if code.touchesFat() {
			p.DirtyFat = true
		}

		fmt.Fprintf(p.Out, "%s: fixed\n", message)
	} else {
		fmt.Fprintf(p.Out, "%s: left uncorrected\n", message)
	}

	return accept
}

func (p *RepairPolicy) decide(code RepairCode, message string) bool {
	switch p.Mode {
	case ModeYes:
		return true
	case ModeNo:
		return false
	case ModeAuto:
		return code.isSafe()
	case ModeAsk:
		fmt.Fprintf(p.Out, "%s (y/N)? ", message)

		scanner := bufio.NewScanner(p.Prompt)
		if !scanner.Scan() {
			return false
		}

		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))

		return answer == "y" || answer == "yes"
	default:
		return false
	}
}
