package fsck

import (
	"github.com/hashicorp/go-multierror"
)

// Exit codes, following the fsck convention. They're ORed together in
// Stats.ExitCode.
const (
	ExitClean          = 0
	ExitCorrected      = 1
	ExitNeedReboot     = 2
	ExitErrorsLeft     = 4
	ExitOperationError = 8
	ExitSyntaxError    = 16
	ExitUserCancel     = 32
	ExitLibraryError   = 128
)

// Stats accumulates the outcome of a check/repair run: whether anything was
// corrected, whether anything was left uncorrected, and every non-fatal
// finding along the way (declined repairs, unknown-entry warnings). Codes
// never observe each other across files -- each file's findings are
// recorded independently.
type Stats struct {
	Corrected  bool
	ErrorsLeft bool

	DirCount   int
	FileCount  int
	ErrorCount int
	FixedCount int

	Findings *multierror.Error
}

// Record appends a non-fatal finding (a warning or a declined repair) to
// the accumulated list, using go-multierror so Stats.Findings keeps every
// one of them alongside the single taxonomic exit code.
func (s *Stats) Record(err error) {
	s.Findings = multierror.Append(s.Findings, err)
}

// NoteRepair folds a single repair decision into the running totals.
func (s *Stats) NoteRepair(accepted bool) {
	if accepted {
		s.Corrected = true
	} else {
		s.ErrorsLeft = true
	}
}

// ExitCode computes the taxonomic exit code from what was observed. It does
// not account for operation-level failures (IoError during reclaim,
// syntax errors, user cancellation) -- those are returned directly by the
// Checker's methods and mapped to their own codes by cmd/exfatfsck.
func (s *Stats) ExitCode() int {
	code := ExitClean

	if s.Corrected {
		code |= ExitCorrected
	}

	if s.ErrorsLeft {
		code |= ExitErrorsLeft
	}

	return code
}
