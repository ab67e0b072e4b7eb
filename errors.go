package graphexec

import "errors"

// Command buffer errors. State violations, kind mismatches and structural
// mismatches are programming errors on the caller's side; they are reported
// synchronously at the violating call and never downgraded to no-ops.
var (
	// ErrNotRecording is returned when an operation that records or patches
	// nodes is invoked on a finalized buffer outside an update pass.
	ErrNotRecording = errors.New("graphexec: command buffer is finalized")

	// ErrNotFinalized is returned by Submit and Update when the buffer has
	// no instantiated executable yet.
	ErrNotFinalized = errors.New("graphexec: command buffer is not finalized")

	// ErrKindMismatch is returned during an update pass when the operation
	// at the current cursor position was recorded by a different operation
	// kind.
	ErrKindMismatch = errors.New("graphexec: update operation kind differs from recorded node")

	// ErrStructuralMismatch is returned during an update pass when the pass
	// presents more operations, barriers or conditional constructs than
	// were originally recorded, or a conditional construct with a different
	// branch count.
	ErrStructuralMismatch = errors.New("graphexec: update changes command buffer structure")

	// ErrNestedOnly is returned for operations that require a primary
	// command buffer (Finalize instantiation, Submit) when called on a
	// nested one, and vice versa.
	ErrNestedOnly = errors.New("graphexec: operation not valid for this command buffer mode")

	// ErrTooManyBranches is returned by Case when more branches are given
	// than the condition-setter kernel can address.
	ErrTooManyBranches = errors.New("graphexec: case construct exceeds maximum branch count")

	// ErrNoBranches is returned by Case when no branches are given.
	ErrNoBranches = errors.New("graphexec: case construct requires at least one branch")

	// ErrClosed is returned when a destroyed command buffer, executor or
	// stream is used.
	ErrClosed = errors.New("graphexec: use after close")
)
