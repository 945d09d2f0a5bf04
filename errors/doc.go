// Package errors defines the failure taxonomy shared by engine, reactor and pool.
//
// Every *Error names a Phase (the lifecycle step that failed) and a Kind (what
// went wrong). It may also carry the filter text, the raw engine status and an
// underlying cause, which is enough to diagnose a failure without re-running it.
//
// Build one field by field:
//
//	err := errors.New(errors.PhaseEvaluate, errors.KindCompile).
//		Filter(".foo |").
//		Status(-1).
//		Detail("syntax error").
//		Build()
//
// or through the constructors for the common cases:
//
//	err := errors.CompileFailed(filter, -1, stderr)
//	err := errors.UnexpectedStatus(-7, filter)
//
// Kinds split into reusable outcomes (caller errors, compile errors, bounded
// overflow) and fatal ones (init, allocation, trap, unknown status). Use
// IsRecoverable and IsFatal to decide whether an engine instance may be reused.
//
// errors.Is matches two *Error values by Phase and Kind; errors.As and
// Unwrap reach the cause.
package errors
