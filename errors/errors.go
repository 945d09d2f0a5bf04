package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in the request lifecycle the error occurred
type Phase string

const (
	PhaseLoad        Phase = "load"        // module compilation and export checks
	PhaseInstantiate Phase = "instantiate" // instance creation
	PhaseRequest     Phase = "request"     // request validation, before the engine is touched
	PhaseMarshal     Phase = "marshal"     // host to engine memory
	PhaseEvaluate    Phase = "evaluate"    // the process call
	PhaseRetrieve    Phase = "retrieve"    // engine memory to host
	PhasePool        Phase = "pool"        // borrow/return/discard
)

// Kind categorizes the error
type Kind string

const (
	KindInvalidInput     Kind = "invalid_input"
	KindLoanTerminated   Kind = "loan_terminated"
	KindConcurrentUse    Kind = "concurrent_use"
	KindCompile          Kind = "compile"
	KindOverflow         Kind = "overflow"
	KindInit             Kind = "init"
	KindAllocation       Kind = "allocation"
	KindUnexpectedStatus Kind = "unexpected_status"
	KindTrap             Kind = "trap"
	KindClosed           Kind = "closed"
	KindOutOfBounds      Kind = "out_of_bounds"
	KindMissingExport    Kind = "missing_export"
	KindUnsupported      Kind = "unsupported"
	KindInvalidData      Kind = "invalid_data"
)

// Error is the structured error type used throughout the module
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Filter string
	Detail string
	Status int32
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Status != 0 {
		b.WriteString(" (status ")
		fmt.Fprintf(&b, "%d", e.Status)
		b.WriteByte(')')
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Filter != "" {
		b.WriteString(" in filter ")
		b.WriteString(quoteFilter(e.Filter))
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

func quoteFilter(filter string) string {
	const maxLen = 64
	if len(filter) > maxLen {
		return fmt.Sprintf("%q...", filter[:maxLen])
	}
	return fmt.Sprintf("%q", filter)
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Filter sets the offending filter text
func (b *Builder) Filter(filter string) *Builder {
	b.err.Filter = filter
	return b
}

// Status sets the raw engine status
func (b *Builder) Status(status int32) *Builder {
	b.err.Status = status
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Classification

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsCallerError reports whether err was caused by API misuse and never reached the engine.
func IsCallerError(err error) bool {
	switch KindOf(err) {
	case KindInvalidInput, KindLoanTerminated, KindConcurrentUse:
		return true
	}
	return false
}

// IsRecoverable reports whether the engine instance that produced err is
// known to be safe for another request.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	if IsCallerError(err) {
		return true
	}
	switch KindOf(err) {
	case KindCompile, KindOverflow:
		return true
	}
	return false
}

// IsFatal reports whether the engine instance that produced err must be destroyed.
func IsFatal(err error) bool {
	return err != nil && !IsRecoverable(err)
}

// Convenience constructors for common error patterns

// InvalidInput creates a caller error for a malformed request
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// MissingField creates a caller error for a request field that was never set
func MissingField(field string) *Error {
	return &Error{
		Phase:  PhaseRequest,
		Kind:   KindInvalidInput,
		Detail: fmt.Sprintf("%s not set", field),
	}
}

// TooLarge creates a caller error for a buffer that does not fit the 32-bit engine ABI
func TooLarge(field string, size int) *Error {
	return &Error{
		Phase:  PhaseRequest,
		Kind:   KindInvalidInput,
		Detail: fmt.Sprintf("%s of %d bytes exceeds the engine address space", field, size),
		Value:  size,
	}
}

// CompileFailed creates an error for a filter the engine rejected
func CompileFailed(filter string, status int32, diagnostics string) *Error {
	e := &Error{
		Phase:  PhaseEvaluate,
		Kind:   KindCompile,
		Filter: filter,
		Status: status,
		Detail: "filter compilation failed",
	}
	if diagnostics = strings.TrimSpace(diagnostics); diagnostics != "" {
		e.Detail = diagnostics
	}
	return e
}

// InitFailed creates an error for an engine that could not initialize
func InitFailed(status int32, cause error) *Error {
	return &Error{
		Phase:  PhaseEvaluate,
		Kind:   KindInit,
		Status: status,
		Detail: "engine initialization failed",
		Cause:  cause,
	}
}

// OutputOverflow creates an error for output that exceeds the largest allowed region
func OutputOverflow(status int32, limit uint32) *Error {
	return &Error{
		Phase:  PhaseEvaluate,
		Kind:   KindOverflow,
		Status: status,
		Detail: fmt.Sprintf("output exceeds %d bytes", limit),
		Value:  limit,
	}
}

// UnexpectedStatus creates an error for a status outside the known taxonomy
func UnexpectedStatus(status int32, filter string) *Error {
	return &Error{
		Phase:  PhaseEvaluate,
		Kind:   KindUnexpectedStatus,
		Status: status,
		Filter: filter,
		Detail: "unexpected engine failure",
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(phase Phase, size uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes", size),
		Value:  size,
	}
}

// Trap wraps a failed call into the guest
func Trap(phase Phase, export string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTrap,
		Detail: fmt.Sprintf("call %s", export),
		Cause:  cause,
	}
}

// OutOfBounds creates an error for a region outside guest memory
func OutOfBounds(phase Phase, offset, length, size uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("region [%d, +%d) outside memory of %d bytes", offset, length, size),
		Value:  offset,
	}
}

// Closed creates an error for use of a destroyed handle or closed pool
func Closed(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: fmt.Sprintf("%s is closed", what),
	}
}

// LoanTerminated creates an error for use of a returned or discarded loan
func LoanTerminated(how string) *Error {
	return &Error{
		Phase:  PhasePool,
		Kind:   KindLoanTerminated,
		Detail: fmt.Sprintf("loan already %s", how),
	}
}

// ConcurrentUse creates an error for overlapping runs on one reactor
func ConcurrentUse(what string) *Error {
	return &Error{
		Phase:  PhaseRequest,
		Kind:   KindConcurrentUse,
		Detail: fmt.Sprintf("%s is already running", what),
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseInstantiate,
		Kind:   KindInit,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// Load creates a module loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// MissingExportsError is returned when a module lacks entry points the engine ABI requires
type MissingExportsError struct {
	Exports []string
}

// NewMissingExportsError creates an error from a list of export names
func NewMissingExportsError(names []string) *MissingExportsError {
	return &MissingExportsError{Exports: append([]string(nil), names...)}
}

func (e *MissingExportsError) Error() string {
	if len(e.Exports) == 0 {
		return "[load] missing_export: no exports specified"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "module is missing %d required export(s):", len(e.Exports))
	for _, name := range e.Exports {
		b.WriteString("\n  - ")
		b.WriteString(name)
	}
	return b.String()
}

// Is reports whether target matches this error type
func (e *MissingExportsError) Is(target error) bool {
	if _, ok := target.(*MissingExportsError); ok {
		return true
	}
	if t, ok := target.(*Error); ok {
		return t.Phase == PhaseLoad && t.Kind == KindMissingExport
	}
	return false
}
