package wasmjq

import "strconv"

// Status is the raw value returned by the engine's process entry point.
// Non-negative values are byte counts; negative values are failures.
type Status int32

const (
	// StatusCompileError means the filter was rejected. The instance stays usable.
	StatusCompileError Status = -1
	// StatusOutputOverflow means a caller-provided output region was too small
	// (bounded protocol only). Retrying with a larger region is safe.
	StatusOutputOverflow Status = -2
	// StatusInitError means the engine failed to initialize. The instance is unusable.
	StatusInitError Status = -3
)

// OK reports whether s is a success status.
func (s Status) OK() bool {
	return s >= 0
}

func (s Status) String() string {
	switch {
	case s >= 0:
		return "ok(" + strconv.Itoa(int(s)) + ")"
	case s == StatusCompileError:
		return "compile_error"
	case s == StatusOutputOverflow:
		return "output_overflow"
	case s == StatusInitError:
		return "init_error"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}
