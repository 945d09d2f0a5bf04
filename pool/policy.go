package pool

import "github.com/wippyai/wasm-jq/errors"

// Policy reports whether a Reactor that produced err must be discarded.
type Policy func(err error) bool

// DefaultPolicy keeps Reactors after success, caller errors, compile errors
// and bounded-output overflow; everything else, including errors from
// outside this module, discards.
func DefaultPolicy(err error) bool {
	return errors.IsFatal(err)
}

// ConservativePolicy discards after any error.
func ConservativePolicy(err error) bool {
	return err != nil
}

// PolicyByName maps configuration names to policies.
func PolicyByName(name string) (Policy, bool) {
	switch name {
	case "", "default":
		return DefaultPolicy, true
	case "conservative":
		return ConservativePolicy, true
	}
	return nil, false
}
