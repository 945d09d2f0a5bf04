package wasmjq

import (
	"fmt"
	"strings"
)

// Flags is the option bitmask passed to the engine's process entry point.
// Bit values are part of the engine ABI and must not change.
type Flags uint32

const (
	// FlagSlurp collects every parsed input value into one array before evaluation.
	FlagSlurp Flags = 1 << iota
	// FlagNullInput evaluates the filter once against null; the filter may
	// still pull values from the input with `input`/`inputs`.
	FlagNullInput
	// FlagCompact emits output without indentation or whitespace.
	FlagCompact
	// FlagSortKeys emits object keys in sorted order.
	FlagSortKeys

	flagMask = FlagSlurp | FlagNullInput | FlagCompact | FlagSortKeys
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagSlurp, "slurp"},
	{FlagNullInput, "null-input"},
	{FlagCompact, "compact"},
	{FlagSortKeys, "sort-keys"},
}

// Has reports whether every bit of x is set in f.
func (f Flags) Has(x Flags) bool {
	return f&x == x
}

// Valid reports whether f only contains known bits.
func (f Flags) Valid() bool {
	return f&^flagMask == 0
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			parts = append(parts, fn.name)
		}
	}
	if rest := f &^ flagMask; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseFlags converts option names (as printed by Flags.String) into a bitmask.
// Underscores are accepted in place of dashes.
func ParseFlags(names []string) (Flags, error) {
	var f Flags
	for _, raw := range names {
		name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "_", "-")
		if name == "" || name == "none" {
			continue
		}
		found := false
		for _, fn := range flagNames {
			if fn.name == name {
				f |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown flag %q", raw)
		}
	}
	return f, nil
}

// Options is the named-boolean form of Flags.
type Options struct {
	Slurp     bool `yaml:"slurp" json:"slurp"`
	NullInput bool `yaml:"null_input" json:"null_input"`
	Compact   bool `yaml:"compact" json:"compact"`
	SortKeys  bool `yaml:"sort_keys" json:"sort_keys"`
}

// Flags returns the bitmask equivalent of o.
func (o Options) Flags() Flags {
	var f Flags
	if o.Slurp {
		f |= FlagSlurp
	}
	if o.NullInput {
		f |= FlagNullInput
	}
	if o.Compact {
		f |= FlagCompact
	}
	if o.SortKeys {
		f |= FlagSortKeys
	}
	return f
}
