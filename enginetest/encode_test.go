package enginetest

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanKeyOrder(t *testing.T) {
	order := scanKeyOrder([]byte(`{"z":{"y":1,"x":[{"w":"v"}]},"a":"z"} {"b":1,"a":2}`))
	assert.Equal(t, keyOrder{"z": 0, "y": 1, "x": 2, "w": 3, "a": 4, "b": 5}, order)

	partial := scanKeyOrder([]byte(`{"q":1,"p":`))
	assert.Equal(t, keyOrder{"q": 0, "p": 1}, partial)
}

func TestEncoder(t *testing.T) {
	value := map[string]any{
		"zeta":  1.0,
		"alpha": []any{true, nil, "<&>"},
		"mid":   map[string]any{},
		"new":   []any{},
	}
	order := keyOrder{"zeta": 0, "alpha": 1, "mid": 2}

	tests := []struct {
		name    string
		order   keyOrder
		compact bool
		want    string
	}{
		{"input order compact", order, true, `{"zeta":1,"alpha":[true,null,"<&>"],"mid":{},"new":[]}` + "\n"},
		{"sorted compact", nil, true, `{"alpha":[true,null,"<&>"],"mid":{},"new":[],"zeta":1}` + "\n"},
		{"input order indented", order, false, "{\n  \"zeta\": 1,\n  \"alpha\": [\n    true,\n    null,\n    \"<&>\"\n  ],\n  \"mid\": {},\n  \"new\": []\n}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, newEncoder(&buf, tt.order, tt.compact).Encode(value))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}
