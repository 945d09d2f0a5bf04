package enginetest

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/itchyny/gojq"
	"github.com/tetratelabs/wazero/api"

	wasmjq "github.com/wippyai/wasm-jq"
)

type request struct {
	input   wasmjq.Region
	filter  wasmjq.Region
	out     wasmjq.Region
	flags   wasmjq.Flags
	bounded bool
}

// inputSource parses the input region one value at a time. It is the only
// reader of the input: the top-level loop and the `input`/`inputs` builtins
// pull from the same instance.
type inputSource struct {
	dec   *json.Decoder
	slurp bool
	done  bool
}

func newInputSource(data []byte, slurp bool) *inputSource {
	return &inputSource{dec: json.NewDecoder(bytes.NewReader(data)), slurp: slurp}
}

func (s *inputSource) next() (any, bool) {
	if s.done {
		return nil, false
	}
	var v any
	if err := s.dec.Decode(&v); err != nil {
		s.done = true
		if err == io.EOF {
			return nil, false
		}
		return fmt.Errorf("invalid input: %w", err), true
	}
	return v, true
}

// Next implements gojq.Iter. With slurp it drains next and yields one array.
func (s *inputSource) Next() (any, bool) {
	if !s.slurp {
		return s.next()
	}
	if s.done {
		return nil, false
	}
	values := []any{}
	for {
		v, ok := s.next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return err, true
		}
		values = append(values, v)
	}
	s.done = true
	return values, true
}

var _ gojq.Iter = (*inputSource)(nil)

func (f *Fixture) process(ctx context.Context, m api.Module, st *instance, req request) wasmjq.Status {
	f.processed.Add(1)
	f.lastFlags.Store(uint32(req.flags))
	st.outLen = 0

	if f.opts.FailInit {
		return wasmjq.StatusInitError
	}
	if st.poisoned {
		return StatusPoisoned
	}

	mem := m.Memory()
	filter, ok := mem.Read(req.filter.Ptr, req.filter.Len)
	if !ok {
		return f.fail(ctx, m, st, "filter region out of bounds")
	}
	input, ok := mem.Read(req.input.Ptr, req.input.Len)
	if !ok {
		return f.fail(ctx, m, st, "input region out of bounds")
	}
	filter, input = bytes.Clone(filter), bytes.Clone(input)

	query, err := gojq.Parse(string(filter))
	if err != nil {
		f.report(ctx, m, st, "jq: error: "+err.Error()+"\n")
		return wasmjq.StatusCompileError
	}
	src := newInputSource(input, req.flags.Has(wasmjq.FlagSlurp))
	code, err := gojq.Compile(query, gojq.WithInputIter(src))
	if err != nil {
		f.report(ctx, m, st, "jq: error: "+err.Error()+"\n")
		return wasmjq.StatusCompileError
	}

	var order keyOrder
	if !req.flags.Has(wasmjq.FlagSortKeys) {
		order = scanKeyOrder(input)
	}
	var buf bytes.Buffer
	enc := newEncoder(&buf, order, req.flags.Has(wasmjq.FlagCompact))

	emit := func(v any) error {
		iter := code.RunWithContext(ctx, v)
		for {
			r, ok := iter.Next()
			if !ok {
				return nil
			}
			if err, isErr := r.(error); isErr {
				return err
			}
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
	}

	if req.flags.Has(wasmjq.FlagNullInput) {
		err = emit(nil)
	} else {
		for {
			v, ok := src.Next()
			if !ok {
				break
			}
			if e, isErr := v.(error); isErr {
				err = e
				break
			}
			if err = emit(v); err != nil {
				break
			}
		}
	}
	if err != nil {
		return f.fail(ctx, m, st, err.Error())
	}

	n := uint32(buf.Len())
	if req.bounded {
		if n > req.out.Len {
			return wasmjq.StatusOutputOverflow
		}
		if !mem.Write(req.out.Ptr, buf.Bytes()) {
			return f.fail(ctx, m, st, "output region out of bounds")
		}
		return wasmjq.Status(n)
	}

	if n > 0 {
		if !f.ensureOutput(mem, st, n) {
			return f.fail(ctx, m, st, "out of memory")
		}
		mem.Write(st.out, buf.Bytes())
	}
	st.outLen = n
	return wasmjq.Status(n)
}

// ensureOutput grows the engine-owned output buffer by doubling. The buffer
// is reused across calls and never shrinks.
func (f *Fixture) ensureOutput(mem api.Memory, st *instance, n uint32) bool {
	if st.out != 0 && st.outCap >= n {
		return true
	}
	c := st.outCap
	if c == 0 {
		c = f.opts.MinOutput
	}
	for c < n {
		if c > 1<<30 {
			c = n
			break
		}
		c *= 2
	}
	if st.out != 0 {
		st.heap.free(st.out)
		st.out, st.outCap = 0, 0
	}
	ptr := st.heap.alloc(mem, c, false)
	if ptr == 0 {
		return false
	}
	st.out, st.outCap = ptr, c
	return true
}

func (f *Fixture) fail(ctx context.Context, m api.Module, st *instance, msg string) wasmjq.Status {
	f.report(ctx, m, st, "jq: error: "+msg+"\n")
	if f.opts.PoisonOnError {
		st.poisoned = true
	}
	return StatusEvalError
}

// report writes msg to the guest's stderr through the report export, the
// same path a real engine's fprintf(stderr) takes.
func (f *Fixture) report(ctx context.Context, m api.Module, st *instance, msg string) {
	fn := m.ExportedFunction(reportExport)
	if fn == nil || msg == "" {
		return
	}
	mem := m.Memory()

	text := st.heap.alloc(mem, uint32(len(msg)), false)
	if text == 0 {
		return
	}
	defer st.heap.free(text)
	iov := st.heap.alloc(mem, 12, false) // iovec plus nwritten
	if iov == 0 {
		return
	}
	defer st.heap.free(iov)

	mem.Write(text, []byte(msg))
	var vec [8]byte
	binary.LittleEndian.PutUint32(vec[0:], text)
	binary.LittleEndian.PutUint32(vec[4:], uint32(len(msg)))
	mem.Write(iov, vec[:])

	_, _ = fn.Call(ctx, api.EncodeU32(iov))
}
