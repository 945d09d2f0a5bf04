package enginetest

// The guest module is generated rather than shipped: every entry point is a
// trampoline that forwards its arguments to a host import of the same name,
// so the engine logic runs in Go while the engine package still drives a real
// wazero instance with its own linear memory.

const (
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionExport   = 7
	sectionCode     = 10

	kindFunc   = 0x00
	kindMemory = 0x02

	valI32   = 0x7f
	funcForm = 0x60

	opLocalGet = 0x20
	opI32Const = 0x41
	opI32Add   = 0x6a
	opCall     = 0x10
	opDrop     = 0x1a
	opEnd      = 0x0b
)

// reportExport writes an iovec at the given address to stderr through WASI.
const reportExport = "report"

type funcSig struct {
	name    string
	params  int
	results int
}

func entryPoints(bounded bool, omit []string) []funcSig {
	sigs := []funcSig{
		{"_initialize", 0, 0},
		{"alloc", 1, 1},
		{"dealloc", 2, 0},
	}
	if bounded {
		sigs = append(sigs, funcSig{"process", 7, 1})
	} else {
		sigs = append(sigs,
			funcSig{"process", 5, 1},
			funcSig{"get_output_ptr", 0, 1},
			funcSig{"get_output_len", 0, 1})
	}

	if len(omit) == 0 {
		return sigs
	}
	kept := sigs[:0]
	for _, s := range sigs {
		skip := false
		for _, o := range omit {
			if s.name == o {
				skip = true
				break
			}
		}
		if !skip {
			kept = append(kept, s)
		}
	}
	return kept
}

func buildShim(entries []funcSig) []byte {
	n := uint32(len(entries))
	fdWrite := n          // function index of the WASI import
	firstDefined := n + 1 // trampolines follow the imports
	report := firstDefined + n

	types := appendULEB(nil, n+2)
	for _, e := range entries {
		types = appendFuncType(types, e.params, e.results)
	}
	types = appendFuncType(types, 4, 1) // fd_write
	types = appendFuncType(types, 1, 0) // report

	imports := appendULEB(nil, n+1)
	for i, e := range entries {
		imports = appendName(imports, HostModuleName)
		imports = appendName(imports, e.name)
		imports = append(imports, kindFunc)
		imports = appendULEB(imports, uint32(i))
	}
	imports = appendName(imports, "wasi_snapshot_preview1")
	imports = appendName(imports, "fd_write")
	imports = append(imports, kindFunc)
	imports = appendULEB(imports, n)

	// Defined function i uses type i; report uses the last type.
	funcs := appendULEB(nil, n+1)
	for i := uint32(0); i < n; i++ {
		funcs = appendULEB(funcs, i)
	}
	funcs = appendULEB(funcs, n+1)

	memory := []byte{1, 0x00, 1} // one memory, min 1 page, no max

	exports := appendULEB(nil, n+2)
	exports = appendName(exports, "memory")
	exports = append(exports, kindMemory, 0)
	for i, e := range entries {
		exports = appendName(exports, e.name)
		exports = append(exports, kindFunc)
		exports = appendULEB(exports, firstDefined+uint32(i))
	}
	exports = appendName(exports, reportExport)
	exports = append(exports, kindFunc)
	exports = appendULEB(exports, report)

	code := appendULEB(nil, n+1)
	for i, e := range entries {
		body := []byte{0} // no locals
		for p := 0; p < e.params; p++ {
			body = append(body, opLocalGet)
			body = appendULEB(body, uint32(p))
		}
		body = append(body, opCall)
		body = appendULEB(body, uint32(i))
		body = append(body, opEnd)
		code = appendULEB(code, uint32(len(body)))
		code = append(code, body...)
	}
	// fd_write(2, iov, 1, iov+8)
	body := []byte{0,
		opI32Const, 2,
		opLocalGet, 0,
		opI32Const, 1,
		opLocalGet, 0,
		opI32Const, 8,
		opI32Add,
		opCall,
	}
	body = appendULEB(body, fdWrite)
	body = append(body, opDrop, opEnd)
	code = appendULEB(code, uint32(len(body)))
	code = append(code, body...)

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	out = appendSection(out, sectionType, types)
	out = appendSection(out, sectionImport, imports)
	out = appendSection(out, sectionFunction, funcs)
	out = appendSection(out, sectionMemory, memory)
	out = appendSection(out, sectionExport, exports)
	out = appendSection(out, sectionCode, code)
	return out
}

func appendULEB(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func appendName(b []byte, s string) []byte {
	b = appendULEB(b, uint32(len(s)))
	return append(b, s...)
}

func appendFuncType(b []byte, params, results int) []byte {
	b = append(b, funcForm)
	b = appendULEB(b, uint32(params))
	for i := 0; i < params; i++ {
		b = append(b, valI32)
	}
	b = appendULEB(b, uint32(results))
	for i := 0; i < results; i++ {
		b = append(b, valI32)
	}
	return b
}

func appendSection(b []byte, id byte, body []byte) []byte {
	b = append(b, id)
	b = appendULEB(b, uint32(len(body)))
	return append(b, body...)
}
