// Package wasmgen encodes small WebAssembly 1.0 binaries.
//
// It backs the bridge compliance check (a synthetic guest importing every
// manifest entry), the indirect-table dispatch trampoline, and the guest
// modules built in tests. Only the subset of the binary format those
// modules need is supported.
package wasmgen

import (
	"bytes"
	"errors"
	"fmt"
)

// ValueType is a WebAssembly value type.
type ValueType byte

const (
	I32 ValueType = 0x7f
	I64 ValueType = 0x7e
	F32 ValueType = 0x7d
	F64 ValueType = 0x7c
)

const funcRef = 0x70

// Export kinds.
const (
	exportFunc   = 0x00
	exportTable  = 0x01
	exportMemory = 0x02
	exportGlobal = 0x03
)

// FuncType is a function signature.
type FuncType struct {
	Params  []ValueType
	Results []ValueType
}

func (f FuncType) key() string {
	return string(valueBytes(f.Params)) + "|" + string(valueBytes(f.Results))
}

type funcImport struct {
	module, name string
	typeIdx      uint32
}

type tableImport struct {
	module, name string
	min          uint32
}

type function struct {
	typeIdx uint32
	locals  []ValueType
	body    *Code
}

type global struct {
	typ     ValueType
	mutable bool
	init    int64
}

type export struct {
	name  string
	kind  byte
	index uint32
}

type element struct {
	offset uint32
	funcs  []uint32
}

type data struct {
	offset uint32
	bytes  []byte
}

type limits struct {
	min    uint32
	max    uint32
	hasMax bool
}

// Module accumulates the sections of a module. Function imports must be
// added before any defined function so that indices stay stable.
type Module struct {
	types     []FuncType
	typeIndex map[string]uint32

	funcImports  []funcImport
	tableImports []tableImport
	funcs        []function
	table        *limits
	memory       *limits
	globals      []global
	exports      []export
	elements     []element
	data         []data

	err error
}

// New returns an empty module.
func New() *Module {
	return &Module{typeIndex: make(map[string]uint32)}
}

// Type returns the index of sig, adding it when new.
func (m *Module) Type(sig FuncType) uint32 {
	k := sig.key()
	if idx, ok := m.typeIndex[k]; ok {
		return idx
	}
	idx := uint32(len(m.types))
	m.types = append(m.types, sig)
	m.typeIndex[k] = idx
	return idx
}

// ImportFunc declares a function import and returns its function index.
func (m *Module) ImportFunc(module, name string, sig FuncType) uint32 {
	if len(m.funcs) > 0 && m.err == nil {
		m.err = fmt.Errorf("import %s.%s declared after defined functions", module, name)
	}
	m.funcImports = append(m.funcImports, funcImport{module: module, name: name, typeIdx: m.Type(sig)})
	return uint32(len(m.funcImports) - 1)
}

// ImportTable declares a funcref table import. It becomes table 0.
func (m *Module) ImportTable(module, name string, min uint32) {
	if m.table != nil && m.err == nil {
		m.err = errors.New("module already defines a table")
	}
	m.tableImports = append(m.tableImports, tableImport{module: module, name: name, min: min})
}

// Func defines a function and returns its function index.
func (m *Module) Func(sig FuncType, locals []ValueType, body *Code) uint32 {
	m.funcs = append(m.funcs, function{typeIdx: m.Type(sig), locals: locals, body: body})
	return uint32(len(m.funcImports) + len(m.funcs) - 1)
}

// Table defines table 0 with the given minimum size.
func (m *Module) Table(min uint32) {
	if len(m.tableImports) > 0 && m.err == nil {
		m.err = errors.New("module already imports a table")
	}
	m.table = &limits{min: min}
}

// Memory defines memory 0 with min pages and an optional max.
func (m *Module) Memory(min uint32, max ...uint32) {
	l := &limits{min: min}
	if len(max) > 0 {
		l.max, l.hasMax = max[0], true
	}
	m.memory = l
}

// Global defines a global initialised to a constant and returns its index.
func (m *Module) Global(typ ValueType, mutable bool, init int64) uint32 {
	m.globals = append(m.globals, global{typ: typ, mutable: mutable, init: init})
	return uint32(len(m.globals) - 1)
}

func (m *Module) ExportFunc(name string, idx uint32) {
	m.exports = append(m.exports, export{name: name, kind: exportFunc, index: idx})
}

func (m *Module) ExportTable(name string) {
	m.exports = append(m.exports, export{name: name, kind: exportTable})
}

func (m *Module) ExportMemory(name string) {
	m.exports = append(m.exports, export{name: name, kind: exportMemory})
}

func (m *Module) ExportGlobal(name string, idx uint32) {
	m.exports = append(m.exports, export{name: name, kind: exportGlobal, index: idx})
}

// Elements places function indices into table 0 starting at offset.
func (m *Module) Elements(offset uint32, funcs ...uint32) {
	m.elements = append(m.elements, element{offset: offset, funcs: funcs})
}

// Data places raw bytes into memory 0 at offset.
func (m *Module) Data(offset uint32, b []byte) {
	m.data = append(m.data, data{offset: offset, bytes: b})
}

// PrefixedString places s at offset as [u32 little-endian length][bytes]
// and returns offset for convenience.
func (m *Module) PrefixedString(offset uint32, s string) uint32 {
	b := make([]byte, 4+len(s))
	n := uint32(len(s))
	b[0], b[1], b[2], b[3] = byte(n), byte(n>>8), byte(n>>16), byte(n>>24)
	copy(b[4:], s)
	m.Data(offset, b)
	return offset
}

// AddBumpAllocator defines and exports malloc(i32)->i32 backed by a mutable
// heap-top global starting at start. The allocator never frees and does not
// grow memory; the host grows it when a returned block overruns.
func (m *Module) AddBumpAllocator(start int32) uint32 {
	heap := m.Global(I32, true, int64(start))
	body := NewCode().
		GlobalGet(heap).
		GlobalGet(heap).
		LocalGet(0).
		I32Add().
		GlobalSet(heap)
	idx := m.Func(FuncType{Params: []ValueType{I32}, Results: []ValueType{I32}}, nil, body)
	m.ExportFunc("malloc", idx)
	return idx
}

// Encode produces the binary module.
func (m *Module) Encode() ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}

	var out bytes.Buffer
	out.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})

	if len(m.types) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.types)))
		for _, t := range m.types {
			sec = append(sec, 0x60)
			sec = appendU32(sec, uint32(len(t.Params)))
			sec = append(sec, valueBytes(t.Params)...)
			sec = appendU32(sec, uint32(len(t.Results)))
			sec = append(sec, valueBytes(t.Results)...)
		}
		writeSection(&out, 1, sec)
	}

	if n := len(m.funcImports) + len(m.tableImports); n > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(n))
		for _, imp := range m.funcImports {
			sec = appendName(sec, imp.module)
			sec = appendName(sec, imp.name)
			sec = append(sec, 0x00)
			sec = appendU32(sec, imp.typeIdx)
		}
		for _, imp := range m.tableImports {
			sec = appendName(sec, imp.module)
			sec = appendName(sec, imp.name)
			sec = append(sec, 0x01, funcRef)
			sec = appendLimits(sec, limits{min: imp.min})
		}
		writeSection(&out, 2, sec)
	}

	if len(m.funcs) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			sec = appendU32(sec, f.typeIdx)
		}
		writeSection(&out, 3, sec)
	}

	if m.table != nil {
		sec := appendU32(nil, 1)
		sec = append(sec, funcRef)
		sec = appendLimits(sec, *m.table)
		writeSection(&out, 4, sec)
	}

	if m.memory != nil {
		sec := appendU32(nil, 1)
		sec = appendLimits(sec, *m.memory)
		writeSection(&out, 5, sec)
	}

	if len(m.globals) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.globals)))
		for _, g := range m.globals {
			sec = append(sec, byte(g.typ))
			if g.mutable {
				sec = append(sec, 0x01)
			} else {
				sec = append(sec, 0x00)
			}
			init := NewCode()
			switch g.typ {
			case I64:
				init.I64Const(g.init)
			case I32:
				init.I32Const(int32(g.init))
			default:
				return nil, fmt.Errorf("unsupported global type 0x%x", byte(g.typ))
			}
			sec = append(sec, init.End().Bytes()...)
		}
		writeSection(&out, 6, sec)
	}

	if len(m.exports) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.exports)))
		for _, e := range m.exports {
			sec = appendName(sec, e.name)
			sec = append(sec, e.kind)
			sec = appendU32(sec, e.index)
		}
		writeSection(&out, 7, sec)
	}

	if len(m.elements) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.elements)))
		for _, el := range m.elements {
			sec = append(sec, 0x00)
			sec = append(sec, NewCode().I32Const(int32(el.offset)).End().Bytes()...)
			sec = appendU32(sec, uint32(len(el.funcs)))
			for _, f := range el.funcs {
				sec = appendU32(sec, f)
			}
		}
		writeSection(&out, 9, sec)
	}

	if len(m.funcs) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			var fn []byte
			fn = appendU32(fn, uint32(len(f.locals)))
			for _, l := range f.locals {
				fn = appendU32(fn, 1)
				fn = append(fn, byte(l))
			}
			body := f.body
			if body == nil {
				body = NewCode()
			}
			fn = append(fn, body.Bytes()...)
			fn = append(fn, opEnd)
			sec = appendU32(sec, uint32(len(fn)))
			sec = append(sec, fn...)
		}
		writeSection(&out, 10, sec)
	}

	if len(m.data) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.data)))
		for _, d := range m.data {
			sec = append(sec, 0x00)
			sec = append(sec, NewCode().I32Const(int32(d.offset)).End().Bytes()...)
			sec = appendU32(sec, uint32(len(d.bytes)))
			sec = append(sec, d.bytes...)
		}
		writeSection(&out, 11, sec)
	}

	return out.Bytes(), nil
}

// MustEncode is Encode for callers that build fixed modules.
func (m *Module) MustEncode() []byte {
	b, err := m.Encode()
	if err != nil {
		panic(err)
	}
	return b
}

func writeSection(out *bytes.Buffer, id byte, payload []byte) {
	out.WriteByte(id)
	out.Write(appendU32(nil, uint32(len(payload))))
	out.Write(payload)
}

func appendName(b []byte, s string) []byte {
	b = appendU32(b, uint32(len(s)))
	return append(b, s...)
}

func appendLimits(b []byte, l limits) []byte {
	if l.hasMax {
		b = append(b, 0x01)
		b = appendU32(b, l.min)
		return appendU32(b, l.max)
	}
	b = append(b, 0x00)
	return appendU32(b, l.min)
}

func valueBytes(vs []ValueType) []byte {
	b := make([]byte, len(vs))
	for i, v := range vs {
		b[i] = byte(v)
	}
	return b
}
