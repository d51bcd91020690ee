package wasmgen

import (
	"encoding/binary"
	"math"
)

const (
	opUnreachable  = 0x00
	opIf           = 0x04
	opElse         = 0x05
	opEnd          = 0x0b
	opReturn       = 0x0f
	opCall         = 0x10
	opCallIndirect = 0x11
	opDrop         = 0x1a
	opLocalGet     = 0x20
	opLocalSet     = 0x21
	opGlobalGet    = 0x23
	opGlobalSet    = 0x24
	opTableGet     = 0x25
	opI32Load      = 0x28
	opI32Store     = 0x36
	opI32Const     = 0x41
	opI64Const     = 0x42
	opF64Const     = 0x44
	opI32Eqz       = 0x45
	opI32Add       = 0x6a
	opRefIsNull    = 0xd1
	opPrefixFC     = 0xfc
	fcTableSize    = 16
	blockTypeEmpty = 0x40
)

// Code builds an instruction sequence. Function bodies get their final end
// opcode from Module.Encode, so callers only close nested blocks.
type Code struct {
	buf []byte
}

func NewCode() *Code {
	return &Code{}
}

// Bytes returns the encoded instructions.
func (c *Code) Bytes() []byte {
	return c.buf
}

func (c *Code) op(b ...byte) *Code {
	c.buf = append(c.buf, b...)
	return c
}

func (c *Code) Unreachable() *Code { return c.op(opUnreachable) }
func (c *Code) End() *Code         { return c.op(opEnd) }
func (c *Code) Else() *Code        { return c.op(opElse) }
func (c *Code) Return() *Code      { return c.op(opReturn) }
func (c *Code) Drop() *Code        { return c.op(opDrop) }
func (c *Code) I32Add() *Code      { return c.op(opI32Add) }
func (c *Code) I32Eqz() *Code      { return c.op(opI32Eqz) }
func (c *Code) RefIsNull() *Code   { return c.op(opRefIsNull) }

// If opens a block with no result. Close it with End.
func (c *Code) If() *Code {
	return c.op(opIf, blockTypeEmpty)
}

// IfResult opens a block yielding one value of type t.
func (c *Code) IfResult(t ValueType) *Code {
	return c.op(opIf, byte(t))
}

func (c *Code) LocalGet(idx uint32) *Code {
	c.buf = appendU32(append(c.buf, opLocalGet), idx)
	return c
}

func (c *Code) LocalSet(idx uint32) *Code {
	c.buf = appendU32(append(c.buf, opLocalSet), idx)
	return c
}

func (c *Code) GlobalGet(idx uint32) *Code {
	c.buf = appendU32(append(c.buf, opGlobalGet), idx)
	return c
}

func (c *Code) GlobalSet(idx uint32) *Code {
	c.buf = appendU32(append(c.buf, opGlobalSet), idx)
	return c
}

func (c *Code) Call(funcIdx uint32) *Code {
	c.buf = appendU32(append(c.buf, opCall), funcIdx)
	return c
}

// CallIndirect calls through table 0 with the given type index.
func (c *Code) CallIndirect(typeIdx uint32) *Code {
	c.buf = appendU32(append(c.buf, opCallIndirect), typeIdx)
	c.buf = append(c.buf, 0x00)
	return c
}

// TableGet pushes table 0's entry at the index on the stack.
func (c *Code) TableGet() *Code {
	return c.op(opTableGet, 0x00)
}

// TableSize pushes the current size of table 0.
func (c *Code) TableSize() *Code {
	c.buf = append(c.buf, opPrefixFC)
	c.buf = appendU32(c.buf, fcTableSize)
	c.buf = append(c.buf, 0x00)
	return c
}

// I32Load loads a 4-byte aligned word at the address on the stack plus offset.
func (c *Code) I32Load(offset uint32) *Code {
	c.buf = append(c.buf, opI32Load, 0x02)
	c.buf = appendU32(c.buf, offset)
	return c
}

// I32Store stores the value on the stack at address plus offset.
func (c *Code) I32Store(offset uint32) *Code {
	c.buf = append(c.buf, opI32Store, 0x02)
	c.buf = appendU32(c.buf, offset)
	return c
}

func (c *Code) I32Const(v int32) *Code {
	c.buf = appendS64(append(c.buf, opI32Const), int64(v))
	return c
}

func (c *Code) I64Const(v int64) *Code {
	c.buf = appendS64(append(c.buf, opI64Const), v)
	return c
}

func (c *Code) F64Const(v float64) *Code {
	c.buf = append(c.buf, opF64Const)
	c.buf = binary.LittleEndian.AppendUint64(c.buf, math.Float64bits(v))
	return c
}

// Zero pushes the zero value of t.
func (c *Code) Zero(t ValueType) *Code {
	switch t {
	case I64:
		return c.I64Const(0)
	case F64:
		return c.F64Const(0)
	default:
		return c.I32Const(0)
	}
}

func appendU32(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
			continue
		}
		return append(b, c)
	}
}

func appendS64(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}
