package bridge

import (
	"math"

	"go.uber.org/zap"
)

const (
	listHeaderSize = 16
	f64Size        = 8
)

// listFuncs covers the list operations guests cannot do in place. A list
// is a 16 byte header of little-endian words (size, capacity, type id,
// reserved) followed by the elements.
func listFuncs() []Func {
	return []Func{
		{Name: "list.push_f64", Params: []Shape{I32, F64}, Result: I32, Fn: func(c *Call) {
			ptr, v := c.U32(), c.F64()
			c.ReturnU32(pushF64(c, ptr, v))
		}},
	}
}

// pushF64 appends v to the list at ptr and returns ptr. A header outside
// memory yields 0; a full list or an element slot outside memory leaves
// the list unchanged.
func pushF64(c *Call, ptr uint32, v float64) uint32 {
	if uint64(ptr)+listHeaderSize > uint64(c.Mem.Size()) {
		c.Logger.Warn("list header out of bounds", zap.String("function", c.Name()), zap.Uint32("ptr", ptr))
		return 0
	}
	size, _ := c.Mem.ReadU32(ptr)
	capacity, _ := c.Mem.ReadU32(ptr + 4)
	if size >= capacity {
		c.Logger.Warn("list is full",
			zap.String("function", c.Name()),
			zap.Uint32("size", size),
			zap.Uint32("capacity", capacity),
		)
		return ptr
	}
	off := uint64(ptr) + listHeaderSize + uint64(size)*f64Size
	if off+f64Size > uint64(c.Mem.Size()) {
		c.Logger.Warn("list element out of bounds", zap.String("function", c.Name()), zap.Uint64("offset", off))
		return ptr
	}
	c.Mem.WriteU64(uint32(off), math.Float64bits(v))
	c.Mem.WriteU32(ptr, size+1)
	return ptr
}
