package bridge

import (
	"context"
	"math"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/woxQAQ/frame-runtime/internal/wasm"
	"github.com/woxQAQ/frame-runtime/pkg/envelope"
)

// HostFunc implements one host function. Arguments are consumed in
// declaration order with the typed readers; the result is set with one of
// the Return methods.
type HostFunc func(c *Call)

// Call is the view a host function has of one guest call.
type Call struct {
	Ctx    context.Context
	Module api.Module
	Mem    *wasm.Memory
	Logger *zap.Logger

	name  string
	stack []uint64
	pos   int
}

func (c *Call) next() uint64 {
	if c.pos >= len(c.stack) {
		return 0
	}
	v := c.stack[c.pos]
	c.pos++
	return v
}

// Name returns the name the guest imported the function under.
func (c *Call) Name() string {
	return c.name
}

// Str reads a (pointer, length) string argument. Out of range or invalid
// UTF-8 reads as the empty string.
func (c *Call) Str() string {
	ptr := api.DecodeU32(c.next())
	n := api.DecodeU32(c.next())
	s, ok := c.Mem.ReadRaw(ptr, n)
	if !ok && c.Logger != nil {
		c.Logger.Debug("Rejected string argument",
			zap.String("function", c.name),
			zap.Uint32("ptr", ptr),
			zap.Uint32("len", n),
		)
	}
	return s
}

// Ptr reads a length-prefixed string argument.
func (c *Call) Ptr() string {
	s, _ := c.Mem.ReadPrefixed(api.DecodeU32(c.next()))
	return s
}

// I32 reads the next argument as a signed 32 bit integer.
func (c *Call) I32() int32 {
	return api.DecodeI32(c.next())
}

// U32 reads the next argument as an unsigned 32 bit value, usually a
// guest pointer or length.
func (c *Call) U32() uint32 {
	return api.DecodeU32(c.next())
}

// I64 reads the next argument as a signed 64 bit integer.
func (c *Call) I64() int64 {
	return int64(c.next())
}

// F64 reads the next argument as a float64.
func (c *Call) F64() float64 {
	return api.DecodeF64(c.next())
}

// Bool reads the next i32 argument; any non-zero value is true.
func (c *Call) Bool() bool {
	return api.DecodeU32(c.next()) != 0
}

// ReturnString writes s into guest memory through the guest allocator and
// returns the pointer, or 0 if the write fails.
func (c *Call) ReturnString(s string) {
	c.ReturnU32(c.Mem.WriteString(c.Ctx, s))
}

// ReturnBytes is ReturnString for raw bytes.
func (c *Call) ReturnBytes(b []byte) {
	c.ReturnU32(c.Mem.WriteBytes(c.Ctx, b))
}

// ReturnEnvelope returns data, or err when non-nil, as an envelope.
func (c *Call) ReturnEnvelope(data any, err error) {
	if err != nil {
		c.reportError(err)
		c.ReturnString(envelope.Fail(err).String())
		return
	}
	c.ReturnString(envelope.OK(data).String())
}

// ReturnI32 sets the i32 result.
func (c *Call) ReturnI32(v int32) {
	c.stack[0] = api.EncodeI32(v)
}

// ReturnU32 sets an i32 result from an unsigned value such as a pointer.
func (c *Call) ReturnU32(v uint32) {
	c.stack[0] = api.EncodeU32(v)
}

// ReturnI64 sets the i64 result.
func (c *Call) ReturnI64(v int64) {
	c.stack[0] = api.EncodeI64(v)
}

// ReturnF64 sets the f64 result.
func (c *Call) ReturnF64(v float64) {
	c.stack[0] = api.EncodeF64(v)
}

// ReturnBool sets the i32 result to 1 or 0.
func (c *Call) ReturnBool(v bool) {
	if v {
		c.stack[0] = 1
	} else {
		c.stack[0] = 0
	}
}

// Fail records err on the state and returns the zero value of the
// function's result.
func (c *Call) Fail(err error) {
	c.reportError(err)
	if len(c.stack) > 0 {
		c.stack[0] = 0
	}
}

// FailI64 records err and returns -1.
func (c *Call) FailI64(err error) {
	c.reportError(err)
	c.ReturnI64(-1)
}

func (c *Call) reportError(err error) {
	if s, ok := StateFrom[State](c.Ctx); ok {
		s.ReportError(err)
	}
	if c.Logger != nil {
		c.Logger.Debug("Host function failed", zap.String("function", c.name), zap.Error(err))
	}
}

// clampI32 narrows n to the int32 range.
func clampI32(n int64) int32 {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	if n < math.MinInt32 {
		return math.MinInt32
	}
	return int32(n)
}
