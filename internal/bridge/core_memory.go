package bridge

import "go.uber.org/zap"

const memoryModule = "memory_runtime"

// memoryFuncs exposes allocation to guests. Under the bump allocation
// model nothing is ever freed, so retain, release and the scope functions
// accept their arguments and do nothing.
func memoryFuncs[S State]() []Func {
	noop := func(*Call) {}
	return []Func{
		{Module: memoryModule, Name: "mem_alloc", Params: []Shape{I32, I32}, Result: I32, Fn: func(c *Call) {
			size := c.U32()
			_ = c.I32()
			if ptr, err := c.Mem.Allocate(c.Ctx, size); err == nil {
				c.ReturnU32(ptr)
				return
			}
			// Without a guest allocator the block comes from host scratch
			// space above the guest's static data.
			s, ok := StateFrom[S](c.Ctx)
			if !ok {
				c.ReturnU32(0)
				return
			}
			ptr, ok := s.Scratch().Alloc(c.Mem, size)
			if !ok {
				c.Logger.Warn("mem_alloc failed", zap.Uint32("size", size))
				c.ReturnU32(0)
				return
			}
			c.ReturnU32(ptr)
		}},
		{Module: memoryModule, Name: "mem_retain", Params: []Shape{I32}, Fn: noop},
		{Module: memoryModule, Name: "mem_release", Params: []Shape{I32}, Fn: noop},
		{Module: memoryModule, Name: "mem_scope_push", Fn: noop},
		{Module: memoryModule, Name: "mem_scope_pop", Fn: noop},
	}
}

