package wasm

import (
	"context"
	"errors"
	"math"
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"
)

const (
	// PageSize is the size of one linear memory page.
	PageSize = 65536

	// ScratchBase is where the host scratch allocator starts.
	ScratchBase = 65536

	prefixSize = 4
)

// AllocatorExports lists the guest allocator exports tried in order.
var AllocatorExports = []string{"malloc", "__alloc", "alloc"}

var (
	errNoMemory    = errors.New("module exports no memory")
	errNoAllocator = errors.New("module exports no allocator")
	errNullAlloc   = errors.New("allocator returned null")
	errOutOfRange  = errors.New("range exceeds memory")
	errGrowFailed  = errors.New("memory grow failed")
)

// Memory gives bounds-checked access to a guest's linear memory.
//
// Guest memory is untrusted: every (pointer, length) pair read from a guest
// is validated against the current memory extent before use, and every
// access goes through span. Read failures return ok=false, write failures
// return a null pointer, so a misbehaving guest degrades instead of
// crashing the host.
//
// Host to guest strings are always placed in blocks obtained from the
// guest's own allocator. The guest toolchain tracks its heap top itself;
// writing into addresses it does not know about corrupts later
// allocations.
type Memory struct {
	mod api.Module
}

// NewMemory creates a memory helper.
func NewMemory(module api.Module) *Memory {
	return &Memory{mod: module}
}

// view re-acquires the memory on every call. A guest allocation may grow
// memory, so a previously captured view must not be reused.
func (m *Memory) view() api.Memory {
	if m.mod == nil {
		return nil
	}
	return m.mod.Memory()
}

// Size returns the current memory size in bytes.
func (m *Memory) Size() uint32 {
	mem := m.view()
	if mem == nil {
		return 0
	}
	return mem.Size()
}

// span returns the bytes in [ptr, ptr+length) without copying. It is the
// only path through which guest memory is read.
func (m *Memory) span(ptr, length uint32) ([]byte, bool) {
	mem := m.view()
	if mem == nil {
		return nil, false
	}
	if uint64(ptr)+uint64(length) > uint64(mem.Size()) {
		return nil, false
	}
	return mem.Read(ptr, length)
}

// ReadBytes copies length bytes at ptr.
func (m *Memory) ReadBytes(ptr, length uint32) ([]byte, bool) {
	buf, ok := m.span(ptr, length)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, true
}

// ReadRaw reads a UTF-8 string passed as an explicit (pointer, length) pair.
func (m *Memory) ReadRaw(ptr, length uint32) (string, bool) {
	buf, ok := m.span(ptr, length)
	if !ok || !utf8.Valid(buf) {
		return "", false
	}
	return string(buf), true
}

// ReadPrefixed reads a string stored as [u32 little-endian length][bytes].
func (m *Memory) ReadPrefixed(ptr uint32) (string, bool) {
	n, ok := m.ReadU32(ptr)
	if !ok {
		return "", false
	}
	if uint64(ptr)+prefixSize > math.MaxUint32 {
		return "", false
	}
	return m.ReadRaw(ptr+prefixSize, n)
}

// ReadU32 reads a little-endian word.
func (m *Memory) ReadU32(ptr uint32) (uint32, bool) {
	buf, ok := m.span(ptr, 4)
	if !ok {
		return 0, false
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, true
}

// Write copies data to ptr. It never grows memory.
func (m *Memory) Write(ptr uint32, data []byte) bool {
	if uint64(len(data)) > math.MaxUint32 {
		return false
	}
	buf, ok := m.span(ptr, uint32(len(data)))
	if !ok {
		return false
	}
	copy(buf, data)
	return true
}

// WriteU32 writes a little-endian word.
func (m *Memory) WriteU32(ptr, v uint32) bool {
	return m.Write(ptr, []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

// WriteU64 writes a little-endian double word.
func (m *Memory) WriteU64(ptr uint32, v uint64) bool {
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(v >> (8 * i))
	}
	return m.Write(ptr, buf[:])
}

// EnsureCapacity grows memory so that byte offset end is addressable,
// adding only the missing pages. It reports false if growth fails.
func (m *Memory) EnsureCapacity(end uint64) bool {
	mem := m.view()
	if mem == nil {
		return false
	}
	size := uint64(mem.Size())
	if end <= size {
		return true
	}
	if end > math.MaxUint32+1 {
		return false
	}
	required := (end + PageSize - 1) / PageSize
	current := size / PageSize
	_, ok := mem.Grow(uint32(required - current))
	return ok
}

// Allocate reserves size bytes through the guest's exported allocator.
func (m *Memory) Allocate(ctx context.Context, size uint32) (uint32, error) {
	if m.view() == nil {
		return 0, &MemoryAccessError{Operation: "alloc", Length: size, Err: errNoMemory}
	}
	var alloc api.Function
	for _, name := range AllocatorExports {
		if fn := m.mod.ExportedFunction(name); fn != nil {
			alloc = fn
			break
		}
	}
	if alloc == nil {
		return 0, &MemoryAccessError{Operation: "alloc", Length: size, Err: errNoAllocator}
	}

	res, err := alloc.Call(ctx, api.EncodeU32(size))
	if err != nil {
		return 0, &MemoryAccessError{Operation: "alloc", Length: size, Err: err}
	}
	if len(res) == 0 || api.DecodeU32(res[0]) == 0 {
		return 0, &MemoryAccessError{Operation: "alloc", Length: size, Err: errNullAlloc}
	}
	ptr := api.DecodeU32(res[0])
	if !m.EnsureCapacity(uint64(ptr) + uint64(size)) {
		return 0, &MemoryAccessError{Operation: "alloc", Address: ptr, Length: size, Err: errGrowFailed}
	}
	return ptr, nil
}

// WriteString places s in guest memory with a length prefix and returns
// its pointer, or 0 if any step fails.
func (m *Memory) WriteString(ctx context.Context, s string) uint32 {
	ptr, _ := m.WriteBytesErr(ctx, []byte(s))
	return ptr
}

// WriteBytes is WriteString for raw bytes.
func (m *Memory) WriteBytes(ctx context.Context, b []byte) uint32 {
	ptr, _ := m.WriteBytesErr(ctx, b)
	return ptr
}

// WriteBytesErr is WriteBytes reporting why the write failed.
func (m *Memory) WriteBytesErr(ctx context.Context, b []byte) (uint32, error) {
	if uint64(len(b))+prefixSize > math.MaxUint32 {
		return 0, &MemoryAccessError{Operation: "write", Length: uint32(len(b)), Err: errOutOfRange}
	}
	total := uint32(len(b)) + prefixSize
	ptr, err := m.Allocate(ctx, total)
	if err != nil {
		return 0, err
	}
	if !m.WriteU32(ptr, uint32(len(b))) || !m.Write(ptr+prefixSize, b) {
		return 0, &MemoryAccessError{Operation: "write", Address: ptr, Length: total, Err: errOutOfRange}
	}
	return ptr, nil
}

// ScratchAllocator is a bump allocator for host-internal scratch space.
// Its blocks are never handed to guest code as return values.
type ScratchAllocator struct {
	offset uint32
}

// NewScratchAllocator returns an allocator starting at ScratchBase.
func NewScratchAllocator() *ScratchAllocator {
	return &ScratchAllocator{offset: ScratchBase}
}

// Alloc reserves size bytes, growing memory as needed. The next block is
// aligned to 8 bytes.
func (a *ScratchAllocator) Alloc(m *Memory, size uint32) (uint32, bool) {
	ptr := a.offset
	end := uint64(ptr) + uint64(size)
	if !m.EnsureCapacity(end) {
		return 0, false
	}
	next := (end + 7) &^ 7
	if next > math.MaxUint32 {
		return 0, false
	}
	a.offset = uint32(next)
	return ptr, true
}

// Offset returns the next allocation address.
func (a *ScratchAllocator) Offset() uint32 {
	return a.offset
}

// Reset discards all scratch allocations.
func (a *ScratchAllocator) Reset() {
	a.offset = ScratchBase
}
