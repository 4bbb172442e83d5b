package tlscache

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	blocks []unsafe.Pointer
}

func (f *fakeSource) Refill(n int) []unsafe.Pointer {
	if n > len(f.blocks) {
		n = len(f.blocks)
	}
	got := f.blocks[len(f.blocks)-n:]
	f.blocks = f.blocks[:len(f.blocks)-n]
	out := make([]unsafe.Pointer, len(got))
	copy(out, got)
	return out
}

func (f *fakeSource) Flush(blocks []unsafe.Pointer) {
	f.blocks = append(f.blocks, blocks...)
}

func addrs(n int) []unsafe.Pointer {
	out := make([]unsafe.Pointer, n)
	backing := make([]byte, n*16)
	for i := 0; i < n; i++ {
		out[i] = unsafe.Pointer(&backing[i*16])
	}
	return out
}

func TestCache_AllocRefillsFromSource(t *testing.T) {
	src := &fakeSource{blocks: addrs(16)}
	c := New(4, 4, 4, src)

	p := c.Alloc()
	require.NotNil(t, p)
	assert.Len(t, src.blocks, 12)
}

func TestCache_FreeFlushesAtCapacity(t *testing.T) {
	src := &fakeSource{}
	c := New(2, 2, 2, src)

	ps := addrs(3)
	c.Free(ps[0])
	c.Free(ps[1])
	// stack now at capacity (2); this push forces a flush first.
	c.Free(ps[2])

	assert.GreaterOrEqual(t, len(src.blocks), 1)
}

func TestCache_DrainReturnsEverything(t *testing.T) {
	src := &fakeSource{}
	c := New(4, 4, 4, src)

	ps := addrs(2)
	c.Free(ps[0])
	c.Free(ps[1])
	c.Drain()

	assert.Len(t, src.blocks, 2)
}
