package stdshim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elfenlabs/cell/cell"
)

func newTestContext(t *testing.T) *cell.Context {
	t.Helper()
	cfg := cell.NewConfig()
	cfg.ReserveSize = 8 << 20
	c, err := cell.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAllocator_AllocateWriteFree(t *testing.T) {
	ctx := newTestContext(t)
	a := New(ctx, 0)

	b := a.Allocate(128)
	require.Len(t, b, 128)

	for i := range b {
		b[i] = byte(i)
	}

	a.Free(b)
}

func TestAllocator_AllocateZeroOrNegativeReturnsNil(t *testing.T) {
	ctx := newTestContext(t)
	a := New(ctx, 0)

	assert.Nil(t, a.Allocate(0))
	assert.Nil(t, a.Allocate(-1))
}

func TestAllocator_ReallocateGrowsAndPreservesBytes(t *testing.T) {
	ctx := newTestContext(t)
	a := New(ctx, 0)

	b := a.Allocate(16)
	require.Len(t, b, 16)
	for i := range b {
		b[i] = byte(i + 1)
	}

	grown := a.Reallocate(4096, b)
	require.Len(t, grown, 4096)
	for i := 0; i < 16; i++ {
		assert.Equal(t, byte(i+1), grown[i])
	}

	a.Free(grown)
}

func TestAllocator_ReallocateNilBehavesAsAllocate(t *testing.T) {
	ctx := newTestContext(t)
	a := New(ctx, 0)

	b := a.Reallocate(64, nil)
	require.Len(t, b, 64)
	a.Free(b)
}

func TestAllocator_ReallocateToZeroFrees(t *testing.T) {
	ctx := newTestContext(t)
	a := New(ctx, 0)

	b := a.Allocate(32)
	require.NotNil(t, b)

	result := a.Reallocate(0, b)
	assert.Nil(t, result)
}

func TestAllocator_FreeNilOrEmptyIsNoop(t *testing.T) {
	ctx := newTestContext(t)
	a := New(ctx, 0)

	a.Free(nil)
	a.Free([]byte{})
}
