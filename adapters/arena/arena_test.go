package arena

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

func TestArena_AllocBumpsWithinOneChunk(t *testing.T) {
	ctx := newTestContext(t)
	a := New(ctx, 0)
	defer a.Reset()

	p1 := a.Alloc(64, 8)
	require.NotNil(t, p1)
	p2 := a.Alloc(64, 8)
	require.NotNil(t, p2)

	assert.Equal(t, uintptr(64), uintptr(p2)-uintptr(p1))
}

func TestArena_AllocObtainsNewChunkWhenFull(t *testing.T) {
	ctx := newTestContext(t)
	a := New(ctx, 0)
	defer a.Reset()

	p1 := a.Alloc(cell.CellSize-64, 8)
	require.NotNil(t, p1)

	p2 := a.Alloc(64, 8)
	require.NotNil(t, p2)

	require.NotNil(t, a.chain)
	require.NotNil(t, a.chain.next)
	assert.Nil(t, a.chain.next.next, "exactly two chunks should have been obtained")
}

func TestArena_RejectsOversizeRequest(t *testing.T) {
	ctx := newTestContext(t)
	a := New(ctx, 0)
	defer a.Reset()

	assert.Nil(t, a.Alloc(cell.CellSize+1, 8))
}

func TestArena_ScopeReleaseRollsBackBumpPosition(t *testing.T) {
	ctx := newTestContext(t)
	a := New(ctx, 0)
	defer a.Reset()

	p1 := a.Alloc(64, 8)
	require.NotNil(t, p1)

	a.Scope()
	p2 := a.Alloc(64, 8)
	require.NotNil(t, p2)
	a.Release()

	p3 := a.Alloc(64, 8)
	require.NotNil(t, p3)
	assert.Equal(t, p2, p3, "released space must be reused at the same offset")
}

func TestArena_ReleaseWithoutScopePanics(t *testing.T) {
	ctx := newTestContext(t)
	a := New(ctx, 0)
	defer a.Reset()

	assert.Panics(t, func() { a.Release() })
}

func TestArena_ResetReturnsAllChunksAndClearsState(t *testing.T) {
	ctx := newTestContext(t)
	a := New(ctx, 0)

	a.Alloc(cell.CellSize-64, 8)
	a.Alloc(64, 8)
	a.Reset()

	assert.Nil(t, a.chain)
	assert.Nil(t, a.head)
	assert.Empty(t, a.scopes)
}

func TestArena_AlignmentHonored(t *testing.T) {
	ctx := newTestContext(t)
	a := New(ctx, 0)
	defer a.Reset()

	a.Alloc(1, 1)
	p := a.Alloc(64, 64)
	require.NotNil(t, p)
	assert.Equal(t, uintptr(0), uintptr(p)%64)
}
