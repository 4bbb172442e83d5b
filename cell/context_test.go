package cell

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	cfg := NewConfig()
	cfg.ReserveSize = 32 << 20
	cfg.BuddyRegionSize = 4 << 20
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestContext_SubCellAllocFree_RoundTrip(t *testing.T) {
	c := newTestContext(t)

	p := c.AllocBytes(24, 1, 8)
	require.NotNil(t, p)

	buf := unsafe.Slice((*byte)(p), 24)
	for i := range buf {
		buf[i] = byte(i)
	}

	c.FreeBytes(p)
}

func TestContext_BuddyAllocFree_RoundTrip(t *testing.T) {
	c := newTestContext(t)

	p := c.AllocBytes(64*1024, 2, 8)
	require.NotNil(t, p)

	buf := unsafe.Slice((*byte)(p), 64*1024)
	for i := range buf {
		buf[i] = 0xAB
	}

	c.FreeBytes(p)
}

func TestContext_LargeAllocFree_RoundTrip(t *testing.T) {
	c := newTestContext(t)

	p := c.AllocBytes(8<<20, 3, 8)
	require.NotNil(t, p)

	buf := unsafe.Slice((*byte)(p), 8<<20)
	buf[0] = 1
	buf[len(buf)-1] = 2

	c.FreeBytes(p)
}

func TestContext_ClassifyPicksSmallestFittingTier(t *testing.T) {
	c := newTestContext(t)

	tr, _ := c.classify(24, 8)
	assert.Equal(t, tierSubCell, tr)

	tr, _ = c.classify(64*1024, 8)
	assert.Equal(t, tierBuddy, tr)

	tr, _ = c.classify(DefaultBuddyMaxAlloc+1, 8)
	assert.Equal(t, tierLarge, tr)
}

func TestContext_FreeNilIsNoop(t *testing.T) {
	c := newTestContext(t)
	c.FreeBytes(nil)
}

func TestContext_ReallocGrowWithinSameBin_ReturnsSamePointer(t *testing.T) {
	c := newTestContext(t)

	p := c.AllocBytes(10, 0, 8)
	require.NotNil(t, p)

	p2 := c.ReallocBytes(p, 14, 0)
	assert.Equal(t, p, p2)

	c.FreeBytes(p2)
}

func TestContext_ReallocAcrossBins_CopiesMinSize(t *testing.T) {
	c := newTestContext(t)

	p := c.AllocBytes(20, 0, 8)
	require.NotNil(t, p)
	buf := unsafe.Slice((*byte)(p), 20)
	for i := range buf {
		buf[i] = byte(i + 1)
	}

	p2 := c.ReallocBytes(p, 500, 0)
	require.NotNil(t, p2)

	buf2 := unsafe.Slice((*byte)(p2), 20)
	for i := range buf2 {
		assert.Equal(t, byte(i+1), buf2[i])
	}

	c.FreeBytes(p2)
}

func TestContext_ReallocToZero_Frees(t *testing.T) {
	c := newTestContext(t)

	p := c.AllocBytes(32, 0, 8)
	require.NotNil(t, p)

	p2 := c.ReallocBytes(p, 0, 0)
	assert.Nil(t, p2)
}

func TestContext_ReallocNilBehavesAsAlloc(t *testing.T) {
	c := newTestContext(t)

	p := c.ReallocBytes(nil, 48, 0)
	require.NotNil(t, p)
	c.FreeBytes(p)
}

func TestContext_BuddyReallocGrowAcrossSiblingInPlace(t *testing.T) {
	c := newTestContext(t)

	p := c.AllocBytes(32*1024-64, 0, 8)
	require.NotNil(t, p)

	p2 := c.ReallocBytes(p, 60*1024, 0)
	require.NotNil(t, p2)
	assert.Equal(t, p, p2)

	c.FreeBytes(p2)
}

func TestContext_AllocCellFree_RoundTrip(t *testing.T) {
	c := newTestContext(t)

	p := c.AllocCell(5)
	require.NotNil(t, p)
	c.FreeCell(p)
}

func TestContext_AllocBatchAndFreeBatch(t *testing.T) {
	c := newTestContext(t)

	out := make([]unsafe.Pointer, 16)
	n := c.AllocBatch(out, 32, 0)
	require.Equal(t, 16, n)

	c.FreeBatch(out)
}

func TestContext_AllocZeroSize_ReturnsNil(t *testing.T) {
	c := newTestContext(t)
	assert.Nil(t, c.AllocBytes(0, 0, 8))
}

func TestContext_ForcedLargeTierBypassesClassification(t *testing.T) {
	c := newTestContext(t)

	p := c.AllocLarge(4096, 0)
	require.NotNil(t, p)
	c.FreeLarge(p)
}
