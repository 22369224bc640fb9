package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAccounting(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 1024})

	require.NoError(t, c.AcquireMemory(context.Background(), 512))
	assert.Equal(t, int64(512), c.MemoryUsage())

	assert.True(t, c.TryAcquireMemory(512))
	assert.False(t, c.TryAcquireMemory(1), "limit reached")

	c.ReleaseMemory(512)
	assert.Equal(t, int64(512), c.MemoryUsage())
	assert.True(t, c.TryAcquireMemory(256))
}

func TestAcquireMemoryBlocksUntilRelease(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})
	require.NoError(t, c.AcquireMemory(context.Background(), 100))

	done := make(chan error, 1)
	go func() {
		done <- c.AcquireMemory(context.Background(), 50)
	}()

	select {
	case <-done:
		t.Fatal("acquire should block while the budget is exhausted")
	case <-time.After(20 * time.Millisecond):
	}

	c.ReleaseMemory(60)
	require.NoError(t, <-done)
}

func TestAcquireMemoryHonorsContext(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 10})
	require.NoError(t, c.AcquireMemory(context.Background(), 10))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, c.AcquireMemory(ctx, 1))
}

func TestUnlimitedController(t *testing.T) {
	c := NewController(Config{})
	require.NoError(t, c.AcquireMemory(context.Background(), 1<<40))
	assert.False(t, c.UnderPressure())
	assert.Zero(t, c.EvictionHeadroom())
}

func TestNilControllerIsNoop(t *testing.T) {
	var c *Controller
	require.NoError(t, c.AcquireMemory(context.Background(), 100))
	assert.True(t, c.TryAcquireMemory(100))
	c.ReleaseMemory(100)
	assert.False(t, c.UnderPressure())
	require.NoError(t, c.AcquireBackground(context.Background()))
	c.ReleaseBackground()
}

func TestPressureAndHeadroom(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 800, EvictionHeadroomBytes: 200})
	assert.Equal(t, int64(200), c.EvictionHeadroom())
	assert.False(t, c.UnderPressure())

	require.NoError(t, c.AcquireMemory(context.Background(), 700))
	assert.True(t, c.UnderPressure())
}

func TestBackgroundSlots(t *testing.T) {
	c := NewController(Config{MaxBackgroundWorkers: 1})
	assert.True(t, c.TryAcquireBackground())
	assert.False(t, c.TryAcquireBackground())
	c.ReleaseBackground()
	assert.True(t, c.TryAcquireBackground())
	c.ReleaseBackground()
}
