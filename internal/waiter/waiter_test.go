package waiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rendis/agentrt/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveBeforeWait(t *testing.T) {
	r := New[string](nil)
	r.Create("r1")
	r.Create("r1")
	assert.True(t, r.Resolve("r1", "done"))
	assert.False(t, r.Resolve("r1", "again"))
	assert.False(t, r.Fail("r1", errors.New("x")))
	assert.Equal(t, 0, r.Pending())

	v, err := r.Wait(context.Background(), "r1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", v)

	_, err = r.Wait(context.Background(), "r1", time.Millisecond)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestWaitResolved(t *testing.T) {
	r := New[int](nil)
	r.Create("r1")
	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Resolve("r1", 42)
	}()
	v, err := r.Wait(context.Background(), "r1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 0, r.Pending())
}

func TestWaitFailed(t *testing.T) {
	r := New[int](nil)
	r.Create("r1")
	go r.Fail("r1", schema.NewError(schema.ErrCodeCancelled, "task canceled"))
	_, err := r.Wait(context.Background(), "r1", time.Second)
	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(err))
}

func TestWaitTimeoutRetiresID(t *testing.T) {
	r := New[int](nil)
	r.Create("r1")
	_, err := r.Wait(context.Background(), "r1", 20*time.Millisecond)
	assert.Equal(t, schema.ErrCodeTimeout, schema.CodeOf(err))
	assert.True(t, r.Retired("r1"))
	assert.False(t, r.Resolve("r1", 1), "late result is not delivered")

	r.Create("r1")
	assert.False(t, r.Retired("r1"), "a new request with the same id is live again")
	assert.True(t, r.Resolve("r1", 2))
}

func TestWaitUnknown(t *testing.T) {
	r := New[int](nil)
	_, err := r.Wait(context.Background(), "nope", time.Millisecond)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestWaitContextCanceled(t *testing.T) {
	r := New[int](nil)
	r.Create("r1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Wait(ctx, "r1", time.Second)
	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFailAll(t *testing.T) {
	r := New[int](nil)
	r.Create("a")
	r.Create("b")
	assert.Equal(t, 2, r.FailAll(schema.NewError(schema.ErrCodeShutdown, "stopping")))
	assert.Equal(t, 0, r.Pending())
}

func TestDrop(t *testing.T) {
	r := New[int](nil)
	r.Create("r1")
	r.Drop("r1")
	assert.False(t, r.Resolve("r1", 1))
	assert.False(t, r.Retired("r1"))
	assert.Equal(t, 0, r.Pending())
}
