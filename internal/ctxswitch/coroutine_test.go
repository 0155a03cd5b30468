package ctxswitch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCoroutine_ReturnsImmediately(t *testing.T) {
	c := New()
	c.Start(func(yield YieldFunc) any { return 42 })

	res := c.Resume(nil)
	require.Equal(t, Returned, res.Kind)
	require.Equal(t, 42, res.Val)
	require.True(t, c.Dead())
}

func TestCoroutine_YieldsThenReturns(t *testing.T) {
	c := New()
	c.Start(func(yield YieldFunc) any {
		got := yield("first")
		return got
	})

	res := c.Resume(nil)
	require.Equal(t, Yielded, res.Kind)
	require.Equal(t, "first", res.Val)
	require.False(t, c.Dead())

	res = c.Resume("resumed-value")
	require.Equal(t, Returned, res.Kind)
	require.Equal(t, "resumed-value", res.Val)
}

func TestCoroutine_MultipleYields(t *testing.T) {
	c := New()
	c.Start(func(yield YieldFunc) any {
		yield(1)
		yield(2)
		return 3
	})

	require.Equal(t, Result{Kind: Yielded, Val: 1}, c.Resume(nil))
	require.Equal(t, Result{Kind: Yielded, Val: 2}, c.Resume(nil))
	require.Equal(t, Result{Kind: Returned, Val: 3}, c.Resume(nil))
}

func TestCoroutine_PanicRecovered(t *testing.T) {
	c := New()
	c.Start(func(yield YieldFunc) any {
		panic("guest fault")
	})

	res := c.Resume(nil)
	require.Equal(t, Panicked, res.Kind)
	require.Equal(t, "guest fault", res.Val)
	require.True(t, c.Dead())
}

func TestCoroutine_ResumeAfterDeath(t *testing.T) {
	c := New()
	c.Start(func(yield YieldFunc) any { return nil })
	c.Resume(nil)

	res := c.Resume(nil)
	require.Equal(t, Panicked, res.Kind)
}
