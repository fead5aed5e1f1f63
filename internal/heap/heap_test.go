package heap_test

import (
	"testing"

	"fenrir/internal/heap"

	"github.com/stretchr/testify/assert"
)

func intLess(a, b int) bool { return a < b }

func TestPushPopOrdering(t *testing.T) {
	h := heap.New(intLess)
	for _, v := range []int{5, 3, 8, 1, 9, 2} {
		h.Push(v)
	}

	var out []int
	for {
		v, ok := h.Pop()
		if !ok {
			break
		}
		out = append(out, v)
	}
	assert.Equal(t, []int{1, 2, 3, 5, 8, 9}, out)
}

func TestPeekDoesNotMutate(t *testing.T) {
	h := heap.New(intLess)
	h.Push(4)
	h.Push(2)

	top, ok := h.Peek()
	assert.True(t, ok)
	assert.Equal(t, 2, top)
	assert.Equal(t, 2, h.Len())
}

func TestEmptyHeapNeverFails(t *testing.T) {
	h := heap.New(intLess)
	_, ok := h.Peek()
	assert.False(t, ok)
	_, ok = h.Pop()
	assert.False(t, ok)
}

func TestRemoveFirst(t *testing.T) {
	h := heap.New(intLess)
	for _, v := range []int{5, 3, 8, 1, 9, 2} {
		h.Push(v)
	}

	removed := h.RemoveFirst(func(v int) bool { return v == 8 })
	assert.True(t, removed)
	assert.Equal(t, 5, h.Len())

	missing := h.RemoveFirst(func(v int) bool { return v == 100 })
	assert.False(t, missing)

	var out []int
	for {
		v, ok := h.Pop()
		if !ok {
			break
		}
		out = append(out, v)
	}
	assert.Equal(t, []int{1, 2, 3, 5, 9}, out)
}

func TestSnapshotDoesNotMutate(t *testing.T) {
	h := heap.New(intLess)
	h.Push(1)
	h.Push(2)
	snap := h.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, 2, h.Len())
}
