package opflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closable struct {
	name   string
	closed *[]string
}

func (c *closable) Close() error {
	*c.closed = append(*c.closed, c.name)
	return nil
}

type fakeSub struct{ cancelled bool }

func (s *fakeSub) Cancel() { s.cancelled = true }

func TestStore_PutGetDelete(t *testing.T) {
	s := NewStore()

	require.NoError(t, s.Put("a", 1))
	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	s.Delete("a")
	_, ok = s.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestStore_RejectsInvalidKeys(t *testing.T) {
	s := NewStore()
	assert.Error(t, s.Put(func() {}, 1))
}

func TestStore_ClearDisposesInReverseInsertionOrder(t *testing.T) {
	s := NewStore()
	var closed []string

	require.NoError(t, s.Put("first", &closable{name: "first", closed: &closed}))
	require.NoError(t, s.Put("second", &closable{name: "second", closed: &closed}))
	require.NoError(t, s.Put("third", &closable{name: "third", closed: &closed}))

	s.Clear()
	assert.Equal(t, []string{"third", "second", "first"}, closed)
	assert.Equal(t, 0, s.Len())
}

func TestStore_DisposesKnownShapes(t *testing.T) {
	s := NewStore()

	timerFired := false
	timer := time.AfterFunc(50*time.Millisecond, func() { timerFired = true })

	ctx, cancel := context.WithCancel(context.Background())
	sub := &fakeSub{}
	funcCalled := false

	require.NoError(t, s.Put("timer", timer))
	require.NoError(t, s.Put("cancel", context.CancelFunc(cancel)))
	require.NoError(t, s.Put("sub", sub))
	require.NoError(t, s.Put("fn", func() { funcCalled = true }))
	require.NoError(t, s.Put("plain", "just a value"))

	s.Clear()

	assert.Error(t, ctx.Err(), "cancel func invoked")
	assert.True(t, sub.cancelled)
	assert.True(t, funcCalled)

	time.Sleep(80 * time.Millisecond)
	assert.False(t, timerFired, "timer stopped before firing")
}

func TestStore_ReplaceDisposesOldValue(t *testing.T) {
	s := NewStore()
	var closed []string

	require.NoError(t, s.Put("k", &closable{name: "old", closed: &closed}))
	require.NoError(t, s.Put("k", &closable{name: "new", closed: &closed}))
	assert.Equal(t, []string{"old"}, closed)
	assert.Equal(t, 1, s.Len())
}

func TestStore_OwnerKeysCollapseToKind(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Put(&fakeScreen{name: "a"}, 1))

	v, ok := s.Get(&fakeScreen{name: "b"})
	require.True(t, ok)
	assert.Equal(t, 1, v)
}
