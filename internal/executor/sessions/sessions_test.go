package sessions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	closed int
}

func (f *fakeSession) Close() error {
	f.closed++
	return nil
}

func TestPutAndGet(t *testing.T) {
	s := NewStore()
	sess := &fakeSession{}

	s.Put("1:a", sess)

	got, ok := s.Get("1:a")
	require.True(t, ok)
	assert.Same(t, sess, got)
	assert.Equal(t, 1, s.Len())

	_, ok = s.Get("1:b")
	assert.False(t, ok)
}

func TestPutDisplacesAndClosesOld(t *testing.T) {
	s := NewStore()
	old := &fakeSession{}
	fresh := &fakeSession{}

	s.Put("k", old)
	s.Put("k", fresh)

	assert.Equal(t, 1, old.closed, "displaced session is closed")
	assert.Equal(t, 0, fresh.closed)

	got, _ := s.Get("k")
	assert.Same(t, fresh, got)
}

func TestPutSameSessionTwice(t *testing.T) {
	s := NewStore()
	sess := &fakeSession{}

	s.Put("k", sess)
	s.Put("k", sess)

	assert.Equal(t, 0, sess.closed, "re-putting the same session must not close it")
}

func TestCloseIsIdempotent(t *testing.T) {
	s := NewStore()
	sess := &fakeSession{}
	s.Put("k", sess)

	s.Close("k")
	s.Close("k")
	s.Close("missing")

	assert.Equal(t, 1, sess.closed)
	assert.Equal(t, 0, s.Len())
}

func TestCloseAll(t *testing.T) {
	s := NewStore()
	a := &fakeSession{}
	b := &fakeSession{}
	s.Put("a", a)
	s.Put("b", b)

	s.CloseAll()

	assert.Equal(t, 1, a.closed)
	assert.Equal(t, 1, b.closed)
	assert.Equal(t, 0, s.Len())

	s.CloseAll()
	assert.Equal(t, 1, a.closed, "CloseAll is idempotent")
}
