package collcomm

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySymmetricKeys(t *testing.T) {
	m1, m2 := NewMemory(), NewMemory()
	for _, size := range []int{16, 8, 0} {
		r1 := m1.Register(make([]byte, size))
		r2 := m2.Register(make([]byte, size))
		assert.Equal(t, r1, r2)
	}
}

func TestMemoryBytes(t *testing.T) {
	m := NewMemory()
	buf := []byte{1, 2, 3, 4, 5, 6}
	r := m.Register(buf)

	data, err := m.Bytes(r.Sub(2, 3))
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4, 5}, data)

	// The result aliases the registered buffer.
	data[0] = 33
	assert.Equal(t, byte(33), buf[2])

	_, err = m.Bytes(Region{Key: r.Key, Offset: 4, Length: 4})
	assert.True(t, errors.Is(err, ErrOutOfBounds))

	_, err = m.Bytes(Region{Key: 7, Length: 1})
	assert.True(t, errors.Is(err, ErrNotRegistered))

	require.NoError(t, m.Deregister(r))
	_, err = m.Bytes(r)
	assert.True(t, errors.Is(err, ErrNotRegistered))
	assert.Error(t, m.Deregister(r))
}

func TestRegionOverlaps(t *testing.T) {
	a := Region{Key: 0, Offset: 0, Length: 8}
	assert.True(t, a.Overlaps(a))
	assert.True(t, a.Overlaps(Region{Key: 0, Offset: 7, Length: 4}))
	assert.False(t, a.Overlaps(Region{Key: 0, Offset: 8, Length: 4}))
	assert.False(t, a.Overlaps(Region{Key: 1, Offset: 0, Length: 8}))
	assert.False(t, a.Overlaps(Region{Key: 0, Offset: 2, Length: 0}))
	assert.Panics(t, func() { a.Sub(4, 5) })
}
