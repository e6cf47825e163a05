package collcomm

import "github.com/pkg/errors"

var (
	// ErrNotRegistered is returned for a Region whose key
	// was never registered or has been deregistered.
	ErrNotRegistered = errors.New("memory is not registered")

	// ErrOutOfBounds is returned for a Region that extends
	// past the end of its buffer.
	ErrOutOfBounds = errors.New("region is out of bounds")
)

// A Region names a range of bytes inside a buffer that
// was registered with a Memory.
//
// Regions are plain values, so they can be sent to other
// nodes. A node resolves a Region against its own Memory,
// which makes a Region refer to "the same" buffer on every
// node that registered its buffers in the same order.
type Region struct {
	Key    int
	Offset int
	Length int
}

// Sub returns the part of r that starts offset bytes in
// and is length bytes long.
func (r Region) Sub(offset, length int) Region {
	if offset < 0 || length < 0 || offset+length > r.Length {
		panic("sub-region out of bounds")
	}
	return Region{Key: r.Key, Offset: r.Offset + offset, Length: length}
}

// Overlaps checks if two regions share any bytes.
func (r Region) Overlaps(other Region) bool {
	if r.Key != other.Key || r.Length == 0 || other.Length == 0 {
		return false
	}
	return r.Offset < other.Offset+other.Length && other.Offset < r.Offset+r.Length
}

// Memory stores the buffers that a node exposes to
// one-sided operations.
//
// Keys are assigned sequentially.
// A Memory is not safe for concurrent use; it belongs to
// the Goroutine of the node that owns it.
type Memory struct {
	buffers [][]byte
}

// NewMemory creates an empty Memory.
func NewMemory() *Memory {
	return &Memory{}
}

// Register exposes a buffer and returns a Region that
// covers all of it.
func (m *Memory) Register(buf []byte) Region {
	if buf == nil {
		buf = []byte{}
	}
	m.buffers = append(m.buffers, buf)
	return Region{Key: len(m.buffers) - 1, Length: len(buf)}
}

// Deregister stops exposing the buffer behind a Region.
//
// The key is never reused.
func (m *Memory) Deregister(r Region) error {
	if _, err := m.buffer(r.Key); err != nil {
		return err
	}
	m.buffers[r.Key] = nil
	return nil
}

// Bytes resolves a Region to the bytes it covers.
//
// The result aliases the registered buffer.
func (m *Memory) Bytes(r Region) ([]byte, error) {
	buf, err := m.buffer(r.Key)
	if err != nil {
		return nil, err
	}
	if r.Offset < 0 || r.Length < 0 || r.Offset+r.Length > len(buf) {
		return nil, errors.Wrapf(ErrOutOfBounds, "region [%d, %d) of buffer %d (size %d)",
			r.Offset, r.Offset+r.Length, r.Key, len(buf))
	}
	return buf[r.Offset : r.Offset+r.Length : r.Offset+r.Length], nil
}

func (m *Memory) buffer(key int) ([]byte, error) {
	if key < 0 || key >= len(m.buffers) || m.buffers[key] == nil {
		return nil, errors.Wrapf(ErrNotRegistered, "key %d", key)
	}
	return m.buffers[key], nil
}
