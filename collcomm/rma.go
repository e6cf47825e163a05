package collcomm

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/unixpickle/ringput/simulator"
)

// CounterSize is the size of a counter that can be the
// target of AtomicAddNB.
const CounterSize = 8

// rmaHeaderSize approximates the bytes of addressing and
// bookkeeping that travel with every packet.
const rmaHeaderSize = 24

// An OpKind identifies a one-sided operation.
type OpKind int

const (
	// OpPut copies bytes into a remote Region.
	OpPut OpKind = iota

	// OpAtomicAdd adds to a remote 64-bit counter.
	OpAtomicAdd
)

func (o OpKind) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpAtomicAdd:
		return "atomic add"
	}
	return fmt.Sprintf("OpKind(%d)", int(o))
}

// A FaultFn decides whether an incoming one-sided
// operation from node source should fail instead of
// being applied to the target region.
type FaultFn func(kind OpKind, source int, target Region) error

// Local resolves a Region against this node's Memory.
func (c *Comms) Local(r Region) ([]byte, error) {
	return c.Memory.Bytes(r)
}

// PutNB starts copying the local src region into the dst
// region of node peer.
//
// The source bytes are captured before PutNB returns, so
// src may be modified immediately.
// The request completes once the peer has applied the
// write; it says nothing about the order in which
// several writes become visible.
func (c *Comms) PutNB(dst, src Region, peer int) (Request, error) {
	if err := c.checkPeer(peer); err != nil {
		return nil, err
	}
	if dst.Length != src.Length {
		return nil, errors.Errorf("put length mismatch: destination has %d bytes, source has %d",
			dst.Length, src.Length)
	}
	data, err := c.Memory.Bytes(src)
	if err != nil {
		return nil, errors.Wrap(err, "resolve put source")
	}
	payload := append([]byte{}, data...)
	return c.post(peer, &rmaPacket{op: OpPut, region: dst, data: payload}), nil
}

// AtomicAddNB starts adding delta to the little-endian
// int64 counter at dst on node peer.
func (c *Comms) AtomicAddNB(dst Region, delta int64, peer int) (Request, error) {
	if err := c.checkPeer(peer); err != nil {
		return nil, err
	}
	if dst.Length != CounterSize {
		return nil, errors.Errorf("atomic target must be %d bytes, got %d", CounterSize, dst.Length)
	}
	return c.post(peer, &rmaPacket{op: OpAtomicAdd, region: dst, delta: delta}), nil
}

// Progress applies incoming one-sided operations and
// completes outstanding requests.
//
// Every packet that has already arrived is handled.
// If none had, Progress waits up to PollInterval units of
// virtual time for a single packet.
func (c *Comms) Progress() {
	var handled bool
	for {
		event := c.Handle.TryPoll(c.Port.Incoming)
		if event == nil {
			break
		}
		c.handle(event.Message.(*simulator.Message))
		handled = true
	}
	if handled {
		return
	}
	if event := c.Handle.PollTimeout(c.pollInterval(), c.Port.Incoming); event != nil {
		c.handle(event.Message.(*simulator.Message))
	}
}

// Outstanding returns the number of requests that have
// not been acknowledged yet.
func (c *Comms) Outstanding() int {
	return len(c.outstanding)
}

func (c *Comms) pollInterval() float64 {
	if c.PollInterval == 0 {
		return DefaultPollInterval
	}
	return c.PollInterval
}

func (c *Comms) checkPeer(peer int) error {
	if peer < 0 || peer >= len(c.Ports) {
		return errors.Errorf("peer %d out of range [0, %d)", peer, len(c.Ports))
	}
	return nil
}

func (c *Comms) post(peer int, p *rmaPacket) Request {
	if c.outstanding == nil {
		c.outstanding = map[uint64]*request{}
	}
	c.nextID++
	p.id = c.nextID
	req := &request{}
	c.outstanding[p.id] = req
	c.send(c.Ports[peer], p)
	return req
}

func (c *Comms) send(dst *simulator.Port, p *rmaPacket) {
	c.Network.Send(c.Handle, &simulator.Message{
		Source:  c.Port,
		Dest:    dst,
		Message: p,
		Size:    p.Size(),
	})
}

func (c *Comms) handle(msg *simulator.Message) {
	p := msg.Message.(*rmaPacket)
	if p.ack {
		req, ok := c.outstanding[p.id]
		if !ok {
			panic("acknowledgement for unknown request")
		}
		delete(c.outstanding, p.id)
		req.done = true
		req.err = p.err
		return
	}
	err := c.apply(c.IndexOf(msg.Source), p)
	c.send(msg.Source, &rmaPacket{ack: true, op: p.op, id: p.id, err: err})
}

func (c *Comms) apply(source int, p *rmaPacket) error {
	if c.Faults != nil {
		if err := c.Faults(p.op, source, p.region); err != nil {
			return errors.Wrapf(err, "%s from node %d", p.op, source)
		}
	}
	buf, err := c.Memory.Bytes(p.region)
	if err != nil {
		return errors.Wrapf(err, "%s from node %d", p.op, source)
	}
	switch p.op {
	case OpPut:
		copy(buf, p.data)
	case OpAtomicAdd:
		value := int64(binary.LittleEndian.Uint64(buf))
		binary.LittleEndian.PutUint64(buf, uint64(value+p.delta))
	}
	return nil
}

type rmaPacket struct {
	ack    bool
	op     OpKind
	id     uint64
	region Region
	data   []byte
	delta  int64
	err    error
}

func (r *rmaPacket) Size() float64 {
	if r.ack {
		return rmaHeaderSize
	} else if r.op == OpAtomicAdd {
		return rmaHeaderSize + CounterSize
	}
	return float64(rmaHeaderSize + len(r.data))
}

type request struct {
	done bool
	err  error
}

func (r *request) Test() error {
	if !r.done {
		return ErrInProgress
	}
	return r.err
}
