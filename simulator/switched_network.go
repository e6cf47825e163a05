package simulator

import (
	"fmt"
	"math"
	"sync"
)

// A SwitcherNetwork routes every message through a
// Switcher. Messages that share a link are transmitted
// concurrently and split its bandwidth, so a burst of
// writes slows down everything already in flight.
type SwitcherNetwork struct {
	lock sync.Mutex

	switcher Switcher
	indices  map[*Node]int
	latency  float64

	plan []*planSegment
}

// NewSwitcherNetwork creates a SwitcherNetwork over the
// given nodes.
//
// Every message pays a constant latency before its data
// starts moving. Latency counts toward a link's
// occupancy, so congestion is somewhat overestimated when
// many small messages are in flight.
func NewSwitcherNetwork(switcher Switcher, nodes []*Node, latency float64) *SwitcherNetwork {
	indices := make(map[*Node]int, len(nodes))
	for i, node := range nodes {
		indices[node] = i
	}
	return &SwitcherNetwork{
		switcher: switcher,
		indices:  indices,
		latency:  latency,
	}
}

// Send transmits the messages, re-planning the delivery of
// every message that is still in flight.
//
// It panics if a message's source or destination is not
// one of the network's nodes.
func (s *SwitcherNetwork) Send(h *Handle, msgs ...*Message) {
	s.lock.Lock()
	defer s.lock.Unlock()

	inFlight := s.interrupt(h)
	for _, msg := range msgs {
		inFlight = append(inFlight, &transfer{
			msg:        msg,
			src:        s.index(msg.Source.Node),
			dst:        s.index(msg.Dest.Node),
			latencyDue: s.latency,
			bytesDue:   msg.Size,
		})
	}
	s.schedule(h, inFlight)
}

func (s *SwitcherNetwork) index(node *Node) int {
	idx, ok := s.indices[node]
	if !ok {
		panic(fmt.Sprintf("node %p is not attached to the network", node))
	}
	return idx
}

// interrupt cancels every delivery that has not happened
// yet and returns the in-flight transfers as of now.
func (s *SwitcherNetwork) interrupt(h *Handle) []*transfer {
	now := h.Time()
	var inFlight []*transfer
	for _, seg := range s.plan {
		if now >= seg.end {
			// Deliveries due now may not have fired yet, and
			// are left scheduled.
			continue
		}
		if now >= seg.start {
			for _, tr := range seg.transfers {
				inFlight = append(inFlight, tr.advance(now-seg.start))
			}
		}
		for _, timer := range seg.timers {
			h.Cancel(timer)
		}
	}
	s.plan = nil
	return inFlight
}

// schedule plans the delivery of all the transfers,
// assuming no further messages are sent.
func (s *SwitcherNetwork) schedule(h *Handle, inFlight []*transfer) {
	start := h.Time()
	for len(inFlight) > 0 {
		s.assignRates(inFlight)
		due, rest, eta := nextDeliveries(inFlight)

		seg := &planSegment{start: start, end: start + eta, transfers: inFlight}
		for _, tr := range due {
			timer := h.Schedule(tr.msg.Dest.Incoming, tr.msg, seg.end-h.Time())
			seg.timers = append(seg.timers, timer)
		}
		s.plan = append(s.plan, seg)

		for i, tr := range rest {
			rest[i] = tr.advance(eta)
		}
		inFlight = rest
		start = seg.end
	}
}

// assignRates splits each link's switched rate evenly
// across the transfers using it.
func (s *SwitcherNetwork) assignRates(inFlight []*transfer) {
	mat := NewConnMat(len(s.indices))
	counts := NewConnMat(len(s.indices))
	for _, tr := range inFlight {
		mat.Set(tr.src, tr.dst, 1)
		counts.Set(tr.src, tr.dst, counts.Get(tr.src, tr.dst)+1)
	}
	s.switcher.SwitchedRates(mat)
	for _, tr := range inFlight {
		tr.rate = mat.Get(tr.src, tr.dst) / counts.Get(tr.src, tr.dst)
	}
}

// A transfer is the remaining work of one message.
type transfer struct {
	msg      *Message
	src, dst int

	latencyDue float64
	bytesDue   float64
	rate       float64
}

// eta is the time until the message is delivered at the
// current rate.
func (t *transfer) eta() float64 {
	return math.Max(0, t.latencyDue+t.bytesDue/t.rate)
}

// advance returns a copy of t after the given amount of
// time has elapsed at the current rate.
func (t *transfer) advance(elapsed float64) *transfer {
	res := *t
	if elapsed < res.latencyDue {
		res.latencyDue -= elapsed
		return &res
	}
	elapsed -= res.latencyDue
	res.latencyDue = 0
	res.bytesDue -= res.rate * elapsed
	return &res
}

// A planSegment is a stretch of time over which the set of
// in-flight transfers and their rates stay fixed. It ends
// with at least one delivery.
type planSegment struct {
	start     float64
	end       float64
	timers    []*Timer
	transfers []*transfer
}

func nextDeliveries(inFlight []*transfer) (due, rest []*transfer, eta float64) {
	etas := make([]float64, len(inFlight))
	eta = math.Inf(1)
	for i, tr := range inFlight {
		etas[i] = tr.eta()
		eta = math.Min(eta, etas[i])
	}
	for i, tr := range inFlight {
		if etas[i] == eta {
			due = append(due, tr)
		} else {
			rest = append(rest, tr)
		}
	}
	return due, rest, eta
}
