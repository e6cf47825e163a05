// Package collcomm provides the per-node plumbing that
// collective operations are built on: registered memory,
// one-sided writes and atomics over a simulated network,
// and element-wise reductions.
package collcomm

import "github.com/unixpickle/ringput/simulator"

// DefaultPollInterval is the PollInterval used when a
// Comms does not specify one.
const DefaultPollInterval = 1e-3

// Comms is a node's view of a group of nodes that access
// each other's memory through one-sided operations.
//
// Remote nodes may write into this node's registered
// buffers and add to counters in them without this node
// issuing a matching receive.
// The operations are applied as this node calls Progress,
// which plays the role of the network adapter.
//
// A new Comms object should be used for each operation,
// since Ports carry the acknowledgements of outstanding
// requests. Memory may be shared between Comms objects.
type Comms struct {
	// Handle is the node's main Goroutine's handle on the
	// event loop.
	Handle *simulator.Handle

	// Port is the current node's port.
	Port *simulator.Port

	// Ports contains ports to all the nodes in the
	// network, including the current node.
	Ports []*simulator.Port

	// Network is the network connecting the nodes.
	Network simulator.Network

	// Memory holds the buffers that other nodes may
	// access.
	Memory *Memory

	// PollInterval bounds how much virtual time a single
	// call to Progress may spend waiting for traffic.
	//
	// If PollInterval is 0, DefaultPollInterval is used.
	PollInterval float64

	// Faults, if non-nil, is consulted before this node
	// applies an incoming one-sided operation.
	Faults FaultFn

	nextID      uint64
	outstanding map[uint64]*request
}

// SpawnComms creates Comms objects for every node in a
// network and calls f for each node in its own Goroutine.
//
// If mems is nil, every node gets a fresh Memory.
// Otherwise, mems[i] is used for node i, which lets
// buffers outlive a single EventLoop.
func SpawnComms(loop *simulator.EventLoop, network simulator.Network, nodes []*simulator.Node,
	mems []*Memory, f func(c *Comms)) {
	if mems != nil && len(mems) != len(nodes) {
		panic("need exactly one Memory per node")
	}
	ports := make([]*simulator.Port, len(nodes))
	for i, node := range nodes {
		ports[i] = node.Port(loop)
	}
	for i := range nodes {
		port := ports[i]
		var mem *Memory
		if mems != nil {
			mem = mems[i]
		} else {
			mem = NewMemory()
		}
		loop.Go(func(h *simulator.Handle) {
			f(&Comms{
				Handle:  h,
				Port:    port,
				Ports:   ports,
				Network: network,
				Memory:  mem,
			})
		})
	}
}

// Size gets the number of nodes.
func (c *Comms) Size() int {
	return len(c.Ports)
}

// Index returns the current node's index in the list of
// nodes.
func (c *Comms) Index() int {
	return c.IndexOf(c.Port)
}

// IndexOf returns any node's index.
func (c *Comms) IndexOf(p *simulator.Port) int {
	for i, port := range c.Ports {
		if port == p {
			return i
		}
	}
	panic("unreachable")
}
