package simulator

import "fmt"

// A Switcher decides how fast data flows between every
// pair of nodes that are currently exchanging messages,
// including what happens when a node is oversubscribed.
type Switcher interface {
	// SwitchedRates is passed a matrix with a 1 wherever a
	// node has data queued for another node and a 0
	// everywhere else.
	//
	// On return, each entry holds the transfer rate of
	// that connection.
	SwitchedRates(mat *ConnMat)
}

// A GreedyDropSwitcher spreads a node's outgoing bandwidth
// evenly over its active connections, then throttles every
// connection into an oversubscribed node by the same
// factor.
//
// In matrix terms, rows are normalized to the send rates
// and then columns are capped at the receive rates.
type GreedyDropSwitcher struct {
	SendRates []float64
	RecvRates []float64
}

// NewGreedyDropSwitcher creates a GreedyDropSwitcher where
// every node sends and receives at the same rate.
func NewGreedyDropSwitcher(numNodes int, rate float64) *GreedyDropSwitcher {
	send := make([]float64, numNodes)
	recv := make([]float64, numNodes)
	for i := range send {
		send[i] = rate
		recv[i] = rate
	}
	return &GreedyDropSwitcher{SendRates: send, RecvRates: recv}
}

// NumNodes gets the number of nodes the switch expects.
func (g *GreedyDropSwitcher) NumNodes() int {
	return len(g.SendRates)
}

// SwitchedRates applies the switching algorithm.
func (g *GreedyDropSwitcher) SwitchedRates(mat *ConnMat) {
	if mat.NumNodes() != g.NumNodes() {
		panic(fmt.Sprintf("switch expects %d nodes but matrix has %d", g.NumNodes(), mat.NumNodes()))
	}
	for src, rate := range g.SendRates {
		if conns := mat.SumSource(src); conns > 0 {
			mat.ScaleSource(src, rate/conns)
		}
	}
	for dst, rate := range g.RecvRates {
		if incoming := mat.SumDest(dst); incoming > rate {
			mat.ScaleDest(dst, rate/incoming)
		}
	}
}

// A ConnMat is a square matrix of transfer rates, indexed
// by source node (row) and destination node (column).
type ConnMat struct {
	numNodes int
	rates    []float64
}

// NewConnMat creates an all-zero matrix.
func NewConnMat(numNodes int) *ConnMat {
	return &ConnMat{numNodes: numNodes, rates: make([]float64, numNodes*numNodes)}
}

// NumNodes returns the number of rows (and columns).
func (c *ConnMat) NumNodes() int {
	return c.numNodes
}

// Get reads the rate from src to dst.
func (c *ConnMat) Get(src, dst int) float64 {
	return c.rates[c.index(src, dst)]
}

// Set writes the rate from src to dst.
func (c *ConnMat) Set(src, dst int, value float64) {
	c.rates[c.index(src, dst)] = value
}

// SumSource adds up the outgoing rates of src.
func (c *ConnMat) SumSource(src int) float64 {
	return c.sum(src, true)
}

// SumDest adds up the incoming rates of dst.
func (c *ConnMat) SumDest(dst int) float64 {
	return c.sum(dst, false)
}

// ScaleSource multiplies the outgoing rates of src.
func (c *ConnMat) ScaleSource(src int, scale float64) {
	c.scale(src, true, scale)
}

// ScaleDest multiplies the incoming rates of dst.
func (c *ConnMat) ScaleDest(dst int, scale float64) {
	c.scale(dst, false, scale)
}

func (c *ConnMat) index(src, dst int) int {
	if src < 0 || dst < 0 || src >= c.numNodes || dst >= c.numNodes {
		panic(fmt.Sprintf("entry (%d, %d) out of bounds for %d nodes", src, dst, c.numNodes))
	}
	return src*c.numNodes + dst
}

// line returns the indices of a row (or a column).
func (c *ConnMat) line(i int, row bool) []int {
	res := make([]int, c.numNodes)
	for j := range res {
		if row {
			res[j] = c.index(i, j)
		} else {
			res[j] = c.index(j, i)
		}
	}
	return res
}

func (c *ConnMat) sum(i int, row bool) float64 {
	var sum float64
	for _, idx := range c.line(i, row) {
		sum += c.rates[idx]
	}
	return sum
}

func (c *ConnMat) scale(i int, row bool, scale float64) {
	for _, idx := range c.line(i, row) {
		c.rates[idx] *= scale
	}
}
