// Package loopback is an in-memory host for running servers and clients in
// one process. Delivery is deterministic for a given seed.
package loopback

import (
	"math/rand"
	"slices"

	"github.com/danmuck/adminsync/internal/plugin"
	"github.com/danmuck/adminsync/internal/protocol"
	"github.com/rs/zerolog"
)

// Faults shapes delivery. Rates are probabilities in [0, 1].
type Faults struct {
	Reorder       bool
	DuplicateRate float64
	DropRate      float64
}

type delivery struct {
	from protocol.PlayerID
	to   protocol.PlayerID
	unit []byte
}

// Network joins one server peer and any number of client peers. Emitted
// units wait until Deliver.
type Network struct {
	faults  Faults
	rng     *rand.Rand
	peers   map[protocol.PlayerID]*Peer
	pending []delivery
	logger  zerolog.Logger

	Delivered  int
	Dropped    int
	Duplicated int
}

func NewNetwork(faults Faults, seed int64, logger zerolog.Logger) *Network {
	return &Network{
		faults: faults,
		rng:    rand.New(rand.NewSource(seed)),
		peers:  make(map[protocol.PlayerID]*Peer),
		logger: logger,
	}
}

// Join adds a peer. The server side of a session joins under
// protocol.ServerID regardless of its local player.
func (n *Network) Join(local protocol.PlayerID, mode plugin.Mode) *Peer {
	addr := local
	if mode != plugin.ModeClient {
		addr = protocol.ServerID
	}
	p := &Peer{
		net:       n,
		addr:      addr,
		local:     local,
		mode:      mode,
		observers: make(map[int]func([]byte)),
		hooks:     make(map[int]plugin.ChatHook),
	}
	n.peers[addr] = p
	return p
}

// Leave removes a peer; units addressed to it are discarded.
func (n *Network) Leave(p *Peer) {
	delete(n.peers, p.addr)
}

func (n *Network) Peer(addr protocol.PlayerID) (*Peer, bool) {
	p, ok := n.peers[addr]
	return p, ok
}

func (n *Network) Pending() int { return len(n.pending) }

// Deliver hands every queued unit to its destination's observers and
// returns how many observer calls were made.
func (n *Network) Deliver() int {
	batch := n.pending
	n.pending = nil
	if n.faults.Reorder {
		n.rng.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
	}
	calls := 0
	for _, d := range batch {
		p, ok := n.peers[d.to]
		if !ok {
			n.Dropped++
			continue
		}
		calls += p.observe(d.unit)
		n.Delivered++
	}
	if calls > 0 {
		n.logger.Trace().Int("units", len(batch)).Int("calls", calls).Msg("loopback delivered")
	}
	return calls
}

func (n *Network) enqueue(from, to protocol.PlayerID, unit []byte) {
	if n.faults.DropRate > 0 && n.rng.Float64() < n.faults.DropRate {
		n.Dropped++
		return
	}
	d := delivery{from: from, to: to, unit: slices.Clone(unit)}
	n.pending = append(n.pending, d)
	if n.faults.DuplicateRate > 0 && n.rng.Float64() < n.faults.DuplicateRate {
		n.Duplicated++
		n.pending = append(n.pending, delivery{from: from, to: to, unit: slices.Clone(unit)})
	}
}
