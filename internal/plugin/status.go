package plugin

import (
	"sync"
	"time"

	"github.com/danmuck/adminsync/internal/handshake"
	"github.com/danmuck/adminsync/internal/protocol"
	"github.com/danmuck/adminsync/internal/transport"
)

// CommandInfo is the public shape of one registered command.
type CommandInfo struct {
	Name     string   `json:"name"`
	Aliases  []string `json:"aliases"`
	Security string   `json:"security"`
	Side     string   `json:"side"`
	Usage    string   `json:"usage"`
}

// Status is a copy of plugin state taken on the slow tick.
type Status struct {
	Mode      string                 `json:"mode"`
	Player    protocol.PlayerID      `json:"player"`
	Running   bool                   `json:"running"`
	Handshake string                 `json:"handshake,omitempty"`
	Blocked   bool                   `json:"blocked"`
	SimTime   time.Time              `json:"sim_time"`
	Ticks100  uint64                 `json:"ticks_100ms"`
	Ticks1000 uint64                 `json:"ticks_1000ms"`
	Transport transport.Stats        `json:"transport"`
	Connected []protocol.PlayerID    `json:"connected,omitempty"`
	Peers     []handshake.PeerStatus `json:"peers,omitempty"`
	Commands  []CommandInfo          `json:"commands"`
}

// StatusBoard is the only plugin state read outside the tick goroutine.
type StatusBoard struct {
	mu     sync.RWMutex
	status Status
}

func (b *StatusBoard) Publish(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = s
}

func (b *StatusBoard) Snapshot() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.status
	s.Connected = append([]protocol.PlayerID(nil), s.Connected...)
	s.Peers = append([]handshake.PeerStatus(nil), s.Peers...)
	s.Commands = append([]CommandInfo(nil), s.Commands...)
	return s
}
