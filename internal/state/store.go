package state

import (
	"context"
	"sort"
)

// Dataset is everything a Store persists. Nil sections were never saved.
type Dataset struct {
	Players    []PermissionSnapshot
	Protection *ProtectionSnapshot
	Config     *ServerConfig
	Motd       *MessageOfTheDay
}

// Store is the durable persistence collaborator.
type Store interface {
	Load(ctx context.Context) (Dataset, error)
	SavePlayer(ctx context.Context, snap PermissionSnapshot) error
	SaveProtection(ctx context.Context, snap ProtectionSnapshot) error
	SaveConfig(ctx context.Context, cfg ServerConfig) error
	SaveMotd(ctx context.Context, motd MessageOfTheDay) error
	Close() error
}

// MemoryStore keeps records in process. Used by tests and by servers
// running without a database.
type MemoryStore struct {
	players    map[uint64]PermissionSnapshot
	protection *ProtectionSnapshot
	config     *ServerConfig
	motd       *MessageOfTheDay
	Saves      int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{players: make(map[uint64]PermissionSnapshot)}
}

func (m *MemoryStore) Load(context.Context) (Dataset, error) {
	ds := Dataset{}
	for _, p := range m.players {
		ds.Players = append(ds.Players, p.clone())
	}
	sort.Slice(ds.Players, func(i, j int) bool { return ds.Players[i].Player < ds.Players[j].Player })
	if m.protection != nil {
		p := m.protection.clone()
		ds.Protection = &p
	}
	if m.config != nil {
		c := *m.config
		ds.Config = &c
	}
	if m.motd != nil {
		mo := *m.motd
		ds.Motd = &mo
	}
	return ds, nil
}

func (m *MemoryStore) SavePlayer(_ context.Context, snap PermissionSnapshot) error {
	m.players[uint64(snap.Player)] = snap.clone()
	m.Saves++
	return nil
}

func (m *MemoryStore) SaveProtection(_ context.Context, snap ProtectionSnapshot) error {
	p := snap.clone()
	m.protection = &p
	m.Saves++
	return nil
}

func (m *MemoryStore) SaveConfig(_ context.Context, cfg ServerConfig) error {
	m.config = &cfg
	m.Saves++
	return nil
}

func (m *MemoryStore) SaveMotd(_ context.Context, motd MessageOfTheDay) error {
	m.motd = &motd
	m.Saves++
	return nil
}

func (m *MemoryStore) Close() error { return nil }
