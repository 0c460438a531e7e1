package state

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/danmuck/adminsync/internal/dispatch"
	"github.com/danmuck/adminsync/internal/protocol"
	"github.com/danmuck/adminsync/internal/protocol/envelope"
	"github.com/rs/zerolog"
)

// Publisher pushes envelopes to peers, typically transport.Adapter.Send.
type Publisher interface {
	Publish(env envelope.Envelope, dest protocol.Destination) error
}

type PublisherFunc func(env envelope.Envelope, dest protocol.Destination) error

func (f PublisherFunc) Publish(env envelope.Envelope, dest protocol.Destination) error {
	return f(env, dest)
}

// Authority is the server-held source of truth. Every mutation that changes
// what a connected player should see is pushed to that player immediately.
type Authority struct {
	players    map[protocol.PlayerID]*PermissionSnapshot
	protection ProtectionSnapshot
	config     ServerConfig
	motd       MessageOfTheDay
	connected  map[protocol.PlayerID]struct{}
	adminNotes []string

	dirtyPlayers    map[protocol.PlayerID]struct{}
	dirtyProtection bool
	dirtyConfig     bool
	dirtyMotd       bool

	publisher Publisher
	store     Store
	logger    zerolog.Logger
}

func NewAuthority(publisher Publisher, store Store, logger zerolog.Logger) *Authority {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Authority{
		players:      make(map[protocol.PlayerID]*PermissionSnapshot),
		connected:    make(map[protocol.PlayerID]struct{}),
		dirtyPlayers: make(map[protocol.PlayerID]struct{}),
		publisher:    publisher,
		store:        store,
		logger:       logger,
	}
}

// Load replaces in-memory state with the store's dataset.
func (a *Authority) Load(ctx context.Context) error {
	ds, err := a.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("state: load: %w", err)
	}
	a.players = make(map[protocol.PlayerID]*PermissionSnapshot, len(ds.Players))
	for _, p := range ds.Players {
		snap := p.clone()
		a.players[snap.Player] = &snap
	}
	if ds.Protection != nil {
		a.protection = ds.Protection.clone()
	}
	if ds.Config != nil {
		a.config = *ds.Config
	}
	if ds.Motd != nil {
		a.motd = *ds.Motd
	}
	a.logger.Info().
		Int("players", len(a.players)).
		Int("zones", len(a.protection.Zones)).
		Msg("authority loaded")
	return nil
}

// Persist writes every dirty record. Records that fail stay dirty.
func (a *Authority) Persist(ctx context.Context) error {
	var errs []error
	ids := make([]protocol.PlayerID, 0, len(a.dirtyPlayers))
	for id := range a.dirtyPlayers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		snap, ok := a.players[id]
		if !ok {
			delete(a.dirtyPlayers, id)
			continue
		}
		if err := a.store.SavePlayer(ctx, snap.clone()); err != nil {
			errs = append(errs, fmt.Errorf("player %s: %w", id, err))
			continue
		}
		delete(a.dirtyPlayers, id)
	}
	if a.dirtyProtection {
		if err := a.store.SaveProtection(ctx, a.protection.clone()); err != nil {
			errs = append(errs, fmt.Errorf("protection: %w", err))
		} else {
			a.dirtyProtection = false
		}
	}
	if a.dirtyConfig {
		if err := a.store.SaveConfig(ctx, a.config); err != nil {
			errs = append(errs, fmt.Errorf("config: %w", err))
		} else {
			a.dirtyConfig = false
		}
	}
	if a.dirtyMotd {
		if err := a.store.SaveMotd(ctx, a.motd); err != nil {
			errs = append(errs, fmt.Errorf("motd: %w", err))
		} else {
			a.dirtyMotd = false
		}
	}
	return errors.Join(errs...)
}

func (a *Authority) Dirty() bool {
	return len(a.dirtyPlayers) > 0 || a.dirtyProtection || a.dirtyConfig || a.dirtyMotd
}

// Join returns the player's snapshot, creating a default one on first sight.
func (a *Authority) Join(player protocol.PlayerID) PermissionSnapshot {
	return a.ensure(player).clone()
}

func (a *Authority) Snapshot(player protocol.PlayerID) (PermissionSnapshot, bool) {
	snap, ok := a.players[player]
	if !ok {
		return PermissionSnapshot{}, false
	}
	return snap.clone(), true
}

// Players lists every known snapshot ordered by id.
func (a *Authority) Players() []PermissionSnapshot {
	out := make([]PermissionSnapshot, 0, len(a.players))
	for _, p := range a.players {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Player < out[j].Player })
	return out
}

func (a *Authority) Rights(player protocol.PlayerID) dispatch.Rights {
	if player == protocol.ServerID {
		return dispatch.Rights{Admin: true}
	}
	snap, ok := a.players[player]
	if !ok {
		return dispatch.Rights{}
	}
	return snap.Rights()
}

func (a *Authority) Protection() ProtectionSnapshot { return a.protection.clone() }

func (a *Authority) Config() ServerConfig { return a.config }

func (a *Authority) Motd() MessageOfTheDay { return a.motd }

// RenderedMotd is the MOTD with server variables substituted.
func (a *Authority) RenderedMotd() MessageOfTheDay { return RenderMotd(a.motd, a.config) }

// Connect marks player as connected and eligible for pushes.
func (a *Authority) Connect(player protocol.PlayerID) {
	a.ensure(player)
	a.connected[player] = struct{}{}
}

// Disconnect stops pushes to player. The snapshot is retained.
func (a *Authority) Disconnect(player protocol.PlayerID) {
	delete(a.connected, player)
}

func (a *Authority) IsConnected(player protocol.PlayerID) bool {
	_, ok := a.connected[player]
	return ok
}

func (a *Authority) Connected() []protocol.PlayerID {
	out := make([]protocol.PlayerID, 0, len(a.connected))
	for id := range a.connected {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (a *Authority) Ban(player protocol.PlayerID) {
	snap := a.ensure(player)
	if snap.Banned {
		return
	}
	snap.Banned = true
	a.markPlayer(player)
	a.logger.Info().Stringer("player", player).Msg("player banned")
	if !snap.IsAdmin() {
		a.forceDisconnect(player)
		return
	}
	a.pushPermissions(player)
}

func (a *Authority) Unban(player protocol.PlayerID) {
	snap := a.ensure(player)
	if !snap.Banned {
		return
	}
	snap.Banned = false
	a.markPlayer(player)
	a.logger.Info().Stringer("player", player).Msg("player unbanned")
	a.pushPermissions(player)
}

// Kick disconnects player once. The flag is cleared by ClearKick when the
// player connects again.
func (a *Authority) Kick(player protocol.PlayerID) bool {
	if !a.IsConnected(player) {
		return false
	}
	snap := a.ensure(player)
	snap.ForceKicked = true
	a.markPlayer(player)
	a.forceDisconnect(player)
	return true
}

func (a *Authority) ClearKick(player protocol.PlayerID) {
	snap := a.ensure(player)
	if snap.ForceKicked {
		snap.ForceKicked = false
		a.markPlayer(player)
	}
}

// Grant admits player to command and lifts any restriction on it.
func (a *Authority) Grant(player protocol.PlayerID, command string) {
	command = strings.ToLower(strings.TrimSpace(command))
	snap := a.ensure(player)
	snap.Restrictions = removeFold(snap.Restrictions, command)
	if !slices.ContainsFunc(snap.Grants, func(s string) bool { return strings.EqualFold(s, command) }) {
		snap.Grants = append(snap.Grants, command)
	}
	a.markPlayer(player)
	a.pushPermissions(player)
}

// Revoke removes any grant for command and restricts it for player.
func (a *Authority) Revoke(player protocol.PlayerID, command string) {
	command = strings.ToLower(strings.TrimSpace(command))
	snap := a.ensure(player)
	snap.Grants = removeFold(snap.Grants, command)
	if !slices.ContainsFunc(snap.Restrictions, func(s string) bool { return strings.EqualFold(s, command) }) {
		snap.Restrictions = append(snap.Restrictions, command)
	}
	a.markPlayer(player)
	a.pushPermissions(player)
}

func (a *Authority) SetRole(player protocol.PlayerID, role Role) {
	snap := a.ensure(player)
	if snap.Role == role {
		return
	}
	snap.Role = role
	a.markPlayer(player)
	a.pushPermissions(player)
}

func (a *Authority) AddZone(zone Zone) error {
	if err := zone.Validate(); err != nil {
		return err
	}
	if _, ok := a.protection.Zone(zone.Name); ok {
		return fmt.Errorf("%w: %q", ErrZoneExists, zone.Name)
	}
	zone.Owners = slices.Clone(zone.Owners)
	a.protection.Zones = append(a.protection.Zones, zone)
	a.protectionChanged()
	return nil
}

func (a *Authority) RemoveZone(name string) error {
	idx := slices.IndexFunc(a.protection.Zones, func(z Zone) bool { return strings.EqualFold(z.Name, name) })
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrZoneNotFound, name)
	}
	a.protection.Zones = slices.Delete(a.protection.Zones, idx, idx+1)
	a.protectionChanged()
	return nil
}

func (a *Authority) SetProtectionEnabled(enabled bool) {
	if a.protection.Enabled == enabled {
		return
	}
	a.protection.Enabled = enabled
	a.protectionChanged()
}

func (a *Authority) SetConfig(cfg ServerConfig) {
	a.config = cfg
	a.dirtyConfig = true
	a.broadcast(a.ConfigEnvelope)
}

func (a *Authority) SetMotd(motd MessageOfTheDay) {
	a.motd = motd
	a.dirtyMotd = true
	a.broadcast(a.MotdEnvelope)
}

// NotifyAdmins tells connected admins now. With none connected the text
// waits for the next admin to connect.
func (a *Authority) NotifyAdmins(text string) {
	delivered := false
	for _, id := range a.Connected() {
		if snap := a.players[id]; snap != nil && snap.IsAdmin() {
			a.publish(a.NoticeEnvelope, id, text)
			delivered = true
		}
	}
	if !delivered {
		a.adminNotes = append(a.adminNotes, text)
	}
}

// TakeAdminNotes returns and clears queued admin notifications.
func (a *Authority) TakeAdminNotes() []string {
	notes := a.adminNotes
	a.adminNotes = nil
	return notes
}

func (a *Authority) PermissionEnvelope(player protocol.PlayerID) (envelope.Envelope, error) {
	return syncEnvelope(envelope.PermissionSync, a.ensure(player).clone())
}

func (a *Authority) ProtectionEnvelope() (envelope.Envelope, error) {
	return syncEnvelope(envelope.ProtectionSync, a.protection)
}

func (a *Authority) ConfigEnvelope() (envelope.Envelope, error) {
	return syncEnvelope(envelope.ConfigSync, a.config)
}

func (a *Authority) MotdEnvelope() (envelope.Envelope, error) {
	return syncEnvelope(envelope.Motd, a.RenderedMotd())
}

func (a *Authority) NoticeEnvelope(text string) (envelope.Envelope, error) {
	return syncEnvelope(envelope.Notice, Notice{Text: text})
}

func syncEnvelope(action envelope.Action, v any) (envelope.Envelope, error) {
	payload, err := Marshal(v)
	if err != nil {
		return envelope.Envelope{}, err
	}
	return envelope.Envelope{Sender: protocol.ServerID, Action: action, Payload: payload}, nil
}

func (a *Authority) ensure(player protocol.PlayerID) *PermissionSnapshot {
	snap, ok := a.players[player]
	if !ok {
		snap = &PermissionSnapshot{Player: player, Role: RoleUser}
		a.players[player] = snap
		a.markPlayer(player)
	}
	return snap
}

func (a *Authority) markPlayer(player protocol.PlayerID) {
	a.dirtyPlayers[player] = struct{}{}
}

func (a *Authority) protectionChanged() {
	a.dirtyProtection = true
	a.broadcast(a.ProtectionEnvelope)
}

func (a *Authority) pushPermissions(player protocol.PlayerID) {
	if !a.IsConnected(player) {
		return
	}
	env, err := a.PermissionEnvelope(player)
	if err != nil {
		a.logger.Error().Err(err).Stringer("player", player).Msg("encode permission snapshot")
		return
	}
	a.send(env, player)
}

func (a *Authority) forceDisconnect(player protocol.PlayerID) {
	if !a.IsConnected(player) {
		return
	}
	a.send(envelope.Envelope{Sender: protocol.ServerID, Action: envelope.ForceDisconnect}, player)
	a.Disconnect(player)
}

func (a *Authority) broadcast(build func() (envelope.Envelope, error)) {
	if len(a.connected) == 0 {
		return
	}
	env, err := build()
	if err != nil {
		a.logger.Error().Err(err).Msg("encode broadcast snapshot")
		return
	}
	for _, id := range a.Connected() {
		a.send(env, id)
	}
}

func (a *Authority) publish(build func(string) (envelope.Envelope, error), player protocol.PlayerID, text string) {
	env, err := build(text)
	if err != nil {
		a.logger.Error().Err(err).Msg("encode notice")
		return
	}
	a.send(env, player)
}

func (a *Authority) send(env envelope.Envelope, player protocol.PlayerID) {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.Publish(env, protocol.ToPlayer(player)); err != nil {
		a.logger.Warn().
			Err(err).
			Stringer("action", env.Action).
			Stringer("player", player).
			Msg("push failed")
	}
}

func removeFold(list []string, s string) []string {
	return slices.DeleteFunc(list, func(v string) bool { return strings.EqualFold(v, s) })
}
