package handshake

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/danmuck/adminsync/internal/dispatch"
	"github.com/danmuck/adminsync/internal/observability"
	"github.com/danmuck/adminsync/internal/protocol"
	"github.com/danmuck/adminsync/internal/protocol/envelope"
	"github.com/danmuck/adminsync/internal/state"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyStarted = errors.New("handshake: session already started")
	ErrSessionEnded   = errors.New("handshake: session ended")
)

type State uint8

const (
	Disconnected State = iota
	AwaitingPermissions
	Synced
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case AwaitingPermissions:
		return "awaiting_permissions"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}

// SyncKind is a bit per sync message that gates execution.
type SyncKind uint8

const (
	SyncPermissions SyncKind = 1 << iota
	SyncProtection
	SyncConfig

	syncAll = SyncPermissions | SyncProtection | SyncConfig
)

// Sender queues an envelope for a peer; transport.Adapter satisfies it.
type Sender interface {
	Send(env envelope.Envelope, dest protocol.Destination) error
}

type ClientOptions struct {
	Config     Config
	Notifier   dispatch.Notifier
	Disconnect func(reason string)
	OnSynced   func()
	Rand       *rand.Rand
	Logger     zerolog.Logger
}

// ClientSession is one connect attempt's state machine. Synced is terminal;
// a reconnect builds a new session.
type ClientSession struct {
	id     uuid.UUID
	local  protocol.PlayerID
	state  State
	seen   SyncKind
	ended  bool
	warned bool

	cache  *state.Cache
	outbox *Outbox
	sender Sender
	opts   ClientOptions
	logger zerolog.Logger
}

func NewClientSession(local protocol.PlayerID, cache *state.Cache, sender Sender, opts ClientOptions) *ClientSession {
	if opts.Config.Backoff.InitialDelay <= 0 {
		opts.Config = DefaultConfig()
	}
	id := uuid.New()
	return &ClientSession{
		id:     id,
		local:  local,
		cache:  cache,
		outbox: NewOutbox(),
		sender: sender,
		opts:   opts,
		logger: opts.Logger.With().Str("session", id.String()).Stringer("player", local).Logger(),
	}
}

func (s *ClientSession) ID() uuid.UUID { return s.id }

func (s *ClientSession) State() State { return s.state }

// Blocked is the execution gate: true from Start until every sync kind has
// arrived at least once.
func (s *ClientSession) Blocked() bool { return s.state != Synced }

func (s *ClientSession) Seen() SyncKind { return s.seen }

func (s *ClientSession) Pending() []PendingRequest { return s.outbox.List() }

// Register wires the client-side routes into t.
func (s *ClientSession) Register(t *envelope.Table) error {
	routes := map[envelope.Action]envelope.Handler{
		envelope.PermissionSync:  s.handlePermissions,
		envelope.ProtectionSync:  s.handleProtection,
		envelope.ConfigSync:      s.handleConfig,
		envelope.Motd:            s.handleMotd,
		envelope.Notice:          s.handleNotice,
		envelope.ForceDisconnect: s.handleForceDisconnect,
	}
	for _, action := range []envelope.Action{
		envelope.ConfigSync, envelope.PermissionSync, envelope.ProtectionSync,
		envelope.Motd, envelope.ForceDisconnect, envelope.Notice,
	} {
		if err := t.Register(action, envelope.Route{OnClient: routes[action]}); err != nil {
			return err
		}
	}
	return nil
}

// Start sends the first connection request and blocks the gate.
func (s *ClientSession) Start(now time.Time) error {
	if s.ended {
		return ErrSessionEnded
	}
	if s.state != Disconnected {
		return ErrAlreadyStarted
	}
	s.state = AwaitingPermissions
	err := s.sendRequest()
	item := PendingRequest{Kind: KindConnect, Attempts: 1, SentAt: now, LastAttemptAt: now}
	if err != nil {
		item.LastError = err.Error()
	}
	s.outbox.Upsert(item)
	s.logger.Info().Msg("connection request sent")
	return err
}

// Poll resends the connection request while awaiting, paced by the backoff
// and capped at MaxConnectAttempts. Run it on the slow tick.
func (s *ClientSession) Poll(now time.Time) {
	if s.state != AwaitingPermissions || s.ended {
		return
	}
	item, ok := s.outbox.Get(KindConnect)
	if !ok {
		return
	}
	delay := NextBackoffDelay(s.opts.Config.Backoff, item.Attempts, s.opts.Rand)
	if now.Sub(item.LastAttemptAt) < delay {
		return
	}
	if limit := s.opts.Config.MaxConnectAttempts; limit > 0 && item.Attempts >= limit {
		if !s.warned {
			s.warned = true
			observability.RecordHandshake("exhausted")
			s.logger.Warn().
				Int("attempts", item.Attempts).
				Str("since", humanize.RelTime(item.SentAt, now, "ago", "from now")).
				Msg("connection requests unanswered; execution stays blocked")
			s.notify(fmt.Sprintf("The server did not answer after %d connection attempts. Commands stay disabled until you reconnect.", item.Attempts))
		}
		return
	}

	errText := ""
	if err := s.sendRequest(); err != nil {
		errText = err.Error()
	}
	item, _ = s.outbox.MarkAttempt(KindConnect, now, errText)
	observability.RecordHandshake("retry")
	s.logger.Debug().
		Str("attempt", humanize.Ordinal(item.Attempts)).
		Str("last_error", item.LastError).
		Msg("connection request resent")
}

// End tears the session down; later envelopes are ignored.
func (s *ClientSession) End() {
	s.ended = true
	s.outbox.Clear()
}

func (s *ClientSession) sendRequest() error {
	observability.RecordHandshake("request")
	return s.sender.Send(envelope.Envelope{Sender: s.local, Action: envelope.ConnectionRequest}, protocol.ToServer())
}

func (s *ClientSession) handlePermissions(env envelope.Envelope) error {
	if s.ended {
		return nil
	}
	snap, err := s.cache.ApplyPermissions(env.Payload)
	if err != nil {
		return err
	}
	s.logger.Debug().Stringer("role", snap.Role).Int("grants", len(snap.Grants)).Msg("permissions synced")
	s.observe(SyncPermissions)
	return nil
}

func (s *ClientSession) handleProtection(env envelope.Envelope) error {
	if s.ended {
		return nil
	}
	snap, err := s.cache.ApplyProtection(env.Payload)
	if err != nil {
		return err
	}
	s.logger.Debug().Bool("enabled", snap.Enabled).Int("zones", len(snap.Zones)).Msg("protection synced")
	s.observe(SyncProtection)
	return nil
}

func (s *ClientSession) handleConfig(env envelope.Envelope) error {
	if s.ended {
		return nil
	}
	cfg, err := s.cache.ApplyConfig(env.Payload)
	if err != nil {
		return err
	}
	s.logger.Debug().Str("server", cfg.ServerName).Msg("config synced")
	s.observe(SyncConfig)
	return nil
}

func (s *ClientSession) handleMotd(env envelope.Envelope) error {
	if s.ended {
		return nil
	}
	motd, err := s.cache.ApplyMotd(env.Payload)
	if err != nil {
		return err
	}
	if motd.ShowInChat && !motd.Empty() {
		s.notify(strings.TrimSpace(motd.Headline + "\n" + motd.Content))
	}
	return nil
}

func (s *ClientSession) handleNotice(env envelope.Envelope) error {
	if s.ended {
		return nil
	}
	n, err := state.Unmarshal[state.Notice](env.Payload)
	if err != nil {
		return err
	}
	s.notify(n.Text)
	return nil
}

func (s *ClientSession) handleForceDisconnect(envelope.Envelope) error {
	if s.ended {
		return nil
	}
	s.logger.Warn().Stringer("state", s.state).Msg("server requested disconnect")
	observability.RecordHandshake("force_disconnect")
	s.End()
	if s.opts.Disconnect != nil {
		s.opts.Disconnect("disconnected by server")
	}
	return nil
}

// observe records a sync kind; the gate opens only once all three arrived.
func (s *ClientSession) observe(kind SyncKind) {
	s.seen |= kind
	if s.state != AwaitingPermissions || s.seen != syncAll {
		return
	}
	s.state = Synced
	s.outbox.Remove(KindConnect)
	observability.RecordHandshake("synced")
	s.logger.Info().Msg("session synced; commands unblocked")
	if s.opts.OnSynced != nil {
		s.opts.OnSynced()
	}
}

func (s *ClientSession) notify(text string) {
	if s.opts.Notifier != nil {
		s.opts.Notifier.Notify(s.local, text)
	}
}
