package handshake

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/danmuck/adminsync/internal/observability"
	"github.com/danmuck/adminsync/internal/protocol"
	"github.com/danmuck/adminsync/internal/protocol/envelope"
	"github.com/danmuck/adminsync/internal/state"
	"github.com/rs/zerolog"
)

var ErrServerSender = errors.New("handshake: connection request from the server id")

// PeerStatus is the responder's per-player handshake bookkeeping.
type PeerStatus struct {
	Player      protocol.PlayerID
	FirstSeen   time.Time
	LastRequest time.Time
	Requests    int
}

type ResponderOptions struct {
	// ServerIsClient marks a listen server; it skips the MOTD because the
	// host already shows it locally.
	ServerIsClient bool
	Clock          func() time.Time
	Logger         zerolog.Logger
}

// Responder answers connection requests from the server's authority.
type Responder struct {
	authority *state.Authority
	sender    Sender
	opts      ResponderOptions
	peers     map[protocol.PlayerID]*PeerStatus
	logger    zerolog.Logger
}

func NewResponder(authority *state.Authority, sender Sender, opts ResponderOptions) *Responder {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Responder{
		authority: authority,
		sender:    sender,
		opts:      opts,
		peers:     make(map[protocol.PlayerID]*PeerStatus),
		logger:    opts.Logger,
	}
}

func (r *Responder) Register(t *envelope.Table) error {
	return t.Register(envelope.ConnectionRequest, envelope.Route{OnServer: r.HandleConnectionRequest})
}

// HandleConnectionRequest answers one request. Duplicates resend the
// current snapshots, so retransmission is harmless.
func (r *Responder) HandleConnectionRequest(env envelope.Envelope) error {
	player := env.Sender
	if player == protocol.ServerID {
		return ErrServerSender
	}
	now := r.opts.Clock()
	peer, ok := r.peers[player]
	if !ok {
		peer = &PeerStatus{Player: player, FirstSeen: now}
		r.peers[player] = peer
	}
	peer.Requests++
	peer.LastRequest = now

	snap := r.authority.Join(player)
	if snap.Banned && !snap.IsAdmin() {
		r.logger.Info().Stringer("player", player).Msg("refusing banned player")
		observability.RecordHandshake("banned")
		delete(r.peers, player)
		r.authority.Disconnect(player)
		r.authority.NotifyAdmins(fmt.Sprintf("Banned player %s tried to connect.", player))
		return r.send(envelope.Envelope{Sender: protocol.ServerID, Action: envelope.ForceDisconnect}, player)
	}

	r.authority.ClearKick(player)
	r.authority.Connect(player)

	var errs []error
	if snap.IsAdmin() {
		for _, note := range r.authority.TakeAdminNotes() {
			errs = append(errs, r.build(player, func() (envelope.Envelope, error) {
				return r.authority.NoticeEnvelope(note)
			}))
		}
	}
	errs = append(errs,
		r.build(player, r.authority.ConfigEnvelope),
		r.build(player, func() (envelope.Envelope, error) { return r.authority.PermissionEnvelope(player) }),
		r.build(player, r.authority.ProtectionEnvelope),
	)
	if !r.opts.ServerIsClient && !r.authority.Motd().Empty() {
		errs = append(errs, r.build(player, r.authority.MotdEnvelope))
	}

	kind := "answered"
	if peer.Requests > 1 {
		kind = "duplicate"
	}
	observability.RecordHandshake(kind)
	r.logger.Info().
		Stringer("player", player).
		Int("requests", peer.Requests).
		Stringer("role", snap.Role).
		Msg("connection request answered")
	return errors.Join(errs...)
}

// Disconnect drops per-player handshake state. The authoritative snapshot
// is kept.
func (r *Responder) Disconnect(player protocol.PlayerID) {
	delete(r.peers, player)
	r.authority.Disconnect(player)
}

func (r *Responder) Peers() []PeerStatus {
	out := make([]PeerStatus, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b PeerStatus) int {
		switch {
		case a.Player < b.Player:
			return -1
		case a.Player > b.Player:
			return 1
		}
		return 0
	})
	return out
}

func (r *Responder) build(player protocol.PlayerID, fn func() (envelope.Envelope, error)) error {
	env, err := fn()
	if err != nil {
		return err
	}
	return r.send(env, player)
}

func (r *Responder) send(env envelope.Envelope, player protocol.PlayerID) error {
	if err := r.sender.Send(env, protocol.ToPlayer(player)); err != nil {
		return fmt.Errorf("handshake: send %s to %s: %w", env.Action, player, err)
	}
	return nil
}
