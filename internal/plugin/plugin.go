package plugin

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/danmuck/adminsync/internal/commands"
	"github.com/danmuck/adminsync/internal/dispatch"
	"github.com/danmuck/adminsync/internal/handshake"
	"github.com/danmuck/adminsync/internal/protocol"
	"github.com/danmuck/adminsync/internal/protocol/envelope"
	"github.com/danmuck/adminsync/internal/state"
	"github.com/danmuck/adminsync/internal/transport"
	"github.com/rs/zerolog"
)

var (
	ErrNoSession      = errors.New("plugin: host session required")
	ErrNoChannel      = errors.New("plugin: multiplayer mode requires a channel")
	ErrInvalidPlayer  = errors.New("plugin: client needs a player id")
	ErrAlreadyStarted = errors.New("plugin: already started")
	ErrStopped        = errors.New("plugin: stopped plugins cannot restart")
	ErrNotClient      = errors.New("plugin: only clients reconnect")
)

type Options struct {
	Transport transport.Config
	Handshake handshake.Config
	Store     state.Store

	// Server defaults applied when the store has no saved record.
	ServerConfig state.ServerConfig
	Motd         state.MessageOfTheDay
	Admins       []protocol.PlayerID

	Commands        []dispatch.Descriptor
	Version         string
	CorrelationSeed uint32
	Rand            *rand.Rand
	Logger          zerolog.Logger
}

// Plugin is the lifecycle shell around the core. Everything except the
// StatusBoard runs on the host tick.
type Plugin struct {
	host   Host
	mode   Mode
	local  protocol.PlayerID
	opts   Options
	logger zerolog.Logger

	registry   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	adapter    *transport.Adapter
	table      *envelope.Table

	authority *state.Authority
	responder *handshake.Responder

	cache   *state.Cache
	session *handshake.ClientSession

	inbox    [][]byte
	detach   []func()
	commands []CommandInfo
	running  bool
	stopped  bool
	ctx      context.Context
	status   StatusBoard
}

func New(host Host, opts Options) (*Plugin, error) {
	if host.Session == nil {
		return nil, ErrNoSession
	}
	mode := host.Session.Mode()
	local := host.Session.LocalPlayer()
	if mode != ModeOffline && host.Channel == nil {
		return nil, fmt.Errorf("%w: mode %s", ErrNoChannel, mode)
	}
	if mode == ModeClient && local == protocol.ServerID {
		return nil, ErrInvalidPlayer
	}
	if opts.Transport == (transport.Config{}) {
		opts.Transport = transport.DefaultConfig()
	}

	p := &Plugin{
		host:   host,
		mode:   mode,
		local:  local,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "plugin").Stringer("mode", mode).Logger(),
		ctx:    context.Background(),
	}

	transportID := protocol.ServerID
	if mode == ModeClient {
		transportID = local
	}
	adapterOpts := []transport.Option{transport.WithLogger(opts.Logger.With().Str("component", "transport").Logger())}
	if opts.CorrelationSeed != 0 {
		adapterOpts = append(adapterOpts, transport.WithCorrelationSeed(opts.CorrelationSeed))
	}
	p.adapter = transport.New(opts.Transport, transportID, mode.Side(), p.receive, adapterOpts...)

	env := dispatch.Env{
		Side:   mode.Side(),
		Local:  local,
		Logger: opts.Logger.With().Str("component", "dispatch").Logger(),
	}
	p.table = envelope.NewTable(p.logger)
	if mode == ModeClient {
		p.cache = state.NewCache(local)
		if err := p.newSession(); err != nil {
			return nil, err
		}
		env.Roles = p.cache
		env.Gate = p
		env.Relay = p
		env.Notifier = host.Notifier
	} else {
		p.authority = state.NewAuthority(state.PublisherFunc(p.adapter.Send), opts.Store, opts.Logger.With().Str("component", "authority").Logger())
		p.responder = handshake.NewResponder(p.authority, p.adapter, handshake.ResponderOptions{
			ServerIsClient: mode == ModeListen,
			Clock:          p.now,
			Logger:         opts.Logger.With().Str("component", "handshake").Logger(),
		})
		if err := p.responder.Register(p.table); err != nil {
			return nil, err
		}
		if err := p.table.Register(envelope.Command, envelope.Route{OnServer: p.handleRelayedCommand}); err != nil {
			return nil, err
		}
		env.Roles = p.authority
		env.Notifier = dispatch.NotifierFunc(p.notifyFromServer)
	}

	p.registry = dispatch.NewRegistry()
	p.dispatcher = dispatch.NewDispatcher(p.registry, env)
	// Inbound units are handled before the flush so a reply can leave on
	// the same tick its request was processed.
	p.dispatcher.Every100ms(p.drain)
	p.dispatcher.Every100ms(p.flush)
	p.dispatcher.Every1000ms(p.slowTick)
	return p, nil
}

// Start registers commands, freezes the registry, loads server state,
// attaches host hooks, and opens the client handshake. Nothing is attached
// to the host when it returns an error.
func (p *Plugin) Start(ctx context.Context) error {
	if p.stopped {
		return ErrStopped
	}
	if p.running {
		return ErrAlreadyStarted
	}
	p.ctx = ctx

	descriptors := commands.Builtins(commands.Deps{
		Authority: p.authority,
		Cache:     p.cache,
		Registry:  p.registry,
		Version:   p.opts.Version,
	})
	descriptors = append(descriptors, p.opts.Commands...)
	for _, d := range descriptors {
		if err := p.registry.Register(d); err != nil {
			return err
		}
	}
	if err := p.dispatcher.Init(); err != nil {
		return err
	}
	p.commands = describe(p.registry)

	if p.authority != nil {
		if err := p.seedAuthority(ctx); err != nil {
			return err
		}
	}

	if p.host.Chat != nil {
		p.detach = append(p.detach, p.host.Chat.AttachMessageEntered(p.onChat))
	}
	if p.host.Channel != nil {
		p.adapter.Attach(transport.EmitterFunc(p.host.Channel.Emit))
		p.detach = append(p.detach, p.host.Channel.AttachObserver(p.observe))
	}
	p.running = true

	if p.session != nil {
		if err := p.session.Start(p.now()); err != nil {
			p.logger.Warn().Err(err).Msg("first connection request not queued; retry armed")
		}
	}
	p.logger.Info().
		Stringer("player", p.local).
		Int("commands", len(p.commands)).
		Msg("plugin started")
	p.publishStatus(p.now())
	return nil
}

// Stop detaches every hook and drops in-memory transport and session
// state. Dirty server records are persisted first. Safe to call twice.
func (p *Plugin) Stop() error {
	if !p.running {
		return nil
	}
	p.running = false
	p.stopped = true
	for i := len(p.detach) - 1; i >= 0; i-- {
		p.detach[i]()
	}
	p.detach = nil
	p.adapter.Attach(nil)
	p.adapter.Clear()
	p.inbox = nil

	var err error
	if p.authority != nil && p.authority.Dirty() {
		err = p.authority.Persist(context.WithoutCancel(p.ctx))
	}
	if p.session != nil {
		p.session.End()
	}
	p.publishStatus(p.now())
	p.logger.Info().Msg("plugin stopped")
	return err
}

// Step is the host's per-simulation-step entry point.
func (p *Plugin) Step(elapsed time.Duration) {
	if !p.running {
		return
	}
	p.dispatcher.Advance(elapsed)
}

// Reconnect discards the client session and starts a fresh handshake.
func (p *Plugin) Reconnect() error {
	if p.mode != ModeClient {
		return ErrNotClient
	}
	if !p.running {
		return ErrStopped
	}
	p.session.End()
	p.adapter.Reset()
	p.inbox = nil
	if err := p.newSession(); err != nil {
		return err
	}
	return p.session.Start(p.now())
}

// PlayerLeft tells a server that the host saw player disconnect.
func (p *Plugin) PlayerLeft(player protocol.PlayerID) {
	if p.responder != nil {
		p.responder.Disconnect(player)
	}
}

// Blocked is the client execution gate.
func (p *Plugin) Blocked() bool {
	return p.session == nil || p.session.Blocked()
}

// RelayCommand forwards a server-only command typed on this client.
func (p *Plugin) RelayCommand(raw string, _ protocol.PlayerID) error {
	return p.adapter.Send(envelope.Envelope{
		Sender:  p.local,
		Action:  envelope.Command,
		Payload: []byte(raw),
	}, protocol.ToServer())
}

func (p *Plugin) Mode() Mode { return p.mode }

func (p *Plugin) Local() protocol.PlayerID { return p.local }

func (p *Plugin) Dispatcher() *dispatch.Dispatcher { return p.dispatcher }

func (p *Plugin) Authority() *state.Authority { return p.authority }

func (p *Plugin) Cache() *state.Cache { return p.cache }

func (p *Plugin) Session() *handshake.ClientSession { return p.session }

func (p *Plugin) Status() *StatusBoard { return &p.status }

func (p *Plugin) now() time.Time {
	if p.dispatcher == nil {
		return time.Unix(0, 0).UTC()
	}
	return p.dispatcher.Now()
}

func (p *Plugin) newSession() error {
	p.table = envelope.NewTable(p.logger)
	p.session = handshake.NewClientSession(p.local, p.cache, p.adapter, handshake.ClientOptions{
		Config:     p.opts.Handshake,
		Notifier:   p.host.Notifier,
		Disconnect: p.host.Session.Disconnect,
		Rand:       p.opts.Rand,
		Logger:     p.opts.Logger.With().Str("component", "handshake").Logger(),
	})
	return p.session.Register(p.table)
}

func (p *Plugin) seedAuthority(ctx context.Context) error {
	if err := p.authority.Load(ctx); err != nil {
		return err
	}
	if p.authority.Config() == (state.ServerConfig{}) {
		p.authority.SetConfig(p.opts.ServerConfig)
	}
	if p.authority.Motd().Empty() && !p.opts.Motd.Empty() {
		p.authority.SetMotd(p.opts.Motd)
	}
	for _, id := range p.opts.Admins {
		p.authority.SetRole(id, state.RoleAdmin)
	}
	if p.mode == ModeListen || p.mode == ModeOffline {
		if p.local != protocol.ServerID {
			p.authority.SetRole(p.local, state.RoleAdmin)
		}
	}
	return nil
}

func (p *Plugin) onChat(sender protocol.PlayerID, text string) bool {
	if !p.running {
		return false
	}
	return p.dispatcher.Dispatch(text, sender)
}

// observe only queues; units are processed on the next fast tick.
func (p *Plugin) observe(unit []byte) {
	if !p.running {
		return
	}
	p.inbox = append(p.inbox, append([]byte(nil), unit...))
}

func (p *Plugin) receive(env envelope.Envelope) {
	if p.mode == ModeClient && env.Sender != protocol.ServerID {
		p.logger.Warn().Stringer("action", env.Action).Stringer("sender", env.Sender).Msg("dropping envelope not sent by the server")
		return
	}
	if err := p.table.Dispatch(p.mode.Side(), env); err != nil && !errors.Is(err, protocol.ErrUnknownAction) {
		p.logger.Warn().Err(err).Stringer("action", env.Action).Stringer("sender", env.Sender).Msg("envelope handler failed")
	}
}

func (p *Plugin) handleRelayedCommand(env envelope.Envelope) error {
	if !p.authority.IsConnected(env.Sender) {
		p.logger.Warn().Stringer("sender", env.Sender).Msg("dropping command from a player that never completed the handshake")
		return nil
	}
	p.dispatcher.DispatchRelayed(string(env.Payload), env.Sender)
	return nil
}

func (p *Plugin) notifyFromServer(player protocol.PlayerID, text string) {
	local := player == protocol.ServerID || (p.mode != ModeDedicated && player == p.local)
	if local {
		if p.host.Notifier != nil {
			p.host.Notifier.Notify(player, text)
		}
		return
	}
	env, err := p.authority.NoticeEnvelope(text)
	if err == nil {
		err = p.adapter.Send(env, protocol.ToPlayer(player))
	}
	if err != nil {
		p.logger.Warn().Err(err).Stringer("player", player).Msg("notice not sent")
	}
}

func (p *Plugin) flush(now time.Time) {
	if _, err := p.adapter.Flush(now); err != nil {
		p.logger.Debug().Err(err).Msg("flush skipped")
	}
}

func (p *Plugin) drain(now time.Time) {
	for len(p.inbox) > 0 {
		batch := p.inbox
		p.inbox = nil
		for _, unit := range batch {
			p.adapter.OnUnitObserved(unit, now)
		}
	}
}

func (p *Plugin) slowTick(now time.Time) {
	if p.session != nil {
		p.session.Poll(now)
	}
	p.adapter.Collect(now)
	if p.authority != nil && p.authority.Dirty() {
		if err := p.authority.Persist(p.ctx); err != nil {
			p.logger.Error().Err(err).Msg("persist failed; will retry")
		}
	}
	p.publishStatus(now)
}

func (p *Plugin) publishStatus(now time.Time) {
	sched := p.dispatcher.Scheduler()
	s := Status{
		Mode:      p.mode.String(),
		Player:    p.local,
		Running:   p.running,
		Blocked:   p.mode == ModeClient && p.Blocked(),
		SimTime:   now,
		Ticks100:  sched.Fired100,
		Ticks1000: sched.Fired1000,
		Transport: p.adapter.Stats(),
		Commands:  p.commands,
	}
	if p.session != nil {
		s.Handshake = p.session.State().String()
	}
	if p.authority != nil {
		s.Connected = p.authority.Connected()
		s.Peers = p.responder.Peers()
	}
	p.status.Publish(s)
}

func describe(r *dispatch.Registry) []CommandInfo {
	descs := r.Descriptors()
	out := make([]CommandInfo, 0, len(descs))
	for _, d := range descs {
		out = append(out, CommandInfo{
			Name:     d.Name,
			Aliases:  append([]string(nil), d.Aliases...),
			Security: d.Security.String(),
			Side:     d.Side.String(),
			Usage:    d.Usage,
		})
	}
	return out
}
