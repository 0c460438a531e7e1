package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/adminsync/internal/observability"
	"github.com/danmuck/adminsync/internal/protocol"
)

var ErrHandlerPanic = errors.New("dispatch: handler panicked")

const (
	msgDenied   = "You do not have permission to use %s."
	msgGated    = "Commands are unavailable until the server finishes syncing your permissions."
	msgFailed   = "%s failed. See the server log for details."
	msgNoRelay  = "%s can only run on the server, which is not reachable."
	msgClientOn = "%s can only run on a client."
	msgUsage    = "Usage: %s"
)

// Dispatcher resolves chat text against a Registry and drives the tick
// hooks. It is single-threaded: every method runs on the host tick.
type Dispatcher struct {
	registry  *Registry
	env       Env
	scheduler *Scheduler

	fast []func(time.Time)
	slow []func(time.Time)
	step []func(time.Time)
}

func NewDispatcher(registry *Registry, env Env) *Dispatcher {
	d := &Dispatcher{registry: registry, env: env}
	d.scheduler = NewScheduler(d)
	return d
}

// Every100ms adds a hook run on each fast tick, ahead of descriptor hooks
// registered later by Init.
func (d *Dispatcher) Every100ms(fn func(now time.Time)) { d.fast = append(d.fast, fn) }

func (d *Dispatcher) Every1000ms(fn func(now time.Time)) { d.slow = append(d.slow, fn) }

func (d *Dispatcher) EveryStep(fn func(now time.Time)) { d.step = append(d.step, fn) }

// Init freezes the registry, runs each descriptor's Setup once, and wires
// descriptor tick hooks.
func (d *Dispatcher) Init() error {
	if d.registry.Frozen() {
		return ErrRegistryFrozen
	}
	d.registry.Freeze()
	for _, desc := range d.registry.Descriptors() {
		if desc.Setup != nil {
			if err := desc.Setup(&d.env); err != nil {
				return fmt.Errorf("%w: setup %q: %v", ErrInvalidDescriptor, desc.Name, err)
			}
		}
		if desc.Tick100 != nil {
			d.fast = append(d.fast, desc.Tick100)
		}
		if desc.Tick1000 != nil {
			d.slow = append(d.slow, desc.Tick1000)
		}
	}
	d.env.Logger.Debug().Int("commands", len(d.registry.descriptors)).Msg("command registry frozen")
	return nil
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

func (d *Dispatcher) Env() *Env { return &d.env }

func (d *Dispatcher) Advance(elapsed time.Duration) { d.scheduler.Advance(elapsed) }

func (d *Dispatcher) Now() time.Time { return d.scheduler.Now() }

func (d *Dispatcher) Scheduler() *Scheduler { return d.scheduler }

func (d *Dispatcher) OnTick100ms(now time.Time) {
	for _, fn := range d.fast {
		fn(now)
	}
}

func (d *Dispatcher) OnTick1000ms(now time.Time) {
	for _, fn := range d.slow {
		fn(now)
	}
}

func (d *Dispatcher) OnTick(now time.Time) {
	for _, fn := range d.step {
		fn(now)
	}
}

// Dispatch handles text typed by sender on this peer. It returns false only
// when no alias matches, leaving the text to ordinary chat.
func (d *Dispatcher) Dispatch(raw string, sender protocol.PlayerID) bool {
	m, ok := d.registry.Lookup(raw)
	if !ok {
		return false
	}
	desc := m.Descriptor

	if d.env.Side == protocol.SideClient && d.env.Gate != nil && d.env.Gate.Blocked() {
		d.notify(sender, msgGated)
		d.record(desc, "gated")
		return true
	}
	if !d.authorize(desc, sender) {
		return true
	}

	if d.env.Side == protocol.SideClient && desc.Side == ServerOnly {
		d.relay(m, raw, sender)
		return true
	}
	d.invoke(m, sender, false)
	return true
}

// DispatchRelayed handles command text a client forwarded to this server.
// The server repeats the tier check against its own authority.
func (d *Dispatcher) DispatchRelayed(raw string, sender protocol.PlayerID) bool {
	m, ok := d.registry.Lookup(raw)
	if !ok {
		d.env.Logger.Warn().Stringer("sender", sender).Msg("relayed text matched no command")
		return false
	}
	desc := m.Descriptor
	if desc.Side == ClientOnly {
		d.notify(sender, fmt.Sprintf(msgClientOn, desc.Name))
		d.record(desc, "rejected")
		return true
	}
	if !d.authorize(desc, sender) {
		return true
	}
	d.invoke(m, sender, true)
	return true
}

func (d *Dispatcher) authorize(desc *Descriptor, sender protocol.PlayerID) bool {
	var rights Rights
	if d.env.Roles != nil {
		rights = d.env.Roles.Rights(sender)
	}
	if rights.Allows(desc) {
		return true
	}
	d.env.Logger.Info().
		Str("command", desc.Name).
		Stringer("sender", sender).
		Stringer("tier", desc.Security).
		Msg("command denied")
	d.notify(sender, fmt.Sprintf(msgDenied, desc.Name))
	d.record(desc, "denied")
	return false
}

func (d *Dispatcher) relay(m Match, raw string, sender protocol.PlayerID) {
	desc := m.Descriptor
	if d.env.Relay == nil {
		d.notify(sender, fmt.Sprintf(msgNoRelay, desc.Name))
		d.record(desc, "error")
		return
	}
	if err := d.env.Relay.RelayCommand(raw, sender); err != nil {
		d.env.Logger.Error().Err(err).Str("command", desc.Name).Msg("relay failed")
		d.notify(sender, fmt.Sprintf(msgFailed, desc.Name))
		d.record(desc, "error")
		return
	}
	d.record(desc, "relayed")
}

func (d *Dispatcher) invoke(m Match, sender protocol.PlayerID, relayed bool) {
	desc := m.Descriptor
	call := &Call{
		Sender:  sender,
		Command: desc,
		Alias:   m.Alias,
		Args:    m.Rest,
		Relayed: relayed,
		Now:     d.Now(),
		env:     &d.env,
	}

	err := run(desc.Handler, call)
	switch {
	case err == nil:
		d.record(desc, "ok")
	case errors.Is(err, ErrUsage):
		usage := desc.Usage
		if usage == "" {
			usage = desc.Aliases[0]
		}
		d.notify(sender, fmt.Sprintf(msgUsage, usage))
		d.record(desc, "usage")
	default:
		d.env.Logger.Error().
			Err(err).
			Str("command", desc.Name).
			Stringer("sender", sender).
			Bool("relayed", relayed).
			Msg("command handler failed")
		d.notify(sender, fmt.Sprintf(msgFailed, desc.Name))
		if errors.Is(err, ErrHandlerPanic) {
			d.record(desc, "panic")
		} else {
			d.record(desc, "error")
		}
	}
}

func run(h Handler, call *Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h(call)
}

func (d *Dispatcher) notify(player protocol.PlayerID, text string) {
	if d.env.Notifier != nil {
		d.env.Notifier.Notify(player, text)
	}
}

func (d *Dispatcher) record(desc *Descriptor, outcome string) {
	observability.RecordCommand(d.env.Side.String(), desc.Name, outcome)
}
