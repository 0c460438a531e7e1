package transport

import (
	"errors"
	"time"

	"github.com/danmuck/adminsync/internal/observability"
	"github.com/danmuck/adminsync/internal/protocol"
	"github.com/danmuck/adminsync/internal/protocol/envelope"
	"github.com/danmuck/adminsync/internal/protocol/frame"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var ErrNoEmitter = errors.New("transport: no emitter attached")

// Emitter is the host's native send primitive.
type Emitter interface {
	Emit(unit []byte, dest protocol.Destination)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(unit []byte, dest protocol.Destination)

func (f EmitterFunc) Emit(unit []byte, dest protocol.Destination) { f(unit, dest) }

// Sink receives every reassembled envelope exactly once.
type Sink func(env envelope.Envelope)

// Config tunes unit sizing, emission budget, and reassembly retention.
type Config struct {
	Limits         frame.Limits
	UnitsPerSecond float64 // <= 0 disables the budget
	Burst          int
	ReassemblyTTL  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Limits:         frame.DefaultLimits(),
		UnitsPerSecond: 120,
		Burst:          16,
		ReassemblyTTL:  30 * time.Second,
	}
}

type Option func(*Adapter)

// WithCorrelationSeed pins the first correlation id (tests, replays).
func WithCorrelationSeed(seed uint32) Option {
	return func(a *Adapter) { a.nextCorrelation = seed }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

type key struct {
	origin      protocol.PlayerID
	correlation uint32
}

type buffer struct {
	total     uint16
	checksum  uint64
	parts     [][]byte
	received  int
	firstSeen time.Time
}

type queued struct {
	raw  []byte
	dest protocol.Destination
}

// Stats is a point-in-time view used by diagnostics.
type Stats struct {
	Queued    int `json:"queued"`
	Buffered  int `json:"buffered"`
	Completed int `json:"completed"`
}

// Adapter turns envelopes into host units and back. It is driven from the
// tick loop and is not safe for concurrent use.
type Adapter struct {
	cfg     Config
	local   protocol.PlayerID
	side    protocol.Side
	emitter Emitter
	sink    Sink
	limiter *rate.Limiter
	logger  zerolog.Logger

	nextCorrelation uint32
	queue           []queued
	buffers         map[key]*buffer
	completed       map[key]time.Time
}

func New(cfg Config, local protocol.PlayerID, side protocol.Side, sink Sink, opts ...Option) *Adapter {
	if cfg.Limits.MaxUnitSize == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	if cfg.ReassemblyTTL <= 0 {
		cfg.ReassemblyTTL = DefaultConfig().ReassemblyTTL
	}
	a := &Adapter{
		cfg:       cfg,
		local:     local,
		side:      side,
		sink:      sink,
		logger:    zerolog.Nop(),
		buffers:   make(map[key]*buffer),
		completed: make(map[key]time.Time),
	}
	if cfg.UnitsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.UnitsPerSecond), burst)
	}
	seed := uuid.New()
	a.nextCorrelation = uint32(seed[0])<<24 | uint32(seed[1])<<16 | uint32(seed[2])<<8 | uint32(seed[3])
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Attach sets the host primitive; nil detaches it.
func (a *Adapter) Attach(emitter Emitter) {
	a.emitter = emitter
}

// Send serializes env and queues its units for dest. Units leave on Flush.
func (a *Adapter) Send(env envelope.Envelope, dest protocol.Destination) error {
	raw, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	correlation := a.allocateCorrelation()
	units, err := frame.Split(raw, a.local, dest.Player, correlation, a.cfg.Limits)
	if err != nil {
		return err
	}
	for _, u := range units {
		a.queue = append(a.queue, queued{raw: frame.EncodeUnit(u), dest: dest})
	}
	a.logger.Debug().
		Stringer("action", env.Action).
		Stringer("dest", dest.Player).
		Uint32("correlation", correlation).
		Int("units", len(units)).
		Str("size", humanize.Bytes(uint64(len(raw)))).
		Msg("envelope queued")
	return nil
}

// Flush emits queued units in order until the budget for now is spent.
func (a *Adapter) Flush(now time.Time) (int, error) {
	if len(a.queue) == 0 {
		return 0, nil
	}
	if a.emitter == nil {
		return 0, ErrNoEmitter
	}
	sent := 0
	for len(a.queue) > 0 {
		if a.limiter != nil && !a.limiter.AllowN(now, 1) {
			break
		}
		next := a.queue[0]
		a.queue[0] = queued{}
		a.queue = a.queue[1:]
		a.emitter.Emit(next.raw, next.dest)
		observability.RecordUnit("out", "emitted")
		sent++
	}
	if len(a.queue) == 0 {
		a.queue = nil
	}
	return sent, nil
}

// OnUnitObserved is the receive hook for every unit the host surfaces.
// Lost, duplicate, foreign, and out-of-range units are dropped silently.
func (a *Adapter) OnUnitObserved(raw []byte, now time.Time) {
	unit, err := frame.DecodeUnit(raw)
	if err != nil {
		a.drop("malformed", err)
		return
	}
	h := unit.Header
	if !a.accepts(h) {
		observability.RecordUnit("in", "foreign")
		return
	}

	k := key{origin: h.Origin, correlation: h.Correlation}
	if _, done := a.completed[k]; done {
		a.drop("duplicate", nil)
		return
	}
	buf, ok := a.buffers[k]
	if !ok {
		buf = &buffer{
			total:     h.Total,
			checksum:  h.Checksum,
			parts:     make([][]byte, h.Total),
			firstSeen: now,
		}
		a.buffers[k] = buf
	}
	if buf.total != h.Total || buf.checksum != h.Checksum {
		a.drop("mismatch", nil)
		return
	}
	if buf.parts[h.Seq-1] != nil {
		a.drop("duplicate", nil)
		return
	}
	buf.parts[h.Seq-1] = unit.Data
	buf.received++
	if buf.received < int(buf.total) {
		observability.RecordUnit("in", "buffered")
		observability.SetReassemblyBuffers(len(a.buffers))
		return
	}

	delete(a.buffers, k)
	a.completed[k] = now
	observability.SetReassemblyBuffers(len(a.buffers))
	a.complete(k, buf)
}

func (a *Adapter) complete(k key, buf *buffer) {
	size := 0
	for _, p := range buf.parts {
		size += len(p)
	}
	payload := make([]byte, 0, size)
	for _, p := range buf.parts {
		payload = append(payload, p...)
	}
	if frame.Checksum(payload) != buf.checksum {
		a.drop("corrupt", nil)
		return
	}

	env, err := envelope.Decode(payload)
	if err != nil {
		observability.RecordUnit("in", "rejected")
		a.logger.Warn().
			Err(err).
			Stringer("origin", k.origin).
			Uint16("action", uint16(env.Action)).
			Msg("dropping undecodable envelope")
		return
	}
	if env.Sender != k.origin {
		observability.RecordUnit("in", "spoofed")
		a.logger.Warn().
			Stringer("origin", k.origin).
			Stringer("sender", env.Sender).
			Msg("dropping envelope whose sender does not match unit origin")
		return
	}
	observability.RecordUnit("in", "delivered")
	if a.sink != nil {
		a.sink(env)
	}
}

// Collect discards partial buffers and completion markers older than the
// reassembly TTL and returns how many entries were removed.
func (a *Adapter) Collect(now time.Time) int {
	removed := 0
	for k, buf := range a.buffers {
		if now.Sub(buf.firstSeen) > a.cfg.ReassemblyTTL {
			delete(a.buffers, k)
			removed++
			a.logger.Debug().
				Stringer("origin", k.origin).
				Uint32("correlation", k.correlation).
				Int("received", buf.received).
				Uint16("total", buf.total).
				Msg("expired partial envelope")
		}
	}
	for k, at := range a.completed {
		if now.Sub(at) > a.cfg.ReassemblyTTL {
			delete(a.completed, k)
		}
	}
	observability.SetReassemblyBuffers(len(a.buffers))
	return removed
}

// Reset discards queued units and partial buffers. Completion markers
// survive until Collect ages them out, so a late duplicate of an envelope
// that was already dispatched stays suppressed across a reconnect.
func (a *Adapter) Reset() {
	a.queue = nil
	a.buffers = make(map[key]*buffer)
	observability.SetReassemblyBuffers(0)
}

// Clear is Reset plus the completion markers. Used when the adapter is
// released for good.
func (a *Adapter) Clear() {
	a.Reset()
	a.completed = make(map[key]time.Time)
}

func (a *Adapter) Stats() Stats {
	return Stats{
		Queued:    len(a.queue),
		Buffered:  len(a.buffers),
		Completed: len(a.completed),
	}
}

func (a *Adapter) accepts(h frame.Header) bool {
	if h.Origin == a.local {
		return false
	}
	if a.side == protocol.SideServer {
		return h.Target == protocol.ServerID
	}
	// clients only listen to the server
	return h.Origin == protocol.ServerID && h.Target == a.local
}

func (a *Adapter) allocateCorrelation() uint32 {
	a.nextCorrelation++
	if a.nextCorrelation == 0 {
		a.nextCorrelation++
	}
	return a.nextCorrelation
}

func (a *Adapter) drop(reason string, err error) {
	observability.RecordUnit("in", reason)
	ev := a.logger.Debug().Str("reason", reason)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("unit dropped")
}
