package transport

import (
	"bytes"
	"reflect"
	"testing"
	"time"

	"github.com/danmuck/adminsync/internal/protocol"
	"github.com/danmuck/adminsync/internal/protocol/envelope"
	"github.com/danmuck/adminsync/internal/protocol/frame"
	"github.com/danmuck/adminsync/internal/testutil/testlog"
)

var epoch = time.Unix(0, 0)

type recorder struct {
	units [][]byte
	dests []protocol.Destination
}

func (r *recorder) Emit(unit []byte, dest protocol.Destination) {
	r.units = append(r.units, unit)
	r.dests = append(r.dests, dest)
}

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.Limits = frame.Limits{MaxUnitSize: frame.HeaderLen + 16}
	cfg.UnitsPerSecond = 0
	return cfg
}

func encodeUnits(t *testing.T, env envelope.Envelope, target protocol.PlayerID, correlation uint32, limits frame.Limits) [][]byte {
	t.Helper()
	raw, err := envelope.Encode(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	units, err := frame.Split(raw, env.Sender, target, correlation, limits)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	out := make([][]byte, 0, len(units))
	for _, u := range units {
		out = append(out, frame.EncodeUnit(u))
	}
	return out
}

func TestSendFlushObserveRoundTrip(t *testing.T) {
	logger := testlog.Start(t)
	cfg := smallConfig()

	var got []envelope.Envelope
	server := New(cfg, protocol.ServerID, protocol.SideServer, func(env envelope.Envelope) {
		got = append(got, env)
	}, WithLogger(logger))
	client := New(cfg, 42, protocol.SideClient, nil, WithLogger(logger))
	wire := &recorder{}
	client.Attach(wire)

	in := envelope.Envelope{Sender: 42, Action: envelope.Command, Payload: bytes.Repeat([]byte("k"), 90), CorrelationID: 11}
	if err := client.Send(in, protocol.ToServer()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if client.Stats().Queued < 2 {
		t.Fatalf("expected fragmentation, queued=%d", client.Stats().Queued)
	}
	sent, err := client.Flush(epoch)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if sent != len(wire.units) || client.Stats().Queued != 0 {
		t.Fatalf("flush left units behind: sent=%d stats=%+v", sent, client.Stats())
	}
	for _, u := range wire.units {
		if len(u) > cfg.Limits.MaxUnitSize {
			t.Fatalf("unit exceeds max size: %d", len(u))
		}
		server.OnUnitObserved(u, epoch)
	}
	if len(got) != 1 || !reflect.DeepEqual(got[0], in) {
		t.Fatalf("unexpected delivery: %+v", got)
	}
}

func TestOutOfOrderUnitsDeliverExactlyOnce(t *testing.T) {
	logger := testlog.Start(t)
	cfg := smallConfig()
	delivered := 0
	server := New(cfg, protocol.ServerID, protocol.SideServer, func(envelope.Envelope) { delivered++ }, WithLogger(logger))

	env := envelope.Envelope{Sender: 9, Action: envelope.Command, Payload: []byte("/protect list")}
	units := encodeUnits(t, env, protocol.ServerID, 7, cfg.Limits)
	if len(units) != 3 {
		t.Fatalf("fixture expects 3 units, got %d", len(units))
	}

	server.OnUnitObserved(units[1], epoch)
	if delivered != 0 {
		t.Fatalf("delivered before completion")
	}
	server.OnUnitObserved(units[2], epoch)
	server.OnUnitObserved(units[1], epoch)
	server.OnUnitObserved(units[0], epoch)
	server.OnUnitObserved(units[0], epoch)
	server.OnUnitObserved(units[2], epoch)

	if delivered != 1 {
		t.Fatalf("expected exactly one delivery, got %d", delivered)
	}
	if s := server.Stats(); s.Buffered != 0 || s.Completed != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestDuplicateSingleUnitEnvelopeDeliversOnce(t *testing.T) {
	logger := testlog.Start(t)
	delivered := 0
	client := New(DefaultConfig(), 5, protocol.SideClient, func(envelope.Envelope) { delivered++ }, WithLogger(logger))
	units := encodeUnits(t, envelope.Envelope{Sender: protocol.ServerID, Action: envelope.ForceDisconnect}, 5, 1, frame.DefaultLimits())
	client.OnUnitObserved(units[0], epoch)
	client.OnUnitObserved(units[0], epoch.Add(time.Second))
	if delivered != 1 {
		t.Fatalf("expected one delivery, got %d", delivered)
	}
}

func TestForeignMalformedAndSpoofedUnitsDropped(t *testing.T) {
	logger := testlog.Start(t)
	delivered := 0
	client := New(DefaultConfig(), 5, protocol.SideClient, func(envelope.Envelope) { delivered++ }, WithLogger(logger))

	other := encodeUnits(t, envelope.Envelope{Sender: protocol.ServerID, Action: envelope.ForceDisconnect}, 6, 1, frame.DefaultLimits())
	client.OnUnitObserved(other[0], epoch)

	echo := encodeUnits(t, envelope.Envelope{Sender: 5, Action: envelope.ConnectionRequest}, 5, 2, frame.DefaultLimits())
	client.OnUnitObserved(echo[0], epoch)

	client.OnUnitObserved([]byte{0xAD, 0x5C, 1}, epoch)

	raw, _ := envelope.Encode(envelope.Envelope{Sender: 77, Action: envelope.ForceDisconnect})
	spoofed, _ := frame.Split(raw, protocol.ServerID, 5, 3, frame.DefaultLimits())
	client.OnUnitObserved(frame.EncodeUnit(spoofed[0]), epoch)

	if delivered != 0 {
		t.Fatalf("expected no deliveries, got %d", delivered)
	}
}

func TestChecksumMismatchDropsEnvelope(t *testing.T) {
	logger := testlog.Start(t)
	delivered := 0
	server := New(DefaultConfig(), protocol.ServerID, protocol.SideServer, func(envelope.Envelope) { delivered++ }, WithLogger(logger))
	units := encodeUnits(t, envelope.Envelope{Sender: 3, Action: envelope.Command, Payload: []byte("/help")}, protocol.ServerID, 4, frame.DefaultLimits())
	units[0][len(units[0])-1] ^= 0xff
	server.OnUnitObserved(units[0], epoch)
	if delivered != 0 {
		t.Fatalf("corrupt envelope delivered")
	}
}

func TestMismatchedTotalIsDropped(t *testing.T) {
	logger := testlog.Start(t)
	cfg := smallConfig()
	delivered := 0
	server := New(cfg, protocol.ServerID, protocol.SideServer, func(envelope.Envelope) { delivered++ }, WithLogger(logger))
	units := encodeUnits(t, envelope.Envelope{Sender: 3, Action: envelope.Command, Payload: bytes.Repeat([]byte("z"), 40)}, protocol.ServerID, 8, cfg.Limits)
	server.OnUnitObserved(units[0], epoch)

	bad, err := frame.DecodeUnit(units[1])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	bad.Header.Total++
	server.OnUnitObserved(frame.EncodeUnit(bad), epoch)
	if s := server.Stats(); s.Buffered != 1 {
		t.Fatalf("expected the original buffer only, got %+v", s)
	}
	for _, u := range units[1:] {
		server.OnUnitObserved(u, epoch)
	}
	if delivered != 1 {
		t.Fatalf("expected delivery after the genuine units, got %d", delivered)
	}
}

func TestCollectExpiresPartialBuffers(t *testing.T) {
	logger := testlog.Start(t)
	cfg := smallConfig()
	delivered := 0
	server := New(cfg, protocol.ServerID, protocol.SideServer, func(envelope.Envelope) { delivered++ }, WithLogger(logger))
	units := encodeUnits(t, envelope.Envelope{Sender: 3, Action: envelope.Command, Payload: bytes.Repeat([]byte("q"), 40)}, protocol.ServerID, 12, cfg.Limits)

	server.OnUnitObserved(units[0], epoch)
	if n := server.Collect(epoch.Add(cfg.ReassemblyTTL)); n != 0 {
		t.Fatalf("collected too early: %d", n)
	}
	if n := server.Collect(epoch.Add(cfg.ReassemblyTTL + time.Millisecond)); n != 1 {
		t.Fatalf("expected one expired buffer, got %d", n)
	}
	for _, u := range units[1:] {
		server.OnUnitObserved(u, epoch.Add(time.Minute))
	}
	if delivered != 0 {
		t.Fatalf("expired envelope must not complete from leftovers")
	}
}

func TestFlushHonorsRateLimit(t *testing.T) {
	logger := testlog.Start(t)
	cfg := smallConfig()
	cfg.UnitsPerSecond = 10
	cfg.Burst = 2
	client := New(cfg, 42, protocol.SideClient, nil, WithLogger(logger))
	wire := &recorder{}
	client.Attach(wire)

	for i := 0; i < 3; i++ {
		if err := client.Send(envelope.Envelope{Sender: 42, Action: envelope.ConnectionRequest}, protocol.ToServer()); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	now := epoch.Add(time.Hour)
	if n, _ := client.Flush(now); n != 2 {
		t.Fatalf("expected burst of 2, got %d", n)
	}
	if n, _ := client.Flush(now); n != 0 {
		t.Fatalf("expected budget exhausted, got %d", n)
	}
	if n, _ := client.Flush(now.Add(150 * time.Millisecond)); n != 1 {
		t.Fatalf("expected one unit after refill, got %d", n)
	}
	for _, d := range wire.dests {
		if d.Player != protocol.ServerID {
			t.Fatalf("unexpected destination %+v", d)
		}
	}
}

func TestFlushWithoutEmitter(t *testing.T) {
	testlog.Start(t)
	a := New(DefaultConfig(), 1, protocol.SideClient, nil)
	_ = a.Send(envelope.Envelope{Sender: 1, Action: envelope.ConnectionRequest}, protocol.ToServer())
	if _, err := a.Flush(epoch); err != ErrNoEmitter {
		t.Fatalf("expected ErrNoEmitter, got %v", err)
	}
	a.Reset()
	if a.Stats().Queued != 0 {
		t.Fatalf("reset left queued units")
	}
}

func TestCorrelationSeedIsUsed(t *testing.T) {
	testlog.Start(t)
	a := New(DefaultConfig(), 1, protocol.SideClient, nil, WithCorrelationSeed(99))
	wire := &recorder{}
	a.Attach(wire)
	_ = a.Send(envelope.Envelope{Sender: 1, Action: envelope.ConnectionRequest}, protocol.ToServer())
	_, _ = a.Flush(epoch)
	u, err := frame.DecodeUnit(wire.units[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.Header.Correlation != 100 {
		t.Fatalf("expected correlation 100, got %d", u.Header.Correlation)
	}
}

func TestClientDropsUnitsFromOtherClients(t *testing.T) {
	logger := testlog.Start(t)
	delivered := 0
	client := New(DefaultConfig(), 5, protocol.SideClient, func(envelope.Envelope) { delivered++ }, WithLogger(logger))

	forged := encodeUnits(t, envelope.Envelope{Sender: 9, Action: envelope.ForceDisconnect}, 5, 1, frame.DefaultLimits())
	client.OnUnitObserved(forged[0], epoch)
	if delivered != 0 {
		t.Fatalf("client accepted a unit from another client")
	}

	fromServer := encodeUnits(t, envelope.Envelope{Sender: protocol.ServerID, Action: envelope.ForceDisconnect}, 5, 1, frame.DefaultLimits())
	client.OnUnitObserved(fromServer[0], epoch)
	if delivered != 1 {
		t.Fatalf("expected server unit delivered, got %d", delivered)
	}
}

func TestDuplicateAfterResetDeliversOnce(t *testing.T) {
	logger := testlog.Start(t)
	cfg := DefaultConfig()
	delivered := 0
	client := New(cfg, 5, protocol.SideClient, func(envelope.Envelope) { delivered++ }, WithLogger(logger))
	units := encodeUnits(t, envelope.Envelope{Sender: protocol.ServerID, Action: envelope.ForceDisconnect}, 5, 4, frame.DefaultLimits())

	client.OnUnitObserved(units[0], epoch)
	client.Reset()
	client.OnUnitObserved(units[0], epoch.Add(time.Second))
	if delivered != 1 {
		t.Fatalf("expected one delivery across reset, got %d", delivered)
	}
	if client.Stats().Completed != 1 {
		t.Fatalf("reset dropped completion markers: %+v", client.Stats())
	}

	client.Collect(epoch.Add(cfg.ReassemblyTTL + 2*time.Second))
	if client.Stats().Completed != 0 {
		t.Fatalf("collect should age out markers: %+v", client.Stats())
	}

	client.OnUnitObserved(units[0], epoch)
	client.Clear()
	if client.Stats().Completed != 0 {
		t.Fatalf("clear left completion markers: %+v", client.Stats())
	}
}
