package dispatch

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/adminsync/internal/protocol"
	"github.com/danmuck/adminsync/internal/testutil/testlog"
)

type inbox map[protocol.PlayerID][]string

func (in inbox) Notify(player protocol.PlayerID, text string) {
	in[player] = append(in[player], text)
}

type staticRoles map[protocol.PlayerID]Rights

func (r staticRoles) Rights(player protocol.PlayerID) Rights { return r[player] }

type gate struct{ blocked bool }

func (g *gate) Blocked() bool { return g.blocked }

type relayLog struct {
	raw []string
	err error
}

func (r *relayLog) RelayCommand(raw string, _ protocol.PlayerID) error {
	r.raw = append(r.raw, raw)
	return r.err
}

const (
	admin protocol.PlayerID = 1
	user  protocol.PlayerID = 2
)

func newTestDispatcher(t *testing.T, side protocol.Side) (*Dispatcher, inbox) {
	t.Helper()
	logger := testlog.Start(t)
	notes := inbox{}
	d := NewDispatcher(NewRegistry(), Env{
		Side:     side,
		Notifier: notes,
		Roles: staticRoles{
			admin: {Admin: true},
			user:  {},
		},
		Logger: logger,
	})
	return d, notes
}

func TestDispatchUnmatchedReturnsFalse(t *testing.T) {
	d, notes := newTestDispatcher(t, protocol.SideServer)
	mustRegister(t, d.Registry(), Descriptor{Name: "help", Aliases: []string{"/help"}})
	if err := d.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if d.Dispatch("hello everyone", user) {
		t.Fatalf("plain chat must not be handled")
	}
	if len(notes) != 0 {
		t.Fatalf("unexpected notices: %v", notes)
	}
}

func TestUserNeverReachesAdminHandler(t *testing.T) {
	d, notes := newTestDispatcher(t, protocol.SideServer)
	ran := 0
	mustRegister(t, d.Registry(), Descriptor{
		Name:     "ban",
		Aliases:  []string{"/ban"},
		Security: SecurityAdmin,
		Handler:  func(*Call) error { ran++; return nil },
	})
	_ = d.Init()

	if !d.Dispatch("/ban 7", user) {
		t.Fatalf("denied command must report handled")
	}
	if ran != 0 {
		t.Fatalf("handler ran for user")
	}
	if len(notes[user]) != 1 || !strings.Contains(notes[user][0], "permission") {
		t.Fatalf("expected denial notice, got %v", notes[user])
	}
	if !d.Dispatch("/BAN 7", admin) || ran != 1 {
		t.Fatalf("admin should run handler, ran=%d", ran)
	}
}

func TestGrantsAndRestrictions(t *testing.T) {
	logger := testlog.Start(t)
	notes := inbox{}
	roles := staticRoles{
		admin: {Admin: true, Restrictions: []string{"Kick"}},
		user:  {Grants: []string{"kick"}},
	}
	d := NewDispatcher(NewRegistry(), Env{Side: protocol.SideServer, Notifier: notes, Roles: roles, Logger: logger})
	ran := []protocol.PlayerID{}
	mustRegister(t, d.Registry(), Descriptor{
		Name: "kick", Aliases: []string{"/kick"}, Security: SecurityAdmin,
		Handler: func(c *Call) error { ran = append(ran, c.Sender); return nil },
	})
	_ = d.Init()

	d.Dispatch("/kick 9", admin)
	d.Dispatch("/kick 9", user)
	if len(ran) != 1 || ran[0] != user {
		t.Fatalf("expected only the granted user to run, got %v", ran)
	}
	if len(notes[admin]) != 1 {
		t.Fatalf("restricted admin should be told, got %v", notes[admin])
	}
}

func TestHandlerFailuresAreContained(t *testing.T) {
	d, notes := newTestDispatcher(t, protocol.SideServer)
	mustRegister(t, d.Registry(), Descriptor{
		Name: "boom", Aliases: []string{"/boom"},
		Handler: func(*Call) error { panic("kaboom") },
	})
	mustRegister(t, d.Registry(), Descriptor{
		Name: "fail", Aliases: []string{"/fail"},
		Handler: func(*Call) error { return errors.New("disk on fire") },
	})
	mustRegister(t, d.Registry(), Descriptor{
		Name: "tp", Aliases: []string{"/tp"}, Usage: "/tp <player>",
		Handler: func(c *Call) error {
			if c.Args == "" {
				return Usagef("missing player")
			}
			return nil
		},
	})
	_ = d.Init()

	for _, raw := range []string{"/boom", "/fail", "/tp"} {
		if !d.Dispatch(raw, user) {
			t.Fatalf("%s should be handled", raw)
		}
	}
	got := notes[user]
	if len(got) != 3 {
		t.Fatalf("expected three notices, got %v", got)
	}
	if !strings.Contains(got[0], "failed") || strings.Contains(got[0], "kaboom") {
		t.Fatalf("panic notice should be generic: %q", got[0])
	}
	if strings.Contains(got[1], "disk") {
		t.Fatalf("error notice leaked details: %q", got[1])
	}
	if got[2] != "Usage: /tp <player>" {
		t.Fatalf("unexpected usage notice: %q", got[2])
	}
	d.Advance(time.Second)
}

func TestClientGateAndRelay(t *testing.T) {
	logger := testlog.Start(t)
	notes := inbox{}
	g := &gate{blocked: true}
	relay := &relayLog{}
	d := NewDispatcher(NewRegistry(), Env{
		Side:     protocol.SideClient,
		Local:    user,
		Notifier: notes,
		Roles:    staticRoles{user: {Admin: true}},
		Gate:     g,
		Relay:    relay,
		Logger:   logger,
	})
	local := 0
	mustRegister(t, d.Registry(), Descriptor{Name: "motd", Aliases: []string{"/motd"}, Side: ClientOnly,
		Handler: func(*Call) error { local++; return nil }})
	mustRegister(t, d.Registry(), Descriptor{Name: "ban", Aliases: []string{"/ban"}, Side: ServerOnly, Security: SecurityAdmin,
		Handler: func(*Call) error { t.Fatalf("server-only body ran on client"); return nil }})
	_ = d.Init()

	if !d.Dispatch("/motd", user) || local != 0 {
		t.Fatalf("gated command ran")
	}
	if len(notes[user]) != 1 || !strings.Contains(notes[user][0], "sync") {
		t.Fatalf("expected gate notice, got %v", notes[user])
	}

	g.blocked = false
	d.Dispatch("/motd", user)
	d.Dispatch("/ban 9 griefing", user)
	if local != 1 {
		t.Fatalf("client command did not run")
	}
	if len(relay.raw) != 1 || relay.raw[0] != "/ban 9 griefing" {
		t.Fatalf("expected relay of raw text, got %v", relay.raw)
	}
}

func TestDispatchRelayedRechecksAndRejectsClientOnly(t *testing.T) {
	d, notes := newTestDispatcher(t, protocol.SideServer)
	var args []string
	mustRegister(t, d.Registry(), Descriptor{Name: "ban", Aliases: []string{"/ban"}, Side: ServerOnly, Security: SecurityAdmin,
		Handler: func(c *Call) error {
			if !c.Relayed {
				t.Fatalf("expected relayed call")
			}
			var err error
			args, err = c.Argv()
			return err
		}})
	mustRegister(t, d.Registry(), Descriptor{Name: "motd", Aliases: []string{"/motd"}, Side: ClientOnly, Handler: noop})
	_ = d.Init()

	d.DispatchRelayed("/ban 9", user)
	if args != nil {
		t.Fatalf("server must re-check the tier")
	}
	d.DispatchRelayed(`/ban 9 "repeat offender"`, admin)
	if len(args) != 2 || args[1] != "repeat offender" {
		t.Fatalf("unexpected argv %v", args)
	}
	d.DispatchRelayed("/motd", admin)
	if n := len(notes[admin]); n != 1 {
		t.Fatalf("expected client-only rejection, got %v", notes[admin])
	}
	if d.DispatchRelayed("not a command", admin) {
		t.Fatalf("unmatched relay should be unhandled")
	}
}

func TestInitRunsSetupAndWiresTickHooks(t *testing.T) {
	d, _ := newTestDispatcher(t, protocol.SideServer)
	var order []string
	setups := 0
	d.Every100ms(func(time.Time) { order = append(order, "core100") })
	d.Every1000ms(func(time.Time) { order = append(order, "core1000") })
	d.EveryStep(func(time.Time) { order = append(order, "step") })
	mustRegister(t, d.Registry(), Descriptor{
		Name: "clock", Aliases: []string{"/clock"},
		Setup:    func(*Env) error { setups++; return nil },
		Tick100:  func(time.Time) { order = append(order, "cmd100") },
		Tick1000: func(time.Time) { order = append(order, "cmd1000") },
	})
	if err := d.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := d.Init(); !errors.Is(err, ErrRegistryFrozen) {
		t.Fatalf("second init should fail, got %v", err)
	}
	if setups != 1 {
		t.Fatalf("setup ran %d times", setups)
	}

	d.Advance(900 * time.Millisecond)
	order = nil
	d.Advance(100 * time.Millisecond)
	want := []string{"core100", "cmd100", "core1000", "cmd1000", "step"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v want %v", order, want)
	}
}

func TestSetupFailureAbortsInit(t *testing.T) {
	d, _ := newTestDispatcher(t, protocol.SideServer)
	mustRegister(t, d.Registry(), Descriptor{
		Name: "broken", Aliases: []string{"/broken"},
		Setup: func(*Env) error { return errors.New("no world") },
	})
	if err := d.Init(); !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("expected ErrInvalidDescriptor, got %v", err)
	}
}
