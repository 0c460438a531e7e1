package plugin_test

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/adminsync/internal/loopback"
	"github.com/danmuck/adminsync/internal/plugin"
	"github.com/danmuck/adminsync/internal/protocol"
	"github.com/danmuck/adminsync/internal/protocol/envelope"
	"github.com/danmuck/adminsync/internal/protocol/frame"
	"github.com/danmuck/adminsync/internal/state"
	"github.com/danmuck/adminsync/internal/testutil/testlog"
	"github.com/danmuck/adminsync/internal/transport"
	"github.com/rs/zerolog"
)

const (
	tick  = 100 * time.Millisecond
	admin = protocol.PlayerID(100)
	user  = protocol.PlayerID(200)
)

func serverOptions(logger zerolog.Logger, store state.Store) plugin.Options {
	return plugin.Options{
		Store:        store,
		ServerConfig: state.ServerConfig{ServerName: "Frontier", WorldName: "Isle", Port: 27015},
		Motd:         state.MessageOfTheDay{Headline: "Welcome to %SERVER_NAME%", ShowInChat: true},
		Admins:       []protocol.PlayerID{admin},
		Version:      "test",
		Logger:       logger,
	}
}

func clientOptions(logger zerolog.Logger, seed int64) plugin.Options {
	return plugin.Options{
		Version: "test",
		Rand:    rand.New(rand.NewSource(seed)),
		Logger:  logger,
	}
}

func newCluster(t *testing.T, faults loopback.Faults, seed int64) (*loopback.Cluster, *loopback.Member, zerolog.Logger) {
	t.Helper()
	logger := testlog.Start(t)
	cluster := loopback.NewCluster(loopback.NewNetwork(faults, seed, logger))
	server, err := cluster.Add(context.Background(), protocol.ServerID, plugin.ModeDedicated, serverOptions(logger, nil))
	if err != nil {
		t.Fatalf("add server: %v", err)
	}
	t.Cleanup(func() { _ = cluster.Stop() })
	return cluster, server, logger
}

func addClient(t *testing.T, cluster *loopback.Cluster, id protocol.PlayerID, logger zerolog.Logger) *loopback.Member {
	t.Helper()
	m, err := cluster.Add(context.Background(), id, plugin.ModeClient, clientOptions(logger, int64(id)))
	if err != nil {
		t.Fatalf("add client %s: %v", id, err)
	}
	return m
}

func TestClientUnblocksOnThirdTickWithShuffledReplies(t *testing.T) {
	for seed := int64(1); seed <= 8; seed++ {
		cluster, _, logger := newCluster(t, loopback.Faults{Reorder: true}, seed)
		client := addClient(t, cluster, user, logger)

		if !client.Plugin.Blocked() {
			t.Fatalf("seed %d: gate must start blocked", seed)
		}
		if !client.Peer.Say("/protect list") {
			t.Fatalf("seed %d: gated command should still be consumed", seed)
		}
		if !strings.Contains(client.Peer.LastNote(), "sync") {
			t.Fatalf("seed %d: expected gate notice, got %q", seed, client.Peer.LastNote())
		}

		for i := 1; i <= 2; i++ {
			cluster.Step(tick)
			if !client.Plugin.Blocked() {
				t.Fatalf("seed %d: gate opened early on tick %d", seed, i)
			}
		}
		cluster.Step(tick)
		if client.Plugin.Blocked() {
			t.Fatalf("seed %d: gate still blocked after tick 3 (seen=%b)", seed, client.Plugin.Session().Seen())
		}
		if got := client.Plugin.Cache().Config().ServerName; got != "Frontier" {
			t.Fatalf("seed %d: config not cached: %q", seed, got)
		}
		if client.Peer.LastNote() != "Welcome to Frontier" {
			t.Fatalf("seed %d: motd not shown: %q", seed, client.Peer.LastNote())
		}
		_ = cluster.Stop()
	}
}

func TestAdminRevokeReachesConnectedPlayer(t *testing.T) {
	cluster, server, logger := newCluster(t, loopback.Faults{Reorder: true}, 5)
	adm := addClient(t, cluster, admin, logger)
	usr := addClient(t, cluster, user, logger)
	cluster.Run(3, tick)
	if adm.Plugin.Blocked() || usr.Plugin.Blocked() {
		t.Fatalf("clients did not sync")
	}

	usr.Peer.Say("/protect list")
	if !strings.Contains(usr.Peer.LastNote(), "No zones") {
		t.Fatalf("user should list zones before revoke, got %q", usr.Peer.LastNote())
	}

	adm.Peer.Say("/revoke 200 protect-list")
	cluster.Run(3, tick)

	snap, _ := server.Plugin.Authority().Snapshot(user)
	if len(snap.Restrictions) != 1 || snap.Restrictions[0] != "protect-list" {
		t.Fatalf("server did not record the revoke: %+v", snap)
	}
	cached := usr.Plugin.Cache().Permissions()
	if len(cached.Restrictions) != 1 {
		t.Fatalf("revoke was not pushed to the player: %+v", cached)
	}
	if !strings.Contains(adm.Peer.LastNote(), "200") {
		t.Fatalf("admin should get a confirmation notice, got %q", adm.Peer.LastNote())
	}

	usr.Peer.Say("/protect list")
	if !strings.Contains(usr.Peer.LastNote(), "permission") {
		t.Fatalf("revoked command should be denied locally, got %q", usr.Peer.LastNote())
	}
}

func TestUserCannotRunServerCommandThroughRelay(t *testing.T) {
	cluster, server, logger := newCluster(t, loopback.Faults{}, 1)
	usr := addClient(t, cluster, user, logger)
	cluster.Run(3, tick)

	usr.Peer.Say("/ban 100")
	if !strings.Contains(usr.Peer.LastNote(), "permission") {
		t.Fatalf("client should deny before relaying, got %q", usr.Peer.LastNote())
	}
	cluster.Run(3, tick)
	if snap, _ := server.Plugin.Authority().Snapshot(admin); snap.Banned {
		t.Fatalf("user banned an admin")
	}
}

func TestBannedPlayerIsDisconnectedAndAdminsHearLater(t *testing.T) {
	cluster, server, logger := newCluster(t, loopback.Faults{}, 2)
	server.Plugin.Authority().Ban(300)

	banned := addClient(t, cluster, 300, logger)
	cluster.Run(3, tick)
	if len(banned.Peer.Disconnects) != 1 {
		t.Fatalf("banned client should be disconnected once, got %q", banned.Peer.Disconnects)
	}
	if !banned.Plugin.Blocked() {
		t.Fatalf("banned client must stay blocked")
	}
	if server.Plugin.Authority().IsConnected(300) {
		t.Fatalf("banned player marked connected")
	}

	adm := addClient(t, cluster, admin, logger)
	cluster.Run(3, tick)
	found := false
	for _, n := range adm.Peer.Notes {
		if strings.Contains(n.Text, "Banned player 300") {
			found = true
		}
	}
	if !found {
		t.Fatalf("queued admin note not delivered: %+v", adm.Peer.Notes)
	}
}

func TestListenHostRunsAdminCommandsLocally(t *testing.T) {
	logger := testlog.Start(t)
	cluster := loopback.NewCluster(loopback.NewNetwork(loopback.Faults{}, 1, logger))
	defer cluster.Stop()
	host, err := cluster.Add(context.Background(), 1, plugin.ModeListen, serverOptions(logger, nil))
	if err != nil {
		t.Fatalf("add host: %v", err)
	}
	client := addClient(t, cluster, user, logger)
	cluster.Run(3, tick)
	if client.Plugin.Blocked() {
		t.Fatalf("client did not sync with listen host")
	}

	host.Peer.Say("/protect add spawn 0 0 0 50")
	if !strings.Contains(host.Peer.LastNote(), "spawn") {
		t.Fatalf("host should see the reply locally, got %q", host.Peer.LastNote())
	}
	cluster.Run(3, tick)
	if _, ok := client.Plugin.Cache().Protection().Zone("spawn"); !ok {
		t.Fatalf("zone not pushed to client")
	}
}

func TestRetriesStopAtCeilingWithoutServer(t *testing.T) {
	logger := testlog.Start(t)
	cluster := loopback.NewCluster(loopback.NewNetwork(loopback.Faults{}, 1, logger))
	defer cluster.Stop()
	client := addClient(t, cluster, user, logger)

	cluster.Run(700, tick)
	pending := client.Plugin.Session().Pending()
	if len(pending) != 1 || pending[0].Attempts != 6 {
		t.Fatalf("expected 6 attempts, got %+v", pending)
	}
	if !strings.Contains(client.Peer.LastNote(), "did not answer") {
		t.Fatalf("expected one diagnostic, got %+v", client.Peer.Notes)
	}
	if len(client.Peer.Notes) != 1 {
		t.Fatalf("diagnostic must be shown once, got %d notes", len(client.Peer.Notes))
	}
	if !client.Plugin.Blocked() {
		t.Fatalf("gate must stay blocked")
	}

	if err := client.Plugin.Reconnect(); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if got := client.Plugin.Session().Pending(); len(got) != 1 || got[0].Attempts != 1 {
		t.Fatalf("reconnect should start a fresh session, got %+v", got)
	}
}

func TestClientIgnoresSyncFromAnotherClient(t *testing.T) {
	cluster, _, logger := newCluster(t, loopback.Faults{}, 3)
	victim := addClient(t, cluster, user, logger)
	other := addClient(t, cluster, 300, logger)
	cluster.Run(3, tick)
	if victim.Plugin.Blocked() || other.Plugin.Blocked() {
		t.Fatalf("clients did not sync")
	}

	cfg := transport.DefaultConfig()
	cfg.UnitsPerSecond = 0
	forger := transport.New(cfg, 300, protocol.SideClient, nil, transport.WithLogger(logger))
	forger.Attach(other.Peer)
	payload, err := state.Marshal(state.PermissionSnapshot{Player: user, Role: state.RoleAdmin})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, env := range []envelope.Envelope{
		{Sender: 300, Action: envelope.PermissionSync, Payload: payload},
		{Sender: 300, Action: envelope.ForceDisconnect},
	} {
		if err := forger.Send(env, protocol.ToPlayer(user)); err != nil {
			t.Fatalf("send %s: %v", env.Action, err)
		}
	}
	if _, err := forger.Flush(time.Unix(0, 0)); err != nil {
		t.Fatalf("flush: %v", err)
	}
	cluster.Run(3, tick)

	if role := victim.Plugin.Cache().Permissions().Role; role != state.RoleUser {
		t.Fatalf("cached role overwritten by another client: %s", role)
	}
	if len(victim.Peer.Disconnects) != 0 {
		t.Fatalf("client disconnected by another client: %v", victim.Peer.Disconnects)
	}
	if victim.Plugin.Blocked() {
		t.Fatalf("session ended by another client")
	}
}

func TestReconnectKeepsDuplicateSuppression(t *testing.T) {
	cluster, server, logger := newCluster(t, loopback.Faults{}, 4)
	client := addClient(t, cluster, user, logger)
	cluster.Run(3, tick)
	if client.Plugin.Blocked() {
		t.Fatalf("client did not sync")
	}

	payload, err := state.Marshal(state.Notice{Text: "server restarting soon"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	raw, err := envelope.Encode(envelope.Envelope{Sender: protocol.ServerID, Action: envelope.Notice, Payload: payload})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	units, err := frame.Split(raw, protocol.ServerID, user, 0xBEEF, frame.DefaultLimits())
	if err != nil || len(units) != 1 {
		t.Fatalf("split: %v (%d units)", err, len(units))
	}
	unit := frame.EncodeUnit(units[0])

	count := func() int {
		n := 0
		for _, note := range client.Peer.Notes {
			if note.Text == "server restarting soon" {
				n++
			}
		}
		return n
	}

	server.Peer.Emit(unit, protocol.ToPlayer(user))
	cluster.Run(2, tick)
	if count() != 1 {
		t.Fatalf("expected notice shown once, got %d", count())
	}

	if err := client.Plugin.Reconnect(); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	server.Peer.Emit(unit, protocol.ToPlayer(user))
	cluster.Run(3, tick)
	if count() != 1 {
		t.Fatalf("duplicate unit dispatched again after reconnect: %d", count())
	}
	if client.Plugin.Blocked() {
		t.Fatalf("fresh session did not sync")
	}
}

func TestStopDetachesAndPersists(t *testing.T) {
	logger := testlog.Start(t)
	store := state.NewMemoryStore()
	peerNet := loopback.NewNetwork(loopback.Faults{}, 1, logger)
	peer := peerNet.Join(protocol.ServerID, plugin.ModeDedicated)
	p, err := plugin.New(peer.Host(), serverOptions(logger, store))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, plugin.ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if peer.Attached() != 2 {
		t.Fatalf("expected chat hook and observer, got %d", peer.Attached())
	}

	p.Step(time.Second)
	if store.Saves == 0 {
		t.Fatalf("slow tick should persist seeded defaults")
	}
	status := p.Status().Snapshot()
	if !status.Running || status.Ticks1000 != 1 || len(status.Commands) == 0 {
		t.Fatalf("unexpected status %+v", status)
	}

	peer.SayAs(protocol.ServerID, "/ban 300")
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if peer.Attached() != 0 {
		t.Fatalf("hooks left attached: %d", peer.Attached())
	}
	if peer.SayAs(protocol.ServerID, "/help") {
		t.Fatalf("stopped plugin consumed chat")
	}
	ds, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	banned := false
	for _, snap := range ds.Players {
		if snap.Player == 300 && snap.Banned {
			banned = true
		}
	}
	if !banned {
		t.Fatalf("stop should persist the ban: %+v", ds.Players)
	}
	if err := p.Start(context.Background()); !errors.Is(err, plugin.ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestNewValidatesHost(t *testing.T) {
	logger := testlog.Start(t)
	if _, err := plugin.New(plugin.Host{}, plugin.Options{Logger: logger}); !errors.Is(err, plugin.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	peer := loopback.NewNetwork(loopback.Faults{}, 1, logger).Join(5, plugin.ModeClient)
	host := peer.Host()
	host.Channel = nil
	if _, err := plugin.New(host, plugin.Options{Logger: logger}); !errors.Is(err, plugin.ErrNoChannel) {
		t.Fatalf("expected ErrNoChannel, got %v", err)
	}
	offline := loopback.NewNetwork(loopback.Faults{}, 1, logger).Join(5, plugin.ModeOffline)
	host = offline.Host()
	host.Channel = nil
	p, err := plugin.New(host, plugin.Options{Logger: logger})
	if err != nil {
		t.Fatalf("offline without channel should be allowed: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start offline: %v", err)
	}
	offline.Say("/protect on")
	if !p.Authority().Protection().Enabled {
		t.Fatalf("offline player should act as admin")
	}
	_ = p.Stop()
}
