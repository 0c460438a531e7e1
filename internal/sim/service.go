// Package sim runs a server and a set of clients over the loopback host.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/adminsync/internal/adminhttp"
	"github.com/danmuck/adminsync/internal/auth"
	"github.com/danmuck/adminsync/internal/config"
	"github.com/danmuck/adminsync/internal/loopback"
	"github.com/danmuck/adminsync/internal/plugin"
	"github.com/danmuck/adminsync/internal/protocol"
	"github.com/danmuck/adminsync/internal/state"
	"github.com/danmuck/adminsync/internal/storage/sqlite"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

const firstClientID = 1001

var ErrBadScript = errors.New("sim: bad script line")

// ScriptLine is chat text entered by Player once Step steps have run.
type ScriptLine struct {
	Step   int
	Player protocol.PlayerID
	Text   string
}

func ParseScript(lines []string) ([]ScriptLine, error) {
	out := make([]ScriptLine, 0, len(lines))
	for _, raw := range lines {
		parts := strings.SplitN(strings.TrimSpace(raw), " ", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: %q", ErrBadScript, raw)
		}
		step, err := strconv.Atoi(parts[0])
		if err != nil || step < 0 {
			return nil, fmt.Errorf("%w: step in %q", ErrBadScript, raw)
		}
		player, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: player in %q", ErrBadScript, raw)
		}
		out = append(out, ScriptLine{Step: step, Player: protocol.PlayerID(player), Text: strings.TrimSpace(parts[2])})
	}
	return out, nil
}

// Summary describes one finished run.
type Summary struct {
	Steps      int
	SimTime    time.Duration
	Clients    int
	Synced     int
	Delivered  int
	Dropped    int
	Duplicated int
}

type Service struct {
	cfg    config.Config
	script []ScriptLine
	logger zerolog.Logger
	open   func() (state.Store, error)

	cluster *loopback.Cluster
	server  *loopback.Member
	clients map[protocol.PlayerID]*loopback.Member
}

func NewService(cfg config.Config, logger zerolog.Logger) (*Service, error) {
	script, err := ParseScript(cfg.Sim.Script)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:     cfg,
		script:  script,
		logger:  logger.With().Str("component", "sim").Logger(),
		clients: make(map[protocol.PlayerID]*loopback.Member),
	}
	s.open = s.openStore
	return s, nil
}

func (s *Service) Server() *loopback.Member { return s.server }

func (s *Service) Client(id protocol.PlayerID) (*loopback.Member, bool) {
	m, ok := s.clients[id]
	return m, ok
}

// Run blocks until the configured steps finish or a signal arrives.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	_, err := s.Execute(ctx)
	return err
}

func (s *Service) Execute(ctx context.Context) (summary Summary, err error) {
	store, err := s.open()
	if err != nil {
		return Summary{}, err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close store: %w", cerr))
		}
	}()

	net := loopback.NewNetwork(loopback.Faults{
		Reorder:       s.cfg.Sim.Reorder,
		DuplicateRate: s.cfg.Sim.DuplicateRate,
		DropRate:      s.cfg.Sim.DropRate,
	}, s.cfg.Sim.Seed, s.logger)
	s.cluster = loopback.NewCluster(net)

	if err := s.join(ctx, store); err != nil {
		_ = s.cluster.Stop()
		return Summary{}, err
	}

	httpErr := make(chan error, 1)
	httpCtx, cancelHTTP := context.WithCancel(ctx)
	defer cancelHTTP()
	if s.cfg.AdminHTTP.Enabled {
		srv := adminhttp.New("adminsim", s.cfg.AdminHTTP.Addr, s.version(), s.cfg.AdminHTTP.CorsOrigins, s.logger)
		if s.cfg.AdminHTTP.Token != "" {
			srv.Protect(auth.StaticToken{Token: s.cfg.AdminHTTP.Token})
		}
		for _, m := range s.cluster.Members() {
			srv.Attach(nodeName(m), m.Plugin.Status())
		}
		go func() { httpErr <- srv.Serve(httpCtx) }()
	}

	summary, runErr := s.loop(ctx, httpErr)
	stopErr := s.cluster.Stop()
	cancelHTTP()

	summary.Delivered = net.Delivered
	summary.Dropped = net.Dropped
	summary.Duplicated = net.Duplicated
	for _, m := range s.clients {
		if !m.Plugin.Blocked() {
			summary.Synced++
		}
	}
	summary.Clients = len(s.clients)
	s.logger.Info().
		Int("steps", summary.Steps).
		Str("sim_time", summary.SimTime.String()).
		Str("clients_synced", fmt.Sprintf("%d/%d", summary.Synced, summary.Clients)).
		Str("delivered", humanize.Comma(int64(summary.Delivered))).
		Int("dropped", summary.Dropped).
		Int("duplicated", summary.Duplicated).
		Msg("simulation finished")
	return summary, errors.Join(runErr, stopErr)
}

func (s *Service) loop(ctx context.Context, httpErr <-chan error) (Summary, error) {
	step := time.Duration(s.cfg.Sim.StepMs) * time.Millisecond
	if step <= 0 {
		step = 50 * time.Millisecond
	}
	var ticker *time.Ticker
	// unbounded runs are always paced
	if s.cfg.Sim.Realtime || s.cfg.Sim.Steps <= 0 {
		ticker = time.NewTicker(step)
		defer ticker.Stop()
	}

	var summary Summary
	for i := 0; s.cfg.Sim.Steps <= 0 || i < s.cfg.Sim.Steps; i++ {
		select {
		case <-ctx.Done():
			return summary, nil
		case err := <-httpErr:
			if err != nil {
				return summary, fmt.Errorf("diagnostics server: %w", err)
			}
		default:
		}
		s.runScript(i)
		s.cluster.Step(step)
		summary.Steps++
		summary.SimTime += step
		if ticker != nil {
			select {
			case <-ctx.Done():
				return summary, nil
			case <-ticker.C:
			}
		}
	}
	return summary, nil
}

func (s *Service) runScript(step int) {
	for _, line := range s.script {
		if line.Step != step {
			continue
		}
		target := s.server
		if m, ok := s.clients[line.Player]; ok {
			target = m
		}
		handled := target.Peer.SayAs(line.Player, line.Text)
		s.logger.Info().
			Int("step", step).
			Stringer("player", line.Player).
			Str("text", line.Text).
			Bool("handled", handled).
			Msg("script input")
	}
}

func (s *Service) join(ctx context.Context, store state.Store) error {
	mode, err := config.ParseMode(s.cfg.Mode)
	if err != nil {
		return err
	}
	local := protocol.PlayerID(s.cfg.Player)
	switch mode {
	case plugin.ModeListen, plugin.ModeOffline:
		if local == protocol.ServerID {
			local = 1
		}
	default:
		mode = plugin.ModeDedicated
		local = protocol.ServerID
	}

	opts := s.cfg.PluginOptions()
	opts.Store = store
	opts.Version = s.version()
	opts.CorrelationSeed = uint32(s.cfg.Sim.Seed)
	opts.Logger = s.logger.With().Str("node", mode.String()).Logger()
	server, err := s.cluster.Add(ctx, local, mode, opts)
	if err != nil {
		return err
	}
	s.server = server
	if mode == plugin.ModeOffline {
		return nil
	}

	for i := 0; i < s.cfg.Sim.Clients; i++ {
		id := protocol.PlayerID(firstClientID + i)
		copts := s.cfg.PluginOptions()
		copts.Version = s.version()
		copts.Rand = rand.New(rand.NewSource(s.cfg.Sim.Seed + int64(id)))
		copts.CorrelationSeed = uint32(s.cfg.Sim.Seed) + uint32(id)
		copts.Logger = s.logger.With().Str("node", "client").Stringer("player", id).Logger()
		m, err := s.cluster.Add(ctx, id, plugin.ModeClient, copts)
		if err != nil {
			return err
		}
		s.clients[id] = m
	}
	return nil
}

func (s *Service) openStore() (state.Store, error) {
	if strings.TrimSpace(s.cfg.Storage.Path) == "" {
		return state.NewMemoryStore(), nil
	}
	store, err := sqlite.Open(s.cfg.Storage.Path, s.logger.With().Str("component", "storage").Logger())
	if err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Service) version() string {
	return Version
}

// Version is stamped at build time with -ldflags.
var Version = "dev"

func nodeName(m *loopback.Member) string {
	if m.Plugin.Mode() == plugin.ModeClient {
		return "client-" + m.Peer.LocalPlayer().String()
	}
	return m.Plugin.Mode().String()
}
