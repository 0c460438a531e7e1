package envelope

import (
	"errors"
	"fmt"

	"github.com/danmuck/adminsync/internal/observability"
	"github.com/danmuck/adminsync/internal/protocol"
	"github.com/danmuck/adminsync/internal/protocol/schema"
	"github.com/rs/zerolog"
)

var ErrDuplicateRoute = errors.New("envelope: action already routed")

// Handler processes one envelope on the receiving side.
type Handler func(env Envelope) error

// Route is the handler pair for one action. Either side may be nil when the
// action is never processed there.
type Route struct {
	OnServer Handler
	OnClient Handler
}

// Table is the static action -> route lookup built once at start-up.
type Table struct {
	routes map[Action]Route
	logger zerolog.Logger
}

func NewTable(logger zerolog.Logger) *Table {
	return &Table{
		routes: make(map[Action]Route),
		logger: logger,
	}
}

func (t *Table) Register(action Action, route Route) error {
	if !schema.Known(uint16(action)) {
		return fmt.Errorf("%w: %d", protocol.ErrUnknownAction, action)
	}
	if _, ok := t.routes[action]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRoute, action)
	}
	t.routes[action] = route
	return nil
}

// Dispatch runs exactly one handler: the one for side. Unrouted actions are
// logged and dropped with ErrUnknownAction.
func (t *Table) Dispatch(side protocol.Side, env Envelope) error {
	route, ok := t.routes[env.Action]
	if !ok {
		t.logger.Warn().
			Uint16("action", uint16(env.Action)).
			Stringer("sender", env.Sender).
			Msg("dropping envelope with unrouted action")
		observability.RecordEnvelope(side.String(), env.Action.String(), "unrouted")
		return fmt.Errorf("%w: %d", protocol.ErrUnknownAction, env.Action)
	}

	handler := route.OnClient
	if side == protocol.SideServer {
		handler = route.OnServer
	}
	if handler == nil {
		t.logger.Debug().
			Stringer("action", env.Action).
			Stringer("side", side).
			Msg("action not processed on this side")
		observability.RecordEnvelope(side.String(), env.Action.String(), "ignored")
		return nil
	}

	if err := handler(env); err != nil {
		observability.RecordEnvelope(side.String(), env.Action.String(), "error")
		return fmt.Errorf("envelope: %s on %s: %w", env.Action, side, err)
	}
	observability.RecordEnvelope(side.String(), env.Action.String(), "ok")
	return nil
}
