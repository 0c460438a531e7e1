package dispatch

import (
	"slices"
	"time"

	"github.com/danmuck/adminsync/internal/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/text/cases"
)

// Security is the minimum role a sender needs.
type Security uint8

const (
	SecurityUser Security = iota
	SecurityAdmin
)

func (s Security) String() string {
	switch s {
	case SecurityUser:
		return "user"
	case SecurityAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ExecSide is where a command body runs.
type ExecSide uint8

const (
	Both ExecSide = iota
	ClientOnly
	ServerOnly
)

func (s ExecSide) String() string {
	switch s {
	case Both:
		return "both"
	case ClientOnly:
		return "client"
	case ServerOnly:
		return "server"
	default:
		return "unknown"
	}
}

// Handler runs a matched command.
type Handler func(call *Call) error

// Descriptor is one registrable chat command. It is immutable once the
// registry is frozen.
type Descriptor struct {
	Name     string
	Aliases  []string
	Security Security
	Side     ExecSide
	Usage    string
	Help     string
	Handler  Handler

	// Optional hooks.
	Setup    func(env *Env) error
	Tick100  func(now time.Time)
	Tick1000 func(now time.Time)
}

// Notifier shows text to one player.
type Notifier interface {
	Notify(player protocol.PlayerID, text string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(player protocol.PlayerID, text string)

func (f NotifierFunc) Notify(player protocol.PlayerID, text string) { f(player, text) }

// Rights is what a role source knows about one player.
type Rights struct {
	Admin        bool
	Grants       []string
	Restrictions []string
}

// Allows reports whether r meets d's tier. A restriction on the command name
// denies even admins; a grant admits a user to an admin command.
func (r Rights) Allows(d *Descriptor) bool {
	name := fold(d.Name)
	if containsFolded(r.Restrictions, name) {
		return false
	}
	switch d.Security {
	case SecurityUser:
		return true
	case SecurityAdmin:
		return r.Admin || containsFolded(r.Grants, name)
	default:
		return false
	}
}

// RoleSource resolves a sender's rights: the cached snapshot on a client,
// the authority on a server.
type RoleSource interface {
	Rights(player protocol.PlayerID) Rights
}

// Gate blocks local execution until session sync completes.
type Gate interface {
	Blocked() bool
}

// Relay forwards a server-side command typed on a client.
type Relay interface {
	RelayCommand(raw string, sender protocol.PlayerID) error
}

// Env carries the collaborators handed to every invocation.
type Env struct {
	Side     protocol.Side
	Local    protocol.PlayerID
	Notifier Notifier
	Roles    RoleSource
	Gate     Gate
	Relay    Relay
	Logger   zerolog.Logger
}

func fold(s string) string {
	return cases.Fold().String(s)
}

func containsFolded(list []string, folded string) bool {
	return slices.ContainsFunc(list, func(s string) bool {
		return fold(s) == folded
	})
}
