package dispatch

import (
	"fmt"
	"time"

	"github.com/buildkite/shellwords"
	"github.com/danmuck/adminsync/internal/protocol"
	"github.com/rs/zerolog"
)

// Call is the context of one command invocation. It is built per dispatch
// and never retained by the dispatcher.
type Call struct {
	Sender  protocol.PlayerID
	Command *Descriptor
	Alias   string
	Args    string
	Relayed bool
	Now     time.Time

	env *Env
}

// Argv splits Args with POSIX shell quoting rules.
func (c *Call) Argv() ([]string, error) {
	if c.Args == "" {
		return nil, nil
	}
	words, err := shellwords.SplitPosix(c.Args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUsage, err)
	}
	return words, nil
}

// Reply notifies the invoking player.
func (c *Call) Reply(format string, args ...any) {
	if c.env == nil || c.env.Notifier == nil {
		return
	}
	c.env.Notifier.Notify(c.Sender, fmt.Sprintf(format, args...))
}

// Rights resolves the sender's rights from the peer's role source.
func (c *Call) Rights() Rights {
	if c.env == nil || c.env.Roles == nil {
		return Rights{}
	}
	return c.env.Roles.Rights(c.Sender)
}

func (c *Call) Side() protocol.Side {
	if c.env == nil {
		return 0
	}
	return c.env.Side
}

func (c *Call) Logger() zerolog.Logger {
	if c.env == nil {
		return zerolog.Nop()
	}
	return c.env.Logger.With().
		Str("command", c.Command.Name).
		Stringer("sender", c.Sender).
		Logger()
}

// Usagef returns an ErrUsage; the dispatcher answers it with the usage line.
func Usagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}
