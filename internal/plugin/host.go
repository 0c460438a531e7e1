package plugin

import (
	"github.com/danmuck/adminsync/internal/dispatch"
	"github.com/danmuck/adminsync/internal/protocol"
)

// Mode is how the host session is running.
type Mode uint8

const (
	// ModeOffline is single player: no channel, the local player is the server.
	ModeOffline Mode = iota
	// ModeClient is a multiplayer client talking to a remote server.
	ModeClient
	// ModeDedicated is a server with no local player.
	ModeDedicated
	// ModeListen is a server that is also a client.
	ModeListen
)

func (m Mode) String() string {
	switch m {
	case ModeOffline:
		return "offline"
	case ModeClient:
		return "client"
	case ModeDedicated:
		return "dedicated"
	case ModeListen:
		return "listen"
	default:
		return "unknown"
	}
}

// Side is the protocol side this mode runs.
func (m Mode) Side() protocol.Side {
	if m == ModeClient {
		return protocol.SideClient
	}
	return protocol.SideServer
}

// ChatHook receives text a player entered. Returning true suppresses any
// further handling by the host.
type ChatHook func(sender protocol.PlayerID, text string) bool

// Chat is the host's chat input surface.
type Chat interface {
	AttachMessageEntered(hook ChatHook) (detach func())
}

// Channel is the host's best-effort side channel.
type Channel interface {
	Emit(unit []byte, dest protocol.Destination)
	AttachObserver(observe func(unit []byte)) (detach func())
}

// Session describes the local host session.
type Session interface {
	LocalPlayer() protocol.PlayerID
	Mode() Mode
	Disconnect(reason string)
}

// Host bundles the collaborators a plugin needs. Channel may be nil offline.
type Host struct {
	Chat     Chat
	Channel  Channel
	Notifier dispatch.Notifier
	Session  Session
}
