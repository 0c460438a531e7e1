package protocol

import "strconv"

// PlayerID is the host's stable player identity (platform user id).
type PlayerID uint64

// ServerID addresses the authoritative server peer.
const ServerID PlayerID = 0

func (p PlayerID) String() string {
	if p == ServerID {
		return "server"
	}
	return strconv.FormatUint(uint64(p), 10)
}

// Side identifies which peer is processing a message.
type Side uint8

const (
	SideClient Side = iota + 1
	SideServer
)

func (s Side) String() string {
	switch s {
	case SideClient:
		return "client"
	case SideServer:
		return "server"
	default:
		return "unknown"
	}
}

// Destination is the addressing hint handed to the host transport primitive.
type Destination struct {
	Player PlayerID
}

func ToServer() Destination {
	return Destination{Player: ServerID}
}

func ToPlayer(id PlayerID) Destination {
	return Destination{Player: id}
}
