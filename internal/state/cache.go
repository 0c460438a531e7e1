package state

import (
	"fmt"

	"github.com/danmuck/adminsync/internal/dispatch"
	"github.com/danmuck/adminsync/internal/protocol"
)

// Cache is a client's read-only copy of server state. Each sync replaces
// a section wholesale.
type Cache struct {
	local       protocol.PlayerID
	permissions PermissionSnapshot
	protection  ProtectionSnapshot
	config      ServerConfig
	motd        MessageOfTheDay
}

func NewCache(local protocol.PlayerID) *Cache {
	return &Cache{
		local:       local,
		permissions: PermissionSnapshot{Player: local},
	}
}

func (c *Cache) ApplyPermissions(payload []byte) (PermissionSnapshot, error) {
	snap, err := Unmarshal[PermissionSnapshot](payload)
	if err != nil {
		return PermissionSnapshot{}, err
	}
	if snap.Player != c.local {
		return PermissionSnapshot{}, fmt.Errorf("%w: snapshot for %s delivered to %s", ErrInvalidPayload, snap.Player, c.local)
	}
	c.permissions = snap
	return snap.clone(), nil
}

func (c *Cache) ApplyProtection(payload []byte) (ProtectionSnapshot, error) {
	snap, err := Unmarshal[ProtectionSnapshot](payload)
	if err != nil {
		return ProtectionSnapshot{}, err
	}
	c.protection = snap
	return snap.clone(), nil
}

func (c *Cache) ApplyConfig(payload []byte) (ServerConfig, error) {
	cfg, err := Unmarshal[ServerConfig](payload)
	if err != nil {
		return ServerConfig{}, err
	}
	c.config = cfg
	return cfg, nil
}

func (c *Cache) ApplyMotd(payload []byte) (MessageOfTheDay, error) {
	motd, err := Unmarshal[MessageOfTheDay](payload)
	if err != nil {
		return MessageOfTheDay{}, err
	}
	c.motd = motd
	return motd, nil
}

func (c *Cache) Permissions() PermissionSnapshot { return c.permissions.clone() }

func (c *Cache) Protection() ProtectionSnapshot { return c.protection.clone() }

func (c *Cache) Config() ServerConfig { return c.config }

func (c *Cache) Motd() MessageOfTheDay { return c.motd }

// Rights answers only for the local player; a client knows nothing about
// anyone else.
func (c *Cache) Rights(player protocol.PlayerID) dispatch.Rights {
	if player != c.local {
		return dispatch.Rights{}
	}
	return c.permissions.Rights()
}
