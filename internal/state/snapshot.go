package state

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/danmuck/adminsync/internal/dispatch"
	"github.com/danmuck/adminsync/internal/protocol"
	"github.com/fxamacker/cbor/v2"
)

var (
	ErrInvalidPayload = errors.New("state: invalid payload")
	ErrInvalidZone    = errors.New("state: invalid zone")
	ErrZoneExists     = errors.New("state: zone already exists")
	ErrZoneNotFound   = errors.New("state: zone not found")
)

type Role uint8

const (
	RoleUser Role = iota
	RoleAdmin
)

func (r Role) String() string {
	if r == RoleAdmin {
		return "admin"
	}
	return "user"
}

// PermissionSnapshot is the server's view of one player's rights.
type PermissionSnapshot struct {
	Player       protocol.PlayerID `cbor:"1,keyasint"`
	Role         Role              `cbor:"2,keyasint"`
	Grants       []string          `cbor:"3,keyasint,omitempty"`
	Restrictions []string          `cbor:"4,keyasint,omitempty"`
	Banned       bool              `cbor:"5,keyasint,omitempty"`
	ForceKicked  bool              `cbor:"6,keyasint,omitempty"`
}

func (p PermissionSnapshot) IsAdmin() bool { return p.Role == RoleAdmin }

func (p PermissionSnapshot) Rights() dispatch.Rights {
	return dispatch.Rights{
		Admin:        p.IsAdmin(),
		Grants:       slices.Clone(p.Grants),
		Restrictions: slices.Clone(p.Restrictions),
	}
}

func (p PermissionSnapshot) clone() PermissionSnapshot {
	p.Grants = slices.Clone(p.Grants)
	p.Restrictions = slices.Clone(p.Restrictions)
	return p
}

// Zone is a spherical protected region.
type Zone struct {
	Name   string              `cbor:"1,keyasint"`
	Center [3]float64          `cbor:"2,keyasint"`
	Radius float64             `cbor:"3,keyasint"`
	Owners []protocol.PlayerID `cbor:"4,keyasint,omitempty"`
}

func (z Zone) Validate() error {
	if strings.TrimSpace(z.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidZone)
	}
	if z.Radius <= 0 || math.IsNaN(z.Radius) || math.IsInf(z.Radius, 0) {
		return fmt.Errorf("%w: %q radius %v", ErrInvalidZone, z.Name, z.Radius)
	}
	for _, c := range z.Center {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return fmt.Errorf("%w: %q center %v", ErrInvalidZone, z.Name, z.Center)
		}
	}
	return nil
}

// Contains reports whether point lies inside the zone.
func (z Zone) Contains(point [3]float64) bool {
	var sq float64
	for i := range point {
		d := point[i] - z.Center[i]
		sq += d * d
	}
	return sq <= z.Radius*z.Radius
}

type ProtectionSnapshot struct {
	Enabled bool   `cbor:"1,keyasint,omitempty"`
	Zones   []Zone `cbor:"2,keyasint,omitempty"`
}

func (p ProtectionSnapshot) clone() ProtectionSnapshot {
	zones := make([]Zone, len(p.Zones))
	for i, z := range p.Zones {
		z.Owners = slices.Clone(z.Owners)
		zones[i] = z
	}
	if len(zones) == 0 {
		zones = nil
	}
	p.Zones = zones
	return p
}

// Zone finds a zone by case-insensitive name.
func (p ProtectionSnapshot) Zone(name string) (Zone, bool) {
	for _, z := range p.Zones {
		if strings.EqualFold(z.Name, name) {
			return z, true
		}
	}
	return Zone{}, false
}

type ServerConfig struct {
	ServerName         string `cbor:"1,keyasint,omitempty"`
	WorldName          string `cbor:"2,keyasint,omitempty"`
	Port               int    `cbor:"3,keyasint,omitempty"`
	LogPrivateMessages bool   `cbor:"4,keyasint,omitempty"`
}

type MessageOfTheDay struct {
	Headline   string `cbor:"1,keyasint,omitempty"`
	Content    string `cbor:"2,keyasint,omitempty"`
	ShowInChat bool   `cbor:"3,keyasint,omitempty"`
}

func (m MessageOfTheDay) Empty() bool {
	return strings.TrimSpace(m.Headline) == "" && strings.TrimSpace(m.Content) == ""
}

// Notice is a server-to-player text message.
type Notice struct {
	Text string `cbor:"1,keyasint"`
}

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}

// Marshal encodes v with core deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return b, nil
}

// Unmarshal decodes a payload produced by Marshal.
func Unmarshal[T any](b []byte) (T, error) {
	var v T
	if len(b) == 0 {
		return v, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	if err := cbor.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return v, nil
}
