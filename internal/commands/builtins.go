package commands

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/adminsync/internal/dispatch"
	"github.com/danmuck/adminsync/internal/protocol"
	"github.com/danmuck/adminsync/internal/state"
)

var ErrNoAuthority = errors.New("commands: no server authority on this peer")

// Deps are the collaborators built-in commands close over. Authority is nil
// on clients and Cache is nil on servers.
type Deps struct {
	Authority *state.Authority
	Cache     *state.Cache
	Registry  *dispatch.Registry
	Version   string
}

// Builtins returns the administrative command set in help order.
func Builtins(deps Deps) []dispatch.Descriptor {
	return []dispatch.Descriptor{
		{
			Name:    "help",
			Aliases: []string{"/help", "/?"},
			Side:    dispatch.Both,
			Usage:   "/help [command]",
			Help:    "Lists the commands you may use, or describes one.",
			Handler: deps.help,
		},
		{
			Name:    "version",
			Aliases: []string{"/version"},
			Side:    dispatch.Both,
			Usage:   "/version",
			Help:    "Shows the plugin version.",
			Handler: deps.version,
		},
		{
			Name:    "motd",
			Aliases: []string{"/motd"},
			Side:    dispatch.ClientOnly,
			Usage:   "/motd",
			Help:    "Shows the message of the day.",
			Handler: deps.motd,
		},
		{
			Name:     "ban",
			Aliases:  []string{"/ban"},
			Security: dispatch.SecurityAdmin,
			Side:     dispatch.ServerOnly,
			Usage:    "/ban <player>",
			Help:     "Bans a player and disconnects them.",
			Handler:  deps.ban,
		},
		{
			Name:     "unban",
			Aliases:  []string{"/unban", "/pardon"},
			Security: dispatch.SecurityAdmin,
			Side:     dispatch.ServerOnly,
			Usage:    "/unban <player>",
			Help:     "Lifts a ban.",
			Handler:  deps.unban,
		},
		{
			Name:     "kick",
			Aliases:  []string{"/kick"},
			Security: dispatch.SecurityAdmin,
			Side:     dispatch.ServerOnly,
			Usage:    "/kick <player>",
			Help:     "Disconnects a player once.",
			Handler:  deps.kick,
		},
		{
			Name:     "grant",
			Aliases:  []string{"/grant"},
			Security: dispatch.SecurityAdmin,
			Side:     dispatch.ServerOnly,
			Usage:    "/grant <player> <command>",
			Help:     "Lets a player use one admin command.",
			Handler:  deps.grant,
		},
		{
			Name:     "revoke",
			Aliases:  []string{"/revoke"},
			Security: dispatch.SecurityAdmin,
			Side:     dispatch.ServerOnly,
			Usage:    "/revoke <player> <command>",
			Help:     "Forbids a player from using one command.",
			Handler:  deps.revoke,
		},
		{
			Name:     "promote",
			Aliases:  []string{"/promote"},
			Security: dispatch.SecurityAdmin,
			Side:     dispatch.ServerOnly,
			Usage:    "/promote <player>",
			Help:     "Makes a player an admin.",
			Handler:  deps.setRole(state.RoleAdmin),
		},
		{
			Name:     "demote",
			Aliases:  []string{"/demote"},
			Security: dispatch.SecurityAdmin,
			Side:     dispatch.ServerOnly,
			Usage:    "/demote <player>",
			Help:     "Makes an admin a regular user.",
			Handler:  deps.setRole(state.RoleUser),
		},
		{
			Name:     "setmotd",
			Aliases:  []string{"/setmotd"},
			Security: dispatch.SecurityAdmin,
			Side:     dispatch.ServerOnly,
			Usage:    `/setmotd "<headline>" [content]`,
			Help:     "Replaces the message of the day. %SERVER_NAME%, %WORLD_NAME% and %SERVER_PORT% are substituted.",
			Handler:  deps.setMotd,
		},
		{
			Name:     "protect-add",
			Aliases:  []string{"/protect add"},
			Security: dispatch.SecurityAdmin,
			Side:     dispatch.ServerOnly,
			Usage:    "/protect add <name> <x> <y> <z> <radius>",
			Help:     "Adds a spherical protection zone.",
			Handler:  deps.protectAdd,
		},
		{
			Name:     "protect-remove",
			Aliases:  []string{"/protect remove", "/protect rm"},
			Security: dispatch.SecurityAdmin,
			Side:     dispatch.ServerOnly,
			Usage:    "/protect remove <name>",
			Help:     "Removes a protection zone.",
			Handler:  deps.protectRemove,
		},
		{
			Name:     "protect-on",
			Aliases:  []string{"/protect on"},
			Security: dispatch.SecurityAdmin,
			Side:     dispatch.ServerOnly,
			Usage:    "/protect on",
			Help:     "Enables protection zones.",
			Handler:  deps.protectToggle(true),
		},
		{
			Name:     "protect-off",
			Aliases:  []string{"/protect off"},
			Security: dispatch.SecurityAdmin,
			Side:     dispatch.ServerOnly,
			Usage:    "/protect off",
			Help:     "Disables protection zones.",
			Handler:  deps.protectToggle(false),
		},
		{
			Name:    "protect-list",
			Aliases: []string{"/protect list", "/protect"},
			Side:    dispatch.Both,
			Usage:   "/protect list",
			Help:    "Lists protection zones.",
			Handler: deps.protectList,
		},
	}
}

func (d Deps) help(call *dispatch.Call) error {
	if d.Registry == nil {
		return nil
	}
	argv, err := call.Argv()
	if err != nil {
		return err
	}
	rights := call.Rights()
	if len(argv) > 0 {
		desc, ok := d.Registry.Find(strings.Join(argv, " "))
		if !ok || !rights.Allows(desc) {
			call.Reply("No such command: %s", strings.Join(argv, " "))
			return nil
		}
		call.Reply("%s - %s (aliases: %s)", desc.Usage, desc.Help, strings.Join(desc.Aliases, ", "))
		return nil
	}
	var names []string
	for _, desc := range d.Registry.Descriptors() {
		if rights.Allows(desc) {
			names = append(names, desc.Aliases[0])
		}
	}
	call.Reply("Commands: %s", strings.Join(names, " "))
	return nil
}

func (d Deps) version(call *dispatch.Call) error {
	v := d.Version
	if v == "" {
		v = "dev"
	}
	call.Reply("adminsync %s", v)
	return nil
}

func (d Deps) motd(call *dispatch.Call) error {
	var m state.MessageOfTheDay
	switch {
	case d.Cache != nil:
		m = d.Cache.Motd()
	case d.Authority != nil:
		m = d.Authority.RenderedMotd()
	}
	if m.Empty() {
		call.Reply("There is no message of the day.")
		return nil
	}
	call.Reply("%s", strings.TrimSpace(m.Headline+"\n"+m.Content))
	return nil
}

func (d Deps) ban(call *dispatch.Call) error {
	return d.withPlayer(call, func(a *state.Authority, player protocol.PlayerID) {
		a.Ban(player)
		call.Reply("Player %s banned.", player)
	})
}

func (d Deps) unban(call *dispatch.Call) error {
	return d.withPlayer(call, func(a *state.Authority, player protocol.PlayerID) {
		a.Unban(player)
		call.Reply("Player %s unbanned.", player)
	})
}

func (d Deps) kick(call *dispatch.Call) error {
	return d.withPlayer(call, func(a *state.Authority, player protocol.PlayerID) {
		if a.Kick(player) {
			call.Reply("Player %s kicked.", player)
			return
		}
		call.Reply("Player %s is not connected.", player)
	})
}

func (d Deps) grant(call *dispatch.Call) error {
	return d.withPlayerCommand(call, func(a *state.Authority, player protocol.PlayerID, name string) {
		a.Grant(player, name)
		call.Reply("Player %s may now use %s.", player, name)
	})
}

func (d Deps) revoke(call *dispatch.Call) error {
	return d.withPlayerCommand(call, func(a *state.Authority, player protocol.PlayerID, name string) {
		a.Revoke(player, name)
		call.Reply("Player %s may no longer use %s.", player, name)
	})
}

func (d Deps) setRole(role state.Role) dispatch.Handler {
	return func(call *dispatch.Call) error {
		return d.withPlayer(call, func(a *state.Authority, player protocol.PlayerID) {
			a.SetRole(player, role)
			call.Reply("Player %s is now %s.", player, role)
		})
	}
}

func (d Deps) setMotd(call *dispatch.Call) error {
	a, err := d.authority()
	if err != nil {
		return err
	}
	argv, err := call.Argv()
	if err != nil {
		return err
	}
	if len(argv) == 0 {
		return dispatch.Usagef("headline required")
	}
	a.SetMotd(state.MessageOfTheDay{
		Headline:   argv[0],
		Content:    strings.Join(argv[1:], " "),
		ShowInChat: true,
	})
	call.Reply("Message of the day updated.")
	return nil
}

func (d Deps) protectAdd(call *dispatch.Call) error {
	a, err := d.authority()
	if err != nil {
		return err
	}
	argv, err := call.Argv()
	if err != nil {
		return err
	}
	if len(argv) != 5 {
		return dispatch.Usagef("want 5 arguments, got %d", len(argv))
	}
	var nums [4]float64
	for i, raw := range argv[1:] {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return dispatch.Usagef("%q is not a number", raw)
		}
		nums[i] = v
	}
	zone := state.Zone{
		Name:   argv[0],
		Center: [3]float64{nums[0], nums[1], nums[2]},
		Radius: nums[3],
		Owners: []protocol.PlayerID{call.Sender},
	}
	if err := a.AddZone(zone); err != nil {
		if errors.Is(err, state.ErrZoneExists) || errors.Is(err, state.ErrInvalidZone) {
			call.Reply("Cannot add zone: %v", err)
			return nil
		}
		return err
	}
	call.Reply("Zone %s added.", zone.Name)
	return nil
}

func (d Deps) protectRemove(call *dispatch.Call) error {
	a, err := d.authority()
	if err != nil {
		return err
	}
	argv, err := call.Argv()
	if err != nil {
		return err
	}
	if len(argv) != 1 {
		return dispatch.Usagef("zone name required")
	}
	if err := a.RemoveZone(argv[0]); err != nil {
		if errors.Is(err, state.ErrZoneNotFound) {
			call.Reply("No zone named %s.", argv[0])
			return nil
		}
		return err
	}
	call.Reply("Zone %s removed.", argv[0])
	return nil
}

func (d Deps) protectToggle(enabled bool) dispatch.Handler {
	return func(call *dispatch.Call) error {
		a, err := d.authority()
		if err != nil {
			return err
		}
		a.SetProtectionEnabled(enabled)
		if enabled {
			call.Reply("Protection enabled.")
		} else {
			call.Reply("Protection disabled.")
		}
		return nil
	}
}

func (d Deps) protectList(call *dispatch.Call) error {
	var p state.ProtectionSnapshot
	switch {
	case d.Cache != nil:
		p = d.Cache.Protection()
	case d.Authority != nil:
		p = d.Authority.Protection()
	}
	status := "off"
	if p.Enabled {
		status = "on"
	}
	if len(p.Zones) == 0 {
		call.Reply("Protection is %s. No zones defined.", status)
		return nil
	}
	parts := make([]string, 0, len(p.Zones))
	for _, z := range p.Zones {
		parts = append(parts, fmt.Sprintf("%s (%.0f, %.0f, %.0f r=%.0f)", z.Name, z.Center[0], z.Center[1], z.Center[2], z.Radius))
	}
	call.Reply("Protection is %s. Zones: %s", status, strings.Join(parts, "; "))
	return nil
}

func (d Deps) authority() (*state.Authority, error) {
	if d.Authority == nil {
		return nil, ErrNoAuthority
	}
	return d.Authority, nil
}

func (d Deps) withPlayer(call *dispatch.Call, fn func(*state.Authority, protocol.PlayerID)) error {
	a, err := d.authority()
	if err != nil {
		return err
	}
	argv, err := call.Argv()
	if err != nil {
		return err
	}
	if len(argv) != 1 {
		return dispatch.Usagef("player id required")
	}
	player, err := ParsePlayer(argv[0])
	if err != nil {
		return err
	}
	fn(a, player)
	return nil
}

func (d Deps) withPlayerCommand(call *dispatch.Call, fn func(*state.Authority, protocol.PlayerID, string)) error {
	a, err := d.authority()
	if err != nil {
		return err
	}
	argv, err := call.Argv()
	if err != nil {
		return err
	}
	if len(argv) < 2 {
		return dispatch.Usagef("player id and command required")
	}
	player, err := ParsePlayer(argv[0])
	if err != nil {
		return err
	}
	query := strings.Join(argv[1:], " ")
	name := query
	if d.Registry != nil {
		desc, ok := d.Registry.Find(query)
		if !ok {
			call.Reply("No such command: %s", query)
			return nil
		}
		name = desc.Name
	}
	fn(a, player, name)
	return nil
}

// ParsePlayer parses a decimal player id. The server id is not a player.
func ParsePlayer(raw string) (protocol.PlayerID, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == uint64(protocol.ServerID) {
		return 0, dispatch.Usagef("%q is not a player id", raw)
	}
	return protocol.PlayerID(id), nil
}
