package loopback

import (
	"slices"

	"github.com/danmuck/adminsync/internal/plugin"
	"github.com/danmuck/adminsync/internal/protocol"
)

// Note is one notification shown to a local player.
type Note struct {
	Player protocol.PlayerID
	Text   string
}

// Peer is one process on the network. It implements every host surface
// a plugin needs.
type Peer struct {
	net   *Network
	addr  protocol.PlayerID
	local protocol.PlayerID
	mode  plugin.Mode

	observers map[int]func([]byte)
	hooks     map[int]plugin.ChatHook
	nextID    int

	Notes       []Note
	Disconnects []string
}

// Host bundles the peer as every plugin collaborator.
func (p *Peer) Host() plugin.Host {
	return plugin.Host{Chat: p, Channel: p, Notifier: p, Session: p}
}

func (p *Peer) Addr() protocol.PlayerID { return p.addr }

func (p *Peer) LocalPlayer() protocol.PlayerID { return p.local }

func (p *Peer) Mode() plugin.Mode { return p.mode }

func (p *Peer) Disconnect(reason string) {
	p.Disconnects = append(p.Disconnects, reason)
}

func (p *Peer) Notify(player protocol.PlayerID, text string) {
	p.Notes = append(p.Notes, Note{Player: player, Text: text})
}

// LastNote returns the newest notification text, or "".
func (p *Peer) LastNote() string {
	if len(p.Notes) == 0 {
		return ""
	}
	return p.Notes[len(p.Notes)-1].Text
}

func (p *Peer) Emit(unit []byte, dest protocol.Destination) {
	p.net.enqueue(p.addr, dest.Player, unit)
}

func (p *Peer) AttachObserver(observe func(unit []byte)) func() {
	id := p.nextID
	p.nextID++
	p.observers[id] = observe
	return func() { delete(p.observers, id) }
}

func (p *Peer) AttachMessageEntered(hook plugin.ChatHook) func() {
	id := p.nextID
	p.nextID++
	p.hooks[id] = hook
	return func() { delete(p.hooks, id) }
}

// Say enters text as the local player. It reports whether a hook consumed it.
func (p *Peer) Say(text string) bool {
	return p.SayAs(p.local, text)
}

// SayAs enters text on behalf of sender, as a server console would.
func (p *Peer) SayAs(sender protocol.PlayerID, text string) bool {
	handled := false
	for _, id := range sortedKeys(p.hooks) {
		if p.hooks[id](sender, text) {
			handled = true
		}
	}
	return handled
}

// Attached reports how many observers and chat hooks are live.
func (p *Peer) Attached() int {
	return len(p.observers) + len(p.hooks)
}

func (p *Peer) observe(unit []byte) int {
	ids := sortedKeys(p.observers)
	for _, id := range ids {
		p.observers[id](unit)
	}
	return len(ids)
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
