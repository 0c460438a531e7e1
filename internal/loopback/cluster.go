package loopback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/adminsync/internal/plugin"
	"github.com/danmuck/adminsync/internal/protocol"
)

// Member is a peer and the plugin running on it.
type Member struct {
	Peer   *Peer
	Plugin *plugin.Plugin
}

// Cluster steps a set of plugins in join order and delivers between steps.
type Cluster struct {
	Net     *Network
	members []*Member
}

func NewCluster(net *Network) *Cluster {
	return &Cluster{Net: net}
}

// Add joins a peer, builds its plugin, and starts it.
func (c *Cluster) Add(ctx context.Context, local protocol.PlayerID, mode plugin.Mode, opts plugin.Options) (*Member, error) {
	peer := c.Net.Join(local, mode)
	p, err := plugin.New(peer.Host(), opts)
	if err != nil {
		c.Net.Leave(peer)
		return nil, err
	}
	if err := p.Start(ctx); err != nil {
		c.Net.Leave(peer)
		return nil, fmt.Errorf("start %s %s: %w", mode, local, err)
	}
	m := &Member{Peer: peer, Plugin: p}
	c.members = append(c.members, m)
	return m, nil
}

// Remove stops a member's plugin and tells the server it left.
func (c *Cluster) Remove(m *Member) error {
	for i, other := range c.members {
		if other == m {
			c.members = append(c.members[:i], c.members[i+1:]...)
			break
		}
	}
	c.Net.Leave(m.Peer)
	err := m.Plugin.Stop()
	if m.Plugin.Mode() == plugin.ModeClient {
		for _, other := range c.members {
			other.Plugin.PlayerLeft(m.Peer.LocalPlayer())
		}
	}
	return err
}

func (c *Cluster) Members() []*Member { return c.members }

// Step advances every plugin by elapsed, then delivers.
func (c *Cluster) Step(elapsed time.Duration) {
	for _, m := range c.members {
		m.Plugin.Step(elapsed)
	}
	c.Net.Deliver()
}

// Run steps n times.
func (c *Cluster) Run(n int, elapsed time.Duration) {
	for i := 0; i < n; i++ {
		c.Step(elapsed)
	}
}

// Stop stops every plugin.
func (c *Cluster) Stop() error {
	var errs []error
	for _, m := range c.members {
		errs = append(errs, m.Plugin.Stop())
	}
	return errors.Join(errs...)
}
