package lava

import (
	"context"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// NodePool is a directory of named nodes. It is constructed explicitly and
// owned by the application's setup code; there is no process-wide pool.
type NodePool struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewNodePool returns an empty pool.
func NewNodePool() *NodePool {
	return &NodePool{nodes: make(map[string]*Node)}
}

// Create builds a node from cfg, connects it, and adds it to the pool. It
// fails with ErrNodeAlreadyExists when the identifier is taken; connection
// errors from Node.Connect are passed through and the node is not added.
func (p *NodePool) Create(ctx context.Context, cfg NodeConfig) (*Node, error) {
	node, err := NewNode(cfg)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if _, ok := p.nodes[node.Identifier()]; ok {
		p.mu.Unlock()
		return nil, ErrNodeAlreadyExists
	}
	p.mu.Unlock()

	if err := node.Connect(ctx); err != nil {
		return nil, err
	}

	// The identifier may have been taken by a concurrent Create while this
	// one was connecting; the insert must re-check under the same lock.
	p.mu.Lock()
	if _, ok := p.nodes[node.Identifier()]; ok {
		p.mu.Unlock()
		node.Disconnect()
		return nil, ErrNodeAlreadyExists
	}
	p.nodes[node.Identifier()] = node
	p.mu.Unlock()

	node.log.Info().Msg("node added to pool")
	return node, nil
}

// Get returns the node with the given identifier, or an arbitrary member
// when the identifier is empty. It fails with ErrNoNodesAvailable on an
// empty pool and ErrNodeNotFound for an unknown identifier.
func (p *NodePool) Get(identifier string) (*Node, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.nodes) == 0 {
		return nil, ErrNoNodesAvailable
	}
	if identifier == "" {
		for _, node := range p.nodes {
			return node, nil
		}
	}
	if node, ok := p.nodes[identifier]; ok {
		return node, nil
	}
	return nil, ErrNodeNotFound
}

// BestNode returns the member with the fewest playing players according to
// the latest stats, falling back to an arbitrary member when no stats have
// arrived yet.
func (p *NodePool) BestNode() (*Node, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.nodes) == 0 {
		return nil, ErrNoNodesAvailable
	}

	var best *Node
	bestLoad := -1
	for _, node := range p.nodes {
		stats := node.Stats()
		if stats == nil {
			if best == nil {
				best = node
			}
			continue
		}
		if bestLoad == -1 || stats.PlayingPlayers < bestLoad {
			best = node
			bestLoad = stats.PlayingPlayers
		}
	}
	return best, nil
}

// Remove disconnects the node and evicts it from the pool.
func (p *NodePool) Remove(identifier string) error {
	p.mu.Lock()
	node, ok := p.nodes[identifier]
	if !ok {
		p.mu.Unlock()
		return ErrNodeNotFound
	}
	delete(p.nodes, identifier)
	p.mu.Unlock()

	node.Disconnect()
	node.log.Info().Msg("node removed from pool")
	return nil
}

// Nodes returns a snapshot of the pool keyed by identifier.
func (p *NodePool) Nodes() map[string]*Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	nodes := make(map[string]*Node, len(p.nodes))
	for id, node := range p.nodes {
		nodes[id] = node
	}
	return nodes
}

// playerFor finds the member holding a tracker for the guild.
func (p *NodePool) playerFor(guildID string) *Player {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, node := range p.nodes {
		if player := node.Player(guildID); player != nil {
			return player
		}
	}
	return nil
}

// AttachToSession registers the gateway handlers that feed Discord voice
// credentials into this pool's players. Call it once per discordgo session
// before opening it.
func (p *NodePool) AttachToSession(session *discordgo.Session) {
	session.AddHandler(func(_ *discordgo.Session, event *discordgo.VoiceServerUpdate) {
		if player := p.playerFor(event.GuildID); player != nil {
			player.OnVoiceServerUpdate(event)
		}
	})
	session.AddHandler(func(s *discordgo.Session, event *discordgo.VoiceStateUpdate) {
		// Only the bot's own voice session matters here.
		if s.State == nil || s.State.User == nil || event.UserID != s.State.User.ID {
			return
		}
		if player := p.playerFor(event.GuildID); player != nil {
			player.OnVoiceStateUpdate(event)
		}
	})
}
