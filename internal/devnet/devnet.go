// Package devnet runs Tributary validators in process, connected by a
// p2p.LocalNetwork. It backs the devnet command and multi-node tests.
package devnet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	tributary "github.com/edgedlt/tributary"
	"github.com/edgedlt/tributary/internal/crypto"
	"github.com/edgedlt/tributary/p2p"
	"github.com/edgedlt/tributary/storage"
	"github.com/edgedlt/tributary/tendermint"
	"github.com/edgedlt/tributary/transaction"
)

// Config configures a Network.
type Config struct {
	// Validators is the number of validators, each of weight one.
	Validators int

	// Genesis of the chain. Random if zero.
	Genesis [32]byte

	// StartTime of block 1. Now if zero.
	StartTime uint64

	// Timing defaults to tendermint.TestTiming().
	Timing tendermint.Timing

	// Staleness is how old a tip must be before heartbeats are sent.
	// Defaults to ten block times.
	Staleness time.Duration

	// Reader defaults to ReadNote.
	Reader transaction.Reader

	Logger *zap.Logger

	// Registerer, if set, receives every node's metrics.
	Registerer prometheus.Registerer
}

// Network is a set of validators of one chain.
type Network struct {
	Local      *p2p.LocalNetwork
	Genesis    [32]byte
	Keys       []*crypto.PrivateKey
	Validators map[crypto.PublicKey]uint64
	Nodes      []*Node

	cfg       Config
	startTime uint64

	mu       sync.RWMutex
	isolated map[p2p.PeerID]bool
	filter   p2p.Filter
}

// Node is one running validator.
type Node struct {
	Index     int
	Key       *crypto.PrivateKey
	Peer      *p2p.LocalPeer
	DB        *storage.DB
	Tributary *tributary.Tributary
	Router    *p2p.Router
	Heartbeat *p2p.Heartbeat

	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped bool
}

// New creates a network with a node per validator. No node is started.
func New(cfg Config) (*Network, error) {
	if cfg.Validators <= 0 {
		return nil, errors.New("devnet: at least one validator is required")
	}
	if cfg.Timing == (tendermint.Timing{}) {
		cfg.Timing = tendermint.TestTiming()
	}
	if cfg.Staleness == 0 {
		cfg.Staleness = 10 * cfg.Timing.BlockTime()
	}
	if cfg.Reader == nil {
		cfg.Reader = ReadNote
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Genesis == ([32]byte{}) {
		cfg.Genesis = randomGenesis()
	}
	startTime := cfg.StartTime
	if startTime == 0 {
		startTime = tendermint.CanonicalNow()
	}

	n := &Network{
		Local:      p2p.NewLocalNetwork(),
		Genesis:    cfg.Genesis,
		Validators: make(map[crypto.PublicKey]uint64, cfg.Validators),
		cfg:        cfg,
		startTime:  startTime,
		isolated:   make(map[p2p.PeerID]bool),
	}
	n.Local.SetFilter(n.deliver)

	for range cfg.Validators {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		n.Keys = append(n.Keys, key)
		n.Validators[key.Public()] = 1
	}
	for _, key := range n.Keys {
		if _, err := n.AddNode(key, key.Public()); err != nil {
			n.Close()
			return nil, err
		}
	}
	return n, nil
}

// AddNode creates another node signing with key, reachable as peer. A key
// may back several nodes, each of which then votes as the same validator.
func (n *Network) AddNode(key *crypto.PrivateKey, peer p2p.PeerID) (*Node, error) {
	index := len(n.Nodes)
	logger := n.cfg.Logger.With(zap.Int("node", index))

	db, err := storage.OpenInMemory()
	if err != nil {
		return nil, err
	}
	local := n.Local.Join(peer)

	opts := []tributary.Option{
		tributary.WithGenesis(n.Genesis),
		tributary.WithStartTime(n.startTime),
		tributary.WithKey(key),
		tributary.WithValidators(n.Validators),
		tributary.WithDB(db),
		tributary.WithReader(n.cfg.Reader),
		tributary.WithP2P(local),
		tributary.WithTiming(n.cfg.Timing),
		tributary.WithLogger(logger),
	}
	if n.cfg.Registerer != nil {
		opts = append(opts, tributary.WithMetrics(prometheus.WrapRegistererWith(
			prometheus.Labels{"node": fmt.Sprint(index)}, n.cfg.Registerer)))
	}
	cfg, err := tributary.NewConfig(opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	t, err := tributary.New(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	router := p2p.NewRouter(local, peer, p2p.WithRouterLogger(logger.Named("router")))
	router.Register(t)
	node := &Node{
		Index:     index,
		Key:       key,
		Peer:      local,
		DB:        db,
		Tributary: t,
		Router:    router,
		Heartbeat: p2p.NewHeartbeat(local, router,
			p2p.WithStaleness(n.cfg.Staleness),
			p2p.WithHeartbeatLogger(logger.Named("heartbeat"))),
		logger: logger,
	}
	n.Nodes = append(n.Nodes, node)
	return node, nil
}

// SetFilter installs an additional delivery filter. Isolation still
// applies.
func (n *Network) SetFilter(f p2p.Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// Isolate cuts node off from every other node.
func (n *Network) Isolate(node *Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[node.Peer.ID()] = true
}

// Reconnect undoes Isolate.
func (n *Network) Reconnect(node *Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.isolated, node.Peer.ID())
}

func (n *Network) deliver(from, to p2p.PeerID, msg *p2p.Message) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.isolated[from] || n.isolated[to] {
		return false
	}
	return n.filter == nil || n.filter(from, to, msg)
}

// Start starts the given nodes, or every node if none are given.
func (n *Network) Start(ctx context.Context, nodes ...*Node) error {
	if len(nodes) == 0 {
		nodes = n.Nodes
	}
	for _, node := range nodes {
		if err := node.Start(ctx); err != nil {
			return fmt.Errorf("could not start node %d: %w", node.Index, err)
		}
	}
	return nil
}

// Close stops every node and closes their databases.
func (n *Network) Close() error {
	var errs []error
	for _, node := range n.Nodes {
		if err := node.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := node.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WaitForBlocks waits until every given node has at least number blocks.
func (n *Network) WaitForBlocks(ctx context.Context, number uint64, nodes ...*Node) error {
	if len(nodes) == 0 {
		nodes = n.Nodes
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		g.Go(func() error {
			sub := node.Tributary.Subscribe(number)
			if _, _, err := sub.Next(ctx); err != nil {
				return fmt.Errorf("node %d reached block %d: %w", node.Index, node.Tributary.BlockNumber(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Start starts consensus, message routing and heartbeats.
func (node *Node) Start(ctx context.Context) error {
	node.mu.Lock()
	defer node.mu.Unlock()
	if node.group != nil {
		return errors.New("devnet: node already started")
	}

	if err := node.Tributary.Start(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.Router.Run(ctx) })
	g.Go(func() error { return node.Heartbeat.Run(ctx) })
	node.cancel = cancel
	node.group = g

	node.logger.Debug("started node", zap.Stringer("key", node.Key.Public()))
	return nil
}

// Stop stops the node. Stopping a node which never started is a no-op.
func (node *Node) Stop() error {
	node.mu.Lock()
	defer node.mu.Unlock()
	if node.group == nil || node.stopped {
		return nil
	}
	node.stopped = true

	node.cancel()
	err := node.group.Wait()
	node.Tributary.Stop()
	return err
}

func randomGenesis() [32]byte {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return crypto.Hash("Devnet Genesis", key.Seed())
}
