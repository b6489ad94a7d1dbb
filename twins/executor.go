package twins

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgedlt/tributary/chain"
	"github.com/edgedlt/tributary/internal/crypto"
	"github.com/edgedlt/tributary/internal/devnet"
)

// Executor executes a twins scenario and detects safety violations.
type Executor struct {
	scenario Scenario
	logger   *zap.Logger

	// Nodes by node ID, including both twins of each pair
	net   *devnet.Network
	nodes []*devnet.Node

	network  *TwinsNetwork
	detector *ViolationDetector

	once sync.Once
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger nodes log to.
func WithLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates the nodes of a scenario. Twins of a pair share their
// validator's key and run as distinct peers.
func NewExecutor(scenario Scenario, opts ...ExecutorOption) (*Executor, error) {
	if err := ValidateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if scenario.Timeout == 0 {
		scenario.Timeout = DefaultTimeout
	}

	e := &Executor{scenario: scenario, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}

	net, err := devnet.New(devnet.Config{
		Validators: scenario.Validators(),
		Logger:     e.logger,
	})
	if err != nil {
		return nil, err
	}
	e.net = net

	for id := range scenario.TotalNodes() {
		validator := GetValidatorIndex(id, scenario.Replicas)
		first, _ := GetTwinPair(id, scenario.Replicas)
		if !IsTwin(id, scenario.Replicas) || id == first {
			e.nodes = append(e.nodes, net.Nodes[validator])
			continue
		}

		peer, err := crypto.GenerateKey()
		if err != nil {
			_ = net.Close()
			return nil, err
		}
		node, err := net.AddNode(net.Keys[validator], peer.Public())
		if err != nil {
			_ = net.Close()
			return nil, fmt.Errorf("failed to create twin %d: %w", id, err)
		}
		e.nodes = append(e.nodes, node)
	}

	validators := e.nodes[0].Tributary.Validators()
	e.detector = NewViolationDetector(validators, validators)
	e.network = NewTwinsNetwork(scenario.Partitions, e.detector)
	for id, node := range e.nodes {
		e.network.AddNode(id, node.Peer.ID(), node.Key.Public())
	}
	net.SetFilter(e.network.Filter)
	return e, nil
}

// Network returns the scenario's network, for adjusting delivery before
// execution.
func (e *Executor) Network() *TwinsNetwork {
	return e.network
}

// Detector returns the scenario's violation detector.
func (e *Executor) Detector() *ViolationDetector {
	return e.detector
}

// Node returns a node by ID.
func (e *Executor) Node(id int) *devnet.Node {
	return e.nodes[id]
}

// Execute runs the scenario until every honest node finalized the target
// number of blocks or the timeout passes, then stops every node. It can be
// called once.
func (e *Executor) Execute(ctx context.Context) (Result, error) {
	var executed bool
	e.once.Do(func() { executed = true })
	if !executed {
		return Result{}, errors.New("twins: scenario already executed")
	}
	defer func() {
		if err := e.net.Close(); err != nil {
			e.logger.Error("failed to stop nodes", zap.Error(err))
		}
	}()

	if e.scenario.Behavior != BehaviorHonest {
		e.applyByzantineBehavior()
	}

	ctx, cancel := context.WithTimeout(ctx, e.scenario.Timeout)
	defer cancel()
	if err := e.net.Start(ctx); err != nil {
		return Result{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for id, node := range e.nodes {
		g.Go(func() error {
			return e.watch(gctx, id, node)
		})
	}

	if len(e.scenario.Partitions) != 0 && e.scenario.HealAfter > 0 {
		g.Go(func() error {
			e.healAfter(gctx, e.scenario.HealAfter)
			return nil
		})
	}

	var honest []*devnet.Node
	for id := range e.scenario.Replicas {
		honest = append(honest, e.nodes[id])
	}
	if err := e.net.WaitForBlocks(ctx, uint64(e.scenario.Blocks), honest...); err != nil {
		e.logger.Info("scenario ended before its target", zap.Error(err))
	}
	cancel()
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	blocks := -1
	for _, node := range honest {
		if n := int(node.Tributary.BlockNumber()); blocks < 0 || n < blocks {
			blocks = n
		}
	}
	violations := e.detector.GetViolations()
	return Result{
		Scenario:          e.scenario,
		Success:           len(e.detector.GetViolationsByType(ViolationFork))+len(e.detector.GetViolationsByType(ViolationInvalidCommit)) == 0,
		Violations:        violations,
		BlocksCommitted:   blocks,
		MessagesExchanged: e.network.MessageCount(),
	}, nil
}

// watch records every block a node finalizes until ctx is done.
func (e *Executor) watch(ctx context.Context, id int, node *devnet.Node) error {
	sub := node.Tributary.Subscribe(1)
	for {
		block, number, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("node %d: %w", id, err)
		}
		hash := block.Header.Hash()
		commit, _ := node.Tributary.ParsedCommit(hash)
		e.detector.RecordCommit(id, number, hash, chain.SerializedBlock(block.Bytes()).ID(), commit)
	}
}

// healAfter removes the partitions once d elapses and delivers what they
// held.
func (e *Executor) healAfter(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return
	}

	held := e.network.Heal()
	e.logger.Info("healing partitions", zap.Int("held", len(held)))
	for _, m := range held {
		e.net.Local.Deliver(m.From, m.To, m.Msg)
	}
}

func (e *Executor) applyByzantineBehavior() {
	for pair := range e.scenario.Twins {
		first := TwinID(e.scenario.Replicas, pair, 0)
		second := TwinID(e.scenario.Replicas, pair, 1)

		switch e.scenario.Behavior {
		case BehaviorDoubleSign:
			e.network.Disconnect(first, second)
		case BehaviorSilent:
			e.network.SetSilent(first, true)
			e.network.SetSilent(second, true)
		case BehaviorRandom:
			seed := uint64(time.Now().UnixNano())
			e.network.SetInterceptor(first, NewRandomDropInterceptor(0.5, seed))
			e.network.SetInterceptor(second, NewRandomDropInterceptor(0.5, seed+1))
		}
	}
}
