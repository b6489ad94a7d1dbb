package twins

import (
	"math/rand/v2"
)

// GeneratorConfig bounds generated scenarios.
type GeneratorConfig struct {
	MinReplicas int
	MaxReplicas int

	// MaxTwins is capped by the BFT tolerance of the validator set.
	MinTwins int
	MaxTwins int

	MinBlocks int
	MaxBlocks int

	// IncludePartitions lets scenarios split the network
	IncludePartitions bool

	// Seed makes generation reproducible. Zero picks a random seed.
	Seed uint64
}

// DefaultGeneratorConfig generates small scenarios with partitions.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		MinReplicas:       3,
		MaxReplicas:       6,
		MinTwins:          0,
		MaxTwins:          2,
		MinBlocks:         1,
		MaxBlocks:         3,
		IncludePartitions: true,
	}
}

// Generator produces random scenarios from a seeded source.
type Generator struct {
	config GeneratorConfig
	rng    *rand.Rand
}

// NewGenerator returns a generator seeded from config.Seed.
func NewGenerator(config GeneratorConfig) *Generator {
	seed := config.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Generator{
		config: config,
		rng:    rand.New(rand.NewPCG(seed, seed>>1)),
	}
}

// Generate returns a random scenario within the configured bounds.
func (g *Generator) Generate() Scenario {
	replicas := g.config.MinReplicas + g.rng.IntN(g.config.MaxReplicas-g.config.MinReplicas+1)

	// At most f validators may be twinned
	maxTwins := g.config.MaxTwins
	for maxTwins > 0 && (replicas+maxTwins-1)/3 < maxTwins {
		maxTwins--
	}
	twins := maxTwins
	if minTwins := min(g.config.MinTwins, maxTwins); maxTwins > minTwins {
		twins = minTwins + g.rng.IntN(maxTwins-minTwins+1)
	}

	behaviors := []ByzantineBehavior{
		BehaviorHonest,
		BehaviorDoubleSign,
		BehaviorSilent,
		BehaviorRandom,
	}
	behavior := behaviors[g.rng.IntN(len(behaviors))]
	if twins == 0 {
		behavior = BehaviorHonest
	}

	scenario := Scenario{
		Replicas: replicas,
		Twins:    twins,
		Blocks:   g.config.MinBlocks + g.rng.IntN(g.config.MaxBlocks-g.config.MinBlocks+1),
		Behavior: behavior,
	}

	// Add random partitions (20% chance). These may prevent progress, so
	// they run briefly.
	if g.config.IncludePartitions && g.rng.Float64() < 0.2 {
		scenario.Partitions = g.generatePartitions(scenario.TotalNodes())
		scenario.Timeout = DefaultTimeout / 4
	}
	return scenario
}

// GenerateN returns n scenarios.
func (g *Generator) GenerateN(n int) []Scenario {
	scenarios := make([]Scenario, n)
	for i := range n {
		scenarios[i] = g.Generate()
	}
	return scenarios
}

// generatePartitions splits the nodes into two groups.
func (g *Generator) generatePartitions(totalNodes int) []Partition {
	if totalNodes < 2 {
		return nil
	}

	split := 1 + g.rng.IntN(totalNodes-1)
	first := make([]int, 0, split)
	second := make([]int, 0, totalNodes-split)
	for id := range totalNodes {
		if id < split {
			first = append(first, id)
		} else {
			second = append(second, id)
		}
	}
	return []Partition{{Nodes: first}, {Nodes: second}}
}
