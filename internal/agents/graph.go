package agents

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// graphSchema is the schema constraint a loaded graph file must satisfy.
const graphSchema = "^1.0.0"

// currentSchemaVersion is written by DefaultGraph.
const currentSchemaVersion = "1.0.0"

// AgentSpec configures one agent node in the graph.
type AgentSpec struct {
	Name          string  `yaml:"name"`
	Weight        float64 `yaml:"weight"`
	Model         string  `yaml:"model,omitempty"`
	ParallelGroup string  `yaml:"parallel_group,omitempty"`
}

// PhaseSpec is one phase and its agents, run concurrently.
type PhaseSpec struct {
	Phase  Phase       `yaml:"phase"`
	Agents []AgentSpec `yaml:"agents"`
}

// Graph is the decision graph configuration.
type Graph struct {
	SchemaVersion string      `yaml:"schema_version"`
	MaxConcurrent int64       `yaml:"max_concurrent"`
	MinConsensus  float64     `yaml:"min_consensus"`
	Phases        []PhaseSpec `yaml:"phases"`
}

// DefaultGraph is the compiled-in five-phase graph.
func DefaultGraph() Graph {
	return Graph{
		SchemaVersion: currentSchemaVersion,
		MaxConcurrent: 4,
		MinConsensus:  0.5,
		Phases: []PhaseSpec{
			{Phase: PhaseAnalysis, Agents: []AgentSpec{
				{Name: "technical", Weight: 1.0, ParallelGroup: "analysis"},
				{Name: "fundamental", Weight: 0.8, ParallelGroup: "analysis"},
				{Name: "sentiment", Weight: 0.7, ParallelGroup: "analysis"},
				{Name: "macro", Weight: 0.6, ParallelGroup: "analysis"},
			}},
			{Phase: PhaseDebate, Agents: []AgentSpec{
				{Name: "bull_researcher", Weight: 0.8, ParallelGroup: "debate"},
				{Name: "bear_researcher", Weight: 0.8, ParallelGroup: "debate"},
			}},
			{Phase: PhaseRisk, Agents: []AgentSpec{
				{Name: "aggressive", Weight: 0.6, ParallelGroup: "risk"},
				{Name: "conservative", Weight: 0.8, ParallelGroup: "risk"},
				{Name: "neutral", Weight: 0.7, ParallelGroup: "risk"},
			}},
			{Phase: PhasePortfolio, Agents: []AgentSpec{
				{Name: "portfolio_manager", Weight: 1.0},
			}},
			{Phase: PhaseExecution, Agents: []AgentSpec{
				{Name: "execution", Weight: 1.0},
			}},
		},
	}
}

// LoadGraph reads and validates a graph file. Missing optional fields fall
// back to the defaults.
func LoadGraph(path string) (Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Graph{}, fmt.Errorf("read graph file: %w", err)
	}

	g := Graph{MaxConcurrent: 4, MinConsensus: 0.5}
	if err := yaml.Unmarshal(data, &g); err != nil {
		return Graph{}, fmt.Errorf("parse graph file: %w", err)
	}
	if err := g.Validate(); err != nil {
		return Graph{}, fmt.Errorf("graph file %s: %w", path, err)
	}
	return g, nil
}

var knownPhases = map[Phase]bool{
	PhaseAnalysis:  true,
	PhaseDebate:    true,
	PhaseRisk:      true,
	PhasePortfolio: true,
	PhaseExecution: true,
}

// Validate checks schema compatibility and structural invariants.
func (g Graph) Validate() error {
	version, err := semver.NewVersion(g.SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid schema_version %q: %w", g.SchemaVersion, err)
	}
	constraint, err := semver.NewConstraint(graphSchema)
	if err != nil {
		return err
	}
	if !constraint.Check(version) {
		return fmt.Errorf("schema_version %s is incompatible with supported %s", g.SchemaVersion, graphSchema)
	}

	if len(g.Phases) == 0 {
		return fmt.Errorf("graph has no phases")
	}
	if g.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", g.MaxConcurrent)
	}
	if g.MinConsensus < 0 || g.MinConsensus > 1 {
		return fmt.Errorf("min_consensus must be in [0,1], got %v", g.MinConsensus)
	}

	seenPhase := make(map[Phase]bool)
	seenAgent := make(map[string]bool)
	for _, phase := range g.Phases {
		if !knownPhases[phase.Phase] {
			return fmt.Errorf("unknown phase %q", phase.Phase)
		}
		if seenPhase[phase.Phase] {
			return fmt.Errorf("phase %s appears twice", phase.Phase)
		}
		seenPhase[phase.Phase] = true

		if len(phase.Agents) == 0 {
			return fmt.Errorf("phase %s has no agents", phase.Phase)
		}
		for _, agent := range phase.Agents {
			if agent.Name == "" {
				return fmt.Errorf("phase %s has an unnamed agent", phase.Phase)
			}
			if seenAgent[agent.Name] {
				return fmt.Errorf("agent %q appears twice", agent.Name)
			}
			seenAgent[agent.Name] = true
			if agent.Weight < 0 || agent.Weight > 1 {
				return fmt.Errorf("agent %q weight %v outside [0,1]", agent.Name, agent.Weight)
			}
		}
	}
	return nil
}
