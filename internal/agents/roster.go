package agents

import "fmt"

// constructors maps graph agent names to their implementations.
var constructors = map[string]func(Capabilities, AgentSpec) Agent{
	"technical":         func(c Capabilities, s AgentSpec) Agent { return NewTechnicalAgent(c, s) },
	"fundamental":       func(c Capabilities, s AgentSpec) Agent { return NewFundamentalAgent(c, s) },
	"sentiment":         func(c Capabilities, s AgentSpec) Agent { return NewSentimentAgent(c, s) },
	"macro":             func(c Capabilities, s AgentSpec) Agent { return NewMacroAgent(c, s) },
	"bull_researcher":   func(c Capabilities, s AgentSpec) Agent { return NewBullResearcher(c, s) },
	"bear_researcher":   func(c Capabilities, s AgentSpec) Agent { return NewBearResearcher(c, s) },
	"aggressive":        NewAggressiveRisk,
	"conservative":      NewConservativeRisk,
	"neutral":           NewNeutralRisk,
	"portfolio_manager": func(c Capabilities, s AgentSpec) Agent { return NewPortfolioManagerAgent(c, s) },
	"execution":         func(c Capabilities, s AgentSpec) Agent { return NewExecutionAgent(c, s) },
}

// BuildRoster instantiates every agent the graph names. Unknown names fail
// so a typo in the graph file surfaces at startup rather than mid-cycle.
func BuildRoster(caps Capabilities, graph Graph) (map[string]Agent, error) {
	roster := make(map[string]Agent)
	for _, phase := range graph.Phases {
		for _, spec := range phase.Agents {
			build, ok := constructors[spec.Name]
			if !ok {
				return nil, fmt.Errorf("graph names unknown agent %q in phase %s", spec.Name, phase.Phase)
			}
			roster[spec.Name] = build(caps, spec)
		}
	}
	return roster, nil
}
