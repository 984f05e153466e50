package worker

import (
	"context"
	"hash/fnv"

	"readyline/internal/domain"
)

// baselineAgent is the stand-in scorer the binary ships with: a stable
// per-(venture, dimension) score so the pipeline is exercisable without
// the real analysis agents.
type baselineAgent struct {
	dimension string
}

func (a baselineAgent) Dimension() string { return a.dimension }

func (a baselineAgent) Evaluate(_ context.Context, ventureID string) (domain.AgentResult, error) {
	h := fnv.New32a()
	h.Write([]byte(ventureID))
	h.Write([]byte{0})
	h.Write([]byte(a.dimension))
	score := float64(h.Sum32()%101)
	return domain.AgentResult{
		Score: &score,
		Detail: map[string]any{
			"method": "baseline",
		},
	}, nil
}

// BaselineAgents returns one baseline agent per catalog dimension.
func BaselineAgents(dimensions []string) []Agent {
	agents := make([]Agent, 0, len(dimensions))
	for _, d := range dimensions {
		agents = append(agents, baselineAgent{dimension: d})
	}
	return agents
}
