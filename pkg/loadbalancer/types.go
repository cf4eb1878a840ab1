// Package loadbalancer implements the candidate-scoring step behind the
// Director's LOAD_BALANCED routing strategy (spec.md §4.3): given several
// agents capable of handling a task, pick one.
//
// Grounded on the teacher's pkg/loadbalancer (the LoadBalancer interface and
// its pluggable-Algorithm shape), generalized from selecting a distributed
// inference node to selecting a types.Agent.
package loadbalancer

import (
	"sort"

	"github.com/khryptorgraphics/ollamamax/pkg/types"
)

// Algorithm is the pluggable selection strategy.
type Algorithm string

const (
	RoundRobin    Algorithm = "round_robin"
	LeastBusy     Algorithm = "least_busy"
	FastestAgent  Algorithm = "fastest"
	BestSuccessRate Algorithm = "best_success_rate"
)

// Balancer selects an agent from a candidate set using the configured
// algorithm.
type Balancer struct {
	algorithm Algorithm
	counter   int
}

// New builds a Balancer using algo.
func New(algo Algorithm) *Balancer {
	return &Balancer{algorithm: algo}
}

// Select picks one candidate from agents. Agents that are not idle or active
// are filtered out before scoring.
func (b *Balancer) Select(agents []*types.Agent) (*types.Agent, bool) {
	candidates := make([]*types.Agent, 0, len(agents))
	for _, a := range agents {
		if a.Status == types.AgentStatusIdle || a.Status == types.AgentStatusActive {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}

	switch b.algorithm {
	case LeastBusy:
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].TasksCompleted < candidates[j].TasksCompleted
		})
		return candidates[0], true
	case FastestAgent:
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].AverageResponseTime < candidates[j].AverageResponseTime
		})
		return candidates[0], true
	case BestSuccessRate:
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].SuccessRate > candidates[j].SuccessRate
		})
		return candidates[0], true
	default: // RoundRobin
		agent := candidates[b.counter%len(candidates)]
		b.counter++
		return agent, true
	}
}

// GetAlgorithm reports the configured strategy.
func (b *Balancer) GetAlgorithm() Algorithm {
	return b.algorithm
}
