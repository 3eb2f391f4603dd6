package taskgraph

import (
	"sort"

	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
)

// SchedulerConfig holds ready-queue configuration.
type SchedulerConfig struct {
	// ConcurrencyCap limits tasks running at once. Zero means nothing
	// is ever scheduled.
	ConcurrencyCap int
	// DefaultPriority applies to nodes without an explicit priority.
	DefaultPriority int
}

// ReadyQueue is one deterministic scheduling decision.
type ReadyQueue struct {
	Tasks          []*Node
	RunningCount   int
	AvailableSlots int
}

// Scheduler computes ready queues from a graph.
type Scheduler struct {
	config SchedulerConfig
}

// NewScheduler creates a scheduler.
func NewScheduler(config SchedulerConfig) (*Scheduler, error) {
	if config.ConcurrencyCap < 0 {
		return nil, apperrors.InvalidInput("concurrency cap must be non-negative, got %d", config.ConcurrencyCap)
	}
	return &Scheduler{config: config}, nil
}

// GetReadyQueue returns the next tasks to start, fully deterministic
// for a fixed graph state:
//
//  1. priority descending (missing priority = DefaultPriority)
//  2. runCount ascending (fairness)
//  3. readySince ascending (nil sorts last)
//  4. id lexicographic
func (s *Scheduler) GetReadyQueue(g *Graph) (*ReadyQueue, error) {
	running := 0
	for _, id := range g.IDs() {
		if g.Node(id).State == StateRunning {
			running++
		}
	}
	available := s.config.ConcurrencyCap - running
	if available < 0 {
		available = 0
	}
	queue := &ReadyQueue{RunningCount: running, AvailableSlots: available}
	if available == 0 {
		return queue, nil
	}

	var candidates []*Node
	for _, id := range g.IDs() {
		node := g.Node(id)
		if node.State != StatePending && node.State != StateReady {
			continue
		}
		for _, dep := range node.Dependencies {
			if g.Node(dep) == nil {
				return nil, apperrors.ContractViolation("task %q depends on missing task %q", id, dep)
			}
		}
		if g.depsComplete(node) {
			candidates = append(candidates, node)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := s.priorityOf(candidates[i]), s.priorityOf(candidates[j])
		if pi != pj {
			return pi > pj
		}
		if candidates[i].RunCount != candidates[j].RunCount {
			return candidates[i].RunCount < candidates[j].RunCount
		}
		ri, rj := readySinceOf(candidates[i]), readySinceOf(candidates[j])
		if ri != rj {
			return ri < rj
		}
		return candidates[i].ID < candidates[j].ID
	})

	if len(candidates) > available {
		candidates = candidates[:available]
	}
	queue.Tasks = candidates
	return queue, nil
}

func (s *Scheduler) priorityOf(node *Node) int {
	if node.Priority != nil {
		return *node.Priority
	}
	return s.config.DefaultPriority
}

// readySinceOf treats a missing readySince as +infinity so tasks that
// were never ready sort last.
func readySinceOf(node *Node) int64 {
	if node.ReadySince == nil {
		return int64(^uint64(0) >> 1)
	}
	return *node.ReadySince
}
