// Package taskgraph builds the plan task DAG, enforces state
// transitions, and computes the deterministic ready queue.
//
// Nodes live in an id-keyed map; edges are stored twice (dependencies
// and derived dependents) and nested subtasks are flattened before
// construction, so cycle detection is a plain DFS over ids.
package taskgraph

import (
	"fmt"
	"sort"
	"time"

	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
)

// State enumerates task states.
type State string

const (
	StatePending  State = "pending"
	StateReady    State = "ready"
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateBlocked  State = "blocked"
	StatePaused   State = "paused"
)

func validState(s State) bool {
	switch s {
	case StatePending, StateReady, StateRunning, StateComplete, StateBlocked, StatePaused:
		return true
	}
	return false
}

// Task is the input shape parsed from a plan blob. Subtasks nest.
type Task struct {
	ID           string   `json:"id"`
	IssueID      string   `json:"issueId,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	State        State    `json:"state,omitempty"`
	Priority     *int     `json:"priority,omitempty"`
	RunCount     int      `json:"runCount,omitempty"`
	ReadySince   *int64   `json:"readySince,omitempty"` // epoch ms
	Subtasks     []Task   `json:"subtasks,omitempty"`
}

// Node is a flattened task inside a built graph.
type Node struct {
	ID           string
	IssueID      string
	Dependencies []string
	Dependents   []string // derived; never authoritative for equality
	State        State
	Priority     *int
	RunCount     int
	ReadySince   *int64
}

// Graph is an arena of nodes keyed by id. Insertion order is kept for
// deterministic iteration.
type Graph struct {
	nodes map[string]*Node
	order []string
	now   func() time.Time
}

// Build flattens subtasks, inserts nodes in input order, cross-links
// dependents, rejects cycles, and finally syncs blocked/ready states.
func Build(tasks []Task) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*Node), now: time.Now}

	var insert func(t Task) error
	insert = func(t Task) error {
		if t.ID == "" {
			return apperrors.InvalidInput("task id is required")
		}
		if _, exists := g.nodes[t.ID]; exists {
			return apperrors.Conflict("duplicate task id %q", t.ID)
		}
		state := t.State
		if state == "" {
			state = StatePending
		}
		if !validState(state) {
			return apperrors.InvalidInput("task %q: unknown state %q", t.ID, t.State)
		}
		g.nodes[t.ID] = &Node{
			ID:           t.ID,
			IssueID:      t.IssueID,
			Dependencies: append([]string(nil), t.Dependencies...),
			State:        state,
			Priority:     t.Priority,
			RunCount:     t.RunCount,
			ReadySince:   t.ReadySince,
		}
		g.order = append(g.order, t.ID)
		for _, sub := range t.Subtasks {
			if err := insert(sub); err != nil {
				return err
			}
		}
		return nil
	}
	for _, t := range tasks {
		if err := insert(t); err != nil {
			return nil, err
		}
	}

	// Cross-link dependents, validating that every dependency exists.
	for _, id := range g.order {
		node := g.nodes[id]
		for _, dep := range node.Dependencies {
			target, ok := g.nodes[dep]
			if !ok {
				return nil, apperrors.InvalidInput("task %q depends on unknown task %q", id, dep)
			}
			target.Dependents = append(target.Dependents, id)
		}
	}

	if cycle := g.FindCycle(); cycle != nil {
		return nil, apperrors.Conflict("task graph contains a cycle: %v", cycle)
	}

	g.syncBlockedReady()
	return g, nil
}

// Node returns the node for an id, or nil.
func (g *Graph) Node(id string) *Node {
	return g.nodes[id]
}

// NodeByIssue returns the first node carrying an issue id, or nil.
func (g *Graph) NodeByIssue(issueID string) *Node {
	if issueID == "" {
		return nil
	}
	for _, id := range g.order {
		if g.nodes[id].IssueID == issueID {
			return g.nodes[id]
		}
	}
	return nil
}

// IDs returns node ids in insertion order.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.order...)
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// FindCycle runs a DFS over dependency edges and returns the first
// cycle found as a path whose first and last element are equal, or nil.
func (g *Graph) FindCycle() []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	colors := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = inStack
		stack = append(stack, id)
		for _, dep := range g.nodes[id].Dependencies {
			switch colors[dep] {
			case inStack:
				// Trim the stack back to where the cycle begins and close it.
				start := 0
				for i, v := range stack {
					if v == dep {
						start = i
						break
					}
				}
				cycle := append([]string(nil), stack[start:]...)
				return append(cycle, dep)
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = done
		return nil
	}

	for _, id := range g.order {
		if colors[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// depsComplete reports whether every dependency of the node is complete.
func (g *Graph) depsComplete(node *Node) bool {
	for _, dep := range node.Dependencies {
		if d := g.nodes[dep]; d == nil || d.State != StateComplete {
			return false
		}
	}
	return true
}

// syncBlockedReady recomputes ready vs blocked for every node that is
// not running, complete, or explicitly paused.
func (g *Graph) syncBlockedReady() {
	for _, id := range g.order {
		node := g.nodes[id]
		switch node.State {
		case StateRunning, StateComplete, StatePaused:
			continue
		}
		if g.depsComplete(node) {
			if node.State != StateReady {
				node.State = StateReady
				g.stampReadySince(node)
			}
		} else {
			node.State = StateBlocked
		}
	}
}

func (g *Graph) stampReadySince(node *Node) {
	if node.ReadySince == nil {
		ms := g.now().UnixMilli()
		node.ReadySince = &ms
	}
}

// allowedTransitions is the only permitted forward order.
var allowedTransitions = map[State]State{
	StateBlocked: StateReady,
	StateReady:   StateRunning,
	StateRunning: StateComplete,
}

// TransitionResult reports the side effects of a transition.
type TransitionResult struct {
	// UnlockedTaskIDs lists dependents that became ready because this
	// transition completed their last outstanding dependency.
	UnlockedTaskIDs []string
}

// Transition moves a task along blocked -> ready -> running -> complete.
// Any other edge is rejected with a conflict. Completing a task
// unlocks dependents whose dependencies are now all complete.
func (g *Graph) Transition(id string, to State) (*TransitionResult, error) {
	node, ok := g.nodes[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	if !validState(to) {
		return nil, apperrors.InvalidInput("unknown task state %q", to)
	}
	if node.State == StateComplete {
		return nil, apperrors.Conflict("task %q is complete; no further transitions", id)
	}
	if allowedTransitions[node.State] != to {
		return nil, apperrors.Conflict("task %q: transition %s -> %s is not permitted", id, node.State, to)
	}
	if to == StateReady && !g.depsComplete(node) {
		return nil, apperrors.Conflict("task %q cannot become ready with incomplete dependencies", id)
	}

	node.State = to
	result := &TransitionResult{}
	switch to {
	case StateReady:
		g.stampReadySince(node)
	case StateRunning:
		node.RunCount++
	case StateComplete:
		// Fan-out unlock.
		for _, depID := range node.Dependents {
			dependent := g.nodes[depID]
			if dependent.State == StateBlocked && g.depsComplete(dependent) {
				dependent.State = StateReady
				g.stampReadySince(dependent)
				result.UnlockedTaskIDs = append(result.UnlockedTaskIDs, depID)
			}
		}
		sort.Strings(result.UnlockedTaskIDs)
	}
	return result, nil
}

// Pause holds a blocked task. Other states are a no-op.
func (g *Graph) Pause(id string) error {
	node, ok := g.nodes[id]
	if !ok {
		return apperrors.NotFound("task", id)
	}
	if node.State == StateBlocked {
		node.State = StatePaused
	}
	return nil
}

// Resume releases a paused task, recomputing ready vs pending from
// dependency completion. Other states are a no-op.
func (g *Graph) Resume(id string) error {
	node, ok := g.nodes[id]
	if !ok {
		return apperrors.NotFound("task", id)
	}
	if node.State != StatePaused {
		return nil
	}
	if g.depsComplete(node) {
		node.State = StateReady
		g.stampReadySince(node)
	} else {
		node.State = StatePending
	}
	return nil
}

// Snapshot emits the id -> state map for persistence.
func (g *Graph) Snapshot() map[string]State {
	snap := make(map[string]State, len(g.nodes))
	for id, node := range g.nodes {
		snap[id] = node.State
	}
	return snap
}

// ApplySnapshot restores persisted states, refusing any snapshot that
// puts a task in running or complete while a dependency is not
// complete. Ready/blocked derivation is recomputed afterwards.
func (g *Graph) ApplySnapshot(snap map[string]State) error {
	for id, state := range snap {
		if _, ok := g.nodes[id]; !ok {
			return apperrors.NotFound("task", id)
		}
		if !validState(state) {
			return apperrors.InvalidInput("task %q: unknown state %q", id, state)
		}
	}
	// Validate the invariant against the incoming states before mutating.
	stateOf := func(id string) State {
		if s, ok := snap[id]; ok {
			return s
		}
		return g.nodes[id].State
	}
	for id, state := range snap {
		if state != StateRunning && state != StateComplete {
			continue
		}
		for _, dep := range g.nodes[id].Dependencies {
			if stateOf(dep) != StateComplete {
				return apperrors.ContractViolation(
					"task %q is %s but dependency %q is %s", id, state, dep, stateOf(dep))
			}
		}
	}
	for id, state := range snap {
		g.nodes[id].State = state
	}
	g.syncBlockedReady()
	return nil
}

// String implements fmt.Stringer for debugging.
func (g *Graph) String() string {
	return fmt.Sprintf("taskgraph(%d nodes)", len(g.order))
}
