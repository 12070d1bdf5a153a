//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package graph provides a Pregel-style bulk-synchronous-parallel execution
// engine. Nodes communicate exclusively through state channels merged by
// schema reducers; execution proceeds in supersteps that are checkpointed
// between rounds.
package graph

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"trpc.group/trpc-go/trpc-graph-go/event"
	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
)

// Special node identifiers for graph routing.
const (
	// Start represents the virtual start node for routing.
	Start = "__start__"
	// End represents the virtual end node for routing.
	End = "__end__"
)

// NodeFunc is a function that can be executed by a node.
// It receives a snapshot of the state as of the start of the superstep and
// returns a State update, a *Command, or a []*Send for dynamic fan-out.
type NodeFunc func(ctx context.Context, state State) (any, error)

// ConditionalFunc determines the next node based on state.
type ConditionalFunc func(ctx context.Context, state State) (string, error)

// MultiConditionalFunc returns multiple next nodes for parallel execution.
type MultiConditionalFunc func(ctx context.Context, state State) ([]string, error)

// Node represents a node in the graph. Nodes are primarily functions with
// metadata; all persistent state lives in channels.
type Node struct {
	ID          string
	Name        string
	Description string
	Function    NodeFunc

	// retryPolicy, when set, governs re-execution of the node on error.
	retryPolicy *RetryPolicy

	// triggers are the channels whose updates schedule this node.
	triggers []string

	// destinations declares targets for dynamic routing (Send/Command),
	// used by validation. Keys are target node IDs, values optional labels.
	destinations map[string]string

	// order is the registration index, the tie-break for deterministic
	// task ordering within a superstep.
	order int
}

// Edge represents an unconditional edge in the graph.
type Edge struct {
	From string
	To   string
}

// ConditionalEdge represents a conditional edge with routing logic.
type ConditionalEdge struct {
	From      string
	Condition ConditionalFunc
	Multi     MultiConditionalFunc
	PathMap   map[string]string // Maps condition result to target node.
}

// Command combines a state update with a routing directive. A node may
// return *Command instead of a plain State update.
type Command struct {
	// Update is merged into the state like an ordinary node result.
	Update State
	// GoTo routes execution to the named node in the next superstep,
	// bypassing static edges.
	GoTo string
	// Resume carries a resume value when the command is used to continue
	// an interrupted run.
	Resume any
	// ResumeMap maps interrupt keys to resume values.
	ResumeMap map[string]any
	// ResumeValues is an ordered list of resume values consumed by
	// interrupt calls in call order.
	ResumeValues []any
}

// Send creates an ad hoc task for the next superstep with custom input not
// drawn from the shared state (map/reduce fan-out). A node may return
// []*Send instead of a state update.
type Send struct {
	// Node is the target node ID.
	Node string
	// Input is merged over the shared state snapshot to form the task
	// input for the target.
	Input State
}

// Graph is the compiled, immutable runtime structure created by
// StateGraph.Compile. It is executed by the Executor and safe for
// concurrent use by multiple executions.
type Graph struct {
	mu               sync.RWMutex
	schema           *StateSchema
	nodes            map[string]*Node
	nodeOrder        []string
	edges            map[string][]*Edge
	conditionalEdges map[string]*ConditionalEdge
	entryPoint       string
	triggerToNodes   map[string][]string // channel name -> subscriber node IDs
}

// New creates a new empty graph with the given state schema.
func New(schema *StateSchema) *Graph {
	if schema == nil {
		schema = NewStateSchema()
	}
	return &Graph{
		schema:           schema,
		nodes:            make(map[string]*Node),
		edges:            make(map[string][]*Edge),
		conditionalEdges: make(map[string]*ConditionalEdge),
		triggerToNodes:   make(map[string][]string),
	}
}

// Node returns a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, exists := g.nodes[id]
	return node, exists
}

// Nodes returns all node IDs in registration order.
func (g *Graph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.nodeOrder))
	copy(out, g.nodeOrder)
	return out
}

// Edges returns all outgoing edges from a node.
func (g *Graph) Edges(nodeID string) []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[nodeID]
}

// ConditionalEdge returns the conditional edge from a node.
func (g *Graph) ConditionalEdge(nodeID string) (*ConditionalEdge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edge, exists := g.conditionalEdges[nodeID]
	return edge, exists
}

// EntryPoint returns the entry point node ID.
func (g *Graph) EntryPoint() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entryPoint
}

// Schema returns the state schema.
func (g *Graph) Schema() *StateSchema {
	return g.schema
}

// TriggerSubscribers returns the node IDs subscribed to a trigger channel,
// in registration order.
func (g *Graph) TriggerSubscribers(channelName string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	subs := g.triggerToNodes[channelName]
	out := make([]string, len(subs))
	copy(out, subs)
	return out
}

// newChannelManager builds a fresh channel manager for one execution,
// registering one ephemeral branch channel per node.
func (g *Graph) newChannelManager() *channel.Manager {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m := channel.NewManager()
	for _, id := range g.nodeOrder {
		m.Add(ChannelBranchPrefix+id, channel.BehaviorEphemeral)
	}
	return m
}

// validate validates the graph structure.
func (g *Graph) validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.entryPoint == "" {
		return fmt.Errorf("graph must have an entry point")
	}
	if _, exists := g.nodes[g.entryPoint]; !exists {
		return fmt.Errorf("entry point node %s does not exist", g.entryPoint)
	}
	for _, n := range g.nodes {
		if n.Function == nil {
			return fmt.Errorf("node %s has no function", n.ID)
		}
		if len(n.destinations) == 0 {
			continue
		}
		for to := range n.destinations {
			if to == End {
				continue
			}
			if _, ok := g.nodes[to]; !ok {
				return fmt.Errorf("node %s declares destination %s which does not exist", n.ID, to)
			}
		}
	}
	return nil
}

// buildTriggers wires branch channels to their subscriber nodes. Called
// once at compile time.
func (g *Graph) buildTriggers() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.nodeOrder {
		node := g.nodes[id]
		trigger := ChannelBranchPrefix + id
		node.triggers = append(node.triggers, trigger)
		g.triggerToNodes[trigger] = append(g.triggerToNodes[trigger], id)
	}
}

// addNode adds a node to the graph.
func (g *Graph) addNode(node *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if node.ID == "" {
		return fmt.Errorf("node ID cannot be empty for %+v", node)
	}
	if node.ID == Start || node.ID == End {
		return fmt.Errorf("node ID %s is reserved", node.ID)
	}
	if _, exists := g.nodes[node.ID]; exists {
		return fmt.Errorf("node with ID %s already exists", node.ID)
	}
	node.order = len(g.nodeOrder)
	g.nodes[node.ID] = node
	g.nodeOrder = append(g.nodeOrder, node.ID)
	return nil
}

// addEdge adds an edge to the graph.
func (g *Graph) addEdge(edge *Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if edge.From == "" || edge.To == "" {
		return fmt.Errorf("edge from and to cannot be empty")
	}
	// Start and End are allowed as special endpoints.
	if edge.From != Start {
		if _, exists := g.nodes[edge.From]; !exists {
			return fmt.Errorf("source node %s does not exist", edge.From)
		}
	}
	if edge.To != End {
		if _, exists := g.nodes[edge.To]; !exists {
			return fmt.Errorf("target node %s does not exist", edge.To)
		}
	}
	g.edges[edge.From] = append(g.edges[edge.From], edge)
	return nil
}

// addConditionalEdge adds a conditional edge to the graph.
func (g *Graph) addConditionalEdge(condEdge *ConditionalEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if condEdge.From == "" {
		return fmt.Errorf("conditional edge from cannot be empty")
	}
	if condEdge.From != Start {
		if _, exists := g.nodes[condEdge.From]; !exists {
			return fmt.Errorf("source node %s does not exist", condEdge.From)
		}
	}
	for _, to := range condEdge.PathMap {
		if to != End {
			if _, exists := g.nodes[to]; !exists {
				return fmt.Errorf("target node %s does not exist", to)
			}
		}
	}
	g.conditionalEdges[condEdge.From] = condEdge
	return nil
}

// setEntryPoint sets the entry point of the graph.
func (g *Graph) setEntryPoint(nodeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if nodeID != "" {
		if _, exists := g.nodes[nodeID]; !exists {
			return fmt.Errorf("entry point node %s does not exist", nodeID)
		}
	}
	g.entryPoint = nodeID
	return nil
}

// ExecutionContext carries the per-run mutable state threaded through the
// superstep loop. One is created per invocation; it is never shared across
// concurrent runs.
type ExecutionContext struct {
	Graph        *Graph
	EventChan    chan<- *event.Event
	InvocationID string

	// stateMutex protects State reads/writes.
	stateMutex sync.RWMutex
	State      State

	channels *channel.Manager

	// pendingMu protects pendingWrites operations.
	pendingMu     sync.Mutex
	pendingWrites []PendingWrite
	seq           atomic.Int64 // global sequence for deterministic replay

	// nextTasks are ad hoc tasks (Sends) queued for the next superstep.
	tasksMutex sync.Mutex
	nextSends  []*Send

	// lastCheckpoint holds the most recent checkpoint used for planning
	// when resuming.
	lastCheckpoint *Checkpoint
	resuming       bool

	// runtimeKeys are per-invocation values stripped from checkpoints and
	// user-visible snapshots alongside the engine's internal keys.
	runtimeKeys map[string]bool
}

// CurrentState returns a copy of the committed state.
func (ec *ExecutionContext) CurrentState() State {
	ec.stateMutex.RLock()
	defer ec.stateMutex.RUnlock()
	return ec.State.Clone()
}

// sanitized returns the committed state without engine bookkeeping and
// per-invocation runtime values.
func (ec *ExecutionContext) sanitized() State {
	state := ec.CurrentState()
	out := make(State, len(state))
	for k, v := range state {
		if internalStateKeys[k] || ec.runtimeKeys[k] {
			continue
		}
		out[k] = v
	}
	return out
}

func (ec *ExecutionContext) setState(s State) {
	ec.stateMutex.Lock()
	ec.State = s
	ec.stateMutex.Unlock()
}

func (ec *ExecutionContext) addPendingWrites(writes []PendingWrite) {
	ec.pendingMu.Lock()
	ec.pendingWrites = append(ec.pendingWrites, writes...)
	ec.pendingMu.Unlock()
}

func (ec *ExecutionContext) takePendingWrites() []PendingWrite {
	ec.pendingMu.Lock()
	defer ec.pendingMu.Unlock()
	writes := ec.pendingWrites
	ec.pendingWrites = nil
	return writes
}

func (ec *ExecutionContext) queueSends(sends []*Send) {
	ec.tasksMutex.Lock()
	ec.nextSends = append(ec.nextSends, sends...)
	ec.tasksMutex.Unlock()
}

func (ec *ExecutionContext) takeSends() []*Send {
	ec.tasksMutex.Lock()
	defer ec.tasksMutex.Unlock()
	sends := ec.nextSends
	ec.nextSends = nil
	return sends
}
