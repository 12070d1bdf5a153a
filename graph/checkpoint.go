//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

const (
	// CheckpointVersion is the current version of the checkpoint format.
	CheckpointVersion = 1

	// CheckpointSourceInput indicates the checkpoint was created from input.
	CheckpointSourceInput = "input"
	// CheckpointSourceLoop indicates the checkpoint was created from inside the loop.
	CheckpointSourceLoop = "loop"
	// CheckpointSourceUpdate indicates the checkpoint was created from manual update.
	CheckpointSourceUpdate = "update"
	// CheckpointSourceFork indicates the checkpoint was created as a copy.
	CheckpointSourceFork = "fork"
	// CheckpointSourceInterrupt indicates the checkpoint was created from an interrupt.
	CheckpointSourceInterrupt = "interrupt"

	// DefaultCheckpointNamespace is the default namespace for checkpoints.
	DefaultCheckpointNamespace = ""
	// DefaultMaxCheckpointsPerLineage is the default maximum number of checkpoints per lineage.
	DefaultMaxCheckpointsPerLineage = 100
)

// Checkpoint represents an immutable snapshot of graph state at a superstep
// boundary. Once stored it is never mutated; branching a lineage forks a
// copy with a new ID and a parent pointer.
type Checkpoint struct {
	// Version is the version of the checkpoint format.
	Version int `json:"v"`
	// ID is the unique identifier for this checkpoint.
	ID string `json:"id"`
	// Timestamp is when the checkpoint was created.
	Timestamp time.Time `json:"ts"`
	// ChannelValues contains the merged state at checkpoint time.
	ChannelValues map[string]any `json:"channel_values"`
	// ChannelVersions contains the versions of trigger channels.
	ChannelVersions map[string]int64 `json:"channel_versions"`
	// VersionsSeen tracks which channel versions each node has consumed.
	VersionsSeen map[string]map[string]int64 `json:"versions_seen"`
	// ParentCheckpointID is the ID of the parent checkpoint (for branching).
	ParentCheckpointID string `json:"parent_checkpoint_id,omitempty"`
	// UpdatedChannels lists channels updated in this checkpoint.
	UpdatedChannels []string `json:"updated_channels,omitempty"`
	// PendingSends contains queued sends not yet turned into tasks.
	PendingSends []PendingSend `json:"pending_sends,omitempty"`
	// InterruptState records an in-flight interrupt, if any.
	InterruptState *InterruptState `json:"interrupt_state,omitempty"`
	// NextNodes contains the nodes scheduled for the next superstep.
	NextNodes []string `json:"next_nodes,omitempty"`
	// NextChannels contains the channels to trigger on resume.
	NextChannels []string `json:"next_channels,omitempty"`
}

// InterruptState represents the state of an interrupted execution.
type InterruptState struct {
	// NodeID is the ID of the node where execution was interrupted.
	NodeID string `json:"node_id"`
	// TaskID is the ID of the task that was interrupted.
	TaskID string `json:"task_id"`
	// InterruptValue is the payload passed to Interrupt.
	InterruptValue any `json:"interrupt_value"`
	// ResumeValues are positional resume values consumed in call order.
	ResumeValues []any `json:"resume_values,omitempty"`
	// Step is the step number when the interrupt occurred.
	Step int `json:"step"`
	// Path is the execution path to the interrupted node.
	Path []string `json:"path,omitempty"`
}

// PendingSend represents a queued dynamic task input.
type PendingSend struct {
	// Channel is the channel to send to.
	Channel string `json:"channel"`
	// Value is the value to send.
	Value any `json:"value"`
	// TaskID is the ID of the task that created this send.
	TaskID string `json:"task_id,omitempty"`
}

// CheckpointMetadata contains metadata about a checkpoint.
type CheckpointMetadata struct {
	// Source indicates how the checkpoint was created.
	Source string `json:"source"`
	// Step is the step number (-1 for input, 0+ for loop steps).
	Step int `json:"step"`
	// Parents maps checkpoint namespaces to parent checkpoint IDs.
	Parents map[string]string `json:"parents"`
	// Extra holds additional metadata fields.
	Extra map[string]any `json:"extra,omitempty"`
	// IsResuming indicates if this checkpoint is being resumed from.
	IsResuming bool `json:"is_resuming,omitempty"`
}

// CheckpointTuple wraps a checkpoint with its configuration and metadata.
type CheckpointTuple struct {
	// Config contains the configuration used to create this checkpoint.
	Config map[string]any `json:"config"`
	// Checkpoint is the actual checkpoint data.
	Checkpoint *Checkpoint `json:"checkpoint"`
	// Metadata contains additional checkpoint information.
	Metadata *CheckpointMetadata `json:"metadata"`
	// ParentConfig is the configuration of the parent checkpoint.
	ParentConfig map[string]any `json:"parent_config,omitempty"`
	// PendingWrites contains writes recorded against this checkpoint.
	PendingWrites []PendingWrite `json:"pending_writes,omitempty"`
}

// PendingWrite is a single task write recorded before the transactional
// apply. Writes survive crashes so completed work is not repeated.
type PendingWrite struct {
	// TaskID is the ID of the task that created this write.
	TaskID string `json:"task_id"`
	// Channel is the channel being written to.
	Channel string `json:"channel"`
	// Value is the value being written.
	Value any `json:"value"`
	// Sequence is the global sequence number for deterministic replay.
	Sequence int64 `json:"sequence"`
}

// PutRequest contains all data needed to store a checkpoint.
type PutRequest struct {
	Config      map[string]any
	Checkpoint  *Checkpoint
	Metadata    *CheckpointMetadata
	NewVersions map[string]int64
}

// PutWritesRequest contains all data needed to store writes.
type PutWritesRequest struct {
	Config   map[string]any
	Writes   []PendingWrite
	TaskID   string
	TaskPath string
}

// PutFullRequest contains all data needed to atomically store a checkpoint
// with its writes.
type PutFullRequest struct {
	Config        map[string]any
	Checkpoint    *Checkpoint
	Metadata      *CheckpointMetadata
	NewVersions   map[string]int64
	PendingWrites []PendingWrite
}

// CheckpointSaver defines the interface for checkpoint storage
// implementations.
type CheckpointSaver interface {
	// Get retrieves a checkpoint by configuration.
	Get(ctx context.Context, config map[string]any) (*Checkpoint, error)
	// GetTuple retrieves a checkpoint tuple by configuration.
	GetTuple(ctx context.Context, config map[string]any) (*CheckpointTuple, error)
	// List retrieves checkpoints matching criteria, newest first.
	List(ctx context.Context, config map[string]any, filter *CheckpointFilter) ([]*CheckpointTuple, error)
	// Put stores a checkpoint.
	Put(ctx context.Context, req PutRequest) (map[string]any, error)
	// PutWrites stores intermediate writes linked to a checkpoint.
	PutWrites(ctx context.Context, req PutWritesRequest) error
	// PutFull atomically stores a checkpoint with its pending writes.
	PutFull(ctx context.Context, req PutFullRequest) (map[string]any, error)
	// DeleteLineage removes all checkpoints for a lineage.
	DeleteLineage(ctx context.Context, lineageID string) error
	// Close releases resources held by the saver.
	Close() error
}

// CheckpointTree represents the branching structure of checkpoints in a
// lineage.
type CheckpointTree struct {
	// Root is the root node of the tree.
	Root *CheckpointNode `json:"root"`
	// Branches maps checkpoint IDs to their nodes for quick access.
	Branches map[string]*CheckpointNode `json:"branches"`
}

// CheckpointNode represents a node in the checkpoint tree.
type CheckpointNode struct {
	// Checkpoint is the checkpoint tuple at this node.
	Checkpoint *CheckpointTuple `json:"checkpoint"`
	// Children are the child nodes (forks from this checkpoint).
	Children []*CheckpointNode `json:"children"`
	// Parent is the parent node (nil for root).
	Parent *CheckpointNode `json:"-"` // Avoid circular JSON.
}

// CheckpointFilter defines filtering criteria for listing checkpoints.
type CheckpointFilter struct {
	// Before limits results to checkpoints created before this config.
	Before map[string]any `json:"before,omitempty"`
	// Limit is the maximum number of checkpoints to return.
	Limit int `json:"limit,omitempty"`
	// Metadata filters checkpoints by metadata fields.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CheckpointConfig provides a structured way to handle checkpoint
// configuration.
type CheckpointConfig struct {
	// LineageID is the unique identifier for the thread of runs.
	LineageID string
	// CheckpointID is the specific checkpoint to retrieve.
	CheckpointID string
	// Namespace is the checkpoint namespace.
	Namespace string
	// ResumeMap maps interrupt keys to resume values.
	ResumeMap map[string]any
	// Extra contains additional configuration fields.
	Extra map[string]any
}

// NewCheckpoint creates a new checkpoint with the given data.
func NewCheckpoint(
	channelValues map[string]any,
	channelVersions map[string]int64,
	versionsSeen map[string]map[string]int64,
) *Checkpoint {
	if channelValues == nil {
		channelValues = make(map[string]any)
	}
	if channelVersions == nil {
		channelVersions = make(map[string]int64)
	}
	if versionsSeen == nil {
		versionsSeen = make(map[string]map[string]int64)
	}
	return &Checkpoint{
		Version:         CheckpointVersion,
		ID:              uuid.New().String(),
		Timestamp:       time.Now().UTC(),
		ChannelValues:   channelValues,
		ChannelVersions: channelVersions,
		VersionsSeen:    versionsSeen,
	}
}

// NewCheckpointMetadata creates new checkpoint metadata.
func NewCheckpointMetadata(source string, step int) *CheckpointMetadata {
	return &CheckpointMetadata{
		Source:  source,
		Step:    step,
		Parents: make(map[string]string),
		Extra:   make(map[string]any),
	}
}

// NewCheckpointConfig creates a new checkpoint configuration.
func NewCheckpointConfig(lineageID string) *CheckpointConfig {
	return &CheckpointConfig{
		LineageID: lineageID,
		Namespace: DefaultCheckpointNamespace,
		ResumeMap: make(map[string]any),
		Extra:     make(map[string]any),
	}
}

// WithCheckpointID sets the checkpoint ID.
func (c *CheckpointConfig) WithCheckpointID(checkpointID string) *CheckpointConfig {
	c.CheckpointID = checkpointID
	return c
}

// WithNamespace sets the namespace.
func (c *CheckpointConfig) WithNamespace(namespace string) *CheckpointConfig {
	c.Namespace = namespace
	return c
}

// WithResumeMap sets the resume map.
func (c *CheckpointConfig) WithResumeMap(resumeMap map[string]any) *CheckpointConfig {
	c.ResumeMap = resumeMap
	return c
}

// ToMap converts the config to the map form consumed by savers.
func (c *CheckpointConfig) ToMap() map[string]any {
	configurable := map[string]any{
		CfgKeyLineageID:    c.LineageID,
		CfgKeyCheckpointNS: c.Namespace,
	}
	if c.CheckpointID != "" {
		configurable[CfgKeyCheckpointID] = c.CheckpointID
	}
	if len(c.ResumeMap) > 0 {
		configurable[CfgKeyResumeMap] = c.ResumeMap
	}
	config := map[string]any{CfgKeyConfigurable: configurable}
	maps.Copy(config, c.Extra)
	return config
}

// NewCheckpointFilter creates a new checkpoint filter.
func NewCheckpointFilter() *CheckpointFilter {
	return &CheckpointFilter{Metadata: make(map[string]any)}
}

// WithBefore sets the before filter.
func (f *CheckpointFilter) WithBefore(before map[string]any) *CheckpointFilter {
	f.Before = before
	return f
}

// WithLimit sets the limit.
func (f *CheckpointFilter) WithLimit(limit int) *CheckpointFilter {
	f.Limit = limit
	return f
}

// WithMetadata sets a metadata filter entry.
func (f *CheckpointFilter) WithMetadata(key string, value any) *CheckpointFilter {
	if f.Metadata == nil {
		f.Metadata = make(map[string]any)
	}
	f.Metadata[key] = value
	return f
}

// Copy creates a deep copy of the checkpoint, preserving the ID.
func (c *Checkpoint) Copy() *Checkpoint {
	if c == nil {
		return nil
	}
	channelValues := make(map[string]any, len(c.ChannelValues))
	for k, v := range c.ChannelValues {
		channelValues[k] = deepCopyAny(v)
	}
	channelVersions := make(map[string]int64, len(c.ChannelVersions))
	maps.Copy(channelVersions, c.ChannelVersions)
	versionsSeen := make(map[string]map[string]int64, len(c.VersionsSeen))
	for k, v := range c.VersionsSeen {
		inner := make(map[string]int64, len(v))
		maps.Copy(inner, v)
		versionsSeen[k] = inner
	}
	pendingSends := make([]PendingSend, len(c.PendingSends))
	for i, send := range c.PendingSends {
		pendingSends[i] = PendingSend{
			Channel: send.Channel,
			Value:   deepCopyAny(send.Value),
			TaskID:  send.TaskID,
		}
	}
	var interruptState *InterruptState
	if c.InterruptState != nil {
		interruptState = &InterruptState{
			NodeID:         c.InterruptState.NodeID,
			TaskID:         c.InterruptState.TaskID,
			InterruptValue: c.InterruptState.InterruptValue,
			Step:           c.InterruptState.Step,
			Path:           append([]string(nil), c.InterruptState.Path...),
		}
		if c.InterruptState.ResumeValues != nil {
			interruptState.ResumeValues = append([]any(nil), c.InterruptState.ResumeValues...)
		}
	}
	return &Checkpoint{
		Version:            c.Version,
		ID:                 c.ID, // Preserve original ID for a true copy.
		Timestamp:          c.Timestamp,
		ChannelValues:      channelValues,
		ChannelVersions:    channelVersions,
		VersionsSeen:       versionsSeen,
		ParentCheckpointID: c.ParentCheckpointID,
		UpdatedChannels:    append([]string(nil), c.UpdatedChannels...),
		PendingSends:       pendingSends,
		InterruptState:     interruptState,
		NextNodes:          append([]string(nil), c.NextNodes...),
		NextChannels:       append([]string(nil), c.NextChannels...),
	}
}

// Fork creates a copy of the checkpoint with a new ID and a parent pointer
// to the source. Used for branching and for resuming from an older
// checkpoint without disturbing the existing history.
func (c *Checkpoint) Fork() *Checkpoint {
	if c == nil {
		return nil
	}
	forked := c.Copy()
	forked.ParentCheckpointID = c.ID
	forked.ID = uuid.New().String()
	forked.Timestamp = time.Now().UTC()
	return forked
}

// IsInterrupted reports whether the checkpoint carries an in-flight
// interrupt.
func (c *Checkpoint) IsInterrupted() bool {
	return c != nil && c.InterruptState != nil
}

// GetCheckpointID extracts checkpoint ID from configuration.
func GetCheckpointID(config map[string]any) string {
	if configurable, ok := config[CfgKeyConfigurable].(map[string]any); ok {
		if checkpointID, ok := configurable[CfgKeyCheckpointID].(string); ok {
			return checkpointID
		}
	}
	return ""
}

// GetLineageID extracts lineage ID from configuration.
func GetLineageID(config map[string]any) string {
	if configurable, ok := config[CfgKeyConfigurable].(map[string]any); ok {
		if lineageID, ok := configurable[CfgKeyLineageID].(string); ok {
			return lineageID
		}
	}
	return ""
}

// GetNamespace extracts namespace from configuration.
func GetNamespace(config map[string]any) string {
	if configurable, ok := config[CfgKeyConfigurable].(map[string]any); ok {
		if namespace, ok := configurable[CfgKeyCheckpointNS].(string); ok {
			return namespace
		}
	}
	return DefaultCheckpointNamespace
}

// GetResumeMap extracts the resume map from configuration.
func GetResumeMap(config map[string]any) map[string]any {
	if configurable, ok := config[CfgKeyConfigurable].(map[string]any); ok {
		if resumeMap, ok := configurable[CfgKeyResumeMap].(map[string]any); ok {
			return resumeMap
		}
	}
	return nil
}

// CreateCheckpointConfig creates a checkpoint configuration map.
func CreateCheckpointConfig(lineageID, checkpointID, namespace string) map[string]any {
	config := NewCheckpointConfig(lineageID)
	if checkpointID != "" {
		config.WithCheckpointID(checkpointID)
	}
	config.WithNamespace(namespace)
	return config.ToMap()
}

// CheckpointManager provides high-level checkpoint management on top of a
// saver.
type CheckpointManager struct {
	saver CheckpointSaver
}

// NewCheckpointManager creates a new checkpoint manager.
func NewCheckpointManager(saver CheckpointSaver) *CheckpointManager {
	return &CheckpointManager{saver: saver}
}

// Saver returns the underlying checkpoint saver.
func (cm *CheckpointManager) Saver() CheckpointSaver { return cm.saver }

// Get retrieves a checkpoint by configuration.
func (cm *CheckpointManager) Get(ctx context.Context, config map[string]any) (*Checkpoint, error) {
	if cm.saver == nil {
		return nil, fmt.Errorf("checkpoint saver is not configured")
	}
	return cm.saver.Get(ctx, config)
}

// GetTuple retrieves a checkpoint tuple by configuration.
func (cm *CheckpointManager) GetTuple(ctx context.Context, config map[string]any) (*CheckpointTuple, error) {
	if cm.saver == nil {
		return nil, fmt.Errorf("checkpoint saver is not configured")
	}
	return cm.saver.GetTuple(ctx, config)
}

// ListCheckpoints lists checkpoints for a lineage, newest first.
func (cm *CheckpointManager) ListCheckpoints(
	ctx context.Context, config map[string]any, filter *CheckpointFilter,
) ([]*CheckpointTuple, error) {
	if cm.saver == nil {
		return nil, fmt.Errorf("checkpoint saver is not configured")
	}
	return cm.saver.List(ctx, config, filter)
}

// DeleteLineage removes all checkpoints for a lineage.
func (cm *CheckpointManager) DeleteLineage(ctx context.Context, lineageID string) error {
	if cm.saver == nil {
		return fmt.Errorf("checkpoint saver is not configured")
	}
	return cm.saver.DeleteLineage(ctx, lineageID)
}

// Latest returns the most recent checkpoint tuple for a lineage and
// namespace, or nil when the lineage is empty.
func (cm *CheckpointManager) Latest(
	ctx context.Context, lineageID, namespace string,
) (*CheckpointTuple, error) {
	if cm.saver == nil {
		return nil, fmt.Errorf("checkpoint saver is not configured")
	}
	config := CreateCheckpointConfig(lineageID, "", namespace)
	checkpoints, err := cm.saver.List(ctx, config, &CheckpointFilter{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(checkpoints) == 0 {
		return nil, nil
	}
	return checkpoints[0], nil
}

// BranchFrom forks the checkpoint identified by config into a new branch
// and stores the fork. It returns the config of the new branch head.
func (cm *CheckpointManager) BranchFrom(
	ctx context.Context, config map[string]any,
) (map[string]any, error) {
	if cm.saver == nil {
		return nil, fmt.Errorf("checkpoint saver is not configured")
	}
	tuple, err := cm.saver.GetTuple(ctx, config)
	if err != nil {
		return nil, err
	}
	if tuple == nil || tuple.Checkpoint == nil {
		return nil, ErrCheckpointNotFound
	}
	forked := tuple.Checkpoint.Fork()
	metadata := NewCheckpointMetadata(CheckpointSourceFork, -1)
	if tuple.Metadata != nil {
		metadata.Step = tuple.Metadata.Step
	}
	metadata.Parents[GetNamespace(config)] = tuple.Checkpoint.ID
	return cm.saver.Put(ctx, PutRequest{
		Config:      config,
		Checkpoint:  forked,
		Metadata:    metadata,
		NewVersions: forked.ChannelVersions,
	})
}

// GetCheckpointTree reconstructs the branching DAG of a lineage from the
// parent pointers of its checkpoints.
func (cm *CheckpointManager) GetCheckpointTree(
	ctx context.Context, lineageID string,
) (*CheckpointTree, error) {
	if cm.saver == nil {
		return nil, fmt.Errorf("checkpoint saver is not configured")
	}
	config := CreateCheckpointConfig(lineageID, "", DefaultCheckpointNamespace)
	tuples, err := cm.saver.List(ctx, config, nil)
	if err != nil {
		return nil, err
	}
	tree := &CheckpointTree{Branches: make(map[string]*CheckpointNode)}
	for _, tuple := range tuples {
		if tuple.Checkpoint == nil {
			continue
		}
		tree.Branches[tuple.Checkpoint.ID] = &CheckpointNode{Checkpoint: tuple}
	}
	for _, node := range tree.Branches {
		parentID := node.Checkpoint.Checkpoint.ParentCheckpointID
		if parentID == "" {
			if tree.Root == nil {
				tree.Root = node
			}
			continue
		}
		if parent, ok := tree.Branches[parentID]; ok {
			node.Parent = parent
			parent.Children = append(parent.Children, node)
		} else if tree.Root == nil {
			// Parent fell out of retention; treat the orphan as root.
			tree.Root = node
		}
	}
	return tree, nil
}
