//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

// Config map keys (used under config["configurable"]).
const (
	CfgKeyConfigurable = "configurable"
	CfgKeyLineageID    = "lineage_id"
	CfgKeyCheckpointID = "checkpoint_id"
	CfgKeyCheckpointNS = "checkpoint_ns"
	CfgKeyResumeMap    = "resume_map"
)

// State map keys stored into execution state by the engine.
const (
	StateKeyCommand        = "__command__"
	StateKeyResumeMap      = "__resume_map__"
	StateKeyResumeValues   = "__resume_values__"
	StateKeyUsedInterrupts = "__used_interrupts__"
)

// ResumeChannel carries a single resume value staged for the next
// interrupted node.
const ResumeChannel = "__resume__"

// Channel naming conventions.
const (
	ChannelInputPrefix  = "input:"
	ChannelBranchPrefix = "branch:to:"
)
