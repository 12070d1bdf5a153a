//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides SQLite-backed checkpoint storage. Checkpoints and
// their pending writes are stored as JSON blobs in two tables; PutFull
// commits both in one transaction so a crash never leaves a checkpoint
// without its writes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

const (
	createCheckpoints = `CREATE TABLE IF NOT EXISTS checkpoints (
		lineage_id TEXT NOT NULL,
		checkpoint_ns TEXT NOT NULL,
		checkpoint_id TEXT NOT NULL,
		parent_checkpoint_id TEXT,
		ts INTEGER NOT NULL,
		checkpoint_json BLOB NOT NULL,
		metadata_json BLOB NOT NULL,
		PRIMARY KEY (lineage_id, checkpoint_ns, checkpoint_id)
	)`

	createWrites = `CREATE TABLE IF NOT EXISTS checkpoint_writes (
		lineage_id TEXT NOT NULL,
		checkpoint_ns TEXT NOT NULL,
		checkpoint_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		channel TEXT NOT NULL,
		value_json BLOB NOT NULL,
		task_path TEXT,
		seq INTEGER NOT NULL,
		PRIMARY KEY (lineage_id, checkpoint_ns, checkpoint_id, task_id, idx)
	)`

	insertCheckpoint = `INSERT OR REPLACE INTO checkpoints
		(lineage_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, ts, checkpoint_json, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	insertWrite = `INSERT OR REPLACE INTO checkpoint_writes
		(lineage_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, value_json, task_path, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectWrites = `SELECT task_id, channel, value_json, seq FROM checkpoint_writes
		WHERE lineage_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? ORDER BY seq`

	deleteLineageCheckpoints = `DELETE FROM checkpoints WHERE lineage_id = ?`
	deleteLineageWrites      = `DELETE FROM checkpoint_writes WHERE lineage_id = ?`
)

// Saver is a SQLite-backed implementation of graph.CheckpointSaver.
type Saver struct {
	db      *sql.DB
	ownedDB bool
}

var _ graph.CheckpointSaver = (*Saver)(nil)

// NewSaver creates a saver on an existing DB handle and creates the schema
// if needed. The DB must use a SQLite driver.
func NewSaver(db *sql.DB) (*Saver, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if _, err := db.Exec(createCheckpoints); err != nil {
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}
	if _, err := db.Exec(createWrites); err != nil {
		return nil, fmt.Errorf("create writes table: %w", err)
	}
	return &Saver{db: db}, nil
}

// Open opens (or creates) a SQLite database at path and returns a saver
// that owns the connection. Use ":memory:" for a throwaway database.
func Open(path string) (*Saver, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite tolerates exactly one writer.
	db.SetMaxOpenConns(1)
	saver, err := NewSaver(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	saver.ownedDB = true
	return saver, nil
}

// Get returns the checkpoint for the given config.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

type checkpointRow struct {
	checkpointJSON []byte
	metadataJSON   []byte
	parentID       sql.NullString
	checkpointID   string
	namespace      string
}

// GetTuple returns the checkpoint tuple for the given config. Without a
// pinned checkpoint ID the newest checkpoint wins; an empty namespace
// searches across namespaces. A missing checkpoint yields (nil, nil).
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	lineageID := graph.GetLineageID(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	row, err := s.queryRow(ctx, lineageID, graph.GetNamespace(config), graph.GetCheckpointID(config))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s.buildTuple(ctx, lineageID, row)
}

func (s *Saver) queryRow(ctx context.Context, lineageID, namespace, checkpointID string) (*checkpointRow, error) {
	q := `SELECT checkpoint_json, metadata_json, parent_checkpoint_id, checkpoint_id, checkpoint_ns
		FROM checkpoints WHERE lineage_id = ?`
	args := []any{lineageID}
	if namespace != "" {
		q += ` AND checkpoint_ns = ?`
		args = append(args, namespace)
	}
	if checkpointID != "" {
		q += ` AND checkpoint_id = ?`
		args = append(args, checkpointID)
	}
	q += ` ORDER BY ts DESC LIMIT 1`
	var r checkpointRow
	err := s.db.QueryRowContext(ctx, q, args...).Scan(
		&r.checkpointJSON, &r.metadataJSON, &r.parentID, &r.checkpointID, &r.namespace)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Saver) buildTuple(ctx context.Context, lineageID string, row *checkpointRow) (*graph.CheckpointTuple, error) {
	var ckpt graph.Checkpoint
	if err := json.Unmarshal(row.checkpointJSON, &ckpt); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	var meta graph.CheckpointMetadata
	if err := json.Unmarshal(row.metadataJSON, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	writes, err := s.loadWrites(ctx, lineageID, row.namespace, row.checkpointID)
	if err != nil {
		return nil, err
	}
	tuple := &graph.CheckpointTuple{
		Config:        graph.CreateCheckpointConfig(lineageID, row.checkpointID, row.namespace),
		Checkpoint:    &ckpt,
		Metadata:      &meta,
		PendingWrites: writes,
	}
	if row.parentID.Valid && row.parentID.String != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(lineageID, row.parentID.String, row.namespace)
	}
	return tuple, nil
}

// List returns checkpoints for the lineage, newest first.
func (s *Saver) List(
	ctx context.Context, config map[string]any, filter *graph.CheckpointFilter,
) ([]*graph.CheckpointTuple, error) {
	lineageID := graph.GetLineageID(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	namespace := graph.GetNamespace(config)

	beforeTs, err := s.beforeTimestamp(ctx, lineageID, filter)
	if err != nil {
		return nil, err
	}
	q := `SELECT checkpoint_id, checkpoint_ns FROM checkpoints WHERE lineage_id = ?`
	args := []any{lineageID}
	if namespace != "" {
		q += ` AND checkpoint_ns = ?`
		args = append(args, namespace)
	}
	if beforeTs != nil {
		q += ` AND ts < ?`
		args = append(args, *beforeTs)
	}
	q += ` ORDER BY ts DESC`
	if filter != nil && filter.Limit > 0 && len(filter.Metadata) == 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	// Drain the id cursor before fetching tuples: the pool holds a single
	// connection and a nested query would wait on the one the cursor owns.
	refs, err := s.listRefs(ctx, q, args)
	if err != nil {
		return nil, err
	}

	var tuples []*graph.CheckpointTuple
	for _, ref := range refs {
		tuple, err := s.GetTuple(ctx, graph.CreateCheckpointConfig(lineageID, ref.id, ref.namespace))
		if err != nil {
			return nil, err
		}
		if tuple == nil || !matchesMetadata(tuple, filter) {
			continue
		}
		tuples = append(tuples, tuple)
		if filter != nil && filter.Limit > 0 && len(tuples) >= filter.Limit {
			break
		}
	}
	return tuples, nil
}

type checkpointRef struct {
	id        string
	namespace string
}

func (s *Saver) listRefs(ctx context.Context, query string, args []any) ([]checkpointRef, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select checkpoints: %w", err)
	}
	defer rows.Close()
	var refs []checkpointRef
	for rows.Next() {
		var ref checkpointRef
		if err := rows.Scan(&ref.id, &ref.namespace); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter checkpoints: %w", err)
	}
	return refs, nil
}

func (s *Saver) beforeTimestamp(
	ctx context.Context, lineageID string, filter *graph.CheckpointFilter,
) (*int64, error) {
	if filter == nil {
		return nil, nil
	}
	beforeID := graph.GetCheckpointID(filter.Before)
	if beforeID == "" {
		return nil, nil
	}
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT ts FROM checkpoints WHERE lineage_id = ? AND checkpoint_id = ? ORDER BY ts DESC LIMIT 1`,
		lineageID, beforeID).Scan(&ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get before timestamp: %w", err)
	}
	return &ts, nil
}

func matchesMetadata(tuple *graph.CheckpointTuple, filter *graph.CheckpointFilter) bool {
	if filter == nil || len(filter.Metadata) == 0 {
		return true
	}
	if tuple.Metadata == nil || tuple.Metadata.Extra == nil {
		return false
	}
	for key, value := range filter.Metadata {
		if tuple.Metadata.Extra[key] != value {
			return false
		}
	}
	return true
}

// Put stores a checkpoint and returns the config pinned to its ID.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	return s.PutFull(ctx, graph.PutFullRequest{
		Config:      req.Config,
		Checkpoint:  req.Checkpoint,
		Metadata:    req.Metadata,
		NewVersions: req.NewVersions,
	})
}

// PutWrites stores write entries for an existing checkpoint.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	lineageID := graph.GetLineageID(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if lineageID == "" || checkpointID == "" {
		return graph.ErrLineageIDAndCheckpointIDRequired
	}
	namespace := graph.GetNamespace(req.Config)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := insertWrites(ctx, tx, lineageID, namespace, checkpointID, req.TaskPath, req.Writes); err != nil {
		return err
	}
	return tx.Commit()
}

// PutFull atomically stores a checkpoint with its pending writes.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	lineageID := graph.GetLineageID(req.Config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	if req.Checkpoint == nil {
		return nil, errors.New("checkpoint cannot be nil")
	}
	namespace := graph.GetNamespace(req.Config)
	checkpointJSON, err := json.Marshal(req.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	if req.Metadata == nil {
		req.Metadata = graph.NewCheckpointMetadata(graph.CheckpointSourceUpdate, 0)
	}
	metadataJSON, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	ts := req.Checkpoint.Timestamp.UnixNano()
	if ts == 0 {
		ts = time.Now().UTC().UnixNano()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, insertCheckpoint,
		lineageID, namespace, req.Checkpoint.ID, req.Checkpoint.ParentCheckpointID,
		ts, checkpointJSON, metadataJSON)
	if err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	if err := insertWrites(ctx, tx, lineageID, namespace, req.Checkpoint.ID, "", req.PendingWrites); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return graph.CreateCheckpointConfig(lineageID, req.Checkpoint.ID, namespace), nil
}

func insertWrites(
	ctx context.Context, tx *sql.Tx,
	lineageID, namespace, checkpointID, taskPath string,
	writes []graph.PendingWrite,
) error {
	for idx, w := range writes {
		valueJSON, err := json.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("marshal write value: %w", err)
		}
		seq := w.Sequence
		if seq == 0 {
			seq = int64(idx + 1)
		}
		_, err = tx.ExecContext(ctx, insertWrite,
			lineageID, namespace, checkpointID, w.TaskID, idx, w.Channel, valueJSON, taskPath, seq)
		if err != nil {
			return fmt.Errorf("insert write: %w", err)
		}
	}
	return nil
}

// DeleteLineage deletes all checkpoints and writes for the lineage.
func (s *Saver) DeleteLineage(ctx context.Context, lineageID string) error {
	if lineageID == "" {
		return graph.ErrLineageIDRequired
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, deleteLineageCheckpoints, lineageID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx, deleteLineageWrites, lineageID); err != nil {
		return fmt.Errorf("delete writes: %w", err)
	}
	return tx.Commit()
}

// Close releases the DB connection when the saver owns it.
func (s *Saver) Close() error {
	if s.ownedDB && s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Saver) loadWrites(
	ctx context.Context, lineageID, namespace, checkpointID string,
) ([]graph.PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, selectWrites, lineageID, namespace, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("select writes: %w", err)
	}
	defer rows.Close()
	var writes []graph.PendingWrite
	for rows.Next() {
		var w graph.PendingWrite
		var valueJSON []byte
		if err := rows.Scan(&w.TaskID, &w.Channel, &valueJSON, &w.Sequence); err != nil {
			return nil, fmt.Errorf("scan write: %w", err)
		}
		if err := json.Unmarshal(valueJSON, &w.Value); err != nil {
			return nil, fmt.Errorf("unmarshal write: %w", err)
		}
		writes = append(writes, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter writes: %w", err)
	}
	return writes, nil
}
