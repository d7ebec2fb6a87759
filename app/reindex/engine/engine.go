// Package engine defines the search engine primitives the migration relies on
// and provides the Elasticsearch implementation of them
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vdimir/esmigrate/app/reindex/types"
)

// Interface of search engine client. All methods are synchronous except Reindex and UpdateByQuery
// which return a handle of engine-side task unless asked to wait.
type Interface interface {
	// CreateIndex makes index with the mapping and optional raw analysis settings, ErrAlreadyExists if taken
	CreateIndex(ctx context.Context, name string, mapping types.Mapping, analysis json.RawMessage) error
	DeleteIndex(ctx context.Context, name string) error // ErrNotFound if missing
	IndexExists(ctx context.Context, name string) (bool, error)
	ListIndices(ctx context.Context, pattern string) ([]string, error)

	AliasExists(ctx context.Context, alias string) (bool, error)
	ResolveAlias(ctx context.Context, alias string) ([]string, error) // indices behind alias, empty if no alias
	UpdateAliases(ctx context.Context, actions []AliasAction) error   // applied atomically by engine

	GetMapping(ctx context.Context, index string) (types.Mapping, error)
	GetAnalysis(ctx context.Context, index string) (json.RawMessage, error) // nil if index has no custom analysis
	PutMapping(ctx context.Context, index string, mapping types.Mapping) error

	Reindex(ctx context.Context, req ReindexRequest) (TaskInfo, error)
	UpdateByQuery(ctx context.Context, req UpdateByQueryRequest) (TaskInfo, error)
	TaskStatus(ctx context.Context, taskID string) (TaskInfo, error)

	Count(ctx context.Context, index string, query types.Query) (int64, error)
	Refresh(ctx context.Context, index string) error
	BulkIndex(ctx context.Context, index string, docs []types.Document) (BulkStats, error)

	PutDocument(ctx context.Context, index, id string, doc interface{}) error
	GetDocument(ctx context.Context, index, id string, dst interface{}) error // ErrNotFound if missing
	SearchDocuments(ctx context.Context, req SearchRequest) ([]json.RawMessage, error)
}

// AliasOp is the kind of alias action
type AliasOp string

// enum of alias actions
const (
	AliasAdd         AliasOp = "add"
	AliasRemove      AliasOp = "remove"
	AliasRemoveIndex AliasOp = "remove_index"
)

// AliasAction is a single step of atomic alias update
type AliasAction struct {
	Op    AliasOp
	Index string
	Alias string
}

func (a AliasAction) String() string {
	if a.Op == AliasRemoveIndex {
		return fmt.Sprintf("%s %s", a.Op, a.Index)
	}
	return fmt.Sprintf("%s %s->%s", a.Op, a.Alias, a.Index)
}

// ReindexRequest copies all documents of Source into Dest, optionally transforming them
type ReindexRequest struct {
	Source            string
	Dest              string
	Script            *types.Script
	Wait              bool
	Slices            int
	RequestsPerSecond int
}

// UpdateByQueryRequest updates in place documents matching Query
type UpdateByQueryRequest struct {
	Index  string
	Query  types.Query
	Script *types.Script
	Wait   bool
}

// SearchRequest selects raw document sources
type SearchRequest struct {
	Index string
	Query types.Query
	Sort  []string // "field:asc" or "field:desc"
	Size  int
}

// TaskInfo is the state of engine task as reported by engine.
// For submitted async task only ID is set.
type TaskInfo struct {
	ID               string
	Action           string
	Completed        bool
	HasStatus        bool
	Total            int64
	Created          int64
	Updated          int64
	Deleted          int64
	Noops            int64
	VersionConflicts int64
	Failures         []string
	Error            string
}

// Processed returns number of documents handled by task so far
func (t TaskInfo) Processed() int64 {
	return t.Created + t.Updated + t.Deleted + t.Noops + t.VersionConflicts
}

// Failed is true if task completed with error or per-document failures
func (t TaskInfo) Failed() bool {
	return t.Error != "" || len(t.Failures) > 0
}

// BulkStats summarises bulk indexing
type BulkStats struct {
	Indexed uint64
	Failed  uint64
}

// Error is an error reported by engine
type Error struct {
	Op     string
	Status int
	Type   string
	Reason string
	cause  error
}

func (e *Error) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("%s: %v [%d]: %s", e.Op, e.cause, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s: %v [%d] %s: %s", e.Op, e.cause, e.Status, e.Type, e.Reason)
}

// Unwrap returns one of types.Err* sentinel errors
func (e *Error) Unwrap() error {
	return e.cause
}
