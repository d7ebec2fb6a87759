// Package types is aimed to provide common types
// for `reindex/engine` and main `reindex` module
// to avoid circular module dependencies
package types

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// definitional errors, surfaced immediately and never retried
var (
	ErrAlreadyExists  = errors.New("already exists")
	ErrTypeConflict   = errors.New("field type conflict")
	ErrEngineRejected = errors.New("engine rejected request")
	ErrInvalidRequest = errors.New("invalid request")
	ErrNothingToDo    = errors.New("nothing to migrate")
)

// infrastructure and task errors
var (
	ErrEngineUnavailable = errors.New("engine unavailable")
	ErrNotFound          = errors.New("not found")
	ErrTaskFailed        = errors.New("task failed")
)

// precondition errors of cutover, rollback and retirement
var (
	ErrPrecondition        = errors.New("precondition failed")
	ErrGenerationGone      = errors.New("generation was deleted")
	ErrMigrationInProgress = errors.New("migration already in progress")
)

// FieldSpec describes a single field of index mapping
type FieldSpec struct {
	Type           string `json:"type" yaml:"type"`
	Analyzer       string `json:"analyzer,omitempty" yaml:"analyzer,omitempty"`
	SearchAnalyzer string `json:"search_analyzer,omitempty" yaml:"search_analyzer,omitempty"`
	Format         string `json:"format,omitempty" yaml:"format,omitempty"`
	Index          *bool  `json:"index,omitempty" yaml:"index,omitempty"`

	// Params are the other mapping attributes kept verbatim, e.g. fields, ignore_above, scaling_factor
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// Equal reports whether two specs index data the same way
func (f FieldSpec) Equal(o FieldSpec) bool {
	if f.Type != o.Type || f.Analyzer != o.Analyzer || f.SearchAnalyzer != o.SearchAnalyzer || f.Format != o.Format {
		return false
	}
	return indexed(f.Index) == indexed(o.Index) && sameParams(f.Params, o.Params)
}

// sameParams compares canonical json, so 100 from yaml equals 100.0 read from engine
func sameParams(a, b map[string]interface{}) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

func indexed(v *bool) bool {
	return v == nil || *v
}

func (f FieldSpec) String() string {
	if f.Analyzer == "" {
		return f.Type
	}
	return f.Type + "(" + f.Analyzer + ")"
}

// Mapping is the explicit schema of a generation, field name -> spec.
// Nested fields use dotted names, e.g. "author.name".
type Mapping map[string]FieldSpec

// Clone returns a copy safe to modify
func (m Mapping) Clone() Mapping {
	res := make(Mapping, len(m))
	for k, v := range m {
		res[k] = v
	}
	return res
}

// Fields returns sorted field names
func (m Mapping) Fields() []string {
	res := make([]string, 0, len(m))
	for k := range m {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

// Document is a single searchable document projected from the source-of-truth store
type Document struct {
	ID     string                 `json:"id"`
	Source map[string]interface{} `json:"source"`
}

// Script is an engine-side document transformation
type Script struct {
	Source string                 `json:"source"`
	Lang   string                 `json:"lang,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Query is a fragment of engine query DSL
type Query map[string]interface{}

// MatchAll selects every document
func MatchAll() Query {
	return Query{"match_all": map[string]interface{}{}}
}

// MissingField selects documents without a value for the field
func MissingField(field string) Query {
	return Query{"bool": map[string]interface{}{
		"must_not": map[string]interface{}{
			"exists": map[string]interface{}{"field": field},
		},
	}}
}

// Term selects documents with exact value of the field
func Term(field string, value interface{}) Query {
	return Query{"term": map[string]interface{}{field: value}}
}

// Strategy of schema migration
type Strategy string

// enum of migration strategies
const (
	StrategyFullRegeneration Strategy = "full_regeneration"
	StrategyLazyBackfill     Strategy = "lazy_backfill"
)

// ParseStrategy converts user input to Strategy, empty string means "let planner decide"
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "full", "full_regeneration", "regenerate":
		return StrategyFullRegeneration, nil
	case "lazy", "lazy_backfill", "backfill":
		return StrategyLazyBackfill, nil
	}
	return "", errors.Wrapf(ErrInvalidRequest, "unknown strategy %q", s)
}

// FieldChange is a single requested change of the mapping
type FieldChange struct {
	FieldSpec `yaml:",inline"`
	Default   interface{} `json:"default,omitempty" yaml:"default,omitempty"`
	Remove    bool        `json:"remove,omitempty" yaml:"remove,omitempty"`
}

// FieldAddition is a field added with default value
type FieldAddition struct {
	Name    string      `json:"name"`
	Spec    FieldSpec   `json:"spec"`
	Default interface{} `json:"default,omitempty"`
}

// MigrationPlan is computed per migration request and consumed once.
// Dest and TransformScript are set only for StrategyFullRegeneration.
type MigrationPlan struct {
	Strategy        Strategy        `json:"strategy"`
	Logical         string          `json:"logical"`
	Source          string          `json:"source"`
	Dest            string          `json:"dest,omitempty"`
	TargetMapping   Mapping         `json:"target_mapping"`
	TargetAnalysis  json.RawMessage `json:"target_analysis,omitempty"` // copied from source generation
	FieldsToAdd     []FieldAddition `json:"fields_to_add,omitempty"`
	ChangedFields   []string        `json:"changed_fields,omitempty"`
	RemovedFields   []string        `json:"removed_fields,omitempty"`
	TransformScript *Script         `json:"transform_script,omitempty"`
	Reason          string          `json:"reason"`
}

// TaskStatus of engine-side asynchronous operation
type TaskStatus string

// enum of task statuses
const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimedOut  TaskStatus = "timed_out"
	TaskUnknown   TaskStatus = "unknown"
)

// Terminal is true for statuses which will never change again
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskTimedOut
}

// TaskKind is the type of engine operation behind a task
type TaskKind string

// enum of task kinds
const (
	KindReindex       TaskKind = "reindex"
	KindUpdateByQuery TaskKind = "update_by_query"
	KindImport        TaskKind = "import" // bulk load from document source, no engine task
)

// MigrationTask represents one asynchronous engine operation.
// TaskID is empty for no-op and synchronously completed tasks.
type MigrationTask struct {
	TaskID    string     `json:"task_id,omitempty"`
	Kind      TaskKind   `json:"kind"`
	Index     string     `json:"index"`
	Field     string     `json:"field,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	Status    TaskStatus `json:"status"`
	Total     int64      `json:"total"`
	Processed int64      `json:"processed"`
	Noop      bool       `json:"noop,omitempty"`
	Failures  []string   `json:"failures,omitempty"`
}

// Progress of a running task. Fraction is meaningful only if Known is true.
type Progress struct {
	Processed int64         `json:"processed"`
	Total     int64         `json:"total"`
	Fraction  float64       `json:"fraction"`
	Known     bool          `json:"known"`
	Rate      float64       `json:"rate"`
	ETA       time.Duration `json:"eta"`
}

// TaskOutcome is the result of waiting for a task
type TaskOutcome struct {
	TaskID               string        `json:"task_id"`
	Status               TaskStatus    `json:"status"`
	Progress             Progress      `json:"progress"`
	Failures             []string      `json:"failures,omitempty"`
	RequiresVerification bool          `json:"requires_verification"`
	Polls                int           `json:"polls"`
	Elapsed              time.Duration `json:"elapsed"`
}

// Err converts not successful outcome to error
func (o TaskOutcome) Err() error {
	switch o.Status {
	case TaskCompleted:
		return nil
	case TaskFailed:
		return errors.Wrapf(ErrTaskFailed, "task %s: %s", o.TaskID, strings.Join(o.Failures, "; "))
	case TaskTimedOut:
		return errors.Errorf("task %s timed out, still running on engine, verify out of band", o.TaskID)
	}
	return errors.Errorf("task %s state is %s, verify out of band", o.TaskID, o.Status)
}
