package reindex

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"

	"github.com/vdimir/esmigrate/app/reindex/engine"
	"github.com/vdimir/esmigrate/app/reindex/types"
)

// DefaultJournalIndex stores migration records
const DefaultJournalIndex = ".esmigrate-journal"

// JournalRecord is the last known state of one migration task
type JournalRecord struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"task_id,omitempty"`
	MigrationID string           `json:"migration_id"`
	Logical     string           `json:"logical"`
	Strategy    types.Strategy   `json:"strategy"`
	Kind        types.TaskKind   `json:"kind"`
	Source      string           `json:"source,omitempty"`
	Dest        string           `json:"dest"`
	Field       string           `json:"field,omitempty"`
	Status      types.TaskStatus `json:"status"`
	Processed   int64            `json:"processed"`
	Total       int64            `json:"total"`
	Failure     string           `json:"failure,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Journal keeps migration bookkeeping, so any process can verify what happened
// to a generation before switching traffic to it
type Journal interface {
	Record(ctx context.Context, rec JournalRecord) error
	Get(ctx context.Context, id string) (JournalRecord, error)
	LastForGeneration(ctx context.Context, dest string) (JournalRecord, error)
	Recent(ctx context.Context, logical string, limit int) ([]JournalRecord, error)
}

var journalMapping = types.Mapping{
	"id":           {Type: "keyword"},
	"task_id":      {Type: "keyword"},
	"migration_id": {Type: "keyword"},
	"logical":      {Type: "keyword"},
	"strategy":     {Type: "keyword"},
	"kind":         {Type: "keyword"},
	"source":       {Type: "keyword"},
	"dest":         {Type: "keyword"},
	"field":        {Type: "keyword"},
	"status":       {Type: "keyword"},
	"processed":    {Type: "long"},
	"total":        {Type: "long"},
	"failure":      {Type: "text"},
	"started_at":   {Type: "date"},
	"updated_at":   {Type: "date"},
}

// EngineJournal stores records in a dedicated engine index, created on first use
type EngineJournal struct {
	engine engine.Interface
	index  string

	mu    sync.Mutex
	ready bool
}

// NewEngineJournal makes journal backed by the index, DefaultJournalIndex for empty name
func NewEngineJournal(e engine.Interface, index string) *EngineJournal {
	if index == "" {
		index = DefaultJournalIndex
	}
	return &EngineJournal{engine: e, index: index}
}

// Record creates or replaces the record
func (j *EngineJournal) Record(ctx context.Context, rec JournalRecord) error {
	if rec.ID == "" {
		return errors.Wrap(types.ErrInvalidRequest, "journal record without id")
	}
	if err := j.ensure(ctx); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	return errors.Wrapf(j.engine.PutDocument(ctx, j.index, rec.ID, rec), "can't write journal record %s", rec.ID)
}

// Get returns record by id, types.ErrNotFound if there is no such record
func (j *EngineJournal) Get(ctx context.Context, id string) (JournalRecord, error) {
	var rec JournalRecord
	if err := j.engine.GetDocument(ctx, j.index, id, &rec); err != nil {
		return JournalRecord{}, errors.Wrapf(err, "can't read journal record %s", id)
	}
	return rec, nil
}

// LastForGeneration returns the most recent record of task writing into dest
func (j *EngineJournal) LastForGeneration(ctx context.Context, dest string) (JournalRecord, error) {
	recs, err := j.search(ctx, types.Term("dest", dest), 1)
	if err != nil {
		return JournalRecord{}, errors.Wrapf(err, "can't find journal records of %s", dest)
	}
	if len(recs) == 0 {
		return JournalRecord{}, errors.Wrapf(types.ErrNotFound, "no journal records of %s", dest)
	}
	return recs[0], nil
}

// Recent returns last records of the logical name, newest first
func (j *EngineJournal) Recent(ctx context.Context, logical string, limit int) ([]JournalRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	recs, err := j.search(ctx, types.Term("logical", logical), limit)
	return recs, errors.Wrapf(err, "can't list journal records of %s", logical)
}

func (j *EngineJournal) search(ctx context.Context, query types.Query, limit int) ([]JournalRecord, error) {
	raw, err := j.engine.SearchDocuments(ctx, engine.SearchRequest{
		Index: j.index,
		Query: query,
		Sort:  []string{"started_at:desc", "updated_at:desc"},
		Size:  limit,
	})
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil // journal index is created with the first record
	}
	if err != nil {
		return nil, err
	}
	res := make([]JournalRecord, 0, len(raw))
	for _, r := range raw {
		var rec JournalRecord
		if err := json.Unmarshal(r, &rec); err != nil {
			log.Printf("[WARN] skip malformed journal record, %v", err)
			continue
		}
		res = append(res, rec)
	}
	return res, nil
}

// ensure creates journal index, existing index is fine. Failed attempt is repeated on the next call.
func (j *EngineJournal) ensure(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ready {
		return nil
	}
	exists, err := j.engine.IndexExists(ctx, j.index)
	if err != nil {
		return errors.Wrapf(err, "can't check journal index %s", j.index)
	}
	if !exists {
		err = j.engine.CreateIndex(ctx, j.index, journalMapping, nil)
		if err != nil && !errors.Is(err, types.ErrAlreadyExists) {
			return errors.Wrapf(err, "can't create journal index %s", j.index)
		}
		if err == nil {
			log.Printf("[INFO] journal index %s created", j.index)
		}
	}
	j.ready = true
	return nil
}

// journalRecordID is the task id, or a synthetic id for tasks completed without engine task
func journalRecordID(migrationID string, task types.MigrationTask) string {
	if task.TaskID != "" {
		return task.TaskID
	}
	if task.Field != "" {
		return migrationID + "-" + task.Field
	}
	return migrationID + "-" + task.Index
}
