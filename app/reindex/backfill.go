package reindex

import (
	"context"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"

	"github.com/vdimir/esmigrate/app/reindex/engine"
	"github.com/vdimir/esmigrate/app/reindex/types"
)

const backfillSource = `if (ctx._source[params.field] == null) { ctx._source[params.field] = params.value; } else { ctx.op = 'noop'; }`

// BackfillRequest adds a field with default value to documents of the generation
type BackfillRequest struct {
	Generation string
	Field      string
	Spec       types.FieldSpec
	Default    interface{}
}

// Backfiller adds a field in place, without new generation.
// Only documents missing the field are touched, so it is safe to run it again after crash.
type Backfiller struct {
	engine engine.Interface
}

// NewBackfiller makes Backfiller
func NewBackfiller(e engine.Interface) *Backfiller {
	return &Backfiller{engine: e}
}

// Backfill makes sure the field is in mapping and submits update of documents missing it.
// Returns completed no-op task if every document already has the field.
func (b *Backfiller) Backfill(ctx context.Context, req BackfillRequest) (types.MigrationTask, error) {
	if req.Generation == "" || req.Field == "" || req.Spec.Type == "" {
		return types.MigrationTask{}, errors.Wrap(types.ErrInvalidRequest, "generation, field and field type are required")
	}
	if req.Default == nil {
		return types.MigrationTask{}, errors.Wrapf(types.ErrInvalidRequest, "no default value for %s", req.Field)
	}
	if strings.Contains(req.Field, ".") {
		return types.MigrationTask{}, errors.Wrapf(types.ErrInvalidRequest, "nested field %s can't be backfilled", req.Field)
	}

	if err := b.ensureMapping(ctx, req); err != nil {
		return types.MigrationTask{}, err
	}

	task := types.MigrationTask{
		Kind:      types.KindUpdateByQuery,
		Index:     req.Generation,
		Field:     req.Field,
		StartedAt: time.Now(),
		Status:    types.TaskRunning,
	}

	missing, err := b.engine.Count(ctx, req.Generation, types.MissingField(req.Field))
	if err != nil {
		return task, errors.Wrapf(err, "can't count documents of %s missing %s", req.Generation, req.Field)
	}
	if missing == 0 {
		log.Printf("[INFO] all documents of %s have %s, nothing to backfill", req.Generation, req.Field)
		task.Status, task.Noop = types.TaskCompleted, true
		return task, nil
	}

	info, err := b.engine.UpdateByQuery(ctx, engine.UpdateByQueryRequest{
		Index: req.Generation,
		Query: types.MissingField(req.Field),
		Script: &types.Script{
			Source: backfillSource,
			Lang:   "painless",
			Params: map[string]interface{}{"field": req.Field, "value": req.Default},
		},
	})
	if err != nil {
		return task, errors.Wrapf(err, "backfill of %s.%s not submitted", req.Generation, req.Field)
	}
	task.TaskID, task.Total = info.ID, missing
	log.Printf("[INFO] backfill of %s.%s submitted as task %s for %d documents", req.Generation, req.Field, info.ID, missing)
	return task, nil
}

// ensureMapping adds the field to mapping, existing field of another type is a conflict
func (b *Backfiller) ensureMapping(ctx context.Context, req BackfillRequest) error {
	mapping, err := b.engine.GetMapping(ctx, req.Generation)
	if err != nil {
		return errors.Wrapf(err, "can't get mapping of %s", req.Generation)
	}
	if current, has := mapping[req.Field]; has {
		if !current.Equal(inheritParams(req.Spec, current)) {
			return errors.Wrapf(types.ErrTypeConflict, "%s.%s is %s, requested %s, use full regeneration",
				req.Generation, req.Field, current, req.Spec)
		}
		return nil
	}
	if err = b.engine.PutMapping(ctx, req.Generation, types.Mapping{req.Field: req.Spec}); err != nil {
		return errors.Wrapf(err, "can't add %s to mapping of %s", req.Field, req.Generation)
	}
	log.Printf("[INFO] field %s %s added to mapping of %s", req.Field, req.Spec, req.Generation)
	return nil
}
