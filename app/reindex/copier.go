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

// CopyRequest describes full copy of one generation into another
type CopyRequest struct {
	Source string
	Dest   string
	Script *types.Script // applied to every copied document, optional
	Wait   bool          // block until engine completes, only for small sources
}

// Copier drives engine-native copy of the whole generation.
// Failed copy is never resumed, it should be repeated from a clean destination.
type Copier struct {
	engine            engine.Interface
	slices            int
	requestsPerSecond int
}

// NewCopier makes Copier. Zero slices and rps leave engine defaults.
func NewCopier(e engine.Interface, slices, requestsPerSecond int) *Copier {
	return &Copier{engine: e, slices: slices, requestsPerSecond: requestsPerSecond}
}

// Copy submits copy of req.Source into req.Dest. Destination must be created in advance
// with explicit mapping. Empty source is fine and results in empty copy.
func (c *Copier) Copy(ctx context.Context, req CopyRequest) (types.MigrationTask, error) {
	if req.Source == "" || req.Dest == "" {
		return types.MigrationTask{}, errors.Wrap(types.ErrInvalidRequest, "source and destination are required")
	}
	if req.Source == req.Dest {
		return types.MigrationTask{}, errors.Wrapf(types.ErrInvalidRequest, "can't copy %s into itself", req.Source)
	}
	for _, name := range []string{req.Source, req.Dest} {
		exists, err := c.engine.IndexExists(ctx, name)
		if err != nil {
			return types.MigrationTask{}, errors.Wrapf(err, "can't check generation %s", name)
		}
		if !exists {
			return types.MigrationTask{}, errors.Wrapf(types.ErrPrecondition, "generation %s doesn't exist", name)
		}
	}

	task := types.MigrationTask{
		Kind:      types.KindReindex,
		Index:     req.Dest,
		StartedAt: time.Now(),
		Status:    types.TaskRunning,
	}
	info, err := c.engine.Reindex(ctx, engine.ReindexRequest{
		Source:            req.Source,
		Dest:              req.Dest,
		Script:            req.Script,
		Wait:              req.Wait,
		Slices:            c.slices,
		RequestsPerSecond: c.requestsPerSecond,
	})
	if err != nil {
		return task, errors.Wrapf(err, "copy %s->%s not submitted", req.Source, req.Dest)
	}
	task.TaskID = info.ID

	if !req.Wait {
		log.Printf("[INFO] copy %s->%s submitted as task %s", req.Source, req.Dest, info.ID)
		return task, nil
	}

	task.Total, task.Processed = info.Total, info.Processed()
	if info.Failed() {
		task.Status = types.TaskFailed
		task.Failures = taskFailures(info)
		return task, errors.Wrapf(types.ErrTaskFailed, "copy %s->%s: %s", req.Source, req.Dest, strings.Join(task.Failures, "; "))
	}
	task.Status = types.TaskCompleted
	log.Printf("[INFO] copy %s->%s completed, %d documents in %v", req.Source, req.Dest, task.Processed, time.Since(task.StartedAt))
	return task, nil
}

func taskFailures(info engine.TaskInfo) []string {
	res := make([]string, 0, len(info.Failures)+1)
	if info.Error != "" {
		res = append(res, info.Error)
	}
	return append(res, info.Failures...)
}
