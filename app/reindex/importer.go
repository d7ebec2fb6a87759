package reindex

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/xid"

	"github.com/vdimir/esmigrate/app/reindex/types"
	"github.com/vdimir/esmigrate/app/store/source"
)

// ImportRequest loads all records of the document source into a new generation
type ImportRequest struct {
	Logical   string
	Mapping   types.Mapping
	Analysis  json.RawMessage // optional analysis settings of the new generation
	Source    source.Interface
	Project   source.Projector
	ChunkSize int
	Workers   int
	MaxErrors int // import is aborted when more documents failed
}

// ImportReport is the result of Import
type ImportReport struct {
	ID         string   `json:"id"`
	Logical    string   `json:"logical"`
	Generation string   `json:"generation"`
	Read       int64    `json:"read"`
	Indexed    int64    `json:"indexed"`
	Skipped    int64    `json:"skipped"`
	Failed     int64    `json:"failed"`
	Live       string   `json:"live"`
	Aliased    bool     `json:"aliased"`
	Warnings   []string `json:"warnings,omitempty"`
}

type importCounters struct {
	read, indexed, skipped, failed int64
	lost                           int64 // chunks not fetched or not written at all
}

// Import builds the next generation of logical name from the document source.
// Logical name without live generation is pointed to the imported one,
// otherwise the imported generation waits for Cutover.
func (o *Orchestrator) Import(ctx context.Context, req ImportRequest) (ImportReport, error) {
	if req.Logical == "" || req.Source == nil || len(req.Mapping) == 0 {
		return ImportReport{}, errors.Wrap(types.ErrInvalidRequest, "logical name, mapping and source are required")
	}
	if req.Project == nil {
		req.Project = source.IdentityProjector()
	}
	if req.ChunkSize <= 0 {
		req.ChunkSize = 500
	}
	if req.Workers <= 0 {
		req.Workers = 4
	}
	if req.MaxErrors <= 0 {
		req.MaxErrors = maxImportErrors
	}

	unlock, err := o.locker.Lock(ctx, req.Logical)
	if err != nil {
		return ImportReport{}, err
	}
	defer unlock()

	existing, err := o.generations.List(ctx, req.Logical)
	if err != nil {
		return ImportReport{}, err
	}
	report := ImportReport{ID: xid.New().String(), Logical: req.Logical, Generation: nextGeneration(req.Logical, "", existing)}
	if _, err = o.generations.Create(ctx, report.Generation, req.Mapping, req.Analysis); err != nil {
		return report, err
	}

	started := time.Now()
	cnt := &importCounters{}
	grp := syncs.NewErrSizedGroup(req.Workers, syncs.Context(ctx), syncs.Preemptive)
	var readErr error
	var enumerated int64
	after := ""
	for atomic.LoadInt64(&cnt.failed) <= int64(req.MaxErrors) && atomic.LoadInt64(&cnt.lost) == 0 {
		ids, e := req.Source.IDs(ctx, after, req.ChunkSize)
		if e != nil {
			readErr = errors.Wrapf(e, "can't read ids after %q", after)
			break
		}
		if len(ids) == 0 {
			break
		}
		from, to := ids[0], ids[len(ids)-1]
		after = to
		enumerated += int64(len(ids))
		grp.Go(func() error {
			return o.importChunk(ctx, report.Generation, req, from, to, cnt)
		})
	}
	chunkErr := grp.Wait()

	report.Read, report.Indexed = atomic.LoadInt64(&cnt.read), atomic.LoadInt64(&cnt.indexed)
	report.Skipped, report.Failed = atomic.LoadInt64(&cnt.skipped), atomic.LoadInt64(&cnt.failed)

	lost := atomic.LoadInt64(&cnt.lost)
	incomplete := readErr == nil && lost == 0 && report.Failed <= int64(req.MaxErrors) && report.Read != enumerated
	if readErr != nil || ctx.Err() != nil || report.Failed > int64(req.MaxErrors) || lost > 0 || incomplete {
		errs := new(multierror.Error)
		if readErr != nil {
			errs = multierror.Append(errs, readErr)
		}
		if lost > 0 {
			errs = multierror.Append(errs, errors.Errorf("%d chunk(s) of records not imported", lost))
		}
		if incomplete {
			errs = multierror.Append(errs, errors.Errorf("source returned %d of %d enumerated records", report.Read, enumerated))
		}
		if ctx.Err() != nil {
			errs = multierror.Append(errs, ctx.Err())
		}
		if report.Failed > int64(req.MaxErrors) {
			errs = multierror.Append(errs, errors.Errorf("%d documents failed, limit %d", report.Failed, req.MaxErrors))
		}
		if chunkErr != nil {
			errs = multierror.Append(errs, chunkErr)
		}
		if e := o.generations.Delete(context.Background(), report.Generation); e != nil {
			errs = multierror.Append(errs, errors.Wrapf(e, "can't clean up %s", report.Generation))
		}
		return report, errors.Wrapf(errs.ErrorOrNil(), "import of %s aborted", req.Logical)
	}
	if chunkErr != nil {
		report.Warnings = append(report.Warnings, chunkErr.Error())
	}
	log.Printf("[INFO] imported %d of %d records into %s in %v, skipped %d, failed %d", report.Indexed, report.Read,
		report.Generation, time.Since(started).Truncate(time.Millisecond), report.Skipped, report.Failed)

	if err = o.writeRecord(ctx, JournalRecord{
		ID:          report.ID,
		MigrationID: report.ID,
		Logical:     req.Logical,
		Kind:        types.KindImport,
		Dest:        report.Generation,
		Status:      types.TaskCompleted,
		Processed:   report.Indexed,
		Total:       report.Read,
		StartedAt:   started,
	}); err != nil {
		report.Warnings = append(report.Warnings, err.Error())
		log.Printf("[WARN] import %s is not recorded, %v", report.ID, err)
	}

	return o.aliasImported(ctx, report)
}

// aliasImported points logical name to the first generation, existing live generation is kept
func (o *Orchestrator) aliasImported(ctx context.Context, report ImportReport) (ImportReport, error) {
	live, err := o.live(ctx, report.Logical)
	if err == nil {
		report.Live = live
		log.Printf("[INFO] %s is live on %s, cutover to %s when ready", report.Logical, live, report.Generation)
		return report, nil
	}
	if !errors.Is(err, types.ErrPrecondition) {
		return report, err
	}

	res, err := o.coordinator.Cutover(ctx, CutoverRequest{Logical: report.Logical, New: report.Generation, Strategy: CutoverAlias})
	if err != nil {
		return report, errors.Wrapf(err, "%s imported but not aliased", report.Generation)
	}
	report.Live, report.Aliased = res.Live, true
	return report, nil
}

func (o *Orchestrator) importChunk(ctx context.Context, dest string, req ImportRequest, from, to string, cnt *importCounters) error {
	recs, err := req.Source.Fetch(ctx, from, to)
	if err != nil {
		atomic.AddInt64(&cnt.lost, 1)
		return errors.Wrapf(err, "can't fetch records %s..%s", from, to)
	}
	atomic.AddInt64(&cnt.read, int64(len(recs)))

	errs := new(multierror.Error)
	docs := make([]types.Document, 0, len(recs))
	for _, r := range recs {
		doc, ok, e := req.Project(r)
		if e != nil {
			atomic.AddInt64(&cnt.failed, 1)
			if errs.Len() < maxImportErrors {
				errs = multierror.Append(errs, e)
			}
			continue
		}
		if !ok {
			atomic.AddInt64(&cnt.skipped, 1)
			continue
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return errs.ErrorOrNil()
	}

	stats, err := o.engine.BulkIndex(ctx, dest, docs)
	atomic.AddInt64(&cnt.indexed, int64(stats.Indexed))
	atomic.AddInt64(&cnt.failed, int64(stats.Failed))
	if unaccounted := int64(len(docs)) - int64(stats.Indexed) - int64(stats.Failed); unaccounted > 0 {
		atomic.AddInt64(&cnt.lost, 1) // bulk request itself failed
	}
	if err != nil {
		errs = multierror.Append(errs, errors.Wrapf(err, "records %s..%s", from, to))
	}
	return errs.ErrorOrNil()
}

const maxImportErrors = 20
