// Package reindex implements zero-downtime schema migration of search indexes.
//
// A logical index name is an alias pointing to one physical generation (logical_vN).
// Schema change either adds fields in place with scoped update (lazy backfill) or
// creates the next generation and copies documents into it (full regeneration),
// after which traffic is switched by a single atomic alias update.
package reindex

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/xid"

	"github.com/vdimir/esmigrate/app/reindex/engine"
	"github.com/vdimir/esmigrate/app/reindex/types"
)

// Params of Orchestrator
type Params struct {
	CutoverStrategy   CutoverStrategy
	PollInterval      time.Duration
	CopyTimeout       time.Duration // wait for copy during copy-back cutover
	Monitor           MonitorParams
	Slices            int
	RequestsPerSecond int
	JournalIndex      string
	Journal           Journal // EngineJournal on JournalIndex if not set
	Locker            Locker  // LocalLocker if not set
}

// Orchestrator implements migration operations on top of engine
type Orchestrator struct {
	engine      engine.Interface
	params      Params
	generations *GenerationManager
	planner     Planner
	copier      *Copier
	backfiller  *Backfiller
	monitor     *Monitor
	coordinator *Coordinator
	journal     Journal
	locker      Locker

	unrecordedMu sync.Mutex
	unrecorded   map[string]JournalRecord // records journal failed to store, by record id
}

// MigrateRequest asks to change fields of the logical index
type MigrateRequest struct {
	Logical  string
	Fields   map[string]types.FieldChange
	Strategy types.Strategy // empty to let planner decide
	Wait     time.Duration  // wait for submitted tasks if positive
}

// MigrationReport is the result of MigrateSchema
type MigrationReport struct {
	ID          string                `json:"id"`
	Logical     string                `json:"logical"`
	Plan        types.MigrationPlan   `json:"plan"`
	Tasks       []types.MigrationTask `json:"tasks"`
	Outcomes    []types.TaskOutcome   `json:"outcomes,omitempty"`
	SourceCount int64                 `json:"source_count"`
	DestCount   int64                 `json:"dest_count"`
	Live        string                `json:"live"`
	Warnings    []string              `json:"warnings,omitempty"`
}

// AwaitReport is the result of AwaitMigration
type AwaitReport struct {
	types.TaskOutcome
	Logical  string   `json:"logical,omitempty"`
	Dest     string   `json:"dest,omitempty"`
	Live     string   `json:"live,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// CutoverParams of Cutover operation
type CutoverParams struct {
	Logical   string
	Candidate string
	DeleteOld bool
	Grace     time.Duration
}

// StatusReport describes logical index
type StatusReport struct {
	Logical     string          `json:"logical"`
	Live        string          `json:"live"`
	Generations []Generation    `json:"generations"`
	Recent      []JournalRecord `json:"recent,omitempty"`
}

// New makes Orchestrator
func New(e engine.Interface, params Params) *Orchestrator {
	if params.CutoverStrategy == "" {
		params.CutoverStrategy = CutoverAlias
	}
	if params.PollInterval <= 0 {
		params.PollInterval = time.Second
	}
	if params.CopyTimeout <= 0 {
		params.CopyTimeout = time.Hour
	}

	res := &Orchestrator{
		engine:      e,
		params:      params,
		generations: NewGenerationManager(e),
		copier:      NewCopier(e, params.Slices, params.RequestsPerSecond),
		backfiller:  NewBackfiller(e),
		monitor:     NewMonitor(e, params.Monitor),
		journal:     params.Journal,
		locker:      params.Locker,
		unrecorded:  map[string]JournalRecord{},
	}
	res.coordinator = NewCoordinator(e, res.generations, res.copier, res.monitor, params.CopyTimeout, params.PollInterval)
	if res.journal == nil {
		res.journal = NewEngineJournal(e, params.JournalIndex)
	}
	if res.locker == nil {
		res.locker = NewLocalLocker()
	}
	return res
}

// MigrateSchema plans the change of fields and submits the work.
// Full regeneration leaves the new generation unused until Cutover.
func (o *Orchestrator) MigrateSchema(ctx context.Context, req MigrateRequest) (MigrationReport, error) {
	if req.Logical == "" || len(req.Fields) == 0 {
		return MigrationReport{}, errors.Wrap(types.ErrInvalidRequest, "logical name and fields are required")
	}
	unlock, err := o.locker.Lock(ctx, req.Logical)
	if err != nil {
		return MigrationReport{}, err
	}
	defer unlock()

	source, err := o.live(ctx, req.Logical)
	if err != nil {
		return MigrationReport{}, err
	}
	report := MigrationReport{ID: xid.New().String(), Logical: req.Logical, Live: source}

	current, err := o.engine.GetMapping(ctx, source)
	if err != nil {
		return report, errors.Wrapf(err, "can't get mapping of %s", source)
	}
	existing, err := o.generations.List(ctx, req.Logical)
	if err != nil {
		return report, err
	}
	plan, err := o.planner.Plan(PlanRequest{
		Logical:        req.Logical,
		Source:         source,
		CurrentMapping: current,
		Requested:      req.Fields,
		Strategy:       req.Strategy,
		Existing:       existing,
	})
	if err != nil {
		return report, err
	}
	if plan.Strategy == types.StrategyFullRegeneration {
		if plan.TargetAnalysis, err = o.engine.GetAnalysis(ctx, source); err != nil {
			return report, errors.Wrapf(err, "can't get analysis settings of %s", source)
		}
	}
	report.Plan = plan
	migrationsStarted.WithLabelValues(string(plan.Strategy)).Inc()
	log.Printf("[INFO] migration %s of %s: %s, %s", report.ID, req.Logical, plan.Strategy, plan.Reason)

	if report.SourceCount, err = o.engine.Count(ctx, source, nil); err != nil {
		return report, errors.Wrapf(err, "can't count documents of %s", source)
	}

	switch plan.Strategy {
	case types.StrategyFullRegeneration:
		err = o.regenerate(ctx, &report)
	case types.StrategyLazyBackfill:
		err = o.backfill(ctx, &report)
	}
	if err != nil {
		return report, err
	}

	if req.Wait > 0 {
		for _, task := range report.Tasks {
			if task.TaskID == "" {
				continue
			}
			res, e := o.AwaitMigration(ctx, task.TaskID, req.Wait, nil)
			if e != nil {
				return report, e
			}
			report.Outcomes = append(report.Outcomes, res.TaskOutcome)
			if e = res.Err(); e != nil {
				return report, e
			}
		}
	}

	dest := plan.Dest
	if dest == "" {
		dest = source
	}
	if report.DestCount, err = o.engine.Count(ctx, dest, nil); err != nil {
		report.Warnings = append(report.Warnings, "can't count documents of "+dest+": "+err.Error())
	}
	log.Printf("[INFO] migration %s submitted %d task(s), %s is live", report.ID, len(report.Tasks), report.Live)
	return report, nil
}

func (o *Orchestrator) regenerate(ctx context.Context, report *MigrationReport) error {
	plan := report.Plan
	if _, err := o.generations.Create(ctx, plan.Dest, plan.TargetMapping, plan.TargetAnalysis); err != nil {
		return err
	}
	task, err := o.copier.Copy(ctx, CopyRequest{Source: plan.Source, Dest: plan.Dest, Script: plan.TransformScript})
	if err != nil {
		errs := multierror.Append(new(multierror.Error), err)
		if e := o.generations.Delete(ctx, plan.Dest); e != nil {
			errs = multierror.Append(errs, errors.Wrapf(e, "can't clean up %s", plan.Dest))
		}
		return errs.ErrorOrNil()
	}
	report.Tasks = append(report.Tasks, task)
	o.record(ctx, report, task)
	return nil
}

func (o *Orchestrator) backfill(ctx context.Context, report *MigrationReport) error {
	plan := report.Plan
	for _, f := range plan.FieldsToAdd {
		task, err := o.backfiller.Backfill(ctx, BackfillRequest{Generation: plan.Source, Field: f.Name, Spec: f.Spec, Default: f.Default})
		if err != nil {
			return err
		}
		report.Tasks = append(report.Tasks, task)
		o.record(ctx, report, task)
	}
	return nil
}

// record writes task to journal, failure is a warning as the task is already running
func (o *Orchestrator) record(ctx context.Context, report *MigrationReport, task types.MigrationTask) {
	rec := JournalRecord{
		ID:          journalRecordID(report.ID, task),
		TaskID:      task.TaskID,
		MigrationID: report.ID,
		Logical:     report.Logical,
		Strategy:    report.Plan.Strategy,
		Kind:        task.Kind,
		Source:      report.Plan.Source,
		Dest:        task.Index,
		Field:       task.Field,
		Status:      task.Status,
		Processed:   task.Processed,
		Total:       task.Total,
		StartedAt:   task.StartedAt,
	}
	if err := o.writeRecord(ctx, rec); err != nil {
		report.Warnings = append(report.Warnings, err.Error())
		log.Printf("[WARN] task %s is not recorded, cutover into %s is refused until it is, %v", rec.ID, rec.Dest, err)
	}
}

// writeRecord stores record in journal. Rejected record is kept in memory and blocks
// cutover into its destination until journal accepts a later version of it.
func (o *Orchestrator) writeRecord(ctx context.Context, rec JournalRecord) error {
	err := o.journal.Record(ctx, rec)
	o.unrecordedMu.Lock()
	defer o.unrecordedMu.Unlock()
	if err != nil {
		o.unrecorded[rec.ID] = rec
		return err
	}
	delete(o.unrecorded, rec.ID)
	return nil
}

func (o *Orchestrator) unrecordedRecord(id string) (JournalRecord, bool) {
	o.unrecordedMu.Lock()
	defer o.unrecordedMu.Unlock()
	rec, ok := o.unrecorded[id]
	return rec, ok
}

// unrecordedInto returns a record of task writing into dest that journal doesn't have
func (o *Orchestrator) unrecordedInto(dest string) (JournalRecord, bool) {
	o.unrecordedMu.Lock()
	defer o.unrecordedMu.Unlock()
	for _, rec := range o.unrecorded {
		if rec.Dest == dest {
			return rec, true
		}
	}
	return JournalRecord{}, false
}

// AwaitMigration waits for the task and records terminal outcome in journal.
// Unsuccessful outcome is not an error, check it with TaskOutcome.Err.
func (o *Orchestrator) AwaitMigration(ctx context.Context, taskID string, timeout time.Duration,
	onProgress func(types.Progress)) (AwaitReport, error) {
	outcome, err := o.monitor.Await(ctx, taskID, AwaitParams{PollInterval: o.params.PollInterval, Timeout: timeout, OnProgress: onProgress})
	if err != nil {
		return AwaitReport{}, err
	}
	report := AwaitReport{TaskOutcome: outcome}

	rec, err := o.journal.Get(ctx, taskID)
	if err != nil {
		pending, ok := o.unrecordedRecord(taskID)
		if !ok {
			log.Printf("[DEBUG] no journal record of task %s, %v", taskID, err)
			return report, nil
		}
		rec = pending
	}
	report.Logical, report.Dest = rec.Logical, rec.Dest
	if live, e := o.live(ctx, rec.Logical); e == nil {
		report.Live = live
	}

	if !outcome.Status.Terminal() {
		return report, nil // state is unknown, keep the last record
	}
	rec.Status = outcome.Status
	rec.Processed, rec.Total = outcome.Progress.Processed, outcome.Progress.Total
	rec.Failure = ""
	if e := outcome.Err(); e != nil {
		rec.Failure = e.Error()
	}
	rec.UpdatedAt = time.Now()
	if e := o.writeRecord(ctx, rec); e != nil {
		report.Warnings = append(report.Warnings, e.Error())
		log.Printf("[WARN] outcome of task %s is not recorded, cutover into %s is refused until it is, %v", taskID, rec.Dest, e)
	}
	return report, nil
}

// Cutover switches logical name to the candidate generation. Refused if the last
// recorded task writing into candidate is not completed, or if this process ran a task
// into candidate and failed to record it. With DeleteOld and Grace the previous
// generation is retired after the grace period, the logical name is not locked while waiting.
func (o *Orchestrator) Cutover(ctx context.Context, p CutoverParams) (CutoverResult, error) {
	if p.Logical == "" || p.Candidate == "" {
		return CutoverResult{}, errors.Wrap(types.ErrInvalidRequest, "logical name and candidate generation are required")
	}
	unlock, err := o.locker.Lock(ctx, p.Logical)
	if err != nil {
		return CutoverResult{}, err
	}
	defer unlock()

	if pending, ok := o.unrecordedInto(p.Candidate); ok {
		return o.failedCutover(ctx, p.Logical, errors.Wrapf(types.ErrPrecondition,
			"task %s into %s is %s but not recorded in journal, await it again when journal is available",
			pending.ID, p.Candidate, pending.Status))
	}
	rec, err := o.journal.LastForGeneration(ctx, p.Candidate)
	switch {
	case errors.Is(err, types.ErrNotFound):
		log.Printf("[WARN] no recorded migration into %s, cutover is not verified", p.Candidate)
	case err != nil:
		return o.failedCutover(ctx, p.Logical, err)
	case rec.Status != types.TaskCompleted:
		return o.failedCutover(ctx, p.Logical, errors.Wrapf(types.ErrPrecondition,
			"last task %s into %s is %s, not completed", rec.ID, p.Candidate, rec.Status))
	}

	old := ""
	if o.params.CutoverStrategy == CutoverCopyBack {
		old = p.Logical // physical index is replaced in place
	}
	res, err := o.coordinator.Cutover(ctx, CutoverRequest{
		Logical:     p.Logical,
		New:         p.Candidate,
		Old:         old,
		Strategy:    o.params.CutoverStrategy,
		DeleteOld:   p.DeleteOld,
		RetireLater: p.Grace > 0,
	})
	if err != nil {
		return o.failedCutover(ctx, p.Logical, err)
	}
	if p.DeleteOld && p.Grace > 0 && res.Previous != "" && !res.OldDeleted && res.Previous != res.Live {
		unlock()
		o.retireAfter(ctx, p.Grace, &res)
	}
	return res, nil
}

// retireAfter waits for grace period and retires the previous generation with Retire,
// so it is kept if anything points the alias back to it meanwhile
func (o *Orchestrator) retireAfter(ctx context.Context, grace time.Duration, res *CutoverResult) {
	warn := func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		res.Warnings = append(res.Warnings, msg)
		log.Printf("[WARN] %s", msg)
	}

	log.Printf("[INFO] %s will be deleted in %v", res.Previous, grace)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		warn("retirement of %s skipped, %v", res.Previous, ctx.Err())
		return
	case <-timer.C:
	}
	if err := o.Retire(ctx, res.Logical, res.Previous); err != nil {
		warn("retirement of %s skipped, %v", res.Previous, err)
		return
	}
	res.OldDeleted = true
}

// Rollback points logical name back to the previous generation, which must still exist.
// Empty previous means the generation preceding the live one.
func (o *Orchestrator) Rollback(ctx context.Context, logical, previous string) (CutoverResult, error) {
	if logical == "" {
		return CutoverResult{}, errors.Wrap(types.ErrInvalidRequest, "logical name is required")
	}
	if o.params.CutoverStrategy == CutoverCopyBack {
		return CutoverResult{}, errors.Wrapf(types.ErrPrecondition, "rollback of %s needs alias cutover, previous data was copied over", logical)
	}
	unlock, err := o.locker.Lock(ctx, logical)
	if err != nil {
		return CutoverResult{}, err
	}
	defer unlock()

	current, err := o.live(ctx, logical)
	if err != nil {
		return CutoverResult{}, err
	}
	if previous == "" {
		if previous, err = o.predecessor(ctx, logical, current); err != nil {
			return CutoverResult{Logical: logical, Live: current}, err
		}
	}
	if previous == logical {
		return CutoverResult{Logical: logical, Live: current}, errors.Wrapf(types.ErrGenerationGone,
			"%s was a plain index and was replaced by alias", logical)
	}

	exists, err := o.generations.Exists(ctx, previous)
	if err != nil {
		return CutoverResult{Logical: logical, Live: current}, errors.Wrapf(err, "can't check generation %s", previous)
	}
	if !exists {
		return CutoverResult{Logical: logical, Live: current}, errors.Wrapf(types.ErrGenerationGone, "%s", previous)
	}

	log.Printf("[INFO] rolling back %s from %s to %s", logical, current, previous)
	res, err := o.coordinator.Cutover(ctx, CutoverRequest{Logical: logical, New: previous, Old: current, Strategy: CutoverAlias})
	if err != nil {
		return o.failedCutover(ctx, logical, err)
	}
	return res, nil
}

// Retire deletes a generation of the logical name which is not live
func (o *Orchestrator) Retire(ctx context.Context, logical, name string) error {
	if logical == "" || name == "" {
		return errors.Wrap(types.ErrInvalidRequest, "logical name and generation are required")
	}
	if base, _, ok := parseGeneration(name); !ok || base != logical {
		return errors.Wrapf(types.ErrInvalidRequest, "%s is not a generation of %s", name, logical)
	}
	unlock, err := o.locker.Lock(ctx, logical)
	if err != nil {
		return err
	}
	defer unlock()

	targets, err := o.engine.ResolveAlias(ctx, logical)
	if err != nil {
		return errors.Wrapf(err, "can't resolve alias %s", logical)
	}
	if contains(targets, name) {
		return errors.Wrapf(types.ErrPrecondition, "%s is live for %s", name, logical)
	}
	return o.generations.Delete(ctx, name)
}

// Status describes generations of logical name and the recent migrations
func (o *Orchestrator) Status(ctx context.Context, logical string) (StatusReport, error) {
	if logical == "" {
		return StatusReport{}, errors.Wrap(types.ErrInvalidRequest, "logical name is required")
	}
	res := StatusReport{Logical: logical}
	live, err := o.live(ctx, logical)
	if err != nil && !errors.Is(err, types.ErrPrecondition) {
		return res, err
	}
	res.Live = live

	names, err := o.generations.List(ctx, logical)
	if err != nil {
		return res, err
	}
	for _, name := range names {
		gen, e := o.generations.Describe(ctx, name)
		if e != nil {
			return res, e
		}
		res.Generations = append(res.Generations, gen)
	}

	if res.Recent, err = o.journal.Recent(ctx, logical, 10); err != nil {
		log.Printf("[WARN] can't read journal of %s, %v", logical, err)
	}
	return res, nil
}

// live resolves the generation serving logical name. Plain index named as logical
// is its own live generation.
func (o *Orchestrator) live(ctx context.Context, logical string) (string, error) {
	targets, err := o.engine.ResolveAlias(ctx, logical)
	if err != nil {
		return "", errors.Wrapf(err, "can't resolve alias %s", logical)
	}
	switch len(targets) {
	case 1:
		return targets[0], nil
	case 0:
		legacy, err := o.generations.isConcreteIndex(ctx, logical)
		if err != nil {
			return "", err
		}
		if legacy {
			return logical, nil
		}
		return "", errors.Wrapf(types.ErrPrecondition, "%s has no live generation, import it first", logical)
	}
	return "", errors.Wrapf(types.ErrPrecondition, "%s points to several generations %v", logical, targets)
}

// predecessor finds the newest generation older than current
func (o *Orchestrator) predecessor(ctx context.Context, logical, current string) (string, error) {
	names, err := o.generations.List(ctx, logical)
	if err != nil {
		return "", err
	}
	prev := ""
	for _, name := range names {
		if name == current {
			break
		}
		prev = name
	}
	if prev == "" {
		return "", errors.Wrapf(types.ErrGenerationGone, "no generation of %s before %s", logical, current)
	}
	return prev, nil
}

// failedCutover returns err with the generation live after the failure
func (o *Orchestrator) failedCutover(ctx context.Context, logical string, err error) (CutoverResult, error) {
	res := CutoverResult{Logical: logical, Strategy: o.params.CutoverStrategy}
	if live, e := o.live(ctx, logical); e == nil {
		res.Live = live
	}
	log.Printf("[WARN] cutover of %s failed, live generation is %q, %v", logical, res.Live, err)
	return res, err
}
