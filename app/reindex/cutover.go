package reindex

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"

	"github.com/vdimir/esmigrate/app/reindex/engine"
	"github.com/vdimir/esmigrate/app/reindex/types"
)

// CutoverStrategy defines how traffic is switched to the new generation
type CutoverStrategy string

// enum of cutover strategies
const (
	CutoverAlias    CutoverStrategy = "alias"
	CutoverCopyBack CutoverStrategy = "copy_back"
)

// ParseCutoverStrategy converts user input to CutoverStrategy, alias by default
func ParseCutoverStrategy(s string) (CutoverStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "alias":
		return CutoverAlias, nil
	case "copy_back", "copy-back", "copyback":
		return CutoverCopyBack, nil
	}
	return "", errors.Wrapf(types.ErrInvalidRequest, "unknown cutover strategy %q", s)
}

// CutoverRequest switches logical name from Old to New. Empty Old means "whatever is live now".
type CutoverRequest struct {
	Logical     string
	New         string
	Old         string
	Strategy    CutoverStrategy
	DeleteOld   bool // retire superseded generation
	RetireLater bool // superseded alias generation is left to the caller, legacy conversion is not affected
}

// CutoverResult always names the live generation
type CutoverResult struct {
	Logical    string          `json:"logical"`
	Live       string          `json:"live"`
	Previous   string          `json:"previous,omitempty"`
	Strategy   CutoverStrategy `json:"strategy"`
	OldDeleted bool            `json:"old_deleted"`
	Warnings   []string        `json:"warnings,omitempty"`
}

// Coordinator is the only component mutating aliases
type Coordinator struct {
	engine       engine.Interface
	generations  *GenerationManager
	copier       *Copier
	monitor      *Monitor
	copyTimeout  time.Duration
	pollInterval time.Duration
}

// NewCoordinator makes Coordinator. Copier, monitor and copyTimeout are used by copy-back only.
func NewCoordinator(e engine.Interface, gm *GenerationManager, copier *Copier, monitor *Monitor,
	copyTimeout, pollInterval time.Duration) *Coordinator {
	return &Coordinator{engine: e, generations: gm, copier: copier, monitor: monitor,
		copyTimeout: copyTimeout, pollInterval: pollInterval}
}

// Cutover switches traffic to req.New. Failure to retire old generation is reported
// in warnings and never fails the cutover.
func (c *Coordinator) Cutover(ctx context.Context, req CutoverRequest) (res CutoverResult, err error) {
	if req.Logical == "" || req.New == "" {
		return CutoverResult{}, errors.Wrap(types.ErrInvalidRequest, "logical name and new generation are required")
	}
	if req.New == req.Logical {
		return CutoverResult{}, errors.Wrapf(types.ErrInvalidRequest, "new generation can't be named as logical %s", req.Logical)
	}
	if req.Strategy == "" {
		req.Strategy = CutoverAlias
	}

	exists, err := c.generations.Exists(ctx, req.New)
	if err != nil {
		return CutoverResult{}, errors.Wrapf(err, "can't check generation %s", req.New)
	}
	if !exists {
		return CutoverResult{}, errors.Wrapf(types.ErrPrecondition, "generation %s doesn't exist", req.New)
	}

	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		cutovers.WithLabelValues(string(req.Strategy), result).Inc()
	}()

	switch req.Strategy {
	case CutoverAlias:
		if res, err = c.repoint(ctx, req); err != nil {
			return res, err
		}
		c.retireOld(ctx, req, &res)
		return res, nil
	case CutoverCopyBack:
		return c.copyBack(ctx, req)
	}
	return CutoverResult{}, errors.Wrapf(types.ErrInvalidRequest, "unknown cutover strategy %q", req.Strategy)
}

// repoint moves alias in a single engine call. Removal of every current target makes
// the call fail if the alias was changed after it was resolved.
func (c *Coordinator) repoint(ctx context.Context, req CutoverRequest) (CutoverResult, error) {
	res := CutoverResult{Logical: req.Logical, Strategy: CutoverAlias}

	current, err := c.engine.ResolveAlias(ctx, req.Logical)
	if err != nil {
		return res, errors.Wrapf(err, "can't resolve alias %s", req.Logical)
	}
	if len(current) == 1 {
		res.Live = current[0]
	}
	if req.Old != "" && len(current) > 0 && !contains(current, req.Old) {
		return res, errors.Wrapf(types.ErrPrecondition, "%s points to %v, not to %s", req.Logical, current, req.Old)
	}
	if len(current) == 1 && current[0] == req.New {
		log.Printf("[INFO] %s already points to %s", req.Logical, req.New)
		return res, nil
	}

	actions := []engine.AliasAction{}
	if len(current) == 0 {
		legacy, e := c.generations.isConcreteIndex(ctx, req.Logical)
		if e != nil {
			return res, e
		}
		if legacy {
			// index named as alias must go in the same call
			if !req.DeleteOld {
				return res, errors.Wrapf(types.ErrPrecondition,
					"%s is an index, converting it to alias deletes it, old generation deletion must be allowed", req.Logical)
			}
			actions = append(actions, engine.AliasAction{Op: engine.AliasRemoveIndex, Index: req.Logical})
			res.Previous, res.OldDeleted = req.Logical, true
		}
	}
	for _, idx := range current {
		if idx != req.New {
			actions = append(actions, engine.AliasAction{Op: engine.AliasRemove, Index: idx, Alias: req.Logical})
		}
	}
	actions = append(actions, engine.AliasAction{Op: engine.AliasAdd, Index: req.New, Alias: req.Logical})

	if res.Previous == "" {
		res.Previous = req.Old
		if res.Previous == "" && len(current) > 0 {
			res.Previous = current[0]
		}
	}

	log.Printf("[INFO] switching %s from %v to %s: %v", req.Logical, current, req.New, actions)
	if err = c.engine.UpdateAliases(ctx, actions); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return res, errors.Wrapf(types.ErrPrecondition, "alias %s changed concurrently, %v", req.Logical, err)
		}
		return res, errors.Wrapf(err, "can't switch %s to %s", req.Logical, req.New)
	}

	if err = c.verify(ctx, req.Logical, req.New); err != nil {
		return res, err
	}
	res.Live = req.New
	log.Printf("[INFO] %s is live on %s, previous %q", req.Logical, req.New, res.Previous)
	return res, nil
}

func (c *Coordinator) verify(ctx context.Context, logical, want string) error {
	targets, err := c.engine.ResolveAlias(ctx, logical)
	if err != nil {
		return errors.Wrapf(err, "can't verify alias %s", logical)
	}
	if len(targets) != 1 || targets[0] != want {
		return errors.Errorf("alias %s resolves to %v after switch to %s", logical, targets, want)
	}
	return nil
}

// copyBack recreates logical name as a physical index with the content of the new generation.
// Not atomic: between step 1 and the end of step 3 the logical name is missing or incomplete.
func (c *Coordinator) copyBack(ctx context.Context, req CutoverRequest) (CutoverResult, error) {
	res := CutoverResult{Logical: req.Logical, Previous: req.Old, Strategy: CutoverCopyBack}

	isAlias, err := c.engine.AliasExists(ctx, req.Logical)
	if err != nil {
		return res, errors.Wrapf(err, "can't check alias %s", req.Logical)
	}
	if isAlias {
		return res, errors.Wrapf(types.ErrPrecondition, "%s is an alias, use alias cutover", req.Logical)
	}
	mapping, err := c.engine.GetMapping(ctx, req.New)
	if err != nil {
		return res, errors.Wrapf(err, "can't get mapping of %s", req.New)
	}
	analysis, err := c.engine.GetAnalysis(ctx, req.New)
	if err != nil {
		return res, errors.Wrapf(err, "can't get analysis settings of %s", req.New)
	}

	fail := func(step int, err error) (CutoverResult, error) {
		log.Printf("[ERROR] copy-back of %s interrupted at step %d/4, %v. data is kept in %s, "+
			"resume by hand from this step", req.Logical, step, err, req.New)
		return res, errors.Wrapf(err, "copy-back step %d/4", step)
	}

	log.Printf("[WARN] copy-back %s step 1/4: delete %s, search on %s is unavailable until step 3 completes",
		req.Logical, req.Logical, req.Logical)
	if err = c.generations.Delete(ctx, req.Logical); err != nil {
		return fail(1, err)
	}
	if req.Old == req.Logical {
		res.OldDeleted = true
	}

	log.Printf("[WARN] copy-back %s step 2/4: create %s with mapping of %s", req.Logical, req.Logical, req.New)
	if _, err = c.generations.Create(ctx, req.Logical, mapping, analysis); err != nil {
		return fail(2, err)
	}

	log.Printf("[WARN] copy-back %s step 3/4: copy %s -> %s", req.Logical, req.New, req.Logical)
	task, err := c.copier.Copy(ctx, CopyRequest{Source: req.New, Dest: req.Logical})
	if err != nil {
		return fail(3, err)
	}
	outcome, err := c.monitor.Await(ctx, task.TaskID, AwaitParams{PollInterval: c.pollInterval, Timeout: c.copyTimeout})
	if err != nil {
		return fail(3, err)
	}
	if err = outcome.Err(); err != nil {
		return fail(3, err)
	}
	res.Live = req.Logical

	log.Printf("[WARN] copy-back %s step 4/4: delete %s and %q", req.Logical, req.New, req.Old)
	if err = c.generations.Delete(ctx, req.New); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("can't delete %s: %v", req.New, err))
		log.Printf("[WARN] copy-back %s: temporary generation %s not deleted, %v", req.Logical, req.New, err)
	}
	if req.Old != "" && req.Old != req.Logical && req.Old != req.New {
		if err = c.generations.Delete(ctx, req.Old); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("can't delete %s: %v", req.Old, err))
			log.Printf("[WARN] copy-back %s: old generation %s not deleted, %v", req.Logical, req.Old, err)
		} else {
			res.OldDeleted = true
		}
	}
	log.Printf("[INFO] copy-back of %s completed, %s is live", req.Logical, req.Logical)
	return res, nil
}

// retireOld deletes the superseded generation, best effort. Nothing is deleted
// if the generation is behind the alias again.
func (c *Coordinator) retireOld(ctx context.Context, req CutoverRequest, res *CutoverResult) {
	old := res.Previous
	if !req.DeleteOld || req.RetireLater || old == "" || res.OldDeleted || old == res.Live {
		return
	}
	warn := func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		res.Warnings = append(res.Warnings, msg)
		log.Printf("[WARN] %s", msg)
	}

	targets, err := c.engine.ResolveAlias(ctx, req.Logical)
	if err != nil {
		warn("retirement of %s skipped, can't resolve %s: %v", old, req.Logical, err)
		return
	}
	if contains(targets, old) {
		warn("retirement of %s skipped, %s points to it again", old, req.Logical)
		return
	}
	if err = c.generations.Delete(ctx, old); err != nil {
		warn("can't delete old generation %s: %v", old, err)
		return
	}
	res.OldDeleted = true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
