package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"

	"github.com/vdimir/esmigrate/app/reindex"
	"github.com/vdimir/esmigrate/app/reindex/types"
)

// MigrateCommand with command line flags and env
type MigrateCommand struct {
	File string `short:"f" long:"file" env:"FILE" required:"true" description:"migration descriptor"`
	CommonOpts
}

// Execute runs migration from descriptor and optional cutover after it
func (m *MigrateCommand) Execute(_ []string) error {
	log.Printf("[INFO] migrate with %s", m.File)
	desc, err := LoadDescriptor(m.File)
	if err != nil {
		return err
	}
	strategy, err := types.ParseStrategy(desc.Strategy)
	if err != nil {
		return err
	}
	orch, err := m.orchestrator()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	report, err := orch.MigrateSchema(ctx, reindex.MigrateRequest{
		Logical:  desc.Logical,
		Fields:   desc.Fields,
		Strategy: strategy,
		Wait:     desc.Wait,
	})
	if err != nil {
		_ = m.print(report)
		return errors.Wrapf(err, "migration of %s failed, live generation is %q", desc.Logical, report.Live)
	}
	if err = m.print(report); err != nil {
		return err
	}

	if !desc.Cutover.Auto || report.Plan.Strategy != types.StrategyFullRegeneration {
		return nil
	}
	res, err := orch.Cutover(ctx, reindex.CutoverParams{
		Logical:   desc.Logical,
		Candidate: report.Plan.Dest,
		DeleteOld: desc.Cutover.DeleteOld,
		Grace:     desc.Cutover.Grace,
	})
	_ = m.print(res)
	return errors.Wrapf(err, "cutover of %s failed, live generation is %q", desc.Logical, res.Live)
}

// AwaitCommand with command line flags and env
type AwaitCommand struct {
	Task    string        `short:"t" long:"task" required:"true" description:"engine task id"`
	Timeout time.Duration `long:"wait" required:"true" description:"how long to wait"`
	CommonOpts
}

// Execute waits for task, outcome other than completed is an error
func (a *AwaitCommand) Execute(_ []string) error {
	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	lastLogged := -1.0
	report, err := orch.AwaitMigration(ctx, a.Task, a.Timeout, func(p types.Progress) {
		if p.Known && p.Fraction-lastLogged >= 0.05 {
			lastLogged = p.Fraction
			log.Printf("[INFO] task %s: %.1f%% (%d/%d), %.0f docs/s, eta %v", a.Task, p.Fraction*100,
				p.Processed, p.Total, p.Rate, p.ETA.Truncate(time.Second))
		}
	})
	if err != nil {
		return err
	}
	if err = a.print(report); err != nil {
		return err
	}
	return report.Err()
}

// CutoverCommand with command line flags and env
type CutoverCommand struct {
	Logical   string        `short:"l" long:"logical" required:"true" description:"logical index name"`
	Candidate string        `short:"c" long:"candidate" required:"true" description:"generation to make live"`
	DeleteOld bool          `long:"delete-old" description:"delete superseded generation"`
	Grace     time.Duration `long:"grace" default:"0s" description:"delay before old generation deletion"`
	CommonOpts
}

// Execute switches traffic to candidate
func (c *CutoverCommand) Execute(_ []string) error {
	orch, err := c.orchestrator()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	res, err := orch.Cutover(ctx, reindex.CutoverParams{Logical: c.Logical, Candidate: c.Candidate, DeleteOld: c.DeleteOld, Grace: c.Grace})
	_ = c.print(res)
	return errors.Wrapf(err, "cutover of %s failed, live generation is %q", c.Logical, res.Live)
}

// RollbackCommand with command line flags and env
type RollbackCommand struct {
	Logical  string `short:"l" long:"logical" required:"true" description:"logical index name"`
	Previous string `short:"p" long:"previous" description:"generation to return to, preceding one by default"`
	CommonOpts
}

// Execute points logical name back to previous generation
func (r *RollbackCommand) Execute(_ []string) error {
	orch, err := r.orchestrator()
	if err != nil {
		return err
	}
	res, err := orch.Rollback(context.Background(), r.Logical, r.Previous)
	_ = r.print(res)
	return errors.Wrapf(err, "rollback of %s failed, live generation is %q", r.Logical, res.Live)
}

// RetireCommand with command line flags and env
type RetireCommand struct {
	Logical    string `short:"l" long:"logical" required:"true" description:"logical index name"`
	Generation string `short:"g" long:"generation" required:"true" description:"generation to delete"`
	Confirm    bool   `long:"confirm" description:"confirm deletion"`
	CommonOpts
}

// Execute deletes not live generation
func (r *RetireCommand) Execute(_ []string) error {
	if !r.Confirm {
		return errors.Errorf("deletion of %s is not confirmed, add --confirm", r.Generation)
	}
	orch, err := r.orchestrator()
	if err != nil {
		return err
	}
	if err = orch.Retire(context.Background(), r.Logical, r.Generation); err != nil {
		return err
	}
	log.Printf("[INFO] generation %s of %s deleted", r.Generation, r.Logical)
	return nil
}

// StatusCommand with command line flags and env
type StatusCommand struct {
	Logical string `short:"l" long:"logical" required:"true" description:"logical index name"`
	CommonOpts
}

// Execute prints live generation, all generations and recent migrations
func (s *StatusCommand) Execute(_ []string) error {
	orch, err := s.orchestrator()
	if err != nil {
		return err
	}
	res, err := orch.Status(context.Background(), s.Logical)
	if err != nil {
		return err
	}
	return s.print(res)
}

// signalContext is canceled on SIGINT and SIGTERM. Engine tasks keep running.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(stop)
		select {
		case <-stop:
			log.Printf("[WARN] interrupt signal, engine tasks are not cancelled")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
