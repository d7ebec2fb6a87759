package reindex

import (
	"context"
	"fmt"
	"time"

	"github.com/gammazero/deque"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/pkg/errors"

	"github.com/vdimir/esmigrate/app/reindex/engine"
	"github.com/vdimir/esmigrate/app/reindex/types"
)

// MonitorParams controls tolerance to transient poll failures
type MonitorParams struct {
	PollRetries    int           // attempts per poll before task is reported failed
	PollRetryDelay time.Duration // delay between attempts
	RateWindow     int           // number of samples used to estimate throughput
}

// AwaitParams of a single wait. Timeout is mandatory.
type AwaitParams struct {
	PollInterval time.Duration
	Timeout      time.Duration
	OnProgress   func(types.Progress)
}

// Monitor waits for engine tasks regardless of what submitted them.
// Engine task is never cancelled by Monitor: on timeout or cancellation it keeps
// running and the outcome says it needs to be verified out of band.
type Monitor struct {
	engine engine.Interface
	params MonitorParams
}

// NewMonitor makes Monitor with defaults for zero params
func NewMonitor(e engine.Interface, params MonitorParams) *Monitor {
	if params.PollRetries <= 0 {
		params.PollRetries = 5
	}
	if params.PollRetryDelay <= 0 {
		params.PollRetryDelay = 500 * time.Millisecond
	}
	if params.RateWindow <= 1 {
		params.RateWindow = 10
	}
	return &Monitor{engine: e, params: params}
}

// Await polls the task until it is completed, failed, timed out or ctx is canceled.
// Errors are returned only for invalid arguments, everything else is in the outcome.
func (m *Monitor) Await(ctx context.Context, taskID string, p AwaitParams) (types.TaskOutcome, error) {
	if taskID == "" {
		return types.TaskOutcome{}, errors.Wrap(types.ErrInvalidRequest, "empty task id")
	}
	if p.Timeout <= 0 {
		return types.TaskOutcome{}, errors.Wrapf(types.ErrInvalidRequest, "timeout is required to wait for task %s", taskID)
	}
	if p.PollInterval <= 0 {
		p.PollInterval = time.Second
	}

	started := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	outcome := types.TaskOutcome{TaskID: taskID, Status: types.TaskRunning}
	tracker := newProgressTracker(m.params.RateWindow)
	rpt := repeater.NewDefault(m.params.PollRetries, m.params.PollRetryDelay)
	defer taskProgress.DeleteLabelValues(taskID)

	log.Printf("[INFO] waiting for task %s up to %v", taskID, p.Timeout)
	for {
		var info engine.TaskInfo
		var lastErr error
		err := rpt.Do(waitCtx, func() error {
			var e error
			if info, e = m.engine.TaskStatus(waitCtx, taskID); e != nil {
				lastErr = e
				pollErrors.Inc()
				log.Printf("[DEBUG] poll of task %s failed, %v", taskID, e)
			}
			return e
		})
		outcome.Polls++

		if waitCtx.Err() != nil {
			return m.interrupted(ctx, outcome, started), nil
		}
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			outcome.Status = types.TaskFailed
			outcome.RequiresVerification = true
			outcome.Failures = append(outcome.Failures,
				fmt.Sprintf("task status unavailable after %d attempts: %v", m.params.PollRetries, lastErr))
			log.Printf("[ERROR] task %s can't be polled, %v", taskID, lastErr)
			return m.finish(outcome, started), nil
		}

		outcome.Progress = tracker.update(info, time.Now())
		if outcome.Progress.Known {
			taskProgress.WithLabelValues(taskID).Set(outcome.Progress.Fraction)
		}
		if p.OnProgress != nil {
			p.OnProgress(outcome.Progress)
		}

		if info.Completed {
			outcome.Status = types.TaskCompleted
			if info.Failed() {
				outcome.Status = types.TaskFailed
				outcome.Failures = append(outcome.Failures, taskFailures(info)...)
			}
			return m.finish(outcome, started), nil
		}

		timer := time.NewTimer(p.PollInterval)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			return m.interrupted(ctx, outcome, started), nil
		case <-timer.C:
		}
	}
}

// interrupted reports timed out or canceled wait, the task is still running on engine
func (m *Monitor) interrupted(ctx context.Context, outcome types.TaskOutcome, started time.Time) types.TaskOutcome {
	outcome.Status = types.TaskTimedOut
	if errors.Is(ctx.Err(), context.Canceled) {
		outcome.Status = types.TaskUnknown
	}
	outcome.RequiresVerification = true
	log.Printf("[WARN] stopped waiting for task %s after %v (%s), task is not cancelled, verify it out of band",
		outcome.TaskID, time.Since(started).Truncate(time.Millisecond), outcome.Status)
	return m.finish(outcome, started)
}

func (m *Monitor) finish(outcome types.TaskOutcome, started time.Time) types.TaskOutcome {
	outcome.Elapsed = time.Since(started)
	tasksAwaited.WithLabelValues(string(outcome.Status)).Inc()
	taskAwaitDuration.Observe(outcome.Elapsed.Seconds())
	if outcome.Status == types.TaskCompleted {
		log.Printf("[INFO] task %s completed, %d/%d documents in %v", outcome.TaskID,
			outcome.Progress.Processed, outcome.Progress.Total, outcome.Elapsed.Truncate(time.Millisecond))
	}
	if outcome.Status == types.TaskFailed {
		log.Printf("[WARN] task %s failed: %v", outcome.TaskID, outcome.Failures)
	}
	return outcome
}

type progressSample struct {
	at        time.Time
	processed int64
}

// progressTracker keeps reported progress monotonic and estimates throughput
type progressTracker struct {
	samples deque.Deque
	window  int
	last    types.Progress
}

func newProgressTracker(window int) *progressTracker {
	return &progressTracker{window: window}
}

func (t *progressTracker) update(info engine.TaskInfo, now time.Time) types.Progress {
	p := t.last
	if processed := info.Processed(); processed > p.Processed {
		p.Processed = processed
	}
	if info.Total > p.Total {
		p.Total = info.Total
	}

	switch {
	case info.Completed:
		p.Known, p.Fraction = true, 1
	case info.HasStatus && p.Total > 0:
		fraction := float64(p.Processed) / float64(p.Total)
		if fraction > 1 {
			fraction = 1
		}
		if !p.Known || fraction > p.Fraction {
			p.Fraction = fraction
		}
		p.Known = true
	}

	t.samples.PushBack(progressSample{at: now, processed: p.Processed})
	for t.samples.Len() > t.window {
		t.samples.PopFront()
	}
	p.Rate, p.ETA = 0, 0
	if t.samples.Len() > 1 {
		first := t.samples.Front().(progressSample)
		last := t.samples.Back().(progressSample)
		if dt := last.at.Sub(first.at).Seconds(); dt > 0 {
			p.Rate = float64(last.processed-first.processed) / dt
		}
	}
	if p.Known && p.Rate > 0 && p.Total > p.Processed {
		p.ETA = time.Duration(float64(p.Total-p.Processed) / p.Rate * float64(time.Second))
	}

	t.last = p
	return p
}
