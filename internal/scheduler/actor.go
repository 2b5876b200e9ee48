package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evalbench/evalbench/api/batch"
	"github.com/evalbench/evalbench/internal/executor"
	"github.com/evalbench/evalbench/internal/invoker/contracts"
	"github.com/evalbench/evalbench/internal/store"
	"github.com/evalbench/evalbench/internal/telemetry"
)

// runJobActor is the single writer for one job's counters, current-test set,
// and snapshot publications. It consumes the job's mailbox until a terminal
// transition commits, then schedules retention eviction and exits. The
// mailbox is sized so producers never block; it is intentionally never
// closed.
func (s *Scheduler) runJobActor(js *jobState) {
	defer s.wg.Done()

	for ev := range js.events {
		switch ev.kind {
		case evJobRunning:
			s.handleJobRunning(js)
		case evTestStarted:
			js.inFlight++
			js.current[ev.running.TestID] = ev.running
			s.publish(js, s.buildSnapshot(js))
		case evTestSettled:
			s.handleSettlement(js, ev.settlement)
		case evCancelRequested:
			s.handleCancelRequested(js, ev.reason)
		case evAppendDone:
			s.handleAppendDone(js, ev.reason, ev.infra)
		}

		if done := s.maybeFinalize(js); done {
			return
		}
	}
}

func (s *Scheduler) handleJobRunning(js *jobState) {
	now := s.now()
	if !js.transition(batch.StatusRunning, now) {
		return
	}
	js.mu.Lock()
	queuedFor := now.Sub(js.job.CreatedAt)
	js.mu.Unlock()

	telemetry.DefaultEmitter().EmitMetric(telemetry.MetricDispatchLatencyMS,
		float64(queuedFor.Milliseconds()), "ms", nil,
		telemetry.Correlation{JobID: js.job.ID, EmittedBy: "scheduler"})
	telemetry.DefaultEmitter().EmitMetric(telemetry.MetricJobsActive,
		float64(s.activeJobs.Add(1)), "jobs", nil,
		telemetry.Correlation{JobID: js.job.ID, EmittedBy: "scheduler"})
	s.logger.Info().Str("job_id", js.job.ID).Dur("queued_for", queuedFor).Msg("job dispatch started")
	s.publish(js, s.buildSnapshot(js))
}

func (s *Scheduler) handleSettlement(js *jobState, settlement executor.Settlement) {
	js.inFlight--
	delete(js.current, settlement.Result.TestID)

	switch {
	case js.draining && !settlement.Discarded():
		// The test finished after cancellation (or stop-on-first-failure)
		// was accepted: it counts as cancelled, and the late result is
		// retained only for analytics.
		js.discarded++
		s.appendResult(js, settlement.Result, true)
	case settlement.Discarded():
		js.discarded++
	case settlement.Class == contracts.OutcomeSuccess:
		js.completed++
		recordDuration(js, settlement.Result.Duration)
		js.recordResult(settlement.Result)
		s.appendResult(js, settlement.Result, false)
	default:
		js.failed++
		recordDuration(js, settlement.Result.Duration)
		js.recordResult(settlement.Result)
		s.appendResult(js, settlement.Result, false)
		if js.job.Config.StopOnFirstFailure && !js.draining {
			s.beginDrain(js, batch.StatusFailed,
				fmt.Sprintf("test %s failed: %s", settlement.Result.TestID, settlement.Result.Error))
		}
	}

	s.publish(js, s.buildSnapshot(js))
}

func (s *Scheduler) handleCancelRequested(js *jobState, reason string) {
	if js.status().Terminal() || js.draining {
		return
	}
	js.draining = true
	js.drainTo = batch.StatusCancelled
	if reason == "" {
		reason = "cancelled by request"
	}
	js.reason = reason
	s.logger.Info().Str("job_id", js.job.ID).Str("reason", reason).
		Int("in_flight", js.inFlight).Msg("cancellation accepted, draining")
}

// handleAppendDone retires one outstanding store append. A failed append
// becomes a warning that the terminal snapshot will carry; an unavailable
// backend escalates the job to failed.
func (s *Scheduler) handleAppendDone(js *jobState, reason string, infra bool) {
	js.pendingAppends--
	if reason == "" {
		return
	}
	js.warnings = append(js.warnings, reason)
	if infra && !js.draining {
		s.beginDrain(js, batch.StatusFailed, reason)
	}
	s.publish(js, s.buildSnapshot(js))
}

// beginDrain stops further dispatch for the job and cancels its in-flight
// executions. The terminal status commits once the last one settles.
func (s *Scheduler) beginDrain(js *jobState, to batch.JobStatus, reason string) {
	js.draining = true
	js.drainTo = to
	js.reason = reason
	js.cancelFlag.Store(true)
	js.cancelStop()
	s.logger.Warn().Str("job_id", js.job.ID).Str("reason", reason).
		Str("target_status", string(to)).Msg("job draining")
}

// maybeFinalize commits the terminal state once nothing is outstanding.
// Store appends in flight hold the terminal snapshot back so their warnings
// are never lost; each append resolves within the store call timeout.
func (s *Scheduler) maybeFinalize(js *jobState) bool {
	if js.pendingAppends > 0 {
		return false
	}
	total := len(js.job.Tests)
	settled := js.completed + js.failed + js.discarded

	if js.draining {
		if js.inFlight > 0 {
			return false
		}
		return s.finalize(js, js.drainTo)
	}
	if settled == total {
		return s.finalize(js, batch.StatusCompleted)
	}
	return false
}

// finalize commits the terminal transition. Every unsettled test is counted
// cancelled so the terminal snapshot settles the full total.
func (s *Scheduler) finalize(js *jobState, status batch.JobStatus) bool {
	now := s.now()
	wasRunning := js.status() == batch.StatusRunning
	if !js.transition(status, now) {
		return true
	}
	if wasRunning {
		telemetry.DefaultEmitter().EmitMetric(telemetry.MetricJobsActive,
			float64(s.activeJobs.Add(-1)), "jobs", nil,
			telemetry.Correlation{JobID: js.job.ID, EmittedBy: "scheduler"})
	}
	js.discarded = len(js.job.Tests) - js.completed - js.failed

	switch status {
	case batch.StatusCompleted:
		s.completedJobs.Add(1)
	case batch.StatusFailed:
		s.failedJobs.Add(1)
	case batch.StatusCancelled:
		s.cancelledJobs.Add(1)
		if !js.cancelAt.IsZero() {
			telemetry.DefaultEmitter().EmitMetric(telemetry.MetricCancelLatencyMS,
				float64(now.Sub(js.cancelAt).Milliseconds()), "ms", nil,
				telemetry.Correlation{JobID: js.job.ID, EmittedBy: "scheduler"})
		}
	}

	snapshot := s.buildSnapshot(js)
	s.publish(js, snapshot)
	s.gov.Unregister(js.job.ID)
	js.cancelStop()

	s.logger.Info().
		Str("job_id", js.job.ID).
		Str("status", string(status)).
		Int("completed", js.completed).
		Int("failed", js.failed).
		Int("cancelled", js.discarded).
		Msg("job finished")

	time.AfterFunc(s.cfg.Retention, func() { s.evict(js.job.ID) })
	return true
}

func (s *Scheduler) evict(jobID string) {
	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()
	s.progress.Remove(jobID)
	s.logger.Debug().Str("job_id", jobID).Msg("job state evicted after retention")
}

// buildSnapshot recomputes the full progress view from actor-owned state.
// Snapshots are never deltas.
func (s *Scheduler) buildSnapshot(js *jobState) batch.ExecutionProgress {
	total := len(js.job.Tests)
	settled := js.completed + js.failed + js.discarded

	current := make([]batch.RunningTest, 0, len(js.current))
	for _, rt := range js.current {
		current = append(current, rt)
	}

	percent := 0.0
	if total > 0 {
		percent = float64(settled) / float64(total) * 100
	}

	var eta time.Duration
	if remaining := total - settled; remaining > 0 && len(js.durRecent) > 0 {
		var sum time.Duration
		for _, d := range js.durRecent {
			sum += d
		}
		avg := sum / time.Duration(len(js.durRecent))
		width := js.job.Config.MaxConcurrent
		if s.cfg.GlobalMaxConcurrent > 0 && s.cfg.GlobalMaxConcurrent < width {
			width = s.cfg.GlobalMaxConcurrent
		}
		if width < 1 {
			width = 1
		}
		eta = avg * time.Duration((remaining+width-1)/width)
	}

	js.mu.Lock()
	status := js.job.Status
	js.mu.Unlock()

	return batch.ExecutionProgress{
		JobID:                  js.job.ID,
		TotalTests:             total,
		CompletedTests:         js.completed,
		FailedTests:            js.failed,
		CancelledTests:         js.discarded,
		CurrentTests:           current,
		OverallProgressPercent: percent,
		EstimatedTimeRemaining: eta,
		Status:                 status,
		Reason:                 js.reason,
		Warnings:               append([]string(nil), js.warnings...),
		UpdatedAt:              s.now(),
	}
}

func (s *Scheduler) publish(js *jobState, snapshot batch.ExecutionProgress) {
	if err := s.progress.Publish(js.job.ID, snapshot); err != nil {
		s.logger.Error().Err(err).Str("job_id", js.job.ID).Msg("progress publish rejected")
	}
}

// appendResult persists one terminal result without blocking the actor.
// Every append reports back through the mailbox so finalize can wait for
// it; failures surface as warnings and an unavailable backend escalates
// the job. Only the actor calls this, so the pending counter is safe.
func (s *Scheduler) appendResult(js *jobState, result batch.TestResult, discarded bool) {
	js.pendingAppends++
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.store.Append(ctx, result, discarded)
		if err == nil {
			js.events <- jobEvent{kind: evAppendDone}
			return
		}
		telemetry.DefaultEmitter().EmitMetric(telemetry.MetricStoreAppendFailures, 1, "count", nil,
			telemetry.Correlation{JobID: js.job.ID, TestID: result.TestID, EmittedBy: "scheduler"})
		s.logger.Error().Err(err).Str("job_id", js.job.ID).Str("test_id", result.TestID).
			Msg("durable store append failed")
		js.events <- jobEvent{
			kind:   evAppendDone,
			reason: fmt.Sprintf("store append failed for test %s: %v", result.TestID, err),
			infra:  errors.Is(err, store.ErrUnavailable),
		}
	}()
}

// etaWindow bounds the duration samples feeding the ETA estimate, so the
// moving average tracks latency shifts in long jobs.
const etaWindow = 10

func recordDuration(js *jobState, d time.Duration) {
	js.durRecent = append(js.durRecent, d)
	if len(js.durRecent) > etaWindow {
		js.durRecent = js.durRecent[len(js.durRecent)-etaWindow:]
	}
}

func (js *jobState) recordResult(result batch.TestResult) {
	js.mu.Lock()
	defer js.mu.Unlock()
	js.results = append(js.results, result)
}
