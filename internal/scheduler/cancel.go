package scheduler

// RequestCancellation asks a job to stop cooperatively. It returns true
// when this call is the one that initiated cancellation: the job stops
// dispatching immediately, in-flight executions are signalled through their
// context, and the job settles to cancelled once they drain. It returns
// false for unknown jobs, jobs already terminal, and repeat requests.
//
// Cancellation never races a natural completion destructively: both paths
// commit the terminal status through the same compare-and-swap, and the
// loser is a no-op.
func (s *Scheduler) RequestCancellation(jobID, reason string) bool {
	s.mu.Lock()
	js, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if js.status().Terminal() {
		return false
	}
	if !js.cancelFlag.CompareAndSwap(false, true) {
		return false
	}

	js.cancelAt = s.now()
	js.cancelStop()
	js.events <- jobEvent{kind: evCancelRequested, reason: reason}
	s.signalWake()

	s.logger.Info().Str("job_id", jobID).Str("reason", reason).Msg("cancellation requested")
	return true
}
