package orchestrator

import (
	"context"
	"time"

	"github.com/3leaps/slotbatch/pkg/job"
	"github.com/3leaps/slotbatch/pkg/output"
	"github.com/3leaps/slotbatch/pkg/resultstore"
	"github.com/3leaps/slotbatch/pkg/slot"
)

// eventObserver turns job boundaries into job records and forwards them.
type eventObserver struct {
	runID  string
	events output.Writer
	next   slot.Observer
}

func (e *eventObserver) JobStarted(s int, j job.Job) {
	if e.next != nil {
		e.next.JobStarted(s, j)
	}
}

func (e *eventObserver) JobFinished(s int, j job.Job, res *resultstore.Result, elapsed time.Duration) {
	rec := JobRecord(s, j, res)
	_ = e.events.WriteJob(context.Background(), &rec)
	if e.next != nil {
		e.next.JobFinished(s, j, res, elapsed)
	}
}

// Outcome classifies a result the same way Summarize does, with the
// failure subclasses split out.
func Outcome(res *resultstore.Result) string {
	switch {
	case res.IsTimedOut():
		return output.OutcomeTimeout
	case res.HasArtifact():
		return output.OutcomeArtifact
	case res.IsInterrupted():
		return output.OutcomeInterrupted
	case res.IsIncomplete():
		return output.OutcomeIncomplete
	case res.Error != nil:
		return output.OutcomeError
	default:
		return output.OutcomeNoArtifact
	}
}

// JobRecord renders a result as an event payload.
func JobRecord(s int, j job.Job, res *resultstore.Result) output.JobRecord {
	rec := output.JobRecord{
		JobID:         j.ID,
		Group:         j.Group,
		Slot:          s,
		Outcome:       Outcome(res),
		ExecutionTime: res.ExecutionTime,
		ProcessTime:   res.ProcessTime,
		ExitCode:      res.ExitCode,
	}
	if res.Output != nil {
		rec.Output = *res.Output
	}
	if res.Error != nil {
		rec.Error = *res.Error
	}
	return rec
}
