package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/3leaps/slotbatch/pkg/balance"
	"github.com/3leaps/slotbatch/pkg/history"
	"github.com/3leaps/slotbatch/pkg/job"
	"github.com/3leaps/slotbatch/pkg/output"
	"github.com/3leaps/slotbatch/pkg/resultstore"
)

// Plan is a balanced batch ready to run.
type Plan struct {
	Retry       bool
	Jobs        []job.Job
	Assignment  *balance.Assignment
	Realization *balance.Realization
	Warnings    []output.WarningRecord

	// CostSource names where group means came from.
	CostSource string
}

// Cost sources.
const (
	CostFromHistory = "history"
	CostFromResults = "merged_files"
	CostUniform     = "uniform"
)

// Plan discovers the batch's jobs, estimates per-group cost and balances
// the jobs across slots.
func (o *Orchestrator) Plan(ctx context.Context) (*Plan, error) {
	m := o.cfg.Manifest
	p := &Plan{Retry: o.cfg.Retry}

	jobs, err := o.jobs(p)
	if err != nil {
		return nil, err
	}
	p.Jobs = jobs

	counts := job.Counts(jobs)
	means, source, err := o.means(ctx)
	if err != nil {
		return nil, err
	}
	if len(means) == 0 {
		// Without history every job counts the same.
		means = make(map[string]float64, len(counts))
		for g := range counts {
			means[g] = 1
		}
		source = CostUniform
		if len(counts) > 0 {
			p.Warnings = append(p.Warnings, output.WarningRecord{
				Code:    output.WarnNoHistory,
				Message: "no cost history; balancing by job count",
			})
		}
	}
	p.CostSource = source

	table := balance.CostTable{Mean: means, Count: counts}.Restrict(counts)
	opts := []balance.Option{balance.WithLargeGroupFactor(m.Slots.LargeGroupFactor)}
	if len(m.Slots.Pinned) > 0 {
		opts = append(opts, balance.WithPinned(m.Slots.Pinned))
	}
	a, err := balance.Assign(table, m.Slots.Count, m.Slots.MaxCopies, opts...)
	if err != nil {
		return nil, fmt.Errorf("balance batch: %w", err)
	}
	p.Assignment = a
	p.Realization = a.Realize(job.Pool(jobs))

	o.noteRealization(p)

	o.log.Info("Batch planned",
		zap.Int("jobs", len(jobs)),
		zap.Int("groups", len(counts)),
		zap.Int("slots", m.Slots.Count),
		zap.String("mode", string(a.Mode)),
		zap.String("cost_source", source),
		zap.Float64("spread", a.Spread()),
		zap.Bool("retry", p.Retry))
	return p, nil
}

// noteRealization records balancer shortfalls and unplanned jobs as plan
// warnings and logs each one.
func (o *Orchestrator) noteRealization(p *Plan) {
	for _, s := range p.Realization.Shortfalls {
		p.Warnings = append(p.Warnings, output.WarningRecord{
			Code:    output.WarnShortfall,
			Message: fmt.Sprintf("slot %d planned %d %s jobs, pool had %d", s.Slot, s.Wanted, s.Group, s.Got),
			Group:   s.Group,
			Count:   s.Wanted - s.Got,
		})
		o.log.Warn("Balancer shortfall",
			zap.Int("slot", s.Slot),
			zap.String("group", s.Group),
			zap.Int("wanted", s.Wanted),
			zap.Int("got", s.Got))
	}
	if n := len(p.Realization.Unplanned); n > 0 {
		o.log.Warn("Jobs exceeded the plan, appended to lightest slots",
			zap.Int("count", n),
			zap.Strings("ids", p.Realization.Unplanned))
		p.Warnings = append(p.Warnings, output.WarningRecord{
			Code:    output.WarnUnplanned,
			Message: fmt.Sprintf("%d jobs exceeded the plan and went to the lightest slots", n),
			Count:   n,
		})
	}
}

// jobs builds the job pool: every discovered program, optionally narrowed
// to the manifest's id list, or in retry mode to the timed-out ids of the
// main merged file.
func (o *Orchestrator) jobs(p *Plan) ([]job.Job, error) {
	m := o.cfg.Manifest
	all, skipped, err := m.Layout().Discover(m.Programs.Dir, m.Programs.Pattern)
	if err != nil {
		return nil, fmt.Errorf("discover programs: %w", err)
	}
	for _, s := range skipped {
		p.Warnings = append(p.Warnings, output.WarningRecord{
			Code:    output.WarnSkippedInput,
			Message: fmt.Sprintf("program %s has no parseable job id or duplicates another", s),
		})
	}

	var ids []string
	switch {
	case o.cfg.Retry:
		main, err := resultstore.Load(m.MergedPath(false))
		if err != nil {
			return nil, fmt.Errorf("load main results: %w", err)
		}
		ids = resultstore.TimedOut(main, m.Execution.Timeout.D().Seconds())
	case len(m.Programs.Jobs) > 0:
		ids = m.Programs.Jobs
	default:
		return all, nil
	}

	selected := job.Select(all, ids)
	if missing := len(ids) - len(selected); missing > 0 {
		found := make(map[string]struct{}, len(selected))
		for _, j := range selected {
			found[j.ID] = struct{}{}
		}
		var absent []string
		for _, id := range ids {
			if _, ok := found[id]; !ok {
				absent = append(absent, id)
			}
		}
		sort.Strings(absent)
		for _, id := range absent {
			p.Warnings = append(p.Warnings, output.WarningRecord{
				Code:    output.WarnSkippedInput,
				Message: fmt.Sprintf("job %s has no program under %s", id, m.Programs.Dir),
			})
		}
	}
	return selected, nil
}

// means loads per-group mean cost from the history database, else from
// earlier merged result files.
func (o *Orchestrator) means(ctx context.Context) (map[string]float64, string, error) {
	if o.cfg.History != nil {
		means, err := history.GroupMeans(ctx, o.cfg.History)
		if err != nil {
			return nil, "", err
		}
		return means, CostFromHistory, nil
	}
	if files := o.cfg.Manifest.History.MergedFiles; len(files) > 0 {
		results, err := resultstore.MergeAll(files...)
		if err != nil {
			return nil, "", fmt.Errorf("load cost history: %w", err)
		}
		return history.FromResults(results), CostFromResults, nil
	}
	return nil, "", nil
}

// Records renders the plan as per-slot event payloads.
func (p *Plan) Records(device func(int) string) []output.PlanRecord {
	out := make([]output.PlanRecord, len(p.Assignment.Slots))
	for i, s := range p.Assignment.Slots {
		queue := p.Realization.Slots[i]
		rec := output.PlanRecord{
			Slot:   s.Slot,
			Total:  s.Total,
			Jobs:   len(queue),
			JobIDs: make([]string, 0, len(queue)),
			Shares: make([]output.PlanShare, 0, len(s.Shares)),
		}
		if device != nil {
			rec.Device = device(i)
		}
		for _, j := range queue {
			rec.JobIDs = append(rec.JobIDs, j.ID)
		}
		for _, sh := range s.Shares {
			rec.Shares = append(rec.Shares, output.PlanShare{Group: sh.Group, Jobs: sh.Count, Cost: sh.Cost})
		}
		out[i] = rec
	}
	return out
}
