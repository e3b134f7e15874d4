package automator

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/markconroy/markie-sub000/internal/model"
)

// RunLog records rule runs.
type RunLog interface {
	CreateRun(ctx context.Context, run model.Run) (*model.Run, error)
	CompleteRun(ctx context.Context, id string, status model.RunStatus, result *model.RunResult) error
}

// Outcome summarizes one rule run.
type Outcome struct {
	RuleID string
	Field  string
	Status model.RunStatus
	Result model.RunResult
	Err    error
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunLog records every rule run.
func WithRunLog(l RunLog) RunnerOption {
	return func(r *Runner) { r.runs = l }
}

// Runner drives strategies: generate, verify each candidate, store the
// accepted ones.
type Runner struct {
	registry *Registry
	runs     RunLog
	now      func() time.Time
}

// NewRunner creates a Runner over a strategy registry.
func NewRunner(reg *Registry, opts ...RunnerOption) *Runner {
	r := &Runner{registry: reg, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ProcessOptions narrows a Process call.
type ProcessOptions struct {
	// Field limits processing to the rules targeting one attribute.
	Field string
	// Force skips the should-run gating.
	Force bool
}

// Process runs every applicable rule on rec in weight order. A failing rule
// does not stop the others; values committed by earlier rules remain. The
// returned error joins the per-rule failures.
func (r *Runner) Process(ctx context.Context, rec *model.Record, rules []model.Rule, opts ProcessOptions) ([]Outcome, error) {
	ordered := make([]model.Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Weight < ordered[j].Weight })

	var outcomes []Outcome
	var errs []error
	for _, rule := range ordered {
		if opts.Field != "" && rule.FieldName != opts.Field {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		var out Outcome
		if !opts.Force && !r.shouldRun(rec, rule) {
			out = Outcome{RuleID: rule.ID, Field: rule.FieldName, Status: model.RunStatusSkipped}
			r.log(ctx, rec, rule, out)
		} else {
			out = r.RunRule(ctx, rec, rule)
		}
		if out.Err != nil {
			errs = append(errs, eris.Wrapf(out.Err, "rule %s (%s)", rule.ID, rule.FieldName))
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, errors.Join(errs...)
}

// shouldRun decides whether a rule needs to generate. Only an empty target
// is generated; a populated one is left alone in both modes, edit mode
// included. ProcessOptions.Force is the way to regenerate it.
func (r *Runner) shouldRun(rec *model.Record, rule model.Rule) bool {
	s, ok := r.registry.New(rule.Type)
	if !ok {
		// RunRule reports the unknown strategy.
		return true
	}
	if c, ok := s.(io.Closer); ok {
		defer c.Close()
	}
	populated := !model.IsEmpty(s.CheckIfEmpty(rec.Get(rule.FieldName), rule))
	if !populated {
		return true
	}
	if !rule.TokenMode() && rec.Changed(rule.BaseField) {
		zap.L().Debug("automator: base changed but target is populated",
			zap.String("rule", rule.ID),
			zap.String("field", rule.FieldName),
			zap.Bool("edit_mode", rule.EditMode),
		)
	}
	return false
}

// RunRule runs one rule on rec. Candidates failing verification are dropped;
// when every candidate is rejected nothing is stored and no error is
// reported.
func (r *Runner) RunRule(ctx context.Context, rec *model.Record, rule model.Rule) Outcome {
	start := r.now()
	out := Outcome{RuleID: rule.ID, Field: rule.FieldName}
	log := zap.L().With(
		zap.String("rule", rule.ID),
		zap.String("strategy", rule.Type),
		zap.String("field", rule.FieldName),
		zap.String("record", rec.ID),
	)

	runID := r.begin(ctx, rec, rule)
	finish := func(status model.RunStatus, err error) Outcome {
		out.Status = status
		out.Err = err
		out.Result.Duration = r.now().Sub(start).Milliseconds()
		if err != nil {
			out.Result.Error = err.Error()
			log.Error("automator: rule failed", zap.Error(err))
		}
		r.complete(ctx, runID, out)
		return out
	}

	s, ok := r.registry.New(rule.Type)
	if !ok {
		return finish(model.RunStatusFailed, NewRequestError("unknown strategy %q", rule.Type))
	}
	if c, ok := s.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				log.Warn("automator: release strategy", zap.Error(err))
			}
		}()
	}

	field := rec.Definition(rule.FieldName)
	if !s.RuleIsAllowed(rec, field) {
		log.Debug("automator: rule not allowed for record")
		return finish(model.RunStatusSkipped, nil)
	}

	candidates, err := s.Generate(ctx, rec, field, rule)
	if err != nil {
		return finish(model.RunStatusFailed, err)
	}
	out.Result.Candidates = len(candidates)

	accepted := make([]any, 0, len(candidates))
	for i, v := range candidates {
		if s.Verify(ctx, rec, v, field, rule) {
			accepted = append(accepted, v)
			continue
		}
		out.Result.Rejected++
		log.Debug("automator: candidate rejected", zap.Int("index", i), zap.Any("value", v))
	}
	out.Result.Accepted = len(accepted)

	if len(accepted) == 0 {
		log.Info("automator: no accepted values", zap.Int("candidates", len(candidates)))
		return finish(model.RunStatusComplete, nil)
	}
	if err := s.Store(ctx, rec, accepted, field, rule); err != nil {
		return finish(model.RunStatusFailed, err)
	}
	out.Result.Stored = true
	log.Info("automator: values stored", zap.Int("accepted", len(accepted)), zap.Int("rejected", out.Result.Rejected))
	return finish(model.RunStatusComplete, nil)
}

func (r *Runner) begin(ctx context.Context, rec *model.Record, rule model.Rule) string {
	if r.runs == nil {
		return ""
	}
	run, err := r.runs.CreateRun(ctx, model.Run{
		RecordType: rec.EntityType,
		RecordID:   rec.ID,
		RuleID:     rule.ID,
		FieldName:  rule.FieldName,
		Status:     model.RunStatusRunning,
	})
	if err != nil {
		zap.L().Warn("automator: create run log entry", zap.Error(err))
		return ""
	}
	return run.ID
}

func (r *Runner) complete(ctx context.Context, id string, out Outcome) {
	if r.runs == nil || id == "" {
		return
	}
	res := out.Result
	if err := r.runs.CompleteRun(ctx, id, out.Status, &res); err != nil {
		zap.L().Warn("automator: complete run log entry", zap.String("run_id", id), zap.Error(err))
	}
}

// log records a rule that never started.
func (r *Runner) log(ctx context.Context, rec *model.Record, rule model.Rule, out Outcome) {
	id := r.begin(ctx, rec, rule)
	r.complete(ctx, id, out)
}
