package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/internal/logfields"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/logging"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/metrics"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/model"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/svcmgr"
	"github.com/pkg/errors"
)

// ErrStale is returned for a DesiredState that is not newer than one the
// engine already began.
var ErrStale = errors.New("desired state is not newer than the last begun version")

// Store is the engine's view of the State Store.
type Store interface {
	Load() (map[string]model.AppliedRecord, error)
	Save(model.AppliedRecord) error
	Delete(name string) error
	SaveDesired(*model.DesiredState) error
	LastVersion() uint64
}

// Engine diffs DesiredStates against the applied records and drives the
// service manager to close the difference. Passes are serialized.
type Engine struct {
	log     logging.Logger
	store   Store
	manager svcmgr.Manager
	metrics metrics.Recorder
	now     func() time.Time

	mu    sync.Mutex
	begun uint64
	// beganMu guards begun for readers outside of a pass.
	beganMu sync.RWMutex
}

type Option func(*Engine)

func WithRecorder(r metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = r
	}
}

func WithLogger(log logging.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// New creates an Engine whose version guard starts at the store's last begun
// version.
func New(st Store, mgr svcmgr.Manager, opts ...Option) *Engine {
	e := &Engine{
		log:     logging.New("engine"),
		store:   st,
		manager: mgr,
		metrics: metrics.NoopRecorder{},
		now:     func() time.Time { return time.Now().UTC() },
		begun:   st.LastVersion(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LastBegun is the highest version the engine began processing, including
// versions rejected as malformed.
func (e *Engine) LastBegun() uint64 {
	e.beganMu.RLock()
	defer e.beganMu.RUnlock()
	return e.begun
}

func (e *Engine) markBegun(version uint64) {
	e.beganMu.Lock()
	defer e.beganMu.Unlock()
	if version > e.begun {
		e.begun = version
	}
}

// Reconcile drives the host towards ds. Unless forced, a version at or below
// the last begun one returns ErrStale without touching anything. A forced pass
// also re-applies unchanged units whose runtime status drifted from their
// target.
//
// Cancelling ctx stops the pass at the next unit boundary, a call to the
// service manager that is under way is allowed to finish. The report is
// returned for every pass that began, along with any ConfigError or store
// failure that ended it.
func (e *Engine) Reconcile(ctx context.Context, ds *model.DesiredState, force bool) (*model.StatusReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	log := e.log.WithFields(logfields.Desired(ds)).WithField("forced", force)
	if !force && ds.Version <= e.LastBegun() {
		log.WithField("begun", e.LastBegun()).Debug("ignoring stale desired state")
		return nil, errors.Wrapf(ErrStale, "version %d", ds.Version)
	}

	start := e.now()
	report := model.NewReport(ds.Version, force, start)
	p := &pass{
		Engine:    e,
		ctx:       ctx,
		ds:        ds,
		force:     force,
		report:    report,
		log:       log,
		succeeded: make(map[string]bool, len(ds.Units)),
	}
	result, err := p.run()

	report.FinishedAt = e.now()
	e.metrics.ObservePassDuration(result, report.FinishedAt.Sub(start))
	for _, res := range report.Units {
		e.metrics.IncUnitOutcome(res.Action, res.Outcome)
	}
	log = log.WithFields(logfields.Report(report)).WithField("result", result)
	if err != nil {
		log.WithError(err).Error("reconciliation pass ended early")
	} else {
		log.Info("reconciliation pass finished")
	}
	return report, err
}

// pass holds the state of a single reconciliation.
type pass struct {
	*Engine

	ctx       context.Context
	ds        *model.DesiredState
	force     bool
	report    *model.StatusReport
	log       logging.Logger
	succeeded map[string]bool
}

func (p *pass) run() (metrics.PassResult, error) {
	order, err := plan(p.ds)
	if err != nil {
		// Never retried, the coordinator has to send a new version.
		p.markBegun(p.ds.Version)
		p.report.ConfigError = err.Error()
		return metrics.PassRejected, err
	}
	if logging.Debuggable {
		p.log.WithField("order", fmt.Sprint(unitNames(order))).Debug("planned pass")
	}

	if err := p.store.SaveDesired(p.ds); err != nil {
		return metrics.PassAborted, errors.WithMessage(err, "unable to record desired state")
	}
	p.markBegun(p.ds.Version)
	p.metrics.SetLastVersion(p.ds.Version)

	records, err := p.store.Load()
	if err != nil {
		return metrics.PassAborted, errors.WithMessage(err, "unable to load applied records")
	}

	for i := range order {
		if p.ctx.Err() != nil {
			p.supersede(order[i:], removals(records, p.ds))
			return metrics.PassSuperseded, nil
		}
		if err := p.unit(order[i], records); err != nil {
			return metrics.PassAborted, err
		}
	}

	stale := removals(records, p.ds)
	for i, name := range stale {
		if p.ctx.Err() != nil {
			p.supersede(nil, stale[i:])
			return metrics.PassSuperseded, nil
		}
		if err := p.remove(records[name]); err != nil {
			return metrics.PassAborted, err
		}
	}

	if p.report.Count(model.OutcomeFailed) > 0 || len(p.succeeded) < len(order) {
		return metrics.PassPartial, nil
	}
	return metrics.PassComplete, nil
}

// unit realizes a single unit. Only store failures are returned.
func (p *pass) unit(spec model.UnitSpec, records map[string]model.AppliedRecord) error {
	log := p.log.WithFields(logfields.Unit(&spec))

	for _, dep := range spec.Requires {
		if !p.succeeded[dep] {
			log.WithField("requires", dep).Info("skipping unit with unsatisfied dependency")
			p.add(model.UnitResult{
				Name:    spec.Name,
				Action:  model.ActionNone,
				Outcome: model.OutcomeSkipped,
				Reason:  fmt.Sprintf("dependency %s not satisfied", dep),
			})
			return nil
		}
	}

	reason := ""
	if rec, ok := records[spec.Name]; ok && rec.Matches(&spec) {
		if rec.Rejected {
			log.WithField("error", rec.Error).Debug("unit was rejected as given, waiting for a change")
			p.add(model.UnitResult{
				Name:      spec.Name,
				Action:    model.ActionNone,
				Outcome:   model.OutcomeSkipped,
				Reason:    model.ReasonRejected,
				Status:    rec.Status,
				Error:     rec.Error,
				ErrorKind: string(svcmgr.Invalid),
			})
			return nil
		}
		drifted, status := p.drifted(spec, log)
		if status == "" {
			status = rec.Status
		}
		if !drifted {
			p.succeeded[spec.Name] = true
			p.add(model.UnitResult{
				Name:    spec.Name,
				Action:  model.ActionNone,
				Outcome: model.OutcomeSkipped,
				Reason:  model.ReasonUnchanged,
				Status:  status,
			})
			return nil
		}
		log.WithField("status", status).Warn("unit drifted from its target")
		reason = model.ReasonDrift
	}

	changed := false
	if rec, ok := records[spec.Name]; ok {
		changed = rec.Hash != spec.ContentHash()
	}
	log.WithField("changed", changed).Debug("applying unit")
	status, err := p.manager.Apply(context.WithoutCancel(p.ctx), spec, changed)
	rec := model.AppliedRecord{
		Name:      spec.Name,
		Hash:      spec.ContentHash(),
		Target:    spec.Target,
		Status:    status,
		Version:   p.ds.Version,
		UpdatedAt: p.now(),
	}
	res := model.UnitResult{
		Name:    spec.Name,
		Action:  model.ActionApply,
		Outcome: model.OutcomeApplied,
		Reason:  reason,
		Status:  status,
	}
	if err != nil {
		log.WithError(err).Error("unable to apply unit")
		rec.Failed = svcmgr.Retryable(err)
		rec.Rejected = !rec.Failed
		rec.Error = err.Error()
		res.Outcome = model.OutcomeFailed
		res.Error = err.Error()
		res.ErrorKind = string(svcmgr.KindOf(err))
	} else {
		p.succeeded[spec.Name] = true
	}
	if serr := p.store.Save(rec); serr != nil {
		return errors.WithMessagef(serr, "unable to record outcome of %s", spec.Name)
	}
	p.add(res)
	return nil
}

// drifted queries an unchanged unit on forced passes. Steady state passes
// trust the record.
func (p *pass) drifted(spec model.UnitSpec, log logging.Logger) (bool, model.RuntimeStatus) {
	if !p.force {
		return false, ""
	}
	status, err := p.manager.Query(context.WithoutCancel(p.ctx), spec.Name)
	if err != nil {
		log.WithError(err).Warn("unable to query unit, trusting record")
		return false, model.StatusUnknown
	}
	return !model.Satisfies(status, spec.Target), status
}

// remove drives a unit no longer wanted to absent and forgets it.
func (p *pass) remove(rec model.AppliedRecord) error {
	log := p.log.WithField("unit", rec.Name)
	log.Info("removing unit no longer desired")

	spec := model.UnitSpec{Name: rec.Name, Target: model.TargetAbsent}
	status, err := p.manager.Apply(context.WithoutCancel(p.ctx), spec, false)
	res := model.UnitResult{
		Name:    rec.Name,
		Action:  model.ActionRemove,
		Outcome: model.OutcomeApplied,
		Reason:  model.ReasonRemoved,
		Status:  status,
	}
	if err != nil {
		log.WithError(err).Error("unable to remove unit")
		res.Outcome = model.OutcomeFailed
		res.Error = err.Error()
		res.ErrorKind = string(svcmgr.KindOf(err))
		rec.Failed = true
		rec.Error = err.Error()
		rec.Status = status
		rec.Version = p.ds.Version
		rec.UpdatedAt = p.now()
		if serr := p.store.Save(rec); serr != nil {
			return errors.WithMessagef(serr, "unable to record outcome of %s", rec.Name)
		}
	} else if derr := p.store.Delete(rec.Name); derr != nil {
		return errors.WithMessagef(derr, "unable to forget %s", rec.Name)
	}
	p.add(res)
	return nil
}

func (p *pass) supersede(units []model.UnitSpec, stale []string) {
	p.log.WithField("remaining", len(units)+len(stale)).Info("pass superseded, skipping remaining units")
	p.report.Superseded = true
	for _, u := range units {
		p.add(model.UnitResult{Name: u.Name, Action: model.ActionNone, Outcome: model.OutcomeSkipped, Reason: model.ReasonSuperseded})
	}
	for _, name := range stale {
		p.add(model.UnitResult{Name: name, Action: model.ActionNone, Outcome: model.OutcomeSkipped, Reason: model.ReasonSuperseded})
	}
}

func (p *pass) add(res model.UnitResult) {
	p.report.Units = append(p.report.Units, res)
}

// removals lists recorded units missing from ds, by name.
func removals(records map[string]model.AppliedRecord, ds *model.DesiredState) []string {
	var names []string
	for name := range records {
		if _, ok := ds.Unit(name); !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func unitNames(specs []model.UnitSpec) []string {
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	return names
}
