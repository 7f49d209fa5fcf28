package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/comfyvn/studio/internal/apperr"
	"github.com/comfyvn/studio/internal/budget"
	"github.com/comfyvn/studio/internal/flags"
	"github.com/comfyvn/studio/internal/hooks"
	"github.com/comfyvn/studio/internal/policy"
	"github.com/comfyvn/studio/internal/providers"
	"github.com/comfyvn/studio/internal/store"
)

// DefaultMaxAttempts is the retry ceiling for failed jobs.
const DefaultMaxAttempts = 3

// DefaultCancelTimeout bounds a cooperative cancel before the scheduler
// forces a terminal transition (§5).
const DefaultCancelTimeout = 30 * time.Second

// stickyGrace is how long a device stays "preferred" for its sticky keys
// after its last scheduler interaction; beyond it, any worker may take the
// job (§4.6's "else fall back to cost policy").
const stickyGrace = 30 * time.Second

// Config carries the scheduler's knobs.
type Config struct {
	MaxAttempts         int
	ConcurrentLocalMax  int
	ConcurrentRemoteMax int
	CancelTimeout       time.Duration
}

// Scheduler is the C6 control plane. All mutable state below the cmds
// channel is owned by the run loop; public methods are messages with
// completion replies (§5).
type Scheduler struct {
	cfg       Config
	st        *store.Store
	bus       *hooks.Bus
	budget    *budget.Manager
	enforcer  *policy.Enforcer
	acks      *policy.Acks
	flagStore *flags.Store
	providers *providers.Registry
	log       *slog.Logger

	cmds    chan func()
	promoCh chan []string
	quit    chan struct{}

	// Owned by the run loop.
	jobs         map[string]*Job
	queues       map[Target]*jobQueue
	slots        map[Target]int
	sticky       map[string]string
	lastActive   map[string]time.Time
	cancelTimers map[string]*time.Timer
	submitSeq    uint64

	avg *rollingAverage
}

// New constructs a Scheduler and starts its mutator loop. Call Load before
// serving traffic, and Stop on shutdown.
func New(cfg Config, st *store.Store, bus *hooks.Bus, bm *budget.Manager, enf *policy.Enforcer, acks *policy.Acks, fl *flags.Store, prov *providers.Registry, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = DefaultCancelTimeout
	}
	s := &Scheduler{
		cfg:          cfg,
		st:           st,
		bus:          bus,
		budget:       bm,
		enforcer:     enf,
		acks:         acks,
		flagStore:    fl,
		providers:    prov,
		log:          log,
		cmds:         make(chan func()),
		promoCh:      make(chan []string, 16),
		quit:         make(chan struct{}),
		jobs:         make(map[string]*Job),
		queues:       map[Target]*jobQueue{TargetLocal: {}, TargetRemote: {}},
		slots:        make(map[Target]int),
		sticky:       make(map[string]string),
		lastActive:   make(map[string]time.Time),
		cancelTimers: make(map[string]*time.Timer),
		avg:          newRollingAverage(),
	}
	if bm != nil {
		bm.SetPromoteHandler(func(ids []string) {
			// The promotion may originate inside a loop command (Release ->
			// Refresh); hand off on a goroutine so the loop never blocks on
			// itself.
			go func() {
				select {
				case s.promoCh <- ids:
				case <-s.quit:
				}
			}()
		})
	}
	go s.run()
	return s
}

func (s *Scheduler) run() {
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case ids := <-s.promoCh:
			s.promote(ids)
		case <-s.quit:
			return
		}
	}
}

// do runs fn on the mutator loop and waits for it.
func (s *Scheduler) do(fn func()) {
	done := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(done) }:
		<-done
	case <-s.quit:
	}
}

// Stop halts the mutator loop.
func (s *Scheduler) Stop() {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
}

func (s *Scheduler) capFor(t Target) int {
	if t == TargetRemote {
		return s.cfg.ConcurrentRemoteMax
	}
	return s.cfg.ConcurrentLocalMax
}

// persist writes the job row durably. Every transition persists before its
// hook envelope is published (§5).
func (s *Scheduler) persist(ctx context.Context, j *Job) error {
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", j.ID, err)
	}
	return s.st.UpsertJob(ctx, store.JobRow{
		ID: j.ID, Kind: j.Kind, Target: string(j.Target), State: string(j.State),
		Priority: j.Priority, SubmittedAt: j.SubmittedAt, StickyKey: j.StickyKey,
		Attempts: j.Attempts, Payload: payload, UpdatedAt: time.Now().UTC(),
	})
}

// transition moves j to state, persists, then publishes on_job_state_changed.
func (s *Scheduler) transition(ctx context.Context, j *Job, to State, note, worker string) error {
	from := j.State
	j.State = to
	j.Trace = append(j.Trace, TraceEntry{At: time.Now().UTC(), State: to, Note: note, WorkerID: worker})
	if err := s.persist(ctx, j); err != nil {
		// Roll the in-memory record back so memory and disk agree.
		j.State = from
		j.Trace = j.Trace[:len(j.Trace)-1]
		return err
	}
	payload := map[string]any{"id": j.ID, "from": string(from), "to": string(to)}
	if worker != "" {
		payload["worker"] = worker
	}
	if s.bus != nil {
		s.bus.Publish(hooks.EventJobStateChanged, payload)
	}
	if to.Terminal() {
		if t, ok := s.cancelTimers[j.ID]; ok {
			t.Stop()
			delete(s.cancelTimers, j.ID)
		}
	}
	return nil
}

func (s *Scheduler) flagOn(name string) bool {
	if s.flagStore == nil {
		return false
	}
	v, _ := s.flagStore.Get(name).(bool)
	return v
}

// resolveTarget maps target=auto through the compute advisor (§4.6).
func (s *Scheduler) resolveTarget(in SubmitInput) Target {
	if in.Target == TargetLocal || in.Target == TargetRemote {
		return in.Target
	}
	a := s.Advise(in.Kind, in.CostHint)
	if a.Target == "remote" {
		return TargetRemote
	}
	return TargetLocal
}

// Advise runs the compute advisor over the current provider and flag
// snapshot (POST /api/compute/advise).
func (s *Scheduler) Advise(kind string, hint CostHint) Advice {
	var remotes []providers.Provider
	if s.providers != nil {
		remotes = s.providers.WithCapability(providers.KindRemote, kind)
	}
	return advise(kind, hint, remotes, s.flagOn("enable_compute"), s.flagOn("enable_remote_providers"))
}

// PreviewCost estimates a prospective job's cost against the first healthy
// remote provider in ID order (or zero cost metadata when there is none).
func (s *Scheduler) PreviewCost(kind string, hint CostHint) CostEstimate {
	var cost providers.Cost
	if s.providers != nil {
		for _, p := range s.providers.List() {
			if p.Kind == providers.KindRemote && p.Status.Healthy {
				cost = p.Cost
				break
			}
		}
	}
	return PreviewCost(kind, hint, cost, s.avg.get(kind))
}

// Submit implements submit (§4.6): advisory gate, budget admission, then
// enqueue with priority preemption.
func (s *Scheduler) Submit(ctx context.Context, in SubmitInput) (*Job, error) {
	if in.Kind == "" {
		return nil, apperr.New(apperr.InvalidInput, "job kind is required")
	}
	switch in.Target {
	case "", TargetAuto, TargetLocal, TargetRemote:
	default:
		return nil, apperr.Newf(apperr.InvalidInput, "unknown target %q", in.Target)
	}

	if err := s.enforce(ctx, in); err != nil {
		return nil, err
	}

	target := s.resolveTarget(in)
	now := time.Now().UTC()
	job := &Job{
		ID:               ulid.Make().String(),
		Kind:             in.Kind,
		Priority:         in.Priority,
		SubmittedAt:      now,
		Deadline:         in.Deadline,
		Target:           target,
		DeviceHint:       in.DeviceHint,
		StickyKey:        in.StickyKey,
		Input:            in.Input,
		CostHint:         in.CostHint,
		Tags:             in.Tags,
		ProvenanceInputs: in.ProvenanceInputs,
		State:            StatePendingAdmission,
		Trace:            []TraceEntry{{At: now, State: StatePendingAdmission}},
	}

	var out *Job
	var opErr error
	s.do(func() {
		s.submitSeq++
		job.SubmittedSeq = s.submitSeq
		if err := s.persist(ctx, job); err != nil {
			opErr = apperr.Newf(apperr.InternalError, "persist job: %v", err)
			return
		}
		s.jobs[job.ID] = job
		opErr = s.admit(ctx, job)
		out = job.clone()
	})
	if opErr != nil {
		return nil, opErr
	}
	return out, nil
}

// enforce consults the advisory enforcer when the policy gate flag is on.
// A surviving block-level finding surfaces as policy_blocked and no job
// record is created (§8 S3).
func (s *Scheduler) enforce(ctx context.Context, in SubmitInput) error {
	if s.enforcer == nil || !s.flagOn("enable_policy_enforcement") {
		return nil
	}
	payload := map[string]any{"kind": in.Kind, "target": string(in.Target), "input": in.Input}
	result, err := s.enforcer.Evaluate(ctx, "schedule.submit", payload)
	if err != nil {
		return apperr.Newf(apperr.InternalError, "policy evaluate: %v", err)
	}
	if result.Allow {
		return nil
	}
	if in.AckToken != "" && result.Gate == policy.GateOverridable && s.acks != nil {
		if ok, _ := s.acks.Valid(ctx, in.AckToken); ok {
			return nil
		}
	}
	if s.bus != nil {
		findings := make([]any, 0, len(result.Findings))
		for _, f := range result.Findings {
			findings = append(findings, f)
		}
		s.bus.Publish(hooks.EventPolicyEnforced, map[string]any{
			"action": "schedule.submit", "allow": false, "findings": findings,
		})
	}
	return apperr.New(apperr.PolicyBlocked, "submission blocked by advisory findings").
		WithDetails(map[string]any{"findings": result.Findings})
}

// admit runs the budget gate and moves the job to queued or delayed.
// Called on the loop.
func (s *Scheduler) admit(ctx context.Context, job *Job) error {
	decision := budget.Decision{Accepted: true}
	if s.budget != nil {
		decision = s.budget.Admit(budget.Request{
			JobID:  job.ID,
			Target: string(job.Target),
			Cost:   budget.CostHint{CPUPct: job.CostHint.CPUPct, VRAMMB: job.CostHint.VRAMMB},
		})
	}
	if !decision.Accepted {
		if job.State != StateDelayed {
			if err := s.transition(ctx, job, StateDelayed, decision.Reason, ""); err != nil {
				return apperr.Newf(apperr.InternalError, "persist transition: %v", err)
			}
		}
		return nil
	}
	return s.enqueue(ctx, job)
}

// enqueue moves an admitted job to queued and applies priority preemption.
// Called on the loop.
func (s *Scheduler) enqueue(ctx context.Context, job *Job) error {
	if job.State != StateQueued {
		if err := s.transition(ctx, job, StateQueued, "", ""); err != nil {
			return apperr.Newf(apperr.InternalError, "persist transition: %v", err)
		}
	}
	s.queues[job.Target].push(queueEntry{id: job.ID, priority: job.Priority, seq: job.SubmittedSeq})
	s.maybePreempt(ctx, job)
	return nil
}

// maybePreempt implements §4.6's priority preemption: when slots are full on
// the new arrival's target, the oldest lowest-priority claimed-but-not-
// running job is requeued. running jobs are never touched.
func (s *Scheduler) maybePreempt(ctx context.Context, arrival *Job) {
	max := s.capFor(arrival.Target)
	if max <= 0 || s.slots[arrival.Target] < max {
		return
	}
	var victim *Job
	for _, cand := range s.jobs {
		if cand.Target != arrival.Target || cand.State != StateClaimed || cand.Priority >= arrival.Priority {
			continue
		}
		if victim == nil ||
			cand.Priority < victim.Priority ||
			(cand.Priority == victim.Priority && cand.SubmittedSeq < victim.SubmittedSeq) {
			victim = cand
		}
	}
	if victim == nil {
		return
	}
	note := "preempted by higher-priority " + arrival.ID
	if err := s.transition(ctx, victim, StateRequeued, note, victim.WorkerID); err != nil {
		s.log.Error("preempt: persist requeued", "id", victim.ID, "error", err)
		return
	}
	victim.WorkerID = ""
	victim.ClaimedAt = nil
	s.slots[victim.Target]--
	if err := s.transition(ctx, victim, StateQueued, "", ""); err != nil {
		s.log.Error("preempt: persist queued", "id", victim.ID, "error", err)
		return
	}
	s.queues[victim.Target].push(queueEntry{id: victim.ID, priority: victim.Priority, seq: victim.SubmittedSeq})
}

// promote moves budget-promoted delayed jobs to queued. Runs on the loop.
func (s *Scheduler) promote(ids []string) {
	ctx := context.Background()
	for _, id := range ids {
		job, ok := s.jobs[id]
		if !ok || job.State != StateDelayed {
			continue
		}
		if err := s.enqueue(ctx, job); err != nil {
			s.log.Error("promote delayed job", "id", id, "error", err)
		}
	}
}

// eligible reports whether worker (offering capabilities) may run job.
// A worker declaring capabilities only claims jobs whose tags it covers;
// a worker with no declared capabilities claims anything on its target.
func eligible(job *Job, capabilities []string) bool {
	if len(capabilities) == 0 || len(job.Tags) == 0 {
		return true
	}
	caps := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		caps[c] = true
	}
	for _, t := range job.Tags {
		if !caps[t] {
			return false
		}
	}
	return true
}

// Claim implements claim(worker, target, capabilities) -> job? (§4.6).
// Returns nil when nothing is claimable (empty queue, no capacity, or
// every queued job is reserved for another sticky device).
func (s *Scheduler) Claim(ctx context.Context, worker string, target Target, capabilities []string) (*Job, error) {
	if worker == "" {
		return nil, apperr.New(apperr.InvalidInput, "worker id is required")
	}
	if target != TargetLocal && target != TargetRemote {
		return nil, apperr.Newf(apperr.InvalidInput, "claim target must be local or remote, got %q", target)
	}

	var out *Job
	var opErr error
	s.do(func() {
		now := time.Now().UTC()
		s.lastActive[worker] = now

		if max := s.capFor(target); max > 0 && s.slots[target] >= max {
			return
		}

		job := s.selectClaim(worker, target, capabilities, now)
		if job == nil {
			return
		}

		s.queues[target].remove(job.ID)
		job.WorkerID = worker
		job.ClaimedAt = &now
		job.Attempts++
		if err := s.transition(ctx, job, StateClaimed, "", worker); err != nil {
			job.WorkerID = ""
			job.ClaimedAt = nil
			job.Attempts--
			s.queues[target].push(queueEntry{id: job.ID, priority: job.Priority, seq: job.SubmittedSeq})
			opErr = apperr.Newf(apperr.InternalError, "persist claim: %v", err)
			return
		}
		s.slots[target]++
		if job.StickyKey != "" {
			s.sticky[job.StickyKey] = worker
		}
		out = job.clone()
	})
	return out, opErr
}

// selectClaim picks the job this worker should take, honoring sticky
// affinity: jobs bound to this worker first, then jobs whose binding is
// free or whose bound device has gone quiet.
func (s *Scheduler) selectClaim(worker string, target Target, capabilities []string, now time.Time) *Job {
	ids := s.queues[target].ids()

	for _, id := range ids {
		j := s.jobs[id]
		if eligible(j, capabilities) && j.StickyKey != "" && s.sticky[j.StickyKey] == worker {
			return j
		}
	}
	for _, id := range ids {
		j := s.jobs[id]
		if !eligible(j, capabilities) {
			continue
		}
		bound := ""
		if j.StickyKey != "" {
			bound = s.sticky[j.StickyKey]
		}
		if bound == "" || bound == worker || now.Sub(s.lastActive[bound]) > stickyGrace {
			return j
		}
	}
	// Everything left is reserved for another sticky device that is still
	// active; reservations expire via stickyGrace, so nothing starves.
	return nil
}

// Start implements start(id, worker): claimed -> running.
func (s *Scheduler) Start(ctx context.Context, id, worker string) error {
	var opErr error
	s.do(func() {
		job, ok := s.jobs[id]
		if !ok {
			opErr = apperr.Newf(apperr.NotFound, "job %q not found", id)
			return
		}
		if job.State != StateClaimed {
			opErr = apperr.Newf(apperr.Conflict, "job %q is %s, not claimed", id, job.State)
			return
		}
		if job.WorkerID != worker {
			opErr = apperr.Newf(apperr.Conflict, "job %q is claimed by %q", id, job.WorkerID)
			return
		}
		now := time.Now().UTC()
		job.StartedAt = &now
		s.lastActive[worker] = now
		if err := s.transition(ctx, job, StateRunning, "", worker); err != nil {
			opErr = apperr.Newf(apperr.InternalError, "persist start: %v", err)
		}
	})
	return opErr
}

// Complete implements complete(id, result). A cancel-pending job clamps to
// cancelled (§4.6).
func (s *Scheduler) Complete(ctx context.Context, id string, result map[string]any) error {
	var opErr error
	s.do(func() {
		job, ok := s.jobs[id]
		if !ok {
			opErr = apperr.Newf(apperr.NotFound, "job %q not found", id)
			return
		}
		if job.State != StateRunning {
			opErr = apperr.Newf(apperr.Conflict, "job %q is %s, not running", id, job.State)
			return
		}
		job.Result = result
		final, note := StateComplete, ""
		if job.CancelPending {
			final, note = StateCancelled, "cancel clamped at completion"
		}
		if err := s.transition(ctx, job, final, note, job.WorkerID); err != nil {
			opErr = apperr.Newf(apperr.InternalError, "persist complete: %v", err)
			return
		}
		if job.StartedAt != nil {
			s.avg.observe(job.Kind, time.Since(*job.StartedAt).Seconds())
		}
		s.releaseTerminal(job)
	})
	return opErr
}

// Fail implements fail(id, error): retry up to MaxAttempts with requeue,
// then terminal failed (§4.6, §7).
func (s *Scheduler) Fail(ctx context.Context, id, errMsg string) error {
	var opErr error
	s.do(func() {
		job, ok := s.jobs[id]
		if !ok {
			opErr = apperr.Newf(apperr.NotFound, "job %q not found", id)
			return
		}
		if job.State != StateRunning && job.State != StateClaimed {
			opErr = apperr.Newf(apperr.Conflict, "job %q is %s, not claimed/running", id, job.State)
			return
		}
		job.LastError = errMsg
		worker := job.WorkerID

		if job.CancelPending {
			if err := s.transition(ctx, job, StateCancelled, "cancel clamped at failure", worker); err != nil {
				opErr = apperr.Newf(apperr.InternalError, "persist cancel: %v", err)
				return
			}
			s.releaseTerminal(job)
			return
		}

		if err := s.transition(ctx, job, StateFailed, errMsg, worker); err != nil {
			opErr = apperr.Newf(apperr.InternalError, "persist fail: %v", err)
			return
		}
		s.slots[job.Target]--
		job.WorkerID = ""
		job.ClaimedAt = nil
		job.StartedAt = nil

		if job.Attempts >= s.cfg.MaxAttempts {
			// Terminal: no retry budget left.
			if s.budget != nil {
				s.budget.Release(job.ID)
			}
			return
		}
		if err := s.transition(ctx, job, StateRequeued, fmt.Sprintf("retry %d/%d", job.Attempts, s.cfg.MaxAttempts), ""); err != nil {
			opErr = apperr.Newf(apperr.InternalError, "persist requeue: %v", err)
			return
		}
		if err := s.transition(ctx, job, StateQueued, "", ""); err != nil {
			opErr = apperr.Newf(apperr.InternalError, "persist queue: %v", err)
			return
		}
		s.queues[job.Target].push(queueEntry{id: job.ID, priority: job.Priority, seq: job.SubmittedSeq})
	})
	return opErr
}

// Requeue implements the explicit requeue(id) operation for claimed or
// running jobs (e.g. an operator pulling work off a wedged device).
func (s *Scheduler) Requeue(ctx context.Context, id string) error {
	var opErr error
	s.do(func() {
		job, ok := s.jobs[id]
		if !ok {
			opErr = apperr.Newf(apperr.NotFound, "job %q not found", id)
			return
		}
		if job.State != StateClaimed && job.State != StateRunning {
			opErr = apperr.Newf(apperr.Conflict, "job %q is %s, not claimed/running", id, job.State)
			return
		}
		if err := s.transition(ctx, job, StateRequeued, "requeued by operator", job.WorkerID); err != nil {
			opErr = apperr.Newf(apperr.InternalError, "persist requeue: %v", err)
			return
		}
		s.slots[job.Target]--
		job.WorkerID = ""
		job.ClaimedAt = nil
		job.StartedAt = nil
		if err := s.transition(ctx, job, StateQueued, "", ""); err != nil {
			opErr = apperr.Newf(apperr.InternalError, "persist queue: %v", err)
			return
		}
		s.queues[job.Target].push(queueEntry{id: job.ID, priority: job.Priority, seq: job.SubmittedSeq})
	})
	return opErr
}

// Cancel implements cancel(id). Unclaimed states cancel immediately; a
// claimed/running job gets a cooperative cancel flag and a timer that
// forces cancelled_timeout if the worker never reports back (§4.6, §5).
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	var opErr error
	s.do(func() {
		job, ok := s.jobs[id]
		if !ok {
			opErr = apperr.Newf(apperr.NotFound, "job %q not found", id)
			return
		}
		if job.State.Terminal() {
			opErr = apperr.Newf(apperr.Conflict, "job %q is already %s", id, job.State)
			return
		}

		switch job.State {
		case StatePendingAdmission, StateDelayed, StateQueued, StateRequeued:
			s.queues[job.Target].remove(job.ID)
			if err := s.transition(ctx, job, StateCancelled, "", ""); err != nil {
				opErr = apperr.Newf(apperr.InternalError, "persist cancel: %v", err)
				return
			}
			if s.budget != nil {
				s.budget.Release(job.ID)
			}
		case StateClaimed, StateRunning:
			job.CancelPending = true
			job.Trace = append(job.Trace, TraceEntry{At: time.Now().UTC(), State: job.State, Note: "cancel_requested", WorkerID: job.WorkerID})
			if err := s.persist(ctx, job); err != nil {
				opErr = apperr.Newf(apperr.InternalError, "persist cancel request: %v", err)
				return
			}
			s.cancelTimers[job.ID] = time.AfterFunc(s.cfg.CancelTimeout, func() {
				s.forceCancel(job.ID)
			})
		}
	})
	return opErr
}

// forceCancel escalates a cooperative cancel that overran its deadline.
func (s *Scheduler) forceCancel(id string) {
	ctx := context.Background()
	s.do(func() {
		job, ok := s.jobs[id]
		if !ok || job.State.Terminal() {
			return
		}
		if err := s.transition(ctx, job, StateCancelled, "cancelled_timeout", job.WorkerID); err != nil {
			s.log.Error("force cancel", "id", id, "error", err)
			return
		}
		if job.WorkerID != "" {
			s.slots[job.Target]--
		}
		s.releaseBudgetOnly(job)
	})
}

// CancelRequested reports whether a cooperative cancel is pending for id;
// workers poll it between steps.
func (s *Scheduler) CancelRequested(id string) bool {
	var pending bool
	s.do(func() {
		if job, ok := s.jobs[id]; ok {
			pending = job.CancelPending
		}
	})
	return pending
}

// releaseTerminal frees the slot and budget reservation for a job that hit
// a terminal state while holding a claim. Called on the loop.
func (s *Scheduler) releaseTerminal(job *Job) {
	if job.WorkerID != "" || job.ClaimedAt != nil {
		s.slots[job.Target]--
	}
	s.releaseBudgetOnly(job)
}

func (s *Scheduler) releaseBudgetOnly(job *Job) {
	if s.budget != nil {
		s.budget.Release(job.ID)
	}
}

// StateOf implements state(id): a point-in-time copy of the job record.
func (s *Scheduler) StateOf(id string) (*Job, error) {
	var out *Job
	s.do(func() {
		if job, ok := s.jobs[id]; ok {
			out = job.clone()
		}
	})
	if out == nil {
		return nil, apperr.Newf(apperr.NotFound, "job %q not found", id)
	}
	return out, nil
}

// Board implements board(target?): every job (or one target's) in queue
// order, for Gantt-style UIs.
type Board struct {
	Targets map[string][]*Job `json:"targets"`
}

// BoardSnapshot returns the board. Pass "" for all targets.
func (s *Scheduler) BoardSnapshot(target Target) Board {
	b := Board{Targets: make(map[string][]*Job)}
	s.do(func() {
		for _, job := range s.jobs {
			if target != "" && job.Target != target {
				continue
			}
			b.Targets[string(job.Target)] = append(b.Targets[string(job.Target)], job.clone())
		}
	})
	for _, jobs := range b.Targets {
		sortJobs(jobs)
	}
	return b
}

func sortJobs(jobs []*Job) {
	// Board ordering mirrors queue ordering so the UI agrees with claims.
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0; j-- {
			a, b := jobs[j-1], jobs[j]
			if a.Priority > b.Priority || (a.Priority == b.Priority && a.SubmittedSeq <= b.SubmittedSeq) {
				break
			}
			jobs[j-1], jobs[j] = b, a
		}
	}
}

// Health reports queue depths, state counts, and slot usage (§4.6 health()).
type Health struct {
	Status string         `json:"status"`
	Queues map[string]int `json:"queues"`
	States map[string]int `json:"states"`
	Slots  map[string]int `json:"slots"`
}

// HealthSnapshot returns the scheduler's health view.
func (s *Scheduler) HealthSnapshot() Health {
	h := Health{Status: "ok", Queues: make(map[string]int), States: make(map[string]int), Slots: make(map[string]int)}
	s.do(func() {
		for t, q := range s.queues {
			h.Queues[string(t)] = q.len()
		}
		for _, job := range s.jobs {
			h.States[string(job.State)]++
		}
		for t, n := range s.slots {
			h.Slots[string(t)] = n
		}
	})
	return h
}

// Load rehydrates the scheduler from the durable store after a restart.
// Claimed/running jobs lost their worker in the crash and re-enter the
// queue; delayed and pending jobs re-run budget admission.
func (s *Scheduler) Load(ctx context.Context) error {
	rows, err := s.st.ListJobs(ctx, "")
	if err != nil {
		return fmt.Errorf("scheduler load: %w", err)
	}
	var loadErr error
	s.do(func() {
		for _, row := range rows {
			var job Job
			if err := json.Unmarshal(row.Payload, &job); err != nil {
				s.log.Warn("skipping unreadable job row", "id", row.ID, "error", err)
				continue
			}
			s.jobs[job.ID] = &job
			if job.SubmittedSeq > s.submitSeq {
				s.submitSeq = job.SubmittedSeq
			}
			if job.State.Terminal() {
				continue
			}

			switch job.State {
			case StateClaimed, StateRunning:
				if err := s.transition(ctx, &job, StateRequeued, "recovered after restart", ""); err != nil {
					loadErr = err
					return
				}
				job.WorkerID = ""
				job.ClaimedAt = nil
				job.StartedAt = nil
			}
			if err := s.admit(ctx, &job); err != nil {
				loadErr = fmt.Errorf("re-admit job %s: %w", job.ID, err)
				return
			}
		}
	})
	return loadErr
}
