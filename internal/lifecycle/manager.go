package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentorch/orchestrator/internal/common/config"
	"github.com/agentorch/orchestrator/internal/common/logger"
	"github.com/agentorch/orchestrator/internal/common/tracing"
	"github.com/agentorch/orchestrator/internal/events"
	"github.com/agentorch/orchestrator/internal/events/bus"
	"github.com/agentorch/orchestrator/internal/outcome"
	"github.com/agentorch/orchestrator/internal/plugin"
	"github.com/agentorch/orchestrator/internal/session"
)

const (
	defaultTickInterval    = 15 * time.Second
	defaultPollConcurrency = 8
)

// Manager runs the poll loop: it observes every session each tick,
// advances the status machine by at most one transition per session,
// and hands detected events to the reaction engine.
type Manager struct {
	cfg      *config.Config
	sessions *session.Manager
	resolver *plugin.Resolver
	engine   *Engine
	verifier *Verifier
	bus      bus.EventBus
	logger   *logger.Logger
	now      func() time.Time

	mu        sync.Mutex
	recorders map[string]*outcome.Recorder
	// allComplete remembers which projects already fired all-complete,
	// reset whenever a non-terminal session reappears.
	allComplete map[string]bool
}

// NewManager wires the poll loop over the session manager.
func NewManager(cfg *config.Config, sessions *session.Manager, resolver *plugin.Resolver, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		sessions:    sessions,
		resolver:    resolver,
		engine:      NewEngine(cfg, sessions, resolver, log),
		verifier:    NewVerifier(cfg, sessions, log),
		bus:         eventBus,
		logger:      log,
		now:         time.Now,
		recorders:   make(map[string]*outcome.Recorder),
		allComplete: make(map[string]bool),
	}
}

// Run polls until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.cfg.Lifecycle.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("lifecycle loop started", zap.Duration("tick_interval", interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("lifecycle loop stopped")
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick checks every known session once, bounded by pollConcurrency.
// Per-session failures are logged and never abort the tick.
func (m *Manager) Tick(ctx context.Context) {
	ctx, span := tracing.Tracer("lifecycle").Start(ctx, "lifecycle.tick")
	defer span.End()

	sessions, err := m.sessions.List(ctx, "")
	if err != nil {
		m.logger.Warn("session listing failed", zap.Error(err))
		return
	}
	span.SetAttributes(attribute.Int("sessions", len(sessions)))

	concurrency := m.cfg.Lifecycle.PollConcurrency
	if concurrency <= 0 {
		concurrency = defaultPollConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, s := range sessions {
		id := s.ID
		g.Go(func() error {
			if cerr := m.Check(gctx, id); cerr != nil {
				m.logger.Warn("session check failed",
					zap.String("session_id", id), zap.Error(cerr))
			}
			return nil
		})
	}
	_ = g.Wait()

	m.checkAllComplete(ctx, sessions)
}

// Check runs one observation pass over a session and applies at most
// one status transition. It is idempotent: a second call with the same
// world state does nothing.
func (m *Manager) Check(ctx context.Context, sessionID string) error {
	ctx, span := tracing.Tracer("lifecycle").Start(ctx, "lifecycle.check",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	status := Status(sess.Status)
	span.SetAttributes(attribute.String("session.status", string(status)))

	if hardTerminal[status] || sess.Role == "verifier" {
		// Verifier sessions are observed through their worker's gate.
		return nil
	}

	obs := Observation{
		Session:  sess,
		Status:   status,
		Alive:    sess.Alive,
		Activity: sess.Activity,
		Now:      m.now(),
	}
	m.observePR(ctx, sess, &obs)

	if to := m.verifier.Check(ctx, obs); to != nil {
		return m.apply(ctx, sess, status, *to)
	}

	stuckThreshold, idleThreshold := m.thresholds(sess.ProjectID)
	decision := decide(obs, stuckThreshold, idleThreshold)

	if decision.To != nil {
		if err := m.apply(ctx, sess, status, *decision.To); err != nil {
			m.logger.Warn("transition rejected",
				zap.String("session_id", sess.ID),
				zap.String("from", string(status)),
				zap.String("to", string(*decision.To)),
				zap.Error(err))
		}
	}
	if decision.Event != "" {
		merged := m.engine.React(ctx, obs, decision.Event, decision.Detail)
		if merged {
			current := status
			if decision.To != nil {
				current = *decision.To
			}
			if AllowedTransition(current, StatusMerged) {
				return m.apply(ctx, sess, current, StatusMerged)
			}
		}
	}
	return nil
}

// observePR fills the SCM side of the observation. The PR is looked up
// by branch; once detected its URL is stamped into metadata so listings
// show it without another round-trip.
func (m *Manager) observePR(ctx context.Context, sess *session.Session, obs *Observation) {
	if sess.Branch == "" || sess.Role != "" {
		return
	}
	if !prStatuses[obs.Status] && obs.Status != StatusWorking && obs.Status != StatusPRReady {
		return
	}
	scm, err := m.resolver.SCMFor(sess.ProjectID)
	if err != nil {
		return
	}
	project := m.cfg.Projects[sess.ProjectID]
	pr, err := scm.DetectPR(ctx, sess.Branch, project)
	if err != nil || pr == nil {
		return
	}
	obs.PR = pr

	if sess.PR == "" && pr.URL != "" {
		if store, serr := m.sessions.Store(sess.ProjectID); serr == nil {
			if uerr := store.Update(sess.ID, map[string]string{"pr": pr.URL}); uerr != nil {
				m.logger.Warn("pr url not persisted",
					zap.String("session_id", sess.ID), zap.Error(uerr))
			}
		}
	}
	observeSCM(ctx, scm, obs)
}

// thresholds resolves the configured detection thresholds for a project.
func (m *Manager) thresholds(projectID string) (stuck, idleNoPR time.Duration) {
	if rule, ok := m.cfg.ProjectReaction(projectID, "agent-stuck"); ok {
		stuck = rule.Threshold
	}
	if rule, ok := m.cfg.ProjectReaction(projectID, "agent-idle-no-pr"); ok {
		idleNoPR = rule.Threshold
	}
	return stuck, idleNoPR
}

// apply persists a validated transition, records it for outcome
// analytics, and publishes it on the bus.
func (m *Manager) apply(ctx context.Context, sess *session.Session, from, to Status) error {
	if err := Transition(from, to); err != nil {
		return err
	}
	store, err := m.sessions.Store(sess.ProjectID)
	if err != nil {
		return err
	}
	updates := map[string]string{"status": string(to)}
	if to == StatusWorking || to == StatusPROpen {
		// A fresh start clears any in-flight escalation accounting.
		updates["escalationState"] = ""
	}
	if err := store.Update(sess.ID, updates); err != nil {
		return err
	}
	if to == StatusCleanup {
		m.teardown(ctx, sess)
	}

	m.record(sess, from, to)
	m.publish(ctx, sess, from, to)
	m.logger.Info("session status changed",
		zap.String("session_id", sess.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

// teardown releases a merged session's resources. Metadata stays so
// the session remains visible until done; failures are best-effort.
func (m *Manager) teardown(ctx context.Context, sess *session.Session) {
	if sess.RuntimeHandle != nil {
		if runtime, err := m.resolver.RuntimeFor(sess.ProjectID); err == nil {
			if derr := runtime.Destroy(ctx, sess.RuntimeHandle); derr != nil {
				m.logger.Warn("runtime teardown failed",
					zap.String("session_id", sess.ID), zap.Error(derr))
			}
		}
	}
	if sess.Worktree != "" && sess.Role == "" {
		if workspace, err := m.resolver.WorkspaceFor(sess.ProjectID); err == nil {
			if derr := workspace.Destroy(ctx, sess.Worktree); derr != nil {
				m.logger.Warn("workspace teardown failed",
					zap.String("session_id", sess.ID), zap.Error(derr))
			}
		}
	}
}

func (m *Manager) record(sess *session.Session, from, to Status) {
	recorder := m.recorderFor(sess.ProjectID)
	if recorder == nil {
		return
	}
	t := outcome.Transition{
		From:      string(from),
		To:        string(to),
		SessionID: sess.ID,
		IssueID:   sess.Issue,
		ProjectID: sess.ProjectID,
		Timestamp: m.now().UTC(),
	}
	if sess.Record != nil {
		t.PlanID = sess.Record.PlanID
	}
	if err := recorder.Record(t); err != nil {
		m.logger.Warn("outcome transition not recorded",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func (m *Manager) recorderFor(projectID string) *outcome.Recorder {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.recorders[projectID]; ok {
		return r
	}
	paths, err := m.sessions.Paths(projectID)
	if err != nil {
		return nil
	}
	r := outcome.NewRecorder(paths.MetricsFile())
	m.recorders[projectID] = r
	return r
}

func (m *Manager) publish(ctx context.Context, sess *session.Session, from, to Status) {
	if m.bus == nil {
		return
	}
	subject := events.BuildSessionSubject(events.SessionStatusChanged, sess.ID)
	event := bus.NewEvent(events.SessionStatusChanged, "lifecycle", map[string]interface{}{
		"sessionId": sess.ID,
		"projectId": sess.ProjectID,
		"from":      string(from),
		"to":        string(to),
	})
	if err := m.bus.Publish(ctx, subject, event); err != nil {
		m.logger.Warn("status event publish failed",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
}

// checkAllComplete fires the all-complete event once per project when
// every session is terminal, re-arming when new work appears.
func (m *Manager) checkAllComplete(ctx context.Context, sessions []*session.Session) {
	byProject := make(map[string][]*session.Session)
	for _, s := range sessions {
		if s.Role != "" {
			continue
		}
		byProject[s.ProjectID] = append(byProject[s.ProjectID], s)
	}

	for projectID, group := range byProject {
		done := len(group) > 0
		for _, s := range group {
			if !TerminalStatuses[Status(s.Status)] {
				done = false
				break
			}
		}
		m.mu.Lock()
		fired := m.allComplete[projectID]
		m.allComplete[projectID] = done
		m.mu.Unlock()
		if done && !fired {
			m.engine.ReactProject(ctx, projectID, "all-complete", "every session has reached a terminal status")
		}
	}
}
