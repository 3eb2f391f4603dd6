package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentorch/orchestrator/internal/common/config"
	"github.com/agentorch/orchestrator/internal/common/logger"
	"github.com/agentorch/orchestrator/internal/evidence"
	"github.com/agentorch/orchestrator/internal/plugin"
	"github.com/agentorch/orchestrator/internal/session"
)

// defaultPriorities route events that have no configured rule.
var defaultPriorities = map[string]string{
	"agent-exited":       "urgent",
	"agent-needs-input":  "urgent",
	"agent-stuck":        "action",
	"merge-conflicts":    "action",
	"changes-requested":  "action",
	"approved-and-green": "action",
	"ci-failed":          "warning",
	"agent-idle-no-pr":   "warning",
	"bugbot-comments":    "info",
	"all-complete":       "info",
}

// Engine dispatches configured reactions for detected events. Every
// failure inside the engine is logged and swallowed; a broken reaction
// must never take down the poll loop.
type Engine struct {
	cfg      *config.Config
	sessions *session.Manager
	resolver *plugin.Resolver
	logger   *logger.Logger
	now      func() time.Time
}

// NewEngine creates a reaction engine.
func NewEngine(cfg *config.Config, sessions *session.Manager, resolver *plugin.Resolver, log *logger.Logger) *Engine {
	return &Engine{cfg: cfg, sessions: sessions, resolver: resolver, logger: log, now: time.Now}
}

// React handles one event for one session. It reports whether an
// auto-merge succeeded so the caller can advance the status machine.
func (e *Engine) React(ctx context.Context, obs Observation, event, detail string) (merged bool) {
	sess := obs.Session
	rule, ok := e.cfg.ProjectReaction(sess.ProjectID, event)
	if !ok || !rule.Auto {
		e.notify(ctx, sess, event, detail, e.priorityFor(rule, event))
		return false
	}

	switch rule.Action {
	case config.ActionNotify:
		e.notify(ctx, sess, event, detail, e.priorityFor(rule, event))
	case config.ActionSendToAgent:
		e.sendToAgent(ctx, obs, event, detail, rule)
	case config.ActionAutoMerge:
		return e.autoMerge(ctx, obs, event, detail, rule)
	default:
		e.notify(ctx, sess, event, detail, e.priorityFor(rule, event))
	}
	return false
}

// ReactProject handles a project-scoped event that belongs to no
// single session. It only notifies.
func (e *Engine) ReactProject(ctx context.Context, projectID, event, detail string) {
	rule, _ := e.cfg.ProjectReaction(projectID, event)
	e.notify(ctx, &session.Session{ProjectID: projectID}, event, detail, e.priorityFor(rule, event))
}

func (e *Engine) priorityFor(rule config.ReactionRule, event string) string {
	if rule.Priority != "" {
		return rule.Priority
	}
	if p, ok := defaultPriorities[event]; ok {
		return p
	}
	return "info"
}

// sendToAgent builds the remediation prompt and delivers it, keeping
// per-event attempt accounting in the escalationState metadata key so
// an unresponsive agent eventually escalates to a human instead of
// being prompted forever.
func (e *Engine) sendToAgent(ctx context.Context, obs Observation, event, detail string, rule config.ReactionRule) {
	sess := obs.Session
	store, err := e.sessions.Store(sess.ProjectID)
	if err != nil {
		e.logger.Warn("reaction skipped, no metadata store",
			zap.String("session_id", sess.ID), zap.String("event", event), zap.Error(err))
		return
	}

	state := EscalationState{}
	if sess.Record != nil {
		state = ParseEscalationState(sess.Record.EscalationState)
	}
	if state.Event != event {
		state = EscalationState{Event: event, FirstSeen: e.now().UTC()}
	}

	escalateAfter, err := rule.EscalateAfterDuration()
	if err != nil {
		escalateAfter = 0
	}
	if state.Exhausted(rule.Retries, escalateAfter, e.now()) {
		if state.Escalated {
			return
		}
		e.notify(ctx, sess, event,
			fmt.Sprintf("automated remediation exhausted after %d attempts", state.Attempts),
			e.priorityFor(rule, event))
		state.Escalated = true
		if err := store.Update(sess.ID, map[string]string{"escalationState": state.Encode()}); err != nil {
			e.logger.Warn("escalation state not persisted",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
		return
	}

	msg := e.buildMessage(ctx, obs, event, rule.Message)
	if msg == "" {
		msg = fmt.Sprintf("Please address the %s state on this session.", event)
	}
	if _, err := e.sessions.Send(ctx, sess.ID, msg, session.SendOptions{}); err != nil {
		e.logger.Warn("reaction prompt delivery failed",
			zap.String("session_id", sess.ID), zap.String("event", event), zap.Error(err))
		return
	}

	state.Attempts++
	if err := store.Update(sess.ID, map[string]string{"escalationState": state.Encode()}); err != nil {
		e.logger.Warn("escalation state not persisted",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
	e.logger.Info("reaction prompt sent",
		zap.String("session_id", sess.ID),
		zap.String("event", event),
		zap.Int("attempt", state.Attempts))
}

// buildMessage renders the structured event message, degrading to the
// rule's configured message on any failure.
func (e *Engine) buildMessage(ctx context.Context, obs Observation, event, fallback string) string {
	sess := obs.Session
	scm, err := e.resolver.SCMFor(sess.ProjectID)
	if err != nil {
		return fallback
	}
	fetch := func(ctx context.Context, sessionID string, lines int) (string, error) {
		runtime, err := e.resolver.RuntimeFor(sess.ProjectID)
		if err != nil {
			return "", err
		}
		return runtime.GetOutput(ctx, sess.RuntimeHandle, lines)
	}
	builder := evidence.NewMessageBuilder(scm, fetch, e.logger)
	return builder.Build(ctx, evidence.BuildRequest{
		SessionID: sess.ID,
		Event:     event,
		Fallback:  fallback,
		PR:        obs.PR,
	})
}

func (e *Engine) autoMerge(ctx context.Context, obs Observation, event, detail string, rule config.ReactionRule) bool {
	sess := obs.Session
	if obs.PR == nil {
		return false
	}
	// Merge only once the mergeable status has been persisted; the
	// approving tick records approved -> mergeable and the next tick's
	// re-emitted event performs the merge.
	if obs.Status != StatusMergeable {
		return false
	}
	scm, err := e.resolver.SCMFor(sess.ProjectID)
	if err != nil {
		e.logger.Warn("auto-merge skipped, no scm plugin",
			zap.String("session_id", sess.ID), zap.Error(err))
		return false
	}
	if err := scm.MergePR(ctx, obs.PR, "squash"); err != nil {
		e.logger.Warn("auto-merge failed",
			zap.String("session_id", sess.ID),
			zap.String("pr", obs.PR.URL),
			zap.Error(err))
		e.notify(ctx, sess, event, "automatic merge failed: "+err.Error(), "action")
		return false
	}
	e.logger.Info("pull request merged",
		zap.String("session_id", sess.ID), zap.String("pr", obs.PR.URL))
	return true
}

// notify fans the event out to every notifier routed for the priority.
// Each notifier failure is independent; one broken channel does not
// silence the others.
func (e *Engine) notify(ctx context.Context, sess *session.Session, event, detail, priority string) {
	notifiers, err := e.resolver.NotifiersFor(priority)
	if err != nil {
		e.logger.Warn("no notifiers for priority",
			zap.String("priority", priority), zap.Error(err))
		return
	}

	subject := sess.ID
	if subject == "" {
		subject = sess.ProjectID
	}
	payload := plugin.Event{
		Type:      event,
		SessionID: sess.ID,
		ProjectID: sess.ProjectID,
		Title:     fmt.Sprintf("[%s] %s", subject, event),
		Body:      detail,
		Priority:  priority,
		Timestamp: e.now().UTC(),
	}
	actions := actionsFor(event, sess.ID)

	for _, n := range notifiers {
		var err error
		if an, ok := n.(plugin.ActionNotifier); ok && len(actions) > 0 {
			err = an.NotifyWithActions(ctx, payload, actions)
		} else {
			err = n.Notify(ctx, payload)
		}
		if err != nil {
			e.logger.Warn("notification delivery failed",
				zap.String("notifier", n.Name()),
				zap.String("event", event),
				zap.Error(err))
		}
	}
}

// actionsFor attaches quick actions where a human response is the
// expected next step.
func actionsFor(event, sessionID string) []plugin.Action {
	switch event {
	case "agent-needs-input", "agent-stuck":
		return []plugin.Action{{Label: "Attach", Command: "ao attach " + sessionID}}
	case "merge-conflicts":
		return []plugin.Action{{Label: "Open session", Command: "ao attach " + sessionID}}
	}
	return nil
}
