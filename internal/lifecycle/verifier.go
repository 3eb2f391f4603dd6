package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentorch/orchestrator/internal/common/config"
	"github.com/agentorch/orchestrator/internal/common/logger"
	"github.com/agentorch/orchestrator/internal/evidence"
	"github.com/agentorch/orchestrator/internal/session"
)

// fingerprintKey records the evidence digest the last verifier run saw.
// A failed worker re-enters verification only when this changes.
const fingerprintKey = "verifierEvidenceFingerprint"

const defaultVerifierPrompt = "You are reviewing another agent's completed work in this checkout. " +
	"Inspect the evidence bundle under .ao/evidence/, the diff, and the tests. " +
	"Record your verdict by writing verifierVerdict=passed or verifierVerdict=failed, " +
	"with verifierFeedback explaining any failure."

// Verifier implements the evidence-gated review step between a worker
// finishing and its work advancing toward a pull request.
type Verifier struct {
	cfg      *config.Config
	sessions *session.Manager
	logger   *logger.Logger
}

// NewVerifier creates the verifier gate.
func NewVerifier(cfg *config.Config, sessions *session.Manager, log *logger.Logger) *Verifier {
	return &Verifier{cfg: cfg, sessions: sessions, logger: log}
}

// RuleFor returns the effective verifier rule for a project, nil when
// the gate is disabled.
func (v *Verifier) RuleFor(projectID string) *config.VerifierRule {
	if p, ok := v.cfg.Projects[projectID]; ok && p.Verifier != nil {
		if !p.Verifier.Enabled {
			return nil
		}
		return p.Verifier
	}
	if v.cfg.Defaults.Verifier != nil && v.cfg.Defaults.Verifier.Enabled {
		return v.cfg.Defaults.Verifier
	}
	return nil
}

// Check runs the gate for one worker observation. It returns the
// transition the gate wants, or nil when the gate has nothing to do.
func (v *Verifier) Check(ctx context.Context, obs Observation) *Status {
	sess := obs.Session
	rule := v.RuleFor(sess.ProjectID)
	if rule == nil || sess.Role != "" {
		return nil
	}

	switch obs.Status {
	case StatusWorking:
		return v.checkWorking(ctx, obs, rule)
	case StatusVerifierPending:
		return v.checkPending(ctx, obs, rule)
	case StatusVerifierFailed:
		return v.checkFailed(ctx, obs, rule)
	}
	return nil
}

// checkWorking watches for a complete evidence bundle and opens the
// gate by spawning a verifier.
func (v *Verifier) checkWorking(ctx context.Context, obs Observation, rule *config.VerifierRule) *Status {
	sess := obs.Session
	if sess.Worktree == "" {
		return nil
	}
	dir := evidence.Dir(sess.Worktree, sess.ID)
	bundle, err := evidence.Read(dir)
	if err != nil || !bundle.Complete() {
		return nil
	}

	if !v.startVerifier(ctx, sess, rule, dir, bundle) {
		return nil
	}
	return statusPtr(StatusVerifierPending)
}

// checkPending polls the verifier session for a verdict.
func (v *Verifier) checkPending(ctx context.Context, obs Observation, rule *config.VerifierRule) *Status {
	sess := obs.Session
	verifier := v.findVerifier(ctx, sess)
	if verifier == nil {
		// Verifier lost without a verdict; run it again.
		dir := evidence.Dir(sess.Worktree, sess.ID)
		if bundle, err := evidence.Read(dir); err == nil && bundle.Complete() {
			v.startVerifier(ctx, sess, rule, dir, bundle)
		}
		return nil
	}
	if verifier.Record == nil {
		return nil
	}

	switch verifier.Record.VerifierVerdict {
	case "passed":
		v.stamp(sess, map[string]string{"verifierStatus": "passed"})
		v.retire(ctx, verifier)
		return statusPtr(StatusPRReady)
	case "failed":
		feedback := verifier.Record.VerifierFeedback
		if feedback == "" {
			feedback = "The verifier rejected this work. Review the evidence bundle and address the gaps."
		}
		if _, serr := v.sessions.Send(ctx, sess.ID, "Verification failed: "+feedback, session.SendOptions{}); serr != nil {
			v.logger.Warn("verifier feedback delivery failed",
				zap.String("session_id", sess.ID), zap.Error(serr))
		}
		v.stamp(sess, map[string]string{
			"verifierStatus":   "failed",
			"verifierFeedback": feedback,
		})
		v.retire(ctx, verifier)
		return statusPtr(StatusVerifierFailed)
	}

	if !verifier.Alive {
		v.logger.Warn("verifier exited without a verdict",
			zap.String("session_id", sess.ID),
			zap.String("verifier_id", verifier.ID))
		v.retire(ctx, verifier)
	}
	return nil
}

// checkFailed re-enters verification only when the worker produced new
// evidence since the failed run.
func (v *Verifier) checkFailed(ctx context.Context, obs Observation, rule *config.VerifierRule) *Status {
	sess := obs.Session
	if sess.Worktree == "" {
		return nil
	}
	dir := evidence.Dir(sess.Worktree, sess.ID)
	prior := ""
	if sess.Record != nil {
		store, err := v.sessions.Store(sess.ProjectID)
		if err == nil {
			if raw, rerr := store.ReadRaw(sess.ID); rerr == nil {
				prior = raw[fingerprintKey]
			}
		}
	}
	if !evidence.Changed(dir, prior) {
		return nil
	}
	bundle, err := evidence.Read(dir)
	if err != nil || !bundle.Complete() {
		return nil
	}
	if !v.startVerifier(ctx, sess, rule, dir, bundle) {
		return nil
	}
	return statusPtr(StatusVerifierPending)
}

func (v *Verifier) startVerifier(ctx context.Context, sess *session.Session, rule *config.VerifierRule, dir string, bundle *evidence.Bundle) bool {
	prompt := rule.Prompt
	if prompt == "" {
		prompt = defaultVerifierPrompt
	}
	prompt = fmt.Sprintf("%s\n\nWorker session: %s\nEvidence: %s", prompt, sess.ID, dir)

	verifier, err := v.sessions.SpawnVerifier(ctx, sess, rule.Agent, prompt)
	if err != nil {
		v.logger.Warn("verifier spawn failed",
			zap.String("session_id", sess.ID), zap.Error(err))
		return false
	}

	updates := bundle.MetadataKeys()
	updates[fingerprintKey] = evidence.Fingerprint(dir)
	updates["verifierStatus"] = "pending"
	v.stamp(sess, updates)

	v.logger.Info("verifier spawned",
		zap.String("session_id", sess.ID),
		zap.String("verifier_id", verifier.ID))
	return true
}

// findVerifier locates the live verifier session linked to a worker.
func (v *Verifier) findVerifier(ctx context.Context, worker *session.Session) *session.Session {
	sessions, err := v.sessions.List(ctx, worker.ProjectID)
	if err != nil {
		return nil
	}
	for _, s := range sessions {
		if s.Role == "verifier" && s.Record != nil && s.Record.VerifierFor == worker.ID {
			return s
		}
	}
	return nil
}

func (v *Verifier) stamp(sess *session.Session, updates map[string]string) {
	store, err := v.sessions.Store(sess.ProjectID)
	if err != nil {
		return
	}
	if uerr := store.Update(sess.ID, updates); uerr != nil {
		v.logger.Warn("verifier metadata not persisted",
			zap.String("session_id", sess.ID), zap.Error(uerr))
	}
}

// retire tears a finished verifier down. Its workspace belongs to the
// worker, so only the runtime and metadata go.
func (v *Verifier) retire(ctx context.Context, verifier *session.Session) {
	if err := v.sessions.Kill(ctx, verifier.ID); err != nil {
		v.logger.Warn("verifier teardown failed",
			zap.String("verifier_id", verifier.ID), zap.Error(err))
	}
}
