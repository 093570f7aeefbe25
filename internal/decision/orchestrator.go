// Package decision sequences one attempt through the engine: fingerprint →
// eligibility → scoring → action. It owns the attempt-level state machine and
// the write policy: only non-blocked attempts touch the registry, and every
// blocked or flagged attempt leaves an audit record.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lumina/device-risk-api/internal/domain"
	"lumina/device-risk-api/internal/fingerprint"
	"lumina/device-risk-api/internal/registry"
	"lumina/device-risk-api/internal/scoring"
)

// genericBlockReason is what blocked callers see. It deliberately reveals
// nothing about which signal tripped.
const genericBlockReason = "registration cannot be completed at this time"

// Notifier delivers audit records to interested parties without blocking the
// attempt. The webhook notifier implements it; tests use a double.
type Notifier interface {
	NotifyAsync(attempt *domain.FraudAttempt)
}

// Orchestrator coordinates fingerprinting, eligibility, scoring, and the
// resulting registry and audit writes.
type Orchestrator struct {
	generator *fingerprint.Generator
	registry  *registry.Registry
	engine    *scoring.Engine
	notifier  Notifier
}

// New creates an Orchestrator. The notifier may be nil.
func New(gen *fingerprint.Generator, reg *registry.Registry, engine *scoring.Engine, notifier Notifier) *Orchestrator {
	return &Orchestrator{generator: gen, registry: reg, engine: engine, notifier: notifier}
}

// ─── Evaluate ─────────────────────────────────────────────────────────────────

// Evaluate runs the full attempt state machine and returns the assessment.
// A blocked attempt is NOT an error: the block is carried in the assessment
// (state, decision booleans, generic reason) so each calling flow can choose
// a channel-appropriate response. The only error case is a bundle that cannot
// produce any fingerprint at all.
func (o *Orchestrator) Evaluate(ctx context.Context, bundle domain.SignalBundle, attemptCtx domain.AttemptContext) (*domain.RiskAssessment, error) {
	fp, err := o.generator.Fingerprint(ctx, bundle)
	if err != nil {
		return nil, err
	}

	// Eligibility check: already-bound or explicitly blocked devices skip
	// scoring entirely.
	if assessment, blocked := o.checkEligibility(fp, attemptCtx); blocked {
		return assessment, nil
	}

	attempt := &domain.Attempt{
		Fingerprint: fp,
		Client:      bundle.Client,
		Context:     attemptCtx,
	}
	assessment := o.engine.Score(ctx, attempt)

	o.applyDecision(fp, attemptCtx, assessment)
	return assessment, nil
}

// checkEligibility performs the cheap pre-scoring registry lookup. When the
// device is ineligible it writes the audit record and returns the terminal
// blocked assessment.
func (o *Orchestrator) checkEligibility(fp *domain.Fingerprint, attemptCtx domain.AttemptContext) (*domain.RiskAssessment, bool) {
	dev, found := o.registry.GetDevice(fp.Hash)
	if !found {
		return nil, false
	}

	switch {
	case dev.Blocked:
		return o.blockWithoutScoring(fp, attemptCtx, domain.AttemptBlockedDevice,
			"attempt from explicitly blocked device", domain.FlagDeviceBlocked), true
	case len(dev.AccountIDs) >= 1:
		return o.blockWithoutScoring(fp, attemptCtx, domain.AttemptDuplicateDevice,
			fmt.Sprintf("device already bound to %d account(s)", len(dev.AccountIDs)),
			domain.FlagDeviceAlreadyRegistered), true
	}
	return nil, false
}

// blockWithoutScoring produces the terminal assessment for an ineligible
// device and records the fraud attempt. No registry mutation happens: blocked
// attempts are not legitimate device activity.
func (o *Orchestrator) blockWithoutScoring(fp *domain.Fingerprint, attemptCtx domain.AttemptContext, attemptType, auditReason, flag string) *domain.RiskAssessment {
	o.recordFraudAttempt(fp, attemptCtx, attemptType, auditReason, 100, []string{flag})

	return &domain.RiskAssessment{
		Score:    100,
		Severity: domain.SeverityCritical,
		Flags:    []string{flag},
		Categories: map[string]domain.CategoryScore{
			domain.CategoryDevice: {Category: domain.CategoryDevice, Score: 100, Flags: []string{flag}},
		},
		ShouldBlock:               true,
		ShouldFlag:                true,
		ShouldRequireVerification: true,
		State:                     domain.StateBlocked,
		Reason:                    genericBlockReason,
		FingerprintHash:           fp.Hash,
		BasicHash:                 fp.BasicHash,
		EvaluatedAt:               time.Now().UTC(),
	}
}

// applyDecision maps the scored assessment onto a terminal state and performs
// the state's registry and audit writes.
func (o *Orchestrator) applyDecision(fp *domain.Fingerprint, attemptCtx domain.AttemptContext, a *domain.RiskAssessment) {
	switch {
	case a.ShouldBlock:
		a.State = domain.StateBlocked
		a.Reason = genericBlockReason
		o.recordFraudAttempt(fp, attemptCtx, domain.AttemptHighRisk,
			"risk score at or above block threshold", a.Score, a.Flags)

	case a.ShouldFlag:
		a.State = domain.StateFlagged
		o.registry.RecordObservation(fp, a.Score, a.Severity, a.Flags)
		if err := o.registry.FlagDevice(fp.Hash,
			fmt.Sprintf("auto: risk score %.0f at or above flag threshold", a.Score), "risk-engine"); err != nil {
			slog.Warn("flag device failed", "fingerprint", fp.Hash, "error", err)
		}
		o.recordFraudAttempt(fp, attemptCtx, domain.AttemptHighRisk,
			"risk score at or above flag threshold", a.Score, a.Flags)

	case a.ShouldRequireVerification:
		a.State = domain.StateVerifyRequired
		a.Reason = "additional verification required"
		o.registry.RecordObservation(fp, a.Score, a.Severity, a.Flags)

	default:
		a.State = domain.StateAllowed
		o.registry.RecordObservation(fp, a.Score, a.Severity, a.Flags)
	}
}

// recordFraudAttempt writes the immutable audit record and notifies.
func (o *Orchestrator) recordFraudAttempt(fp *domain.Fingerprint, attemptCtx domain.AttemptContext, attemptType, reason string, score float64, flags []string) {
	attempt := &domain.FraudAttempt{
		Type:            attemptType,
		Reason:          reason,
		Score:           score,
		Flags:           flags,
		FingerprintHash: fp.Hash,
		Address:         fp.Address,
		Email:           attemptCtx.Email,
		ReferralCode:    attemptCtx.ReferralCode,
		Channel:         attemptCtx.Channel,
	}
	o.registry.SaveAttempt(attempt)
	if o.notifier != nil {
		o.notifier.NotifyAsync(attempt)
	}

	slog.Info("fraud attempt recorded",
		"type", attemptType,
		"score", score,
		"fingerprint", fp.Hash,
		"address", fp.Address,
		"channel", attemptCtx.Channel,
	)
}

// ─── Eligibility pre-check ────────────────────────────────────────────────────

// Precheck answers whether a device may register another account, without
// running the scoring pipeline.
func (o *Orchestrator) Precheck(hash string) domain.Eligibility {
	dev, found := o.registry.GetDevice(hash)
	if !found {
		return domain.Eligibility{IsEligible: true}
	}

	el := domain.Eligibility{
		RiskScore:            dev.RiskScore,
		ExistingAccountCount: len(dev.AccountIDs),
	}
	switch {
	case dev.Blocked:
		el.Reason = "device is blocked"
	case len(dev.AccountIDs) >= 1:
		el.Reason = "device already associated with an account"
	default:
		el.IsEligible = true
	}
	return el
}

// ─── Linkage ──────────────────────────────────────────────────────────────────

// LinkAccount binds a persisted account to a device. It must only be called
// after the caller has confirmed the account exists, so a failed registration
// never falsely binds a fingerprint.
//
// The pre-check and this write are not atomic: two concurrent first-time
// registrations can both pass the pre-check. The insertion is therefore
// idempotent and the second-or-later linkage flags the device (or, under
// strict policy, fails with ErrDeviceAlreadyLinked) — both paths leave an
// audit record.
func (o *Orchestrator) LinkAccount(ctx context.Context, hash, accountID string, identity string) (int, error) {
	count, err := o.registry.LinkAccount(hash, accountID)
	if err != nil {
		if errors.Is(err, registry.ErrDeviceAlreadyLinked) {
			// The rejected account would have been linkage count+1.
			o.auditDuplicateLinkage(hash, accountID, identity, count+1)
		}
		return count, err
	}

	if count >= 2 {
		o.auditDuplicateLinkage(hash, accountID, identity, count)
	}

	slog.Info("account linked to device", "fingerprint", hash, "account", accountID, "accounts", count)
	return count, nil
}

func (o *Orchestrator) auditDuplicateLinkage(hash, accountID, identity string, ordinal int) {
	dev, _ := o.registry.GetDevice(hash)
	address := ""
	if dev != nil {
		address = dev.Address
	}
	attempt := &domain.FraudAttempt{
		Type:            domain.AttemptDuplicateLinkage,
		Reason:          fmt.Sprintf("account %s is linkage #%d for this device", accountID, ordinal),
		Score:           100,
		Flags:           []string{domain.FlagDeviceAlreadyRegistered},
		FingerprintHash: hash,
		Address:         address,
		Email:           identity,
	}
	o.registry.SaveAttempt(attempt)
	if o.notifier != nil {
		o.notifier.NotifyAsync(attempt)
	}
}

// Thresholds exposes the engine's decision cut-offs for callers that render
// verification prompts.
func (o *Orchestrator) Thresholds() domain.Thresholds {
	return o.engine.Thresholds()
}
