// Package scoring implements the multi-signal risk scoring engine.
//
// Architecture:
//   The engine is intentionally stateless — it reads registry context and
//   velocity counters but never writes device or network records. Writes
//   happen in the decision orchestrator after scoring, ensuring a blocked
//   attempt is never recorded as legitimate device activity.
//
// Scoring philosophy:
//   Five independent analyzers each produce a category score in [0, 100].
//   The final score is the maximum category score when any category reaches
//   the override line (90) — some signals are absolute disqualifiers — and
//   the arithmetic mean of all five otherwise, where signals are merely
//   cumulative evidence.
//
// Failure semantics:
//   An analyzer failure (error or panic) contributes zero to its category,
//   attaches an analysis-error flag, forces at least medium severity, and
//   requires extra verification. It never fails the whole attempt.
package scoring

import (
	"context"
	"strings"
	"sync"
	"time"

	"lumina/device-risk-api/internal/domain"
	"lumina/device-risk-api/internal/registry"
	"lumina/device-risk-api/internal/velocity"
)

// The override line: a category at or above this drives the final score on
// its own instead of being averaged down.
const overrideScore = 90

// Velocity windows.
const (
	rapidCreationWindow = 10 * time.Minute
	referralWindow      = 24 * time.Hour
	emailClusterWindow  = 24 * time.Hour
)

// Policy caps.
const (
	addressAccountCap = 3 // linked accounts per address before penalties
	referralAbuseCap  = 5 // signups per referral code per day
	emailClusterCap   = 3 // near-duplicate identities per day
)

// Engine is the stateless risk scoring engine.
type Engine struct {
	registry   *registry.Registry
	counters   velocity.CounterStore
	thresholds domain.Thresholds
}

// New creates a scoring engine. Zero thresholds select the defaults.
func New(reg *registry.Registry, counters velocity.CounterStore, thresholds domain.Thresholds) *Engine {
	if thresholds == (domain.Thresholds{}) {
		thresholds = domain.DefaultThresholds()
	}
	return &Engine{registry: reg, counters: counters, thresholds: thresholds}
}

// Thresholds returns the decision cut-offs the engine applies.
func (e *Engine) Thresholds() domain.Thresholds {
	return e.thresholds
}

// ─── Public API ───────────────────────────────────────────────────────────────

// Score runs all five analyzers concurrently and aggregates their verdicts
// into one RiskAssessment. The method does NOT mutate the registry; that is
// the orchestrator's responsibility.
func (e *Engine) Score(ctx context.Context, attempt *domain.Attempt) *domain.RiskAssessment {
	actx := e.buildContext(ctx, attempt)

	analyzers := []struct {
		name string
		fn   func(*attemptContext) (domain.CategoryScore, error)
	}{
		{domain.CategoryDevice, e.analyzeDevice},
		{domain.CategoryNetwork, e.analyzeNetwork},
		{domain.CategoryNetworkSignal, e.analyzeNetworkSignal},
		{domain.CategoryBehavioral, e.analyzeBehavioral},
		{domain.CategoryAccountContext, e.analyzeAccountContext},
	}

	// Fan-out: the analyzers are mutually independent. Fan-in: aggregation
	// waits for every one to finish or fail.
	results := make([]domain.CategoryScore, len(analyzers))
	var wg sync.WaitGroup
	for i, a := range analyzers {
		wg.Add(1)
		go func(i int, name string, fn func(*attemptContext) (domain.CategoryScore, error)) {
			defer wg.Done()
			results[i] = runIsolated(name, fn, actx)
		}(i, a.name, a.fn)
	}
	wg.Wait()

	return e.aggregate(attempt, results)
}

// runIsolated executes one analyzer, converting errors and panics into the
// degraded zero-contribution category result.
func runIsolated(name string, fn func(*attemptContext) (domain.CategoryScore, error), actx *attemptContext) (cs domain.CategoryScore) {
	defer func() {
		if r := recover(); r != nil {
			cs = failedCategory(name)
		}
	}()

	cs, err := fn(actx)
	if err != nil {
		return failedCategory(name)
	}
	cs.Category = name
	return cs
}

func failedCategory(name string) domain.CategoryScore {
	return domain.CategoryScore{
		Category: name,
		Score:    0,
		Flags:    []string{analysisErrorFlag(name)},
		Failed:   true,
	}
}

func analysisErrorFlag(category string) string {
	return "ANALYSIS_ERROR_" + strings.ToUpper(category)
}

// aggregate combines category verdicts into the final assessment.
func (e *Engine) aggregate(attempt *domain.Attempt, results []domain.CategoryScore) *domain.RiskAssessment {
	var (
		sum       float64
		maxScore  float64
		anyFailed bool
		flags     []string
	)
	categories := make(map[string]domain.CategoryScore, len(results))
	for _, cs := range results {
		categories[cs.Category] = cs
		sum += cs.Score
		if cs.Score > maxScore {
			maxScore = cs.Score
		}
		if cs.Failed {
			anyFailed = true
		}
		flags = append(flags, cs.Flags...)
	}

	final := sum / float64(len(results))
	if maxScore >= overrideScore {
		final = maxScore
	}

	severity := domain.SeverityForScore(final)
	if anyFailed && severity == domain.SeverityLow {
		// Degraded analysis must never read as a clean pass.
		severity = domain.SeverityMedium
	}

	fp := attempt.Fingerprint
	assessment := &domain.RiskAssessment{
		Score:                     final,
		Severity:                  severity,
		Flags:                     dedupe(flags),
		Categories:                categories,
		ShouldBlock:               final >= e.thresholds.Block,
		ShouldFlag:                final >= e.thresholds.Flag,
		ShouldRequireVerification: final >= e.thresholds.Verify || anyFailed,
		State:                     domain.StateScored,
		FingerprintHash:           fp.Hash,
		BasicHash:                 fp.BasicHash,
		EvaluatedAt:               time.Now().UTC(),
	}
	return assessment
}

// ─── Attempt context ──────────────────────────────────────────────────────────

// attemptContext bundles the attempt with pre-fetched registry and velocity
// data, so each analyzer doesn't need to query stores independently.
type attemptContext struct {
	attempt *domain.Attempt

	device      *domain.DeviceFingerprint
	deviceFound bool

	similar      *domain.DeviceFingerprint
	similarFound bool

	basicSiblings []*domain.DeviceFingerprint

	network      *domain.NetworkRecord
	networkFound bool

	accountsOnAddress int

	addrAttempts    int64
	addrAttemptsErr error

	refAttempts    int64
	refAttemptsErr error

	emailCluster    int64
	emailClusterErr error
}

func (e *Engine) buildContext(ctx context.Context, attempt *domain.Attempt) *attemptContext {
	fp := attempt.Fingerprint
	actx := &attemptContext{attempt: attempt}

	actx.device, actx.deviceFound = e.registry.GetDevice(fp.Hash)
	actx.similar, actx.similarFound = e.registry.FindSimilarDevice(fp.Address, fp.UserAgent, fp.Platform, fp.Hash)
	actx.basicSiblings = e.registry.DevicesSharingBasicHash(fp.BasicHash, fp.Hash)
	actx.network, actx.networkFound = e.registry.GetNetwork(fp.Address)
	actx.accountsOnAddress = e.registry.CountAccountsOnAddress(fp.Address)

	// Velocity counters count attempts, successful or not: the rate of
	// trying is the abuse signal.
	actx.addrAttempts, actx.addrAttemptsErr = e.counters.Incr(ctx, "addr:"+fp.Address, rapidCreationWindow)

	if code := attempt.Context.ReferralCode; code != "" {
		actx.refAttempts, actx.refAttemptsErr = e.counters.Incr(ctx, "ref:"+code, referralWindow)
	}
	if email := attempt.Context.Email; email != "" {
		stem := emailStemKey(email)
		actx.emailCluster, actx.emailClusterErr = e.counters.Incr(ctx, "email:"+stem, emailClusterWindow)
	}

	return actx
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func dedupe(flags []string) []string {
	seen := make(map[string]bool, len(flags))
	var out []string
	for _, f := range flags {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// emailStemKey normalizes an email to its cluster key: the local part with
// digits, dots, and plus-suffixes stripped, joined with the domain. Batches
// of near-duplicate identities (user1@x, user2@x, us.er+a@x) collapse to the
// same key.
func emailStemKey(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	local, domainPart, ok := strings.Cut(email, "@")
	if !ok {
		return email
	}
	if base, _, found := strings.Cut(local, "+"); found {
		local = base
	}
	var b strings.Builder
	for _, r := range local {
		if r >= '0' && r <= '9' || r == '.' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String() + "@" + domainPart
}
