package decision_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"lumina/device-risk-api/internal/decision"
	"lumina/device-risk-api/internal/domain"
	"lumina/device-risk-api/internal/fingerprint"
	"lumina/device-risk-api/internal/registry"
	"lumina/device-risk-api/internal/scoring"
	"lumina/device-risk-api/internal/velocity"
)

// ─── Helpers ──────────────────────────────────────────────────────────────────

// captureNotifier records every audit notification synchronously.
type captureNotifier struct {
	mu       sync.Mutex
	attempts []*domain.FraudAttempt
}

func (n *captureNotifier) NotifyAsync(a *domain.FraudAttempt) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attempts = append(n.attempts, a)
}

func (n *captureNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.attempts))
	for i, a := range n.attempts {
		out[i] = a.Type
	}
	return out
}

func noRDNS(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

type harness struct {
	orch     *decision.Orchestrator
	registry *registry.Registry
	notifier *captureNotifier
}

func newHarness(cfg registry.Config, counters velocity.CounterStore, thresholds domain.Thresholds) *harness {
	reg := registry.New(cfg)
	if counters == nil {
		counters = velocity.NewMemoryStore()
	}
	gen := fingerprint.New(fingerprint.WithReverseLookup(noRDNS))
	engine := scoring.New(reg, counters, thresholds)
	notifier := &captureNotifier{}
	return &harness{
		orch:     decision.New(gen, reg, engine, notifier),
		registry: reg,
		notifier: notifier,
	}
}

func browserBundle() domain.SignalBundle {
	enabled := true
	return domain.SignalBundle{
		RemoteAddr: "198.51.100.7:52044",
		Headers: map[string]string{
			"user-agent":         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"accept":             "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			"accept-language":    "en-US,en;q=0.9",
			"accept-encoding":    "gzip, deflate, br",
			"sec-ch-ua-platform": `"Windows"`,
			"sec-ch-ua-mobile":   "?0",
			"connection":         "keep-alive",
		},
		Client: &domain.ClientAttributes{
			CookiesEnabled:      &enabled,
			PointerEvents:       120,
			KeyCount:            40,
			AvgKeyIntervalMs:    160,
			KeyIntervalVariance: 50,
		},
	}
}

func webContext(email string) domain.AttemptContext {
	return domain.AttemptContext{Email: email, Channel: domain.ChannelWeb}
}

// ─── Happy path ───────────────────────────────────────────────────────────────

func TestEvaluate_CleanAttemptAllowedAndRecorded(t *testing.T) {
	h := newHarness(registry.Config{}, nil, domain.Thresholds{})

	a, err := h.orch.Evaluate(context.Background(), browserBundle(), webContext("new@example.com"))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	if a.State != domain.StateAllowed {
		t.Errorf("expected allowed state, got %s", a.State)
	}
	dev, found := h.registry.GetDevice(a.FingerprintHash)
	if !found {
		t.Fatal("allowed attempts must be recorded as device activity")
	}
	if dev.SeenCount != 1 {
		t.Errorf("expected seen count 1, got %d", dev.SeenCount)
	}
	if got := h.notifier.types(); len(got) != 0 {
		t.Errorf("clean attempts must not notify, got %v", got)
	}
}

// ─── Eligibility gate ─────────────────────────────────────────────────────────

func TestEvaluate_BoundDeviceBlockedWithoutScoring(t *testing.T) {
	h := newHarness(registry.Config{}, nil, domain.Thresholds{})
	ctx := context.Background()

	first, err := h.orch.Evaluate(ctx, browserBundle(), webContext("owner@example.com"))
	if err != nil {
		t.Fatalf("first evaluate failed: %v", err)
	}
	if _, err := h.orch.LinkAccount(ctx, first.FingerprintHash, "acct-1", "owner@example.com"); err != nil {
		t.Fatalf("link failed: %v", err)
	}

	second, err := h.orch.Evaluate(ctx, browserBundle(), webContext("other@example.com"))
	if err != nil {
		t.Fatalf("second evaluate failed: %v", err)
	}

	if second.State != domain.StateBlocked || !second.ShouldBlock {
		t.Errorf("bound device must be blocked, got state %s", second.State)
	}
	if second.Score != 100 || second.Severity != domain.SeverityCritical {
		t.Errorf("expected critical 100, got %.0f %s", second.Score, second.Severity)
	}
	// The block reason must not leak which signal tripped.
	if second.Reason == "" || strings.Contains(second.Reason, "account") || strings.Contains(second.Reason, "device") {
		t.Errorf("reason leaks detection detail: %q", second.Reason)
	}

	// Blocked attempts are not device activity.
	dev, _ := h.registry.GetDevice(second.FingerprintHash)
	if dev.SeenCount != 1 {
		t.Errorf("blocked attempt must not advance seen count, got %d", dev.SeenCount)
	}

	// Exactly one audit record for the blocked attempt.
	attempts, total := h.registry.ListAttempts(registry.AttemptFilter{Type: domain.AttemptDuplicateDevice}, 1, 50)
	if total != 1 {
		t.Fatalf("expected 1 duplicate-device attempt, got %d", total)
	}
	if attempts[0].Email != "other@example.com" {
		t.Errorf("audit record must carry the attempt identity, got %q", attempts[0].Email)
	}
	if got := h.notifier.types(); len(got) != 1 || got[0] != domain.AttemptDuplicateDevice {
		t.Errorf("expected one duplicate-device notification, got %v", got)
	}
}

func TestEvaluate_AdminBlockedDeviceRejected(t *testing.T) {
	h := newHarness(registry.Config{}, nil, domain.Thresholds{})
	ctx := context.Background()

	first, _ := h.orch.Evaluate(ctx, browserBundle(), webContext("user@example.com"))
	h.registry.BlockDevice(first.FingerprintHash, "confirmed fraud ring", "analyst-1")

	a, err := h.orch.Evaluate(ctx, browserBundle(), webContext("user@example.com"))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if a.State != domain.StateBlocked {
		t.Errorf("blocked device must stay blocked, got %s", a.State)
	}

	_, total := h.registry.ListAttempts(registry.AttemptFilter{Type: domain.AttemptBlockedDevice}, 1, 50)
	if total != 1 {
		t.Errorf("expected 1 blocked-device attempt, got %d", total)
	}
}

// ─── Scored decisions ─────────────────────────────────────────────────────────

func TestEvaluate_HighRiskScoreBlocks(t *testing.T) {
	h := newHarness(registry.Config{}, nil, domain.Thresholds{})

	// Tor exit, automation agent, no browser headers, no client telemetry.
	gen := fingerprint.New(fingerprint.WithReverseLookup(func(_ context.Context, _ string) ([]string, error) {
		return []string{"tor-exit-2.example.net."}, nil
	}))
	engine := scoring.New(h.registry, velocity.NewMemoryStore(), domain.Thresholds{})
	orch := decision.New(gen, h.registry, engine, h.notifier)

	bundle := domain.SignalBundle{
		RemoteAddr: "198.51.100.66:40000",
		Headers:    map[string]string{"user-agent": "python-requests/2.31.0"},
	}

	a, err := orch.Evaluate(context.Background(), bundle, webContext("bot@mailinator.com"))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	if a.State != domain.StateBlocked || !a.ShouldBlock {
		t.Errorf("expected scored block, got state %s score %.1f", a.State, a.Score)
	}
	if _, found := h.registry.GetDevice(a.FingerprintHash); found {
		t.Error("blocked attempts must not create device records")
	}
	_, total := h.registry.ListAttempts(registry.AttemptFilter{Type: domain.AttemptHighRisk}, 1, 50)
	if total != 1 {
		t.Errorf("expected 1 high-risk attempt, got %d", total)
	}
}

func TestEvaluate_FlaggedAttemptRecordedAndFlagged(t *testing.T) {
	// Lowered thresholds exercise the flag path with a moderate signal mix.
	h := newHarness(registry.Config{}, nil, domain.Thresholds{Block: 90, Flag: 30, Verify: 20})

	bundle := domain.SignalBundle{
		RemoteAddr: "52.14.22.9:40000", // datacenter range
		Headers:    map[string]string{"user-agent": "curl/8.4.0"},
	}

	a, err := h.orch.Evaluate(context.Background(), bundle, webContext(""))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	if a.State != domain.StateFlagged {
		t.Fatalf("expected flagged state, got %s (score %.1f)", a.State, a.Score)
	}

	dev, found := h.registry.GetDevice(a.FingerprintHash)
	if !found {
		t.Fatal("flagged attempts are still device activity")
	}
	if !dev.Flagged {
		t.Error("the device record must be flagged for monitoring")
	}
	_, total := h.registry.ListAttempts(registry.AttemptFilter{Type: domain.AttemptHighRisk}, 1, 50)
	if total != 1 {
		t.Errorf("expected 1 audit record, got %d", total)
	}
	if got := h.notifier.types(); len(got) != 1 {
		t.Errorf("flagged attempts must notify once, got %v", got)
	}
}

func TestEvaluate_CounterOutageRequiresVerification(t *testing.T) {
	h := newHarness(registry.Config{}, failingCounters{}, domain.Thresholds{})

	a, err := h.orch.Evaluate(context.Background(), browserBundle(), webContext(""))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	if a.State != domain.StateVerifyRequired {
		t.Errorf("degraded analysis must fall back to verification, got %s", a.State)
	}
	if _, found := h.registry.GetDevice(a.FingerprintHash); !found {
		t.Error("verification attempts are still device activity")
	}
}

type failingCounters struct{}

func (failingCounters) Incr(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func (failingCounters) Get(_ context.Context, _ string) (int64, error) {
	return 0, errors.New("connection refused")
}

// ─── Pre-check ────────────────────────────────────────────────────────────────

func TestPrecheck(t *testing.T) {
	h := newHarness(registry.Config{}, nil, domain.Thresholds{})
	ctx := context.Background()

	if el := h.orch.Precheck("unknown-hash"); !el.IsEligible {
		t.Error("unknown devices are eligible")
	}

	a, _ := h.orch.Evaluate(ctx, browserBundle(), webContext("user@example.com"))
	if el := h.orch.Precheck(a.FingerprintHash); !el.IsEligible {
		t.Error("a known unlinked device is eligible")
	}

	h.orch.LinkAccount(ctx, a.FingerprintHash, "acct-1", "user@example.com")
	el := h.orch.Precheck(a.FingerprintHash)
	if el.IsEligible {
		t.Error("a bound device is not eligible")
	}
	if el.ExistingAccountCount != 1 {
		t.Errorf("expected 1 existing account, got %d", el.ExistingAccountCount)
	}
}

// ─── Linkage ──────────────────────────────────────────────────────────────────

func TestLinkAccount_DuplicateLinkageAudited(t *testing.T) {
	h := newHarness(registry.Config{}, nil, domain.Thresholds{})
	ctx := context.Background()

	a, _ := h.orch.Evaluate(ctx, browserBundle(), webContext("one@example.com"))
	if _, err := h.orch.LinkAccount(ctx, a.FingerprintHash, "acct-1", "one@example.com"); err != nil {
		t.Fatalf("first link failed: %v", err)
	}

	count, err := h.orch.LinkAccount(ctx, a.FingerprintHash, "acct-2", "two@example.com")
	if err != nil {
		t.Fatalf("second link failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 accounts, got %d", count)
	}

	_, total := h.registry.ListAttempts(registry.AttemptFilter{Type: domain.AttemptDuplicateLinkage}, 1, 50)
	if total != 1 {
		t.Errorf("expected 1 duplicate-linkage audit record, got %d", total)
	}
	if got := h.notifier.types(); len(got) != 1 || got[0] != domain.AttemptDuplicateLinkage {
		t.Errorf("expected one duplicate-linkage notification, got %v", got)
	}
}

func TestLinkAccount_StrictModeStillAudits(t *testing.T) {
	h := newHarness(registry.Config{StrictLinkage: true}, nil, domain.Thresholds{})
	ctx := context.Background()

	a, _ := h.orch.Evaluate(ctx, browserBundle(), webContext("one@example.com"))
	h.orch.LinkAccount(ctx, a.FingerprintHash, "acct-1", "one@example.com")

	_, err := h.orch.LinkAccount(ctx, a.FingerprintHash, "acct-2", "two@example.com")
	if !errors.Is(err, registry.ErrDeviceAlreadyLinked) {
		t.Fatalf("expected ErrDeviceAlreadyLinked, got %v", err)
	}

	_, total := h.registry.ListAttempts(registry.AttemptFilter{Type: domain.AttemptDuplicateLinkage}, 1, 50)
	if total != 1 {
		t.Errorf("strict rejection must still audit, got %d records", total)
	}
}
