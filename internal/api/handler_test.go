package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"lumina/device-risk-api/internal/api"
	"lumina/device-risk-api/internal/decision"
	"lumina/device-risk-api/internal/domain"
	"lumina/device-risk-api/internal/fingerprint"
	"lumina/device-risk-api/internal/registry"
	"lumina/device-risk-api/internal/scoring"
	"lumina/device-risk-api/internal/velocity"
	"lumina/device-risk-api/internal/webhook"
)

// ─── Helpers ──────────────────────────────────────────────────────────────────

func newServer() (http.Handler, *registry.Registry) {
	reg := registry.New(registry.Config{})
	gen := fingerprint.New(fingerprint.WithReverseLookup(
		func(_ context.Context, _ string) ([]string, error) { return nil, nil },
	))
	engine := scoring.New(reg, velocity.NewMemoryStore(), domain.Thresholds{})
	orch := decision.New(gen, reg, engine, webhook.New(reg))
	return api.NewRouter(api.NewHandler(orch, reg)), reg
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// decodeData unwraps the response envelope into out.
func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body: %s)", err, rec.Body.String())
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("decode data: %v (body: %s)", err, rec.Body.String())
	}
}

func evaluateBody(email string) map[string]any {
	return map[string]any{
		"remote_addr": "198.51.100.7:52044",
		"headers": map[string]string{
			"User-Agent":         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Accept":             "text/html,application/xhtml+xml",
			"Accept-Language":    "en-US,en;q=0.9",
			"Accept-Encoding":    "gzip, deflate, br",
			"Sec-CH-UA-Platform": `"Windows"`,
			"Sec-CH-UA-Mobile":   "?0",
		},
		"client": map[string]any{
			"cookies_enabled":       true,
			"pointer_events":        90,
			"key_count":             25,
			"avg_key_interval_ms":   170,
			"key_interval_variance": 40,
		},
		"context": map[string]any{"email": email, "channel": "web"},
	}
}

// evaluate runs one attempt and returns the assessment.
func evaluate(t *testing.T, h http.Handler, email string) domain.RiskAssessment {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/v1/attempts/evaluate", evaluateBody(email))
	if rec.Code != http.StatusOK {
		t.Fatalf("evaluate: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var a domain.RiskAssessment
	decodeData(t, rec, &a)
	return a
}

// ─── Health ───────────────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	h, _ := newServer()
	rec := doJSON(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

// ─── Evaluation ───────────────────────────────────────────────────────────────

func TestEvaluateEndpoint_CleanAttempt(t *testing.T) {
	h, _ := newServer()
	a := evaluate(t, h, "user@example.com")

	if a.State != domain.StateAllowed {
		t.Errorf("expected allowed, got %s", a.State)
	}
	if a.FingerprintHash == "" || a.BasicHash == "" {
		t.Error("assessment must carry both hashes")
	}
}

func TestEvaluateEndpoint_HeaderCaseInsensitive(t *testing.T) {
	h, _ := newServer()

	a := evaluate(t, h, "user@example.com")

	lower := evaluateBody("user@example.com")
	lowered := map[string]string{}
	for k, v := range lower["headers"].(map[string]string) {
		lowered[strings.ToLower(k)] = v
	}
	lower["headers"] = lowered

	rec := doJSON(t, h, http.MethodPost, "/api/v1/attempts/evaluate", lower)
	var b domain.RiskAssessment
	decodeData(t, rec, &b)

	if a.FingerprintHash != b.FingerprintHash {
		t.Error("header casing must not change the fingerprint")
	}
}

func TestEvaluateEndpoint_Validation(t *testing.T) {
	h, _ := newServer()

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing remote_addr", map[string]any{"headers": map[string]string{"user-agent": "x"}}},
		{"missing headers", map[string]any{"remote_addr": "1.2.3.4:80"}},
		{"bad channel", map[string]any{
			"remote_addr": "1.2.3.4:80",
			"headers":     map[string]string{"user-agent": "x"},
			"context":     map[string]any{"channel": "carrier-pigeon"},
		}},
	}
	for _, tc := range cases {
		rec := doJSON(t, h, http.MethodPost, "/api/v1/attempts/evaluate", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", tc.name, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/attempts/evaluate", bytes.NewBufferString("{nope"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON: expected 400, got %d", rec.Code)
	}
}

// ─── Eligibility and linkage ──────────────────────────────────────────────────

func TestEligibilityAndLinkFlow(t *testing.T) {
	h, _ := newServer()

	a := evaluate(t, h, "user@example.com")

	var el domain.Eligibility
	rec := doJSON(t, h, http.MethodGet, "/api/v1/devices/"+a.FingerprintHash+"/eligibility", nil)
	decodeData(t, rec, &el)
	if !el.IsEligible {
		t.Error("fresh device must be eligible")
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/devices/"+a.FingerprintHash+"/link",
		map[string]string{"account_id": "acct-1", "email": "user@example.com"})
	if rec.Code != http.StatusOK {
		t.Fatalf("link: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/devices/"+a.FingerprintHash+"/eligibility", nil)
	decodeData(t, rec, &el)
	if el.IsEligible {
		t.Error("bound device must not be eligible")
	}
	if el.ExistingAccountCount != 1 {
		t.Errorf("expected 1 existing account, got %d", el.ExistingAccountCount)
	}
}

func TestLink_UnknownDevice(t *testing.T) {
	h, _ := newServer()
	rec := doJSON(t, h, http.MethodPost, "/api/v1/devices/nope/link",
		map[string]string{"account_id": "acct-1"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestLink_MissingAccountID(t *testing.T) {
	h, _ := newServer()
	rec := doJSON(t, h, http.MethodPost, "/api/v1/devices/nope/link", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestLink_SecondAccountReportsFlagged(t *testing.T) {
	h, _ := newServer()
	a := evaluate(t, h, "one@example.com")

	doJSON(t, h, http.MethodPost, "/api/v1/devices/"+a.FingerprintHash+"/link",
		map[string]string{"account_id": "acct-1"})
	rec := doJSON(t, h, http.MethodPost, "/api/v1/devices/"+a.FingerprintHash+"/link",
		map[string]string{"account_id": "acct-2"})

	var out struct {
		AccountCount int  `json:"account_count"`
		Flagged      bool `json:"flagged"`
	}
	decodeData(t, rec, &out)
	if out.AccountCount != 2 || !out.Flagged {
		t.Errorf("expected flagged double linkage, got %+v", out)
	}
}

// ─── Webhooks ─────────────────────────────────────────────────────────────────

func TestWebhookLifecycle(t *testing.T) {
	h, _ := newServer()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/webhooks",
		map[string]any{"url": "https://hooks.example.com/fraud"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d", rec.Code)
	}
	var wh domain.WebhookConfig
	decodeData(t, rec, &wh)
	if wh.Threshold != 75 {
		t.Errorf("expected default threshold 75, got %.0f", wh.Threshold)
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/webhooks/"+wh.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodDelete, "/api/v1/webhooks/"+wh.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", rec.Code)
	}
}

func TestWebhookValidation(t *testing.T) {
	h, _ := newServer()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/webhooks", map[string]any{"threshold": 50})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing url: expected 400, got %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/api/v1/webhooks",
		map[string]any{"url": "https://x.example", "threshold": 150})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad threshold: expected 400, got %d", rec.Code)
	}
}

// ─── Admin: devices ───────────────────────────────────────────────────────────

func TestAdminDeviceModeration(t *testing.T) {
	h, _ := newServer()
	a := evaluate(t, h, "user@example.com")

	// Reason and actor are mandatory.
	rec := doJSON(t, h, http.MethodPost, "/api/v1/admin/devices/"+a.FingerprintHash+"/flag",
		map[string]string{"reason": "suspicious"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing actor: expected 400, got %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/admin/devices/"+a.FingerprintHash+"/block",
		map[string]string{"reason": "confirmed abuse", "actor": "analyst-7"})
	if rec.Code != http.StatusOK {
		t.Fatalf("block: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var dev domain.DeviceFingerprint
	decodeData(t, rec, &dev)
	if !dev.Blocked {
		t.Error("device must be blocked")
	}

	// A blocked device fails subsequent evaluations.
	b := evaluate(t, h, "user@example.com")
	if b.State != domain.StateBlocked {
		t.Errorf("expected blocked state after admin block, got %s", b.State)
	}
}

func TestAdminDeviceListing(t *testing.T) {
	h, reg := newServer()
	a := evaluate(t, h, "user@example.com")
	reg.FlagDevice(a.FingerprintHash, "test", "analyst-1")

	var pg struct {
		Items []domain.DeviceFingerprint `json:"items"`
		Total int                        `json:"total"`
	}
	rec := doJSON(t, h, http.MethodGet, "/api/v1/admin/devices/?flagged=true", nil)
	decodeData(t, rec, &pg)
	if pg.Total != 1 || len(pg.Items) != 1 {
		t.Errorf("expected one flagged device, got %+v", pg)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/admin/devices/?flagged=false", nil)
	decodeData(t, rec, &pg)
	if pg.Total != 0 {
		t.Errorf("expected no unflagged devices, got %d", pg.Total)
	}
}

// ─── Admin: networks ──────────────────────────────────────────────────────────

func TestAdminNetworkModeration(t *testing.T) {
	h, _ := newServer()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/admin/networks/198.51.100.99/blacklist",
		map[string]string{"reason": "botnet C2", "actor": "analyst-7"})
	if rec.Code != http.StatusOK {
		t.Fatalf("blacklist: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	var net domain.NetworkRecord
	rec = doJSON(t, h, http.MethodGet, "/api/v1/admin/networks/198.51.100.99", nil)
	decodeData(t, rec, &net)
	if !net.Blacklisted || len(net.History) != 1 {
		t.Errorf("expected blacklisted network with history, got %+v", net)
	}
}

// ─── Admin: fraud attempts ────────────────────────────────────────────────────

func TestAdminAttemptReview(t *testing.T) {
	h, reg := newServer()

	// Bind the device, then replay the same signals to produce an audit record.
	a := evaluate(t, h, "owner@example.com")
	doJSON(t, h, http.MethodPost, "/api/v1/devices/"+a.FingerprintHash+"/link",
		map[string]string{"account_id": "acct-1"})
	evaluate(t, h, "other@example.com")

	attempts, total := reg.ListAttempts(registry.AttemptFilter{}, 1, 50)
	if total != 1 {
		t.Fatalf("expected 1 audit record, got %d", total)
	}
	id := attempts[0].ID

	rec := doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/admin/attempts/%s/review", id),
		map[string]string{"status": "dismissed", "reviewer": "analyst-3", "notes": "test traffic"})
	if rec.Code != http.StatusOK {
		t.Fatalf("review: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	var reviewed domain.FraudAttempt
	decodeData(t, rec, &reviewed)
	if reviewed.ReviewStatus != domain.ReviewDismissed || reviewed.ReviewedBy != "analyst-3" {
		t.Errorf("review fields not applied: %+v", reviewed)
	}

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/admin/attempts/%s/review", id),
		map[string]string{"status": "bogus", "reviewer": "analyst-3"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad status: expected 400, got %d", rec.Code)
	}
}
