package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"lumina/device-risk-api/internal/decision"
	"lumina/device-risk-api/internal/domain"
	"lumina/device-risk-api/internal/fingerprint"
	"lumina/device-risk-api/internal/registry"
)

// Handler holds the dependencies shared across all HTTP handlers.
type Handler struct {
	orchestrator *decision.Orchestrator
	registry     *registry.Registry
}

// NewHandler creates a Handler wired to the given dependencies.
func NewHandler(o *decision.Orchestrator, reg *registry.Registry) *Handler {
	return &Handler{orchestrator: o, registry: reg}
}

// ─── POST /api/v1/attempts/evaluate ───────────────────────────────────────────

// evaluateRequest is the signal bundle an edge service forwards for one
// registration or sign-in attempt.
type evaluateRequest struct {
	RemoteAddr string                   `json:"remote_addr"`
	Headers    map[string]string        `json:"headers"`
	Client     *domain.ClientAttributes `json:"client,omitempty"`
	Context    domain.AttemptContext    `json:"context"`
}

// EvaluateAttempt runs the full pipeline (fingerprint, eligibility, scoring,
// decision) and returns the assessment synchronously. Blocked attempts are a
// 200 with should_block set, never an HTTP error: the decision is data.
func (h *Handler) EvaluateAttempt(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "INVALID_JSON", "request body must be valid JSON")
		return
	}
	if err := validateEvaluateRequest(&req); err != nil {
		badRequest(w, "VALIDATION_ERROR", err.Error())
		return
	}

	bundle := domain.SignalBundle{
		RemoteAddr: req.RemoteAddr,
		Headers:    lowerKeys(req.Headers),
		Client:     req.Client,
	}
	if req.Context.Channel == "" {
		req.Context.Channel = domain.ChannelWeb
	}

	assessment, err := h.orchestrator.Evaluate(r.Context(), bundle, req.Context)
	if err != nil {
		if errors.Is(err, fingerprint.ErrInsufficientSignals) {
			badRequest(w, "INSUFFICIENT_SIGNALS", err.Error())
			return
		}
		internalError(w)
		return
	}
	ok(w, assessment)
}

func validateEvaluateRequest(req *evaluateRequest) error {
	if req.RemoteAddr == "" {
		return fmt.Errorf("remote_addr is required")
	}
	if len(req.Headers) == 0 {
		return fmt.Errorf("headers are required")
	}
	switch req.Context.Channel {
	case "", domain.ChannelWeb, domain.ChannelMobile, domain.ChannelOAuth, domain.ChannelAPI:
	default:
		return fmt.Errorf("channel must be one of: web, mobile, oauth, api")
	}
	return nil
}

func lowerKeys(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[strings.ToLower(k)] = v
	}
	return out
}

// ─── GET /api/v1/devices/{hash}/eligibility ───────────────────────────────────

// CheckEligibility answers whether a device may register an account, without
// scoring. Unknown devices are eligible, so this never 404s.
func (h *Handler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	ok(w, h.orchestrator.Precheck(hash))
}

// ─── POST /api/v1/devices/{hash}/link ─────────────────────────────────────────

// LinkAccount binds a persisted account to a device fingerprint. Callers must
// invoke this only after account creation succeeded.
func (h *Handler) LinkAccount(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	var req struct {
		AccountID string `json:"account_id"`
		Email     string `json:"email,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "INVALID_JSON", "request body must be valid JSON")
		return
	}
	if req.AccountID == "" {
		badRequest(w, "MISSING_ACCOUNT_ID", "account_id is required")
		return
	}

	count, err := h.orchestrator.LinkAccount(r.Context(), hash, req.AccountID, req.Email)
	switch {
	case errors.Is(err, registry.ErrDeviceNotFound):
		notFound(w, fmt.Sprintf("device '%s' not found", hash))
		return
	case errors.Is(err, registry.ErrDeviceAlreadyLinked):
		conflict(w, "DEVICE_ALREADY_LINKED", "device is already linked to an account")
		return
	case err != nil:
		internalError(w)
		return
	}

	ok(w, map[string]any{
		"fingerprint_hash": hash,
		"account_id":       req.AccountID,
		"account_count":    count,
		"flagged":          count >= 2,
	})
}

// ─── Webhooks ─────────────────────────────────────────────────────────────────

// RegisterWebhook adds a new webhook endpoint.
func (h *Handler) RegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL       string  `json:"url"`
		Threshold float64 `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "INVALID_JSON", "request body must be valid JSON")
		return
	}
	if req.URL == "" {
		badRequest(w, "MISSING_URL", "url is required")
		return
	}
	if req.Threshold < 0 || req.Threshold > 100 {
		badRequest(w, "INVALID_THRESHOLD", "threshold must be between 0 and 100")
		return
	}
	if req.Threshold == 0 {
		req.Threshold = 75 // default: notify on flagged and blocked attempts
	}

	wh := &domain.WebhookConfig{
		ID:        uuid.NewString(),
		URL:       req.URL,
		Threshold: req.Threshold,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}
	h.registry.SaveWebhook(wh)
	created(w, wh)
}

// DeleteWebhook deactivates and removes a webhook.
func (h *Handler) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.registry.DeleteWebhook(id) {
		notFound(w, fmt.Sprintf("webhook '%s' not found", id))
		return
	}
	noContent(w)
}

// ─── Admin: devices ───────────────────────────────────────────────────────────

// ListDevices returns one page of device records.
//
// Query params:
//
//	flagged, blocked — optional bool filters
//	page, page_size  — pagination (defaults: 1, 50)
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	f := registry.DeviceFilter{
		Flagged: queryBool(r, "flagged"),
		Blocked: queryBool(r, "blocked"),
	}
	pageNum, pageSize := queryPage(r)
	items, total := h.registry.ListDevices(f, pageNum, pageSize)
	if items == nil {
		items = []*domain.DeviceFingerprint{}
	}
	ok(w, page{Items: items, Page: pageNum, PageSize: pageSize, Total: total})
}

// GetDevice returns one device record by fingerprint hash.
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	dev, exists := h.registry.GetDevice(hash)
	if !exists {
		notFound(w, fmt.Sprintf("device '%s' not found", hash))
		return
	}
	ok(w, dev)
}

// FlagDevice marks a device for monitoring.
func (h *Handler) FlagDevice(w http.ResponseWriter, r *http.Request) {
	h.moderateDevice(w, r, h.registry.FlagDevice)
}

// BlockDevice blocks all future attempts from a device.
func (h *Handler) BlockDevice(w http.ResponseWriter, r *http.Request) {
	h.moderateDevice(w, r, h.registry.BlockDevice)
}

func (h *Handler) moderateDevice(w http.ResponseWriter, r *http.Request, apply func(hash, reason, actor string) error) {
	hash := chi.URLParam(r, "hash")
	reason, actor, ok2 := bindModeration(w, r)
	if !ok2 {
		return
	}
	if err := apply(hash, reason, actor); err != nil {
		notFound(w, fmt.Sprintf("device '%s' not found", hash))
		return
	}
	dev, _ := h.registry.GetDevice(hash)
	ok(w, dev)
}

// ─── Admin: networks ──────────────────────────────────────────────────────────

// ListNetworks returns one page of network reputation records.
func (h *Handler) ListNetworks(w http.ResponseWriter, r *http.Request) {
	f := registry.NetworkFilter{
		Whitelisted: queryBool(r, "whitelisted"),
		Blacklisted: queryBool(r, "blacklisted"),
	}
	pageNum, pageSize := queryPage(r)
	items, total := h.registry.ListNetworks(f, pageNum, pageSize)
	if items == nil {
		items = []*domain.NetworkRecord{}
	}
	ok(w, page{Items: items, Page: pageNum, PageSize: pageSize, Total: total})
}

// GetNetwork returns one network record by address.
func (h *Handler) GetNetwork(w http.ResponseWriter, r *http.Request) {
	address := pathAddress(r)
	net, exists := h.registry.GetNetwork(address)
	if !exists {
		notFound(w, fmt.Sprintf("network '%s' not found", address))
		return
	}
	ok(w, net)
}

// WhitelistNetwork marks an address as trusted. Creates the record if the
// address was never observed.
func (h *Handler) WhitelistNetwork(w http.ResponseWriter, r *http.Request) {
	h.moderateNetwork(w, r, h.registry.WhitelistNetwork)
}

// BlacklistNetwork marks an address as hostile.
func (h *Handler) BlacklistNetwork(w http.ResponseWriter, r *http.Request) {
	h.moderateNetwork(w, r, h.registry.BlacklistNetwork)
}

func (h *Handler) moderateNetwork(w http.ResponseWriter, r *http.Request, apply func(address, reason, actor string) error) {
	address := pathAddress(r)
	reason, actor, ok2 := bindModeration(w, r)
	if !ok2 {
		return
	}
	if err := apply(address, reason, actor); err != nil {
		internalError(w)
		return
	}
	net, _ := h.registry.GetNetwork(address)
	ok(w, net)
}

// ─── Admin: fraud attempts ────────────────────────────────────────────────────

// ListAttempts returns one page of audit records.
//
// Query params:
//
//	status, type    — optional exact-match filters
//	page, page_size — pagination (defaults: 1, 50)
func (h *Handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	f := registry.AttemptFilter{
		Status: r.URL.Query().Get("status"),
		Type:   r.URL.Query().Get("type"),
	}
	pageNum, pageSize := queryPage(r)
	items, total := h.registry.ListAttempts(f, pageNum, pageSize)
	if items == nil {
		items = []*domain.FraudAttempt{}
	}
	ok(w, page{Items: items, Page: pageNum, PageSize: pageSize, Total: total})
}

// GetAttempt returns one audit record by ID.
func (h *Handler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, exists := h.registry.GetAttempt(id)
	if !exists {
		notFound(w, fmt.Sprintf("fraud attempt '%s' not found", id))
		return
	}
	ok(w, a)
}

// ReviewAttempt applies an admin review verdict to an audit record.
func (h *Handler) ReviewAttempt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Status   string `json:"status"`
		Notes    string `json:"notes,omitempty"`
		Reviewer string `json:"reviewer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "INVALID_JSON", "request body must be valid JSON")
		return
	}
	if req.Reviewer == "" {
		badRequest(w, "MISSING_REVIEWER", "reviewer is required")
		return
	}

	err := h.registry.ReviewAttempt(id, req.Status, req.Notes, req.Reviewer)
	switch {
	case errors.Is(err, registry.ErrInvalidReviewStatus):
		badRequest(w, "INVALID_STATUS", "status must be one of: pending, reviewed, escalated, dismissed")
		return
	case errors.Is(err, registry.ErrAttemptNotFound):
		notFound(w, fmt.Sprintf("fraud attempt '%s' not found", id))
		return
	case err != nil:
		internalError(w)
		return
	}

	a, _ := h.registry.GetAttempt(id)
	ok(w, a)
}

// ─── Binding helpers ──────────────────────────────────────────────────────────

// bindModeration decodes the shared flag/block/whitelist/blacklist body.
// Every admin mutation requires a reason and an actor for the audit trail.
func bindModeration(w http.ResponseWriter, r *http.Request) (reason, actor string, ok bool) {
	var req struct {
		Reason string `json:"reason"`
		Actor  string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "INVALID_JSON", "request body must be valid JSON")
		return "", "", false
	}
	if req.Reason == "" {
		badRequest(w, "MISSING_REASON", "reason is required")
		return "", "", false
	}
	if req.Actor == "" {
		badRequest(w, "MISSING_ACTOR", "actor is required")
		return "", "", false
	}
	return req.Reason, req.Actor, true
}

func queryBool(r *http.Request, name string) *bool {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &v
}

func queryPage(r *http.Request) (page, pageSize int) {
	page, pageSize = 1, 50
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p >= 1 {
		page = p
	}
	if s, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && s >= 1 && s <= 500 {
		pageSize = s
	}
	return page, pageSize
}

// pathAddress unescapes the {address} URL parameter so IPv6 literals work.
func pathAddress(r *http.Request) string {
	raw := chi.URLParam(r, "address")
	addr, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return addr
}
