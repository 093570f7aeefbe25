// Package registry provides thread-safe, in-memory storage for device
// fingerprints, network reputation records, and the fraud-attempt audit trail.
//
// Design rationale: device and network records are hot, small, and mutated by
// targeted partial updates (counter increments, set insertions, flag sets), so
// an RWMutex-guarded map with secondary indexes gives O(1) lookups without
// lost updates. A production deployment at scale would swap this for Redis or
// Postgres; the one-account-per-device constraint is enforced here either way.
//
// Retention: records past their window are invisible to every lookup and are
// purged by the background sweeper. A device re-observed after expiry is a
// fresh, unflagged record.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lumina/device-risk-api/internal/domain"
)

// ErrDeviceNotFound is returned when a fingerprint hash has no live record.
var ErrDeviceNotFound = errors.New("device fingerprint not found")

// ErrNetworkNotFound is returned when an address has no live record.
var ErrNetworkNotFound = errors.New("network record not found")

// ErrAttemptNotFound is returned when a fraud attempt ID is unknown.
var ErrAttemptNotFound = errors.New("fraud attempt not found")

// ErrDeviceAlreadyLinked is returned in strict mode when a second account
// tries to link to an already-bound device. Callers treat it exactly like a
// duplicate linkage: the device is flagged either way.
var ErrDeviceAlreadyLinked = errors.New("device already linked to an account")

// ErrInvalidReviewStatus is returned for unknown review states.
var ErrInvalidReviewStatus = errors.New("invalid review status")

// Config tunes retention and the linkage policy.
type Config struct {
	// StrictLinkage makes the second linkage fail with ErrDeviceAlreadyLinked
	// instead of flagging and accepting it.
	StrictLinkage bool

	DeviceTTL  time.Duration
	NetworkTTL time.Duration
	AuditTTL   time.Duration

	// Clock is injectable for retention tests. Defaults to time.Now.
	Clock func() time.Time
}

// Registry is the thread-safe store behind the risk engine.
type Registry struct {
	mu sync.RWMutex

	devices  map[string]*domain.DeviceFingerprint // advanced hash → record
	networks map[string]*domain.NetworkRecord     // address → record
	attempts map[string]*domain.FraudAttempt      // id → record
	webhooks map[string]*domain.WebhookConfig     // id → config

	// Secondary indexes, maintained on every write so reads stay fast.
	devicesByBasic map[string]map[string]bool // basic hash → advanced hashes
	devicesByAddr  map[string]map[string]bool // address → advanced hashes

	cfg Config
	now func() time.Time
}

// New creates an empty, ready-to-use Registry.
func New(cfg Config) *Registry {
	if cfg.DeviceTTL == 0 {
		cfg.DeviceTTL = domain.DeviceRetention
	}
	if cfg.NetworkTTL == 0 {
		cfg.NetworkTTL = domain.NetworkRetention
	}
	if cfg.AuditTTL == 0 {
		cfg.AuditTTL = domain.AuditRetention
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Registry{
		devices:        make(map[string]*domain.DeviceFingerprint),
		networks:       make(map[string]*domain.NetworkRecord),
		attempts:       make(map[string]*domain.FraudAttempt),
		webhooks:       make(map[string]*domain.WebhookConfig),
		devicesByBasic: make(map[string]map[string]bool),
		devicesByAddr:  make(map[string]map[string]bool),
		cfg:            cfg,
		now:            now,
	}
}

// ─── Devices ──────────────────────────────────────────────────────────────────

// RecordObservation upserts the device and network records for a non-blocked
// attempt: seen counters increment, last-seen advances, classification and
// risk summary refresh. Blocked attempts must never reach this method.
func (r *Registry) RecordObservation(fp *domain.Fingerprint, score float64, severity string, flags []string) *domain.DeviceFingerprint {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()

	dev, ok := r.devices[fp.Hash]
	if !ok || r.deviceExpired(dev, now) {
		dev = &domain.DeviceFingerprint{
			Hash:      fp.Hash,
			BasicHash: fp.BasicHash,
			Address:   fp.Address,
			UserAgent: fp.UserAgent,
			Platform:  fp.Platform,
			FirstSeen: now,
		}
		r.devices[fp.Hash] = dev
		r.index(r.devicesByBasic, fp.BasicHash, fp.Hash)
		r.index(r.devicesByAddr, fp.Address, fp.Hash)
	}

	dev.SeenCount++
	dev.LastSeen = now
	dev.Address = fp.Address
	dev.RiskScore = score
	dev.RiskSeverity = severity
	dev.RiskFlags = append([]string(nil), flags...)
	r.index(r.devicesByAddr, fp.Address, fp.Hash)

	net, ok := r.networks[fp.Address]
	if !ok || r.networkExpired(net, now) {
		net = &domain.NetworkRecord{
			Address:   fp.Address,
			FirstSeen: now,
		}
		r.networks[fp.Address] = net
	}
	net.RequestCount++
	net.LastSeen = now
	net.Classification = fp.Classification
	net.Geo = fp.Geo
	if rep := float64(fp.Classification.ThreatScore); rep > net.ReputationScore {
		net.ReputationScore = rep
	}

	return dev
}

// GetDevice returns the live record for a fingerprint hash.
// Expired records are invisible.
func (r *Registry) GetDevice(hash string) (*domain.DeviceFingerprint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, ok := r.devices[hash]
	if !ok || r.deviceExpired(dev, r.now().UTC()) {
		return nil, false
	}
	return dev, true
}

// FindSimilarDevice searches for a device that shares address, raw agent, and
// platform with the probe but has a different fingerprint and at least one
// linked account. This catches evasion by perturbing secondary signals: the
// advanced hash changes, the physical device does not.
func (r *Registry) FindSimilarDevice(address, userAgent, platform, excludeHash string) (*domain.DeviceFingerprint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now().UTC()
	for hash := range r.devicesByAddr[address] {
		if hash == excludeHash {
			continue
		}
		dev, ok := r.devices[hash]
		if !ok || r.deviceExpired(dev, now) {
			continue
		}
		if dev.UserAgent == userAgent && dev.Platform == platform && len(dev.AccountIDs) > 0 {
			return dev, true
		}
	}
	return nil, false
}

// DevicesSharingBasicHash returns live devices with the same basic hash but a
// different advanced hash — the signature of secondary-signal spoofing.
func (r *Registry) DevicesSharingBasicHash(basicHash, excludeHash string) []*domain.DeviceFingerprint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now().UTC()
	var result []*domain.DeviceFingerprint
	for hash := range r.devicesByBasic[basicHash] {
		if hash == excludeHash {
			continue
		}
		if dev, ok := r.devices[hash]; ok && !r.deviceExpired(dev, now) {
			result = append(result, dev)
		}
	}
	return result
}

// LinkAccount associates an account with a device after the caller has
// confirmed the account was persisted. The insertion is idempotent; linking
// an account that is already present is a no-op. A second distinct account
// immediately flags the device (or fails outright under StrictLinkage).
// Returns the number of linked accounts after the operation.
func (r *Registry) LinkAccount(hash, accountID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[hash]
	if !ok || r.deviceExpired(dev, r.now().UTC()) {
		return 0, ErrDeviceNotFound
	}

	for _, id := range dev.AccountIDs {
		if id == accountID {
			return len(dev.AccountIDs), nil
		}
	}

	if r.cfg.StrictLinkage && len(dev.AccountIDs) >= 1 {
		return len(dev.AccountIDs), ErrDeviceAlreadyLinked
	}

	dev.AccountIDs = append(dev.AccountIDs, accountID)
	if len(dev.AccountIDs) >= 2 && !dev.Flagged {
		dev.Flagged = true
		dev.FlagReason = fmt.Sprintf("auto: %d accounts linked to one device", len(dev.AccountIDs))
	}

	// Track unique accounts per address for the network analyzer.
	if net, ok := r.networks[dev.Address]; ok {
		if !contains(net.AccountIDs, accountID) {
			net.AccountIDs = append(net.AccountIDs, accountID)
		}
	}

	return len(dev.AccountIDs), nil
}

// CountAccountsOnAddress returns how many distinct accounts have been linked
// from the given address.
func (r *Registry) CountAccountsOnAddress(address string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	net, ok := r.networks[address]
	if !ok || r.networkExpired(net, r.now().UTC()) {
		return 0
	}
	return len(net.AccountIDs)
}

// FlagDevice marks a device for monitoring. Admin mutations require a reason
// and an actor.
func (r *Registry) FlagDevice(hash, reason, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[hash]
	if !ok || r.deviceExpired(dev, r.now().UTC()) {
		return ErrDeviceNotFound
	}
	dev.Flagged = true
	dev.FlagReason = fmt.Sprintf("%s (by %s)", reason, actor)
	return nil
}

// BlockDevice blocks all future attempts from a device.
func (r *Registry) BlockDevice(hash, reason, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[hash]
	if !ok || r.deviceExpired(dev, r.now().UTC()) {
		return ErrDeviceNotFound
	}
	dev.Blocked = true
	dev.BlockReason = fmt.Sprintf("%s (by %s)", reason, actor)
	return nil
}

// ─── Networks ─────────────────────────────────────────────────────────────────

// GetNetwork returns the live record for an address.
func (r *Registry) GetNetwork(address string) (*domain.NetworkRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	net, ok := r.networks[address]
	if !ok || r.networkExpired(net, r.now().UTC()) {
		return nil, false
	}
	return net, true
}

// WhitelistNetwork marks an address as trusted and appends the action to its
// immutable history. The record is created if the address was never seen.
func (r *Registry) WhitelistNetwork(address, reason, actor string) error {
	return r.moderateNetwork(address, domain.ActionWhitelist, reason, actor, func(n *domain.NetworkRecord) {
		n.Whitelisted = true
		n.Blacklisted = false
	})
}

// BlacklistNetwork marks an address as hostile.
func (r *Registry) BlacklistNetwork(address, reason, actor string) error {
	return r.moderateNetwork(address, domain.ActionBlacklist, reason, actor, func(n *domain.NetworkRecord) {
		n.Blacklisted = true
		n.Whitelisted = false
	})
}

func (r *Registry) moderateNetwork(address, action, reason, actor string, apply func(*domain.NetworkRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	net, ok := r.networks[address]
	if !ok || r.networkExpired(net, now) {
		net = &domain.NetworkRecord{Address: address, FirstSeen: now}
		r.networks[address] = net
	}
	net.LastSeen = now
	apply(net)
	net.History = append(net.History, domain.ActionRecord{
		ID:     uuid.NewString(),
		Type:   action,
		Reason: reason,
		Actor:  actor,
		At:     now,
	})
	return nil
}

// ─── Fraud attempts ───────────────────────────────────────────────────────────

// SaveAttempt appends an immutable audit record.
func (r *Registry) SaveAttempt(a *domain.FraudAttempt) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.At.IsZero() {
		a.At = r.now().UTC()
	}
	if a.ReviewStatus == "" {
		a.ReviewStatus = domain.ReviewPending
	}
	r.attempts[a.ID] = a
}

// GetAttempt returns a live audit record by ID.
func (r *Registry) GetAttempt(id string) (*domain.FraudAttempt, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.attempts[id]
	if !ok || r.attemptExpired(a, r.now().UTC()) {
		return nil, false
	}
	return a, true
}

// ReviewAttempt applies an admin review action. Only the review fields ever
// change; the rest of the record is immutable.
func (r *Registry) ReviewAttempt(id, status, notes, reviewer string) error {
	switch status {
	case domain.ReviewReviewed, domain.ReviewEscalated, domain.ReviewDismissed, domain.ReviewPending:
	default:
		return ErrInvalidReviewStatus
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attempts[id]
	if !ok || r.attemptExpired(a, r.now().UTC()) {
		return ErrAttemptNotFound
	}
	now := r.now().UTC()
	a.ReviewStatus = status
	a.ReviewNotes = notes
	a.ReviewedBy = reviewer
	a.ReviewedAt = &now
	return nil
}

// ─── Webhooks ─────────────────────────────────────────────────────────────────

// SaveWebhook persists a webhook configuration.
func (r *Registry) SaveWebhook(wh *domain.WebhookConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.webhooks[wh.ID] = wh
}

// DeleteWebhook removes a webhook by ID. Returns false if not found.
func (r *Registry) DeleteWebhook(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.webhooks[id]
	if exists {
		delete(r.webhooks, id)
	}
	return exists
}

// ListActiveWebhooks returns all webhooks that are currently active.
func (r *Registry) ListActiveWebhooks() []*domain.WebhookConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.WebhookConfig
	for _, wh := range r.webhooks {
		if wh.Active {
			result = append(result, wh)
		}
	}
	return result
}

// ─── Admin listings ───────────────────────────────────────────────────────────

// DeviceFilter narrows admin device listings.
type DeviceFilter struct {
	Flagged *bool
	Blocked *bool
}

// ListDevices returns one page of live devices, newest activity first,
// together with the total match count.
func (r *Registry) ListDevices(f DeviceFilter, page, pageSize int) ([]*domain.DeviceFingerprint, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now().UTC()
	var matched []*domain.DeviceFingerprint
	for _, dev := range r.devices {
		if r.deviceExpired(dev, now) {
			continue
		}
		if f.Flagged != nil && dev.Flagged != *f.Flagged {
			continue
		}
		if f.Blocked != nil && dev.Blocked != *f.Blocked {
			continue
		}
		matched = append(matched, dev)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].LastSeen.After(matched[j].LastSeen)
	})
	return paginate(matched, page, pageSize), len(matched)
}

// NetworkFilter narrows admin network listings.
type NetworkFilter struct {
	Whitelisted *bool
	Blacklisted *bool
}

// ListNetworks returns one page of live network records, newest first.
func (r *Registry) ListNetworks(f NetworkFilter, page, pageSize int) ([]*domain.NetworkRecord, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now().UTC()
	var matched []*domain.NetworkRecord
	for _, net := range r.networks {
		if r.networkExpired(net, now) {
			continue
		}
		if f.Whitelisted != nil && net.Whitelisted != *f.Whitelisted {
			continue
		}
		if f.Blacklisted != nil && net.Blacklisted != *f.Blacklisted {
			continue
		}
		matched = append(matched, net)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].LastSeen.After(matched[j].LastSeen)
	})
	return paginate(matched, page, pageSize), len(matched)
}

// AttemptFilter narrows audit listings.
type AttemptFilter struct {
	Status string
	Type   string
}

// ListAttempts returns one page of live audit records, newest first.
func (r *Registry) ListAttempts(f AttemptFilter, page, pageSize int) ([]*domain.FraudAttempt, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now().UTC()
	var matched []*domain.FraudAttempt
	for _, a := range r.attempts {
		if r.attemptExpired(a, now) {
			continue
		}
		if f.Status != "" && a.ReviewStatus != f.Status {
			continue
		}
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		matched = append(matched, a)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].At.After(matched[j].At)
	})
	return paginate(matched, page, pageSize), len(matched)
}

// ─── Retention ────────────────────────────────────────────────────────────────

// StartSweeper purges expired records on the given interval until ctx ends.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// Sweep removes every expired record and its index entries.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	for hash, dev := range r.devices {
		if r.deviceExpired(dev, now) {
			delete(r.devices, hash)
			r.unindex(r.devicesByBasic, dev.BasicHash, hash)
			r.unindex(r.devicesByAddr, dev.Address, hash)
		}
	}
	for addr, net := range r.networks {
		if r.networkExpired(net, now) {
			delete(r.networks, addr)
		}
	}
	for id, a := range r.attempts {
		if r.attemptExpired(a, now) {
			delete(r.attempts, id)
		}
	}
}

func (r *Registry) deviceExpired(dev *domain.DeviceFingerprint, now time.Time) bool {
	return now.Sub(dev.LastSeen) > r.cfg.DeviceTTL
}

func (r *Registry) networkExpired(net *domain.NetworkRecord, now time.Time) bool {
	return now.Sub(net.LastSeen) > r.cfg.NetworkTTL
}

func (r *Registry) attemptExpired(a *domain.FraudAttempt, now time.Time) bool {
	return now.Sub(a.At) > r.cfg.AuditTTL
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func (r *Registry) index(idx map[string]map[string]bool, key, hash string) {
	if key == "" {
		return
	}
	if idx[key] == nil {
		idx[key] = make(map[string]bool)
	}
	idx[key][hash] = true
}

func (r *Registry) unindex(idx map[string]map[string]bool, key, hash string) {
	if set, ok := idx[key]; ok {
		delete(set, hash)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

func paginate[T any](items []T, page, pageSize int) []T {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	start := (page - 1) * pageSize
	if start >= len(items) {
		return nil
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
