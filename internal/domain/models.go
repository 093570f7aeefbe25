// Package domain contains all core types used across the application.
// Keeping domain types in one place makes the risk scoring rules easy to reason about.
package domain

import "time"

// ─── Constants ───────────────────────────────────────────────────────────────

// Severity buckets derived from thresholding a risk score.
const (
	SeverityLow      = "low"      // 0-24
	SeverityMedium   = "medium"   // 25-49
	SeverityHigh     = "high"     // 50-74
	SeverityCritical = "critical" // 75-100
)

// SeverityForScore maps a 0-100 score onto its severity bucket.
func SeverityForScore(score float64) string {
	switch {
	case score < 25:
		return SeverityLow
	case score < 50:
		return SeverityMedium
	case score < 75:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Attempt lifecycle states. An attempt always moves left to right;
// blocked attempts never reach "linked".
const (
	StateFingerprinted      = "fingerprinted"
	StateEligibilityChecked = "eligibility_checked"
	StateScored             = "scored"
	StateAllowed            = "allowed"
	StateVerifyRequired     = "verify_required"
	StateFlagged            = "flagged"
	StateBlocked            = "blocked"
	StateLinked             = "linked"
)

// Authentication channels an attempt may arrive through. The basic hash is
// derived only from signals that are identical across all of these.
const (
	ChannelWeb    = "web"
	ChannelMobile = "mobile"
	ChannelOAuth  = "oauth"
	ChannelAPI    = "api"
)

// Risk flags attached to assessments and audit records.
const (
	FlagDeviceAlreadyRegistered   = "DEVICE_ALREADY_REGISTERED"
	FlagDeviceBlocked             = "DEVICE_BLOCKED"
	FlagSimilarDeviceWithAccounts = "SIMILAR_DEVICE_WITH_ACCOUNTS"
	FlagFingerprintSpoofing       = "FINGERPRINT_SPOOFING_SUSPECTED"
	FlagNoClientTelemetry         = "NO_CLIENT_TELEMETRY"
	FlagAddressAccountLimit       = "ADDRESS_ACCOUNT_LIMIT"
	FlagMaliciousNetwork          = "MALICIOUS_NETWORK"
	FlagNetworkWhitelisted        = "NETWORK_WHITELISTED"
	FlagRapidAccountCreation      = "RAPID_ACCOUNT_CREATION"
	FlagVPNDetected               = "VPN_DETECTED"
	FlagProxyDetected             = "PROXY_DETECTED"
	FlagTorDetected               = "TOR_DETECTED"
	FlagHostingProvider           = "HOSTING_PROVIDER"
	FlagHighRiskCountry           = "HIGH_RISK_COUNTRY"
	FlagBotAgent                  = "BOT_AGENT"
	FlagMissingHeaders            = "MISSING_STANDARD_HEADERS"
	FlagCookiesDisabled           = "COOKIES_DISABLED"
	FlagNoPointerTelemetry        = "NO_POINTER_TELEMETRY"
	FlagAbnormalTypingCadence     = "ABNORMAL_TYPING_CADENCE"
	FlagDisposableEmail           = "DISPOSABLE_EMAIL_DOMAIN"
	FlagNumericEmail              = "NUMERIC_EMAIL_PATTERN"
	FlagReferralAbuse             = "REFERRAL_CODE_ABUSE"
	FlagEmailCluster              = "EMAIL_PATTERN_CLUSTER"
)

// Fraud attempt types recorded in the audit trail.
const (
	AttemptDuplicateDevice  = "duplicate_device"
	AttemptBlockedDevice    = "blocked_device"
	AttemptHighRisk         = "high_risk"
	AttemptDuplicateLinkage = "duplicate_linkage"
)

// Review states for audited fraud attempts.
const (
	ReviewPending   = "pending"
	ReviewReviewed  = "reviewed"
	ReviewEscalated = "escalated"
	ReviewDismissed = "dismissed"
)

// Network action history entry types.
const (
	ActionWhitelist = "whitelist"
	ActionBlacklist = "blacklist"
	ActionFlag      = "flag"
	ActionBlock     = "block"
)

// ─── Decision thresholds ──────────────────────────────────────────────────────

// Thresholds are the score cut-offs that drive the block/flag/verify decision.
// Callers can override them per engine instance.
type Thresholds struct {
	Block  float64 `json:"block"`
	Flag   float64 `json:"flag"`
	Verify float64 `json:"verify"`
}

// DefaultThresholds returns the standard decision cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{Block: 90, Flag: 75, Verify: 50}
}

// Retention windows. Device and network records expire after a year of
// inactivity; audit records are kept for half that.
const (
	DeviceRetention  = 365 * 24 * time.Hour
	NetworkRetention = 365 * 24 * time.Hour
	AuditRetention   = 180 * 24 * time.Hour
)

// ─── Request signals ──────────────────────────────────────────────────────────

// SignalBundle is the raw material for fingerprinting: the connection address
// and the request headers as seen by the edge, plus optional client-collected
// attributes. Header names must be lower-cased by the caller.
type SignalBundle struct {
	RemoteAddr string            `json:"remote_addr"`
	Headers    map[string]string `json:"headers"`
	Client     *ClientAttributes `json:"client,omitempty"`
}

// ClientAttributes carries interaction telemetry collected by the client
// widget. Absence of the whole struct means no telemetry was delivered.
type ClientAttributes struct {
	CookiesEnabled      *bool   `json:"cookies_enabled,omitempty"`
	PointerEvents       int     `json:"pointer_events"`
	KeyCount            int     `json:"key_count"`
	AvgKeyIntervalMs    float64 `json:"avg_key_interval_ms"`
	KeyIntervalVariance float64 `json:"key_interval_variance"`
}

// AttemptContext is what the caller knows about the attempt itself.
// Identity fields are hints, not authenticated facts.
type AttemptContext struct {
	Email        string `json:"email,omitempty"`
	ReferralCode string `json:"referral_code,omitempty"`
	Channel      string `json:"channel"`
}

// Attempt bundles everything one scoring pass operates on.
type Attempt struct {
	Fingerprint *Fingerprint
	Client      *ClientAttributes
	Context     AttemptContext
}

// ─── Fingerprint derivation output ────────────────────────────────────────────

// RiskFactor is a single signal that contributed to a score.
// Exposing factors individually lets human reviewers understand why an
// attempt was flagged and builds trust in the scoring system.
type RiskFactor struct {
	Name        string `json:"name"`        // machine-readable identifier
	Description string `json:"description"` // human-readable explanation
	ScoreDelta  int    `json:"score_delta"` // points added to total score
}

// Geolocation is the coarse location of a network address.
type Geolocation struct {
	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
	City    string `json:"city,omitempty"`
}

// NetworkClassification describes what kind of network an address belongs to.
type NetworkClassification struct {
	IsVPN       bool `json:"is_vpn"`
	IsProxy     bool `json:"is_proxy"`
	IsTor       bool `json:"is_tor"`
	IsHosting   bool `json:"is_hosting"`
	ThreatScore int  `json:"threat_score"` // 0-100
}

// Fingerprint is the ephemeral output of one derivation pass. The advanced
// hash is the registry key; the basic hash is the channel-invariant variant
// used to recognise the same physical device across sign-in channels.
type Fingerprint struct {
	Hash      string `json:"hash"`       // advanced hash
	BasicHash string `json:"basic_hash"` // channel-invariant hash

	Address   string `json:"address"`
	UserAgent string `json:"user_agent"`
	Platform  string `json:"platform"`
	Mobile    bool   `json:"mobile"`

	BotAgent               bool `json:"bot_agent"`
	MissingStandardHeaders int  `json:"missing_standard_headers"`
	PlatformMismatch       bool `json:"platform_mismatch"`

	Classification NetworkClassification `json:"classification"`
	Geo            Geolocation           `json:"geo"`

	PreliminaryScore    int          `json:"preliminary_score"`
	PreliminarySeverity string       `json:"preliminary_severity"`
	Factors             []RiskFactor `json:"factors"`
}

// ─── Registry records ─────────────────────────────────────────────────────────

// DeviceFingerprint is the persistent registry record for one device.
// Under strict policy at most one account may ever be linked to it; a second
// linkage either fails outright or immediately flags the record.
type DeviceFingerprint struct {
	Hash      string `json:"hash"`
	BasicHash string `json:"basic_hash"`

	// Raw signals retained for similarity search against evasion attempts.
	Address   string `json:"address"`
	UserAgent string `json:"user_agent"`
	Platform  string `json:"platform"`

	AccountIDs []string  `json:"account_ids"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	SeenCount  int       `json:"seen_count"`

	RiskScore    float64  `json:"risk_score"`
	RiskSeverity string   `json:"risk_severity"`
	RiskFlags    []string `json:"risk_flags"`

	Flagged     bool   `json:"flagged"`
	FlagReason  string `json:"flag_reason,omitempty"`
	Blocked     bool   `json:"blocked"`
	BlockReason string `json:"block_reason,omitempty"`
}

// ActionRecord is one entry in a record's append-only moderation history.
type ActionRecord struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"`
	Reason string    `json:"reason"`
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
}

// NetworkRecord is the persistent reputation record for one address.
type NetworkRecord struct {
	Address string `json:"address"`

	Classification NetworkClassification `json:"classification"`
	Geo            Geolocation           `json:"geo"`

	RequestCount int       `json:"request_count"`
	AccountIDs   []string  `json:"account_ids"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`

	ReputationScore float64 `json:"reputation_score"`

	Whitelisted bool           `json:"whitelisted"`
	Blacklisted bool           `json:"blacklisted"`
	History     []ActionRecord `json:"history"`
}

// FraudAttempt is an immutable audit record written once per blocked or
// high-risk attempt. Only the review fields may change afterwards, and only
// through an explicit admin action.
type FraudAttempt struct {
	ID     string   `json:"id"`
	Type   string   `json:"type"`
	Reason string   `json:"reason"`
	Score  float64  `json:"score"`
	Flags  []string `json:"flags"`

	FingerprintHash string `json:"fingerprint_hash"`
	Address         string `json:"address"`

	Email        string `json:"email,omitempty"`
	ReferralCode string `json:"referral_code,omitempty"`
	Channel      string `json:"channel"`

	At time.Time `json:"at"`

	ReviewStatus string     `json:"review_status"`
	ReviewedBy   string     `json:"reviewed_by,omitempty"`
	ReviewNotes  string     `json:"review_notes,omitempty"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
}

// ─── Scoring output ───────────────────────────────────────────────────────────

// Scoring category names.
const (
	CategoryDevice         = "device"
	CategoryNetwork        = "network"
	CategoryNetworkSignal  = "network_signal"
	CategoryBehavioral     = "behavioral"
	CategoryAccountContext = "account_context"
)

// CategoryScore is one analyzer's verdict.
type CategoryScore struct {
	Category        string   `json:"category"`
	Score           float64  `json:"score"`
	Flags           []string `json:"flags,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Failed          bool     `json:"failed,omitempty"`
}

// RiskAssessment is the ephemeral result of one evaluation pass.
// It is returned to the caller and never persisted as its own record.
type RiskAssessment struct {
	Score      float64                  `json:"score"`
	Severity   string                   `json:"severity"`
	Flags      []string                 `json:"flags"`
	Categories map[string]CategoryScore `json:"categories"`

	ShouldBlock               bool `json:"should_block"`
	ShouldFlag                bool `json:"should_flag"`
	ShouldRequireVerification bool `json:"should_require_verification"`

	// State is the terminal orchestrator state for this attempt. Blocked
	// attempts are surfaced here as data so interactive flows (for example a
	// provider-redirect callback) can choose a channel-appropriate response.
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`

	FingerprintHash string    `json:"fingerprint_hash"`
	BasicHash       string    `json:"basic_hash"`
	EvaluatedAt     time.Time `json:"evaluated_at"`
}

// Eligibility is the result of the cheap pre-scoring registry lookup.
type Eligibility struct {
	IsEligible           bool    `json:"is_eligible"`
	Reason               string  `json:"reason,omitempty"`
	RiskScore            float64 `json:"risk_score"`
	ExistingAccountCount int     `json:"existing_account_count"`
}

// ─── Webhooks ─────────────────────────────────────────────────────────────────

// WebhookConfig is a registered callback notified when an attempt is blocked
// or flagged with a score at or above the configured threshold.
type WebhookConfig struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Threshold float64   `json:"threshold"`
	CreatedAt time.Time `json:"created_at"`
	Active    bool      `json:"active"`
}

// WebhookPayload is the body sent to registered webhook URLs.
type WebhookPayload struct {
	Event       string       `json:"event"` // always "fraud_attempt"
	TriggeredAt time.Time    `json:"triggered_at"`
	Attempt     FraudAttempt `json:"attempt"`
}
