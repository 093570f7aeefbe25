package scoring

import (
	"fmt"
	"strings"

	"lumina/device-risk-api/internal/domain"
)

// ─── Device analyzer ──────────────────────────────────────────────────────────

// analyzeDevice scores the device identity itself. A registered or blocked
// device is an absolute disqualifier; everything else is cumulative evidence
// built from the fingerprint's own preliminary score plus spoofing signals.
func (e *Engine) analyzeDevice(actx *attemptContext) (domain.CategoryScore, error) {
	fp := actx.attempt.Fingerprint
	var cs domain.CategoryScore

	if actx.deviceFound && actx.device.Blocked {
		cs.Score = 100
		cs.Flags = append(cs.Flags, domain.FlagDeviceBlocked)
		cs.Recommendations = append(cs.Recommendations, "reject: device is blocked")
		return cs, nil
	}

	// One account per device: a second registration from a known device is
	// the primary abuse pattern this engine exists for.
	if actx.deviceFound && len(actx.device.AccountIDs) >= 1 {
		cs.Score = 100
		cs.Flags = append(cs.Flags, domain.FlagDeviceAlreadyRegistered)
		cs.Recommendations = append(cs.Recommendations, "reject: device already bound to an account")
		return cs, nil
	}

	// Evasion defense: the same physical device (address + agent + platform)
	// presenting a perturbed fingerprint is treated as the registered device.
	if actx.similarFound {
		cs.Score = 100
		cs.Flags = append(cs.Flags, domain.FlagSimilarDeviceWithAccounts)
		cs.Recommendations = append(cs.Recommendations,
			fmt.Sprintf("reject: near-identical device %s already has accounts", shortHash(actx.similar.Hash)))
		return cs, nil
	}

	score := 0.8 * float64(fp.PreliminaryScore)

	// Same basic hash with a different advanced hash: secondary signals were
	// altered. Suspicious, but not a disqualifier on its own.
	if len(actx.basicSiblings) > 0 {
		score += 40
		cs.Flags = append(cs.Flags, domain.FlagFingerprintSpoofing)
	}

	if actx.attempt.Client == nil {
		score += 10
		cs.Flags = append(cs.Flags, domain.FlagNoClientTelemetry)
	}

	cs.Score = clampScore(score)
	return cs, nil
}

// ─── Network analyzer ─────────────────────────────────────────────────────────

// analyzeNetwork scores the address's registry history: how many accounts it
// has produced, what it is classified as, and how fast it is creating more.
func (e *Engine) analyzeNetwork(actx *attemptContext) (domain.CategoryScore, error) {
	var cs domain.CategoryScore

	if actx.addrAttemptsErr != nil {
		return cs, fmt.Errorf("velocity lookup: %w", actx.addrAttemptsErr)
	}

	if actx.networkFound && actx.network.Whitelisted {
		cs.Score = 0
		cs.Flags = append(cs.Flags, domain.FlagNetworkWhitelisted)
		return cs, nil
	}

	var score float64

	if n := actx.accountsOnAddress; n > addressAccountCap {
		penalty := 20 + 5*float64(n-addressAccountCap)
		if penalty > 40 {
			penalty = 40
		}
		score += penalty
		cs.Flags = append(cs.Flags, domain.FlagAddressAccountLimit)
		cs.Recommendations = append(cs.Recommendations,
			fmt.Sprintf("review address: %d accounts already linked", n))
	}

	if actx.networkFound {
		c := actx.network.Classification
		if c.IsVPN {
			score += 20
			cs.Flags = append(cs.Flags, domain.FlagVPNDetected)
		}
		if c.IsProxy {
			score += 20
			cs.Flags = append(cs.Flags, domain.FlagProxyDetected)
		}
		if actx.network.Blacklisted || c.ThreatScore >= 80 {
			score += 40
			cs.Flags = append(cs.Flags, domain.FlagMaliciousNetwork)
		}
	}

	if actx.addrAttempts >= 3 {
		score += 30
		cs.Flags = append(cs.Flags, domain.FlagRapidAccountCreation)
		cs.Recommendations = append(cs.Recommendations, "throttle address: rapid account creation")
	}

	cs.Score = clampScore(score)
	return cs, nil
}

// ─── Network-signal analyzer ──────────────────────────────────────────────────

// analyzeNetworkSignal scores the fingerprint's own classification directly.
// This intentionally overlaps with the network analyzer: anonymized origins
// must weigh in even before the address has any registry history.
func (e *Engine) analyzeNetworkSignal(actx *attemptContext) (domain.CategoryScore, error) {
	fp := actx.attempt.Fingerprint
	var cs domain.CategoryScore
	var score float64

	if fp.Classification.IsVPN {
		score += 25
		cs.Flags = append(cs.Flags, domain.FlagVPNDetected)
	}
	if fp.Classification.IsProxy {
		score += 30
		cs.Flags = append(cs.Flags, domain.FlagProxyDetected)
	}
	if fp.Classification.IsTor {
		score += 50
		cs.Flags = append(cs.Flags, domain.FlagTorDetected)
	}
	if fp.Classification.IsHosting {
		score += 20
		cs.Flags = append(cs.Flags, domain.FlagHostingProvider)
	}
	if highRisk(fp.Geo.Country) {
		score += 15
		cs.Flags = append(cs.Flags, domain.FlagHighRiskCountry)
	}

	cs.Score = clampScore(score)
	return cs, nil
}

// ─── Behavioral analyzer ──────────────────────────────────────────────────────

// analyzeBehavioral scores how the request and the client behaved, not where
// it came from.
func (e *Engine) analyzeBehavioral(actx *attemptContext) (domain.CategoryScore, error) {
	fp := actx.attempt.Fingerprint
	client := actx.attempt.Client
	var cs domain.CategoryScore
	var score float64

	if fp.BotAgent {
		score += 40
		cs.Flags = append(cs.Flags, domain.FlagBotAgent)
	}

	if n := fp.MissingStandardHeaders; n > 0 {
		penalty := 10 * float64(n)
		if penalty > 30 {
			penalty = 30
		}
		score += penalty
		cs.Flags = append(cs.Flags, domain.FlagMissingHeaders)
	}

	if client != nil {
		if client.CookiesEnabled != nil && !*client.CookiesEnabled {
			score += 15
			cs.Flags = append(cs.Flags, domain.FlagCookiesDisabled)
		}
		if client.PointerEvents == 0 {
			score += 25
			cs.Flags = append(cs.Flags, domain.FlagNoPointerTelemetry)
		}
		if abnormalTyping(client) {
			score += 20
			cs.Flags = append(cs.Flags, domain.FlagAbnormalTypingCadence)
		}
	}

	cs.Score = clampScore(score)
	return cs, nil
}

// abnormalTyping detects machine-like keyboard input: impossibly fast keys or
// an unnaturally flat rhythm. Needs enough keystrokes to judge.
func abnormalTyping(c *domain.ClientAttributes) bool {
	if c.KeyCount <= 10 {
		return false
	}
	if c.AvgKeyIntervalMs > 0 && c.AvgKeyIntervalMs < 40 {
		return true
	}
	return c.KeyIntervalVariance > 0 && c.KeyIntervalVariance < 5
}

// ─── Account-context analyzer ─────────────────────────────────────────────────

// analyzeAccountContext scores identity hints supplied with the attempt.
// With no identity available it contributes exactly zero: penalties are never
// fabricated from absent data.
func (e *Engine) analyzeAccountContext(actx *attemptContext) (domain.CategoryScore, error) {
	email := actx.attempt.Context.Email
	referral := actx.attempt.Context.ReferralCode
	var cs domain.CategoryScore

	if email == "" && referral == "" {
		return cs, nil
	}

	var score float64

	if email != "" {
		if actx.emailClusterErr != nil {
			return cs, fmt.Errorf("velocity lookup: %w", actx.emailClusterErr)
		}
		local, domainPart, _ := strings.Cut(strings.ToLower(email), "@")
		if disposableDomains[domainPart] {
			score += 30
			cs.Flags = append(cs.Flags, domain.FlagDisposableEmail)
		}
		if numericHeavy(local) {
			score += 15
			cs.Flags = append(cs.Flags, domain.FlagNumericEmail)
		}
		if actx.emailCluster >= emailClusterCap {
			score += 20
			cs.Flags = append(cs.Flags, domain.FlagEmailCluster)
			cs.Recommendations = append(cs.Recommendations, "review identity: near-duplicate email batch")
		}
	}

	if referral != "" {
		if actx.refAttemptsErr != nil {
			return cs, fmt.Errorf("velocity lookup: %w", actx.refAttemptsErr)
		}
		if actx.refAttempts > referralAbuseCap {
			score += 75
			cs.Flags = append(cs.Flags, domain.FlagReferralAbuse)
			cs.Recommendations = append(cs.Recommendations,
				fmt.Sprintf("suspend referral code %q: %d signups in 24h", referral, actx.refAttempts))
		}
	}

	cs.Score = clampScore(score)
	return cs, nil
}

// numericHeavy reports whether at least half of a local part of meaningful
// length is digits — the shape of generated account batches.
func numericHeavy(local string) bool {
	if len(local) < 4 {
		return false
	}
	digits := 0
	for _, r := range local {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits*2 >= len(local)
}

// Domains of throwaway inboxes that defeat email verification.
var disposableDomains = map[string]bool{
	"mailinator.com":     true,
	"guerrillamail.com":  true,
	"10minutemail.com":   true,
	"tempmail.com":       true,
	"temp-mail.org":      true,
	"yopmail.com":        true,
	"trashmail.com":      true,
	"sharklasers.com":    true,
	"getnada.com":        true,
	"dispostable.com":    true,
	"maildrop.cc":        true,
	"throwawaymail.com":  true,
	"fakeinbox.com":      true,
	"mytemp.email":       true,
	"mail-temporaire.fr": true,
}

// highRisk mirrors the fingerprint generator's country list; duplicated here
// so the scoring package stays decoupled from derivation internals.
func highRisk(country string) bool {
	switch strings.ToUpper(country) {
	case "RU", "NG", "UA", "CN", "VN", "PK", "KP", "RO", "GH", "TZ":
		return true
	}
	return false
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
