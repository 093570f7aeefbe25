// Package fingerprint derives device fingerprints from raw request signals.
//
// Two hashes are produced per attempt:
//
//   - The basic hash uses only signals that are invariant across
//     authentication channels (web form, mobile app, OAuth redirect, API).
//     Flow-specific headers — referrer, origin, cache directives, fetch
//     metadata — are deliberately excluded: including any of them would make
//     the same physical device hash differently per channel and break
//     cross-channel recognition.
//   - The advanced hash adds secondary stable signals (connection semantics,
//     architecture/bitness hints, device model, do-not-track) and is the
//     registry key.
//
// Derivation is pure: the generator never writes anywhere. External
// geolocation and threat-intel lookups are best-effort with a short timeout
// and degrade to a local heuristic.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"lumina/device-risk-api/internal/domain"
)

// ErrInsufficientSignals is returned when the bundle carries nothing to
// fingerprint. This is the only caller-visible failure: anything short of a
// totally empty bundle degrades to a best-effort fingerprint instead.
var ErrInsufficientSignals = errors.New("signal bundle has no address and no user-agent")

// Generator derives fingerprints and preliminary risk scores.
type Generator struct {
	geo           GeoLookup
	intel         ThreatIntel
	reverse       ReverseLookup
	lookupTimeout time.Duration
}

// Option configures a Generator.
type Option func(*Generator)

// WithGeoLookup injects a geolocation collaborator.
func WithGeoLookup(geo GeoLookup) Option {
	return func(g *Generator) { g.geo = geo }
}

// WithThreatIntel injects a VPN/proxy/Tor classification collaborator.
func WithThreatIntel(intel ThreatIntel) Option {
	return func(g *Generator) { g.intel = intel }
}

// WithReverseLookup overrides the reverse-DNS resolver.
func WithReverseLookup(fn ReverseLookup) Option {
	return func(g *Generator) { g.reverse = fn }
}

// WithLookupTimeout overrides the per-collaborator call timeout.
func WithLookupTimeout(d time.Duration) Option {
	return func(g *Generator) { g.lookupTimeout = d }
}

// New creates a Generator. Without options it runs fully local: no geo data,
// heuristic-only classification.
func New(opts ...Option) *Generator {
	g := &Generator{
		reverse:       defaultReverseLookup,
		lookupTimeout: defaultLookupTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Fingerprint derives both hashes, classifies the originating network, and
// computes the preliminary per-signal risk score.
func (g *Generator) Fingerprint(ctx context.Context, bundle domain.SignalBundle) (*domain.Fingerprint, error) {
	headers := bundle.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	addr := realAddress(bundle.RemoteAddr, headers)
	ua := headers["user-agent"]
	if addr == "" && ua == "" {
		return nil, ErrInsufficientSignals
	}

	agent := parseAgent(ua)
	platform := platformHint(headers, agent)
	mobile := mobileHint(headers, agent)

	// Channel-invariant signal set. Order matters: it is part of the hash.
	basicParts := []string{
		addr,
		ua,
		primaryLanguage(headers["accept-language"]),
		strconv.FormatBool(acceptsGzip(headers["accept-encoding"])),
		platform,
		strconv.FormatBool(mobile),
	}
	basicHash := hashParts(basicParts)

	// Secondary stable signals widen the advanced hash.
	advancedParts := append(basicParts,
		strings.ToLower(headers["connection"]),
		trimHint(headers["sec-ch-ua-arch"]),
		trimHint(headers["sec-ch-ua-bitness"]),
		trimHint(headers["sec-ch-ua-model"]),
		headers["dnt"],
	)
	advancedHash := hashParts(advancedParts)

	classification := g.classify(ctx, addr)
	geo := g.locate(ctx, addr)

	fp := &domain.Fingerprint{
		Hash:                   advancedHash,
		BasicHash:              basicHash,
		Address:                addr,
		UserAgent:              ua,
		Platform:               platform,
		Mobile:                 mobile,
		BotAgent:               agent.Bot,
		MissingStandardHeaders: countMissingStandardHeaders(headers),
		PlatformMismatch:       !platformMatchesAgent(trimHint(headers["sec-ch-ua-platform"]), agent),
		Classification:         classification,
		Geo:                    geo,
	}

	fp.Factors = preliminaryFactors(fp, agent)
	total := 0
	for _, f := range fp.Factors {
		total += f.ScoreDelta
	}
	fp.PreliminaryScore = clamp(total, 0, 100)
	fp.PreliminarySeverity = domain.SeverityForScore(float64(fp.PreliminaryScore))

	return fp, nil
}

// preliminaryFactors computes the additive per-signal contributions.
func preliminaryFactors(fp *domain.Fingerprint, agent agentInfo) []domain.RiskFactor {
	var factors []domain.RiskFactor

	add := func(name, desc string, delta int) {
		factors = append(factors, domain.RiskFactor{Name: name, Description: desc, ScoreDelta: delta})
	}

	if fp.Classification.IsVPN {
		add("network_vpn", "Address classified as a VPN endpoint", 30)
	}
	if fp.Classification.IsProxy {
		add("network_proxy", "Address classified as a proxy", 25)
	}
	if fp.Classification.IsTor {
		add("network_tor", "Address classified as a Tor exit", 50)
	}
	if fp.Classification.IsHosting {
		add("network_hosting", "Address belongs to a hosting provider", 15)
	}
	if isHighRiskCountry(fp.Geo.Country) {
		add("geo_high_risk", fmt.Sprintf("Address located in high-risk country (%s)", fp.Geo.Country), 20)
	}
	if agent.Bot {
		add("bot_agent", fmt.Sprintf("User-agent indicates automation (%s)", agent.BotName), 30)
	}
	if n := fp.MissingStandardHeaders; n > 0 {
		add("missing_headers", fmt.Sprintf("%d standard browser header(s) absent", n), clamp(10*n, 0, 30))
	}
	if fp.PlatformMismatch {
		add("platform_mismatch", "Claimed platform does not match user-agent", 20)
	}

	return factors
}

// ─── Signal helpers ───────────────────────────────────────────────────────────

// primaryLanguage keeps only the first accepted language, stripped of its
// quality weight. The full list varies between channels; the first value
// doesn't.
func primaryLanguage(acceptLanguage string) string {
	first := strings.SplitN(acceptLanguage, ",", 2)[0]
	first = strings.SplitN(first, ";", 2)[0]
	return strings.ToLower(strings.TrimSpace(first))
}

// acceptsGzip reduces the encoding list to a single coarse capability bit.
// The full Accept-Encoding value differs between HTTP stacks on the same
// device; gzip support does not.
func acceptsGzip(acceptEncoding string) bool {
	return strings.Contains(strings.ToLower(acceptEncoding), "gzip")
}

// platformHint prefers the client-hint platform and falls back to the OS
// parsed from the user-agent.
func platformHint(headers map[string]string, agent agentInfo) string {
	if p := trimHint(headers["sec-ch-ua-platform"]); p != "" {
		return p
	}
	return agent.OS
}

// mobileHint prefers the client-hint mobile flag over the user-agent guess.
func mobileHint(headers map[string]string, agent agentInfo) bool {
	switch headers["sec-ch-ua-mobile"] {
	case "?1":
		return true
	case "?0":
		return false
	}
	return agent.Mobile
}

// trimHint strips the quotes client-hint header values arrive in.
func trimHint(v string) string {
	return strings.Trim(strings.TrimSpace(v), `"`)
}

func hashParts(parts []string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
