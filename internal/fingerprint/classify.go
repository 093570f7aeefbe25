package fingerprint

import (
	"context"
	"net"
	"regexp"
	"time"

	"lumina/device-risk-api/internal/domain"
)

// GeoLookup resolves a network address to a coarse location.
// Implementations are expected to be remote services; calls are bounded by
// the generator's lookup timeout and failures degrade to an empty location.
type GeoLookup interface {
	Locate(ctx context.Context, addr string) (domain.Geolocation, error)
}

// ThreatIntel classifies a network address (VPN/proxy/Tor/hosting).
// Failures degrade to the local heuristic, never to a hard error.
type ThreatIntel interface {
	Classify(ctx context.Context, addr string) (domain.NetworkClassification, error)
}

// ReverseLookup resolves an address to its DNS names. Injected so tests can
// substitute a double for net.DefaultResolver.
type ReverseLookup func(ctx context.Context, addr string) ([]string, error)

// Reverse-DNS tokens that betray anonymizing infrastructure.
var anonymizerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)vpn`),
	regexp.MustCompile(`(?i)proxy`),
	regexp.MustCompile(`(?i)tor-exit`),
	regexp.MustCompile(`(?i)exit-?node`),
	regexp.MustCompile(`(?i)anonymizer`),
	regexp.MustCompile(`(?i)tunnel`),
	regexp.MustCompile(`(?i)relay`),
}

// Sub-classifiers deciding which kind of anonymizer a matched name is.
var (
	torNamePattern   = regexp.MustCompile(`(?i)tor`)
	proxyNamePattern = regexp.MustCompile(`(?i)proxy`)
)

// classify determines what kind of network the address belongs to. The
// threat-intel collaborator is authoritative when it answers in time;
// otherwise the local heuristic (datacenter ranges plus reverse DNS) fills in.
func (g *Generator) classify(ctx context.Context, addr string) domain.NetworkClassification {
	if g.intel != nil {
		lookupCtx, cancel := context.WithTimeout(ctx, g.lookupTimeout)
		c, err := g.intel.Classify(lookupCtx, addr)
		cancel()
		if err == nil {
			return c
		}
	}
	return g.classifyLocal(ctx, addr)
}

// classifyLocal is the best-effort fallback used when no collaborator is
// configured or it failed.
func (g *Generator) classifyLocal(ctx context.Context, addr string) domain.NetworkClassification {
	var c domain.NetworkClassification

	if isHostingIP(addr) {
		c.IsHosting = true
		c.ThreatScore = 30
	}

	if g.reverse == nil {
		return c
	}

	lookupCtx, cancel := context.WithTimeout(ctx, g.lookupTimeout)
	defer cancel()

	names, err := g.reverse(lookupCtx, addr)
	if err != nil {
		return c
	}
	for _, name := range names {
		for _, pattern := range anonymizerPatterns {
			if !pattern.MatchString(name) {
				continue
			}
			switch {
			case torNamePattern.MatchString(name):
				c.IsTor = true
				c.ThreatScore = max(c.ThreatScore, 80)
			case proxyNamePattern.MatchString(name):
				c.IsProxy = true
				c.ThreatScore = max(c.ThreatScore, 50)
			default:
				c.IsVPN = true
				c.ThreatScore = max(c.ThreatScore, 50)
			}
		}
	}
	return c
}

// locate resolves geolocation, degrading to an empty result on any failure.
func (g *Generator) locate(ctx context.Context, addr string) domain.Geolocation {
	if g.geo == nil {
		return domain.Geolocation{}
	}
	lookupCtx, cancel := context.WithTimeout(ctx, g.lookupTimeout)
	defer cancel()

	geo, err := g.geo.Locate(lookupCtx, addr)
	if err != nil {
		return domain.Geolocation{}
	}
	return geo
}

// defaultReverseLookup uses the system resolver.
func defaultReverseLookup(ctx context.Context, addr string) ([]string, error) {
	return net.DefaultResolver.LookupAddr(ctx, addr)
}

// defaultLookupTimeout bounds collaborator calls so a slow geolocation or
// intel service can never block an attempt.
const defaultLookupTimeout = 800 * time.Millisecond
