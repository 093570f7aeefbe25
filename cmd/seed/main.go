// Command seed generates a realistic test dataset for the Lumina Device Risk
// API and writes it to data/seed.json.
//
// Usage:
//
//	go run ./cmd/seed
//
// The generated dataset contains ~120 evaluation requests:
//   - ~70% legitimate sign-ups from distinct residential devices
//   - repeat attempts from devices that already registered (duplicate pattern)
//   - datacenter/VPN origins with headless clients
//   - a referral-abuse burst on a single referral code
//   - a near-duplicate email batch from one address
//   - header-stripped bot traffic
package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"

	"lumina/device-risk-api/internal/domain"
)

// request mirrors the evaluate endpoint's body shape.
type request struct {
	RemoteAddr string                   `json:"remote_addr"`
	Headers    map[string]string        `json:"headers"`
	Client     *domain.ClientAttributes `json:"client,omitempty"`
	Context    domain.AttemptContext    `json:"context"`
}

func main() {
	rng := rand.New(rand.NewSource(42)) // deterministic seed for reproducibility

	var requests []request
	requests = append(requests, generateLegitimateUsers(rng)...)
	requests = append(requests, generateRepeatDevices(rng)...)
	requests = append(requests, generateDatacenterOrigins()...)
	requests = append(requests, generateReferralAbuse(rng)...)
	requests = append(requests, generateEmailCluster(rng)...)
	requests = append(requests, generateBotTraffic()...)

	if err := os.MkdirAll("data", 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "mkdir error: %v\n", err)
		os.Exit(1)
	}

	f, err := os.Create("data/seed.json")
	if err != nil {
		fmt.Fprintf(os.Stderr, "create error: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(requests); err != nil {
		fmt.Fprintf(os.Stderr, "encode error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %d evaluation requests → data/seed.json\n", len(requests))
}

// ─── Legitimate users (~80 requests) ──────────────────────────────────────────

type persona struct {
	addr     string
	agent    string
	platform string
	mobile   string
	language string
	email    string
}

var personas = []persona{
	{
		addr:     "177.23.45.12",
		agent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		platform: `"Windows"`, mobile: "?0", language: "pt-BR,pt;q=0.9",
		email: "carlos.silva@gmail.com",
	},
	{
		addr:     "187.65.12.34",
		agent:    "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
		platform: `"macOS"`, mobile: "?0", language: "es-MX,es;q=0.9",
		email: "sofia.ramirez@hotmail.com",
	},
	{
		addr:     "200.45.67.89",
		agent:    "Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0",
		platform: `"Linux"`, mobile: "?0", language: "es-AR,es;q=0.8",
		email: "diego.moreno@yahoo.com.ar",
	},
	{
		addr:     "190.122.33.44",
		agent:    "Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1",
		platform: `"iOS"`, mobile: "?1", language: "es-CO,es;q=0.9",
		email: "ana.garcia@gmail.com",
	},
	{
		addr:     "187.12.99.10",
		agent:    "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
		platform: `"Android"`, mobile: "?1", language: "pt-BR,pt;q=0.9",
		email: "pedro.oliveira@gmail.com",
	},
	{
		addr:     "189.200.11.22",
		agent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36 Edg/119.0.0.0",
		platform: `"Windows"`, mobile: "?0", language: "es-MX,es;q=0.9",
		email: "maria.lopez@protonmail.com",
	},
	{
		addr:     "201.33.55.77",
		agent:    "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		platform: `"macOS"`, mobile: "?0", language: "es-AR,es;q=0.9",
		email: "juan.hernandez@gmail.com",
	},
	{
		addr:     "181.78.90.12",
		agent:    "Mozilla/5.0 (iPhone; CPU iPhone OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Mobile/15E148 Safari/604.1",
		platform: `"iOS"`, mobile: "?1", language: "es-CO,es;q=0.9",
		email: "valentina.torres@icloud.com",
	},
}

func browserHeaders(p persona) map[string]string {
	return map[string]string{
		"user-agent":         p.agent,
		"accept":             "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"accept-language":    p.language,
		"accept-encoding":    "gzip, deflate, br",
		"sec-ch-ua-platform": p.platform,
		"sec-ch-ua-mobile":   p.mobile,
		"connection":         "keep-alive",
	}
}

func humanClient(rng *rand.Rand) *domain.ClientAttributes {
	enabled := true
	return &domain.ClientAttributes{
		CookiesEnabled:      &enabled,
		PointerEvents:       20 + rng.Intn(200),
		KeyCount:            15 + rng.Intn(60),
		AvgKeyIntervalMs:    120 + rng.Float64()*180,
		KeyIntervalVariance: 25 + rng.Float64()*80,
	}
}

func generateLegitimateUsers(rng *rand.Rand) []request {
	var reqs []request
	channels := []string{domain.ChannelWeb, domain.ChannelMobile, domain.ChannelOAuth}

	for _, p := range personas {
		// Each persona signs up once and returns a handful of times across
		// different channels; the basic hash keeps them the same device.
		count := 8 + rng.Intn(5)
		for j := 0; j < count; j++ {
			headers := browserHeaders(p)
			ch := channels[j%len(channels)]
			if ch == domain.ChannelOAuth {
				headers["referer"] = "https://accounts.example-idp.com/authorize"
				headers["origin"] = "https://accounts.example-idp.com"
			}
			reqs = append(reqs, request{
				RemoteAddr: p.addr + ":443",
				Headers:    headers,
				Client:     humanClient(rng),
				Context: domain.AttemptContext{
					Email:   p.email,
					Channel: ch,
				},
			})
		}
	}
	return reqs
}

// ─── Repeat devices (~6 requests) ─────────────────────────────────────────────

// generateRepeatDevices re-sends the first persona's exact signals with new
// identities, the basic duplicate-account pattern.
func generateRepeatDevices(rng *rand.Rand) []request {
	p := personas[0]
	var reqs []request
	for i := 0; i < 6; i++ {
		reqs = append(reqs, request{
			RemoteAddr: p.addr + ":443",
			Headers:    browserHeaders(p),
			Client:     humanClient(rng),
			Context: domain.AttemptContext{
				Email:   fmt.Sprintf("second.account.%d@gmail.com", i),
				Channel: domain.ChannelWeb,
			},
		})
	}
	return reqs
}

// ─── Datacenter origins (~8 requests) ─────────────────────────────────────────

func generateDatacenterOrigins() []request {
	// Addresses inside well-known hosting ranges.
	addrs := []string{"52.14.22.9", "34.201.5.77", "142.93.18.40", "135.181.99.3"}
	var reqs []request
	for i, addr := range addrs {
		for j := 0; j < 2; j++ {
			reqs = append(reqs, request{
				RemoteAddr: addr + ":51000",
				Headers: map[string]string{
					"user-agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) HeadlessChrome/119.0.0.0 Safari/537.36",
					"accept":          "*/*",
					"accept-encoding": "gzip",
				},
				Context: domain.AttemptContext{
					Email:   fmt.Sprintf("dc_user_%d%d@tempmail.com", i, j),
					Channel: domain.ChannelAPI,
				},
			})
		}
	}
	return reqs
}

// ─── Referral abuse (~10 requests) ────────────────────────────────────────────

// generateReferralAbuse drives one referral code past its daily cap from
// rotating addresses and agents.
func generateReferralAbuse(rng *rand.Rand) []request {
	var reqs []request
	for i := 0; i < 10; i++ {
		p := personas[rng.Intn(len(personas))]
		headers := browserHeaders(p)
		// Perturb the agent slightly so each attempt is a distinct device.
		headers["user-agent"] = fmt.Sprintf("%s build/%d", p.agent, i)
		reqs = append(reqs, request{
			RemoteAddr: fmt.Sprintf("45.176.%d.%d:443", 10+i, 20+i),
			Headers:    headers,
			Client:     humanClient(rng),
			Context: domain.AttemptContext{
				Email:        fmt.Sprintf("ref.hunter.%02d@gmail.com", i),
				ReferralCode: "BONUS-2024",
				Channel:      domain.ChannelWeb,
			},
		})
	}
	return reqs
}

// ─── Email cluster (~6 requests) ──────────────────────────────────────────────

// generateEmailCluster submits near-duplicate identities that normalize to the
// same stem: jhon.doe1@, jhondoe2@, jhon.doe+x@.
func generateEmailCluster(rng *rand.Rand) []request {
	emails := []string{
		"jhon.doe1@gmail.com",
		"jhondoe2@gmail.com",
		"jhon.doe3@gmail.com",
		"jhon.doe+a@gmail.com",
		"j.h.o.n.doe4@gmail.com",
		"jhondoe99@gmail.com",
	}
	var reqs []request
	for i, email := range emails {
		p := personas[1]
		headers := browserHeaders(p)
		headers["user-agent"] = fmt.Sprintf("%s rv:%d", p.agent, i)
		reqs = append(reqs, request{
			RemoteAddr: "190.85.44.10:443",
			Headers:    headers,
			Client:     humanClient(rng),
			Context: domain.AttemptContext{
				Email:   email,
				Channel: domain.ChannelWeb,
			},
		})
	}
	return reqs
}

// ─── Bot traffic (~8 requests) ────────────────────────────────────────────────

func generateBotTraffic() []request {
	agents := []string{
		"python-requests/2.31.0",
		"curl/8.4.0",
		"Go-http-client/2.0",
		"Scrapy/2.11 (+https://scrapy.org)",
	}
	var reqs []request
	for i, agent := range agents {
		for j := 0; j < 2; j++ {
			disabled := false
			reqs = append(reqs, request{
				RemoteAddr: fmt.Sprintf("103.91.92.%d:40000", 100+i*4+j),
				Headers: map[string]string{
					"user-agent": agent,
				},
				Client: &domain.ClientAttributes{
					CookiesEnabled:      &disabled,
					PointerEvents:       0,
					KeyCount:            40,
					AvgKeyIntervalMs:    8,
					KeyIntervalVariance: 0.5,
				},
				Context: domain.AttemptContext{
					Email:   fmt.Sprintf("bot%d%d@10minutemail.com", i, j),
					Channel: domain.ChannelAPI,
				},
			})
		}
	}
	return reqs
}
