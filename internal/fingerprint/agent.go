package fingerprint

import (
	"regexp"
	"strings"
)

// agentInfo is what we can read off a raw user-agent string.
type agentInfo struct {
	OS      string
	Mobile  bool
	Bot     bool
	BotName string
}

// Automation tools and crawlers identify themselves (or forget to hide) with
// these tokens. Matches short-circuit further browser detection.
var botAgentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bot`),
	regexp.MustCompile(`(?i)spider`),
	regexp.MustCompile(`(?i)crawler`),
	regexp.MustCompile(`(?i)scraper`),
	regexp.MustCompile(`(?i)headless`),
	regexp.MustCompile(`(?i)phantomjs`),
	regexp.MustCompile(`(?i)selenium`),
	regexp.MustCompile(`(?i)puppeteer`),
	regexp.MustCompile(`(?i)playwright`),
	regexp.MustCompile(`(?i)curl`),
	regexp.MustCompile(`(?i)wget`),
	regexp.MustCompile(`(?i)python`),
	regexp.MustCompile(`(?i)java/`),
	regexp.MustCompile(`(?i)httpie`),
	regexp.MustCompile(`(?i)postman`),
	regexp.MustCompile(`(?i)axios`),
	regexp.MustCompile(`(?i)node-fetch`),
	regexp.MustCompile(`(?i)go-http`),
	regexp.MustCompile(`(?i)okhttp`),
	regexp.MustCompile(`(?i)libwww`),
}

// parseAgent extracts OS/mobile/bot hints from a user-agent string.
func parseAgent(ua string) agentInfo {
	info := agentInfo{}

	for _, pattern := range botAgentPatterns {
		if match := pattern.FindString(ua); match != "" {
			info.Bot = true
			info.BotName = match
			return info
		}
	}

	switch {
	case strings.Contains(ua, "Windows"):
		info.OS = "Windows"
	case strings.Contains(ua, "Mac OS X"), strings.Contains(ua, "Macintosh"):
		info.OS = "macOS"
	case strings.Contains(ua, "Android"):
		info.OS = "Android"
		info.Mobile = true
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"):
		info.OS = "iOS"
		info.Mobile = true
	case strings.Contains(ua, "Linux"):
		info.OS = "Linux"
	}

	if strings.Contains(ua, "Mobile") {
		info.Mobile = true
	}

	return info
}

// platformMatchesAgent checks the client-hint platform against the OS the
// user-agent claims. Empty values never mismatch: absence of a hint is not
// evidence of spoofing.
func platformMatchesAgent(platform string, info agentInfo) bool {
	if platform == "" || info.OS == "" {
		return true
	}
	p := strings.ToLower(platform)
	switch info.OS {
	case "Windows":
		return strings.Contains(p, "win")
	case "macOS":
		return strings.Contains(p, "mac")
	case "Android":
		return strings.Contains(p, "android")
	case "iOS":
		return strings.Contains(p, "ios") || strings.Contains(p, "iphone")
	case "Linux":
		return strings.Contains(p, "linux")
	}
	return true
}

// standardHeaders are expected from every real browser regardless of channel.
var standardHeaders = []string{
	"accept",
	"accept-language",
	"accept-encoding",
	"user-agent",
}

// countMissingStandardHeaders returns how many expected browser headers are
// absent from the bundle.
func countMissingStandardHeaders(headers map[string]string) int {
	missing := 0
	for _, h := range standardHeaders {
		if headers[h] == "" {
			missing++
		}
	}
	return missing
}
