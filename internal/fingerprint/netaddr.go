package fingerprint

import (
	"net"
	"strings"
)

// forwardingHeaders is the priority order for real-address extraction.
// CDN-injected headers win over generic proxy headers because they are set by
// infrastructure we trust; x-forwarded-for is last because any hop can append
// to it.
var forwardingHeaders = []string{
	"cf-connecting-ip",
	"true-client-ip",
	"x-real-ip",
	"x-client-ip",
	"x-forwarded-for",
}

// realAddress extracts the client's real network address from the signal
// bundle. Forwarding headers are tried in priority order; candidates must be
// syntactically valid public addresses. Falls back to the raw connection
// address (with or without a port) when no header yields a usable value.
func realAddress(remoteAddr string, headers map[string]string) string {
	for _, h := range forwardingHeaders {
		raw, ok := headers[h]
		if !ok || raw == "" {
			continue
		}
		// x-forwarded-for may be a comma-separated chain; the first hop is
		// the original client.
		candidate := strings.TrimSpace(strings.SplitN(raw, ",", 2)[0])
		if isPublicIP(candidate) {
			return candidate
		}
	}

	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	return strings.TrimSpace(host)
}

// isPublicIP reports whether s parses as an IPv4/IPv6 address that is
// routable on the public internet.
func isPublicIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified() {
		return false
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	return true
}

// Known hosting/datacenter ranges used by the local classification heuristic
// when no threat-intel collaborator is configured or it times out.
var hostingCIDRs = []string{
	// AWS
	"3.0.0.0/8", "13.0.0.0/8", "18.0.0.0/8", "34.0.0.0/8", "52.0.0.0/8", "54.0.0.0/8",
	// Google Cloud
	"34.64.0.0/10", "35.184.0.0/13", "104.154.0.0/15", "104.196.0.0/14",
	// Azure
	"13.64.0.0/11", "20.0.0.0/8", "40.64.0.0/10", "52.224.0.0/11",
	// DigitalOcean
	"64.225.0.0/16", "68.183.0.0/16", "104.131.0.0/16", "134.209.0.0/16",
	"138.68.0.0/16", "139.59.0.0/16", "142.93.0.0/16", "157.245.0.0/16",
	"159.65.0.0/16", "159.89.0.0/16", "161.35.0.0/16", "165.227.0.0/16",
	"167.71.0.0/16", "167.99.0.0/16", "178.128.0.0/16", "188.166.0.0/16",
	// Hetzner
	"5.9.0.0/16", "46.4.0.0/14", "78.46.0.0/15", "88.99.0.0/16", "95.216.0.0/14",
	"135.181.0.0/16", "136.243.0.0/16", "138.201.0.0/16", "144.76.0.0/16",
	"148.251.0.0/16", "157.90.0.0/16", "159.69.0.0/16", "168.119.0.0/16",
	// OVH
	"51.38.0.0/16", "51.68.0.0/16", "51.75.0.0/16", "51.77.0.0/16", "51.83.0.0/16",
	"51.89.0.0/16", "51.91.0.0/16", "54.36.0.0/16", "54.37.0.0/16", "54.38.0.0/16",
	"137.74.0.0/16", "139.99.0.0/16", "141.94.0.0/16", "144.217.0.0/16",
	"145.239.0.0/16", "147.135.0.0/16", "149.56.0.0/16", "158.69.0.0/16",
	// Linode
	"45.33.0.0/16", "45.56.0.0/16", "45.79.0.0/16", "139.162.0.0/16", "172.104.0.0/15",
	// Vultr
	"45.32.0.0/16", "45.63.0.0/16", "45.76.0.0/16", "45.77.0.0/16",
	"108.61.0.0/16", "140.82.0.0/16", "144.202.0.0/16", "149.28.0.0/16",
}

var hostingNets []*net.IPNet

func init() {
	for _, cidr := range hostingCIDRs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err == nil {
			hostingNets = append(hostingNets, ipNet)
		}
	}
}

// isHostingIP checks the address against the local datacenter range table.
func isHostingIP(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, ipNet := range hostingNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// isHighRiskCountry returns true for countries with historically elevated
// account-abuse rates in our traffic.
func isHighRiskCountry(country string) bool {
	switch strings.ToUpper(country) {
	case "RU", "NG", "UA", "CN", "VN", "PK", "KP", "RO", "GH", "TZ":
		return true
	}
	return false
}
