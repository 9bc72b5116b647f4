package connector

import (
	"net"
	"net/url"
	"strings"
)

// Network ranges a connector must never reach. Covers loopback, RFC 1918,
// link-local, CGNAT, benchmarking and "this network" IPv4 space.
var forbiddenV4 = mustCIDRs(
	"127.0.0.0/8",
	"0.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"198.18.0.0/15",
)

var metadataMarkers = []string{"169.254.", "metadata.internal", "metadata.google"}

// IsForbiddenTarget reports whether an action target points at local,
// private or metadata address space. URLs are judged by their host; bare
// targets by literal form. Anything ambiguous is forbidden.
func IsForbiddenTarget(target string) (bool, string) {
	t := strings.ToLower(strings.TrimSpace(target))
	if t == "" {
		return true, "empty target"
	}
	host := t
	if strings.HasPrefix(t, "http://") || strings.HasPrefix(t, "https://") {
		u, err := url.Parse(t)
		if err != nil || u.Hostname() == "" {
			return true, "unparseable url"
		}
		host = u.Hostname()
	}
	for _, marker := range metadataMarkers {
		if strings.Contains(host, marker) {
			return true, "cloud metadata endpoint"
		}
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true, "localhost"
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip == nil {
		// A plain name or resource identifier, not an address literal.
		return false, ""
	}
	return ipForbidden(ip)
}

func ipForbidden(ip net.IP) (bool, string) {
	if v4 := ip.To4(); v4 != nil {
		for _, cidr := range forbiddenV4 {
			if cidr.Contains(v4) {
				return true, "private or local IPv4 range " + cidr.String()
			}
		}
		return false, ""
	}
	switch {
	case ip.Equal(net.IPv6loopback):
		return true, "ipv6 loopback"
	case ip.Equal(net.IPv6unspecified):
		return true, "ipv6 unspecified"
	case ip[0]&0xfe == 0xfc:
		return true, "ipv6 unique local range fc00::/7"
	case ip[0] == 0xfe && ip[1]&0xc0 == 0x80:
		return true, "ipv6 link-local range fe80::/10"
	}
	return false, ""
}

func mustCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, len(cidrs))
	for i, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out[i] = network
	}
	return out
}
