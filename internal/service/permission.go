package service

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/faucetdb/valve/internal/model"
)

// Authorize reports whether key may call method on path. A key without
// permissions has full access; otherwise the literal METHOD:PATH pair must be
// in its set. There is no prefix or wildcard matching.
func Authorize(key *model.APIKey, method, path string) bool {
	if key.Permissions.FullAccess() {
		return true
	}
	m, err := model.ParseMethod(method)
	if err != nil {
		return false
	}
	return key.Permissions.Contains(model.Permission{Method: m, Path: path})
}

// IPAllowed reports whether addr matches the key's whitelist. An empty
// whitelist allows every address.
func IPAllowed(key *model.APIKey, addr string) bool {
	if len(key.IPWhitelist) == 0 {
		return true
	}
	ip, err := netip.ParseAddr(stripPort(addr))
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, entry := range key.IPWhitelist {
		prefix, err := parseWhitelistEntry(entry)
		if err != nil {
			continue
		}
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}

// normalizeWhitelist validates whitelist entries and returns them in
// canonical prefix form ("10.0.0.1" becomes "10.0.0.1/32").
func normalizeWhitelist(entries []string) ([]string, error) {
	out := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	var bad []string
	for _, e := range entries {
		prefix, err := parseWhitelistEntry(e)
		if err != nil {
			bad = append(bad, e)
			continue
		}
		s := prefix.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(bad) > 0 {
		return nil, fmt.Errorf("invalid IP or CIDR: %s", strings.Join(bad, ", "))
	}
	return out, nil
}

func parseWhitelistEntry(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	ip, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	ip = ip.Unmap()
	return netip.PrefixFrom(ip, ip.BitLen()), nil
}

// stripPort accepts both "host" and "host:port" remote addresses.
func stripPort(addr string) string {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap.Addr().String()
	}
	return strings.Trim(addr, "[]")
}
