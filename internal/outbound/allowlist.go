package outbound

import (
	"fmt"
	"net"
	"strings"
)

// Rule is one allowlist entry: [scheme://][*.]host[:port].
type Rule struct {
	Scheme   string
	Wildcard bool
	Host     string
	Port     string
}

func (r Rule) String() string {
	var b strings.Builder
	if r.Scheme != "" {
		b.WriteString(r.Scheme)
		b.WriteString("://")
	}
	if r.Wildcard {
		b.WriteString("*.")
	}
	b.WriteString(r.Host)
	if r.Port != "" {
		b.WriteString(":")
		b.WriteString(r.Port)
	}
	return b.String()
}

// ParseAllowlist parses allowlist entries. Empty entries are skipped.
func ParseAllowlist(entries []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		rule, err := parseRule(entry)
		if err != nil {
			return nil, fmt.Errorf("allowlist entry %q: %w", raw, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// MustParseAllowlist is ParseAllowlist that panics on error.
func MustParseAllowlist(entries ...string) []Rule {
	rules, err := ParseAllowlist(entries)
	if err != nil {
		panic(err)
	}
	return rules
}

func parseRule(entry string) (Rule, error) {
	var rule Rule
	rest := entry
	if scheme, after, ok := strings.Cut(rest, "://"); ok {
		scheme = strings.ToLower(scheme)
		if scheme != "http" && scheme != "https" {
			return Rule{}, fmt.Errorf("unsupported scheme %q", scheme)
		}
		rule.Scheme = scheme
		rest = after
	}
	rest = strings.TrimSuffix(rest, "/")
	if strings.ContainsAny(rest, "/?#@") {
		return Rule{}, fmt.Errorf("entry must be a host pattern")
	}
	if strings.HasPrefix(rest, "*.") {
		rule.Wildcard = true
		rest = rest[2:]
	}
	host := rest
	if h, p, err := net.SplitHostPort(rest); err == nil {
		host, rule.Port = h, p
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" || strings.Contains(host, "*") {
		return Rule{}, fmt.Errorf("invalid host")
	}
	if net.ParseIP(host) != nil {
		return Rule{}, fmt.Errorf("ip addresses are not allowed in the allowlist")
	}
	rule.Host = host
	return rule, nil
}

// Match reports whether the rule admits scheme://host:port. port is the
// explicit or scheme-default port.
func (r Rule) Match(scheme, host, port string) bool {
	if r.Scheme != "" && r.Scheme != scheme {
		return false
	}
	if r.Port != "" && r.Port != port {
		return false
	}
	if r.Wildcard {
		// The bare apex is not covered by a wildcard rule.
		return strings.HasSuffix(host, "."+r.Host)
	}
	return host == r.Host
}

func matchAny(rules []Rule, scheme, host, port string) bool {
	for _, r := range rules {
		if r.Match(scheme, host, port) {
			return true
		}
	}
	return false
}
