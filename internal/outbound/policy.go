// Package outbound guards every network destination a tool may reach.
//
// A URL passes only when it carries no credentials, uses https (or http when
// explicitly allowed), names a host rather than an IP literal, matches the
// allowlist, and resolves exclusively to public addresses.
package outbound

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/metalagman/planrun/internal/errs"
)

// Options configures a single check.
type Options struct {
	Allowlist []Rule
	AllowHTTP bool
	Resolver  Resolver
	// BypassAllowlist skips host allowlisting for local development. Address
	// range blocking still applies.
	BypassAllowlist bool
}

// Checked is the outcome of a successful check.
type Checked struct {
	URL   *url.URL
	Host  string
	Port  string
	Addrs []net.IP
}

// CheckURL validates raw against opts.
func CheckURL(ctx context.Context, raw string, opts Options) (*Checked, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, errs.Wrap(errs.OutboundNotAllowed, err, "invalid url")
	}
	if u.User != nil {
		return nil, errs.New(errs.OutboundCredentialsForbidden, "url must not embed credentials")
	}

	scheme := strings.ToLower(u.Scheme)
	switch {
	case scheme == "https":
	case scheme == "http" && opts.AllowHTTP:
	default:
		return nil, errs.Newf(errs.OutboundSchemeNotAllowed, "scheme %q is not allowed", u.Scheme)
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return nil, errs.New(errs.OutboundNotAllowed, "url has no host")
	}
	if isIPLiteral(host) {
		return nil, errs.Newf(errs.OutboundIPLiteralForbidden, "ip literal host %q is forbidden", host)
	}

	port := u.Port()
	if port == "" {
		port = defaultPort(scheme)
	}
	if !opts.BypassAllowlist && !matchAny(opts.Allowlist, scheme, host, port) {
		return nil, errs.Newf(errs.OutboundNotAllowed, "host %q is not in the outbound allowlist", host)
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, errs.Wrap(errs.OutboundNotAllowed, err, "resolve "+host)
	}
	if len(addrs) == 0 {
		return nil, errs.Newf(errs.OutboundNotAllowed, "host %q resolved to no addresses", host)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if IsBlockedIP(a.IP) {
			return nil, errs.Newf(errs.OutboundPrivateAddressBlocked, "host %q resolves to blocked address %s", host, a.IP)
		}
		ips = append(ips, a.IP)
	}

	return &Checked{URL: u, Host: host, Port: port, Addrs: ips}, nil
}

func isIPLiteral(host string) bool {
	h := strings.Trim(host, "[]")
	if i := strings.IndexByte(h, '%'); i >= 0 {
		h = h[:i]
	}
	return net.ParseIP(h) != nil
}

func defaultPort(scheme string) string {
	if scheme == "http" {
		return "80"
	}
	return "443"
}

var blockedV4 = mustCIDRs(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"224.0.0.0/3", // multicast and reserved, 224.0.0.0 and above
)

var blockedV6 = mustCIDRs(
	"::/128",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

// IsBlockedIP reports whether ip falls in a private, loopback, link-local,
// multicast or reserved range.
func IsBlockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		for _, n := range blockedV4 {
			if n.Contains(v4) {
				return true
			}
		}
		return false
	}
	for _, n := range blockedV6 {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func mustCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}
