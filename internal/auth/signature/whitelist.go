package signature

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"go4.org/netipx"
)

// ErrInvalidWhitelistEntry is returned for entries that cannot be compiled.
var ErrInvalidWhitelistEntry = errors.New("invalid whitelist entry")

// Whitelist is a compiled IP allow-list. Exact addresses, CIDR prefixes and
// trailing-octet wildcards ("10.1.*.*") are folded into one IPSet; any other
// wildcard ("10.*.3.4") is matched by regular expression.
type Whitelist struct {
	set      *netipx.IPSet
	patterns []*regexp.Regexp
	literals map[string]struct{}
	any      bool
	empty    bool
}

// CompileWhitelist compiles entries. Invalid entries are reported in the
// returned error and skipped; the Whitelist is usable either way.
func CompileWhitelist(entries []string) (*Whitelist, error) {
	w := &Whitelist{literals: make(map[string]struct{})}

	var (
		b    netipx.IPSetBuilder
		errs []error
		n    int
	)
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		n++
		if err := w.add(&b, entry); err != nil {
			errs = append(errs, err)
		}
	}
	w.empty = n == 0

	set, err := b.IPSet()
	if err != nil {
		errs = append(errs, err)
	}
	w.set = set
	return w, errors.Join(errs...)
}

// ParseWhitelist splits a comma-separated whitelist.
func ParseWhitelist(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (w *Whitelist) add(b *netipx.IPSetBuilder, entry string) error {
	switch {
	case strings.Contains(entry, "/"):
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return fmt.Errorf("%w: %q: %w", ErrInvalidWhitelistEntry, entry, err)
		}
		b.AddPrefix(prefix.Masked())
	case entry == "*":
		w.any = true
	case strings.Contains(entry, "*"):
		if r, ok := wildcardRange(entry); ok {
			b.AddRange(r)
			return nil
		}
		re, err := wildcardRegexp(entry)
		if err != nil {
			return fmt.Errorf("%w: %q: %w", ErrInvalidWhitelistEntry, entry, err)
		}
		w.patterns = append(w.patterns, re)
	default:
		if addr, err := netip.ParseAddr(entry); err == nil {
			b.Add(addr.Unmap())
			return nil
		}
		w.literals[entry] = struct{}{}
	}
	return nil
}

// wildcardRange converts "a.b.*.*" into the range a.b.0.0-a.b.255.255.
// Wildcards must be whole octets and only trail the fixed ones.
func wildcardRange(entry string) (netipx.IPRange, bool) {
	octets := strings.Split(entry, ".")
	if len(octets) != 4 {
		return netipx.IPRange{}, false
	}

	var from, to [4]byte
	wild := false
	for i, o := range octets {
		if o == "*" {
			wild = true
			from[i], to[i] = 0, 255
			continue
		}
		if wild {
			return netipx.IPRange{}, false
		}
		v, ok := parseOctet(o)
		if !ok {
			return netipx.IPRange{}, false
		}
		from[i], to[i] = v, v
	}
	return netipx.IPRangeFrom(netip.AddrFrom4(from), netip.AddrFrom4(to)), true
}

func parseOctet(s string) (byte, bool) {
	if s == "" || len(s) > 3 {
		return 0, false
	}
	v := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + int(c-'0')
	}
	if v > 255 {
		return 0, false
	}
	return byte(v), true
}

func wildcardRegexp(entry string) (*regexp.Regexp, error) {
	parts := strings.Split(entry, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("^" + strings.Join(parts, `[0-9]{1,3}`) + "$")
}

// Allows reports whether ip may call. An empty whitelist allows everyone.
func (w *Whitelist) Allows(ip string) bool {
	if w == nil || w.empty || w.any {
		return true
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return false
	}

	if _, ok := w.literals[ip]; ok {
		return true
	}
	if addr, err := netip.ParseAddr(ip); err == nil && w.set != nil && w.set.Contains(addr.Unmap()) {
		return true
	}
	for _, re := range w.patterns {
		if re.MatchString(ip) {
			return true
		}
	}
	return false
}
