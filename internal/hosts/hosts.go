// Package hosts expands target entries into individual hosts.
//
// An entry may be a single IPv4 or IPv6 address, a dotted IPv4 range
// (10.0.1-20.5), a hextet IPv6 range (fe80::1-a), or a hostname. Ranges
// are fully expanded before scheduling.
package hosts

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var ipv4RangePattern = regexp.MustCompile(`^(?:[0-9]{1,3}(?:-[0-9]{1,3})?\.){3}[0-9]{1,3}(?:-[0-9]{1,3})?$`)

// Expand processes a list of target entries and returns the flat host list,
// de-duplicated preserving first occurrence.
func Expand(entries []string) ([]string, error) {
	var out []string
	seen := make(map[string]struct{})

	add := func(h string) {
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}

	for _, entry := range entries {
		switch {
		case isAddress(entry):
			add(Compress(entry))
		case ipv4RangePattern.MatchString(entry):
			expanded, err := expandIPv4Range(entry)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid target %q", entry)
			}
			for _, h := range expanded {
				add(h)
			}
		case strings.Contains(entry, ":"):
			expanded, err := expandIPv6Range(entry)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid target %q", entry)
			}
			for _, h := range expanded {
				add(h)
			}
		default:
			// Hostname, passed through untouched.
			add(entry)
		}
	}

	return out, nil
}

func isAddress(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}

// expandIPv4Range expands a dotted range like 10.0.1-20.5 into individual
// addresses.
func expandIPv4Range(ipRange string) ([]string, error) {
	octets := strings.Split(ipRange, ".")
	ranges := make([][]int, len(octets))

	for i, octet := range octets {
		lo, hi, err := parseBounds(octet, 10, 255)
		if err != nil {
			return nil, err
		}
		for v := lo; v <= hi; v++ {
			ranges[i] = append(ranges[i], v)
		}
	}

	var hosts []string
	for _, combo := range product(ranges) {
		parts := make([]string, len(combo))
		for i, v := range combo {
			parts[i] = strconv.Itoa(v)
		}
		hosts = append(hosts, strings.Join(parts, "."))
	}
	return hosts, nil
}

// expandIPv6Range expands a hextet range like fe80::1-a into individual
// addresses in compressed form.
func expandIPv6Range(ipRange string) ([]string, error) {
	exploded, err := explodeIPv6(ipRange)
	if err != nil {
		return nil, err
	}

	hextets := strings.Split(exploded, ":")
	ranges := make([][]int, len(hextets))

	for i, hextet := range hextets {
		lo, hi, err := parseBounds(hextet, 16, 0xffff)
		if err != nil {
			return nil, err
		}
		for v := lo; v <= hi; v++ {
			ranges[i] = append(ranges[i], v)
		}
	}

	var hosts []string
	for _, combo := range product(ranges) {
		parts := make([]string, len(combo))
		for i, v := range combo {
			parts[i] = fmt.Sprintf("%x", v)
		}
		addr, err := netip.ParseAddr(strings.Join(parts, ":"))
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, addr.String())
	}
	return hosts, nil
}

// explodeIPv6 converts a shorthand IPv6 range into its full eight-hextet
// form so each hextet can be processed independently.
func explodeIPv6(ip string) (string, error) {
	hextets := strings.Split(ip, ":")

	present := 0
	for _, h := range hextets {
		if h != "" {
			present++
		}
	}
	missing := 8 - present
	if missing < 0 {
		return "", errors.Errorf("too many hextets in %q", ip)
	}

	if strings.Contains(ip, "::") {
		fill := strings.TrimSuffix(strings.Repeat("0:", missing), ":")
		ip = strings.Replace(ip, "::", ":"+fill+":", 1)
		ip = strings.Trim(ip, ":")
	}

	hextets = strings.Split(ip, ":")
	if len(hextets) != 8 {
		return "", errors.Errorf("expected 8 hextets in %q, got %d", ip, len(hextets))
	}
	return strings.Join(hextets, ":"), nil
}

func parseBounds(part string, base, max int) (int, int, error) {
	if lo, hi, ok := strings.Cut(part, "-"); ok {
		loN, err := strconv.ParseInt(lo, base, 32)
		if err != nil {
			return 0, 0, err
		}
		hiN, err := strconv.ParseInt(hi, base, 32)
		if err != nil {
			return 0, 0, err
		}
		if loN > hiN || loN < 0 || int(hiN) > max {
			return 0, 0, errors.Errorf("range %q out of bounds", part)
		}
		return int(loN), int(hiN), nil
	}

	v, err := strconv.ParseInt(part, base, 32)
	if err != nil {
		return 0, 0, err
	}
	if v < 0 || int(v) > max {
		return 0, 0, errors.Errorf("value %q out of bounds", part)
	}
	return int(v), int(v), nil
}

// product returns the cartesian product of the given ranges, in order.
func product(ranges [][]int) [][]int {
	combos := [][]int{{}}
	for _, r := range ranges {
		var next [][]int
		for _, combo := range combos {
			for _, v := range r {
				c := make([]int, len(combo), len(combo)+1)
				copy(c, combo)
				next = append(next, append(c, v))
			}
		}
		combos = next
	}
	return combos
}

// Wrap returns the host in a form suitable for use inside a URL. IPv6
// addresses are wrapped in square brackets.
func Wrap(host string) string {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return host
	}
	if addr.Is6() && !addr.Is4In6() {
		return "[" + addr.String() + "]"
	}
	return host
}

// Compress returns the canonical compressed form of an IP address, or the
// input unchanged for hostnames.
func Compress(host string) string {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return host
	}
	return addr.String()
}

// Equal reports whether two hosts refer to the same address. Hostnames are
// compared as trimmed strings.
func Equal(a, b string) bool {
	addrA, errA := netip.ParseAddr(a)
	addrB, errB := netip.ParseAddr(b)
	if errA == nil && errB == nil {
		return addrA == addrB
	}
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}
