package domain

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
)

var (
	ErrInvalidHostname = errors.New("invalid hostname")
	ErrInvalidIP       = errors.New("invalid ip address")
)

// One DNS label: alphanumerics and hyphens, no leading/trailing hyphen.
var labelRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

var reservedHostnames = map[string]bool{
	"localhost": true,
	"www":       true,
	"ns1":       true,
	"ns2":       true,
}

// NormalizeHostname lower-cases and validates a host label.
// Hostnames are single labels; the zone is appended at placement time.
func NormalizeHostname(raw string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidHostname)
	}
	if len(name) > 63 {
		return "", fmt.Errorf("%w: too long (max 63 chars)", ErrInvalidHostname)
	}
	if !labelRegex.MatchString(name) {
		return "", fmt.Errorf("%w: %q must be alphanumeric with hyphens", ErrInvalidHostname, name)
	}
	if reservedHostnames[name] {
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidHostname, name)
	}
	return name, nil
}

// NormalizeIP parses an IPv4 or IPv6 literal and returns its canonical form.
// IPv4-mapped IPv6 addresses are unmapped so 10.0.0.1 and ::ffff:10.0.0.1 compare equal.
func NormalizeIP(raw string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, raw)
	}
	addr = addr.Unmap()
	if addr.Zone() != "" {
		return "", fmt.Errorf("%w: %q has a zone", ErrInvalidIP, raw)
	}
	if addr.IsUnspecified() || addr.IsMulticast() {
		return "", fmt.Errorf("%w: %q is not a unicast address", ErrInvalidIP, raw)
	}
	return addr.String(), nil
}

// RecordTypeFor returns "A" for IPv4 and "AAAA" for IPv6 addresses.
func RecordTypeFor(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err == nil && addr.Unmap().Is4() {
		return "A"
	}
	return "AAAA"
}

// CanonicalZone lower-cases a zone name and guarantees a trailing dot.
func CanonicalZone(zone string) string {
	zone = strings.ToLower(strings.TrimSpace(zone))
	if zone == "" {
		return ""
	}
	if !strings.HasSuffix(zone, ".") {
		zone += "."
	}
	return zone
}

// FQDN joins a hostname and a zone into a fully-qualified record name.
func FQDN(hostname, zone string) string {
	return hostname + "." + CanonicalZone(zone)
}

// Placement says where a host's record lives in DNS.
type Placement struct {
	Zone string
	TTL  int
}
