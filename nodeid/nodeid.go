// Package nodeid parses and validates cluster node identifiers of the
// form name@host:port (spec §3 "Node identifier", §4.A Identity & Codec).
//
// Parsing both validates and brands the string: a nodeid.ID can only be
// constructed through Parse, so a plain string can never leak into code
// that expects a validated identifier.
package nodeid

import (
	"net"
	"regexp"
	"strconv"
	"strings"

	sockaddr "github.com/hashicorp/go-sockaddr"

	"github.com/noexrun/noex/errdefs"
)

// ID is a branded, validated node identifier. The zero value is not a
// valid ID; always obtain one via Parse or New.
type ID struct {
	raw string
}

var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)

// String returns the canonical "name@host:port" form.
func (id ID) String() string { return id.raw }

// IsZero reports whether id is the unset zero value.
func (id ID) IsZero() bool { return id.raw == "" }

// Equal compares two identifiers by value, per spec §3 ("value-equal as
// strings").
func (id ID) Equal(other ID) bool { return id.raw == other.raw }

// Name returns the "name" portion of the identifier.
func (id ID) Name() string {
	at := strings.IndexByte(id.raw, '@')
	if at < 0 {
		return ""
	}
	return id.raw[:at]
}

// HostPort returns the "host:port" portion of the identifier.
func (id ID) HostPort() string {
	at := strings.IndexByte(id.raw, '@')
	if at < 0 {
		return ""
	}
	return id.raw[at+1:]
}

// Parse validates s against the grammar in spec §3 and returns a branded
// ID, or an ErrInvalidNodeId error carrying the offending input.
func Parse(s string) (ID, error) {
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return ID{}, errdefs.NewInvalidNodeId(s, errBadForm)
	}
	name, hostport := s[:at], s[at+1:]
	if !namePattern.MatchString(name) {
		return ID{}, errdefs.NewInvalidNodeId(s, errBadName)
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return ID{}, errdefs.NewInvalidNodeId(s, errBadForm)
	}
	if err := validateHost(host); err != nil {
		return ID{}, errdefs.NewInvalidNodeId(s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return ID{}, errdefs.NewInvalidNodeId(s, errBadPort)
	}
	return ID{raw: s}, nil
}

// New builds an ID from already-validated parts, re-validating them. It
// is a convenience over Parse(name + "@" + host + ":" + port).
func New(name, host string, port int) (ID, error) {
	return Parse(name + "@" + host + ":" + strconv.Itoa(port))
}

func validateHost(host string) error {
	if host == "" {
		return errBadHost
	}
	if _, err := sockaddr.NewIPv4Addr(host); err == nil {
		return nil
	}
	// RFC-1123 hostname: labels of letters/digits/hyphens, not starting
	// or ending with a hyphen, joined by dots.
	for _, label := range strings.Split(host, ".") {
		if !hostnameLabel.MatchString(label) {
			return errBadHost
		}
	}
	return nil
}

var hostnameLabel = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)

type parseError string

func (e parseError) Error() string { return string(e) }

const (
	errBadForm parseError = "expected form name@host:port"
	errBadName parseError = "name must match [A-Za-z][A-Za-z0-9_-]{0,63}"
	errBadHost parseError = "host must be an IPv4 address or RFC-1123 hostname"
	errBadPort parseError = "port must be in 1..65535"
)
