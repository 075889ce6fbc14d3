package chain

import (
	"errors"
	"net/url"
	"strings"
)

var (
	// ErrEmptyURL is returned for blank input.
	ErrEmptyURL = errors.New("node URL is empty")
	// ErrBadURL is returned for input that cannot be a node address.
	ErrBadURL = errors.New("node URL is malformed")
)

// ResolveNodeURL turns user input into a node URL. Input without a scheme is
// kept as typed; the node client reports it as an unknown protocol and the
// caller retries with http:// prepended.
func ResolveNodeURL(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrEmptyURL
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return "", ErrBadURL
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return "", ErrBadURL
		}
		return s, nil
	}
	if _, err := url.Parse("http://" + s); err != nil {
		return "", ErrBadURL
	}
	return s, nil
}

// HasScheme reports whether nodeURL already names a protocol, as in
// "http://host" or "ws://host". A bare host that merely starts with "http"
// has none.
func HasScheme(nodeURL string) bool {
	i := strings.Index(nodeURL, "://")
	if i <= 0 {
		return false
	}
	for j, r := range nodeURL[:i] {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case j > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return true
}
