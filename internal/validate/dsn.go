package validate

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrInvalidDSN = errors.New("invalid dsn")

// DSN is a parsed connection string for an external target.
type DSN struct {
	Raw string
	// Scheme is the driver tag: the URL scheme, or the sub-protocol of a
	// jdbc: string, lower-cased.
	Scheme string
	JDBC   bool
	URL    *url.URL
}

// ParseDSN accepts plain URIs (postgresql://...) and JDBC strings
// (jdbc:trino://...).
func ParseDSN(raw string) (DSN, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return DSN{}, fmt.Errorf("%w: connection string is empty", ErrInvalidDSN)
	}
	d := DSN{Raw: raw}
	if rest, ok := cutPrefixFold(s, "jdbc:"); ok {
		d.JDBC = true
		s = rest
	}
	u, err := url.Parse(s)
	if err != nil {
		return DSN{}, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	if u.Scheme == "" {
		return DSN{}, fmt.Errorf("%w: cannot determine database type", ErrInvalidDSN)
	}
	d.Scheme = strings.ToLower(u.Scheme)
	d.URL = u
	return d, nil
}

// Dialect picks the validation dialect for the DSN. Unknown schemes fall back
// to PostgreSQL; known reports whether the scheme was recognised.
func (d DSN) Dialect() (dialect Dialect, known bool) {
	switch {
	case strings.Contains(d.Scheme, "postgres"):
		return PostgreSQL, true
	case d.Scheme == "trino" || d.Scheme == "presto":
		return Trino, true
	default:
		return PostgreSQL, false
	}
}

// Redact masks the password of a DSN so it can be logged.
func Redact(raw string) string {
	d, err := ParseDSN(raw)
	if err != nil || d.URL == nil {
		return "<invalid dsn>"
	}
	u := *d.URL
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	q := u.Query()
	if q.Has("password") {
		q.Set("password", "xxxxx")
		u.RawQuery = q.Encode()
	}
	out := u.String()
	if d.JDBC {
		out = "jdbc:" + out
	}
	return out
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}
