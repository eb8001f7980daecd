package urlx

import (
	"strings"

	"github.com/tanq16/bolt/internal/bolterr"
)

// URL is an immutable parsed absolute HTTP(S) URL.
type URL struct {
	scheme   string
	user     string
	host     string
	port     string
	path     string
	query    string
	fragment string
}

// Parse parses an absolute URL of the form scheme://[user@]host[:port][/path][?query][#fragment].
// The scheme is lowercased. A missing "://" or empty host is an invalid_url error.
func Parse(raw string) (URL, error) {
	var u URL

	schemeEnd := strings.Index(raw, "://")
	if schemeEnd <= 0 {
		return u, bolterr.New(bolterr.KindInvalidURL, "parse", raw, nil)
	}
	u.scheme = strings.ToLower(raw[:schemeEnd])

	rest := raw[schemeEnd+3:]

	// Authority runs until the first of '/', '?' or '#'.
	authorityEnd := len(rest)
	for i, c := range rest {
		if c == '/' || c == '?' || c == '#' {
			authorityEnd = i
			break
		}
	}
	authority := rest[:authorityEnd]
	rest = rest[authorityEnd:]

	if at := strings.LastIndex(authority, "@"); at >= 0 {
		u.user = authority[:at]
		authority = authority[at+1:]
	}

	if strings.HasPrefix(authority, "[") {
		// Bracketed IPv6 host, optional :port after the closing bracket.
		closing := strings.Index(authority, "]")
		if closing < 0 {
			return URL{}, bolterr.New(bolterr.KindInvalidURL, "parse", raw, nil)
		}
		u.host = authority[:closing+1]
		if tail := authority[closing+1:]; strings.HasPrefix(tail, ":") {
			u.port = tail[1:]
		}
	} else if colon := strings.LastIndex(authority, ":"); colon >= 0 {
		u.host = authority[:colon]
		u.port = authority[colon+1:]
	} else {
		u.host = authority
	}

	if u.host == "" {
		return URL{}, bolterr.New(bolterr.KindInvalidURL, "parse", raw, nil)
	}

	// Path runs until '?' or '#'.
	u.path = "/"
	if strings.HasPrefix(rest, "/") {
		pathEnd := len(rest)
		for i, c := range rest {
			if c == '?' || c == '#' {
				pathEnd = i
				break
			}
		}
		u.path = rest[:pathEnd]
		rest = rest[pathEnd:]
	}

	if strings.HasPrefix(rest, "?") {
		queryEnd := len(rest)
		if frag := strings.Index(rest, "#"); frag >= 0 {
			queryEnd = frag
		}
		u.query = rest[1:queryEnd]
		rest = rest[queryEnd:]
	}

	if strings.HasPrefix(rest, "#") {
		u.fragment = rest[1:]
	}

	return u, nil
}

func (u URL) Scheme() string   { return u.scheme }
func (u URL) User() string     { return u.user }
func (u URL) Host() string     { return u.host }
func (u URL) Port() string     { return u.port }
func (u URL) Path() string     { return u.path }
func (u URL) Query() string    { return u.query }
func (u URL) Fragment() string { return u.fragment }

// IsHTTP reports whether the scheme is downloadable by the engine.
func (u URL) IsHTTP() bool {
	return u.scheme == "http" || u.scheme == "https"
}

// Full reassembles the URL.
func (u URL) Full() string {
	var b strings.Builder
	b.WriteString(u.scheme)
	b.WriteString("://")
	if u.user != "" {
		b.WriteString(u.user)
		b.WriteByte('@')
	}
	b.WriteString(u.host)
	if u.port != "" {
		b.WriteByte(':')
		b.WriteString(u.port)
	}
	b.WriteString(u.path)
	if u.query != "" {
		b.WriteByte('?')
		b.WriteString(u.query)
	}
	if u.fragment != "" {
		b.WriteByte('#')
		b.WriteString(u.fragment)
	}
	return b.String()
}

// Base returns scheme://host[:port].
func (u URL) Base() string {
	var b strings.Builder
	b.WriteString(u.scheme)
	b.WriteString("://")
	b.WriteString(u.host)
	if u.port != "" {
		b.WriteByte(':')
		b.WriteString(u.port)
	}
	return b.String()
}

// DefaultPort returns the well-known port for the scheme, 0 if unknown.
func (u URL) DefaultPort() uint16 {
	switch u.scheme {
	case "http":
		return 80
	case "https":
		return 443
	}
	return 0
}

// Filename derives the output filename: the last non-empty path segment,
// or "index.html" when the path is "/" or ends with "/".
func (u URL) Filename() string {
	if u.path == "" || u.path == "/" || strings.HasSuffix(u.path, "/") {
		return "index.html"
	}
	name := u.path
	if slash := strings.LastIndex(name, "/"); slash >= 0 {
		name = name[slash+1:]
	}
	if name == "" {
		return "index.html"
	}
	return name
}
