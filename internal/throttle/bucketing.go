package throttle

import (
	"net"
	"net/http"
	"regexp"
	"strings"
)

// Bucketer maps an HTTP request to a bucket key. Two requests with equal
// keys share throttling state. A strategy with no opinion on a request
// returns ok=false so the next strategy in the chain can decide.
type Bucketer interface {
	Bucket(r *http.Request) (key string, ok bool)
}

// RegexpBucketing groups requests whose chosen field matches one of a list
// of patterns. The bucket key is the source of the matching pattern, so all
// requests sharing a known shape (an expensive query, a generic user agent)
// land in the same bucket.
type RegexpBucketing struct {
	patterns []*regexp.Regexp
	prefix   string
	field    func(r *http.Request) string
}

// NewRegexpBucketing creates a regexp strategy over the value extracted by
// field. The prefix namespaces the resulting keys so strategies cannot
// collide in the shared state store.
func NewRegexpBucketing(patterns []*regexp.Regexp, prefix string, field func(r *http.Request) string) *RegexpBucketing {
	return &RegexpBucketing{patterns: patterns, prefix: prefix, field: field}
}

// Bucket returns the matching pattern's source as the key, or ok=false when
// the field is empty or nothing matches.
func (b *RegexpBucketing) Bucket(r *http.Request) (string, bool) {
	v := b.field(r)
	if v == "" {
		return "", false
	}
	for _, p := range b.patterns {
		if p.MatchString(v) {
			return b.prefix + p.String(), true
		}
	}
	return "", false
}

// UserAgentIPBucketing is the default strategy: the key is the pair of
// client IP and User-Agent. It always has an opinion.
type UserAgentIPBucketing struct{}

func (UserAgentIPBucketing) Bucket(r *http.Request) (string, bool) {
	return "client:" + ClientIP(r) + "|" + r.Header.Get("User-Agent"), true
}

// QueryParam extracts a query parameter value, for use as a RegexpBucketing
// field.
func QueryParam(name string) func(r *http.Request) string {
	return func(r *http.Request) string {
		return r.URL.Query().Get(name)
	}
}

// Header extracts a header value, for use as a RegexpBucketing field.
func Header(name string) func(r *http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(name)
	}
}

// ClientIP extracts the client IP from the request, checking proxy headers
// before falling back to the connection's remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
