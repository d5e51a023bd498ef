package agent

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"net/url"
	"strings"
)

// Descriptor is one intercepted outgoing request. It is immutable once built
// and classified exactly once; the agent treats Body as an opaque blob.
type Descriptor struct {
	Method       string
	URL          string
	Headers      map[string]string
	Body         []byte
	ContentClass string
}

// IsRead reports whether the request is GET-equivalent. Everything else is a
// mutation and bypasses classification for the network-or-queue path.
func (d Descriptor) IsRead() bool {
	switch strings.ToUpper(d.Method) {
	case http.MethodGet, http.MethodHead:
		return true
	}
	return false
}

// Validate rejects descriptors no policy can apply to. This is the only case
// where the agent surfaces an error instead of a response.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Method) == "" {
		return fmt.Errorf("agent: %w: missing method", ErrMalformedDescriptor)
	}
	if strings.TrimSpace(d.URL) == "" {
		return fmt.Errorf("agent: %w: missing url", ErrMalformedDescriptor)
	}
	if _, err := url.Parse(d.URL); err != nil {
		return fmt.Errorf("agent: %w: %v", ErrMalformedDescriptor, err)
	}
	return nil
}

// Identity derives the canonical cache identity: an FNV-1a hash over the
// method and the normalized URL, query string included. Two requests with the
// same identity address the same cached resource.
func (d Descriptor) Identity() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToUpper(d.Method)))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(normalizeURL(d.URL)))
	return fmt.Sprintf("%016x", h.Sum64())
}

// normalizeURL lowercases scheme and host, strips default ports and fragments,
// and collapses an empty path to "/" so trivially different spellings of one
// resource hash identically.
func normalizeURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	if host, port, ok := strings.Cut(parsed.Host, ":"); ok {
		if (parsed.Scheme == "http" && port == "80") || (parsed.Scheme == "https" && port == "443") {
			parsed.Host = host
		}
	}
	if parsed.Path == "" {
		parsed.Path = "/"
	}
	return parsed.String()
}
