package httpclient

import (
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/cyp0633/davsync/internal/davresult"
	"github.com/cyp0633/davsync/internal/xml"
)

// Response is a completed HTTP exchange with its body fully read.
type Response struct {
	Method     string
	URL        *url.URL
	StatusCode int
	Header     http.Header
	Body       []byte

	sentETag string
	create   bool
	success  []int
}

// Success reports whether the status is one the method treats as success.
func (r *Response) Success() bool {
	return slices.Contains(r.success, r.StatusCode)
}

// IsNotFound reports a 404 or 410.
func (r *Response) IsNotFound() bool {
	return r.StatusCode == http.StatusNotFound || r.StatusCode == http.StatusGone
}

// IsPreconditionFailed reports a 412.
func (r *Response) IsPreconditionFailed() bool {
	return r.StatusCode == http.StatusPreconditionFailed
}

// AlreadyExists reports a 412 on a create, meaning another resource
// already occupies the target URL.
func (r *Response) AlreadyExists() bool {
	return r.create && r.IsPreconditionFailed()
}

// IsRedirect reports a 301, 302, 307 or 308.
func (r *Response) IsRedirect() bool {
	switch r.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// NotModified reports a 304 answer to a conditional GET.
func (r *Response) NotModified() bool {
	return r.StatusCode == http.StatusNotModified
}

// ETag returns the unquoted ETag header. For a 304 it falls back to the
// ETag the request was conditioned on.
func (r *Response) ETag() string {
	if etag := UnquoteETag(headerValue(r.Header, "ETag")); etag != "" {
		return etag
	}
	if r.NotModified() {
		return r.sentETag
	}
	return ""
}

// Location returns the Location header, empty when absent.
func (r *Response) Location() string {
	return headerValue(r.Header, "Location")
}

// Multistatus parses the body as a 207 document.
func (r *Response) Multistatus() (*xml.Multistatus, error) {
	ms, err := xml.ParseMultistatus(r.Body)
	if err != nil {
		return nil, davresult.New(davresult.KindMalformedResponse, r.op(), err)
	}
	return ms, nil
}

// Err classifies a non-success response. It returns nil on success.
func (r *Response) Err() error {
	if r.Success() {
		return nil
	}
	if r.AlreadyExists() {
		e := davresult.New(davresult.KindAlreadyExists, r.op(), nil)
		e.StatusCode = r.StatusCode
		return e
	}
	return davresult.FromStatus(r.op(), r.StatusCode)
}

func (r *Response) op() string {
	if r.URL == nil {
		return r.Method
	}
	return r.Method + " " + r.URL.Path
}

// headerValue looks a header up ignoring case, for headers set outside
// net/http's canonicalization.
func headerValue(h http.Header, name string) string {
	if v := h.Get(name); v != "" {
		return v
	}
	for k, vs := range h {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// UnquoteETag strips the surrounding quotes of a strong ETag. Weak ETags
// keep their W/ prefix and quotes so they can be sent back verbatim.
func UnquoteETag(etag string) string {
	etag = strings.TrimSpace(etag)
	if strings.HasPrefix(etag, "W/") {
		return etag
	}
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		return etag[1 : len(etag)-1]
	}
	return etag
}

// QuoteETag is the inverse of UnquoteETag.
func QuoteETag(etag string) string {
	if strings.HasPrefix(etag, "W/") || strings.HasPrefix(etag, `"`) {
		return etag
	}
	return `"` + etag + `"`
}
