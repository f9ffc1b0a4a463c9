// Package httpclient issues WebDAV requests and reports their outcome.
//
// Every method returns a Result that fails only when the request never
// completed (transport error, canceled context). Any HTTP status, including
// 4xx and 5xx, yields a Response that callers interpret with its predicates.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/mo"

	"github.com/cyp0633/davsync/internal/davresult"
	"github.com/cyp0633/davsync/internal/xml"
)

// WebDAV methods not defined by net/http.
const (
	MethodPropfind   = "PROPFIND"
	MethodProppatch  = "PROPPATCH"
	MethodReport     = "REPORT"
	MethodMkcol      = "MKCOL"
	MethodMkcalendar = "MKCALENDAR"
)

// Depth is the value of the Depth request header.
type Depth int

const (
	DepthZero     Depth = 0
	DepthOne      Depth = 1
	DepthInfinity Depth = -1
)

func (d Depth) String() string {
	if d < 0 {
		return "infinity"
	}
	return fmt.Sprintf("%d", d)
}

// Client performs WebDAV operations against a single origin. Relative URLs
// are resolved against the base URL given to New.
type Client interface {
	Propfind(ctx context.Context, url string, depth Depth, props ...xml.Name) mo.Result[*Response]
	Report(ctx context.Context, url string, depth Depth, body []byte) mo.Result[*Response]
	Get(ctx context.Context, url string, etag string) mo.Result[*Response]
	// Put creates the resource when etag is empty and updates it otherwise.
	Put(ctx context.Context, url string, etag string, contentType string, data []byte) mo.Result[*Response]
	Delete(ctx context.Context, url string, etag string) mo.Result[*Response]
	// Mkcol sends MKCOL or MKCALENDAR depending on method.
	Mkcol(ctx context.Context, url string, method string, body []byte) mo.Result[*Response]
	Proppatch(ctx context.Context, url string, body []byte) mo.Result[*Response]
	// Resolve resolves ref against the base URL.
	Resolve(ref string) (*url.URL, error)
}

type httpClient struct {
	client  *http.Client
	baseURL url.URL
	logger  *slog.Logger
}

// New creates a Client. Redirects are never followed: a 3xx is returned to
// the caller like any other status. The passed http.Client is not modified.
func New(client *http.Client, baseURL url.URL, logger *slog.Logger) (Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &httpClient{client: &c, baseURL: baseURL, logger: logger}, nil
}

func (c *httpClient) Resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL %q: %w", ref, err)
	}
	return c.baseURL.ResolveReference(u), nil
}

type request struct {
	method  string
	url     string
	body    []byte
	header  map[string]string
	etag    string
	create  bool
	success []int
}

// do executes req and buffers the whole response body.
func (c *httpClient) do(ctx context.Context, r request) mo.Result[*Response] {
	op := r.method + " " + r.url

	target, err := c.Resolve(r.url)
	if err != nil {
		return davresult.Fail[*Response](davresult.KindUnexpected, op, err)
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, target.String(), body)
	if err != nil {
		return davresult.Fail[*Response](davresult.KindUnexpected, op, err)
	}
	for k, v := range r.header {
		req.Header.Set(k, v)
	}

	c.logger.Debug("sending request",
		"method", r.method,
		"url", target.String(),
		"body_length", len(r.body))

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", r.method, "url", target.String(), "error", err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(ctxErr, err)
		}
		return mo.Err[*Response](davresult.FromTransport(op, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Debug("failed to read response body", "error", err)
		return mo.Err[*Response](davresult.FromTransport(op, err))
	}

	c.logger.Debug("received response",
		"method", r.method,
		"url", target.String(),
		"status", resp.StatusCode,
		"body_length", len(data))

	return mo.Ok(&Response{
		Method:     r.method,
		URL:        target,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		sentETag:   r.etag,
		create:     r.create,
		success:    r.success,
	})
}

func xmlHeaders(depth *Depth) map[string]string {
	h := map[string]string{"Content-Type": "application/xml; charset=utf-8"}
	if depth != nil {
		h["Depth"] = depth.String()
	}
	return h
}

func (c *httpClient) Propfind(ctx context.Context, url string, depth Depth, props ...xml.Name) mo.Result[*Response] {
	return c.do(ctx, request{
		method:  MethodPropfind,
		url:     url,
		body:    xml.Propfind(props...),
		header:  xmlHeaders(&depth),
		success: []int{http.StatusMultiStatus, http.StatusOK},
	})
}

func (c *httpClient) Report(ctx context.Context, url string, depth Depth, body []byte) mo.Result[*Response] {
	return c.do(ctx, request{
		method:  MethodReport,
		url:     url,
		body:    body,
		header:  xmlHeaders(&depth),
		success: []int{http.StatusMultiStatus, http.StatusOK},
	})
}

// Get fetches a resource. A non-empty etag turns it into a conditional
// request, answered with 304 when the resource is unchanged.
func (c *httpClient) Get(ctx context.Context, url string, etag string) mo.Result[*Response] {
	h := map[string]string{}
	if etag != "" {
		h["If-None-Match"] = QuoteETag(etag)
	}
	return c.do(ctx, request{
		method:  http.MethodGet,
		url:     url,
		header:  h,
		etag:    etag,
		success: []int{http.StatusOK, http.StatusNotModified},
	})
}

func (c *httpClient) Put(ctx context.Context, url string, etag string, contentType string, data []byte) mo.Result[*Response] {
	h := map[string]string{"Content-Type": contentType}
	if etag == "" {
		h["If-None-Match"] = "*"
	} else {
		h["If-Match"] = QuoteETag(etag)
	}
	return c.do(ctx, request{
		method:  http.MethodPut,
		url:     url,
		body:    data,
		header:  h,
		etag:    etag,
		create:  etag == "",
		success: []int{http.StatusOK, http.StatusCreated, http.StatusNoContent},
	})
}

// Delete removes a resource. A resource that is already gone counts as
// deleted, so repeating a delete is harmless.
func (c *httpClient) Delete(ctx context.Context, url string, etag string) mo.Result[*Response] {
	h := map[string]string{}
	if etag != "" {
		h["If-Match"] = QuoteETag(etag)
	}
	return c.do(ctx, request{
		method:  http.MethodDelete,
		url:     url,
		header:  h,
		etag:    etag,
		success: []int{http.StatusOK, http.StatusNoContent, http.StatusNotFound, http.StatusGone},
	})
}

func (c *httpClient) Mkcol(ctx context.Context, url string, method string, body []byte) mo.Result[*Response] {
	if method == "" {
		method = MethodMkcol
	}
	method = strings.ToUpper(method)
	return c.do(ctx, request{
		method:  method,
		url:     url,
		body:    body,
		header:  xmlHeaders(nil),
		create:  true,
		success: []int{http.StatusCreated},
	})
}

func (c *httpClient) Proppatch(ctx context.Context, url string, body []byte) mo.Result[*Response] {
	return c.do(ctx, request{
		method:  MethodProppatch,
		url:     url,
		body:    body,
		header:  xmlHeaders(nil),
		success: []int{http.StatusMultiStatus, http.StatusOK},
	})
}
