package davclient

import (
	"context"
	"net/url"
	"path"
	"strings"

	"github.com/samber/mo"

	"github.com/cyp0633/davsync/internal/httpclient"
	"github.com/cyp0633/davsync/internal/xml"
)

// fetched pairs a parsed multistatus with the URL it was fetched from, which
// is the base its hrefs resolve against.
type fetched struct {
	base *url.URL
	ms   *xml.Multistatus
}

func propfind(ctx context.Context, client httpclient.Client, target string, depth httpclient.Depth, props ...xml.Name) mo.Result[*fetched] {
	return multistatus(client.Propfind(ctx, target, depth, props...))
}

func report(ctx context.Context, client httpclient.Client, target string, body []byte) mo.Result[*fetched] {
	return multistatus(client.Report(ctx, target, httpclient.DepthOne, body))
}

func multistatus(res mo.Result[*httpclient.Response]) mo.Result[*fetched] {
	if res.IsError() {
		return mo.Err[*fetched](res.Error())
	}
	resp := res.MustGet()
	if err := resp.Err(); err != nil {
		return mo.Err[*fetched](err)
	}
	ms, err := resp.Multistatus()
	if err != nil {
		return mo.Err[*fetched](err)
	}
	return mo.Ok(&fetched{base: resp.URL, ms: ms})
}

// resolveHref resolves an href from a response body. Absolute-path hrefs
// resolve against the scheme and host, relative ones against the request URL.
func resolveHref(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

// hrefPath reduces an href to its cleaned, escaped path so that the same
// resource compares equal however the server spelled it.
func hrefPath(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	p := ref.EscapedPath()
	if p == "" {
		return "/"
	}
	trailing := strings.HasSuffix(p, "/")
	p = path.Clean(p)
	if trailing && p != "/" {
		p += "/"
	}
	return p
}

func sameCollection(a, b string) bool {
	return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}
