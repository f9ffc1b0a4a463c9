package davclient

import (
	"context"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/cyp0633/davsync/internal/davresult"
	"github.com/cyp0633/davsync/internal/httpclient"
	"github.com/cyp0633/davsync/internal/xml"
)

// HrefFor derives the member name from uid. UIDs that are not safe as a
// path segment are replaced with a UUID derived from the UID, so the same
// UID always maps to the same href.
func (c *davClient) HrefFor(uid string) string {
	name := uid
	if name == "" || strings.ContainsAny(name, "/\\?#%") || url.PathEscape(name) != name {
		name = uuid.NewSHA1(uuid.NameSpaceURL, []byte(uid)).String()
	}
	return c.url.JoinPath(name + c.service.Ext()).EscapedPath()
}

// Create stores a new member with If-None-Match: *. A member already at the
// target href yields a KindAlreadyExists error.
func (c *davClient) Create(ctx context.Context, uid string, body []byte) mo.Result[Object] {
	if uid == "" {
		uid = uuid.New().String()
	}
	return c.put(ctx, c.HrefFor(uid), "", body)
}

// Update replaces a member with If-Match: etag. A remote change since etag
// yields a KindPreconditionFailed error.
func (c *davClient) Update(ctx context.Context, href string, etag string, body []byte) mo.Result[Object] {
	return c.put(ctx, href, etag, body)
}

func (c *davClient) put(ctx context.Context, href string, etag string, body []byte) mo.Result[Object] {
	res := c.client.Put(ctx, href, etag, c.service.ContentType(), body)
	if res.IsError() {
		return mo.Err[Object](res.Error())
	}
	resp := res.MustGet()
	if err := resp.Err(); err != nil {
		return mo.Err[Object](err)
	}

	obj := Object{Href: hrefPath(resp.URL, ""), ETag: resp.ETag(), Body: body, Status: resp.StatusCode}
	if loc := resp.Location(); loc != "" && etag == "" {
		obj.Href = hrefPath(resp.URL, loc)
	}

	// Servers may omit the ETag when they rewrite the body; ask for it.
	if obj.ETag == "" {
		tag := c.etagOf(ctx, obj.Href)
		if tag.IsError() {
			return mo.Err[Object](tag.Error())
		}
		obj.ETag = tag.MustGet()
	}
	return mo.Ok(obj)
}

func (c *davClient) etagOf(ctx context.Context, href string) mo.Result[string] {
	res := propfind(ctx, c.client, href, httpclient.DepthZero, xml.GetETag)
	if res.IsError() {
		return mo.Err[string](res.Error())
	}
	for _, r := range res.MustGet().ms.Responses {
		if etag := r.PropText(xml.GetETag.Local); etag != "" {
			return mo.Ok(httpclient.UnquoteETag(etag))
		}
	}
	return davresult.Fail[string](davresult.KindMalformedResponse, "PROPFIND "+href, nil)
}

func (c *davClient) Delete(ctx context.Context, href string, etag string) mo.Result[bool] {
	res := c.client.Delete(ctx, href, etag)
	if res.IsError() {
		return mo.Err[bool](res.Error())
	}
	resp := res.MustGet()
	if err := resp.Err(); err != nil {
		return mo.Err[bool](err)
	}
	return mo.Ok(!resp.IsNotFound())
}
