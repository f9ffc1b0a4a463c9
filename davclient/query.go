package davclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/samber/mo"

	"github.com/cyp0633/davsync/internal/davresult"
	"github.com/cyp0633/davsync/internal/httpclient"
	"github.com/cyp0633/davsync/internal/xml"
)

func (c *davClient) ChangeToken(ctx context.Context) mo.Result[string] {
	res := propfind(ctx, c.client, c.url.String(), httpclient.DepthZero, xml.GetCTag, xml.SyncToken)
	if res.IsError() {
		return mo.Err[string](res.Error())
	}
	for _, r := range res.MustGet().ms.Responses {
		if token := r.PropText(xml.GetCTag.Local); token != "" {
			return mo.Ok(token)
		}
		if token := r.PropText(xml.SyncToken.Local); token != "" {
			return mo.Ok(token)
		}
	}
	// No token means every pass does a full listing.
	return mo.Ok("")
}

func (c *davClient) ListETags(ctx context.Context) mo.Result[map[string]string] {
	res := propfind(ctx, c.client, c.url.String(), httpclient.DepthOne, xml.ResourceType, xml.GetETag)
	if res.IsError() {
		return mo.Err[map[string]string](res.Error())
	}
	f := res.MustGet()
	self := hrefPath(c.url, "")

	etags := make(map[string]string)
	for _, r := range f.ms.Responses {
		if !r.OK() || r.HasResourceType("collection") {
			continue
		}
		href := hrefPath(f.base, r.Href)
		if sameCollection(href, self) {
			continue
		}
		etags[href] = httpclient.UnquoteETag(r.PropText(xml.GetETag.Local))
	}
	return mo.Ok(etags)
}

func (c *davClient) Multiget(ctx context.Context, hrefs []string) mo.Result[[]Object] {
	op := "REPORT " + c.url.Path
	if len(hrefs) == 0 {
		return mo.Ok([]Object{})
	}
	if len(hrefs) > MaxMultigetHrefs {
		return davresult.Fail[[]Object](davresult.KindUnexpected, op,
			fmt.Errorf("%d hrefs exceeds the limit of %d", len(hrefs), MaxMultigetHrefs))
	}

	info := c.service.info()
	body := xml.Multiget(info.multiget, []xml.Name{xml.GetETag, info.data}, hrefs)
	res := report(ctx, c.client, c.url.String(), body)
	if res.IsError() {
		return mo.Err[[]Object](res.Error())
	}
	return mo.Ok(c.objects(res.MustGet(), true))
}

// objects reads every response of a REPORT independently. With all set,
// failed entries are included with their status; otherwise they are dropped.
func (c *davClient) objects(f *fetched, all bool) []Object {
	data := c.service.info().data.Local
	out := make([]Object, 0, len(f.ms.Responses))
	for _, r := range f.ms.Responses {
		obj := Object{Href: hrefPath(f.base, r.Href), Status: r.Status}
		if r.OK() {
			if prop := r.Prop(data); prop != nil {
				obj.Body = []byte(xml.Text(prop))
				obj.ETag = httpclient.UnquoteETag(r.PropText(xml.GetETag.Local))
			} else {
				obj.Status = propStatus(&r, data)
			}
		}
		if !obj.OK() && !all {
			continue
		}
		out = append(out, obj)
	}
	return out
}

// propStatus returns the status of the propstat that holds the named
// property, or 404 when no propstat mentions it.
func propStatus(r *xml.Response, local string) int {
	for _, ps := range r.PropStats {
		for _, p := range ps.Props {
			if xml.Is(p, local) {
				return ps.Status
			}
		}
	}
	return http.StatusNotFound
}

func (c *davClient) Get(ctx context.Context, href string, etag string) mo.Result[Object] {
	res := c.client.Get(ctx, href, etag)
	if res.IsError() {
		return mo.Err[Object](res.Error())
	}
	resp := res.MustGet()
	if err := resp.Err(); err != nil {
		return mo.Err[Object](err)
	}
	obj := Object{Href: hrefPath(resp.URL, ""), ETag: resp.ETag(), Status: resp.StatusCode}
	if !resp.NotModified() {
		obj.Body = resp.Body
	}
	return mo.Ok(obj)
}
