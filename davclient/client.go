// Package davclient discovers CalDAV and CardDAV services and operates on
// the resources of a single collection.
package davclient

import (
	"context"
	"fmt"
	"net/url"

	"github.com/samber/mo"

	"github.com/cyp0633/davsync/internal/httpclient"
)

// MaxMultigetHrefs bounds the hrefs accepted by one Multiget call.
const MaxMultigetHrefs = 100

// Object is a resource as returned by the server. Status is the per-href
// status of a batched fetch; it is 200 for resources returned successfully.
type Object struct {
	Href   string
	ETag   string
	Body   []byte
	Status int
}

// OK reports whether the object was returned successfully.
func (o Object) OK() bool {
	return o.Status >= 200 && o.Status < 300
}

// DAVClient operates on the members of one collection. Hrefs it returns are
// normalized absolute paths.
type DAVClient interface {
	URL() string
	Service() Service
	// ChangeToken returns the collection's ctag, or its sync-token when the
	// server has no ctag.
	ChangeToken(ctx context.Context) mo.Result[string]
	// ListETags maps every member href to its ETag.
	ListETags(ctx context.Context) mo.Result[map[string]string]
	Multiget(ctx context.Context, hrefs []string) mo.Result[[]Object]
	Query() ObjectFilter
	// Get fetches one member. A non-empty etag makes the request
	// conditional; an unchanged resource comes back with a nil Body.
	Get(ctx context.Context, href string, etag string) mo.Result[Object]
	// HrefFor returns the href Create uses for uid.
	HrefFor(uid string) string
	Create(ctx context.Context, uid string, body []byte) mo.Result[Object]
	Update(ctx context.Context, href string, etag string, body []byte) mo.Result[Object]
	// Delete removes a member. The result is false when it was already gone.
	Delete(ctx context.Context, href string, etag string) mo.Result[bool]
	// Collections lists sibling collections when URL is a home-set.
	Collections(ctx context.Context) mo.Result[[]CollectionInfo]
}

type davClient struct {
	client  httpclient.Client
	service Service
	url     *url.URL
}

// NewDAVClient creates a client for the collection at collectionURL.
func NewDAVClient(client httpclient.Client, svc Service, collectionURL string) (DAVClient, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if !svc.Valid() {
		return nil, fmt.Errorf("unknown service %q", svc)
	}
	u, err := client.Resolve(collectionURL)
	if err != nil {
		return nil, err
	}
	if u.Path == "" || u.Path[len(u.Path)-1] != '/' {
		u.Path += "/"
		u.RawPath = ""
	}
	return &davClient{client: client, service: svc, url: u}, nil
}

func (c *davClient) URL() string {
	return c.url.String()
}

func (c *davClient) Service() Service {
	return c.service
}

func (c *davClient) Collections(ctx context.Context) mo.Result[[]CollectionInfo] {
	return listCollections(ctx, c.client, c.service, c.url.String())
}
