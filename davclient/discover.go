package davclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/mo"

	"github.com/cyp0633/davsync/internal/davresult"
	"github.com/cyp0633/davsync/internal/httpclient"
	"github.com/cyp0633/davsync/internal/xml"
)

// ServiceEndpoints holds the validated base URL of each service. An empty
// field means the service was not found.
type ServiceEndpoints struct {
	CalendarBase string
	ContactsBase string
}

// For returns the endpoint of svc.
func (e ServiceEndpoints) For(svc Service) string {
	if svc == CardDAV {
		return e.ContactsBase
	}
	return e.CalendarBase
}

// PrincipalInfo describes the authenticated user on one service.
type PrincipalInfo struct {
	PrincipalURL string
	HomeSetURL   string
	DisplayName  string
}

// CollectionInfo describes a calendar or address book below a home-set.
type CollectionInfo struct {
	URL         string
	DisplayName string
	Description string
	Color       string
	Owner       string
	CTag        string
	SyncToken   string
	CanWrite    bool
	CanDelete   bool
}

// ChangeToken prefers the ctag and falls back to the sync-token.
func (c CollectionInfo) ChangeToken() string {
	if c.CTag != "" {
		return c.CTag
	}
	return c.SyncToken
}

// Discovery is the combined result of Discover.
type Discovery struct {
	Endpoint    string
	Principal   PrincipalInfo
	Collections []CollectionInfo
}

// DNSResolver allows mocking DNS lookups in tests
type DNSResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (cname string, addrs []*net.SRV, err error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Discoverer resolves a server origin into service endpoints, the principal
// and its collections.
type Discoverer struct {
	client   httpclient.Client
	origin   *url.URL
	resolver DNSResolver
	logger   *slog.Logger
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithResolver enables DNS SRV/TXT lookups (RFC 6764) as an extra source of
// candidate endpoints.
func WithResolver(r DNSResolver) Option {
	return func(d *Discoverer) { d.resolver = r }
}

// NewDiscoverer validates origin and returns a Discoverer issuing requests
// through client.
func NewDiscoverer(client httpclient.Client, origin string, logger *slog.Logger, opts ...Option) (*Discoverer, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid URL %q", origin)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d := &Discoverer{client: client, origin: u, logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// attempts tallies probe outcomes so a failed discovery reports the most
// useful reason.
type attempts struct {
	responses   int
	networkErrs int
	rateLimited bool
	authFailed  bool
}

func (a *attempts) record(res mo.Result[*httpclient.Response]) (*httpclient.Response, bool) {
	if res.IsError() {
		a.networkErrs++
		return nil, false
	}
	resp := res.MustGet()
	a.responses++
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		a.rateLimited = true
	case http.StatusUnauthorized, http.StatusForbidden:
		a.authFailed = true
	}
	return resp, true
}

func (a *attempts) failure(op string) *davresult.Error {
	switch {
	case a.rateLimited:
		return davresult.New(davresult.KindRateLimited, op, fmt.Errorf("server asked to retry later"))
	case a.authFailed:
		return davresult.New(davresult.KindAuthenticationFailed, op, nil)
	case a.responses == 0 && a.networkErrs > 0:
		return davresult.New(davresult.KindNetwork, op, fmt.Errorf("%d attempts failed without a response", a.networkErrs))
	default:
		return davresult.New(davresult.KindNoService, op, nil)
	}
}

// exists reports whether a probe status indicates a DAV resource.
func exists(status int) bool {
	switch {
	case status >= 200 && status < 300:
		return true
	case status == http.StatusUnauthorized, status == http.StatusForbidden,
		status == http.StatusMethodNotAllowed, status == http.StatusTooManyRequests:
		return true
	}
	return false
}

// FindEndpoint locates and validates the base URL of svc.
func (d *Discoverer) FindEndpoint(ctx context.Context, svc Service) mo.Result[string] {
	op := "discover " + string(svc)
	if !svc.Valid() {
		return davresult.Fail[string](davresult.KindUnexpected, op, fmt.Errorf("unknown service %q", svc))
	}

	var tally attempts
	tried := make(map[string]bool)
	for _, candidate := range d.candidates(ctx, svc, &tally) {
		if err := ctx.Err(); err != nil {
			return mo.Err[string](davresult.FromTransport(op, err))
		}
		if tried[candidate] {
			continue
		}
		tried[candidate] = true

		resp, ok := tally.record(d.client.Propfind(ctx, candidate, httpclient.DepthZero, xml.ResourceType))
		if !ok || !exists(resp.StatusCode) {
			d.logger.Debug("probe rejected", "service", svc, "url", candidate)
			continue
		}
		if d.validate(ctx, svc, candidate, &tally) {
			d.logger.Info("found service endpoint", "service", svc, "url", candidate)
			return mo.Ok(candidate)
		}
	}

	if err := ctx.Err(); err != nil {
		return mo.Err[string](davresult.FromTransport(op, err))
	}
	return mo.Err[string](tally.failure(op))
}

// candidates lists URLs to probe in order: the user-supplied path, the
// well-known target, SRV records, then common server layouts.
func (d *Discoverer) candidates(ctx context.Context, svc Service, tally *attempts) []string {
	info := svc.info()
	var out []string

	if p := d.origin.Path; p != "" && p != "/" {
		out = append(out, d.origin.String())
	}

	wellKnown := d.origin.ResolveReference(&url.URL{Path: info.wellKnown})
	if resp, ok := tally.record(d.client.Propfind(ctx, wellKnown.String(), httpclient.DepthZero, xml.ResourceType)); ok {
		switch {
		// 307 and 308 are followed like 301 and 302.
		case resp.IsRedirect() && resp.Location() != "":
			if target, err := resp.URL.Parse(resp.Location()); err == nil {
				out = append(out, target.String())
			}
		case exists(resp.StatusCode):
			out = append(out, wellKnown.String())
		}
	}

	out = append(out, d.srvCandidates(ctx, svc)...)

	for _, p := range info.probes {
		out = append(out, d.origin.ResolveReference(&url.URL{Path: p}).String())
	}
	return out
}

func (d *Discoverer) srvCandidates(ctx context.Context, svc Service) []string {
	if d.resolver == nil {
		return nil
	}
	var out []string
	for _, prefix := range svc.info().srv {
		host := prefix + d.origin.Hostname()
		_, addrs, err := d.resolver.LookupSRV(ctx, "", "", host)
		if err != nil {
			continue
		}

		path := "/"
		txts, _ := d.resolver.LookupTXT(ctx, host)
		for _, txt := range txts {
			if strings.HasPrefix(txt, "path=") {
				path = strings.TrimPrefix(txt, "path=")
				break
			}
		}

		scheme := "http"
		if strings.HasSuffix(strings.SplitN(prefix, ".", 2)[0], "s") {
			scheme = "https"
		}
		for _, addr := range addrs {
			target := strings.TrimSuffix(addr.Target, ".")
			out = append(out, fmt.Sprintf("%s://%s:%d%s", scheme, target, addr.Port, path))
		}
	}
	return out
}

// validate confirms candidate answers a home-set query with a multistatus
// carrying the home-set or current-user-principal.
func (d *Discoverer) validate(ctx context.Context, svc Service, candidate string, tally *attempts) bool {
	resp, ok := tally.record(d.client.Propfind(ctx, candidate, httpclient.DepthZero,
		xml.CurrentUserPrincipal, svc.HomeSet()))
	if !ok || resp.StatusCode != http.StatusMultiStatus {
		return false
	}
	ms, err := resp.Multistatus()
	if err != nil {
		d.logger.Debug("validation response malformed", "url", candidate, "error", err)
		return false
	}
	for _, r := range ms.Responses {
		if r.HasProp(svc.HomeSet().Local) || r.HasProp(xml.CurrentUserPrincipal.Local) {
			return true
		}
	}
	return false
}

// FindServices looks for both services. It fails only when neither exists.
func (d *Discoverer) FindServices(ctx context.Context) mo.Result[ServiceEndpoints] {
	var eps ServiceEndpoints
	var firstErr error
	for _, svc := range []Service{CalDAV, CardDAV} {
		res := d.FindEndpoint(ctx, svc)
		if res.IsError() {
			if firstErr == nil || davresult.KindOf(firstErr) == davresult.KindNoService {
				firstErr = res.Error()
			}
			continue
		}
		if svc == CalDAV {
			eps.CalendarBase = res.MustGet()
		} else {
			eps.ContactsBase = res.MustGet()
		}
	}
	if eps.CalendarBase == "" && eps.ContactsBase == "" {
		return mo.Err[ServiceEndpoints](firstErr)
	}
	return mo.Ok(eps)
}

// FindPrincipal asks the service endpoint for the current user principal and
// the home-set, fetching the home-set from the principal when the endpoint
// does not report it.
func (d *Discoverer) FindPrincipal(ctx context.Context, svc Service, endpoint string) mo.Result[PrincipalInfo] {
	op := "PROPFIND " + endpoint
	home := svc.HomeSet()

	msRes := d.propfind(ctx, endpoint, httpclient.DepthZero, xml.CurrentUserPrincipal, home, xml.DisplayName)
	if msRes.IsError() {
		return mo.Err[PrincipalInfo](msRes.Error())
	}
	base, ms := msRes.MustGet().base, msRes.MustGet().ms

	var info PrincipalInfo
	for _, r := range ms.Responses {
		if href := r.PropHref(xml.CurrentUserPrincipal.Local); href != "" && info.PrincipalURL == "" {
			info.PrincipalURL = resolveHref(base, href)
		}
		if href := r.PropHref(home.Local); href != "" && info.HomeSetURL == "" {
			info.HomeSetURL = resolveHref(base, href)
		}
	}

	if info.PrincipalURL == "" && info.HomeSetURL == "" {
		return davresult.Fail[PrincipalInfo](davresult.KindNoService, op, fmt.Errorf("no current-user-principal"))
	}
	if info.PrincipalURL == "" {
		info.PrincipalURL = base.String()
	}

	if info.HomeSetURL == "" || info.DisplayName == "" {
		pRes := d.propfind(ctx, info.PrincipalURL, httpclient.DepthZero, home, xml.DisplayName)
		if pRes.IsError() && info.HomeSetURL == "" {
			return mo.Err[PrincipalInfo](pRes.Error())
		}
		if pRes.IsOk() {
			pbase, pms := pRes.MustGet().base, pRes.MustGet().ms
			for _, r := range pms.Responses {
				if href := r.PropHref(home.Local); href != "" && info.HomeSetURL == "" {
					info.HomeSetURL = resolveHref(pbase, href)
				}
				if name := r.PropText(xml.DisplayName.Local); name != "" && info.DisplayName == "" {
					info.DisplayName = name
				}
			}
		}
	}

	if info.HomeSetURL == "" {
		return davresult.Fail[PrincipalInfo](davresult.KindNoService, "PROPFIND "+info.PrincipalURL,
			fmt.Errorf("no %s", home.Local))
	}
	return mo.Ok(info)
}

// ListCollections enumerates the collections of svc below homeSet.
func (d *Discoverer) ListCollections(ctx context.Context, svc Service, homeSet string) mo.Result[[]CollectionInfo] {
	return listCollections(ctx, d.client, svc, homeSet)
}

func listCollections(ctx context.Context, client httpclient.Client, svc Service, homeSet string) mo.Result[[]CollectionInfo] {
	info := svc.info()
	msRes := propfind(ctx, client, homeSet, httpclient.DepthOne,
		xml.ResourceType, xml.DisplayName, info.description, xml.CalendarColor, xml.Owner,
		xml.CurrentUserPrivilegeSet, xml.GetCTag, xml.SyncToken)
	if msRes.IsError() {
		return mo.Err[[]CollectionInfo](msRes.Error())
	}
	base, ms := msRes.MustGet().base, msRes.MustGet().ms

	self := hrefPath(base, "")
	collections := make([]CollectionInfo, 0)
	for _, r := range ms.Responses {
		if !r.OK() || !r.HasResourceType(info.marker) || sameCollection(hrefPath(base, r.Href), self) {
			continue
		}
		c := CollectionInfo{
			URL:         resolveHref(base, r.Href),
			DisplayName: r.PropText(xml.DisplayName.Local),
			Description: r.PropText(info.description.Local),
			Color:       r.PropText(xml.CalendarColor.Local),
			Owner:       r.PropHref(xml.Owner.Local),
			CTag:        r.PropText(xml.GetCTag.Local),
			SyncToken:   r.PropText(xml.SyncToken.Local),
		}
		c.CanWrite, c.CanDelete = privileges(&r)
		collections = append(collections, c)
	}
	return mo.Ok(collections)
}

// privileges derives write and delete rights. A server that does not report
// current-user-privilege-set is assumed to allow both.
func privileges(r *xml.Response) (canWrite, canDelete bool) {
	privs, ok := r.Privileges()
	if !ok {
		return true, true
	}
	for _, p := range privs {
		switch p {
		case "all":
			return true, true
		case "write":
			canWrite, canDelete = true, true
		case "write-content":
			canWrite = true
		case "unbind":
			canDelete = true
		}
	}
	return canWrite, canDelete
}

// Discover runs endpoint, principal and collection discovery for svc.
func (d *Discoverer) Discover(ctx context.Context, svc Service) mo.Result[Discovery] {
	ep := d.FindEndpoint(ctx, svc)
	if ep.IsError() {
		return mo.Err[Discovery](ep.Error())
	}
	p := d.FindPrincipal(ctx, svc, ep.MustGet())
	if p.IsError() {
		return mo.Err[Discovery](p.Error())
	}
	cols := d.ListCollections(ctx, svc, p.MustGet().HomeSetURL)
	if cols.IsError() {
		return mo.Err[Discovery](cols.Error())
	}
	return mo.Ok(Discovery{
		Endpoint:    ep.MustGet(),
		Principal:   p.MustGet(),
		Collections: cols.MustGet(),
	})
}

func (d *Discoverer) propfind(ctx context.Context, target string, depth httpclient.Depth, props ...xml.Name) mo.Result[*fetched] {
	return propfind(ctx, d.client, target, depth, props...)
}
