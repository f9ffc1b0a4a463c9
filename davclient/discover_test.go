package davclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/davsync/internal/davresult"
	"github.com/cyp0633/davsync/internal/davtest"
)

func TestNewDiscovererValidatesOrigin(t *testing.T) {
	c := newHTTPClient(t, "http://example.com/", "", "")
	for _, origin := range []string{"", "not-a-url", "ftp://example.com/", "http://"} {
		t.Run(origin, func(t *testing.T) {
			_, err := NewDiscoverer(c, origin, nil)
			assert.Error(t, err)
		})
	}
}

func TestFindEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		cfg    davtest.Config
		origin func(srv *davtest.Server) string
	}{
		{
			name:   "well-known redirect",
			cfg:    davtest.Config{},
			origin: func(srv *davtest.Server) string { return srv.URL },
		},
		{
			name:   "probe list",
			cfg:    davtest.Config{NoWellKnown: true, Prefix: "/remote.php/dav/"},
			origin: func(srv *davtest.Server) string { return srv.URL },
		},
		{
			name:   "user supplied path",
			cfg:    davtest.Config{NoWellKnown: true, Prefix: "/custom/dav/"},
			origin: func(srv *davtest.Server) string { return srv.URL + "/custom/dav/" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := davtest.New(tt.cfg)
			defer srv.Close()

			origin := tt.origin(srv)
			d, err := NewDiscoverer(newHTTPClient(t, origin, "", ""), origin, nil)
			require.NoError(t, err)

			for _, svc := range []Service{CalDAV, CardDAV} {
				res := d.FindEndpoint(context.Background(), svc)
				require.True(t, res.IsOk(), "%s: %v", svc, res.Error())
				assert.Equal(t, srv.Endpoint(), res.MustGet())
			}
		})
	}
}

func TestFindEndpointFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{
			name:    "nothing found",
			handler: http.NotFound,
			want:    davresult.ErrNoService,
		},
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
			want: davresult.ErrRateLimited,
		},
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			want: davresult.ErrAuthenticationFailed,
		},
		{
			name: "not a multistatus",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusMultiStatus)
				_, _ = w.Write([]byte("<html/>"))
			},
			want: davresult.ErrNoService,
		},
		{
			name: "multistatus without principal",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusMultiStatus)
				_, _ = w.Write([]byte(`<d:multistatus xmlns:d="DAV:"><d:response><d:href>/</d:href>` +
					`<d:propstat><d:prop><d:displayname>x</d:displayname></d:prop></d:propstat></d:response></d:multistatus>`))
			},
			want: davresult.ErrNoService,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			d, err := NewDiscoverer(newHTTPClient(t, srv.URL, "", ""), srv.URL, nil)
			require.NoError(t, err)
			res := d.FindEndpoint(context.Background(), CalDAV)
			require.True(t, res.IsError())
			assert.ErrorIs(t, res.Error(), tt.want)
		})
	}
}

func TestFindEndpointNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	origin := srv.URL
	srv.Close()

	d, err := NewDiscoverer(newHTTPClient(t, origin, "", ""), origin, nil)
	require.NoError(t, err)
	res := d.FindEndpoint(context.Background(), CardDAV)
	require.True(t, res.IsError())
	assert.ErrorIs(t, res.Error(), davresult.ErrNetwork)
}

func TestFindEndpointWithAuth(t *testing.T) {
	srv := davtest.New(davtest.Config{Username: "alice", Password: "pw"})
	defer srv.Close()

	d, err := NewDiscoverer(newHTTPClient(t, srv.URL, "alice", "wrong"), srv.URL, nil)
	require.NoError(t, err)
	res := d.FindEndpoint(context.Background(), CalDAV)
	assert.ErrorIs(t, res.Error(), davresult.ErrAuthenticationFailed)

	d, err = NewDiscoverer(newHTTPClient(t, srv.URL, "alice", "pw"), srv.URL, nil)
	require.NoError(t, err)
	res = d.FindEndpoint(context.Background(), CalDAV)
	require.True(t, res.IsOk())
	assert.Equal(t, srv.Endpoint(), res.MustGet())
}

func TestFindEndpointSRV(t *testing.T) {
	srv := davtest.New(davtest.Config{NoWellKnown: true, Prefix: "/srv-only/"})
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	resolver := &mockResolver{
		srv: map[string][]*net.SRV{
			"_caldav._tcp." + u.Hostname(): {{Target: u.Hostname() + ".", Port: uint16(port)}},
		},
		txt: map[string][]string{
			"_caldav._tcp." + u.Hostname(): {"path=/srv-only/"},
		},
	}

	d, err := NewDiscoverer(newHTTPClient(t, srv.URL, "", ""), srv.URL, nil, WithResolver(resolver))
	require.NoError(t, err)
	res := d.FindEndpoint(context.Background(), CalDAV)
	require.True(t, res.IsOk(), "%v", res.Error())
	assert.Equal(t, srv.Endpoint(), res.MustGet())
}

func TestFindServices(t *testing.T) {
	srv := davtest.New(davtest.Config{})
	defer srv.Close()

	d, err := NewDiscoverer(newHTTPClient(t, srv.URL, "", ""), srv.URL, nil)
	require.NoError(t, err)
	res := d.FindServices(context.Background())
	require.True(t, res.IsOk())
	assert.Equal(t, srv.Endpoint(), res.MustGet().For(CalDAV))
	assert.Equal(t, srv.Endpoint(), res.MustGet().For(CardDAV))
}

func TestDiscover(t *testing.T) {
	srv := davtest.New(davtest.Config{Username: "alice", Password: "pw"})
	defer srv.Close()
	work := srv.AddCollection(davtest.CalDAV, "work", "Work")
	srv.AddCollection(davtest.CalDAV, "home", "Home")
	srv.AddCollection(davtest.CardDAV, "contacts", "Contacts")

	d, err := NewDiscoverer(newHTTPClient(t, srv.URL, "alice", "pw"), srv.URL, nil)
	require.NoError(t, err)

	res := d.Discover(context.Background(), CalDAV)
	require.True(t, res.IsOk(), "%v", res.Error())
	got := res.MustGet()

	assert.Equal(t, srv.URL+srv.PrincipalPath(), got.Principal.PrincipalURL)
	assert.Equal(t, srv.URL+srv.HomePath(davtest.CalDAV), got.Principal.HomeSetURL)
	assert.Equal(t, "alice", got.Principal.DisplayName)
	require.Len(t, got.Collections, 2)

	var found CollectionInfo
	for _, c := range got.Collections {
		if c.URL == srv.URL+work {
			found = c
		}
	}
	assert.Equal(t, "Work", found.DisplayName)
	assert.Equal(t, srv.CTag(work), found.ChangeToken())
	assert.Equal(t, srv.PrincipalPath(), found.Owner)
	assert.True(t, found.CanWrite)
	assert.True(t, found.CanDelete)

	cards := d.Discover(context.Background(), CardDAV)
	require.True(t, cards.IsOk())
	require.Len(t, cards.MustGet().Collections, 1)
	assert.Equal(t, "Contacts", cards.MustGet().Collections[0].DisplayName)
}

func TestListCollectionsReadOnly(t *testing.T) {
	srv := davtest.New(davtest.Config{ReadOnly: true, NoCTag: true})
	defer srv.Close()
	p := srv.AddCollection(davtest.CalDAV, "shared", "Shared")

	d, err := NewDiscoverer(newHTTPClient(t, srv.URL, "", ""), srv.URL, nil)
	require.NoError(t, err)
	res := d.ListCollections(context.Background(), CalDAV, srv.URL+srv.HomePath(davtest.CalDAV))
	require.True(t, res.IsOk())
	require.Len(t, res.MustGet(), 1)

	c := res.MustGet()[0]
	assert.False(t, c.CanWrite)
	assert.False(t, c.CanDelete)
	assert.Empty(t, c.CTag)
	assert.Equal(t, "http://davtest/sync/1", c.ChangeToken())
	assert.Equal(t, srv.URL+p, c.URL)
}

func TestFindPrincipalFollowUp(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/dav/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(`<multistatus xmlns="DAV:"><response><href>/dav/</href><propstat><prop>` +
			`<current-user-principal><href>../principals/bob/</href></current-user-principal>` +
			`</prop><status>HTTP/1.1 200 OK</status></propstat></response></multistatus>`))
	})
	mux.HandleFunc("/principals/bob/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(`<D:multistatus xmlns:D="DAV:" xmlns:A="urn:ietf:params:xml:ns:carddav">` +
			`<D:response><D:href>/principals/bob/</D:href><D:propstat><D:prop>` +
			`<A:addressbook-home-set><D:href>https://cards.example.com/bob/</D:href></A:addressbook-home-set>` +
			`<D:displayname>Bob</D:displayname>` +
			`</D:prop><D:status>HTTP/1.1 200 OK</D:status></D:propstat></D:response></D:multistatus>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d, err := NewDiscoverer(newHTTPClient(t, srv.URL, "", ""), srv.URL, nil)
	require.NoError(t, err)
	res := d.FindPrincipal(context.Background(), CardDAV, srv.URL+"/dav/")
	require.True(t, res.IsOk(), "%v", res.Error())

	info := res.MustGet()
	assert.Equal(t, srv.URL+"/principals/bob/", info.PrincipalURL, "relative href resolves against request URL")
	assert.Equal(t, "https://cards.example.com/bob/", info.HomeSetURL)
	assert.Equal(t, "Bob", info.DisplayName)
}

func TestPrivileges(t *testing.T) {
	tests := []struct {
		name       string
		privs      string
		wantWrite  bool
		wantDelete bool
	}{
		{"read only", "<d:read/>", false, false},
		{"all", "<d:all/>", true, true},
		{"write", "<d:write/>", true, true},
		{"content only", "<d:write-content/>", true, false},
		{"unbind only", "<d:unbind/>", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `<d:multistatus xmlns:d="DAV:"><d:response><d:href>/c/</d:href><d:propstat><d:prop>` +
				`<d:current-user-privilege-set><d:privilege>` + tt.privs + `</d:privilege></d:current-user-privilege-set>` +
				`</d:prop></d:propstat></d:response></d:multistatus>`
			ms := mustParse(t, body)
			w, del := privileges(&ms.Responses[0])
			assert.Equal(t, tt.wantWrite, w)
			assert.Equal(t, tt.wantDelete, del)
		})
	}
}
