package davclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cyp0633/davsync/internal/httpclient"
	"github.com/cyp0633/davsync/internal/xml"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHTTPClient builds a protocol client for base, with Basic auth when
// username is set.
func newHTTPClient(t *testing.T, base string, username, password string) httpclient.Client {
	t.Helper()
	u, err := url.Parse(base)
	require.NoError(t, err)
	hc := &http.Client{}
	if username != "" {
		hc.Transport = httpclient.NewBasicAuthTransport(username, password, nil, nil)
	}
	c, err := httpclient.New(hc, *u, discardLogger())
	require.NoError(t, err)
	return c
}

// mockResolver serves canned SRV and TXT records.
type mockResolver struct {
	srv map[string][]*net.SRV
	txt map[string][]string
}

func (m *mockResolver) LookupSRV(_ context.Context, _, _, name string) (string, []*net.SRV, error) {
	if addrs, ok := m.srv[name]; ok {
		return name, addrs, nil
	}
	return "", nil, errors.New("no such host")
}

func (m *mockResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	return m.txt[name], nil
}

func mustParse(t *testing.T, body string) *xml.Multistatus {
	t.Helper()
	ms, err := xml.ParseMultistatus([]byte(body))
	require.NoError(t, err)
	return ms
}
