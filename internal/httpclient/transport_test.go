package httpclient

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestBasicAuthTransport(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var seenUser, seenPass, seenBody string
	inner := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		seenUser, seenPass, _ = r.BasicAuth()
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		return &http.Response{
			StatusCode: http.StatusMultiStatus,
			Status:     "207 Multi-Status",
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("<multistatus/>")),
		}, nil
	})

	tr := NewBasicAuthTransport("alice", "s3cret", inner, logger)
	req, err := http.NewRequest(MethodPropfind, "http://dav.example.com/", strings.NewReader("<propfind/>"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer leftover")

	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, "alice", seenUser)
	assert.Equal(t, "s3cret", seenPass)
	assert.Equal(t, "<propfind/>", seenBody, "body must survive logging")
	assert.Equal(t, "<multistatus/>", string(body))
	assert.Equal(t, "Bearer leftover", req.Header.Get("Authorization"), "caller request untouched")

	assert.Contains(t, logs.String(), "outgoing request")
	assert.Contains(t, logs.String(), "[redacted]")
	assert.NotContains(t, logs.String(), "s3cret")
	assert.NotContains(t, logs.String(), "leftover")
}

func TestBasicAuthTransportValidation(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		pass     string
		errorMsg string
	}{
		{"missing username", "", "p", "username cannot be empty"},
		{"missing password", "u", "", "password cannot be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewBasicAuthTransport(tt.user, tt.pass, nil, nil)
			req, _ := http.NewRequest(http.MethodGet, "http://dav.example.com/", nil)
			_, err := tr.RoundTrip(req)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", maxLoggedBody+10)
	assert.Len(t, truncate([]byte(long)), maxLoggedBody+3)
	assert.Equal(t, "short", truncate([]byte("short")))
}
