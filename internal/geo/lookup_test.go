package geo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFieldsKeepsOrder(t *testing.T) {
	body := []byte(`{"ip":"8.8.8.8","country":"United States","latitude":37.4223,` +
		`"is_eu":false,"subdivision2":null,"asn":{"asn":"AS15169","name":"Google LLC"},"tags":[1, 2]}`)

	fields, err := DecodeFields(body)
	require.NoError(t, err)

	assert.Equal(t, Fields{
		{Key: "ip", Value: "8.8.8.8"},
		{Key: "country", Value: "United States"},
		{Key: "latitude", Value: "37.4223"},
		{Key: "is_eu", Value: "false"},
		{Key: "subdivision2", Value: ""},
		{Key: "asn", Value: `{"asn":"AS15169","name":"Google LLC"}`},
		{Key: "tags", Value: "[1,2]"},
	}, fields)
}

func TestDecodeFieldsRejectsNonObjects(t *testing.T) {
	for _, body := range []string{"", "[]", `"text"`, "<html>", `{"ip":`} {
		_, err := DecodeFields([]byte(body))
		assert.Error(t, err, body)
	}
}

func TestIPLocateClientPassesStatusThrough(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
	}))
	defer srv.Close()

	client := NewIPLocateClient(ClientConfig{Endpoint: srv.URL + "/api/lookup/", APIKey: "provider-key"})
	fields, status, err := client.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)

	assert.Equal(t, "/api/lookup/8.8.8.8", gotPath)
	assert.Equal(t, "provider-key", gotKey)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, Fields{{Key: "error", Value: "rate limit exceeded"}}, fields)
}

func TestIPLocateClientUnparsableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	client := NewIPLocateClient(ClientConfig{Endpoint: srv.URL + "/"})
	_, _, err := client.Lookup(context.Background(), "8.8.8.8")
	assert.Error(t, err)
}

func TestIPLocateClientTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewIPLocateClient(ClientConfig{Endpoint: srv.URL + "/", Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, _, err := client.Lookup(context.Background(), "8.8.8.8")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestIPLocateClientBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	client := NewIPLocateClient(ClientConfig{
		Endpoint:        srv.URL + "/",
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	})
	for i := 0; i < 5; i++ {
		_, _, err := client.Lookup(context.Background(), "8.8.8.8")
		assert.Error(t, err)
	}
	assert.Equal(t, int32(2), hits.Load())
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name      string
		forwarded string
		remote    string
		want      string
	}{
		{"peer only", "", "203.0.113.7:51234", "203.0.113.7"},
		{"forwarded chain", "198.51.100.1, 10.0.0.2", "10.0.0.3:80", "198.51.100.1"},
		{"forwarded single", "198.51.100.9", "10.0.0.3:80", "198.51.100.9"},
		{"ipv6 peer", "", "[2001:db8::1]:443", "2001:db8::1"},
		{"blank forwarded", " , 10.0.0.2", "192.0.2.4:1", "192.0.2.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/what_is_my_ip", nil)
			r.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, ClientIP(r))
		})
	}
}
