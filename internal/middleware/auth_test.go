package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/PaulBabatuyi/SensorCollector/internal/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const secret = "s3nsor-shared-secret-0123456789abcdef"

func TestVerify(t *testing.T) {
	auth := middleware.NewAuthenticator(secret)

	assert.True(t, auth.Verify(secret))
	assert.False(t, auth.Verify(""))
	assert.False(t, auth.Verify(secret[:len(secret)-1]))
	assert.False(t, auth.Verify(secret+"x"))
	assert.False(t, auth.Verify(strings.ToUpper(secret)))
}

func TestRequireAPIKey(t *testing.T) {
	auth := middleware.NewAuthenticator(secret)
	called := false
	h := auth.RequireAPIKey(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Write([]byte("ok"))
	}))

	t.Run("header", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/time", nil)
		req.Header.Set(middleware.APIKeyHeader, secret)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, called)
	})

	t.Run("query", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/time?api_key="+secret, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, called)
	})

	t.Run("wrong key", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/time?api_key=wrong-"+secret, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.False(t, called)
		assert.JSONEq(t, `{"error":"Invalid API key"}`, rec.Body.String())
		assert.NotContains(t, rec.Body.String(), secret)
	})

	t.Run("missing key", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/time", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.False(t, called)
	})
}

func TestGRPCAuthInterceptors(t *testing.T) {
	auth := middleware.NewAuthenticator(secret)
	info := &grpc.UnaryServerInfo{FullMethod: "/collector.v1.IngestService/LocateIP"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) { return "ok", nil }

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(middleware.APIKeyMetadata, secret))
	resp, err := auth.UnaryAuthInterceptor(ctx, nil, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs(middleware.APIKeyMetadata, "nope"))
	_, err = auth.UnaryAuthInterceptor(ctx, nil, info, handler)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = auth.UnaryAuthInterceptor(context.Background(), nil, info, handler)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

// medianVerify returns the median duration of a batch of Verify calls.
func medianVerify(auth *middleware.Authenticator, candidate string, rounds, batch int) time.Duration {
	samples := make([]time.Duration, rounds)
	for i := range samples {
		start := time.Now()
		for j := 0; j < batch; j++ {
			auth.Verify(candidate)
		}
		samples[i] = time.Since(start)
	}
	sort.Slice(samples, func(a, b int) bool { return samples[a] < samples[b] })
	return samples[len(samples)/2]
}

func TestVerifyTimingIndependentOfMatchingPrefix(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test skipped in short mode")
	}

	auth := middleware.NewAuthenticator(secret)
	early := "X" + secret[1:]
	late := secret[:len(secret)-1] + "X"

	// Warm up caches and the scheduler before sampling.
	medianVerify(auth, early, 10, 1000)

	earlyMedian := medianVerify(auth, early, 51, 2000)
	lateMedian := medianVerify(auth, late, 51, 2000)

	ratio := float64(lateMedian) / float64(earlyMedian)
	assert.InDelta(t, 1.0, ratio, 0.75, "early=%s late=%s", earlyMedian, lateMedian)
}
