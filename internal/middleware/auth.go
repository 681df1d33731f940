package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	// APIKeyHeader carries the shared secret on HTTP requests.
	APIKeyHeader = "X-API-Key"
	// APIKeyQuery is the query parameter older sensor firmware uses.
	APIKeyQuery = "api_key"
	// APIKeyMetadata carries the shared secret on gRPC calls.
	APIKeyMetadata = "api-key"
)

// Authenticator holds the single shared secret.
type Authenticator struct {
	digest [sha256.Size]byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{digest: sha256.Sum256([]byte(secret))}
}

// Verify reports whether candidate equals the secret. Both sides are hashed
// to fixed-size digests first, so the comparison time depends neither on the
// position of the first differing byte nor on the candidate's length.
func (a *Authenticator) Verify(candidate string) bool {
	got := sha256.Sum256([]byte(candidate))
	return subtle.ConstantTimeCompare(got[:], a.digest[:]) == 1
}

// APIKeyFromRequest extracts the offered key, preferring the header.
func APIKeyFromRequest(r *http.Request) string {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return key
	}
	return r.URL.Query().Get(APIKeyQuery)
}

// WriteAuthError writes the 403 body used by every gated endpoint.
func WriteAuthError(w http.ResponseWriter) {
	body, _ := json.Marshal(map[string]string{"error": "Invalid API key"})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	w.Write(body)
}

// RequireAPIKey gates every route it wraps behind the shared secret.
func (a *Authenticator) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Verify(APIKeyFromRequest(r)) {
			WriteAuthError(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// APIKeyFromContext returns the key from incoming gRPC metadata.
func APIKeyFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	keys := md.Get(APIKeyMetadata)
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

// UnaryAuthInterceptor validates the API key from metadata
func (a *Authenticator) UnaryAuthInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	if !a.Verify(APIKeyFromContext(ctx)) {
		return nil, status.Error(codes.PermissionDenied, "Invalid API key")
	}
	return handler(ctx, req)
}

// StreamAuthInterceptor for streaming RPCs
func (a *Authenticator) StreamAuthInterceptor(
	srv interface{},
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	if !a.Verify(APIKeyFromContext(ss.Context())) {
		return status.Error(codes.PermissionDenied, "Invalid API key")
	}
	return handler(srv, ss)
}
