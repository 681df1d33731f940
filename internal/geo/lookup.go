package geo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
)

// DefaultEndpoint is the iplocate.io lookup prefix; the IP is appended.
const DefaultEndpoint = "https://www.iplocate.io/api/lookup/"

// DefaultTimeout bounds one outbound lookup.
const DefaultTimeout = 10 * time.Second

// maxResponseBytes caps how much of a provider response is decoded.
const maxResponseBytes = 1 << 20

// Field is one key of a provider response, with its value already
// rendered as text.
type Field struct {
	Key   string
	Value string
}

// Fields keeps the provider's key order.
type Fields []Field

// Get returns the value for key.
func (f Fields) Get(key string) (string, bool) {
	for _, field := range f {
		if field.Key == key {
			return field.Value, true
		}
	}
	return "", false
}

// Lookup resolves an IP address through an external provider. A completed
// call returns the decoded fields and the provider's HTTP status, whatever
// it was; transport and decode failures return an error.
type Lookup interface {
	Lookup(ctx context.Context, ip string) (Fields, int, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, ip string) (Fields, int, error)

func (f LookupFunc) Lookup(ctx context.Context, ip string) (Fields, int, error) {
	return f(ctx, ip)
}

// ClientConfig configures the iplocate.io client.
type ClientConfig struct {
	Endpoint string
	Timeout  time.Duration
	// APIKey is the provider key, not the collector's shared secret.
	APIKey string
	// BreakerFailures is how many consecutive failures open the breaker.
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open.
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

type lookupResponse struct {
	fields Fields
	status int
}

// IPLocateClient calls the iplocate.io lookup API. While the provider keeps
// failing, the circuit breaker rejects calls immediately instead of waiting
// out the timeout each time. There are no retries.
type IPLocateClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[lookupResponse]
}

func NewIPLocateClient(cfg ClientConfig) *IPLocateClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker[lookupResponse](gobreaker.Settings{
		Name:    "iplocate",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
	})

	return &IPLocateClient{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		breaker:    breaker,
	}
}

func (c *IPLocateClient) Lookup(ctx context.Context, ip string) (Fields, int, error) {
	resp, err := c.breaker.Execute(func() (lookupResponse, error) {
		return c.fetch(ctx, ip)
	})
	if err != nil {
		return nil, 0, err
	}
	return resp.fields, resp.status, nil
}

func (c *IPLocateClient) fetch(ctx context.Context, ip string) (lookupResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+url.PathEscape(ip), nil)
	if err != nil {
		return lookupResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return lookupResponse{}, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return lookupResponse{}, fmt.Errorf("read response: %w", err)
	}

	fields, err := DecodeFields(body)
	if err != nil {
		return lookupResponse{}, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	return lookupResponse{fields: fields, status: resp.StatusCode}, nil
}

// DecodeFields parses a JSON object, keeping its key order. Strings are
// unquoted, null becomes empty, and numbers, booleans and nested values
// keep their JSON text.
func DecodeFields(body []byte) (Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("response is not a JSON object")
	}

	var fields Fields
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		value, err := renderValue(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		fields = append(fields, Field{Key: key, Value: value})
	}

	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return fields, nil
}

func renderValue(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		return "", nil
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	case trimmed[0] == '{' || trimmed[0] == '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err != nil {
			return "", err
		}
		return buf.String(), nil
	default:
		return strings.TrimSpace(string(trimmed)), nil
	}
}
