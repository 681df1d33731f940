package middleware

import (
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// ChainConfig lists what goes into the gRPC interceptor chain. Metrics and
// TracerProvider are optional.
type ChainConfig struct {
	Auth           *Authenticator
	Logger         *zap.Logger
	Metrics        *grpcprom.ServerMetrics
	TracerProvider trace.TracerProvider
}

// ServerOptions chains the interceptors in order: metrics, logging, auth.
// Logging runs outside auth so rejected calls are still recorded.
func ServerOptions(cfg ChainConfig) []grpc.ServerOption {
	var unary []grpc.UnaryServerInterceptor
	var stream []grpc.StreamServerInterceptor

	if cfg.Metrics != nil {
		unary = append(unary, cfg.Metrics.UnaryServerInterceptor())
		stream = append(stream, cfg.Metrics.StreamServerInterceptor())
	}
	if cfg.Logger != nil {
		unary = append(unary, UnaryLoggingInterceptor(cfg.Logger))
		stream = append(stream, StreamLoggingInterceptor(cfg.Logger))
	}
	if cfg.Auth != nil {
		unary = append(unary, cfg.Auth.UnaryAuthInterceptor)
		stream = append(stream, cfg.Auth.StreamAuthInterceptor)
	}

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}
	if cfg.TracerProvider != nil {
		opts = append(opts, grpc.StatsHandler(otelgrpc.NewServerHandler(
			otelgrpc.WithTracerProvider(cfg.TracerProvider),
		)))
	}
	return opts
}
