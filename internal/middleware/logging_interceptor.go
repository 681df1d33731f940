package middleware

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// requestIDFromMetadata returns x-request-id, generating one if the caller
// did not send it.
func requestIDFromMetadata(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if ids := md.Get("x-request-id"); len(ids) > 0 && ids[0] != "" {
		return ids[0]
	}
	return uuid.New().String()
}

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}

func logCompletion(logger *zap.Logger, msg, method, requestID, remote string, start time.Time, err error) {
	level := zapcore.InfoLevel
	if err != nil {
		level = zapcore.ErrorLevel
	}
	if ce := logger.Check(level, msg); ce != nil {
		ce.Write(
			zap.String("method", method),
			zap.String("request_id", requestID),
			zap.String("peer", remote),
			zap.Duration("duration", time.Since(start)),
			zap.String("code", status.Code(err).String()),
			zap.Error(err),
		)
	}
}

// UnaryLoggingInterceptor logs unary RPC calls with timing and errors
func UnaryLoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		requestID := requestIDFromMetadata(ctx)

		resp, err := handler(ctx, req)

		logCompletion(logger, "unary RPC", info.FullMethod, requestID, peerAddr(ctx), start, err)
		return resp, err
	}
}

// StreamLoggingInterceptor logs streaming RPC calls with timing and errors
func StreamLoggingInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		ctx := ss.Context()
		requestID := requestIDFromMetadata(ctx)

		logger.Debug("stream RPC started",
			zap.String("method", info.FullMethod),
			zap.String("request_id", requestID),
			zap.Bool("is_client_stream", info.IsClientStream),
		)

		err := handler(srv, ss)

		logCompletion(logger, "stream RPC", info.FullMethod, requestID, peerAddr(ctx), start, err)
		return err
	}
}
