package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/PaulBabatuyi/SensorCollector/internal/apperrors"
	"github.com/PaulBabatuyi/SensorCollector/internal/middleware"
	"github.com/PaulBabatuyi/SensorCollector/internal/models"
	"github.com/PaulBabatuyi/SensorCollector/internal/service"
)

const (
	IngestServiceName = "collector.v1.IngestService"
	UploadAudioMethod = "/" + IngestServiceName + "/UploadAudio"
	LocateIPMethod    = "/" + IngestServiceName + "/LocateIP"
)

// IngestServiceServer is the gRPC face of the collector. UploadAudio is
// client-streaming: a structpb.Struct with the metadata and "filename"
// first, then wrapperspb.BytesValue chunks. It answers with a Struct
// holding filename, bytes and id. LocateIP takes {"ip"} and answers
// {"text", "status", "cached"}.
type IngestServiceServer interface {
	UploadAudio(stream grpc.ServerStream) error
	LocateIP(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func uploadAudioHandler(srv any, stream grpc.ServerStream) error {
	return srv.(IngestServiceServer).UploadAudio(stream)
}

func locateIPHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IngestServiceServer).LocateIP(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: LocateIPMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IngestServiceServer).LocateIP(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// IngestServiceDesc describes the service for grpc.Server.RegisterService.
var IngestServiceDesc = grpc.ServiceDesc{
	ServiceName: IngestServiceName,
	HandlerType: (*IngestServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "LocateIP", Handler: locateIPHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "UploadAudio", Handler: uploadAudioHandler, ClientStreams: true},
	},
	Metadata: "collector/v1/ingest.proto",
}

func RegisterIngestServiceServer(s grpc.ServiceRegistrar, srv IngestServiceServer) {
	s.RegisterService(&IngestServiceDesc, srv)
}

type ingestServer struct {
	receiver Receiver // Where uploads go
	geo      Locator  // IP geolocation
	logger   *zap.Logger
	now      func() time.Time
}

func NewIngestServer(receiver Receiver, geo Locator, logger *zap.Logger) *ingestServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ingestServer{
		receiver: receiver,
		geo:      geo,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *ingestServer) UploadAudio(stream grpc.ServerStream) error {
	// 1. Receive first message (metadata)
	first := new(structpb.Struct)
	if err := stream.RecvMsg(first); err != nil {
		return status.Error(codes.InvalidArgument, "no metadata received")
	}

	fields := first.AsMap()
	meta, err := models.ParseAudioMetadata(fields)
	if err != nil {
		return toStatus(err)
	}
	filename, _ := fields["filename"].(string)

	// 2. Stream chunks into the receiver
	res, err := s.receiver.Receive(stream.Context(), middleware.APIKeyFromContext(stream.Context()), meta, service.UploadedFile{
		Filename: filename,
		Source:   &chunkReader{stream: stream},
	})
	if err != nil {
		return toStatus(err)
	}

	// 3. Send response once
	resp, err := structpb.NewStruct(map[string]any{
		"filename": res.Filename,
		"bytes":    float64(res.Bytes),
		"id":       res.ID,
	})
	if err != nil {
		return status.Error(codes.Internal, "failed to build response")
	}
	return stream.SendMsg(resp)
}

func (s *ingestServer) LocateIP(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ip := req.GetFields()["ip"].GetStringValue()
	if ip == "" {
		ip = callerIP(ctx)
	}

	res, err := s.geo.Resolve(ctx, ip, s.now())
	if err != nil {
		return nil, toStatus(err)
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"text":   structpb.NewStringValue(res.Text),
		"status": structpb.NewNumberValue(float64(res.Status)),
		"cached": structpb.NewBoolValue(res.Cached),
	}}, nil
}

// callerIP mirrors geo.ClientIP for gRPC: the first x-forwarded-for entry,
// else the transport peer.
func callerIP(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if fwd := md.Get("x-forwarded-for"); len(fwd) > 0 {
			first, _, _ := strings.Cut(fwd[0], ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}

func toStatus(err error) error {
	code := apperrors.GRPCCode(err)
	if code == codes.Internal {
		if c := status.Code(errors.Unwrap(err)); c == codes.Canceled || c == codes.DeadlineExceeded {
			code = c
		}
	}
	return status.Error(code, apperrors.PublicMessage(err))
}

// chunkReader exposes the BytesValue messages of an upload stream as an
// io.Reader. Empty messages are skipped, so a zero-length read only
// happens at the end of the stream.
type chunkReader struct {
	stream grpc.ServerStream
	buf    []byte
	done   bool
}

func (c *chunkReader) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		if c.done {
			return 0, io.EOF
		}
		msg := new(wrapperspb.BytesValue)
		if err := c.stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				c.done = true
				return 0, io.EOF
			}
			return 0, err
		}
		c.buf = msg.GetValue()
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *chunkReader) Close() error {
	return nil
}
