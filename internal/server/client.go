package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/PaulBabatuyi/SensorCollector/internal/middleware"
)

// IngestClient calls IngestService over an existing connection.
type IngestClient struct {
	conn   grpc.ClientConnInterface
	apiKey string
}

func NewIngestClient(conn grpc.ClientConnInterface, apiKey string) *IngestClient {
	return &IngestClient{conn: conn, apiKey: apiKey}
}

func (c *IngestClient) outgoing(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, middleware.APIKeyMetadata, c.apiKey)
}

// UploadAudio streams src in chunkSize pieces after the metadata message.
// fields holds the metadata keys plus "filename".
func (c *IngestClient) UploadAudio(ctx context.Context, fields map[string]any, src io.Reader, chunkSize int) (*structpb.Struct, error) {
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	first, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	stream, err := c.conn.NewStream(c.outgoing(ctx), &IngestServiceDesc.Streams[0], UploadAudioMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(first); err != nil {
		return nil, closeAndRecv(stream, err)
	}

	buf := make([]byte, chunkSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if err := stream.SendMsg(wrapperspb.Bytes(buf[:n])); err != nil {
				return nil, closeAndRecv(stream, err)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return nil, fmt.Errorf("read source: %w", rerr)
		}
	}

	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := stream.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// closeAndRecv surfaces the server's status when a send fails because the
// server already ended the call.
func closeAndRecv(stream grpc.ClientStream, sendErr error) error {
	if !errors.Is(sendErr, io.EOF) {
		return sendErr
	}
	_ = stream.CloseSend()
	if err := stream.RecvMsg(new(structpb.Struct)); err != nil {
		return err
	}
	return sendErr
}

func (c *IngestClient) LocateIP(ctx context.Context, ip string) (*structpb.Struct, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if ip != "" {
		req.Fields["ip"] = structpb.NewStringValue(ip)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(c.outgoing(ctx), LocateIPMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
