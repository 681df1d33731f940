package service

import (
	"context"
	"io"
	"time"

	"github.com/PaulBabatuyi/SensorCollector/internal/apperrors"
	"github.com/PaulBabatuyi/SensorCollector/internal/models"
	"github.com/PaulBabatuyi/SensorCollector/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UploadedFile is a sample in flight. Source is read once and always
// closed by Receive.
type UploadedFile struct {
	Filename string
	Source   io.ReadCloser
}

// Result describes a completed upload.
type Result struct {
	ID         string
	Filename   string
	Bytes      int64
	StoredPath string
}

// Receive authenticates the caller, streams file to a temporary scope in
// fixed-size chunks, promotes it when a durable directory is configured and
// records it. The temporary scope is gone when Receive returns.
func (r *Receiver) Receive(ctx context.Context, apiKey string, meta models.AudioMetadata, file UploadedFile) (res *Result, err error) {
	start := time.Now()
	var written int64
	defer func() {
		if file.Source != nil {
			file.Source.Close()
		}
		r.metrics.ObserveUpload(resultLabel(err), written, time.Since(start))
	}()

	if !r.auth.Verify(apiKey) {
		return nil, apperrors.NewAuthError()
	}
	if meta.Format() == "" {
		return nil, apperrors.NewValidationError("metadata", nil, "is required")
	}
	if file.Source == nil {
		return nil, apperrors.NewValidationError("datafile", nil, "is required")
	}
	filename, err := storage.SafeFilename(file.Filename)
	if err != nil {
		return nil, err
	}

	if err := r.uploadSem.Acquire(ctx, 1); err != nil {
		return nil, apperrors.NewIOError("acquire", "upload canceled while waiting", err)
	}
	defer r.uploadSem.Release(1)

	scope, err := r.storage.NewScope()
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := scope.Release(); rerr != nil {
			r.logger.Error("failed to release upload scope", zap.String("dir", scope.Dir()), zap.Error(rerr))
		}
	}()

	dst, err := scope.Create(filename)
	if err != nil {
		return nil, err
	}

	written, err = r.copyChunks(ctx, dst, file.Source)
	if err != nil {
		dst.Close()
		return nil, err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return nil, apperrors.NewIOError("sync_temp", "failed to flush upload", err)
	}
	if err := dst.Close(); err != nil {
		return nil, apperrors.NewIOError("close_temp", "failed to close upload", err)
	}

	if r.verifyFormat {
		if err := VerifyFileFormat(dst.Name(), meta.Format()); err != nil {
			return nil, err
		}
	}

	id := uuid.New().String()
	storedPath, err := r.storage.Promote(dst.Name(), id, filename)
	if err != nil {
		return nil, err
	}

	if r.ledger != nil {
		rec := models.NewUploadRecord(id, filename, meta, written, storedPath, r.now().UTC())
		if err := r.ledger.SaveUpload(ctx, rec); err != nil {
			r.logger.Warn("failed to record upload", zap.String("upload_id", id), zap.Error(err))
		}
	}

	r.logger.Info("upload received",
		zap.String("upload_id", id),
		zap.String("filename", filename),
		zap.String("mac_address", meta.MacAddress()),
		zap.String("format", string(meta.Format())),
		zap.Int64("bytes", written),
		zap.Float64("length_seconds", meta.LengthSeconds()),
		zap.Int64("timestamp", meta.Timestamp()),
		zap.String("zipcode", meta.Zipcode()),
		zap.Bool("promoted", storedPath != ""),
	)

	return &Result{
		ID:         id,
		Filename:   filename,
		Bytes:      written,
		StoredPath: storedPath,
	}, nil
}

// copyChunks reads src one chunk at a time and writes each chunk as it
// arrives. A zero-length read or io.EOF ends the stream.
func (r *Receiver) copyChunks(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buffer := make([]byte, r.chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, apperrors.NewIOError("read_chunk", "upload canceled", err)
		}

		n, rerr := src.Read(buffer)
		if n > 0 {
			w, werr := dst.Write(buffer[:n])
			written += int64(w)
			if werr == nil && w != n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return written, apperrors.NewIOError("write_chunk", "failed to write chunk", werr)
			}
		}
		if rerr == io.EOF || (n == 0 && rerr == nil) {
			return written, nil
		}
		if rerr != nil {
			return written, apperrors.NewIOError("read_chunk", "failed to receive chunk", rerr)
		}
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if _, ok := apperrors.As[*apperrors.AuthError](err); ok {
		return "auth_error"
	}
	if _, ok := apperrors.As[*apperrors.ValidationError](err); ok {
		return "validation_error"
	}
	return "io_error"
}
