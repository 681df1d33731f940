package service_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/PaulBabatuyi/SensorCollector/internal/apperrors"
	"github.com/PaulBabatuyi/SensorCollector/internal/middleware"
	"github.com/PaulBabatuyi/SensorCollector/internal/models"
	"github.com/PaulBabatuyi/SensorCollector/internal/service"
	"github.com/PaulBabatuyi/SensorCollector/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const testAPIKey = "000-test-key"

var receivedAt = time.Date(2026, time.March, 2, 9, 30, 0, 0, time.UTC)

// trackingReader counts what the receiver pulled from the source.
type trackingReader struct {
	r        io.Reader
	read     int64
	maxAsk   int
	closed   bool
	failAt   int64
	failWith error
	onRead   func(total int64)
}

func (t *trackingReader) Read(p []byte) (int, error) {
	if len(p) > t.maxAsk {
		t.maxAsk = len(p)
	}
	if t.failWith != nil && t.read >= t.failAt {
		return 0, t.failWith
	}
	n, err := t.r.Read(p)
	t.read += int64(n)
	if t.onRead != nil {
		t.onRead(t.read)
	}
	return n, err
}

func (t *trackingReader) Close() error {
	t.closed = true
	return nil
}

type stubLedger struct {
	mu      sync.Mutex
	records []*models.UploadRecord
	err     error
}

func (l *stubLedger) SaveUpload(ctx context.Context, rec *models.UploadRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return l.err
}

type fixture struct {
	receiver  *service.Receiver
	ledger    *stubLedger
	tempRoot  string
	uploadDir string
	logs      *observer.ObservedLogs
}

func newFixture(t *testing.T, cfg service.Config) *fixture {
	t.Helper()
	tempRoot := t.TempDir()
	uploadDir := t.TempDir()
	store, err := storage.NewFilesystemStorage(uploadDir, tempRoot)
	require.NoError(t, err)

	core, logs := observer.New(zap.InfoLevel)
	ledger := &stubLedger{}
	r := service.NewReceiver(
		middleware.NewAuthenticator(testAPIKey),
		store,
		zap.New(core),
		cfg,
		service.WithLedger(ledger),
		service.WithClock(func() time.Time { return receivedAt }),
	)
	return &fixture{receiver: r, ledger: ledger, tempRoot: tempRoot, uploadDir: uploadDir, logs: logs}
}

func (f *fixture) assertNoTempLeft(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.tempRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary scope must be released")
}

func (f *fixture) assertNothingPromoted(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testMetadata(t *testing.T, format string) models.AudioMetadata {
	t.Helper()
	meta, err := models.NewAudioMetadata(models.RawAudioMetadata{
		Type:          format,
		SampleRate:    48000,
		Bitrate:       128,
		Timestamp:     1700000000,
		LengthSeconds: 4,
		MacAddress:    "A1B2C3D4E5F6",
		Zipcode:       "94117",
	})
	require.NoError(t, err)
	return meta
}

func payload(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestReceiveStreamsAllBytes(t *testing.T) {
	f := newFixture(t, service.Config{})
	data := payload(3*service.DefaultChunkSize + 123)
	src := &trackingReader{r: bytes.NewReader(data)}

	res, err := f.receiver.Receive(context.Background(), testAPIKey, testMetadata(t, "raw"), service.UploadedFile{
		Filename: "capture.raw",
		Source:   src,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(len(data)), res.Bytes)
	assert.Equal(t, src.read, res.Bytes)
	assert.Equal(t, "capture.raw", res.Filename)
	assert.NotEmpty(t, res.ID)
	assert.True(t, src.closed)
	assert.Equal(t, service.DefaultChunkSize, src.maxAsk)

	stored, err := os.ReadFile(filepath.Join(f.uploadDir, res.ID, "capture.raw"))
	require.NoError(t, err)
	assert.Equal(t, data, stored)
	assert.Equal(t, filepath.Join(f.uploadDir, res.ID, "capture.raw"), res.StoredPath)
	f.assertNoTempLeft(t)

	require.Len(t, f.ledger.records, 1)
	rec := f.ledger.records[0]
	assert.Equal(t, res.ID, rec.ID)
	assert.Equal(t, "a1b2c3d4e5f6", rec.MacAddress)
	assert.Equal(t, int64(len(data)), rec.Size)
	assert.Equal(t, receivedAt, rec.ReceivedAt)

	entries := f.logs.FilterMessage("upload received").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "capture.raw", fields["filename"])
	assert.Equal(t, "a1b2c3d4e5f6", fields["mac_address"])
	assert.Equal(t, "94117", fields["zipcode"])
	for _, e := range f.logs.All() {
		for _, v := range e.ContextMap() {
			assert.NotEqual(t, testAPIKey, v)
		}
	}
}

func TestReceiveEmptyStream(t *testing.T) {
	f := newFixture(t, service.Config{})
	res, err := f.receiver.Receive(context.Background(), testAPIKey, testMetadata(t, "raw"), service.UploadedFile{
		Filename: "empty.raw",
		Source:   &trackingReader{r: bytes.NewReader(nil)},
	})
	require.NoError(t, err)
	assert.Zero(t, res.Bytes)
	f.assertNoTempLeft(t)
}

func TestReceiveWrongKeyReadsNothing(t *testing.T) {
	f := newFixture(t, service.Config{})
	src := &trackingReader{r: bytes.NewReader(payload(1024))}

	res, err := f.receiver.Receive(context.Background(), "wrong-key", testMetadata(t, "wav"), service.UploadedFile{
		Filename: "clip.wav",
		Source:   src,
	})
	require.Error(t, err)
	assert.Nil(t, res)

	_, isAuth := apperrors.As[*apperrors.AuthError](err)
	assert.True(t, isAuth)
	assert.Equal(t, 403, apperrors.HTTPStatus(err))
	assert.NotContains(t, err.Error(), "wrong-key")

	assert.Zero(t, src.read)
	assert.True(t, src.closed)
	assert.Empty(t, f.ledger.records)
	f.assertNoTempLeft(t)
	f.assertNothingPromoted(t)
}

func TestReceiveRejectsInvalidMetadataBeforeReading(t *testing.T) {
	f := newFixture(t, service.Config{})

	_, err := models.NewAudioMetadata(models.RawAudioMetadata{
		Type: "wav", SampleRate: 48000, Bitrate: 127, MacAddress: "A1B2C3D4E5F6",
	})
	require.Error(t, err)

	// a metadata value that did not come out of NewAudioMetadata
	src := &trackingReader{r: bytes.NewReader(payload(1024))}
	_, err = f.receiver.Receive(context.Background(), testAPIKey, models.AudioMetadata{}, service.UploadedFile{
		Filename: "clip.wav",
		Source:   src,
	})
	_, isValidation := apperrors.As[*apperrors.ValidationError](err)
	assert.True(t, isValidation)
	assert.Zero(t, src.read)
	assert.True(t, src.closed)
	f.assertNoTempLeft(t)
}

func TestReceiveRejectsBadFilename(t *testing.T) {
	f := newFixture(t, service.Config{})
	src := &trackingReader{r: bytes.NewReader(payload(10))}

	_, err := f.receiver.Receive(context.Background(), testAPIKey, testMetadata(t, "raw"), service.UploadedFile{
		Filename: "..",
		Source:   src,
	})
	_, isValidation := apperrors.As[*apperrors.ValidationError](err)
	assert.True(t, isValidation)
	assert.Zero(t, src.read)
}

func TestReceiveReadErrorReleasesScope(t *testing.T) {
	f := newFixture(t, service.Config{ChunkSize: 1024})
	boom := errors.New("connection reset by peer")
	src := &trackingReader{r: bytes.NewReader(payload(10 * 1024)), failAt: 4096, failWith: boom}

	_, err := f.receiver.Receive(context.Background(), testAPIKey, testMetadata(t, "raw"), service.UploadedFile{
		Filename: "broken.raw",
		Source:   src,
	})
	require.Error(t, err)

	ioErr, ok := apperrors.As[*apperrors.IOError](err)
	require.True(t, ok)
	assert.Equal(t, "read_chunk", ioErr.Op)
	assert.ErrorIs(t, err, boom)
	assert.True(t, src.closed)
	assert.Empty(t, f.ledger.records)
	f.assertNoTempLeft(t)
	f.assertNothingPromoted(t)
}

func TestReceiveCanceledMidUpload(t *testing.T) {
	f := newFixture(t, service.Config{ChunkSize: 1024})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &trackingReader{
		r: bytes.NewReader(payload(64 * 1024)),
		onRead: func(total int64) {
			if total >= 2048 {
				cancel()
			}
		},
	}

	_, err := f.receiver.Receive(ctx, testAPIKey, testMetadata(t, "raw"), service.UploadedFile{
		Filename: "partial.raw",
		Source:   src,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, src.read, int64(64*1024))
	assert.True(t, src.closed)
	f.assertNoTempLeft(t)
	f.assertNothingPromoted(t)
}

func TestReceiveLedgerFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, service.Config{})
	f.ledger.err = errors.New("database unavailable")

	res, err := f.receiver.Receive(context.Background(), testAPIKey, testMetadata(t, "raw"), service.UploadedFile{
		Filename: "clip.raw",
		Source:   &trackingReader{r: bytes.NewReader(payload(100))},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Bytes)
	assert.Equal(t, 1, f.logs.FilterMessage("failed to record upload").Len())
}

func TestReceiveWithoutDurableDirectory(t *testing.T) {
	tempRoot := t.TempDir()
	store, err := storage.NewFilesystemStorage("", tempRoot)
	require.NoError(t, err)
	r := service.NewReceiver(middleware.NewAuthenticator(testAPIKey), store, nil, service.Config{})

	res, err := r.Receive(context.Background(), testAPIKey, testMetadata(t, "raw"), service.UploadedFile{
		Filename: "clip.raw",
		Source:   &trackingReader{r: bytes.NewReader(payload(5000))},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), res.Bytes)
	assert.Empty(t, res.StoredPath)

	entries, err := os.ReadDir(tempRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReceiveVerifiesDeclaredFormat(t *testing.T) {
	f := newFixture(t, service.Config{VerifyFormat: true})

	_, err := f.receiver.Receive(context.Background(), testAPIKey, testMetadata(t, "wav"), service.UploadedFile{
		Filename: "fake.wav",
		Source:   &trackingReader{r: bytes.NewReader([]byte("ID3\x03\x00\x00\x00\x00\x00\x00\x00\x00"))},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content type mismatch")
	f.assertNoTempLeft(t)
	f.assertNothingPromoted(t)

	wav := append([]byte("RIFF\x24\x00\x00\x00WAVEfmt "), payload(64)...)
	res, err := f.receiver.Receive(context.Background(), testAPIKey, testMetadata(t, "wav"), service.UploadedFile{
		Filename: "real.wav",
		Source:   &trackingReader{r: bytes.NewReader(wav)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(wav)), res.Bytes)
}

func TestSniffFormat(t *testing.T) {
	tests := map[string]struct {
		data []byte
		want models.AudioFormat
	}{
		"wav":        {[]byte("RIFF\x00\x00\x00\x00WAVEfmt "), models.FormatWAV},
		"mp3 id3":    {[]byte("ID3\x04\x00"), models.FormatMP3},
		"mp3 frame":  {[]byte{0xFF, 0xFB, 0x90, 0x64}, models.FormatMP3},
		"pcm":        {[]byte{0x01, 0x02, 0x03}, models.FormatRaw},
		"empty":      {nil, models.FormatRaw},
		"riff avi":   {[]byte("RIFF\x00\x00\x00\x00AVI LIST"), models.FormatRaw},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := service.SniffFormat(bytes.NewReader(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
