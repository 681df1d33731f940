package server

import (
	"errors"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/SensorCollector/internal/apperrors"
	"github.com/PaulBabatuyi/SensorCollector/internal/database"
	"github.com/PaulBabatuyi/SensorCollector/internal/geo"
	"github.com/PaulBabatuyi/SensorCollector/internal/middleware"
	"github.com/PaulBabatuyi/SensorCollector/internal/models"
	"github.com/PaulBabatuyi/SensorCollector/internal/observability"
	"github.com/PaulBabatuyi/SensorCollector/internal/service"
)

const (
	maxMetadataBytes = 64 << 10
	logTailLines     = 100
)

// uploadAudio reads the multipart body part by part. Metadata comes from
// the query string or from a "metadata" JSON part sent before the file;
// the "datafile" part is handed to the receiver without buffering.
func (s *httpServer) uploadAudio(w http.ResponseWriter, r *http.Request) {
	var meta models.AudioMetadata
	haveMeta := false
	if q := r.URL.Query(); models.HasMetadataValues(q) {
		m, err := models.AudioMetadataFromValues(q)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		meta, haveMeta = m, true
	}

	mr, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, r, apperrors.NewValidationError("datafile", nil, "request must be multipart/form-data"))
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.writeError(w, r, apperrors.NewValidationError("datafile", nil, "malformed multipart body"))
			return
		}

		switch part.FormName() {
		case "metadata":
			if haveMeta {
				part.Close()
				continue
			}
			m, err := decodeMetadataPart(part)
			part.Close()
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			meta, haveMeta = m, true

		case "datafile":
			res, err := s.receiver.Receive(r.Context(), middleware.APIKeyFromRequest(r), meta, service.UploadedFile{
				Filename: part.FileName(),
				Source:   part,
			})
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			writeText(w, http.StatusOK, "Uploaded "+res.Filename)
			return

		default:
			part.Close()
		}
	}

	s.writeError(w, r, apperrors.NewValidationError("datafile", nil, "is required"))
}

func decodeMetadataPart(part io.Reader) (models.AudioMetadata, error) {
	body, err := io.ReadAll(io.LimitReader(part, maxMetadataBytes+1))
	if err != nil {
		return models.AudioMetadata{}, apperrors.NewValidationError("metadata", nil, "could not be read")
	}
	if len(body) > maxMetadataBytes {
		return models.AudioMetadata{}, apperrors.NewValidationError("metadata", nil, "is too large")
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return models.AudioMetadata{}, apperrors.NewValidationError("metadata", nil, "must be a JSON object")
	}
	return models.ParseAudioMetadata(fields)
}

func (s *httpServer) locateIP(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip_address")
	if ip == "" {
		ip = geo.ClientIP(r)
	}

	res, err := s.geo.Resolve(r.Context(), ip, s.now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := res.Status
	if status < 100 || status > 999 {
		status = http.StatusBadGateway
	}
	if res.Cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	writeText(w, status, res.Text)
}

func (s *httpServer) currentTime(w http.ResponseWriter, r *http.Request) {
	iso := false
	if v := r.URL.Query().Get("use_iso_fmt"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, apperrors.NewValidationError("use_iso_fmt", v, "must be a boolean"))
			return
		}
		iso = b
	}

	now := s.now()
	if iso {
		writeText(w, http.StatusOK, now.Format(time.RFC3339Nano))
		return
	}
	writeText(w, http.StatusOK, strconv.FormatFloat(float64(now.UnixMicro())/1e6, 'f', -1, 64))
}

func (s *httpServer) whatIsMyIP(w http.ResponseWriter, r *http.Request) {
	ip := geo.ClientIP(r)
	if ip == "" {
		writeText(w, http.StatusForbidden, "No IP address found.")
		return
	}
	writeText(w, http.StatusOK, ip)
}

func (s *httpServer) systemLog(w http.ResponseWriter, r *http.Request) {
	lines, err := observability.TailReversed(s.logFile, logTailLines)
	if err != nil {
		s.writeError(w, r, apperrors.NewIOError("read_log", "failed to read log file", err))
		return
	}
	if len(lines) == 0 {
		writeText(w, http.StatusOK, "(empty log file)")
		return
	}
	writeText(w, http.StatusOK, strings.Join(lines, "\n"))
}

type uploadView struct {
	ID            string    `json:"id"`
	Filename      string    `json:"filename"`
	MacAddress    string    `json:"macaddress"`
	Type          string    `json:"type"`
	SampleRate    int       `json:"samplerate"`
	Bitrate       int       `json:"bitrate"`
	Timestamp     int64     `json:"timestamp"`
	LengthSeconds float64   `json:"lengthseconds"`
	Zipcode       string    `json:"zipcode"`
	Size          int64     `json:"size"`
	Stored        bool      `json:"stored"`
	ReceivedAt    time.Time `json:"received_at"`
}

func newUploadView(rec *models.UploadRecord) uploadView {
	return uploadView{
		ID:            rec.ID,
		Filename:      rec.Filename,
		MacAddress:    rec.MacAddress,
		Type:          string(rec.Format),
		SampleRate:    rec.SampleRate,
		Bitrate:       rec.Bitrate,
		Timestamp:     rec.DeviceTime.Unix(),
		LengthSeconds: rec.LengthSeconds,
		Zipcode:       rec.Zipcode,
		Size:          rec.Size,
		Stored:        rec.StoragePath != "",
		ReceivedAt:    rec.ReceivedAt,
	}
}

func (s *httpServer) ledgerAvailable(w http.ResponseWriter) bool {
	if s.ledger == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "upload ledger is not configured"})
		return false
	}
	return true
}

func (s *httpServer) listUploads(w http.ResponseWriter, r *http.Request) {
	if !s.ledgerAvailable(w) {
		return
	}
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(q.Get("offset"), "offset")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	records, err := s.ledger.ListUploads(r.Context(), q.Get("mac"), limit, offset)
	if err != nil {
		s.writeError(w, r, apperrors.NewIOError("list_uploads", "failed to list uploads", err))
		return
	}

	views := make([]uploadView, 0, len(records))
	for _, rec := range records {
		views = append(views, newUploadView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uploads": views,
		"count":   len(views),
	})
}

// loadUpload resolves the {id} route parameter to a ledger row, writing
// the error response itself when it cannot.
func (s *httpServer) loadUpload(w http.ResponseWriter, r *http.Request) (*models.UploadRecord, bool) {
	if !s.ledgerAvailable(w) {
		return nil, false
	}
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		s.writeError(w, r, apperrors.NewValidationError("id", id, "must be a UUID"))
		return nil, false
	}

	rec, err := s.ledger.GetUpload(r.Context(), id)
	if errors.Is(err, database.ErrUploadNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "upload not found"})
		return nil, false
	}
	if err != nil {
		s.writeError(w, r, apperrors.NewIOError("get_upload", "failed to load upload", err))
		return nil, false
	}
	return rec, true
}

func (s *httpServer) getUpload(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadUpload(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newUploadView(rec))
}

// downloadUpload streams a retained sample back with its format's
// content type.
func (s *httpServer) downloadUpload(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadUpload(w, r)
	if !ok {
		return
	}
	if rec.StoragePath == "" || s.samples == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "sample was not retained"})
		return
	}

	rc, err := s.samples.ReadFile(rec.ID, filepath.Base(rec.StoragePath))
	if errors.Is(err, fs.ErrNotExist) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "sample was not retained"})
		return
	}
	if err != nil {
		s.writeError(w, r, apperrors.NewIOError("read_sample", "failed to open sample", err))
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", rec.Format.ContentType())
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rec.Filename}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.CopyBuffer(w, rc, make([]byte, service.DefaultChunkSize)); err != nil {
		s.logger.Warn("sample download interrupted", zap.String("id", rec.ID), zap.Error(err))
	}
}

func queryInt(v, field string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperrors.NewValidationError(field, v, "must be a non-negative integer")
	}
	return n, nil
}
