package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/SensorCollector/internal/apperrors"
	"github.com/PaulBabatuyi/SensorCollector/internal/geo"
	"github.com/PaulBabatuyi/SensorCollector/internal/middleware"
	"github.com/PaulBabatuyi/SensorCollector/internal/models"
	"github.com/PaulBabatuyi/SensorCollector/internal/service"
)

// Receiver accepts one upload.
type Receiver interface {
	Receive(ctx context.Context, apiKey string, meta models.AudioMetadata, file service.UploadedFile) (*service.Result, error)
}

// Locator resolves an IP address to rendered geolocation text.
type Locator interface {
	Resolve(ctx context.Context, ip string, now time.Time) (geo.Result, error)
}

// UploadLedger reads back recorded uploads.
type UploadLedger interface {
	GetUpload(ctx context.Context, id string) (*models.UploadRecord, error)
	ListUploads(ctx context.Context, mac string, limit, offset int) ([]*models.UploadRecord, error)
}

// SampleStore opens the retained copy of an upload.
type SampleStore interface {
	ReadFile(uploadID, filename string) (io.ReadCloser, error)
}

// HTTPConfig collects what the HTTP transport needs. Ledger is optional;
// leave it nil, not a typed nil, when no database is configured.
type HTTPConfig struct {
	Auth     *middleware.Authenticator
	Receiver Receiver
	Geo      Locator
	Ledger   UploadLedger
	Samples  SampleStore
	Logger   *zap.Logger
	// LogFile is the file served by /log.
	LogFile string
	// RateLimit caps /locate_ip requests per client per RateWindow; zero
	// disables it.
	RateLimit  int
	RateWindow time.Duration
	Now        func() time.Time
}

type httpServer struct {
	receiver Receiver
	geo      Locator
	ledger   UploadLedger
	samples  SampleStore
	logger   *zap.Logger
	logFile  string
	now      func() time.Time
}

// NewRouter builds the HTTP API. Everything but /health requires the API
// key.
func NewRouter(cfg HTTPConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &httpServer{
		receiver: cfg.Receiver,
		geo:      cfg.Geo,
		ledger:   cfg.Ledger,
		samples:  cfg.Samples,
		logger:   cfg.Logger,
		logFile:  cfg.LogFile,
		now:      cfg.Now,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogger(cfg.Logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "OK")
	})

	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth.RequireAPIKey)

		r.Post("/v1/upload_audio_data", s.uploadAudio)
		r.Get("/v1/uploads", s.listUploads)
		r.Get("/v1/uploads/{id}", s.getUpload)
		r.Get("/v1/uploads/{id}/data", s.downloadUpload)
		r.Get("/time", s.currentTime)
		r.Get("/what_is_my_ip", s.whatIsMyIP)
		r.Get("/log", s.systemLog)

		r.Group(func(r chi.Router) {
			if cfg.RateLimit > 0 {
				r.Use(httprate.Limit(cfg.RateLimit, cfg.RateWindow,
					httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
						return geo.ClientIP(r), nil
					}),
				))
			}
			r.Get("/locate_ip", s.locateIP)
		})
	})

	return r
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeError maps err onto a status and a body that never carries the
// cause, which stays in the server log.
func (s *httpServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if _, ok := apperrors.As[*apperrors.AuthError](err); ok {
		middleware.WriteAuthError(w)
		return
	}
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", chimw.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]string{"error": apperrors.PublicMessage(err)})
}
