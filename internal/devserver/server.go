// Package devserver serves a simulated job API so the engine and CLI can run
// without the real image-to-3D backend.
package devserver

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"protoscale/pkg/types"
)

const (
	maxBodyBytes   int64 = 1 << 20
	maxUploadBytes int64 = 32 << 20
	maxUploadFiles       = 4
)

// Options configures the HTTP surface around a Sim.
type Options struct {
	// APIKey, when set, is required in X-API-Key on every /api route except
	// the model and thumbnail downloads.
	APIKey string
	// CORSOrigins enables CORS for the listed origins; empty disables it.
	CORSOrigins []string
	// GenerateRate caps generate-3d requests per second; 0 disables.
	GenerateRate float64
	Logger       *zerolog.Logger
}

type server struct {
	sim     *Sim
	log     zerolog.Logger
	limiter *rate.Limiter
}

// NewMux builds the router for sim.
func NewMux(sim *Sim, opts Options) http.Handler {
	s := &server{sim: sim, log: zerolog.Nop()}
	if opts.Logger != nil {
		s.log = *opts.Logger
	}
	if opts.GenerateRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.GenerateRate), 1)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(s.requestLog)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "X-API-Key", "ngrok-skip-browser-warning"},
			MaxAge:         300,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/jobs/{id}/result/model.glb", s.model)
		r.Get("/jobs/{id}/thumbnail", s.thumbnail)

		r.Group(func(r chi.Router) {
			r.Use(requireAPIKey(opts.APIKey))
			r.Post("/upload", s.upload)
			r.Get("/jobs", s.list)
			r.Delete("/jobs/{id}", s.delete)
			r.Post("/jobs/{id}/generate-3d", s.generate)
			r.Get("/jobs/{id}/status", s.status)
			r.Post("/jobs/{id}/retexture", s.retexture)
			r.Get("/jobs/{id}/retexture/status", s.retextureStatus)
			r.Post("/jobs/{id}/retexture/cancel", s.cancelRetexture)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	return r
}

func requireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get("X-API-Key")
			switch {
			case got == "":
				writeJSONError(w, http.StatusUnauthorized, "Missing API key")
			case got != key:
				writeJSONError(w, http.StatusForbidden, "Invalid API key")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func (s *server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)
		z := s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Int("status", sr.status).Dur("dur", time.Since(start))
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Msg("request")
	})
}

func (s *server) upload(w http.ResponseWriter, r *http.Request) {
	if err := s.sim.hit("upload"); err != nil {
		writeError(w, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 || len(files) > maxUploadFiles {
		writeJSONError(w, http.StatusBadRequest, "Upload between 1 and 4 images")
		return
	}
	f, err := files[0].Open()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unreadable file")
		return
	}
	thumb, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unreadable file")
		return
	}
	settings := types.GenerateRequest{
		RemoveBackground: formBool(r, "remove_bg", true),
		AIModel:          r.FormValue("ai_model"),
		ShouldTexture:    formBool(r, "should_texture", true),
		EnablePBR:        formBool(r, "enable_pbr", true),
		ModelType:        r.FormValue("model_type"),
		SymmetryMode:     r.FormValue("symmetry_mode"),
	}
	id := s.sim.Create(thumb, settings)
	s.log.Info().Str("job_id", id).Int("files", len(files)).Msg("upload")
	writeJSON(w, types.UploadResponse{JobID: id, Status: "pending"})
}

func formBool(r *http.Request, key string, def bool) bool {
	v := r.FormValue(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func (s *server) generate(w http.ResponseWriter, r *http.Request) {
	if err := s.sim.hit("generate"); err != nil {
		writeError(w, err)
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		rateLimitedTotal.Inc()
		writeJSONError(w, http.StatusTooManyRequests, "Rate limit exceeded. Try again later.")
		return
	}
	var req *types.GenerateRequest
	if r.ContentLength != 0 && strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var body types.GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		req = &body
	}
	id := chi.URLParam(r, "id")
	if err := s.sim.StartGenerate(id, req); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info().Str("job_id", id).Msg("generate")
	writeJSON(w, types.StatusResponse{JobID: id, Status: "processing"})
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	if err := s.sim.hit("status"); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.sim.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, st)
}

func (s *server) retexture(w http.ResponseWriter, r *http.Request) {
	if err := s.sim.hit("retexture"); err != nil {
		writeError(w, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req types.RetextureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.sim.StartRetexture(id, req); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info().Str("job_id", id).Int("resolution", req.Resolution).Msg("retexture")
	writeJSON(w, types.RetextureStatusResponse{Status: "processing", Message: "Retexture started"})
}

func (s *server) retextureStatus(w http.ResponseWriter, r *http.Request) {
	if err := s.sim.hit("retexture_status"); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, s.sim.RetextureStatus(chi.URLParam(r, "id")))
}

func (s *server) cancelRetexture(w http.ResponseWriter, r *http.Request) {
	if err := s.sim.hit("retexture_cancel"); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.sim.CancelRetexture(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	res.Message = "Retexture cancelled"
	writeJSON(w, res)
}

func (s *server) delete(w http.ResponseWriter, r *http.Request) {
	if err := s.sim.hit("delete"); err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.sim.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, types.DeleteResponse{Status: "deleted", JobID: id})
}

func (s *server) list(w http.ResponseWriter, r *http.Request) {
	if err := s.sim.hit("list"); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, s.sim.Jobs())
}

// glbStub is a minimal binary glTF header; enough for a download to succeed.
var glbStub = []byte{'g', 'l', 'T', 'F', 2, 0, 0, 0, 12, 0, 0, 0}

func (s *server) model(w http.ResponseWriter, r *http.Request) {
	if err := s.sim.hit("model"); err != nil {
		writeError(w, err)
		return
	}
	if !s.sim.HasModel(chi.URLParam(r, "id")) {
		writeJSONError(w, http.StatusNotFound, "Model not found")
		return
	}
	w.Header().Set("Content-Type", "model/gltf-binary")
	_, _ = w.Write(glbStub)
}

func (s *server) thumbnail(w http.ResponseWriter, r *http.Request) {
	if err := s.sim.hit("thumbnail"); err != nil {
		writeError(w, err)
		return
	}
	b, err := s.sim.Thumbnail(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(b))
	_, _ = w.Write(b)
}
