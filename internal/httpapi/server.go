// Package httpapi is the HTTP front end: image and video uploads, job
// status, cancellation and downloads.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"
	"github.com/go-chi/render"

	"github.com/tendant/simple-cartoonizer/internal/artifact"
	"github.com/tendant/simple-cartoonizer/internal/converters"
	"github.com/tendant/simple-cartoonizer/internal/engine"
	"github.com/tendant/simple-cartoonizer/internal/img"
	"github.com/tendant/simple-cartoonizer/internal/jobs"
	"github.com/tendant/simple-cartoonizer/internal/pipeline"
	"github.com/tendant/simple-cartoonizer/internal/process"
	"github.com/tendant/simple-cartoonizer/internal/store"
)

// DefaultMaxUpload caps request bodies.
const DefaultMaxUpload = 512 << 20

// VideoRunner is the job pool the server submits to.
type VideoRunner interface {
	Submit(ctx context.Context, req pipeline.Request) (*process.Job, error)
	Wait(ctx context.Context, id string) (*process.Job, error)
	Cancel(id string) bool
}

// Options configures a Server.
type Options struct {
	Runner      VideoRunner
	Store       store.Store
	Engine      engine.Engine
	Namer       *artifact.Namer
	Logger      *slog.Logger
	HTTPLogger  *httplog.Logger // optional request logging
	Metrics     http.Handler    // optional, served at /metrics
	ImageMaxDim int
	MaxUpload   int64
	Published   Published // optional, remote copies of outputs
}

// Published removes the remote copy of an output file.
type Published interface {
	Withdraw(ctx context.Context, name string) error
}

type Server struct {
	runner      VideoRunner
	store       store.Store
	engine      engine.Engine
	namer       *artifact.Namer
	logger      *slog.Logger
	httpLogger  *httplog.Logger
	metrics     http.Handler
	imageMaxDim int
	maxUpload   int64
	published   Published
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxUpload := opts.MaxUpload
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUpload
	}
	return &Server{
		runner:      opts.Runner,
		store:       opts.Store,
		engine:      opts.Engine,
		namer:       opts.Namer,
		logger:      logger,
		httpLogger:  opts.HTTPLogger,
		metrics:     opts.Metrics,
		imageMaxDim: opts.ImageMaxDim,
		maxUpload:   maxUpload,
		published:   opts.Published,
	}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if s.httpLogger != nil {
		r.Use(httplog.RequestLogger(s.httpLogger, []string{"/healthz", "/metrics"}))
	}
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/cartoonize", func(r chi.Router) {
		r.Post("/image", s.handleImage)
		r.Post("/video", s.handleVideo)
	})
	r.Route("/jobs/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetJob)
		r.Delete("/", s.handleCancelJob)
	})
	r.Get("/outputs/{name}", s.handleOutput)
	r.Delete("/outputs/{name}", s.handleDeleteOutput)
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: msg})
}

// jobResponse is the public view of a job. It never exposes local paths.
type jobResponse struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Status      process.JobStatus `json:"status"`
	State       string            `json:"state,omitempty"`
	FailedStage string            `json:"failed_stage,omitempty"`
	Error       string            `json:"error,omitempty"`
	OutputURL   string            `json:"output_url,omitempty"`
	DownloadURL string            `json:"download_url,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func toResponse(j *process.Job) jobResponse {
	resp := jobResponse{
		ID:          j.ID,
		Kind:        j.Kind,
		Status:      j.Status,
		State:       j.State,
		FailedStage: j.FailedStage,
		Error:       j.Error,
		DownloadURL: j.DownloadURL,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if j.Status == process.JobStatusSucceeded && j.OutputPath != "" {
		resp.OutputURL = outputURL(filepath.Base(j.OutputPath))
	}
	return resp
}

func outputURL(name string) string { return "/outputs/" + name }

// formFile returns the uploaded part named field, or nil when the client
// sent none or an empty filename.
func formFile(r *http.Request, field string) (multipart.File, *multipart.FileHeader) {
	f, hdr, err := r.FormFile(field)
	if err != nil {
		return nil, nil
	}
	if hdr.Filename == "" {
		f.Close()
		return nil, nil
	}
	return f, hdr
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	f, _ := formFile(r, "image")
	if f == nil {
		s.fail(w, r, http.StatusBadRequest, "No image file selected")
		return
	}
	defer f.Close()

	id := artifact.NewJobID()
	dst := s.namer.Path(id, artifact.RoleImage)
	res, err := img.CartoonizeReader(r.Context(), s.engine, f, dst, img.Options{MaxDim: s.imageMaxDim})
	if err != nil {
		s.logger.Error("cartoonize image failed", "job_id", id, "err", err)
		s.fail(w, r, http.StatusUnprocessableEntity, "The image could not be cartoonized.")
		return
	}
	s.logger.Info("cartoonized image", "job_id", id, "width", res.Width, "height", res.Height)

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]any{
		"id":         id,
		"output_url": outputURL(filepath.Base(res.Path)),
		"width":      res.Width,
		"height":     res.Height,
	})
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	f, hdr := formFile(r, "video")
	if f == nil {
		s.fail(w, r, http.StatusBadRequest, "No video file selected")
		return
	}
	defer f.Close()

	id := artifact.NewJobID()
	raw := s.namer.Path(id, artifact.RoleRawUpload)
	n, err := saveUpload(f, raw)
	if err != nil {
		s.logger.Error("save upload failed", "job_id", id, "err", err)
		s.fail(w, r, http.StatusInternalServerError, "The upload could not be stored.")
		return
	}
	if n == 0 {
		_ = os.Remove(raw)
		s.fail(w, r, http.StatusBadRequest, "No video file selected")
		return
	}
	if mt, err := converters.DetectMimeType(raw); err == nil && !converters.IsVideo(mt) {
		// ffprobe has the final say; sniffing misses several containers.
		s.logger.Warn("upload does not look like a video", "job_id", id, "mime_type", mt, "filename", hdr.Filename)
	}

	job, err := s.runner.Submit(r.Context(), pipeline.Request{JobID: id, Input: raw, RemoveUpload: true})
	if err != nil {
		_ = os.Remove(raw)
		if errors.Is(err, jobs.ErrBusy) || errors.Is(err, jobs.ErrClosed) {
			w.Header().Set("Retry-After", "30")
			s.fail(w, r, http.StatusServiceUnavailable, "The server is busy. Please try again shortly.")
			return
		}
		s.logger.Error("submit job failed", "job_id", id, "err", err)
		s.fail(w, r, http.StatusInternalServerError, "The video could not be queued.")
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		done, err := s.runner.Wait(r.Context(), id)
		if err != nil {
			s.fail(w, r, http.StatusGatewayTimeout, "Gave up waiting for the job.")
			return
		}
		status := http.StatusOK
		if done.Status != process.JobStatusSucceeded {
			status = http.StatusUnprocessableEntity
		}
		render.Status(r, status)
		render.JSON(w, r, toResponse(done))
		return
	}

	w.Header().Set("Location", "/jobs/"+id)
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, toResponse(job))
}

func saveUpload(src io.Reader, dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("mkdir: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create: %w", err)
	}
	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return 0, fmt.Errorf("write: %w", err)
	}
	return n, nil
}

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := artifact.ParseJobID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, "Invalid job id.")
		return "", false
	}
	return id, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	job, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.fail(w, r, http.StatusNotFound, "Job not found.")
		return
	}
	if err != nil {
		s.logger.Error("load job failed", "job_id", id, "err", err)
		s.fail(w, r, http.StatusInternalServerError, "The job could not be loaded.")
		return
	}
	render.JSON(w, r, toResponse(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if !s.runner.Cancel(id) {
		s.fail(w, r, http.StatusNotFound, "No running job with that id.")
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{"id": id, "status": "canceling"})
}

func (s *Server) outputName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "name")
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		s.fail(w, r, http.StatusBadRequest, "Invalid file name.")
		return "", false
	}
	return name, true
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	name, ok := s.outputName(w, r)
	if !ok {
		return
	}
	f, err := os.Open(filepath.Join(s.namer.OutputDir, name))
	if err != nil {
		s.fail(w, r, http.StatusNotFound, "File not found.")
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil || !fi.Mode().IsRegular() {
		s.fail(w, r, http.StatusNotFound, "File not found.")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, fi.ModTime(), f)
}

// handleDeleteOutput removes a finished file locally and from object
// storage. A failed remote delete is logged; the signed link expires anyway.
func (s *Server) handleDeleteOutput(w http.ResponseWriter, r *http.Request) {
	name, ok := s.outputName(w, r)
	if !ok {
		return
	}
	err := os.Remove(filepath.Join(s.namer.OutputDir, name))
	if errors.Is(err, os.ErrNotExist) {
		s.fail(w, r, http.StatusNotFound, "File not found.")
		return
	}
	if err != nil {
		s.logger.Error("remove output failed", "name", name, "err", err)
		s.fail(w, r, http.StatusInternalServerError, "The file could not be removed.")
		return
	}
	if s.published != nil {
		if err := s.published.Withdraw(r.Context(), name); err != nil {
			s.logger.Warn("withdraw published output failed", "name", name, "err", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
