// Package server exposes the generation pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/manash/jimeng/internal/generate"
	"github.com/manash/jimeng/internal/history"
	"github.com/manash/jimeng/internal/provider"
	"github.com/manash/jimeng/internal/region"
	"github.com/manash/jimeng/pkg/models"
)

const (
	maxSourceImages = 10
	maxBodyBytes    = 64 << 20
)

var (
	errBadRequest   = errors.New("bad request")
	errUnauthorized = errors.New("missing bearer session token")
)

type Generator interface {
	GenerateImages(ctx context.Context, sess provider.Session, req generate.ImageRequest) (*generate.Result, error)
	GenerateComposition(ctx context.Context, sess provider.Session, req generate.CompositionRequest) (*generate.Result, error)
}

// JobLookup reads recorded jobs; optional.
type JobLookup interface {
	GetJob(ctx context.Context, id string) (*history.Job, error)
}

type Handler struct {
	gen     Generator
	catalog *models.Catalog
	jobs    JobLookup
	logger  zerolog.Logger
	now     func() time.Time
	pick    func(n int) int
}

func NewHandler(gen Generator, catalog *models.Catalog, jobs JobLookup, logger zerolog.Logger) *Handler {
	return &Handler{
		gen:     gen,
		catalog: catalog,
		jobs:    jobs,
		logger:  logger,
		now:     time.Now,
		pick:    rand.IntN,
	}
}

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestScope(h.logger), middleware.RealIP, middleware.Recoverer, h.AccessLog)

	r.Get("/ping", h.Ping)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", h.ListModels)
		r.Post("/images/generations", h.Generations)
		r.Post("/images/compositions", h.Compositions)
		r.Get("/jobs/{id}", h.GetJob)
	})
	return r
}

func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("pong"))
}

type modelObject struct {
	ID               string   `json:"id"`
	Object           string   `json:"object"`
	OwnedBy          string   `json:"owned_by"`
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	Type             string   `json:"type"`
	Regions          []string `json:"regions"`
	IntelligentRatio bool     `json:"intelligent_ratio"`
	MultiImage       bool     `json:"multi_image"`
}

// ListModels lists catalog models, narrowed to one region with ?region=.
// Without a region the caller's token region is used when present.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	var filter *models.Region
	if q := r.URL.Query().Get("region"); q != "" {
		reg, err := models.ParseRegion(q)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
			return
		}
		filter = &reg
	} else if sess, err := h.session(r); err == nil {
		filter = &sess.Region
	}

	entries := h.catalog.Entries()
	data := make([]modelObject, 0, len(entries))
	for _, e := range entries {
		if filter != nil && !e.AvailableIn(*filter) {
			continue
		}
		regions := make([]string, len(e.Regions))
		for i, reg := range e.Regions {
			regions[i] = string(reg)
		}
		data = append(data, modelObject{
			ID:               e.ID,
			Object:           "model",
			OwnedBy:          "jimeng",
			Name:             e.Name,
			Description:      e.Description,
			Type:             string(e.Type),
			Regions:          regions,
			IntelligentRatio: e.IntelligentRatio,
			MultiImage:       e.MultiImage,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

type generationRequest struct {
	Model            string   `json:"model"`
	Prompt           string   `json:"prompt"`
	NegativePrompt   string   `json:"negative_prompt"`
	Ratio            string   `json:"ratio"`
	Resolution       string   `json:"resolution"`
	IntelligentRatio bool     `json:"intelligent_ratio"`
	SampleStrength   *float64 `json:"sample_strength"`
	Seed             *int64   `json:"seed"`
	Images           []string `json:"images,omitempty"`
}

func (g generationRequest) toImageRequest() (generate.ImageRequest, error) {
	req := generate.ImageRequest{
		Model:            g.Model,
		Prompt:           g.Prompt,
		NegativePrompt:   g.NegativePrompt,
		Tier:             g.Resolution,
		Ratio:            g.Ratio,
		IntelligentRatio: g.IntelligentRatio,
		Seed:             g.Seed,
	}
	if g.SampleStrength != nil {
		if *g.SampleStrength < 0 || *g.SampleStrength > 1 {
			return req, fmt.Errorf("%w: sample_strength must be between 0 and 1", errBadRequest)
		}
		req.SampleStrength = *g.SampleStrength
	}
	return req, nil
}

type imageData struct {
	URL string `json:"url"`
}

type imagesResponse struct {
	Created   int64       `json:"created"`
	Data      []imageData `json:"data"`
	Model     string      `json:"model"`
	HistoryID string      `json:"history_id"`
	Width     int         `json:"width"`
	Height    int         `json:"height"`
}

func (h *Handler) Generations(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var body generationRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	req, err := body.toImageRequest()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.gen.GenerateImages(r.Context(), sess, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.imagesResponse(res))
}

// Compositions accepts JSON with image URLs, or multipart form data with
// "images" file parts and optional "images" URL fields.
func (h *Handler) Compositions(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var (
		body    generationRequest
		sources []provider.ImageSource
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		body, sources, err = parseMultipart(r)
	} else {
		err = decodeJSON(r, &body)
		for _, u := range body.Images {
			sources = append(sources, provider.ImageSource{URL: u})
		}
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(sources) > maxSourceImages {
		h.writeError(w, r, fmt.Errorf("%w: at most %d images, got %d", errBadRequest, maxSourceImages, len(sources)))
		return
	}

	req, err := body.toImageRequest()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.gen.GenerateComposition(r.Context(), sess, generate.CompositionRequest{ImageRequest: req, Images: sources})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.imagesResponse(res))
}

type jobResponse struct {
	SubmitID   string     `json:"submit_id"`
	HistoryID  string     `json:"history_id"`
	Region     string     `json:"region"`
	Model      string     `json:"model"`
	Prompt     string     `json:"prompt"`
	State      string     `json:"state"`
	Polls      int        `json:"polls"`
	ElapsedMs  int64      `json:"elapsed_ms"`
	FailCode   string     `json:"fail_code,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	URLs       []string   `json:"urls"`
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		h.writeError(w, r, fmt.Errorf("%w: job history is disabled", history.ErrJobNotFound))
		return
	}
	job, err := h.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := jobResponse{
		SubmitID:  job.SubmitID,
		HistoryID: job.HistoryID,
		Region:    job.Region,
		Model:     job.UserModel,
		Prompt:    job.Prompt,
		State:     job.State,
		Polls:     job.Polls,
		ElapsedMs: job.Elapsed.Milliseconds(),
		FailCode:  job.FailCode,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
		URLs:      []string{},
	}
	if job.Finished() {
		resp.FinishedAt = &job.FinishedAt
	}
	for _, a := range job.Artifacts {
		resp.URLs = append(resp.URLs, a.URL)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) imagesResponse(res *generate.Result) imagesResponse {
	data := make([]imageData, len(res.URLs))
	for i, u := range res.URLs {
		data[i] = imageData{URL: u}
	}
	return imagesResponse{
		Created:   h.now().Unix(),
		Data:      data,
		Model:     res.Model.UserModel,
		HistoryID: res.Handle.HistoryID,
		Width:     res.Resolution.Width,
		Height:    res.Resolution.Height,
	}
}

// session picks one token from the bearer list at random.
func (h *Handler) session(r *http.Request) (provider.Session, error) {
	auth := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return provider.Session{}, errUnauthorized
	}
	tokens := region.Tokens(auth[len(prefix):])
	if len(tokens) == 0 {
		return provider.Session{}, errUnauthorized
	}
	return region.FromToken(tokens[h.pick(len(tokens))]), nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %w", errBadRequest, err)
	}
	return nil
}

func parseMultipart(r *http.Request) (generationRequest, []provider.ImageSource, error) {
	var body generationRequest
	if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
		return body, nil, fmt.Errorf("%w: invalid multipart body: %w", errBadRequest, err)
	}
	form := r.MultipartForm

	body.Model = formValue(form, "model")
	body.Prompt = formValue(form, "prompt")
	body.NegativePrompt = formValue(form, "negative_prompt")
	body.Ratio = formValue(form, "ratio")
	body.Resolution = formValue(form, "resolution")
	body.IntelligentRatio, _ = strconv.ParseBool(formValue(form, "intelligent_ratio"))
	if v := formValue(form, "sample_strength"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return body, nil, fmt.Errorf("%w: sample_strength: %w", errBadRequest, err)
		}
		body.SampleStrength = &f
	}

	var sources []provider.ImageSource
	for _, fh := range form.File["images"] {
		data, err := readPart(fh)
		if err != nil {
			return body, nil, fmt.Errorf("%w: image %s: %w", errBadRequest, fh.Filename, err)
		}
		sources = append(sources, provider.ImageSource{Data: data, Filename: fh.Filename})
	}
	for _, u := range form.Value["images"] {
		if u = strings.TrimSpace(u); u != "" {
			sources = append(sources, provider.ImageSource{URL: u})
		}
	}
	return body, sources, nil
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Run serves until ctx is done, then shuts down within shutdownTimeout.
func Run(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		// Generation requests block until polling finishes.
		WriteTimeout: models.PollTimeout + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("http: listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	logger.Info().Msg("http: stopped")
	return nil
}
