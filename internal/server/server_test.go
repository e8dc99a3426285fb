package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/manash/jimeng/internal/generate"
	"github.com/manash/jimeng/internal/history"
	"github.com/manash/jimeng/internal/policy"
	"github.com/manash/jimeng/internal/provider"
	"github.com/manash/jimeng/pkg/models"
)

type fakeGenerator struct {
	err error

	sessions     []provider.Session
	images       []generate.ImageRequest
	compositions []generate.CompositionRequest
}

func (g *fakeGenerator) result() (*generate.Result, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &generate.Result{
		URLs:       []string{"https://p3.byteimg.com/a.webp", "https://p3.byteimg.com/b.webp"},
		Handle:     models.JobHandle{SubmitID: "s-1", HistoryID: "h-1"},
		Model:      policy.ModelResolution{UserModel: "jimeng-4.5", BackendModel: "high_aes_general_v40l"},
		Resolution: models.ResolutionResult{Width: 2048, Height: 2048, Tier: models.Tier2K, RatioCode: 1},
	}, nil
}

func (g *fakeGenerator) GenerateImages(_ context.Context, sess provider.Session, req generate.ImageRequest) (*generate.Result, error) {
	g.sessions = append(g.sessions, sess)
	g.images = append(g.images, req)
	return g.result()
}

func (g *fakeGenerator) GenerateComposition(_ context.Context, sess provider.Session, req generate.CompositionRequest) (*generate.Result, error) {
	g.sessions = append(g.sessions, sess)
	g.compositions = append(g.compositions, req)
	return g.result()
}

type fakeJobs map[string]*history.Job

func (f fakeJobs) GetJob(_ context.Context, id string) (*history.Job, error) {
	if j, ok := f[id]; ok {
		return j, nil
	}
	return nil, fmt.Errorf("%w: %s", history.ErrJobNotFound, id)
}

func newTestRouter(gen Generator, jobs JobLookup) (http.Handler, *Handler) {
	h := NewHandler(gen, models.DefaultCatalog(), jobs, zerolog.Nop())
	h.now = func() time.Time { return time.Unix(1700000000, 0) }
	h.pick = func(int) int { return 0 }
	return NewRouter(h), h
}

func do(t *testing.T, router http.Handler, method, path, auth, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v (%s)", err, rec.Body.String())
	}
	return body.Error
}

func TestPing(t *testing.T) {
	router, _ := newTestRouter(&fakeGenerator{}, nil)
	rec := do(t, router, http.MethodGet, "/ping", "", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Errorf("GET /ping = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("response has no X-Request-ID")
	}
}

func TestRequestID_Propagated(t *testing.T) {
	router, _ := newTestRouter(&fakeGenerator{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "rid-42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "rid-42" {
		t.Errorf("X-Request-ID = %q, want rid-42", got)
	}
}

func TestRequestScope_ReplacesUnusableID(t *testing.T) {
	router, _ := newTestRouter(&fakeGenerator{}, nil)
	for _, rid := range []string{"has space", strings.Repeat("x", maxRequestIDBytes+1)} {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("X-Request-ID", rid)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		got := rec.Header().Get("X-Request-ID")
		if got == rid || got == "" {
			t.Errorf("X-Request-ID %q echoed as %q, want a fresh id", rid, got)
		}
	}
}

func TestRequestScope_LogsCarryRequestID(t *testing.T) {
	var buf bytes.Buffer
	h := NewHandler(&fakeGenerator{err: provider.ErrBackendRejected}, models.DefaultCatalog(), nil, zerolog.New(&buf))
	router := NewRouter(h)

	body := `{"model":"jimeng-4.5","prompt":"a fox"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/images/generations", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer us-abc")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "rid-7")
	router.ServeHTTP(httptest.NewRecorder(), req)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected error and access log lines, got %q", buf.String())
	}
	for _, line := range lines {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line is not JSON: %v", err)
		}
		if entry["request_id"] != "rid-7" {
			t.Errorf("log line %s has request_id %v, want rid-7", line, entry["request_id"])
		}
	}
}

func TestGenerations(t *testing.T) {
	gen := &fakeGenerator{}
	router, _ := newTestRouter(gen, nil)

	body := `{"model":"jimeng-4.5","prompt":"a fox","ratio":"16:9","resolution":"4k","negative_prompt":"blur","sample_strength":0.6,"seed":99,"intelligent_ratio":true}`
	rec := do(t, router, http.MethodPost, "/v1/images/generations", "Bearer us-abc", "application/json", []byte(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp imagesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if resp.Created != 1700000000 || len(resp.Data) != 2 || resp.Data[0].URL != "https://p3.byteimg.com/a.webp" {
		t.Errorf("response = %+v", resp)
	}
	if resp.HistoryID != "h-1" || resp.Width != 2048 {
		t.Errorf("response = %+v", resp)
	}

	if gen.sessions[0] != (provider.Session{Token: "abc", Region: models.RegionUS}) {
		t.Errorf("session = %+v", gen.sessions[0])
	}
	req := gen.images[0]
	if req.Tier != "4k" || req.Ratio != "16:9" || req.NegativePrompt != "blur" || req.SampleStrength != 0.6 || !req.IntelligentRatio {
		t.Errorf("request = %+v", req)
	}
	if req.Seed == nil || *req.Seed != 99 {
		t.Errorf("seed = %v", req.Seed)
	}
}

func TestGenerations_PicksAmongTokens(t *testing.T) {
	gen := &fakeGenerator{}
	router, h := newTestRouter(gen, nil)
	h.pick = func(n int) int { return n - 1 }

	rec := do(t, router, http.MethodPost, "/v1/images/generations", "Bearer us-a, hk-b", "application/json", []byte(`{"prompt":"x"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gen.sessions[0].Region != models.RegionHK || gen.sessions[0].Token != "b" {
		t.Errorf("session = %+v", gen.sessions[0])
	}
}

func TestGenerations_Errors(t *testing.T) {
	tests := []struct {
		name     string
		auth     string
		body     string
		genErr   error
		wantCode int
		wantType string
	}{
		{"no auth", "", `{"prompt":"x"}`, nil, http.StatusUnauthorized, "authentication_error"},
		{"empty bearer", "Bearer  , ", `{"prompt":"x"}`, nil, http.StatusUnauthorized, "authentication_error"},
		{"bad json", "Bearer t", `{"prompt":`, nil, http.StatusBadRequest, "invalid_request_error"},
		{"bad strength", "Bearer t", `{"prompt":"x","sample_strength":3}`, nil, http.StatusBadRequest, "invalid_request_error"},
		{"policy", "Bearer t", `{"prompt":"x"}`,
			models.NewPolicyViolation(models.ErrUnsupportedModelForRegion, "nanobanana", models.RegionCN, []string{"jimeng-4.5"}),
			http.StatusBadRequest, "invalid_request_error"},
		{"empty prompt", "Bearer t", `{"prompt":""}`, models.ErrEmptyPrompt, http.StatusBadRequest, "invalid_request_error"},
		{"job failed", "Bearer t", `{"prompt":"x"}`, &provider.JobError{HistoryID: "h", FailCode: "2038"}, http.StatusBadGateway, "generation_failed"},
		{"timeout", "Bearer t", `{"prompt":"x"}`, provider.ErrPollingTimedOut, http.StatusGatewayTimeout, "timeout_error"},
		{"rejected", "Bearer t", `{"prompt":"x"}`, &provider.APIError{Ret: "1015", Message: "login"}, http.StatusBadGateway, "upstream_error"},
		{"unknown", "Bearer t", `{"prompt":"x"}`, errors.New("boom"), http.StatusInternalServerError, "server_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(&fakeGenerator{err: tt.genErr}, nil)
			rec := do(t, router, http.MethodPost, "/v1/images/generations", tt.auth, "application/json", []byte(tt.body))
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if detail := decodeError(t, rec); detail.Type != tt.wantType {
				t.Errorf("type = %q, want %q", detail.Type, tt.wantType)
			}
		})
	}
}

func TestGenerations_ErrorDetails(t *testing.T) {
	router, _ := newTestRouter(&fakeGenerator{err: &provider.JobError{HistoryID: "h", FailCode: "2038"}}, nil)
	rec := do(t, router, http.MethodPost, "/v1/images/generations", "Bearer t", "application/json", []byte(`{"prompt":"x"}`))
	if detail := decodeError(t, rec); detail.FailCode != "2038" || detail.RequestID == "" {
		t.Errorf("detail = %+v", detail)
	}

	pv := models.NewPolicyViolation(models.ErrUnsupportedRatio, "5:4", models.RegionUS, []string{"1:1", "16:9"})
	router, _ = newTestRouter(&fakeGenerator{err: pv}, nil)
	rec = do(t, router, http.MethodPost, "/v1/images/generations", "Bearer t", "application/json", []byte(`{"prompt":"x"}`))
	if detail := decodeError(t, rec); len(detail.Supported) != 2 {
		t.Errorf("detail = %+v", detail)
	}
}

func TestCompositions_JSON(t *testing.T) {
	gen := &fakeGenerator{}
	router, _ := newTestRouter(gen, nil)

	body := `{"prompt":"merge","images":["https://p3.byteimg.com/1.png","https://p3.byteimg.com/2.png"],"sample_strength":0.4}`
	rec := do(t, router, http.MethodPost, "/v1/images/compositions", "Bearer sg-tok", "application/json", []byte(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	c := gen.compositions[0]
	if len(c.Images) != 2 || c.Images[1].URL != "https://p3.byteimg.com/2.png" || c.SampleStrength != 0.4 {
		t.Errorf("composition = %+v", c)
	}
	if gen.sessions[0].Region != models.RegionSG {
		t.Errorf("region = %s", gen.sessions[0].Region)
	}
}

func TestCompositions_Multipart(t *testing.T) {
	gen := &fakeGenerator{}
	router, _ := newTestRouter(gen, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("prompt", "merge these")
	mw.WriteField("model", "jimeng-4.0")
	mw.WriteField("intelligent_ratio", "true")
	mw.WriteField("sample_strength", "0.3")
	mw.WriteField("images", "https://p3.byteimg.com/remote.png")
	fw, _ := mw.CreateFormFile("images", "local.png")
	fw.Write([]byte("png-bytes"))
	mw.Close()

	rec := do(t, router, http.MethodPost, "/v1/images/compositions", "Bearer tok", mw.FormDataContentType(), buf.Bytes())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	c := gen.compositions[0]
	if c.Prompt != "merge these" || c.Model != "jimeng-4.0" || !c.IntelligentRatio || c.SampleStrength != 0.3 {
		t.Errorf("composition = %+v", c.ImageRequest)
	}
	if len(c.Images) != 2 {
		t.Fatalf("len(Images) = %d, want 2", len(c.Images))
	}
	if string(c.Images[0].Data) != "png-bytes" || c.Images[0].Filename != "local.png" {
		t.Errorf("file source = %+v", c.Images[0])
	}
	if c.Images[1].URL != "https://p3.byteimg.com/remote.png" {
		t.Errorf("url source = %+v", c.Images[1])
	}
}

func TestCompositions_TooManyImages(t *testing.T) {
	gen := &fakeGenerator{}
	router, _ := newTestRouter(gen, nil)

	urls := make([]string, maxSourceImages+1)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://p3.byteimg.com/%d.png", i)
	}
	body, _ := json.Marshal(map[string]any{"prompt": "x", "images": urls})

	rec := do(t, router, http.MethodPost, "/v1/images/compositions", "Bearer tok", "application/json", body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if len(gen.compositions) != 0 {
		t.Error("composition ran with too many images")
	}
}

func TestListModels(t *testing.T) {
	router, _ := newTestRouter(&fakeGenerator{}, nil)

	tests := []struct {
		name    string
		path    string
		auth    string
		region  models.Region
		want    string
		notWant string
	}{
		{"all", "/v1/models", "", "", "jimeng-4.1", ""},
		{"us by query", "/v1/models?region=us", "", models.RegionUS, "nanobanana", "jimeng-4.1"},
		{"cn by token", "/v1/models", "Bearer cn-token", models.RegionCN, "jimeng-4.1", "nanobanana"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodGet, tt.path, tt.auth, "", nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			var resp struct {
				Data []modelObject `json:"data"`
			}
			json.Unmarshal(rec.Body.Bytes(), &resp)
			wantLen := 0
			for _, e := range models.DefaultCatalog().Entries() {
				if tt.region == "" || e.AvailableIn(tt.region) {
					wantLen++
				}
			}
			if len(resp.Data) != wantLen {
				t.Errorf("len(data) = %d, want %d", len(resp.Data), wantLen)
			}
			ids := make([]string, len(resp.Data))
			for i, m := range resp.Data {
				ids[i] = m.ID
			}
			joined := "," + strings.Join(ids, ",") + ","
			if tt.want != "" && !strings.Contains(joined, ","+tt.want+",") {
				t.Errorf("models %v missing %s", ids, tt.want)
			}
			if tt.notWant != "" && strings.Contains(joined, ","+tt.notWant+",") {
				t.Errorf("models %v include %s", ids, tt.notWant)
			}
		})
	}

	rec := do(t, router, http.MethodGet, "/v1/models?region=mars", "", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown region status = %d, want 400", rec.Code)
	}
}

func TestGetJob(t *testing.T) {
	jobs := fakeJobs{
		"h-1": {
			SubmitID:   "s-1",
			HistoryID:  "h-1",
			Region:     "us",
			UserModel:  "jimeng-4.5",
			State:      "SUCCEEDED",
			Polls:      7,
			Elapsed:    35 * time.Second,
			FinishedAt: time.Unix(1700000100, 0),
			Artifacts:  []history.Artifact{{URL: "https://p3.byteimg.com/a.png"}},
		},
	}
	router, _ := newTestRouter(&fakeGenerator{}, jobs)

	rec := do(t, router, http.MethodGet, "/v1/jobs/h-1", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp jobResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.State != "SUCCEEDED" || resp.ElapsedMs != 35000 || len(resp.URLs) != 1 || resp.FinishedAt == nil {
		t.Errorf("response = %+v", resp)
	}

	rec = do(t, router, http.MethodGet, "/v1/jobs/missing", "", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", rec.Code)
	}

	router, _ = newTestRouter(&fakeGenerator{}, nil)
	rec = do(t, router, http.MethodGet, "/v1/jobs/h-1", "", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("no history status = %d, want 404", rec.Code)
	}
}

func TestRun_Shutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, "127.0.0.1:0", http.NotFoundHandler(), time.Second, zerolog.Nop())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
