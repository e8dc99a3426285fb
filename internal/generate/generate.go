// Package generate runs one generation request end to end: policy
// resolution, payload assembly, submission, polling and URL extraction.
package generate

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/manash/jimeng/internal/credit"
	"github.com/manash/jimeng/internal/extract"
	"github.com/manash/jimeng/internal/history"
	"github.com/manash/jimeng/internal/payload"
	"github.com/manash/jimeng/internal/policy"
	"github.com/manash/jimeng/internal/poller"
	"github.com/manash/jimeng/internal/provider"
	"github.com/manash/jimeng/pkg/models"
)

// pollInterval can be overridden in tests.
var pollInterval = models.PollInterval

const (
	seedBase  = 2500000000
	seedRange = 100000000
)

var targetCountPattern = regexp.MustCompile(`(\d+)张`)

// TargetImageCount reads the requested image count out of a prompt such as
// "画4张猫". Prompts without a count ask for the default four.
func TargetImageCount(prompt string) int {
	m := targetCountPattern.FindStringSubmatch(prompt)
	if m == nil {
		return models.DefaultTargetCount
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return models.DefaultTargetCount
	}
	return n
}

// Recorder persists job history. Recording failures never fail a job.
type Recorder interface {
	StartJob(ctx context.Context, job *history.Job) error
	FinishJob(ctx context.Context, submitID string, o history.Outcome) error
}

type ImageRequest struct {
	Model            string
	Prompt           string
	NegativePrompt   string
	Seed             *int64
	Tier             string
	Ratio            string
	SampleStrength   float64
	IntelligentRatio bool
}

type CompositionRequest struct {
	ImageRequest
	Images []provider.ImageSource
}

type Result struct {
	URLs       []string
	Handle     models.JobHandle
	Poll       poller.Result
	Model      policy.ModelResolution
	Resolution models.ResolutionResult
	Expected   int
}

type Service struct {
	Catalog  *models.Catalog
	Backends *provider.Factory
	Builder  *payload.Builder
	Recorder Recorder
	Logger   zerolog.Logger
	OnPoll   func(models.JobHandle, poller.Observation)

	seed func() int64
}

func NewService(c *models.Catalog, backends *provider.Factory, rec Recorder, logger zerolog.Logger) *Service {
	return &Service{
		Catalog:  c,
		Backends: backends,
		Builder:  payload.NewBuilder(c),
		Recorder: rec,
		Logger:   logger,
		seed:     func() int64 { return seedBase + rand.Int64N(seedRange) },
	}
}

// job is everything one submission needs once policy has run.
type job struct {
	backend    provider.Backend
	region     models.Region
	mode       models.Mode
	model      policy.ModelResolution
	resolution models.ResolutionResult
	prompt     string
	envelope   payload.Envelope
	expected   int
	maxPolls   int
	metadata   history.JobMetadata
}

// GenerateImages runs a text-to-image job. Models flagged for multi-image
// output take the multi-image path, with the expected count read from the
// prompt.
func (s *Service) GenerateImages(ctx context.Context, sess provider.Session, req ImageRequest) (*Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, models.ErrEmptyPrompt
	}
	backend, err := s.Backends.Get(sess)
	if err != nil {
		return nil, err
	}

	model, resolution, err := s.resolve(req.Model, sess.Region, req.Tier, req.Ratio)
	if err != nil {
		return nil, err
	}

	credit.Ensure(ctx, backend, s.Logger)

	entry, _ := s.Catalog.Entry(model.UserModel)
	multi := entry.MultiImage

	seed := s.seed()
	if req.Seed != nil {
		seed = *req.Seed
	}
	negative := req.NegativePrompt
	strength := sampleStrength(req.SampleStrength)

	submitID := s.Builder.SubmitID()
	core := s.Builder.CoreParam(payload.CoreParamOptions{
		UserModel:        model.UserModel,
		BackendModel:     model.BackendModel,
		Prompt:           req.Prompt,
		Mode:             models.ModeText2Img,
		NegativePrompt:   &negative,
		Seed:             &seed,
		SampleStrength:   strength,
		Resolution:       resolution,
		IntelligentRatio: req.IntelligentRatio,
	})

	scene := payload.SceneBasicGenerate
	expected := models.ExpectedItemsSingle
	maxPolls := models.PollMaxCount
	if multi {
		scene = payload.SceneMultiGenerate
		expected = TargetImageCount(req.Prompt)
		maxPolls = models.PollMaxCountMulti
	}

	metrics := s.Builder.MetricsExtra(payload.MetricsOptions{
		UserModel:      model.UserModel,
		Region:         sess.Region,
		SubmitID:       submitID,
		Scene:          scene,
		ResolutionType: resolution.Tier,
		MultiImage:     multi,
	})
	env, err := s.Builder.Envelope(payload.EnvelopeOptions{
		BackendModel: model.BackendModel,
		Region:       sess.Region,
		SubmitID:     submitID,
		Metrics:      metrics,
		Draft:        s.Builder.Draft(s.Builder.NewID(), core, payload.GenerateVariant{}),
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info().
		Str("model", model.UserModel).
		Str("backend_model", model.BackendModel).
		Str("region", string(sess.Region)).
		Int("width", resolution.Width).
		Int("height", resolution.Height).
		Bool("multi", multi).
		Int("expected", expected).
		Msg("generate: text to image")

	return s.run(ctx, job{
		backend:    backend,
		region:     sess.Region,
		mode:       models.ModeText2Img,
		model:      model,
		resolution: resolution,
		prompt:     req.Prompt,
		envelope:   env,
		expected:   expected,
		maxPolls:   maxPolls,
		metadata: history.JobMetadata{
			NegativePrompt:   negative,
			Seed:             seed,
			SampleStrength:   strength,
			IntelligentRatio: core.IntelligentRatio,
			ExpectedItems:    expected,
			MultiImage:       multi,
		},
	})
}

// GenerateComposition uploads every source image, then blends them under
// the prompt. Nothing is submitted if any upload fails.
func (s *Service) GenerateComposition(ctx context.Context, sess provider.Session, req CompositionRequest) (*Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, models.ErrEmptyPrompt
	}
	if len(req.Images) == 0 {
		return nil, models.ErrNoSourceImages
	}
	backend, err := s.Backends.Get(sess)
	if err != nil {
		return nil, err
	}

	model, resolution, err := s.resolve(req.Model, sess.Region, req.Tier, req.Ratio)
	if err != nil {
		return nil, err
	}

	credit.Ensure(ctx, backend, s.Logger)

	imageIDs := make([]string, 0, len(req.Images))
	for i, src := range req.Images {
		id, err := backend.UploadImage(ctx, src)
		if err != nil {
			s.Logger.Error().Err(err).Int("image", i+1).Int("of", len(req.Images)).Msg("generate: upload failed")
			if errors.Is(err, provider.ErrUploadFailed) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: image %d: %w", provider.ErrUploadFailed, i+1, err)
		}
		s.Logger.Debug().Int("image", i+1).Str("uri", id).Msg("generate: uploaded")
		imageIDs = append(imageIDs, id)
	}

	strength := sampleStrength(req.SampleStrength)
	n := len(imageIDs)
	submitID := s.Builder.SubmitID()
	core := s.Builder.CoreParam(payload.CoreParamOptions{
		UserModel:        model.UserModel,
		BackendModel:     model.BackendModel,
		Prompt:           req.Prompt,
		Mode:             models.ModeImg2Img,
		ImageCount:       n,
		SampleStrength:   strength,
		Resolution:       resolution,
		IntelligentRatio: req.IntelligentRatio,
	})
	metrics := s.Builder.MetricsExtra(payload.MetricsOptions{
		UserModel:      model.UserModel,
		Region:         sess.Region,
		SubmitID:       submitID,
		Scene:          payload.SceneBasicGenerate,
		ResolutionType: resolution.Tier,
		Abilities:      s.Builder.MetricsAbilities(n, strength),
	})
	draft := s.Builder.Draft(s.Builder.NewID(), core, payload.BlendVariant{
		Abilities:    s.Builder.BlendAbilities(imageIDs, strength),
		Placeholders: s.Builder.Placeholders(n),
		Postedit:     s.Builder.Postedit(),
		ImageCount:   n,
	})
	env, err := s.Builder.Envelope(payload.EnvelopeOptions{
		BackendModel: model.BackendModel,
		Region:       sess.Region,
		SubmitID:     submitID,
		Metrics:      metrics,
		Draft:        draft,
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info().
		Str("model", model.UserModel).
		Str("backend_model", model.BackendModel).
		Str("region", string(sess.Region)).
		Int("images", n).
		Float64("strength", strength).
		Msg("generate: composition")

	return s.run(ctx, job{
		backend:    backend,
		region:     sess.Region,
		mode:       models.ModeImg2Img,
		model:      model,
		resolution: resolution,
		prompt:     req.Prompt,
		envelope:   env,
		expected:   models.ExpectedItemsComposed,
		maxPolls:   models.PollMaxCount,
		metadata: history.JobMetadata{
			SampleStrength:   strength,
			IntelligentRatio: core.IntelligentRatio,
			SourceImages:     n,
			ExpectedItems:    models.ExpectedItemsComposed,
		},
	})
}

func (s *Service) resolve(userModel string, region models.Region, tier, ratio string) (policy.ModelResolution, models.ResolutionResult, error) {
	model, err := policy.ResolveModel(s.Catalog, userModel, region)
	if err != nil {
		return policy.ModelResolution{}, models.ResolutionResult{}, err
	}
	if model.Substituted {
		s.Logger.Warn().
			Str("requested", userModel).
			Str("model", model.UserModel).
			Str("region", string(region)).
			Msg("generate: model substituted with region default")
	}

	resolution, err := policy.ResolveResolution(s.Catalog, model.UserModel, region, tier, ratio)
	if err != nil {
		return policy.ModelResolution{}, models.ResolutionResult{}, err
	}
	if resolution.IsForced {
		s.Logger.Warn().
			Str("model", model.UserModel).
			Str("region", string(region)).
			Str("tier", string(resolution.Tier)).
			Int("width", resolution.Width).
			Int("height", resolution.Height).
			Msg("generate: resolution fixed by model constraint")
	}
	return model, resolution, nil
}

func (s *Service) run(ctx context.Context, j job) (*Result, error) {
	handle, err := j.backend.Submit(ctx, j.envelope)
	if err != nil {
		return nil, err
	}
	s.Logger.Info().Str("submit_id", handle.SubmitID).Str("history_id", handle.HistoryID).Msg("generate: submitted")

	s.record(ctx, j, handle)

	cfg := poller.DefaultConfig()
	cfg.Interval = pollInterval
	cfg.MaxPollCount = j.maxPolls
	cfg.ExpectedItemCount = j.expected

	p := poller.New(cfg, probeFor(j.backend, handle), s.Logger.With().Str("history_id", handle.HistoryID).Logger())
	if s.OnPoll != nil {
		p.OnPoll = func(o poller.Observation) { s.OnPoll(handle, o) }
	}

	pollResult, record, pollErr := p.Run(ctx)
	res := &Result{
		Handle:     handle,
		Poll:       pollResult,
		Model:      j.model,
		Resolution: j.resolution,
		Expected:   j.expected,
	}

	err = s.outcome(res, record, pollErr)
	s.finish(ctx, handle, res, err)
	if err != nil {
		return res, err
	}

	s.Logger.Info().
		Int("urls", len(res.URLs)).
		Int("polls", pollResult.Polls).
		Dur("elapsed", pollResult.Elapsed).
		Msg("generate: done")
	return res, nil
}

func (s *Service) outcome(res *Result, record *provider.HistoryRecord, pollErr error) error {
	switch {
	case pollErr != nil:
		return fmt.Errorf("%w: %w", provider.ErrPollingTimedOut, pollErr)
	case res.Poll.State == poller.StateFailed:
		return &provider.JobError{
			HistoryID: res.Handle.HistoryID,
			Status:    res.Poll.LastStatus,
			FailCode:  res.Poll.FailCode,
		}
	case res.Poll.State == poller.StateTimedOut:
		return fmt.Errorf("%w: history %s after %d polls (%s), %d of %d items",
			provider.ErrPollingTimedOut, res.Handle.HistoryID, res.Poll.Polls,
			res.Poll.Elapsed.Round(time.Second), res.Poll.ItemCount, res.Expected)
	}

	var items []extract.Item
	if record != nil {
		items = record.Items
	}
	urls, err := extract.URLs(items)
	if err != nil {
		return err
	}
	res.URLs = urls
	return nil
}

func probeFor(backend provider.Prober, h models.JobHandle) poller.Probe[*provider.HistoryRecord] {
	return func(ctx context.Context) (poller.Status, *provider.HistoryRecord, error) {
		rec, err := backend.FetchStatus(ctx, h)
		if err != nil {
			return poller.Status{}, nil, err
		}
		return poller.Status{
			Code:       rec.Status,
			FailCode:   string(rec.FailCode),
			ItemCount:  len(rec.Items),
			FinishTime: rec.Task.FinishTime,
		}, rec, nil
	}
}

func (s *Service) record(ctx context.Context, j job, h models.JobHandle) {
	if s.Recorder == nil {
		return
	}
	err := s.Recorder.StartJob(ctx, &history.Job{
		SubmitID:     h.SubmitID,
		HistoryID:    h.HistoryID,
		Region:       string(j.region),
		Mode:         string(j.mode),
		UserModel:    j.model.UserModel,
		BackendModel: j.model.BackendModel,
		Prompt:       j.prompt,
		Width:        j.resolution.Width,
		Height:       j.resolution.Height,
		Tier:         string(j.resolution.Tier),
		RatioCode:    j.resolution.RatioCode,
		Metadata:     j.metadata,
	})
	if err != nil {
		s.Logger.Warn().Err(err).Str("submit_id", h.SubmitID).Msg("generate: failed to record job")
	}
}

func (s *Service) finish(ctx context.Context, h models.JobHandle, res *Result, jobErr error) {
	if s.Recorder == nil {
		return
	}
	o := history.Outcome{
		State:    string(res.Poll.State),
		Polls:    res.Poll.Polls,
		Elapsed:  res.Poll.Elapsed,
		FailCode: res.Poll.FailCode,
		URLs:     res.URLs,
	}
	if jobErr != nil {
		o.Error = jobErr.Error()
	}
	// The request context may already be done; the outcome is still worth keeping.
	if err := s.Recorder.FinishJob(context.WithoutCancel(ctx), h.SubmitID, o); err != nil {
		s.Logger.Warn().Err(err).Str("submit_id", h.SubmitID).Msg("generate: failed to record outcome")
	}
}

func sampleStrength(v float64) float64 {
	if v <= 0 {
		return models.DefaultSampleStrength
	}
	return v
}
