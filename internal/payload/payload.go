// Package payload shapes already-validated generation parameters into the
// documents the backend expects. It performs no validation; model, region and
// geometry decisions are made by package policy before anything here runs.
package payload

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/manash/jimeng/pkg/models"
)

// Builder produces wire documents. Ids and timestamps come from NewID and Now
// so output is deterministic under test.
type Builder struct {
	Catalog *models.Catalog
	NewID   func() string
	Now     func() time.Time
}

func NewBuilder(c *models.Catalog) *Builder {
	return &Builder{
		Catalog: c,
		NewID:   uuid.NewString,
		Now:     time.Now,
	}
}

// SubmitID returns a fresh client-side submission id.
func (b *Builder) SubmitID() string {
	return b.NewID()
}

type LargeImageInfo struct {
	Type           string      `json:"type"`
	ID             string      `json:"id"`
	MinVersion     string      `json:"min_version"`
	Height         int         `json:"height"`
	Width          int         `json:"width"`
	ResolutionType models.Tier `json:"resolution_type"`
}

type CoreParam struct {
	Type             string         `json:"type"`
	ID               string         `json:"id"`
	Model            string         `json:"model"`
	Prompt           string         `json:"prompt"`
	SampleStrength   float64        `json:"sample_strength"`
	LargeImageInfo   LargeImageInfo `json:"large_image_info"`
	IntelligentRatio bool           `json:"intelligent_ratio"`
	ImageRatio       *int           `json:"image_ratio,omitempty"`
	NegativePrompt   *string        `json:"negative_prompt,omitempty"`
	Seed             *int64         `json:"seed,omitempty"`
}

type CoreParamOptions struct {
	UserModel      string
	BackendModel   string
	Prompt         string
	Mode           models.Mode
	ImageCount     int
	NegativePrompt *string
	Seed           *int64
	SampleStrength float64
	Resolution     models.ResolutionResult
	// IntelligentRatio is the caller's wish; it only takes effect for models
	// the catalog marks as eligible.
	IntelligentRatio bool
}

const sourceImageMarker = "##"

func (b *Builder) CoreParam(opts CoreParamOptions) CoreParam {
	intelligent := false
	if e, ok := b.Catalog.Entry(opts.UserModel); ok && e.IntelligentRatio {
		intelligent = opts.IntelligentRatio
	}

	prompt := opts.Prompt
	if opts.Mode == models.ModeImg2Img {
		prompt = strings.Repeat(sourceImageMarker, opts.ImageCount) + prompt
	}

	p := CoreParam{
		Model:          opts.BackendModel,
		ID:             b.NewID(),
		Prompt:         prompt,
		SampleStrength: opts.SampleStrength,
		LargeImageInfo: LargeImageInfo{
			ID:             b.NewID(),
			MinVersion:     models.DraftMinVersion,
			Height:         opts.Resolution.Height,
			Width:          opts.Resolution.Width,
			ResolutionType: opts.Resolution.Tier,
		},
		IntelligentRatio: intelligent,
		NegativePrompt:   opts.NegativePrompt,
		Seed:             opts.Seed,
	}
	if opts.Mode == models.ModeImg2Img || !intelligent {
		ratio := opts.Resolution.RatioCode
		p.ImageRatio = &ratio
	}
	return p
}

// encodeJSON marshals v the way browsers do: no HTML escaping and no
// trailing newline.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
