package payload

import (
	"fmt"

	"github.com/manash/jimeng/pkg/models"
)

type Envelope struct {
	Extend         Extend         `json:"extend"`
	SubmitID       string         `json:"submit_id"`
	MetricsExtra   string         `json:"metrics_extra"`
	DraftContent   string         `json:"draft_content"`
	HTTPCommonInfo HTTPCommonInfo `json:"http_common_info"`
}

type Extend struct {
	RootModel string `json:"root_model"`
}

type HTTPCommonInfo struct {
	AID int `json:"aid"`
}

type EnvelopeOptions struct {
	BackendModel string
	Region       models.Region
	SubmitID     string
	Metrics      MetricsExtra
	Draft        Draft
}

// Envelope wraps metrics and draft, both carried as JSON strings.
func (b *Builder) Envelope(opts EnvelopeOptions) (Envelope, error) {
	metrics, err := encodeJSON(opts.Metrics)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode metrics: %w", err)
	}
	draft, err := encodeJSON(opts.Draft)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode draft: %w", err)
	}

	return Envelope{
		Extend:         Extend{RootModel: opts.BackendModel},
		SubmitID:       opts.SubmitID,
		MetricsExtra:   string(metrics),
		DraftContent:   string(draft),
		HTTPCommonInfo: HTTPCommonInfo{AID: opts.Region.AssistantID()},
	}, nil
}
