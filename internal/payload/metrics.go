package payload

import (
	"github.com/manash/jimeng/internal/policy"
	"github.com/manash/jimeng/pkg/models"
)

type Scene string

const (
	SceneBasicGenerate Scene = "ImageBasicGenerate"
	SceneMultiGenerate Scene = "ImageMultiGenerate"
)

const blobURLPrefix = "blob:https://dreamina.capcut.com/"

type MetricsAbility struct {
	AbilityName string         `json:"abilityName"`
	Strength    float64        `json:"strength"`
	Source      *AbilitySource `json:"source,omitempty"`
}

type AbilitySource struct {
	ImageURL string `json:"imageUrl"`
}

type ReportParams struct {
	EnterSource                      string `json:"enterSource"`
	VipSource                        string `json:"vipSource"`
	ExtraVipFunctionKey              string `json:"extraVipFunctionKey"`
	UseVipFunctionDetailsReporterHoc bool   `json:"useVipFunctionDetailsReporterHoc"`
}

type SceneOption struct {
	Type           string           `json:"type"`
	Scene          Scene            `json:"scene"`
	ModelReqKey    string           `json:"modelReqKey"`
	ResolutionType models.Tier      `json:"resolutionType"`
	AbilityList    []MetricsAbility `json:"abilityList"`
	ReportParams   ReportParams     `json:"reportParams"`
	BenefitCount   *int             `json:"benefitCount,omitempty"`
}

// SceneOptions is embedded in metrics as a JSON-encoded string.
type SceneOptions []SceneOption

func (s SceneOptions) MarshalJSON() ([]byte, error) {
	raw, err := encodeJSON([]SceneOption(s))
	if err != nil {
		return nil, err
	}
	return encodeJSON(string(raw))
}

type MetricsExtra struct {
	PromptSource    string       `json:"promptSource"`
	GenerateCount   int          `json:"generateCount"`
	EnterFrom       string       `json:"enterFrom"`
	SceneOptions    SceneOptions `json:"sceneOptions"`
	GenerateID      string       `json:"generateId"`
	IsRegenerate    bool         `json:"isRegenerate"`
	TemplateID      *string      `json:"templateId,omitempty"`
	TemplateSource  *string      `json:"templateSource,omitempty"`
	LastRequestID   *string      `json:"lastRequestId,omitempty"`
	OriginRequestID *string      `json:"originRequestId,omitempty"`
}

type MetricsOptions struct {
	UserModel      string
	Region         models.Region
	SubmitID       string
	Scene          Scene
	ResolutionType models.Tier
	Abilities      []MetricsAbility
	MultiImage     bool
}

func (b *Builder) MetricsExtra(opts MetricsOptions) MetricsExtra {
	option := SceneOption{
		Type:           "image",
		Scene:          opts.Scene,
		ModelReqKey:    opts.UserModel,
		ResolutionType: opts.ResolutionType,
		AbilityList:    nonNil(opts.Abilities),
		ReportParams: ReportParams{
			EnterSource:                      "generate",
			VipSource:                        "generate",
			ExtraVipFunctionKey:              opts.UserModel + "-" + string(opts.ResolutionType),
			UseVipFunctionDetailsReporterHoc: true,
		},
		BenefitCount: policy.BenefitCount(b.Catalog, opts.UserModel, opts.Region, opts.MultiImage),
	}

	m := MetricsExtra{
		PromptSource:  "custom",
		GenerateCount: 1,
		EnterFrom:     "click",
		SceneOptions:  SceneOptions{option},
		GenerateID:    opts.SubmitID,
	}
	if opts.MultiImage {
		empty := ""
		m.TemplateID = &empty
		m.TemplateSource = &empty
		m.LastRequestID = &empty
		m.OriginRequestID = &empty
	}
	return m
}

// MetricsAbilities reports n edit abilities, each pointing at a placeholder
// blob URL as a browser upload would.
func (b *Builder) MetricsAbilities(n int, strength float64) []MetricsAbility {
	out := make([]MetricsAbility, n)
	for i := range out {
		out[i] = MetricsAbility{
			AbilityName: editAbilityName,
			Strength:    strength,
			Source:      &AbilitySource{ImageURL: blobURLPrefix + b.NewID()},
		}
	}
	return out
}
