package payload

import (
	"strconv"

	"github.com/manash/jimeng/pkg/models"
)

const (
	componentType     = "image_base_component"
	aigcModeWorkbench = "workbench"
	createdPlatform   = 3
	editAbilityName   = "byte_edit"
)

type Draft struct {
	Type            string      `json:"type"`
	ID              string      `json:"id"`
	MinVersion      string      `json:"min_version"`
	MinFeatures     []string    `json:"min_features"`
	IsFromTSN       bool        `json:"is_from_tsn"`
	Version         string      `json:"version"`
	MainComponentID string      `json:"main_component_id"`
	ComponentList   []Component `json:"component_list"`
}

type Component struct {
	Type         string              `json:"type"`
	ID           string              `json:"id"`
	MinVersion   string              `json:"min_version"`
	AIGCMode     string              `json:"aigc_mode"`
	Metadata     Metadata            `json:"metadata"`
	GenerateType models.GenerateType `json:"generate_type"`
	Abilities    Abilities           `json:"abilities"`
}

type Metadata struct {
	Type                   string `json:"type"`
	ID                     string `json:"id"`
	CreatedPlatform        int    `json:"created_platform"`
	CreatedPlatformVersion string `json:"created_platform_version"`
	CreatedTimeInMs        string `json:"created_time_in_ms"`
	CreatedDID             string `json:"created_did"`
}

// Abilities holds exactly one of Generate or Blend.
type Abilities struct {
	Type      string           `json:"type"`
	ID        string           `json:"id"`
	Generate  *GenerateAbility `json:"generate,omitempty"`
	Blend     *BlendAbility    `json:"blend,omitempty"`
	GenOption *GenOption       `json:"gen_option,omitempty"`
}

type GenerateAbility struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	CoreParam CoreParam `json:"core_param"`
	GenOption GenOption `json:"gen_option"`
}

type GenOption struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	GenerateAll bool   `json:"generate_all"`
}

type BlendAbility struct {
	Type                      string        `json:"type"`
	ID                        string        `json:"id"`
	MinVersion                string        `json:"min_version,omitempty"`
	MinFeatures               []string      `json:"min_features"`
	CoreParam                 CoreParam     `json:"core_param"`
	AbilityList               []EditAbility `json:"ability_list"`
	PromptPlaceholderInfoList []Placeholder `json:"prompt_placeholder_info_list"`
	PosteditParam             PosteditParam `json:"postedit_param"`
}

type EditAbility struct {
	Type         string        `json:"type"`
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	ImageURIList []string      `json:"image_uri_list"`
	ImageList    []SourceImage `json:"image_list"`
	Strength     float64       `json:"strength"`
}

type SourceImage struct {
	Type         string `json:"type"`
	ID           string `json:"id"`
	SourceFrom   string `json:"source_from"`
	PlatformType int    `json:"platform_type"`
	Name         string `json:"name"`
	ImageURI     string `json:"image_uri"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Format       string `json:"format"`
	URI          string `json:"uri"`
}

type Placeholder struct {
	Type         string `json:"type"`
	ID           string `json:"id"`
	AbilityIndex int    `json:"ability_index"`
}

type PosteditParam struct {
	Type         string `json:"type"`
	ID           string `json:"id"`
	GenerateType int    `json:"generate_type"`
}

// DraftVariant selects the component shape: GenerateVariant for plain
// text-to-image, BlendVariant for composition from uploaded images.
type DraftVariant interface {
	generateType() models.GenerateType
}

type GenerateVariant struct{}

func (GenerateVariant) generateType() models.GenerateType { return models.GenerateTypeGenerate }

type BlendVariant struct {
	Abilities    []EditAbility
	Placeholders []Placeholder
	Postedit     PosteditParam
	ImageCount   int
}

func (BlendVariant) generateType() models.GenerateType { return models.GenerateTypeBlend }

// Draft assembles the draft document around core for a single component.
func (b *Builder) Draft(componentID string, core CoreParam, variant DraftVariant) Draft {
	if variant == nil {
		variant = GenerateVariant{}
	}
	abilities := Abilities{ID: b.NewID()}
	minVersion := models.DraftMinVersion

	switch v := variant.(type) {
	case BlendVariant:
		minVersion = models.BlendMinVersion
		blend := &BlendAbility{
			ID:                        b.NewID(),
			MinFeatures:               []string{},
			CoreParam:                 core,
			AbilityList:               nonNil(v.Abilities),
			PromptPlaceholderInfoList: nonNil(v.Placeholders),
			PosteditParam:             v.Postedit,
		}
		if v.ImageCount >= models.BlendMinVersionImages {
			blend.MinVersion = models.BlendMinVersion
		}
		abilities.Blend = blend
		abilities.GenOption = &GenOption{ID: b.NewID()}
	default:
		abilities.Generate = &GenerateAbility{
			ID:        b.NewID(),
			CoreParam: core,
			GenOption: GenOption{ID: b.NewID()},
		}
	}

	return Draft{
		Type:            "draft",
		ID:              b.NewID(),
		MinVersion:      minVersion,
		MinFeatures:     []string{},
		IsFromTSN:       true,
		Version:         models.DraftVersion,
		MainComponentID: componentID,
		ComponentList: []Component{{
			Type:       componentType,
			ID:         componentID,
			MinVersion: models.DraftMinVersion,
			AIGCMode:   aigcModeWorkbench,
			Metadata: Metadata{
				ID:              b.NewID(),
				CreatedPlatform: createdPlatform,
				CreatedTimeInMs: strconv.FormatInt(b.Now().UnixMilli(), 10),
			},
			GenerateType: variant.generateType(),
			Abilities:    abilities,
		}},
	}
}

// BlendAbilities builds one edit ability per uploaded image id.
func (b *Builder) BlendAbilities(imageIDs []string, strength float64) []EditAbility {
	out := make([]EditAbility, 0, len(imageIDs))
	for _, id := range imageIDs {
		out = append(out, EditAbility{
			ID:           b.NewID(),
			Name:         editAbilityName,
			ImageURIList: []string{id},
			ImageList: []SourceImage{{
				Type:         "image",
				ID:           b.NewID(),
				SourceFrom:   "upload",
				PlatformType: 1,
				ImageURI:     id,
				URI:          id,
			}},
			Strength: strength,
		})
	}
	return out
}

func (b *Builder) Placeholders(n int) []Placeholder {
	out := make([]Placeholder, n)
	for i := range out {
		out[i] = Placeholder{ID: b.NewID(), AbilityIndex: i}
	}
	return out
}

func (b *Builder) Postedit() PosteditParam {
	return PosteditParam{ID: b.NewID()}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
