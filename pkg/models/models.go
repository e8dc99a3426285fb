package models

import (
	"slices"
	"strings"
)

type ModelType string

const (
	TypeImage ModelType = "image"
	TypeVideo ModelType = "video"
	TypeBoth  ModelType = "both"
)

// Covers reports whether an entry of type t can serve a request for want.
func (t ModelType) Covers(want ModelType) bool {
	return t == want || t == TypeBoth
}

type Mode string

const (
	ModeText2Img Mode = "text2img"
	ModeImg2Img  Mode = "img2img"
)

type GenerateType string

const (
	GenerateTypeGenerate GenerateType = "generate"
	GenerateTypeBlend    GenerateType = "blend"
)

type Tier string

const (
	Tier1K Tier = "1k"
	Tier2K Tier = "2k"
	Tier4K Tier = "4k"
)

func AllTiers() []Tier {
	return []Tier{Tier1K, Tier2K, Tier4K}
}

func ParseTier(s string) (Tier, bool) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	return t, slices.Contains(AllTiers(), t)
}

type Ratio string

const (
	Ratio1x1  Ratio = "1:1"
	Ratio4x3  Ratio = "4:3"
	Ratio3x4  Ratio = "3:4"
	Ratio16x9 Ratio = "16:9"
	Ratio9x16 Ratio = "9:16"
	Ratio3x2  Ratio = "3:2"
	Ratio2x3  Ratio = "2:3"
	Ratio21x9 Ratio = "21:9"
)

func AllRatios() []Ratio {
	return []Ratio{Ratio1x1, Ratio4x3, Ratio3x4, Ratio16x9, Ratio9x16, Ratio3x2, Ratio2x3, Ratio21x9}
}

func ParseRatio(s string) (Ratio, bool) {
	r := Ratio(strings.TrimSpace(s))
	return r, slices.Contains(AllRatios(), r)
}

type Dimensions struct {
	Width     int `yaml:"width" json:"width"`
	Height    int `yaml:"height" json:"height"`
	RatioCode int `yaml:"ratio" json:"ratio_code"`
}

// ResolutionResult is the resolved geometry for one request. IsForced is set
// when a model constraint overrode the caller's tier or ratio.
type ResolutionResult struct {
	Width     int
	Height    int
	RatioCode int
	Tier      Tier
	IsForced  bool
}

// JobHandle identifies one submitted job. SubmitID is generated client side;
// HistoryID is assigned by the backend on acceptance.
type JobHandle struct {
	SubmitID  string
	HistoryID string
}

type OutputFormat string

const (
	FormatPNG  OutputFormat = "png"
	FormatJPEG OutputFormat = "jpeg"
	FormatWebP OutputFormat = "webp"
	FormatMP4  OutputFormat = "mp4"
)

func ValidFormats() []OutputFormat {
	return []OutputFormat{FormatPNG, FormatJPEG, FormatWebP, FormatMP4}
}

func (f OutputFormat) IsValid() bool {
	return slices.Contains(ValidFormats(), f)
}

func (f OutputFormat) String() string {
	return string(f)
}
