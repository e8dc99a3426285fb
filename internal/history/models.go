package history

import (
	"encoding/json"
	"time"
)

// Job is one submitted generation job and, once finished, its outcome.
type Job struct {
	SubmitID     string
	HistoryID    string
	Region       string
	Mode         string // "text2img" or "img2img"
	UserModel    string
	BackendModel string
	Prompt       string
	Width        int
	Height       int
	Tier         string
	RatioCode    int
	State        string
	Polls        int
	Elapsed      time.Duration
	FailCode     string
	Error        string
	CreatedAt    time.Time
	FinishedAt   time.Time
	Metadata     JobMetadata
	Artifacts    []Artifact
}

// Finished reports whether the job reached a terminal state.
func (j *Job) Finished() bool {
	return !j.FinishedAt.IsZero()
}

type JobMetadata struct {
	NegativePrompt   string  `json:"negative_prompt,omitempty"`
	Seed             int64   `json:"seed,omitempty"`
	SampleStrength   float64 `json:"sample_strength,omitempty"`
	IntelligentRatio bool    `json:"intelligent_ratio,omitempty"`
	SourceImages     int     `json:"source_images,omitempty"`
	ExpectedItems    int     `json:"expected_items,omitempty"`
	MultiImage       bool    `json:"multi_image,omitempty"`
}

func (m *JobMetadata) ToJSON() string {
	data, _ := json.Marshal(m)
	return string(data)
}

func ParseJobMetadata(data string) JobMetadata {
	var m JobMetadata
	if data != "" {
		json.Unmarshal([]byte(data), &m)
	}
	return m
}

// Artifact is one result URL and, when downloaded, where it was saved.
type Artifact struct {
	SubmitID  string
	Index     int
	URL       string
	LocalPath string
}

// Outcome is what a finished job writes back.
type Outcome struct {
	State      string
	Polls      int
	Elapsed    time.Duration
	FailCode   string
	Error      string
	URLs       []string
	FinishedAt time.Time
}

type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	TimedOut  int
	Pending   int
	Artifacts int
}
