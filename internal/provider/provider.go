package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/manash/jimeng/internal/extract"
	"github.com/manash/jimeng/internal/payload"
	"github.com/manash/jimeng/pkg/models"
)

var (
	ErrSessionRequired      = errors.New("session token is required")
	ErrBackendNotConfigured = errors.New("backend not configured for region")
	ErrBackendRejected      = errors.New("backend rejected request")
	ErrTransient            = errors.New("transient transport error")
	ErrUploadFailed         = errors.New("image upload failed")
	ErrSubmissionFailed     = errors.New("job submission failed")
	ErrHistoryNotFound      = errors.New("history record not found")
	ErrJobFailed            = errors.New("generation job failed")
	ErrPollingTimedOut      = errors.New("polling timed out")
	ErrExtractionFailed     = extract.ErrExtractionFailed
)

// JobError reports a terminal backend failure. FailCode is passed through
// verbatim.
type JobError struct {
	HistoryID string
	Status    models.StatusCode
	FailCode  string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%v: history %s ended %s with fail code %q", ErrJobFailed, e.HistoryID, e.Status, e.FailCode)
}

func (e *JobError) Unwrap() error {
	return ErrJobFailed
}

// APIError is a business-level rejection carried in the response envelope.
// It is never retried.
type APIError struct {
	Ret     string
	Message string
	LogID   string
}

func (e *APIError) Error() string {
	if e.LogID != "" {
		return fmt.Sprintf("%v: ret=%s %s (logid %s)", ErrBackendRejected, e.Ret, e.Message, e.LogID)
	}
	return fmt.Sprintf("%v: ret=%s %s", ErrBackendRejected, e.Ret, e.Message)
}

func (e *APIError) Unwrap() error {
	return ErrBackendRejected
}

// Session is one authenticated user of the backend.
type Session struct {
	Token  string
	Region models.Region
}

// Code decodes a field the backend sends either as a string or a number.
type Code string

func (c *Code) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Code(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("code: %w", err)
	}
	*c = Code(n.String())
	return nil
}

// HistoryRecord is the status document for one submitted job.
type HistoryRecord struct {
	HistoryID string            `json:"history_record_id"`
	Status    models.StatusCode `json:"status"`
	FailCode  Code              `json:"fail_code"`
	FailMsg   string            `json:"fail_msg"`
	Items     []extract.Item    `json:"item_list"`
	Task      Task              `json:"task"`
}

type Task struct {
	FinishTime int64 `json:"finish_time"`
}

type Credit struct {
	GiftCredit     int `json:"gift_credit"`
	PurchaseCredit int `json:"purchase_credit"`
	VIPCredit      int `json:"vip_credit"`
}

func (c Credit) Total() int {
	return c.GiftCredit + c.PurchaseCredit + c.VIPCredit
}

// ImageSource is either a remote URL or raw bytes to upload.
type ImageSource struct {
	URL      string
	Data     []byte
	Filename string
}

type Submitter interface {
	Submit(ctx context.Context, env payload.Envelope) (models.JobHandle, error)
}

type Prober interface {
	FetchStatus(ctx context.Context, h models.JobHandle) (*HistoryRecord, error)
}

type Uploader interface {
	UploadImage(ctx context.Context, src ImageSource) (string, error)
}

type Ledger interface {
	GetCredit(ctx context.Context) (Credit, error)
	ReceiveCredit(ctx context.Context) (int, error)
}

// Backend is everything the generation pipeline needs from one session.
type Backend interface {
	Submitter
	Prober
	Uploader
	Ledger
	Region() models.Region
}

type Config struct {
	BaseURL     string
	CommerceURL string
	UploadPath  string
	TimeoutSec  int
	Verbose     bool
}

// Constructor builds a Backend for a session. cfg is nil when the region
// has no explicit configuration.
type Constructor func(s Session, cfg *Config) (Backend, error)

// Factory builds a Backend for each call from the session and its region's
// config. Built backends are not retained, so tokens do not outlive the
// request that carried them. Register pins a prebuilt backend to a session.
type Factory struct {
	constructor Constructor
	configs     map[models.Region]*Config

	mu       sync.Mutex
	backends map[Session]Backend
}

func NewFactory(constructor Constructor) *Factory {
	return &Factory{
		constructor: constructor,
		configs:     make(map[models.Region]*Config),
		backends:    make(map[Session]Backend),
	}
}

func (f *Factory) Configure(region models.Region, cfg *Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[region] = cfg
}

func (f *Factory) GetConfig(region models.Region) (*Config, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.configs[region]
	return cfg, ok
}

// Register binds a prebuilt backend to a session.
func (f *Factory) Register(s Session, b Backend) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backends[s] = b
}

func (f *Factory) Get(s Session) (Backend, error) {
	if s.Token == "" {
		return nil, ErrSessionRequired
	}

	f.mu.Lock()
	b, ok := f.backends[s]
	cfg := f.configs[s.Region]
	f.mu.Unlock()

	if ok {
		return b, nil
	}
	if f.constructor == nil {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotConfigured, s.Region)
	}

	b, err := f.constructor(s, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend for %s: %w", s.Region, err)
	}
	return b, nil
}

func (f *Factory) ListRegions() []models.Region {
	f.mu.Lock()
	defer f.mu.Unlock()

	regions := make([]models.Region, 0, len(f.configs))
	for r := range f.configs {
		regions = append(regions, r)
	}
	slices.Sort(regions)
	return regions
}
