// Package jimeng talks to the Jimeng/Dreamina web backend on behalf of one
// session.
package jimeng

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/manash/jimeng/internal/provider"
	"github.com/manash/jimeng/internal/security"
	"github.com/manash/jimeng/pkg/models"
)

const (
	BaseURLDomestic      = "https://jimeng.jianying.com"
	BaseURLInternational = "https://mweb-api-sg.capcut.com"
	CommerceURLUS        = "https://commerce.us.capcut.com"
	CommerceURLIntl      = "https://commerce-api-sg.capcut.com"

	defaultTimeout    = 120 * time.Second
	defaultUploadPath = "/mweb/v1/upload_image"
	successRet        = "0"
)

// Overridden in tests.
var (
	retryDelay = models.TransportRetryDelay
	maxRetries = models.TransportMaxRetries
)

type envelope struct {
	Ret    provider.Code   `json:"ret"`
	ErrMsg string          `json:"errmsg"`
	LogID  string          `json:"logid"`
	Data   json.RawMessage `json:"data"`
}

type Client struct {
	session     provider.Session
	baseURL     string
	commerceURL string
	uploadPath  string
	httpClient  *http.Client
	fetchClient *http.Client
	logger      zerolog.Logger
	verbose     bool
}

func New(s provider.Session, cfg *provider.Config, logger zerolog.Logger) (*Client, error) {
	if s.Token == "" {
		return nil, provider.ErrSessionRequired
	}
	if cfg == nil {
		cfg = &provider.Config{}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(s.Region)
	}
	commerceURL := cfg.CommerceURL
	if commerceURL == "" {
		commerceURL = defaultCommerceURL(s.Region)
	}
	uploadPath := cfg.UploadPath
	if uploadPath == "" {
		uploadPath = defaultUploadPath
	}

	timeout := defaultTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	return &Client{
		session:     s,
		baseURL:     strings.TrimRight(baseURL, "/"),
		commerceURL: strings.TrimRight(commerceURL, "/"),
		uploadPath:  uploadPath,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		fetchClient: security.NewFetchClient(timeout, nil),
		logger:      logger.With().Str("region", string(s.Region)).Logger(),
		verbose:     cfg.Verbose,
	}, nil
}

// NewConstructor adapts New to provider.Factory.
func NewConstructor(logger zerolog.Logger) provider.Constructor {
	return func(s provider.Session, cfg *provider.Config) (provider.Backend, error) {
		return New(s, cfg, logger)
	}
}

func defaultBaseURL(r models.Region) string {
	if r.IsDomestic() {
		return BaseURLDomestic
	}
	return BaseURLInternational
}

func defaultCommerceURL(r models.Region) string {
	switch {
	case r.IsDomestic():
		return BaseURLDomestic
	case r.IsPrimary():
		return CommerceURLUS
	default:
		return CommerceURLIntl
	}
}

func (c *Client) Region() models.Region {
	return c.session.Region
}

// post sends a JSON body and decodes the data field of a successful
// envelope into out. Transient faults are retried; business rejections are
// returned immediately as *provider.APIError.
func (c *Client) post(ctx context.Context, rawURL string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	for attempt := 0; ; attempt++ {
		err = c.postOnce(ctx, rawURL, jsonData, out)
		if err == nil || !errors.Is(err, provider.ErrTransient) || attempt >= maxRetries {
			return err
		}

		c.logger.Warn().Err(err).
			Int("attempt", attempt+1).
			Int("max_retries", maxRetries).
			Str("url", rawURL).
			Msg("jimeng: retrying request")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

func (c *Client) postOnce(ctx context.Context, rawURL string, jsonData []byte, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.withQuery(rawURL), bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq)

	c.logRequest(httpReq, jsonData)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", provider.ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", provider.ErrTransient, err)
	}

	c.logResponse(resp.StatusCode, respBody)

	return decodeEnvelope(resp.StatusCode, respBody, out)
}

func decodeEnvelope(status int, body []byte, out any) error {
	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: status %d", provider.ErrTransient, status)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", status, truncate(body, 200))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if env.Ret != successRet {
		return &provider.APIError{Ret: string(env.Ret), Message: env.ErrMsg, LogID: env.LogID}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to parse response data: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	token := c.session.Token
	req.Header.Set("Cookie", fmt.Sprintf("sessionid=%s; sessionid_ss=%s; sid_tt=%s", token, token, token))
	req.Header.Set("Appid", strconv.Itoa(c.session.Region.AssistantID()))
	req.Header.Set("Appvr", models.WebVersion)
	req.Header.Set("Pf", models.PlatformCode)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Origin", c.baseURL)
	req.Header.Set("Referer", c.baseURL+"/")
}

func (c *Client) withQuery(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("aid", strconv.Itoa(c.session.Region.AssistantID()))
	q.Set("device_platform", "web")
	q.Set("region", strings.ToUpper(string(c.session.Region)))
	q.Set("web_version", models.WebVersion)
	q.Set("da_version", models.DraftVersion)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) logRequest(req *http.Request, body []byte) {
	if !c.verbose {
		return
	}
	headers := make(map[string]string, len(req.Header))
	for key, values := range req.Header {
		value := strings.Join(values, ",")
		if strings.EqualFold(key, "cookie") {
			value = "[REDACTED]"
		}
		headers[key] = value
	}
	c.logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Interface("headers", headers).
		RawJSON("body", compactOrQuote(body)).
		Msg("jimeng: request")
}

func (c *Client) logResponse(status int, body []byte) {
	if !c.verbose {
		return
	}
	c.logger.Debug().
		Int("status", status).
		RawJSON("body", compactOrQuote(body)).
		Msg("jimeng: response")
}

func compactOrQuote(body []byte) []byte {
	if len(body) == 0 {
		return []byte(`""`)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err == nil {
		return buf.Bytes()
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
