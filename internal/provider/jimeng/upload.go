package jimeng

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"

	"github.com/manash/jimeng/internal/provider"
	"github.com/manash/jimeng/internal/security"
)

const maxSourceBytes = 20 << 20

type uploadResponse struct {
	ImageURI string `json:"image_uri"`
}

// UploadImage stores one source image with the backend and returns its
// opaque URI. URL sources are downloaded first.
func (c *Client) UploadImage(ctx context.Context, src provider.ImageSource) (string, error) {
	data := src.Data
	filename := src.Filename

	if len(data) == 0 {
		if src.URL == "" {
			return "", fmt.Errorf("%w: empty image source", provider.ErrUploadFailed)
		}
		downloaded, err := c.download(ctx, src.URL)
		if err != nil {
			return "", fmt.Errorf("%w: %w", provider.ErrUploadFailed, err)
		}
		data = downloaded
		if filename == "" {
			filename = path.Base(src.URL)
		}
	}
	if filename == "" || filename == "." || filename == "/" {
		filename = "image.png"
	}
	filename = security.SanitizeFilename(filename)

	uri, err := c.upload(ctx, data, filename)
	if err != nil {
		return "", fmt.Errorf("%w: %w", provider.ErrUploadFailed, err)
	}

	c.logger.Info().Str("image_uri", uri).Int("bytes", len(data)).Msg("jimeng: image uploaded")
	return uri, nil
}

func (c *Client) upload(ctx context.Context, data []byte, filename string) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.withQuery(c.baseURL+c.uploadPath), body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	c.setHeaders(httpReq)

	c.logger.Debug().Str("file", filename).Int("bytes", len(data)).Msg("jimeng: uploading image")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	c.logResponse(resp.StatusCode, respBody)

	var out uploadResponse
	if err := decodeEnvelope(resp.StatusCode, respBody, &out); err != nil {
		return "", err
	}
	if out.ImageURI == "" {
		return "", fmt.Errorf("response has no image_uri")
	}
	return out.ImageURI, nil
}

func (c *Client) download(ctx context.Context, rawURL string) ([]byte, error) {
	if err := security.ValidateURL(rawURL, false); err != nil {
		return nil, fmt.Errorf("source URL rejected: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := c.fetchClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) > maxSourceBytes {
		return nil, fmt.Errorf("source image exceeds %d bytes", maxSourceBytes)
	}
	return data, nil
}
