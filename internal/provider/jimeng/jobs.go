package jimeng

import (
	"context"
	"fmt"

	"github.com/manash/jimeng/internal/payload"
	"github.com/manash/jimeng/internal/provider"
	"github.com/manash/jimeng/pkg/models"
)

const (
	generatePath = "/mweb/v1/aigc_draft/generate"
	historyPath  = "/mweb/v1/get_history_by_ids"
)

type generateResponse struct {
	AIGCData struct {
		HistoryRecordID string `json:"history_record_id"`
	} `json:"aigc_data"`
}

type imageScene struct {
	Scene   string `json:"scene"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	UniqKey string `json:"uniq_key"`
	Format  string `json:"format"`
}

type imageInfo struct {
	Width          int          `json:"width"`
	Height         int          `json:"height"`
	Format         string       `json:"format"`
	ImageSceneList []imageScene `json:"image_scene_list"`
}

type historyRequest struct {
	HistoryIDs []string  `json:"history_ids"`
	ImageInfo  imageInfo `json:"image_info"`
}

// historyImageInfo asks for the renditions the web client requests.
var historyImageInfo = imageInfo{
	Width:  2048,
	Height: 2048,
	Format: "webp",
	ImageSceneList: []imageScene{
		{Scene: "smart_crop", Width: 360, Height: 360, UniqKey: "smart_crop-w:360-h:360", Format: "webp"},
		{Scene: "smart_crop", Width: 480, Height: 480, UniqKey: "smart_crop-w:480-h:480", Format: "webp"},
		{Scene: "smart_crop", Width: 720, Height: 720, UniqKey: "smart_crop-w:720-h:720", Format: "webp"},
		{Scene: "smart_crop", Width: 720, Height: 480, UniqKey: "smart_crop-w:720-h:480", Format: "webp"},
		{Scene: "normal", Width: 2400, Height: 2400, UniqKey: "2400", Format: "webp"},
		{Scene: "normal", Width: 1080, Height: 1080, UniqKey: "1080", Format: "webp"},
		{Scene: "normal", Width: 720, Height: 720, UniqKey: "720", Format: "webp"},
		{Scene: "normal", Width: 480, Height: 480, UniqKey: "480", Format: "webp"},
		{Scene: "normal", Width: 360, Height: 360, UniqKey: "360", Format: "webp"},
	},
}

// Submit sends one generation envelope. A response without a history id
// means the request itself was malformed and is never retried.
func (c *Client) Submit(ctx context.Context, env payload.Envelope) (models.JobHandle, error) {
	var resp generateResponse
	if err := c.post(ctx, c.baseURL+generatePath, env, &resp); err != nil {
		return models.JobHandle{}, fmt.Errorf("%w: %w", provider.ErrSubmissionFailed, err)
	}

	historyID := resp.AIGCData.HistoryRecordID
	if historyID == "" {
		return models.JobHandle{}, fmt.Errorf("%w: response has no history_record_id", provider.ErrSubmissionFailed)
	}

	c.logger.Info().
		Str("submit_id", env.SubmitID).
		Str("history_id", historyID).
		Str("model", env.Extend.RootModel).
		Msg("jimeng: job submitted")

	return models.JobHandle{SubmitID: env.SubmitID, HistoryID: historyID}, nil
}

// FetchStatus reads the history record for h. It never mutates server state.
func (c *Client) FetchStatus(ctx context.Context, h models.JobHandle) (*provider.HistoryRecord, error) {
	req := historyRequest{
		HistoryIDs: []string{h.HistoryID},
		ImageInfo:  historyImageInfo,
	}

	var records map[string]*provider.HistoryRecord
	if err := c.post(ctx, c.baseURL+historyPath, req, &records); err != nil {
		return nil, err
	}

	rec, ok := records[h.HistoryID]
	if !ok || rec == nil {
		return nil, fmt.Errorf("%w: %s", provider.ErrHistoryNotFound, h.HistoryID)
	}
	rec.HistoryID = h.HistoryID
	return rec, nil
}
