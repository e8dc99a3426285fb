package jimeng

import (
	"context"
	"fmt"

	"github.com/manash/jimeng/internal/provider"
)

const (
	creditPath        = "/commerce/v1/benefits/user_credit"
	creditReceivePath = "/commerce/v1/benefits/credit_receive"
)

type creditResponse struct {
	Credit provider.Credit `json:"credit"`
}

type creditReceiveRequest struct {
	TimeZone string `json:"time_zone"`
}

type creditReceiveResponse struct {
	CurTotalCredits int `json:"cur_total_credits"`
	ReceiveQuota    int `json:"receive_quota"`
}

func (c *Client) GetCredit(ctx context.Context) (provider.Credit, error) {
	var resp creditResponse
	if err := c.post(ctx, c.commerceURL+creditPath, struct{}{}, &resp); err != nil {
		return provider.Credit{}, fmt.Errorf("failed to query credit: %w", err)
	}
	return resp.Credit, nil
}

// ReceiveCredit claims the daily free credit and returns the new total.
func (c *Client) ReceiveCredit(ctx context.Context) (int, error) {
	tz := "Asia/Shanghai"
	if c.session.Region.IsInternational() {
		tz = "UTC"
	}

	var resp creditReceiveResponse
	if err := c.post(ctx, c.commerceURL+creditReceivePath, creditReceiveRequest{TimeZone: tz}, &resp); err != nil {
		return 0, fmt.Errorf("failed to receive credit: %w", err)
	}
	return resp.CurTotalCredits, nil
}
