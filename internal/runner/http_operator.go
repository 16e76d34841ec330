package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/broker-protection/internal/queue"
)

// HTTPOperator delegates page automation to a companion service over HTTP.
// The service owns the headless browser; this process only schedules work.
type HTTPOperator struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPOperator creates an operator talking to the automation service at
// baseURL.
func NewHTTPOperator(baseURL string, httpClient *http.Client) (*HTTPOperator, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("operator base URL cannot be empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPOperator{baseURL: baseURL, httpClient: httpClient}, nil
}

type scanRequest struct {
	BrokerID       int64  `json:"brokerId"`
	BrokerKey      string `json:"brokerKey"`
	ProfileQueryID int64  `json:"profileQueryId"`
}

type scanResponse struct {
	ExtractedProfileIDs []int64 `json:"extractedProfileIds"`
}

type optOutRequest struct {
	BrokerID       int64  `json:"brokerId"`
	BrokerKey      string `json:"brokerKey"`
	ProfileQueryID int64  `json:"profileQueryId"`
	OptOutJobID    int64  `json:"optOutJobId"`
}

// Scan implements BrokerOperator.
func (o *HTTPOperator) Scan(ctx context.Context, job queue.Job) (*ScanOutcome, error) {
	body, err := o.post(ctx, "/scan", scanRequest{
		BrokerID:       job.BrokerID,
		BrokerKey:      job.BrokerKey,
		ProfileQueryID: job.ProfileQueryID,
	})
	if err != nil {
		return nil, err
	}

	var resp scanResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse scan response: %w", err)
	}
	return &ScanOutcome{ExtractedProfileIDs: resp.ExtractedProfileIDs}, nil
}

// SubmitOptOut implements BrokerOperator.
func (o *HTTPOperator) SubmitOptOut(ctx context.Context, job queue.Job) error {
	_, err := o.post(ctx, "/optout", optOutRequest{
		BrokerID:       job.BrokerID,
		BrokerKey:      job.BrokerKey,
		ProfileQueryID: job.ProfileQueryID,
		OptOutJobID:    job.OptOutJobID,
	})
	return err
}

func (o *HTTPOperator) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("automation request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read automation response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("automation service returned status %d", resp.StatusCode)
	}
	return body, nil
}
