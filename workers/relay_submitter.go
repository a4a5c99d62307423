package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/ZkNoid/wizard-battle-sub004/models"
)

// RelaySubmitter posts commit payloads to the chain relay service. The relay
// owns keys and gas; this service only hands over the signed game facts.
type RelaySubmitter struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewRelaySubmitter() *RelaySubmitter {
	baseURL := os.Getenv("CHAIN_RELAY_URL")
	if baseURL == "" {
		log.Fatal("CHAIN_RELAY_URL environment variable is required")
	}
	token := os.Getenv("CHAIN_RELAY_TOKEN")
	if token == "" {
		log.Fatal("CHAIN_RELAY_TOKEN environment variable is required for chain commits")
	}

	return &RelaySubmitter{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SubmitCommit delivers one job to the relay. Any non-2xx response is an
// error; the commit queue decides whether to retry.
func (c *RelaySubmitter) SubmitCommit(ctx context.Context, job models.CommitJob) error {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid relay URL '%s': %w", c.BaseURL, err)
	}
	endpoint := base.JoinPath("/api/v1/commits", endpointFor(job.Type))

	body := map[string]interface{}{
		"jobId":   job.ID,
		"gameId":  job.GameID,
		"payload": json.RawMessage(job.Payload),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode commit body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint.String(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call chain relay: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("chain relay returned status %d: %s", resp.StatusCode, string(errBody))
	}
	return nil
}

func endpointFor(jobType string) string {
	switch jobType {
	case models.CommitJobCreateGame:
		return "create-game"
	case models.CommitJobFinishGame:
		return "finish-game"
	default:
		return "unknown"
	}
}
