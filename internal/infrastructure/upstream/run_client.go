package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/acrylic-style/gptx-api/internal/application/metering"
)

// maxResponseSize is the maximum allowed response size from the upstream API (10MB)
const maxResponseSize = 10 * 1024 * 1024

// RunClient polls the run-execution service over its REST API. Runs are
// dispatched elsewhere; this client only reads status and generated output.
type RunClient struct {
	config     *Config
	httpClient *http.Client
}

// NewRunClient creates a new upstream run client
func NewRunClient(config *Config) (*RunClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &RunClient{
		config: config,
		httpClient: &http.Client{
			Timeout: time.Duration(config.TimeoutSeconds) * time.Second,
		},
	}, nil
}

var _ metering.RunStatusClient = (*RunClient)(nil)

type runPayload struct {
	Status string `json:"status"`
	Model  string `json:"model"`
}

type stepPayload struct {
	Type        string `json:"type"`
	StepDetails struct {
		MessageCreation struct {
			MessageID string `json:"message_id"`
		} `json:"message_creation"`
	} `json:"step_details"`
}

type listPayload[T any] struct {
	Data []T `json:"data"`
}

type contentPayload struct {
	Type string `json:"type"`
	Text struct {
		Value string `json:"value"`
	} `json:"text"`
}

type messagePayload struct {
	Content []contentPayload `json:"content"`
}

// RetrieveRun fetches the current status of a run
func (c *RunClient) RetrieveRun(ctx context.Context, threadID, runID string) (metering.Run, error) {
	var payload runPayload
	path := fmt.Sprintf("/threads/%s/runs/%s", url.PathEscape(threadID), url.PathEscape(runID))
	if err := c.get(ctx, path, &payload); err != nil {
		return metering.Run{}, err
	}
	return metering.Run{Status: payload.Status, Model: payload.Model}, nil
}

// ListSteps fetches the generated steps of a run
func (c *RunClient) ListSteps(ctx context.Context, threadID, runID string) ([]metering.RunStep, error) {
	var payload listPayload[stepPayload]
	path := fmt.Sprintf("/threads/%s/runs/%s/steps", url.PathEscape(threadID), url.PathEscape(runID))
	if err := c.get(ctx, path, &payload); err != nil {
		return nil, err
	}

	steps := make([]metering.RunStep, 0, len(payload.Data))
	for _, step := range payload.Data {
		steps = append(steps, metering.RunStep{
			Type:      step.Type,
			MessageID: step.StepDetails.MessageCreation.MessageID,
		})
	}
	return steps, nil
}

// RetrieveMessage fetches a generated message with its content parts
func (c *RunClient) RetrieveMessage(ctx context.Context, threadID, messageID string) (metering.Message, error) {
	var payload messagePayload
	path := fmt.Sprintf("/threads/%s/messages/%s", url.PathEscape(threadID), url.PathEscape(messageID))
	if err := c.get(ctx, path, &payload); err != nil {
		return metering.Message{}, err
	}

	msg := metering.Message{Content: make([]metering.MessageContent, 0, len(payload.Content))}
	for _, part := range payload.Content {
		msg.Content = append(msg.Content, metering.MessageContent{
			Type: part.Type,
			Text: part.Text.Value,
		})
	}
	return msg, nil
}

// get performs an authenticated GET and decodes the JSON response
func (c *RunClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("upstream: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream: unexpected status %d for %s", resp.StatusCode, path)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("upstream: decode response: %w", err)
	}
	return nil
}
