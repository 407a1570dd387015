// Package marketplace is the HTTP client for the marketplace API that owns funding
// requests. Network failures surface as TRANSPORT_FAILED and server rejections as
// BUSINESS_REJECTED carrying the server's message.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "deal-pipeline/internal/common/errors"
	commonhttp "deal-pipeline/internal/common/http"
	"deal-pipeline/internal/common/logger"
	"deal-pipeline/internal/models"

	"github.com/google/uuid"
)

const (
	OpFetchPipeline          = "fetchPipeline"
	OpFetchAllRequests       = "fetchAllRequests"
	OpMarkViewed             = "markViewed"
	OpSendNegotiationMessage = "sendNegotiationMessage"
	OpRespondToRequest       = "respondToRequest"

	maxBodyBytes = 4 << 20
)

type Config struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
}

// envelope is the response wrapper used by every marketplace endpoint.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type Client struct {
	baseURL    string
	httpClient *commonhttp.Client
	logger     logger.Logger
}

func NewClient(cfg Config, log logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	hc := commonhttp.NewClient(timeout).
		WithHeader("Accept", "application/json")
	if cfg.APIToken != "" {
		hc = hc.WithHeader("Authorization", "Bearer "+cfg.APIToken)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: hc,
		logger:     log.WithFields(map[string]interface{}{"component": "marketplace-client"}),
	}
}

// FetchPipeline returns the grouped pipeline with server-side stats.
func (c *Client) FetchPipeline(ctx context.Context) (*models.PipelineResponse, error) {
	data, err := c.do(ctx, OpFetchPipeline, http.MethodGet, "/investor/pipeline", nil, nil)
	if err != nil {
		return nil, err
	}
	if err := pipelineSchema.CheckJSON(data); err != nil {
		return nil, c.invalidPayload(OpFetchPipeline, err)
	}

	var out models.PipelineResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, apperrors.NewTransportError(OpFetchPipeline, fmt.Errorf("decode pipeline: %w", err))
	}
	return &out, nil
}

// FetchAllRequests lists funding requests matching filter.
func (c *Client) FetchAllRequests(ctx context.Context, filter models.RequestFilter) ([]models.FundingRequest, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/funding-requests"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	data, err := c.do(ctx, OpFetchAllRequests, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := requestListSchema.CheckJSON(data); err != nil {
		return nil, c.invalidPayload(OpFetchAllRequests, err)
	}

	var out []models.FundingRequest
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, apperrors.NewTransportError(OpFetchAllRequests, fmt.Errorf("decode requests: %w", err))
	}
	return out, nil
}

// MarkViewed records that the investor opened the request. The server treats it as
// idempotent.
func (c *Client) MarkViewed(ctx context.Context, requestID string) error {
	_, err := c.do(ctx, OpMarkViewed, http.MethodPatch, "/funding-requests/"+url.PathEscape(requestID)+"/view", nil, nil)
	return err
}

// SendNegotiationMessage posts draft and returns the updated transcript.
func (c *Client) SendNegotiationMessage(ctx context.Context, requestID string, draft models.MessageDraft) ([]models.NegotiationMessage, error) {
	data, err := c.do(ctx, OpSendNegotiationMessage, http.MethodPost,
		"/funding-requests/"+url.PathEscape(requestID)+"/negotiate", draft, nil)
	if err != nil {
		return nil, err
	}

	// The server answers either with the bare history or with the updated request.
	var wrapped struct {
		NegotiationHistory json.RawMessage `json:"negotiationHistory"`
	}
	if len(data) > 0 && data[0] == '{' {
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, apperrors.NewTransportError(OpSendNegotiationMessage, fmt.Errorf("decode history: %w", err))
		}
		data = wrapped.NegotiationHistory
	}
	if len(data) == 0 {
		return nil, nil
	}
	if err := historySchema.CheckJSON(data); err != nil {
		return nil, c.invalidPayload(OpSendNegotiationMessage, err)
	}

	var history []models.NegotiationMessage
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, apperrors.NewTransportError(OpSendNegotiationMessage, fmt.Errorf("decode history: %w", err))
	}
	return history, nil
}

// RespondToRequest accepts or declines a request. Each call carries a fresh
// Idempotency-Key so that a transport-level resend is not applied twice.
func (c *Client) RespondToRequest(ctx context.Context, requestID string, resp models.Response) (*models.FundingRequest, error) {
	headers := map[string]string{"Idempotency-Key": uuid.New().String()}
	data, err := c.do(ctx, OpRespondToRequest, http.MethodPut,
		"/funding-requests/"+url.PathEscape(requestID)+"/respond", resp, headers)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	if err := requestSchema.CheckJSON(data); err != nil {
		return nil, c.invalidPayload(OpRespondToRequest, err)
	}

	var out models.FundingRequest
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, apperrors.NewTransportError(OpRespondToRequest, fmt.Errorf("decode request: %w", err))
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body interface{}, headers map[string]string) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.NewValidationError(op, fmt.Sprintf("failed to marshal body: %v", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, apperrors.NewTransportError(op, fmt.Errorf("failed to create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("marketplace call failed", map[string]interface{}{
			"operation": op,
			"error":     err.Error(),
		})
		return nil, apperrors.NewTransportError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, apperrors.NewTransportError(op, fmt.Errorf("failed to read response body: %w", err))
	}

	c.logger.Debug("marketplace call", map[string]interface{}{
		"operation":  op,
		"method":     method,
		"path":       path,
		"statusCode": resp.StatusCode,
		"duration":   time.Since(start).String(),
	})

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, apperrors.NewTransportError(op,
			fmt.Errorf("server error (status %d): %s", resp.StatusCode, serverMessage(env, resp.StatusCode)))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, apperrors.NewBusinessRejectedError(op, resp.StatusCode, serverMessage(env, resp.StatusCode))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	if decodeErr != nil {
		return nil, apperrors.NewTransportError(op, fmt.Errorf("failed to decode response: %w", decodeErr))
	}
	if !env.Success {
		return nil, apperrors.NewBusinessRejectedError(op, resp.StatusCode, serverMessage(env, resp.StatusCode))
	}
	return env.Data, nil
}

func (c *Client) invalidPayload(op string, err error) error {
	c.logger.Error("marketplace returned an unexpected payload", map[string]interface{}{
		"operation": op,
		"error":     apperrors.UserMessage(err),
	})
	return apperrors.NewTransportError(op, fmt.Errorf("unexpected payload: %s", apperrors.UserMessage(err)))
}

func serverMessage(env envelope, status int) string {
	switch {
	case env.Message != "":
		return env.Message
	case env.Error != "":
		return env.Error
	default:
		return http.StatusText(status)
	}
}
