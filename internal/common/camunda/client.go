// internal/common/camunda/client.go
package camunda

import (
	"context"
	"fmt"
	"strings"
	"time"

	"deal-pipeline/internal/common/errors"

	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
)

// Client wraps the Zeebe gRPC client used by the deal workers.
type Client struct {
	client zbc.Client
	config *ClientConfig
}

// ClientConfig holds configuration for the Camunda/Zeebe client.
type ClientConfig struct {
	GatewayAddress         string
	UsePlaintextConnection bool
	ConnectionTimeout      time.Duration
	RequestTimeout         time.Duration
	RetryConfig            *RetryConfig
}

// RetryConfig defines retry behavior for transient failures.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig is used when ClientConfig.RetryConfig is nil.
var DefaultRetryConfig = &RetryConfig{
	MaxRetries: 3,
	BaseDelay:  1 * time.Second,
	MaxDelay:   10 * time.Second,
}

// NewClient creates a plaintext client with default timeouts, for local brokers.
func NewClient(address string) (*Client, error) {
	config := &ClientConfig{
		GatewayAddress:         address,
		UsePlaintextConnection: true,
		ConnectionTimeout:      10 * time.Second,
		RequestTimeout:         30 * time.Second,
		RetryConfig:            DefaultRetryConfig,
	}
	return NewClientWithConfig(config)
}

// NewClientWithConfig creates a client and verifies the broker answers a topology
// request within ConnectionTimeout.
func NewClientWithConfig(config *ClientConfig) (*Client, error) {
	if config.RetryConfig == nil {
		config.RetryConfig = DefaultRetryConfig
	}
	if config.ConnectionTimeout <= 0 {
		config.ConnectionTimeout = 10 * time.Second
	}

	zeebeClient, err := zbc.NewClient(&zbc.ClientConfig{
		GatewayAddress:         config.GatewayAddress,
		UsePlaintextConnection: config.UsePlaintextConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Zeebe client: %w", err)
	}

	// Test connection with timeout
	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectionTimeout)
	defer cancel()

	if _, err := zeebeClient.NewTopologyCommand().Send(ctx); err != nil {
		zeebeClient.Close()
		return nil, fmt.Errorf("failed to connect to Zeebe broker at %s: %w", config.GatewayAddress, err)
	}

	return &Client{
		client: zeebeClient,
		config: config,
	}, nil
}

// GetClient returns the raw Zeebe client for opening job workers.
func (c *Client) GetClient() zbc.Client {
	return c.client
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// RetryConfig returns the backoff used for broker commands.
func (c *Client) RetryConfig() *RetryConfig {
	return c.config.RetryConfig
}

// ExecuteWithRetry runs a broker command with the client's backoff.
func (c *Client) ExecuteWithRetry(
	ctx context.Context,
	commandFunc func(context.Context) (interface{}, error),
	operationName string,
) (interface{}, error) {
	return Retry(ctx, c.config.RetryConfig, commandFunc, operationName)
}

// Retry runs command until it succeeds or fails with a permanent error, backing off
// exponentially between attempts up to MaxDelay. A nil cfg means DefaultRetryConfig.
// Failures are returned as standard errors.
func Retry(
	ctx context.Context,
	cfg *RetryConfig,
	command func(context.Context) (interface{}, error),
	operationName string,
) (interface{}, error) {
	if cfg == nil {
		cfg = DefaultRetryConfig
	}

	delay := cfg.BaseDelay
	for attempt := 0; ; attempt++ {
		result, err := command(ctx)
		if err == nil {
			return result, nil
		}
		if !isRetryableZeebeError(err) || attempt >= cfg.MaxRetries {
			return nil, mapZeebeError(err, operationName, attempt)
		}

		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, errors.NewTimeoutError("zeebe",
				fmt.Errorf("%s cancelled after %d attempts: %w", operationName, attempt+1, ctx.Err()))
		}
		delay *= 2
	}
}

var transientPhrases = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"deadline exceeded",
	"unavailable",
	"unreachable",
	"broken pipe",
}

// isRetryableZeebeError reports whether err looks like a transient broker or network fault.
func isRetryableZeebeError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, phrase := range transientPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// mapZeebeError converts a broker failure into a standard error. attempt counts the
// retries already spent.
func mapZeebeError(err error, operationName string, attempt int) error {
	msg := strings.ToLower(err.Error())

	summary := fmt.Sprintf("broker command %q failed", operationName)
	if attempt > 0 {
		summary = fmt.Sprintf("%s after %d attempts", summary, attempt)
	}
	wrapped := fmt.Errorf("%s: %w", summary, err)

	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return errors.NewTimeoutError("zeebe", wrapped)
	case strings.Contains(msg, "not found"):
		return errors.NewResourceNotFoundError("zeebe", wrapped.Error())
	default:
		return errors.NewExternalServiceError("zeebe", wrapped)
	}
}

// HealthCheck performs a basic health check against the Zeebe broker.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectionTimeout)
	defer cancel()

	_, err := c.client.NewTopologyCommand().Send(ctx)
	if err != nil {
		return fmt.Errorf("zeebe health check failed: %w", err)
	}
	return nil
}
