// internal/workers/deals/respond-to-request/config.go
package respondtorequest

import (
	"time"

	"deal-pipeline/internal/common/camunda"
)

type Config struct {
	Timeout time.Duration
	// Retry is the backoff for completing jobs on the broker.
	Retry *camunda.RetryConfig
}

func LoadConfig() *Config {
	return &Config{
		Timeout: 30 * time.Second,
		Retry:   camunda.DefaultRetryConfig,
	}
}
