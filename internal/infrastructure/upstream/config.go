package upstream

import "fmt"

// Config holds configuration for the run-execution service client
type Config struct {
	// BaseURL is the root of the upstream API (e.g. "https://api.openai.com/v1")
	BaseURL string `json:"base_url" mapstructure:"base_url"`

	// APIKey authenticates requests to the upstream service
	APIKey string `json:"api_key" mapstructure:"api_key"`

	// TimeoutSeconds bounds each HTTP request
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// Validate validates the upstream client configuration
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("upstream: base URL is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("upstream: API key is required")
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 30
	}
	return nil
}
