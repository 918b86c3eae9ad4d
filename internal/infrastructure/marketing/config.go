package marketing

import (
	"errors"
	"net/url"
	"time"
)

// Errors for marketing client configuration
var (
	ErrMissingBaseURL  = errors.New("marketing: base URL is required")
	ErrMissingTokenURL = errors.New("marketing: token URL is required")
	ErrMissingClientID = errors.New("marketing: client ID is required")
)

// Config configures the ad platform client
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	// RefreshToken switches from the client credentials grant to the refresh token grant
	RefreshToken string
	Scopes       []string
	Timeout      time.Duration
	CacheSize    int
	CacheTTL     time.Duration
}

// Validate checks required fields and applies defaults
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return ErrMissingBaseURL
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return errors.Join(ErrMissingBaseURL, err)
	}
	if c.TokenURL == "" {
		return ErrMissingTokenURL
	}
	if c.ClientID == "" {
		return ErrMissingClientID
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 128
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	return nil
}
