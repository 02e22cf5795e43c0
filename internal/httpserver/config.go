package httpserver

import (
	"errors"
	"time"
)

// Config drives the HTTP façade.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	GuestCookieName   string
	GuestSessionTTL   time.Duration
	WebhookSecret     string
	DailySpendCap     int64
	HistoryLimit      int
	RequestTimeout    time.Duration
}

const (
	defaultSessionCookieName = "app_session"
	defaultGuestCookieName   = "guest_session"
	defaultGuestSessionTTL   = 24 * time.Hour
	defaultHistoryLimit      = 50
	defaultRequestTimeout    = 5 * time.Second
)

// Normalize fills zero-valued optional fields with defaults and validates
// the required ones.
func (cfg Config) Normalize() (Config, error) {
	if cfg.ListenAddr == "" {
		return Config{}, errors.New("listen address is required")
	}
	if cfg.SessionSigningKey == "" {
		return Config{}, errors.New("session signing key is required")
	}
	if cfg.SessionCookieName == "" {
		cfg.SessionCookieName = defaultSessionCookieName
	}
	if cfg.GuestCookieName == "" {
		cfg.GuestCookieName = defaultGuestCookieName
	}
	if cfg.GuestSessionTTL <= 0 {
		cfg.GuestSessionTTL = defaultGuestSessionTTL
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return cfg, nil
}
