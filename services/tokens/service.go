// Package tokens validates the per-player API tokens of the compat surface
// and manages their lifecycle.
package tokens

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/sethvargo/go-password/password"

	"danmuhub/models"
	"danmuhub/services/configstore"
	"danmuhub/services/store"
)

// Access-log statuses. The wire values are part of the audit contract.
const (
	StatusAllowed          = "allowed"
	StatusDeniedUABlack    = "denied_ua_blacklist"
	StatusDeniedUAWhite    = "denied_ua_whitelist"
	StatusDeniedExpired    = "denied_expired"
	StatusDeniedDisabled   = "denied_disabled"
	StatusDeniedUnknown    = "denied_unknown"
	StatusDeniedCallLimit  = "denied_call_limit"
)

// UA filter modes read from config key uaFilterMode.
const (
	UAFilterOff       = "off"
	UAFilterWhitelist = "whitelist"
	UAFilterBlacklist = "blacklist"
)

const (
	keyUAFilterMode = "uaFilterMode"
	keyUAFilterList = "uaFilterList"
)

// DenialError tells the middleware which audit status to record.
type DenialError struct {
	Status string
}

func (e *DenialError) Error() string { return "access denied: " + e.Status }

// Service validates tokens against the repository plus the UA filter.
type Service struct {
	store  *store.Store
	config *configstore.Service
	now    func() time.Time
}

// NewService wires the token service.
func NewService(st *store.Store, config *configstore.Service) *Service {
	return &Service{store: st, config: config, now: time.Now}
}

// RegisterDefaults seeds the UA-filter config keys.
func (s *Service) RegisterDefaults(ctx context.Context) error {
	if err := s.config.RegisterDefault(ctx, keyUAFilterMode, UAFilterOff, "UA过滤模式（off/whitelist/blacklist）"); err != nil {
		return err
	}
	return s.config.RegisterDefault(ctx, keyUAFilterList, "", "UA过滤列表（每行一个前缀）")
}

// Validate checks the token value, expiry, enabled flag, UA filter and
// daily call limit. On success the call counter is incremented and an
// "allowed" access-log row written; on denial the denial status is logged.
func (s *Service) Validate(ctx context.Context, tokenValue, clientIP, userAgent, path string) (*models.ApiToken, error) {
	logAccess := func(status string) {
		if err := s.store.Tokens.RecordAccess(ctx, models.AccessLogEntry{
			Token:     tokenValue,
			ClientIP:  clientIP,
			UserAgent: userAgent,
			Path:      path,
			Status:    status,
		}); err != nil {
			log.Printf("[tokens] record access failed: %v", err)
		}
	}

	token, err := s.store.Tokens.GetByToken(ctx, tokenValue)
	if errors.Is(err, store.ErrNotFound) {
		logAccess(StatusDeniedUnknown)
		return nil, &DenialError{Status: StatusDeniedUnknown}
	}
	if err != nil {
		return nil, err
	}
	if !token.IsEnabled {
		logAccess(StatusDeniedDisabled)
		return nil, &DenialError{Status: StatusDeniedDisabled}
	}
	if token.Expired(s.now()) {
		logAccess(StatusDeniedExpired)
		return nil, &DenialError{Status: StatusDeniedExpired}
	}
	if status := s.checkUA(ctx, userAgent); status != "" {
		logAccess(status)
		return nil, &DenialError{Status: status}
	}
	if token.DailyCallLimit >= 0 && token.CallCount >= token.DailyCallLimit {
		logAccess(StatusDeniedCallLimit)
		return nil, &DenialError{Status: StatusDeniedCallLimit}
	}

	if err := s.store.Tokens.IncrementCallCount(ctx, token.ID); err != nil {
		return nil, err
	}
	logAccess(StatusAllowed)
	return token, nil
}

// checkUA returns the denial status for the configured filter mode, or ""
// when the UA passes. Matching is by prefix, one entry per line.
func (s *Service) checkUA(ctx context.Context, userAgent string) string {
	mode, err := s.config.Get(ctx, keyUAFilterMode)
	if err != nil || mode == UAFilterOff || mode == "" {
		return ""
	}
	raw, err := s.config.Get(ctx, keyUAFilterList)
	if err != nil {
		return ""
	}

	matched := false
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && strings.HasPrefix(userAgent, line) {
			matched = true
			break
		}
	}
	switch mode {
	case UAFilterWhitelist:
		if !matched {
			return StatusDeniedUAWhite
		}
	case UAFilterBlacklist:
		if matched {
			return StatusDeniedUABlack
		}
	}
	return ""
}

// Mint creates a new token with a random 20-character value.
func (s *Service) Mint(ctx context.Context, name string, dailyLimit int, validityDays int) (*models.ApiToken, error) {
	value, err := password.Generate(20, 6, 0, false, true)
	if err != nil {
		return nil, err
	}
	token := &models.ApiToken{
		Token:          value,
		Name:           name,
		IsEnabled:      true,
		DailyCallLimit: dailyLimit,
	}
	if validityDays > 0 {
		exp := s.now().UTC().AddDate(0, 0, validityDays)
		token.ExpiresAt = &exp
	}
	if err := s.store.Tokens.Create(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}
