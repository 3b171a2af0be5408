package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tip-automation/internal/model"
)

// Settings is the typed snapshot of operational config read at the start of
// a run and used unchanged for its whole duration.
type Settings struct {
	DailyGenerationTime        model.ClockTime
	AutoGenerationEnabled      bool
	AutoPublishEnabled         bool
	MaxTipsPerDay              int
	MinConfidenceThreshold     int
	PremiumConfidenceThreshold int
	GenerationLookbackDays     int
}

// DefaultSettings returns the hard defaults used for missing or malformed keys.
func DefaultSettings() Settings {
	return Settings{
		DailyGenerationTime:        model.ClockTime{Hour: 9, Minute: 0},
		AutoGenerationEnabled:      true,
		AutoPublishEnabled:         true,
		MaxTipsPerDay:              10,
		MinConfidenceThreshold:     70,
		PremiumConfidenceThreshold: 80,
		GenerationLookbackDays:     2,
	}
}

// LastRun is the bookkeeping written after each completed generation run.
type LastRun struct {
	Date      string
	Total     int
	Published int
}

const dateLayout = "2006-01-02"

// SettingsService loads Settings from the ConfigStore. The last successfully
// parsed value of each key is kept in memory and replaces malformed values.
type SettingsService struct {
	store ConfigStore

	mu       sync.Mutex
	lastGood Settings
}

// NewSettingsService creates a new SettingsService instance.
func NewSettingsService(store ConfigStore) *SettingsService {
	return &SettingsService{
		store:    store,
		lastGood: DefaultSettings(),
	}
}

// Load reads every operational key once. It never fails: store errors and
// malformed values fall back per key with a warning.
func (s *SettingsService) Load(ctx context.Context) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()

	def := DefaultSettings()
	lg := &s.lastGood

	lg.DailyGenerationTime = loadKey(ctx, s.store, model.KeyDailyGenerationTime,
		def.DailyGenerationTime.String(), model.ParseClockTime, lg.DailyGenerationTime)
	lg.AutoGenerationEnabled = loadKey(ctx, s.store, model.KeyAutoGenerationEnabled,
		strconv.FormatBool(def.AutoGenerationEnabled), parseBool, lg.AutoGenerationEnabled)
	lg.AutoPublishEnabled = loadKey(ctx, s.store, model.KeyAutoPublishEnabled,
		strconv.FormatBool(def.AutoPublishEnabled), parseBool, lg.AutoPublishEnabled)
	lg.MaxTipsPerDay = loadKey(ctx, s.store, model.KeyMaxTipsPerDay,
		strconv.Itoa(def.MaxTipsPerDay), intRange(0, 1000), lg.MaxTipsPerDay)
	lg.MinConfidenceThreshold = loadKey(ctx, s.store, model.KeyMinConfidenceThreshold,
		strconv.Itoa(def.MinConfidenceThreshold), intRange(0, 100), lg.MinConfidenceThreshold)
	lg.PremiumConfidenceThreshold = loadKey(ctx, s.store, model.KeyPremiumConfidenceThreshold,
		strconv.Itoa(def.PremiumConfidenceThreshold), intRange(0, 100), lg.PremiumConfidenceThreshold)
	lg.GenerationLookbackDays = loadKey(ctx, s.store, model.KeyGenerationLookbackDays,
		strconv.Itoa(def.GenerationLookbackDays), intRange(1, 14), lg.GenerationLookbackDays)

	return *lg
}

// DailyGenerationTime reads only the generation time key. Used by the
// scheduler whenever it computes the next daily fire.
func (s *SettingsService) DailyGenerationTime(ctx context.Context) model.ClockTime {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastGood.DailyGenerationTime = loadKey(ctx, s.store, model.KeyDailyGenerationTime,
		DefaultSettings().DailyGenerationTime.String(), model.ParseClockTime, s.lastGood.DailyGenerationTime)
	return s.lastGood.DailyGenerationTime
}

// Validate checks value against the parser for key. Bookkeeping keys are
// written by the pipeline only and are rejected.
func (s *SettingsService) Validate(key, value string) error {
	var err error
	switch key {
	case model.KeyDailyGenerationTime:
		_, err = model.ParseClockTime(value)
	case model.KeyAutoGenerationEnabled, model.KeyAutoPublishEnabled:
		_, err = parseBool(value)
	case model.KeyMaxTipsPerDay:
		_, err = intRange(0, 1000)(value)
	case model.KeyMinConfidenceThreshold, model.KeyPremiumConfidenceThreshold:
		_, err = intRange(0, 100)(value)
	case model.KeyGenerationLookbackDays:
		_, err = intRange(1, 14)(value)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownConfigKey, key)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfigInvalid, key, err)
	}
	return nil
}

// Set validates and stores an operator-supplied value.
func (s *SettingsService) Set(ctx context.Context, key, value string) error {
	value = strings.TrimSpace(value)
	if err := s.Validate(key, value); err != nil {
		return err
	}
	if err := s.store.Set(ctx, key, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Entries lists every stored key.
func (s *SettingsService) Entries(ctx context.Context) ([]*model.ConfigEntry, error) {
	return s.store.List(ctx)
}

// RecordRun writes the last-run bookkeeping keys.
func (s *SettingsService) RecordRun(ctx context.Context, day time.Time, total, published int) error {
	return errors.Join(
		s.store.Set(ctx, model.KeyLastGenerationDate, day.Format(dateLayout)),
		s.store.Set(ctx, model.KeyLastGenerationTotal, strconv.Itoa(total)),
		s.store.Set(ctx, model.KeyLastGenerationPublished, strconv.Itoa(published)),
	)
}

// LastRun reads the bookkeeping keys. Missing counts read as zero.
func (s *SettingsService) LastRun(ctx context.Context) (*LastRun, error) {
	date, err := s.store.Get(ctx, model.KeyLastGenerationDate, "")
	if err != nil {
		return nil, err
	}
	total, err := s.store.Get(ctx, model.KeyLastGenerationTotal, "0")
	if err != nil {
		return nil, err
	}
	published, err := s.store.Get(ctx, model.KeyLastGenerationPublished, "0")
	if err != nil {
		return nil, err
	}

	lr := &LastRun{Date: date}
	lr.Total, _ = strconv.Atoi(total)
	lr.Published, _ = strconv.Atoi(published)
	return lr, nil
}

func loadKey[T any](ctx context.Context, store ConfigStore, key, def string, parse func(string) (T, error), fallback T) T {
	raw, err := store.Get(ctx, key, def)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Config store read failed, using last known value")
		return fallback
	}
	v, err := parse(raw)
	if err != nil {
		log.Warn().
			Err(fmt.Errorf("%w: %v", ErrConfigInvalid, err)).
			Str("key", key).
			Str("value", raw).
			Msg("Malformed config value, using last known value")
		return fallback
	}
	return v
}

func parseBool(s string) (bool, error) {
	return strconv.ParseBool(strings.TrimSpace(s))
}

func intRange(lo, hi int) func(string) (int, error) {
	return func(s string) (int, error) {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, err
		}
		if n < lo || n > hi {
			return 0, fmt.Errorf("%d out of range [%d, %d]", n, lo, hi)
		}
		return n, nil
	}
}
