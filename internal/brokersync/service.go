// Package brokersync keeps the local broker definitions in step with the
// remote broker feed. The feed is a JSON array of broker definitions;
// updates arrive with a new version string per broker.
package brokersync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/broker-protection/internal/logging"
	"github.com/broker-protection/internal/models"
	"github.com/broker-protection/internal/pixel"
	"github.com/broker-protection/internal/storage"
	"golang.org/x/time/rate"
)

const (
	etagCacheKey = "dbp:brokersync:etag"
	etagCacheTTL = 7 * 24 * time.Hour

	// DefaultMinSyncInterval throttles routine update checks; every queue
	// batch asks for a refresh but the feed rarely changes.
	DefaultMinSyncInterval = time.Hour
)

// brokerDefinition is one entry of the remote feed.
type brokerDefinition struct {
	Name                    string `json:"name"`
	Version                 string `json:"version"`
	URL                     string `json:"url"`
	OptOutURL               string `json:"optOutUrl"`
	SchedulingIntervalHours int    `json:"schedulingIntervalHours"`
}

// BrokerStore is the persistence surface for synced definitions.
type BrokerStore interface {
	UpsertBroker(ctx context.Context, broker models.Broker) error
}

// Service fetches the broker feed and upserts definitions.
type Service struct {
	httpClient *http.Client
	feedURL    string
	cache      *storage.RedisCache
	store      BrokerStore
	limiter    *rate.Limiter
	pixels     pixel.Sink
	logger     *logging.Logger
}

// ServiceConfig configures a broker sync service.
type ServiceConfig struct {
	FeedURL string
	// Cache holds the feed ETag between checks; optional.
	Cache *storage.RedisCache
	Store BrokerStore
	// MinSyncInterval rate-limits CheckForUpdates; default one hour.
	MinSyncInterval time.Duration
	HTTPClient      *http.Client
	Pixels          pixel.Sink
	Logger          *logging.Logger
}

// NewService creates a broker sync service.
func NewService(cfg *ServiceConfig) (*Service, error) {
	if cfg.FeedURL == "" {
		return nil, fmt.Errorf("feed URL cannot be empty")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("broker store cannot be nil")
	}

	interval := cfg.MinSyncInterval
	if interval <= 0 {
		interval = DefaultMinSyncInterval
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Service{
		httpClient: httpClient,
		feedURL:    cfg.FeedURL,
		cache:      cfg.Cache,
		store:      cfg.Store,
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		pixels:     cfg.Pixels,
		logger:     logger,
	}, nil
}

// CheckForUpdates syncs the broker feed, subject to the rate limiter. A
// throttled call is a silent no-op.
func (s *Service) CheckForUpdates(ctx context.Context) error {
	if !s.limiter.Allow() {
		s.logger.Debug("Broker sync throttled, skipping")
		return nil
	}
	return s.sync(ctx)
}

// CheckForUpdatesSkippingLimiter syncs unconditionally. Debug commands use
// it to force a refresh.
func (s *Service) CheckForUpdatesSkippingLimiter(ctx context.Context) error {
	return s.sync(ctx)
}

func (s *Service) sync(ctx context.Context) error {
	if err := s.doSync(ctx); err != nil {
		pixel.Fire(s.pixels, pixel.NameBrokerSyncFailed, map[string]string{"error": err.Error()})
		s.logger.WithError(err).Error("Broker sync failed")
		return err
	}
	return nil
}

func (s *Service) doSync(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.feedURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build feed request: %w", err)
	}
	if etag := s.cachedETag(ctx); etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch broker feed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		s.logger.Debug("Broker feed unchanged")
		return nil
	case http.StatusOK:
		// fall through
	default:
		return fmt.Errorf("broker feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("failed to read broker feed: %w", err)
	}

	var definitions []brokerDefinition
	if err := json.Unmarshal(body, &definitions); err != nil {
		return fmt.Errorf("failed to parse broker feed: %w", err)
	}

	for _, def := range definitions {
		if def.Name == "" || def.Version == "" {
			s.logger.WithField("name", def.Name).Warn("Skipping broker definition with missing name or version")
			continue
		}
		broker := models.Broker{
			Name:                    def.Name,
			Version:                 def.Version,
			URL:                     def.URL,
			OptOutURL:               def.OptOutURL,
			SchedulingIntervalHours: def.SchedulingIntervalHours,
		}
		if err := s.store.UpsertBroker(ctx, broker); err != nil {
			return fmt.Errorf("failed to upsert broker %s: %w", def.Name, err)
		}
	}

	s.storeETag(ctx, resp.Header.Get("ETag"))
	s.logger.WithField("brokers", len(definitions)).Info("Broker definitions synced")
	return nil
}

func (s *Service) cachedETag(ctx context.Context) string {
	if s.cache == nil {
		return ""
	}
	etag, err := s.cache.Get(ctx, etagCacheKey)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to read cached feed ETag")
		return ""
	}
	return etag
}

func (s *Service) storeETag(ctx context.Context, etag string) {
	if s.cache == nil || etag == "" {
		return
	}
	if err := s.cache.Set(ctx, etagCacheKey, etag, etagCacheTTL); err != nil {
		s.logger.WithError(err).Warn("Failed to cache feed ETag")
	}
}
