package coinqw

import (
	"errors"
	"fmt"
	"slices"
)

// Job names of the catalogue.
const (
	JobIngestPrice          = "ingest-price"
	JobScrapeSocial         = "scrape-social"
	JobCheckAlerts          = "check-alerts"
	JobCheckSpecificAlert   = "check-specific-alert"
	JobCalculateRisk        = "calculate-risk"
	JobCleanupPriceData     = "cleanup-price-data"
	JobCleanupSocialMetrics = "cleanup-social-metrics"
	JobWarmCache            = "warm-cache"
)

// Social platforms understood by scrape-social.
const (
	PlatformTwitter  = "twitter"
	PlatformReddit   = "reddit"
	PlatformTelegram = "telegram"
)

// DefaultPlatforms is the platform set scraped for every coin.
var DefaultPlatforms = []string{PlatformTwitter, PlatformReddit, PlatformTelegram}

// Payload is implemented by every typed job payload. The job name of a payload
// is fixed, so a payload can only be enqueued under its own name.
type Payload interface {
	JobName() string
	Validate() error
}

// CoinRef identifies a tracked coin.
type CoinRef struct {
	CoinID  string `json:"coinId"`
	Symbol  string `json:"symbol"`
	Address string `json:"address,omitempty"`
	Chain   string `json:"chain,omitempty"`
}

func (c CoinRef) validate() error {
	if c.CoinID == "" {
		return errors.New("coinId is required")
	}
	return nil
}

// IngestPricePayload fetches the latest quote of a coin.
type IngestPricePayload struct {
	CoinRef
}

func (IngestPricePayload) JobName() string   { return JobIngestPrice }
func (p IngestPricePayload) Validate() error { return p.validate() }

// ScrapeSocialPayload collects social activity of a coin.
type ScrapeSocialPayload struct {
	CoinRef
	Platforms []string `json:"platforms"`
	// Timeframe is a lookback such as "24h".
	Timeframe string `json:"timeframe"`
}

func (ScrapeSocialPayload) JobName() string { return JobScrapeSocial }

func (p ScrapeSocialPayload) Validate() error {
	if err := p.validate(); err != nil {
		return err
	}
	if len(p.Platforms) == 0 {
		return errors.New("at least one platform is required")
	}
	for _, pl := range p.Platforms {
		if !slices.Contains(DefaultPlatforms, pl) {
			return fmt.Errorf("unknown platform %q", pl)
		}
	}
	if p.Timeframe == "" {
		return errors.New("timeframe is required")
	}
	return nil
}

// CheckAlertsPayload evaluates every active alert.
type CheckAlertsPayload struct{}

func (CheckAlertsPayload) JobName() string { return JobCheckAlerts }
func (CheckAlertsPayload) Validate() error { return nil }

// CheckSpecificAlertPayload evaluates one alert.
type CheckSpecificAlertPayload struct {
	AlertID string `json:"alertId"`
}

func (CheckSpecificAlertPayload) JobName() string { return JobCheckSpecificAlert }

func (p CheckSpecificAlertPayload) Validate() error {
	if p.AlertID == "" {
		return errors.New("alertId is required")
	}
	return nil
}

// CalculateRiskPayload scores the risk of a coin.
type CalculateRiskPayload struct {
	CoinRef
}

func (CalculateRiskPayload) JobName() string   { return JobCalculateRisk }
func (p CalculateRiskPayload) Validate() error { return p.validate() }

// CleanupPriceDataPayload deletes price rows older than RetentionDays.
type CleanupPriceDataPayload struct {
	RetentionDays int `json:"retentionDays"`
}

func (CleanupPriceDataPayload) JobName() string { return JobCleanupPriceData }

func (p CleanupPriceDataPayload) Validate() error { return validateRetention(p.RetentionDays) }

// CleanupSocialMetricsPayload deletes social metric rows older than RetentionDays.
type CleanupSocialMetricsPayload struct {
	RetentionDays int `json:"retentionDays"`
}

func (CleanupSocialMetricsPayload) JobName() string { return JobCleanupSocialMetrics }

func (p CleanupSocialMetricsPayload) Validate() error { return validateRetention(p.RetentionDays) }

func validateRetention(days int) error {
	if days < 1 {
		return errors.New("retentionDays must be positive")
	}
	return nil
}

// WarmCachePayload preloads the latest price of the top coins into the cache.
type WarmCachePayload struct {
	Limit      int `json:"limit"`
	TTLSeconds int `json:"ttlSeconds"`
}

func (WarmCachePayload) JobName() string { return JobWarmCache }

func (p WarmCachePayload) Validate() error {
	if p.Limit < 1 {
		return errors.New("limit must be positive")
	}
	if p.TTLSeconds < 1 {
		return errors.New("ttlSeconds must be positive")
	}
	return nil
}

var payloadTypes = map[string]func() Payload{
	JobIngestPrice:          func() Payload { return &IngestPricePayload{} },
	JobScrapeSocial:         func() Payload { return &ScrapeSocialPayload{} },
	JobCheckAlerts:          func() Payload { return &CheckAlertsPayload{} },
	JobCheckSpecificAlert:   func() Payload { return &CheckSpecificAlertPayload{} },
	JobCalculateRisk:        func() Payload { return &CalculateRiskPayload{} },
	JobCleanupPriceData:     func() Payload { return &CleanupPriceDataPayload{} },
	JobCleanupSocialMetrics: func() Payload { return &CleanupSocialMetricsPayload{} },
	JobWarmCache:            func() Payload { return &WarmCachePayload{} },
}

// JobNames returns every job name with a registered payload type.
func JobNames() []string {
	out := make([]string, 0, len(payloadTypes))
	for n := range payloadTypes {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// DecodePayload decodes data into the typed payload registered for jobName and
// validates it. The returned value is a pointer to the payload struct.
// Errors match ErrInvalidPayload.
func DecodePayload(jobName string, data []byte) (Payload, error) {
	mk, ok := payloadTypes[jobName]
	if !ok {
		return nil, fmt.Errorf("%w: no payload type for job %q", ErrInvalidPayload, jobName)
	}
	p := mk()
	if len(data) > 0 {
		if err := payloadEncoder.Decode(data, p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, jobName, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, jobName, err)
	}
	return p, nil
}

func checkPayload(jobName string, p Payload) error {
	if p == nil {
		return fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if p.JobName() != jobName {
		return fmt.Errorf("%w: payload for %q enqueued as %q", ErrInvalidPayload, p.JobName(), jobName)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, jobName, err)
	}
	return nil
}
