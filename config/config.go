/*
Copyright 2024 Referral Payouts Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
)

const (
	DEFAULT_PORT = "5011"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"PAYOUTS_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"PAYOUTS_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"PAYOUTS_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"PAYOUTS_SERVER_DOMAIN"`
	Email     string `json:"email" envconfig:"PAYOUTS_SERVER_EMAIL"`
	Port      string `json:"port" envconfig:"PAYOUTS_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"PAYOUTS_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"PAYOUTS_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"PAYOUTS_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	CommissionQueue     string `json:"commission_queue" envconfig:"PAYOUTS_QUEUE_COMMISSION"`
	PayoutQueue         string `json:"payout_queue" envconfig:"PAYOUTS_QUEUE_PAYOUT"`
	CriticalPayoutQueue string `json:"critical_payout_queue" envconfig:"PAYOUTS_QUEUE_CRITICAL_PAYOUT"`
	CommissionWorkers   int    `json:"commission_workers" envconfig:"PAYOUTS_QUEUE_COMMISSION_WORKERS"`
	PayoutWorkers       int    `json:"payout_workers" envconfig:"PAYOUTS_QUEUE_PAYOUT_WORKERS"`
	MaxRetries          int    `json:"max_retries" envconfig:"PAYOUTS_QUEUE_MAX_RETRIES"`
	RetentionHours      int    `json:"retention_hours" envconfig:"PAYOUTS_QUEUE_RETENTION_HOURS"`
	MonitoringPort      string `json:"monitoring_port" envconfig:"PAYOUTS_QUEUE_MONITORING_PORT"`
}

type CommissionConfig struct {
	LockTTLSeconds  int    `json:"lock_ttl_seconds" envconfig:"PAYOUTS_COMMISSION_LOCK_TTL_SECONDS"`
	DefaultCurrency string `json:"default_currency" envconfig:"PAYOUTS_COMMISSION_DEFAULT_CURRENCY"`
}

type PayoutConfig struct {
	LockDays              *int              `json:"lock_days" envconfig:"PAYOUTS_PAYOUT_LOCK_DAYS"`
	UrgentAmount          string            `json:"urgent_amount" envconfig:"PAYOUTS_PAYOUT_URGENT_AMOUNT"`
	SourceAccounts        map[string]string `json:"source_accounts"`
	DefaultReason         string            `json:"default_reason" envconfig:"PAYOUTS_PAYOUT_DEFAULT_REASON"`
	StuckThresholdMinutes int               `json:"stuck_threshold_minutes" envconfig:"PAYOUTS_PAYOUT_STUCK_THRESHOLD_MINUTES"`
	ReconcileIntervalSec  int               `json:"reconcile_interval_sec" envconfig:"PAYOUTS_PAYOUT_RECONCILE_INTERVAL_SEC"`
}

type BreakerConfig struct {
	WindowSize               int     `json:"window_size" envconfig:"PAYOUTS_BREAKER_WINDOW_SIZE"`
	MinRequests              int     `json:"min_requests" envconfig:"PAYOUTS_BREAKER_MIN_REQUESTS"`
	ErrorThreshold           float64 `json:"error_threshold" envconfig:"PAYOUTS_BREAKER_ERROR_THRESHOLD"`
	ResetTimeoutSec          int     `json:"reset_timeout_sec" envconfig:"PAYOUTS_BREAKER_RESET_TIMEOUT_SEC"`
	HalfOpenSuccessThreshold int     `json:"half_open_success_threshold" envconfig:"PAYOUTS_BREAKER_HALF_OPEN_SUCCESSES"`
	CallTimeoutSec           int     `json:"call_timeout_sec" envconfig:"PAYOUTS_BREAKER_CALL_TIMEOUT_SEC"`
}

type ProviderConfig struct {
	BaseURL           string  `json:"base_url"`
	SecretKey         string  `json:"secret_key"`
	WebhookSecret     string  `json:"webhook_secret"`
	TimeoutSec        int     `json:"timeout_sec"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

type OutboxConfig struct {
	PollIntervalSec int `json:"poll_interval_sec" envconfig:"PAYOUTS_OUTBOX_POLL_INTERVAL_SEC"`
	BatchSize       int `json:"batch_size" envconfig:"PAYOUTS_OUTBOX_BATCH_SIZE"`
	Workers         int `json:"workers" envconfig:"PAYOUTS_OUTBOX_WORKERS"`
	MaxAttempts     int `json:"max_attempts" envconfig:"PAYOUTS_OUTBOX_MAX_ATTEMPTS"`
	LeaseSec        int `json:"lease_sec" envconfig:"PAYOUTS_OUTBOX_LEASE_SEC"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers" envconfig:"PAYOUTS_KAFKA_BROKERS"`
	Topic   string   `json:"topic" envconfig:"PAYOUTS_KAFKA_TOPIC"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"PAYOUTS_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"PAYOUTS_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"PAYOUTS_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type TelemetryConfig struct {
	PostHogKey      string `json:"posthog_key" envconfig:"PAYOUTS_TELEMETRY_POSTHOG_KEY"`
	PostHogEndpoint string `json:"posthog_endpoint" envconfig:"PAYOUTS_TELEMETRY_POSTHOG_ENDPOINT"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"PAYOUTS_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type Configuration struct {
	ProjectName         string                    `json:"project_name" envconfig:"PAYOUTS_PROJECT_NAME"`
	Server              ServerConfig              `json:"server"`
	DataSource          DataSourceConfig          `json:"data_source"`
	Redis               RedisConfig               `json:"redis"`
	Queue               QueueConfig               `json:"queue"`
	Commission          CommissionConfig          `json:"commission"`
	Payout              PayoutConfig              `json:"payout"`
	Breaker             BreakerConfig             `json:"breaker"`
	Providers           map[string]ProviderConfig `json:"providers"`
	Outbox              OutboxConfig              `json:"outbox"`
	Kafka               KafkaConfig               `json:"kafka"`
	Notification        Notification              `json:"notification"`
	RateLimit           RateLimitConfig           `json:"rate_limit"`
	EnableTelemetry     bool                      `json:"enable_telemetry" envconfig:"PAYOUTS_ENABLE_TELEMETRY"`
	Telemetry           TelemetryConfig           `json:"telemetry"`
	ReferrerCacheTTLSec int                       `json:"referrer_cache_ttl_sec" envconfig:"PAYOUTS_REFERRER_CACHE_TTL_SEC"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("payouts", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return nil
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called payouts.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		cnf.ProjectName = "Referral Payouts"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.setQueueDefaults()
	cnf.setPayoutDefaults()
	cnf.setBreakerDefaults()
	cnf.setOutboxDefaults()

	if cnf.Commission.LockTTLSeconds <= 0 {
		cnf.Commission.LockTTLSeconds = 10
	}
	if cnf.Commission.DefaultCurrency == "" {
		cnf.Commission.DefaultCurrency = "USD"
	}
	cnf.Commission.DefaultCurrency = strings.ToUpper(strings.TrimSpace(cnf.Commission.DefaultCurrency))

	if cnf.Payout.UrgentAmount != "" {
		if _, err := decimal.NewFromString(cnf.Payout.UrgentAmount); err != nil {
			return errors.New("payout urgent_amount must be a decimal")
		}
	}

	if cnf.Kafka.Topic == "" {
		cnf.Kafka.Topic = "payouts.events"
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		cnf.RateLimit.Burst = ptr.Int(2 * int(*cnf.RateLimit.RequestsPerSecond))
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		cnf.RateLimit.RequestsPerSecond = ptr.Float64(float64(*cnf.RateLimit.Burst) / 2)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		cnf.RateLimit.CleanupIntervalSec = ptr.Int(10800)
	}

	if cnf.ReferrerCacheTTLSec <= 0 {
		cnf.ReferrerCacheTTLSec = 300
	}
	if cnf.Telemetry.PostHogEndpoint == "" {
		cnf.Telemetry.PostHogEndpoint = "https://us.i.posthog.com"
	}

	for name, p := range cnf.Providers {
		if p.TimeoutSec <= 0 {
			p.TimeoutSec = 15
		}
		if p.RequestsPerSecond <= 0 {
			p.RequestsPerSecond = 5
		}
		if p.Burst <= 0 {
			p.Burst = 1
		}
		cnf.Providers[name] = p
	}

	return nil
}

func (cnf *Configuration) setQueueDefaults() {
	if cnf.Queue.CommissionQueue == "" {
		cnf.Queue.CommissionQueue = "commissions"
	}
	if cnf.Queue.PayoutQueue == "" {
		cnf.Queue.PayoutQueue = "payouts"
	}
	if cnf.Queue.CriticalPayoutQueue == "" {
		cnf.Queue.CriticalPayoutQueue = "payouts:critical"
	}
	if cnf.Queue.CommissionWorkers <= 0 {
		cnf.Queue.CommissionWorkers = 5
	}
	if cnf.Queue.PayoutWorkers <= 0 {
		cnf.Queue.PayoutWorkers = 3
	}
	if cnf.Queue.MaxRetries <= 0 {
		cnf.Queue.MaxRetries = 5
	}
	if cnf.Queue.RetentionHours <= 0 {
		cnf.Queue.RetentionHours = 72
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5004"
	}
}

func (cnf *Configuration) setPayoutDefaults() {
	if cnf.Payout.LockDays == nil || *cnf.Payout.LockDays < 0 {
		cnf.Payout.LockDays = ptr.Int(30)
	}
	if cnf.Payout.DefaultReason == "" {
		cnf.Payout.DefaultReason = "Referral commission"
	}
	if cnf.Payout.StuckThresholdMinutes <= 0 {
		cnf.Payout.StuckThresholdMinutes = 30
	}
	if cnf.Payout.ReconcileIntervalSec <= 0 {
		cnf.Payout.ReconcileIntervalSec = 300
	}
	if cnf.Payout.SourceAccounts == nil {
		cnf.Payout.SourceAccounts = map[string]string{}
	}
}

func (cnf *Configuration) setBreakerDefaults() {
	b := &cnf.Breaker
	if b.WindowSize <= 0 {
		b.WindowSize = 20
	}
	if b.MinRequests <= 0 {
		b.MinRequests = 10
	}
	if b.ErrorThreshold <= 0 || b.ErrorThreshold > 1 {
		b.ErrorThreshold = 0.5
	}
	if b.ResetTimeoutSec <= 0 {
		b.ResetTimeoutSec = 30
	}
	if b.HalfOpenSuccessThreshold <= 0 {
		b.HalfOpenSuccessThreshold = 1
	}
	if b.CallTimeoutSec <= 0 {
		b.CallTimeoutSec = 10
	}
}

func (cnf *Configuration) setOutboxDefaults() {
	if cnf.Outbox.PollIntervalSec <= 0 {
		cnf.Outbox.PollIntervalSec = 5
	}
	if cnf.Outbox.BatchSize <= 0 {
		cnf.Outbox.BatchSize = 50
	}
	if cnf.Outbox.Workers <= 0 {
		cnf.Outbox.Workers = 4
	}
	if cnf.Outbox.MaxAttempts <= 0 {
		cnf.Outbox.MaxAttempts = 10
	}
	if cnf.Outbox.LeaseSec <= 0 {
		cnf.Outbox.LeaseSec = 60
	}
}

// LockPeriod is the delay between crediting a commission and paying it out.
func (cnf *Configuration) LockPeriod() time.Duration {
	if cnf.Payout.LockDays == nil {
		return 0
	}
	return time.Duration(*cnf.Payout.LockDays) * 24 * time.Hour
}

// SourceAccountFor returns the platform account that funds payouts in currency.
func (cnf *Configuration) SourceAccountFor(currency string) (string, bool) {
	id, ok := cnf.Payout.SourceAccounts[strings.ToUpper(currency)]
	return id, ok && id != ""
}

// UrgentThreshold returns the amount at or above which payouts use the
// critical queue, or zero when tiering by amount is off.
func (cnf *Configuration) UrgentThreshold() decimal.Decimal {
	if cnf.Payout.UrgentAmount == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(cnf.Payout.UrgentAmount)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
