/*
Copyright 2024 Blnk Finance Authors.

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
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT            = "5005"
	DEFAULT_MONITORING_PORT = "5006"
	DEFAULT_SUBMIT_QUEUE    = "workflow:submit"
	DEFAULT_SCHEDULE_QUEUE  = "workflow:schedule"
	DEFAULT_NOTIFY_QUEUE    = "workflow:notify"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL             bool   `json:"ssl" envconfig:"REELFLOW_SERVER_SSL"`
	Secure          bool   `json:"secure" envconfig:"REELFLOW_SERVER_SECURE"`
	SecretKey       string `json:"secret_key" envconfig:"REELFLOW_SERVER_SECRET_KEY"`
	ReconcilerToken string `json:"reconciler_token" envconfig:"REELFLOW_SERVER_RECONCILER_TOKEN"`
	Domain          string `json:"domain" envconfig:"REELFLOW_SERVER_SSL_DOMAIN"`
	Email           string `json:"ssl_email" envconfig:"REELFLOW_SERVER_SSL_EMAIL"`
	Port            string `json:"port" envconfig:"REELFLOW_SERVER_PORT"`
	MaxBodyBytes    int64  `json:"max_body_bytes" envconfig:"REELFLOW_SERVER_MAX_BODY_BYTES"`
}

type DataSourceConfig struct {
	Dns          string `json:"dns" envconfig:"REELFLOW_DATA_SOURCE_DNS"`
	MaxOpenConns int    `json:"max_open_conns" envconfig:"REELFLOW_DATA_SOURCE_MAX_OPEN_CONNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"REELFLOW_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"REELFLOW_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	SubmitQueue    string `json:"submit_queue" envconfig:"REELFLOW_QUEUE_SUBMIT"`
	ScheduleQueue  string `json:"schedule_queue" envconfig:"REELFLOW_QUEUE_SCHEDULE"`
	NotifyQueue    string `json:"notify_queue" envconfig:"REELFLOW_QUEUE_NOTIFY"`
	MaxRetry       int    `json:"max_retry" envconfig:"REELFLOW_QUEUE_MAX_RETRY"`
	Concurrency    int    `json:"concurrency" envconfig:"REELFLOW_QUEUE_CONCURRENCY"`
	MonitoringPort string `json:"monitoring_port" envconfig:"REELFLOW_QUEUE_MONITORING_PORT"`
}

type ReconcilerConfig struct {
	Enabled            bool `json:"enabled" envconfig:"REELFLOW_RECONCILER_ENABLED"`
	IntervalSec        int  `json:"interval_sec" envconfig:"REELFLOW_RECONCILER_INTERVAL_SEC"`
	HandoffTTLSec      int  `json:"handoff_ttl_sec" envconfig:"REELFLOW_RECONCILER_HANDOFF_TTL_SEC"`
	ReleaseIntervalSec int  `json:"release_interval_sec" envconfig:"REELFLOW_RECONCILER_RELEASE_INTERVAL_SEC"`
	MaxWorkers         int  `json:"max_workers" envconfig:"REELFLOW_RECONCILER_MAX_WORKERS"`
	BatchSize          int  `json:"batch_size" envconfig:"REELFLOW_RECONCILER_BATCH_SIZE"`
	LockTTLSec         int  `json:"lock_ttl_sec" envconfig:"REELFLOW_RECONCILER_LOCK_TTL_SEC"`
	CleanupIntervalSec int  `json:"cleanup_interval_sec" envconfig:"REELFLOW_RECONCILER_CLEANUP_INTERVAL_SEC"`
}

// VendorConfig holds the endpoint and client limits for one vendor.
type VendorConfig struct {
	BaseURL           string  `json:"base_url"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
	TimeoutSec        int     `json:"timeout_sec"`
	MaxRetries        int     `json:"max_retries"`
}

type VendorsConfig struct {
	Avatar   VendorConfig `json:"avatar"`
	Captions VendorConfig `json:"captions"`
	Social   VendorConfig `json:"social"`
}

type StorageConfig struct {
	Bucket          string `json:"bucket" envconfig:"REELFLOW_STORAGE_BUCKET"`
	Region          string `json:"region" envconfig:"REELFLOW_STORAGE_REGION"`
	Endpoint        string `json:"endpoint" envconfig:"REELFLOW_STORAGE_ENDPOINT"`
	AccessKeyID     string `json:"access_key_id" envconfig:"REELFLOW_STORAGE_ACCESS_KEY_ID"`
	SecretAccessKey string `json:"secret_access_key" envconfig:"REELFLOW_STORAGE_SECRET_ACCESS_KEY"`
	PublicURL       string `json:"public_url" envconfig:"REELFLOW_STORAGE_PUBLIC_URL"`
	UsePathStyle    bool   `json:"use_path_style" envconfig:"REELFLOW_STORAGE_USE_PATH_STYLE"`
	KeyPrefix       string `json:"key_prefix" envconfig:"REELFLOW_STORAGE_KEY_PREFIX"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"REELFLOW_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"REELFLOW_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"REELFLOW_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"REELFLOW_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url" envconfig:"REELFLOW_NOTIFICATION_WEBHOOK_URL"`
		Headers map[string]string `json:"headers" ignored:"true"`
	} `json:"webhook"`
}

// StepPolicy bounds how long a step may wait on its vendor and how often it
// may be retried.
type StepPolicy struct {
	TTLSec      int     `json:"ttl_sec"`
	RetryBudget int     `json:"retry_budget"`
	Grace       float64 `json:"grace"`
}

// TTL returns the step TTL as a duration.
func (p StepPolicy) TTL() time.Duration {
	return time.Duration(p.TTLSec) * time.Second
}

// Deadline is how long a submitted step may stay pending before it is timed out.
func (p StepPolicy) Deadline() time.Duration {
	return time.Duration(float64(p.TTL()) * p.Grace)
}

type CadenceSlot struct {
	Day  string `json:"day"`
	Time string `json:"time"`
}

type PostingCadence struct {
	Timezone    string        `json:"timezone"`
	Slots       []CadenceSlot `json:"slots"`
	HorizonDays int           `json:"horizon_days"`
}

type BrandCredentials struct {
	AvatarAPIKey     string   `json:"avatar_api_key"`
	AvatarID         string   `json:"avatar_id"`
	VoiceID          string   `json:"voice_id"`
	CaptionsAPIKey   string   `json:"captions_api_key"`
	CaptionsTemplate string   `json:"captions_template"`
	SocialAPIKey     string   `json:"social_api_key"`
	SocialAccountIDs []string `json:"social_account_ids"`
}

type WebhookSecrets struct {
	Avatar   string `json:"avatar"`
	Captions string `json:"captions"`
	Social   string `json:"social"`
}

// BrandConfig is the full set of per-brand settings. Brands are only
// configured through the JSON file.
type BrandConfig struct {
	Name           string                `json:"name"`
	Credentials    BrandCredentials      `json:"credentials"`
	WebhookSecrets WebhookSecrets        `json:"webhook_secrets"`
	Cadence        PostingCadence        `json:"cadence"`
	Steps          map[string]StepPolicy `json:"steps"`
	MaxConcurrency int                   `json:"max_concurrency"`
	RetentionDays  int                   `json:"retention_days"`
}

var defaultStepPolicies = map[string]StepPolicy{
	"synthesis": {TTLSec: 1800, RetryBudget: 3, Grace: 1.0},
	"caption":   {TTLSec: 1200, RetryBudget: 3, Grace: 1.0},
	"storage":   {TTLSec: 600, RetryBudget: 3, Grace: 1.0},
	"posting":   {TTLSec: 900, RetryBudget: 3, Grace: 1.0},
}

// StepPolicy returns the brand's policy for a step with defaults filled in.
func (b *BrandConfig) StepPolicy(step string) StepPolicy {
	def := defaultStepPolicies[step]
	p, ok := b.Steps[step]
	if !ok {
		return def
	}
	if p.TTLSec <= 0 {
		p.TTLSec = def.TTLSec
	}
	if p.RetryBudget < 0 {
		p.RetryBudget = def.RetryBudget
	}
	if p.Grace <= 0 {
		p.Grace = 1.0
	}
	return p
}

// Retention returns how long terminal items are kept.
func (b *BrandConfig) Retention() time.Duration {
	return time.Duration(b.RetentionDays) * 24 * time.Hour
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"REELFLOW_PROJECT_NAME"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Queue           QueueConfig      `json:"queue"`
	Reconciler      ReconcilerConfig `json:"reconciler"`
	Vendors         VendorsConfig    `json:"vendors" ignored:"true"`
	Storage         StorageConfig    `json:"storage"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
	Brands          []BrandConfig    `json:"brands" ignored:"true"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"REELFLOW_ENABLE_TELEMETRY"`
	OtelEndpoint    string           `json:"otel_endpoint" envconfig:"REELFLOW_OTEL_ENDPOINT"`
}

// Brand looks up a configured brand by name.
func (cnf *Configuration) Brand(name string) (*BrandConfig, bool) {
	for i := range cnf.Brands {
		if cnf.Brands[i].Name == name {
			return &cnf.Brands[i], true
		}
	}
	return nil, false
}

// BrandNames returns the configured brand names in file order.
func (cnf *Configuration) BrandNames() []string {
	names := make([]string, 0, len(cnf.Brands))
	for _, b := range cnf.Brands {
		names = append(names, b.Name)
	}
	return names
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
	err = envconfig.Process("reelflow", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called reelflow.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Reelflow"
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
	if cnf.Server.MaxBodyBytes <= 0 {
		cnf.Server.MaxBodyBytes = 1 << 20
	}

	cnf.addQueueDefaults()
	cnf.addReconcilerDefaults()
	cnf.addVendorDefaults()

	if err := cnf.validateBrands(); err != nil {
		return err
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (cnf *Configuration) addQueueDefaults() {
	if cnf.Queue.SubmitQueue == "" {
		cnf.Queue.SubmitQueue = DEFAULT_SUBMIT_QUEUE
	}
	if cnf.Queue.ScheduleQueue == "" {
		cnf.Queue.ScheduleQueue = DEFAULT_SCHEDULE_QUEUE
	}
	if cnf.Queue.NotifyQueue == "" {
		cnf.Queue.NotifyQueue = DEFAULT_NOTIFY_QUEUE
	}
	if cnf.Queue.MaxRetry <= 0 {
		cnf.Queue.MaxRetry = 5
	}
	if cnf.Queue.Concurrency <= 0 {
		cnf.Queue.Concurrency = 10
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = DEFAULT_MONITORING_PORT
	}
}

func (cnf *Configuration) addReconcilerDefaults() {
	r := &cnf.Reconciler
	if r.IntervalSec <= 0 {
		r.IntervalSec = 60
	}
	if r.HandoffTTLSec <= 0 {
		r.HandoffTTLSec = 300
	}
	if r.ReleaseIntervalSec <= 0 {
		r.ReleaseIntervalSec = 30
	}
	if r.MaxWorkers <= 0 {
		r.MaxWorkers = 5
	}
	if r.BatchSize <= 0 {
		r.BatchSize = 200
	}
	if r.LockTTLSec <= 0 {
		r.LockTTLSec = 120
	}
	if r.CleanupIntervalSec <= 0 {
		r.CleanupIntervalSec = 86400
	}
}

func (cnf *Configuration) addVendorDefaults() {
	for _, v := range []*VendorConfig{&cnf.Vendors.Avatar, &cnf.Vendors.Captions, &cnf.Vendors.Social} {
		if v.RequestsPerSecond <= 0 {
			v.RequestsPerSecond = 5
		}
		if v.Burst <= 0 {
			v.Burst = 1
		}
		if v.TimeoutSec <= 0 {
			v.TimeoutSec = 30
		}
		if v.MaxRetries < 0 {
			v.MaxRetries = 0
		} else if v.MaxRetries == 0 {
			v.MaxRetries = 3
		}
	}
}

func (cnf *Configuration) validateBrands() error {
	seen := map[string]bool{}
	for i := range cnf.Brands {
		b := &cnf.Brands[i]
		b.Name = strings.TrimSpace(b.Name)
		if b.Name == "" {
			return errors.New("brand name is required")
		}
		if seen[b.Name] {
			return fmt.Errorf("brand %s is configured more than once", b.Name)
		}
		seen[b.Name] = true

		if b.Cadence.Timezone == "" {
			b.Cadence.Timezone = "UTC"
		}
		if _, err := time.LoadLocation(b.Cadence.Timezone); err != nil {
			return fmt.Errorf("brand %s: invalid timezone %q: %w", b.Name, b.Cadence.Timezone, err)
		}
		if b.Cadence.HorizonDays <= 0 {
			b.Cadence.HorizonDays = 14
		}
		if b.MaxConcurrency <= 0 {
			b.MaxConcurrency = 2
		}
		if b.RetentionDays <= 0 {
			b.RetentionDays = 30
		}
	}
	if len(cnf.Brands) == 0 {
		logrus.Warn("no brands configured, every brand scoped request will be rejected")
	}
	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
