package config

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	KeyPrimaryURL       = "primary.url"
	KeySecondaryURL     = "secondary.url"
	KeyLedgerDriver     = "ledger.driver"
	KeyLedgerPath       = "ledger.path"
	KeyBackupPath       = "backup.path"
	KeyQueuePath        = "queue.path"
	KeyQueueDeadLetter  = "queue.dead_letter_path"
	KeyQueueMaxAttempts = "queue.max_attempts"
	KeyQueueBaseDelay   = "queue.base_delay_seconds"
	KeyRetentionDays    = "retention.days"
	KeyGatewayPort      = "gateway.port"
	KeyExcludedLabelIDs = "sync.excluded_label_ids"
	KeyExcludedClients  = "sync.excluded_clients"
	KeyMirrorColor      = "mirror.project_color"
	KeyMirrorRateType   = "mirror.rate_type"
)

type Config struct {
	Primary   PrimaryConfig   `mapstructure:"primary" validate:"required"`
	Secondary SecondaryConfig `mapstructure:"secondary" validate:"required"`
	Ledger    LedgerConfig    `mapstructure:"ledger" validate:"required"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Retention RetentionConfig `mapstructure:"retention"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Mirror    MirrorConfig    `mapstructure:"mirror"`
}

type PrimaryConfig struct {
	URL       string `mapstructure:"url" validate:"required,url"`
	Token     string `mapstructure:"token" validate:"required"`
	AccountID string `mapstructure:"account_id" validate:"required"`
}

type SecondaryConfig struct {
	URL      string `mapstructure:"url" validate:"required,url"`
	OrgCode  string `mapstructure:"org_code" validate:"required"`
	Username string `mapstructure:"username" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
	UserID   string `mapstructure:"user_id" validate:"required"`
}

type LedgerConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=sqlite postgres"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type BackupConfig struct {
	Path string `mapstructure:"path"`
}

type QueueConfig struct {
	Path           string `mapstructure:"path"`
	DeadLetterPath string `mapstructure:"dead_letter_path"`
	MaxAttempts    int    `mapstructure:"max_attempts" validate:"omitempty,min=1"`
	BaseDelaySecs  int    `mapstructure:"base_delay_seconds" validate:"omitempty,min=1"`
}

type RetentionConfig struct {
	Days int `mapstructure:"days" validate:"omitempty,min=1"`
}

type NotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url" validate:"omitempty,url"`
}

type GatewayConfig struct {
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
}

type SyncConfig struct {
	// Parent labels delivered alongside the effective child label; entries
	// keep the first label id not present in this list.
	ExcludedLabelIDs []int64  `mapstructure:"excluded_label_ids"`
	ExcludedClients  []string `mapstructure:"excluded_clients"`
}

type MirrorConfig struct {
	ProjectColor string  `mapstructure:"project_color"`
	RateType     string  `mapstructure:"rate_type"`
	UserIDs      []int64 `mapstructure:"user_ids"`
	LabelIDs     []int64 `mapstructure:"label_ids"`
}

// SetDefaults sets default values if not provided
func SetDefaults() {
	setDefaults(viper.GetViper())
}

// LoadAndValidate loads config from Viper and validates it
func LoadAndValidate() (*Config, error) {
	return loadAndValidateFromViper(viper.GetViper())
}

// ValidateYAMLContent validates configuration from raw YAML content.
func ValidateYAMLContent(content []byte) (*Config, error) {
	local := viper.New()
	setDefaults(local)
	local.SetConfigType("yaml")
	if err := local.ReadConfig(bytes.NewReader(content)); err != nil {
		return nil, fmt.Errorf("read config content: %w", err)
	}
	return loadAndValidateFromViper(local)
}

// ExampleYAML returns the default configuration template.
func ExampleYAML() string {
	return `# timebridge configuration
primary:
  url: "https://api.hourtrack.example.com/1.1"
  token: ""
  account_id: ""

secondary:
  url: "https://api.quotereport.example.com/service/api"
  org_code: ""
  username: ""
  password: ""
  user_id: ""

ledger:
  driver: sqlite
  path: ./timebridge-ledger.db

backup:
  path: ./timebridge-backup.db

queue:
  path: ./timebridge-queue.json
  dead_letter_path: ./timebridge-dead-letter.json
  max_attempts: 5
  base_delay_seconds: 30

retention:
  days: 45

notify:
  webhook_url: ""

gateway:
  port: 8484

sync:
  excluded_label_ids: []
  excluded_clients: []

mirror:
  project_color: "FFFFFF"
  rate_type: project
  user_ids: []
  label_ids: []
`
}

func loadAndValidateFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	if err := validateLedger(cfg.Ledger); err != nil {
		return nil, err
	}
	if err := validateExcludedClients(cfg.Sync.ExcludedClients); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyLedgerDriver, "sqlite")
	v.SetDefault(KeyLedgerPath, "./timebridge-ledger.db")
	v.SetDefault(KeyBackupPath, "./timebridge-backup.db")
	v.SetDefault(KeyQueuePath, "./timebridge-queue.json")
	v.SetDefault(KeyQueueDeadLetter, "./timebridge-dead-letter.json")
	v.SetDefault(KeyQueueMaxAttempts, 5)
	v.SetDefault(KeyQueueBaseDelay, 30)
	v.SetDefault(KeyRetentionDays, 45)
	v.SetDefault(KeyGatewayPort, 8484)
	v.SetDefault(KeyExcludedLabelIDs, []int64{})
	v.SetDefault(KeyExcludedClients, []string{})
	v.SetDefault(KeyMirrorColor, "FFFFFF")
	v.SetDefault(KeyMirrorRateType, "project")
}

func validateLedger(cfg LedgerConfig) error {
	switch cfg.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Path) == "" {
			return fmt.Errorf("validation failed: ledger.path is required for the sqlite driver")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DSN) == "" {
			return fmt.Errorf("validation failed: ledger.dsn is required for the postgres driver")
		}
	}
	return nil
}

func validateExcludedClients(clients []string) error {
	seen := make(map[string]struct{}, len(clients))
	for i, code := range clients {
		trimmed := strings.TrimSpace(code)
		if trimmed == "" {
			return fmt.Errorf("validation failed: sync.excluded_clients[%d] is empty", i)
		}
		key := strings.ToLower(trimmed)
		if _, exists := seen[key]; exists {
			return fmt.Errorf("validation failed: duplicate excluded client %q", trimmed)
		}
		seen[key] = struct{}{}
	}
	return nil
}
