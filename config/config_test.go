package config

import (
	"strings"
	"testing"
)

func validYAML() string {
	return `
primary:
  url: "https://api.hourtrack.example.com/1.1"
  token: "tok"
  account_id: "42"

secondary:
  url: "https://api.quotereport.example.com/service/api"
  org_code: "ORG"
  username: "bot"
  password: "secret"
  user_id: "7"
`
}

func TestValidateYAMLContent_AppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := ValidateYAMLContent([]byte(validYAML()))
	if err != nil {
		t.Fatalf("validate config: %v", err)
	}

	if cfg.Ledger.Driver != "sqlite" {
		t.Fatalf("expected default sqlite driver, got %q", cfg.Ledger.Driver)
	}
	if cfg.Retention.Days != 45 {
		t.Fatalf("expected default retention of 45 days, got %d", cfg.Retention.Days)
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Fatalf("expected default max attempts 5, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Mirror.ProjectColor != "FFFFFF" || cfg.Mirror.RateType != "project" {
		t.Fatalf("unexpected mirror defaults: %+v", cfg.Mirror)
	}
}

func TestValidateYAMLContent_MissingPrimaryToken(t *testing.T) {
	t.Parallel()

	content := strings.Replace(validYAML(), `token: "tok"`, `token: ""`, 1)
	if _, err := ValidateYAMLContent([]byte(content)); err == nil {
		t.Fatal("expected validation error for missing primary token, got nil")
	}
}

func TestValidateYAMLContent_PostgresRequiresDSN(t *testing.T) {
	t.Parallel()

	content := validYAML() + `
ledger:
  driver: postgres
`
	_, err := ValidateYAMLContent([]byte(content))
	if err == nil {
		t.Fatal("expected error for postgres driver without dsn, got nil")
	}
	if !strings.Contains(err.Error(), "ledger.dsn") {
		t.Fatalf("expected ledger.dsn hint, got %v", err)
	}
}

func TestValidateYAMLContent_DuplicateExcludedClient(t *testing.T) {
	t.Parallel()

	content := validYAML() + `
sync:
  excluded_clients: ["ACME", "acme"]
`
	_, err := ValidateYAMLContent([]byte(content))
	if err == nil {
		t.Fatal("expected duplicate excluded client error, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate excluded client") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExampleYAML_IsValid(t *testing.T) {
	t.Parallel()

	example := strings.Replace(ExampleYAML(), `token: ""`, `token: "tok"`, 1)
	example = strings.Replace(example, `account_id: ""`, `account_id: "42"`, 1)
	example = strings.Replace(example, `org_code: ""`, `org_code: "ORG"`, 1)
	example = strings.Replace(example, `username: ""`, `username: "bot"`, 1)
	example = strings.Replace(example, `password: ""`, `password: "pw"`, 1)
	example = strings.Replace(example, `user_id: ""`, `user_id: "7"`, 1)

	if _, err := ValidateYAMLContent([]byte(example)); err != nil {
		t.Fatalf("example config should validate once credentials are set: %v", err)
	}
}
