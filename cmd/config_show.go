package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"timebridge/config"
)

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show active configuration values.",
	Long: `Display the currently loaded configuration and the resolved config
file path.

This command validates the configuration before printing values. Secrets
are masked.`,
	Example: `
  # Show active configuration
  timebridge config show
`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.LoadAndValidate()
		if err != nil {
			fmt.Println("Invalid config:", err)
			return
		}

		if configPath := viper.ConfigFileUsed(); configPath != "" {
			fmt.Println("Config file loaded from:", configPath)
		}
		fmt.Println("Configuration:")
		fmt.Printf("primary.url: %s\n", cfg.Primary.URL)
		fmt.Printf("primary.account_id: %s\n", cfg.Primary.AccountID)
		fmt.Printf("primary.token: %s\n", maskSecret(cfg.Primary.Token))
		fmt.Printf("secondary.url: %s\n", cfg.Secondary.URL)
		fmt.Printf("secondary.org_code: %s\n", cfg.Secondary.OrgCode)
		fmt.Printf("secondary.username: %s\n", cfg.Secondary.Username)
		fmt.Printf("secondary.password: %s\n", maskSecret(cfg.Secondary.Password))
		fmt.Printf("secondary.user_id: %s\n", cfg.Secondary.UserID)
		fmt.Printf("ledger.driver: %s\n", cfg.Ledger.Driver)
		switch cfg.Ledger.Driver {
		case "sqlite":
			fmt.Printf("ledger.path: %s\n", cfg.Ledger.Path)
		case "postgres":
			fmt.Printf("ledger.dsn: %s\n", maskSecret(cfg.Ledger.DSN))
		}
		fmt.Printf("backup.path: %s\n", cfg.Backup.Path)
		fmt.Printf("queue.path: %s\n", cfg.Queue.Path)
		fmt.Printf("queue.dead_letter_path: %s\n", cfg.Queue.DeadLetterPath)
		fmt.Printf("queue.max_attempts: %d\n", cfg.Queue.MaxAttempts)
		fmt.Printf("queue.base_delay_seconds: %d\n", cfg.Queue.BaseDelaySecs)
		fmt.Printf("retention.days: %d\n", cfg.Retention.Days)
		fmt.Printf("notify.webhook_url: %s\n", cfg.Notify.WebhookURL)
		fmt.Printf("gateway.port: %d\n", cfg.Gateway.Port)
		fmt.Printf("sync.excluded_label_ids: %v\n", cfg.Sync.ExcludedLabelIDs)
		fmt.Printf("sync.excluded_clients: %v\n", cfg.Sync.ExcludedClients)
		fmt.Printf("mirror.project_color: %s\n", cfg.Mirror.ProjectColor)
		fmt.Printf("mirror.rate_type: %s\n", cfg.Mirror.RateType)
		fmt.Printf("mirror.user_ids: %v\n", cfg.Mirror.UserIDs)
		fmt.Printf("mirror.label_ids: %v\n", cfg.Mirror.LabelIDs)
	},
}

func maskSecret(value string) string {
	if value == "" {
		return ""
	}
	return "****"
}

func init() {
	configCmd.AddCommand(configShowCmd)
}
