package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"timebridge/config"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "timebridge",
	Short: "Synchronize time entries between HourTrack and QuoteReport.",
	Long: `timebridge relays time entry webhooks from the primary tracking service
into the secondary job ledger, archives every raw entry for disaster
recovery, and mirrors the secondary's jobs and clients back as projects.

Failed deliveries land in a file-backed retry queue with exponential
backoff; exhausted retries are reported to a notification webhook.`,
	Example: `
  # Create configuration file
  timebridge config create

  # Start the webhook gateway with the retry worker
  timebridge serve

  # Mirror secondary jobs and clients into primary projects
  timebridge poll

  # Drain due retry-queue items once
  timebridge retry

  # Expire backup rows past retention
  timebridge cleanup

  # Audit the ledger against the backup archive
  timebridge reconcile

  # Import initial label to task mappings
  timebridge seed -i mappings.xlsx

  # Export the backup archive for review
  timebridge export --output ./archive.csv
`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	config.SetDefaults()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "configFile", "", "Config file override (default discovery: $HOME/.timebridge.yaml, then ./.timebridge.yaml)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".timebridge")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintln(os.Stderr, "No config file found. Create one first with: timebridge config create")
	}
}
