package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initBaseURL string

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Gateway URL to store alongside the token")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a bearer token in ~/.reqsync/config.toml",
	Long:  "Initialize the reqsync CLI by storing your gateway token in the local configuration file.\nThe token is decoded (not verified) to record its actor and expiry; expired tokens are refused.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := applyToken(cfg, args[0]); err != nil {
			return err
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token for %s saved to %s\n", cfg.Auth.ActorID, path)
		return nil
	},
}
