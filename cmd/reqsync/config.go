package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/reqdesk/reqsync"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage reqsync configuration",
	Long:  "View or modify the CLI configuration stored in ~/.reqsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration with the token masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if *cfg == (Config{}) {
			fmt.Println("No configuration found. Run 'reqsync init <token>' to create one.")
			return nil
		}
		out, err := renderConfig(cfg)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation.\n" +
		"Setting auth.token decodes the token and refreshes auth.actor_id, auth.is_operator and auth.token_expires.\n" +
		"Example: reqsync config set default.page_size 100",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			fmt.Printf("Set %s = %s (actor %s)\n", key, maskKey(value), cfg.Auth.ActorID)
			return nil
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

// applyToken stores token after decoding the claims the gateway will see.
// The signature is not checked; an expired token is refused.
func applyToken(cfg *Config, token string) error {
	claims := &reqsync.Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("token is not a JWT: %w", err)
	}
	if claims.Subject == "" {
		return errors.New("token has no subject")
	}
	expires := ""
	if claims.ExpiresAt != nil {
		if claims.ExpiresAt.Before(time.Now()) {
			return fmt.Errorf("token expired at %s", claims.ExpiresAt.UTC().Format(time.RFC3339))
		}
		expires = claims.ExpiresAt.UTC().Format(time.RFC3339)
	}
	cfg.Auth = ConfigAuth{
		Token:        token,
		ActorID:      claims.Subject,
		IsOperator:   claims.Operator,
		TokenExpires: expires,
	}
	return nil
}

func renderConfig(cfg *Config) (string, error) {
	shown := *cfg
	if shown.Auth.Token != "" {
		shown.Auth.Token = maskKey(shown.Auth.Token)
	}
	data, err := toml.Marshal(shown)
	if err != nil {
		return "", fmt.Errorf("cannot render config: %w", err)
	}
	return string(data), nil
}
