package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/reqdesk/reqsync"
)

// getStore creates a gateway client from config, flags and environment.
// Flags win over REQSYNC_TOKEN, which wins over the config file.
func getStore() (*reqsync.RemoteStore, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	token := cfg.Auth.Token
	if v := os.Getenv("REQSYNC_TOKEN"); v != "" {
		token = v
	}
	if flagToken != "" {
		token = flagToken
	}
	if token == "" {
		return nil, nil, errors.New("no token. Run 'reqsync init <token>' first")
	}

	opts := []reqsync.ClientOption{reqsync.WithClientLogger(cliLogger())}
	baseURL := cfg.Default.BaseURL
	if v := os.Getenv("REQSYNC_URL"); v != "" {
		baseURL = v
	}
	if flagBaseURL != "" {
		baseURL = flagBaseURL
	}
	if baseURL != "" {
		opts = append(opts, reqsync.WithBaseURL(baseURL))
	}
	if cfg.Default.Transport != "" {
		opts = append(opts, reqsync.WithTransport(reqsync.Transport(cfg.Default.Transport)))
	}
	return reqsync.NewRemoteStore(token, opts...), cfg, nil
}

func cliLogger() *slog.Logger {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func pageSize(cfg *Config) int {
	if cfg != nil && cfg.Default.PageSize > 0 {
		return min(cfg.Default.PageSize, reqsync.MaxPageSize)
	}
	return reqsync.DefaultPageSize
}

// describeError turns SDK errors into a one-line hint.
func describeError(err error) error {
	switch reqsync.KindOf(err) {
	case reqsync.KindUnauthorized:
		return fmt.Errorf("not authorized (token missing, invalid or expired): %w", err)
	case reqsync.KindNetwork:
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	return err
}

func formatMessage(m reqsync.Message) string {
	who := m.SenderID
	if m.IsFromOperator {
		who += " (operator)"
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format(time.DateTime), who, m.Content)
	for _, a := range m.Attachments {
		line += fmt.Sprintf("\n    attachment: %s (%s, %d bytes) %s", a.Name, a.MimeType, a.Size, a.URL)
	}
	return line
}

// maskKey shows the first 12 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
