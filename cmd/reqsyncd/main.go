// Command reqsyncd runs the reqsync gateway.
//
//	reqsyncd -config reqsyncd.yaml
//	reqsyncd token -sub op-1 -operator
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/reqdesk/reqsync"
	"github.com/reqdesk/reqsync/gateway"
)

// set via ldflags
var version = "dev"

func main() {
	_ = godotenv.Load(".env")

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := mintToken(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		return
	}

	cfgPath := flag.String("config", os.Getenv("REQSYNC_CONFIG"), "path to YAML config")
	addr := flag.String("addr", "", "listen address (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println("reqsyncd", version)
		return
	}

	cfg, err := gateway.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	logger := gateway.NewLogger(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := gateway.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	srv := gateway.New(store, cfg, gateway.WithLogger(logger))
	logger.Info("reqsyncd starting", "version", version)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// mintToken prints a signed bearer token for local testing.
func mintToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	cfgPath := fs.String("config", os.Getenv("REQSYNC_CONFIG"), "path to YAML config")
	sub := fs.String("sub", "", "actor id")
	isOperator := fs.Bool("operator", false, "mark the actor as an operator")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := gateway.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	tok, err := gateway.IssueToken(cfg.Auth.JWTSecret, reqsync.Actor{ID: *sub, IsOperator: *isOperator}, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
