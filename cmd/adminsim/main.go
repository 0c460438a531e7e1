package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/adminsync/internal/config"
	"github.com/danmuck/adminsync/internal/logging"
	"github.com/danmuck/adminsync/internal/sim"
	"github.com/joho/godotenv"
)

func main() {
	path := flag.String("config", "", "path to config.toml (defaults only when empty)")
	envFile := flag.String("env", ".env", "dotenv file loaded before the environment is read")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "adminsim: %v\n", err)
		os.Exit(1)
	}
	logging.ConfigureRuntime()

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "adminsim: %v\n", err)
		os.Exit(1)
	}
	logging.SetLevel(cfg.LogLevel)

	svc, err := sim.NewService(cfg, logging.Component("adminsim"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "adminsim: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "adminsim: %v\n", err)
		os.Exit(1)
	}
}
