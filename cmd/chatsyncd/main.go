package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/profile"
	"go.uber.org/fx"
	"go.uber.org/zap/zapcore"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.chatsync/config.toml)")
	levelFlag := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fail(err)
	}

	configPath := *configFlag
	if configPath == "" {
		configPath = profile.ConfigPath()
	}
	loaded, err := config.Load(configPath)
	if err != nil {
		fail(fmt.Errorf("load config %s: %w", configPath, err))
	}
	cfg := loaded.WithDefaults()
	if err := cfg.Validate(); err != nil {
		fail(fmt.Errorf("invalid config %s: %w", configPath, err))
	}

	level, err := zapcore.ParseLevel(*levelFlag)
	if err != nil {
		fail(err)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			ProfileName: profileName,
			Config:      cfg,
			LogLevel:    level,
		}),
	)

	app.Run()
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
