// Command paraloom runs a resource-sharing node.
//
// Usage:
//
//	paraloom start [--config config.toml] [--dev]
//	paraloom keygen
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/paraloom/go-p2p"
	"github.com/paraloom/go-p2p/config"
	"github.com/paraloom/go-p2p/node"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "paraloom: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage:\n  paraloom start [--config %s] [--dev]\n  paraloom keygen\n", config.DefaultConfigPath)
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return errors.New("missing command")
	}

	switch args[0] {
	case "start":
		return start(args[1:])
	case "keygen":
		key, err := p2p.GeneratePrivateKey()
		if err != nil {
			return err
		}

		fmt.Println(key)

		return nil
	case "-h", "--help", "help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func start(args []string) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "path to the settings file")
	dev := fs.Bool("dev", false, "use built-in development settings")

	if err := fs.Parse(args); err != nil {
		return err
	}

	settings, err := loadSettings(*configPath, *dev)
	if err != nil {
		return err
	}

	logger, err := newLogger(settings.Log)
	if err != nil {
		return err
	}

	if *dev {
		logger.Infof("using development settings")
	} else {
		logger.Infof("loaded settings from %s", *configPath)
	}

	svc, err := node.New(settings, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Infof("received shutdown signal")
		svc.Stop()
	}()

	return svc.Run(context.Background())
}

func loadSettings(path string, dev bool) (config.Settings, error) {
	if dev {
		settings := config.Development()

		env := config.NewEnvLoader(config.DefaultEnvPrefix)
		env.LoadAll()
		env.Apply(&settings)

		return settings, settings.Validate()
	}

	return config.Load(path)
}

func newLogger(settings config.LogSettings) (*logrus.Logger, error) {
	logger := logrus.New()

	if settings.Level != "" {
		level, err := logrus.ParseLevel(settings.Level)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", config.ErrConfig, err)
		}

		logger.SetLevel(level)
	}

	if settings.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logger, nil
}
