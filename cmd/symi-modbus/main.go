package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/symi-home/symi-modbus/internal/config"
	"github.com/symi-home/symi-modbus/internal/entity"
	"github.com/symi-home/symi-modbus/internal/logging"
	"github.com/symi-home/symi-modbus/internal/reload"
	"github.com/symi-home/symi-modbus/internal/service"
	"github.com/symi-home/symi-modbus/telemetry"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	healthcheck := flag.Bool("healthcheck", false, "Run a health check and exit")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	flag.Parse()

	if *healthcheck {
		if err := executeHealthCheck(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.HotReload {
		collector, err := newTelemetryCollector(cfg.Telemetry)
		if err != nil {
			fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
			collector = telemetry.Noop()
		}
		if err := runWithHotReload(ctx, *cfgPath, cfg, collector); err != nil {
			if err == context.Canceled {
				return
			}
			log.Fatal().Err(err).Msg("service stopped")
		}
		return
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
		collector = telemetry.Noop()
	}

	srv, err := service.New(cfg, logger, collector, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create service")
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("service stopped with error")
	}
}

func executeHealthCheck(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return cfg.Validate()
}

func executeConfigCheck(cfg *config.Config) int {
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}

	for _, hub := range cfg.Hubs {
		fmt.Printf("Hub %q\n", hub.Name)
		fmt.Printf("  Type: %s\n", hub.Type)
		switch hub.Type {
		case config.ConnectionTCP:
			fmt.Printf("  Endpoint: %s:%d\n", hub.Host, hub.Port)
		case config.ConnectionSerial:
			fmt.Printf("  Device: %s @ %d baud\n", hub.Serial.Device, hub.Serial.Baudrate)
		}
		fmt.Printf("  Scan interval: %s\n", hub.ScanInterval.Duration)
		for _, slave := range hub.Slaves {
			fmt.Printf("  Slave %d: entities %s .. %s\n",
				slave,
				entity.SwitchID(slave, 0),
				entity.SwitchID(slave, config.CoilsPerSlave-1))
		}
		fmt.Println()
	}

	fmt.Println("Configuration check completed successfully.")
	return 0
}

func runWithHotReload(ctx context.Context, cfgPath string, initialCfg *config.Config, collector telemetry.Collector) error {
	if collector == nil {
		collector = telemetry.Noop()
	}
	watcher, err := reload.NewWatcher(cfgPath)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	cfg := initialCfg
	for {
		logger, cleanup, err := logging.Setup(cfg.Logging)
		if err != nil {
			return err
		}
		log.Logger = logger

		srv, err := service.New(cfg, logger, collector, nil)
		if err != nil {
			cleanup()
			return err
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Run(runCtx)
		}()

		reloadRequested := false

	loop:
		for {
			select {
			case <-ctx.Done():
				cancelRun()
				if err := <-errCh; err != nil && err != context.Canceled && err != context.DeadlineExceeded {
					srv.Close()
					cleanup()
					return err
				}
				srv.Close()
				cleanup()
				return ctx.Err()
			case err := <-errCh:
				cancelRun()
				srv.Close()
				cleanup()
				return err
			case <-ticker.C:
				changed, err := watcher.Check()
				if err != nil {
					logger.Error().Err(err).Msg("failed to check configuration changes")
					continue
				}
				if !changed {
					continue
				}
				newCfg, err := config.Load(cfgPath)
				if err != nil {
					logger.Error().Err(err).Msg("failed to reload configuration")
					continue
				}
				if err := newCfg.Validate(); err != nil {
					logger.Error().Err(err).Msg("reloaded configuration invalid")
					continue
				}
				cancelRun()
				if err := <-errCh; err != nil && err != context.Canceled && err != context.DeadlineExceeded {
					logger.Error().Err(err).Msg("service stopped during reload")
				}
				srv.Close()
				cleanup()
				if err := watcher.Update(cfgPath); err != nil {
					logger.Error().Err(err).Msg("failed to update watcher state")
				}
				cfg = newCfg
				reloadRequested = true
				break loop
			}
		}

		if !reloadRequested {
			return nil
		}
		collector.IncHotReload(cfgPath)
	}
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		return telemetry.NewPrometheusCollector(nil)
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}
