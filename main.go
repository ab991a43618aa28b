package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/otherworld-dev/Bifr-st/command"
	"github.com/otherworld-dev/Bifr-st/config"
	"github.com/otherworld-dev/Bifr-st/conn"
	"github.com/otherworld-dev/Bifr-st/history"
	"github.com/otherworld-dev/Bifr-st/monitoring"
	"github.com/otherworld-dev/Bifr-st/notify"
	"github.com/otherworld-dev/Bifr-st/protocol"
	"github.com/otherworld-dev/Bifr-st/serial"

	"github.com/phsym/console-slog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	appName    = "Bifrost"
	appVersion = "1.0.0"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to configuration file (defaults apply if omitted)")
	port := flag.String("port", "", "Serial port to connect to on startup")
	baud := flag.String("baud", "115200", "Baud rate for startup connection")
	autoDetect := flag.Bool("auto", false, "Auto-detect the robot controller port on startup")
	verbose := flag.Bool("verbose", false, "Show position reports on the console")
	showOK := flag.Bool("show-ok", false, "Show acknowledgment lines on the console")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	// Handle version flag
	if *version {
		fmt.Printf("%s v%s\n", appName, appVersion)
		os.Exit(0)
	}

	// Load configuration
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		cfg = loaded
	}

	// Setup logging
	logger := setupLogging(cfg, *debug)
	logger.Info("Starting Bifrost",
		"version", appVersion,
		"instance", cfg.App.InstanceID)

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Core plumbing: command queue, event dispatcher, connection manager
	queue := command.NewQueue(cfg.Serial.QueueCapacity)
	dispatcher := notify.NewDispatcher(logger)
	manager := conn.NewManager(&cfg.Serial, queue, dispatcher, logger)

	// Shared flags between the router callbacks and the rest of the app
	var homing conn.Flag
	var syncPending conn.Flag

	hist := history.New(cfg.History.MaxEntries)

	router := protocol.NewRouter(protocol.Handlers{
		Position: func(line string) {
			if pos, ok := protocol.ParsePosition(line); ok {
				hist.Add(pos)
			}
		},
		Endstop: func(line string) {
			logger.Debug("Endstop status", "line", line)
		},
		Disconnect: func() {
			manager.Disconnect()
		},
		IsHoming: homing.IsSet,
		HomingComplete: func() {
			homing.Clear()
			dispatcher.Publish(notify.Event{Type: notify.EventHomingComplete})
		},
		RequestPositionUpdate: func() {
			if err := manager.RequestPositionUpdate(); err != nil {
				logger.Warn("Position refresh after homing failed", "error", err)
			}
		},
		SetSyncPending: syncPending.Set,
		TriggerSync: func() {
			logger.Info("Synced command targets to reported position")
		},
	}, cfg.Serial.EchoWindow(), logger)

	// Route every received line; print the ones the router wants shown
	dispatcher.Subscribe(func(event notify.Event) {
		if event.Type != notify.EventLine {
			return
		}
		result := router.Route(event.Line, *verbose, *showOK, syncPending.IsSet())
		if result.SyncTriggered {
			syncPending.Clear()
		}
		if result.Show {
			fmt.Println(event.Line)
		}
	})

	// Optional NATS telemetry
	var natsConn *notify.Conn
	if cfg.NATS.Enabled {
		nc, err := notify.NewConn(notify.ConnConfig{
			URL:           cfg.NATS.URL,
			Name:          appName + "-" + cfg.App.InstanceID,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait(),
			Logger:        logger,
		})
		if err != nil {
			logger.Warn("NATS telemetry unavailable", "error", err)
		} else {
			natsConn = nc
		}
	}
	publisher := notify.NewPublisher(&notify.PublisherConfig{
		Conn:          natsConn,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		InstanceID:    cfg.App.InstanceID,
		Logger:        logger,
	})
	dispatcher.Subscribe(publisher.Handle)

	dispatcher.Start()

	// Monitoring and control server
	var monServer *monitoring.Server
	if cfg.Monitoring.Port > 0 {
		monServer = monitoring.NewServer(&cfg.Monitoring, manager, queue, router, hist, &homing, logger)
		if err := monServer.Start(); err != nil {
			logger.Error("Failed to start monitoring server", "error", err)
			os.Exit(1)
		}
	}

	// Startup connection, if requested
	device := *port
	if device == "" && *autoDetect {
		found, err := serial.FindRobotPort()
		if err != nil {
			logger.Warn("No robot controller detected", "error", err)
		} else {
			logger.Info("Detected robot controller", "port", found)
			device = found
		}
	}
	if device != "" {
		if err := manager.Connect(device, *baud); err != nil {
			logger.Error("Startup connection rejected", "port", device, "error", err)
		}
	}

	logger.Info("Bifrost started",
		"instance", cfg.App.InstanceID,
		"monitoring_port", cfg.Monitoring.Port)

	// Wait for shutdown signal
	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig.String())

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("Shutting down gracefully...")

	if monServer != nil {
		if err := monServer.Stop(shutdownCtx); err != nil {
			logger.Warn("Error stopping monitoring server", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		manager.Disconnect()
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timed out, forcing exit")
	}

	dispatcher.Stop()
	natsConn.Close()

	logger.Info("Bifrost stopped")
}

// setupLogging configures logging with optional file rotation
func setupLogging(cfg *config.Config, debug bool) *slog.Logger {
	// Determine log level
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	} else {
		switch cfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	var handler slog.Handler

	// If log base path is configured, write to rotating log file
	if cfg.Logging.BasePath != "" {
		// Create log directory if it doesn't exist
		if err := os.MkdirAll(cfg.Logging.BasePath, 0755); err != nil {
			log.Printf("Warning: failed to create log directory: %v", err)
			handler = console.NewHandler(os.Stderr, &console.HandlerOptions{Level: level})
		} else {
			logPath := filepath.Join(cfg.Logging.BasePath, "bifrost.log")
			writer := &lumberjack.Logger{
				Filename:   logPath,
				MaxSize:    cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
				Compress:   cfg.Logging.Compress,
			}
			handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})
		}
	} else {
		// Log to stderr so device lines on stdout stay clean
		handler = console.NewHandler(os.Stderr, &console.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}
