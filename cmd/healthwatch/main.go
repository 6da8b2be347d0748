package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gmackie/control-panel-sub003/internal/logging"
	"github.com/gmackie/control-panel-sub003/internal/monitor"
	"github.com/gmackie/control-panel-sub003/internal/monitor/agent"
	"github.com/gmackie/control-panel-sub003/internal/monitor/alerts"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	versionFlag = flag.Bool("version", false, "Show version information")
	setupEmail  = flag.Bool("setup-email", false, "Configure the Resend API key for email alerts and exit")
)

// Build information - can be set via ldflags
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const (
	AppName = "healthwatch"
)

func main() {
	flag.Parse()

	// Show version and exit if requested
	if *versionFlag {
		fmt.Printf("%s version %s\n", AppName, version)
		fmt.Printf("Build time: %s\n", buildTime)
		fmt.Printf("Git commit: %s\n", gitCommit)
		os.Exit(0)
	}

	if *setupEmail {
		km := alerts.NewKeyManager(alerts.DefaultSecretsDir())
		if err := km.SetupResendAPIKey(); err != nil {
			fmt.Fprintf(os.Stderr, "Email setup failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Load configuration
	config, err := monitor.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Override debug setting from command line
	if *debug {
		config.Agent.Debug = true
	}

	logger, err := logging.NewLogger(logging.Options{
		LogFile: config.Agent.LogFile,
		Debug:   config.Agent.Debug,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Info("Starting health monitor", "version", version, "build_time", buildTime, "git_commit", gitCommit)
	logger.Info("Configuration loaded successfully",
		"listen_addr", config.Agent.ListenAddr,
		"checks", len(config.Checks),
		"alerts_enabled", config.Alerts.Enabled,
		"audit_enabled", config.Audit.Enabled,
		"log_file", logger.GetLogFilePath(),
	)

	agent.Version = version

	// Create monitoring agent
	monitorAgent, err := agent.NewAgent(config, logger)
	if err != nil {
		logger.Error("Failed to create monitoring agent", "error", err)
		os.Exit(1)
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start the agent in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := monitorAgent.Start(); err != nil {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case err := <-errChan:
		logger.Error("Agent startup failed", "error", err)
		exitCode = 1
	}

	// Graceful shutdown
	logger.Info("Shutting down health monitor...")
	if err := monitorAgent.Stop(); err != nil {
		logger.Error("Error during shutdown", "error", err)
		exitCode = 1
	}

	logger.Info("Health monitor stopped")
	if exitCode != 0 {
		logger.Close()
		os.Exit(exitCode)
	}
}
