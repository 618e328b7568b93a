// ABOUTME: Entry point for mcpgate, the authentication gate for MCP endpoints
// ABOUTME: Provides serve, health, audit, and version commands

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/mcpgate/internal/config"
	"github.com/2389/mcpgate/internal/gateway"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

const banner = `
                                        _
  _ __ ___   ___ _ __   __ _  __ _| |_ ___
 | '_ ' _ \ / __| '_ \ / _' |/ _' | __/ _ \
 | | | | | | (__| |_) | (_| | (_| | ||  __/
 |_| |_| |_|\___| .__/ \__, |\__,_|\__\___|
                |_|    |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: MCPGATE_CONFIG env var > XDG_CONFIG_HOME/mcpgate/gateway.yaml > ~/.config/mcpgate/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MCPGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mcpgate", "gateway.yaml")
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: mcpgate <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                  Start the gate")
	fmt.Fprintln(w, "  health                 Check gate liveness and key readiness")
	fmt.Fprintln(w, "  audit [flags]          List recent audit records (mcpgate audit -h for flags)")
	fmt.Fprintln(w, "  version                Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stdout)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "audit":
		err = runAudit(ctx, os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if !cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s%s\n", cfg.Server.HTTPAddr, cfg.MCP.Path)
	}
	for _, iss := range cfg.Auth.Issuers {
		green.Print("    ▶ ")
		fmt.Printf("Issuer:    %s\n", iss.Issuer)
	}
	green.Print("    ▶ ")
	fmt.Printf("Exempt:    ")
	if cfg.Gate.ExemptMethods == nil {
		gray.Println("(defaults)")
	} else {
		fmt.Println(cfg.Gate.ExemptMethods)
	}

	// Tailscale status
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting mcpgate",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"issuers", len(cfg.Auth.Issuers),
	)

	gateway.Version = version
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return fmt.Errorf("health check needs server.http_addr")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	base := "http://" + cfg.Server.HTTPAddr
	if err := probe(ctx, base+"/health"); err != nil {
		return fmt.Errorf("unhealthy: %w", err)
	}
	if err := probe(ctx, base+"/health/ready"); err != nil {
		color.Yellow("alive, not ready: %v", err)
		return nil
	}

	color.Green("healthy")
	return nil
}

func probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	return nil
}
