// ABOUTME: Entry point for the switchboard session coordinator
// ABOUTME: Subcommands serve, init, health, and state

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/gateway"
	"github.com/2389/switchboard/internal/registry"
)

// Version is set at build time.
var version = "dev"

const banner = `
              _ _       _     _                         _
 _____      _(_) |_ ___| |__ | |__   ___   __ _ _ __ __| |
/ __\ \ /\ / / | __/ __| '_ \| '_ \ / _ \ / _' | '__/ _' |
\__ \\ V  V /| | || (__| | | | |_) | (_) | (_| | | | (_| |
|___/ \_/\_/ |_|\__\___|_| |_|_.__/ \___/ \__,_|_|  \__,_|
`

func usage() {
	fmt.Println("Usage: switchboard <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the server")
	fmt.Println("  init     Write a default config file")
	fmt.Println("  health   Check server health")
	fmt.Println("  state    Print sessions, questions, and escalations")
	fmt.Println()
	fmt.Printf("Config: %s (override with SWITCHBOARD_CONFIG)\n", config.DefaultPath())
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "state":
		err = runState(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("MCP:       %s\n", cfg.MCPBaseURL())
	green.Print("    ▶ ")
	fmt.Printf("Engine:    %s\n", cfg.Engine.Binary)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Notify.Matrix.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Matrix:    %s\n", cfg.Notify.Matrix.RoomID)
	}
	fmt.Println()

	logger.Info("starting switchboard",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"public_url", cfg.Server.PublicURL,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runInit() error {
	path := config.DefaultPath()
	if err := config.WriteTemplate(path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s already exists", path)
		}
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", path)
	fmt.Println()
	fmt.Println("  Set ANTHROPIC_API_KEY, then start the server:")
	fmt.Println("    switchboard serve")
	return nil
}

// baseURL returns the URL the CLI uses to reach a running server.
func baseURL() (string, error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	return cfg.Server.PublicURL, nil
}

func get(ctx context.Context, url string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func runHealth(ctx context.Context) error {
	base, err := baseURL()
	if err != nil {
		return err
	}

	body, status, err := get(ctx, base+"/health/ready")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", status, body)
	}

	fmt.Println(string(body))
	return nil
}

func runState(ctx context.Context) error {
	base, err := baseURL()
	if err != nil {
		return err
	}

	body, status, err := get(ctx, base+"/api/state")
	if err != nil {
		return fmt.Errorf("fetching state: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("fetching state: status %d", status)
	}

	var st registry.State
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("decoding state: %w", err)
	}
	printState(os.Stdout, st)
	return nil
}

func printState(w io.Writer, st registry.State) {
	bold := color.New(color.Bold)
	gray := color.New(color.FgHiBlack)

	bold.Fprintf(w, "Coordinator: %s\n\n", st.CoordinatorStatus)

	bold.Fprintf(w, "Sessions (%d)\n", len(st.Sessions))
	for _, s := range st.Sessions {
		fmt.Fprintf(w, "  %s  %-18s %s", s.ID[:min(8, len(s.ID))], s.Status, s.Project)
		gray.Fprintf(w, "  $%.4f  %d turns\n", s.CostUSD, s.NumTurns)
		if s.Error != "" {
			color.New(color.FgRed).Fprintf(w, "      %s\n", s.Error)
		}
	}

	fmt.Fprintln(w)
	bold.Fprintf(w, "Questions (%d)\n", len(st.Questions))
	for _, q := range st.Questions {
		for _, item := range q.Questions {
			fmt.Fprintf(w, "  %s  %s: %s\n", q.ID[:min(8, len(q.ID))], q.Project, item.Question)
		}
	}

	fmt.Fprintln(w)
	bold.Fprintf(w, "Escalations (%d)\n", len(st.Escalations))
	for _, e := range st.Escalations {
		fmt.Fprintf(w, "  %s  %s", e.ID[:min(8, len(e.ID))], e.Project)
		if e.Reason != "" {
			gray.Fprintf(w, "  (%s)", e.Reason)
		}
		fmt.Fprintln(w)
	}
}
