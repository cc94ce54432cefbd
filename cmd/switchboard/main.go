// ABOUTME: Entry point for the switchboard conversation server
// ABOUTME: Serve, init, token, health and status commands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                _  _          _      _                              _
 ___ __      __(_)| |_   ___ | |__  | |__    ___    __ _  _ __   __| |
/ __|\ \ /\ / /| || __| / __|| '_ \ | '_ \  / _ \  / _' || '__| / _' |
\__ \ \ V  V / | || |_ | (__ | | | || |_) || (_) || (_| || |   | (_| |
|___/  \_/\_/  |_| \__| \___||_| |_||_.__/  \___/  \__,_||_|    \__,_|
`

// defaultConfigPath returns where init writes its config by default.
// Priority: SWITCHBOARD_CONFIG env var > XDG config dir > working directory.
func defaultConfigPath() string {
	if envPath := os.Getenv(config.EnvConfigPath); envPath != "" {
		return envPath
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(configDir, "switchboard", "config.yaml")
	}
	return "switchboard.yaml"
}

// defaultDataPath returns the directory for the sqlite database.
// Priority: XDG_DATA_HOME/switchboard > ~/.local/share/switchboard
func defaultDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "switchboard")
}

func printUsage() {
	fmt.Println("Usage: switchboard <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                    Start the conversation server")
	fmt.Println("  init                     Create a config file with a fresh JWT secret")
	fmt.Println("  token --operator NAME    Mint an operator API token")
	fmt.Println("  health                   Check server health")
	fmt.Println("  status                   Show server readiness detail")
	fmt.Println("  version                  Print the version")
	fmt.Println("  help                     Show this message")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
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
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	case "status":
		err = runStatus(ctx)
	case "version":
		fmt.Println(version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// locateConfig finds the config file or explains how to create one.
func locateConfig() (string, error) {
	path := config.Locate()
	if path == "" {
		return "", fmt.Errorf("no config file found; run `switchboard init` or set %s", config.EnvConfigPath)
	}
	return path, nil
}

func runServe(ctx context.Context) error {
	configPath, err := locateConfig()
	if err != nil {
		return err
	}

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

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", describeStore(cfg))
	green.Print("    ▶ ")
	fmt.Printf("Generator: %s\n", cfg.Generator.Provider)
	green.Print("    ▶ ")
	fmt.Printf("Queue:     %s\n", cfg.Queue.Driver)
	if cfg.Notifications.WebhookURL != "" {
		green.Print("    ▶ ")
		fmt.Printf("Webhook:   %s\n", cfg.Notifications.WebhookURL)
	}

	fmt.Println()

	logger.Info("starting switchboard",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"database", cfg.Database.Driver,
		"generator", cfg.Generator.Provider,
		"queue", cfg.Queue.Driver,
	)

	// Create and run the server
	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}

// describeStore renders the database line for the startup summary.
func describeStore(cfg *config.Config) string {
	switch cfg.Database.Driver {
	case "sqlite":
		return fmt.Sprintf("sqlite (%s)", cfg.Database.Path)
	case "postgres":
		return "postgres"
	default:
		return cfg.Database.Driver
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// apiURL builds an absolute URL for the configured HTTP listener. A bare
// ":8080" style address means localhost.
func apiURL(addr, path string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return fmt.Sprintf("http://%s%s", addr, path)
}

func runHealth(ctx context.Context) error {
	configPath, err := locateConfig()
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL(cfg.Server.HTTPAddr, "/health"), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runStatus(ctx context.Context) error {
	configPath, err := locateConfig()
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL(cfg.Server.HTTPAddr, "/health/ready"), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

// runToken mints an operator JWT from the configured secret:
// switchboard token --operator "maria" [--ttl 720h]
func runToken() error {
	// Supports both "--operator value" and "--operator=value" formats
	var operator string
	ttl := 30 * 24 * time.Hour

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--operator" || arg == "-o":
			if i+1 >= len(args) {
				return fmt.Errorf("--operator requires a value")
			}
			operator = args[i+1]
			i++
		case strings.HasPrefix(arg, "--operator="):
			operator = strings.TrimPrefix(arg, "--operator=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
			i++
		case strings.HasPrefix(arg, "--ttl="):
			d, err := time.ParseDuration(strings.TrimPrefix(arg, "--ttl="))
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	operator = strings.TrimSpace(operator)
	if operator == "" {
		return fmt.Errorf("--operator flag is required")
	}
	if ttl <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}

	configPath, err := locateConfig()
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(operator, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	expiresAt := time.Now().Add(ttl).UTC()

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	green.Println("  Token minted")
	fmt.Printf("  Operator: %s\n", operator)
	fmt.Printf("  Expires:  %s\n", expiresAt.Format("Jan 02, 2006"))
	fmt.Println()
	fmt.Println(token)
	fmt.Println()
	gray.Println("  Send it as: Authorization: Bearer <token>")

	return nil
}

// runInit writes a starter config file. The JWT secret is generated here so
// a fresh install never runs with a guessable one.
func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("switchboard configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	// Default paths
	defaultDbPath := filepath.Join(defaultDataPath(), "switchboard.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath())

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbDriver := prompt(reader, "Database driver (sqlite/postgres/memory)", "sqlite")
	var dbPath, dbURL string
	switch dbDriver {
	case "postgres":
		dbURL = prompt(reader, "Postgres URL", "postgres://localhost:5432/switchboard")
	case "memory":
	default:
		dbPath = prompt(reader, "SQLite database path", defaultDbPath)
	}

	// Generator
	fmt.Println("\n--- Generator Configuration ---")
	genProvider := prompt(reader, "Generator provider (rules/gemini)", "rules")
	var apiKey string
	if genProvider == "gemini" {
		apiKey = prompt(reader, "Gemini API key (a ${VAR} reference reads the environment)", "${GEMINI_API_KEY}")
	}

	// Queue
	fmt.Println("\n--- Queue Configuration ---")
	queueDriver := prompt(reader, "Queue driver (memory/nats)", "memory")
	var natsURL string
	if queueDriver == "nats" {
		natsURL = prompt(reader, "NATS URL", "nats://localhost:4222")
	}

	// Notifications
	fmt.Println("\n--- Notifications ---")
	webhookURL := prompt(reader, "Escalation webhook URL (empty to disable)", "")

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate random JWT secret
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# switchboard configuration\n")
	cfg.WriteString("# Generated by switchboard init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("  shutdown_timeout: \"10s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  driver: \"%s\"\n", dbDriver))
	if dbPath != "" {
		cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	}
	if dbURL != "" {
		cfg.WriteString(fmt.Sprintf("  url: \"%s\"\n", dbURL))
	}
	cfg.WriteString("\n")

	cfg.WriteString("generator:\n")
	cfg.WriteString(fmt.Sprintf("  provider: \"%s\"\n", genProvider))
	if genProvider == "gemini" {
		cfg.WriteString("  model: \"gemini-2.0-flash\"\n")
		cfg.WriteString(fmt.Sprintf("  api_key: \"%s\"\n", apiKey))
	}
	cfg.WriteString("  window: 10\n")
	cfg.WriteString("  timeout: \"8s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("queue:\n")
	cfg.WriteString(fmt.Sprintf("  driver: \"%s\"\n", queueDriver))
	if natsURL != "" {
		cfg.WriteString(fmt.Sprintf("  url: \"%s\"\n", natsURL))
	}
	cfg.WriteString("\n")

	cfg.WriteString("policy:\n")
	cfg.WriteString("  confidence_floor: 0.45\n")
	cfg.WriteString("  confidence_streak: 3\n")
	cfg.WriteString("  sentiment_floor: -0.4\n")
	cfg.WriteString("  sentiment_alpha: 0.5\n")
	cfg.WriteString("  failure_streak: 3\n")
	cfg.WriteString("  idle_timeout: \"30m\"\n")
	cfg.WriteString("  sweep_interval: \"5m\"\n")
	cfg.WriteString("  retention_days: 90\n")
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", jwtSecret))
	cfg.WriteString("\n")

	if webhookURL != "" {
		cfg.WriteString("notifications:\n")
		cfg.WriteString(fmt.Sprintf("  webhook_url: \"%s\"\n", webhookURL))
		cfg.WriteString("\n")
	}

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file carries the JWT secret, keep it private
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists for the sqlite file
	if dbPath != "" {
		dataDir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	green := color.New(color.FgGreen)
	green.Printf("\n  ✓ Config written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Println("  switchboard serve")
	fmt.Println("\nTo mint an operator token:")
	fmt.Println("  switchboard token --operator \"your name\"")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
