// ABOUTME: Entry point for the harbormaster control plane server.
// ABOUTME: Subcommands: serve, init, add-instance, instances, health.

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
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
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/harborline/harbormaster/internal/app"
	"github.com/harborline/harbormaster/internal/config"
	"github.com/harborline/harbormaster/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _                _                                    _
| |__   __ _ _ __| |__   ___  _ __ _ __ ___   __ _ ___| |_ ___ _ __
| '_ \ / _' | '__| '_ \ / _ \| '__| '_ ' _ \ / _' / __| __/ _ \ '__|
| | | | (_| | |  | |_) | (_) | |  | | | | | | (_| \__ \ ||  __/ |
|_| |_|\__,_|_|  |_.__/ \___/|_|  |_| |_| |_|\__,_|___/\__\___|_|
`

// getConfigPath returns the path to the harbormaster config file.
// Priority: HARBORMASTER_CONFIG env var > XDG_CONFIG_HOME > ~/.config.
func getConfigPath() string {
	if envPath := os.Getenv("HARBORMASTER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "harbormaster.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "harbormaster", "config.yaml")
}

// getDataPath returns the harbormaster data directory.
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "harbormaster")
}

func main() {
	// Optional local overrides; missing file is fine.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("Usage: harbormaster <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                      Start the control plane server")
		fmt.Println("  init                       Create a new config file interactively")
		fmt.Println("  add-instance --name NAME   Register a gateway instance")
		fmt.Println("  instances                  List registered instances")
		fmt.Println("  health                     Check server health")
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
	case "add-instance":
		err = runAddInstance(ctx)
	case "instances":
		err = runListInstances(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

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
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting harbormaster",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	a, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating app: %w", err)
	}

	return a.Run(ctx)
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

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{level: level})
}

// colorHandler prints human-oriented colorized log lines.
type colorHandler struct {
	mu    sync.Mutex
	level slog.Level
	attrs []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

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

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
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
	merged := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(merged, h.attrs)
	merged = append(merged, attrs...)
	return &colorHandler{level: h.level, attrs: merged}
}

func (h *colorHandler) WithGroup(_ string) slog.Handler {
	return h
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
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

// runAddInstance registers a gateway instance directly against the database.
// Supports "--flag value" and "--flag=value" forms.
func runAddInstance(ctx context.Context) error {
	flags := map[string]*string{
		"--name":      new(string),
		"--url":       new(string),
		"--container": new(string),
		"--token":     new(string),
	}
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		key, inlineVal, hasInline := strings.Cut(arg, "=")
		dst, ok := flags[key]
		if !ok {
			return fmt.Errorf("unknown flag: %s", arg)
		}
		if hasInline {
			*dst = inlineVal
			continue
		}
		if i+1 >= len(args) {
			return fmt.Errorf("%s requires a value", arg)
		}
		i++
		*dst = args[i]
	}
	name := *flags["--name"]
	url := *flags["--url"]
	containerName := *flags["--container"]
	token := *flags["--token"]

	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("--name flag is required")
	}
	if url == "" && containerName == "" {
		return fmt.Errorf("either --url or --container is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	inst := &store.Instance{
		ID:            uuid.New().String(),
		Name:          name,
		URL:           url,
		ContainerName: containerName,
		Token:         token,
		Status:        store.StatusOffline,
	}
	if err := s.CreateInstance(ctx, inst); err != nil {
		return fmt.Errorf("creating instance: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Registered instance: %s\n", name)
	fmt.Printf("  ID: %s\n", inst.ID)
	return nil
}

func runListInstances(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	instances, err := s.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("listing instances: %w", err)
	}

	if len(instances) == 0 {
		fmt.Println("No instances registered.")
		return nil
	}

	for _, inst := range instances {
		fmt.Printf("%-36s  %-20s  %s\n", inst.ID, inst.Name, inst.Status)
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("harbormaster configuration setup")
	fmt.Println("================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "harbormaster.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8085")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Sandbox Configuration ---")
	network := prompt(reader, "Docker network (empty for loopback port mappings)", "")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Fresh random JWT secret for the caller-facing API.
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	var cfg strings.Builder
	cfg.WriteString("# harbormaster configuration\n")
	cfg.WriteString(fmt.Sprintf("# Generated by harbormaster init on %s\n\n", time.Now().Format("2006-01-02")))

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n\n", httpAddr))

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n\n", dbPath))

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n\n", jwtSecret))

	cfg.WriteString("gateways:\n")
	cfg.WriteString("  request_timeout: \"30s\"\n")
	cfg.WriteString("  send_timeout: \"120s\"\n")
	cfg.WriteString("  handshake_timeout: \"15s\"\n\n")

	cfg.WriteString("health:\n")
	cfg.WriteString("  interval: \"60s\"\n")
	cfg.WriteString("  recovery_interval: \"120s\"\n")
	cfg.WriteString("  probe_timeout: \"10s\"\n")
	cfg.WriteString("  failure_threshold: 3\n")
	cfg.WriteString("  max_concurrent: 5\n\n")

	if network != "" {
		cfg.WriteString("sandbox:\n")
		cfg.WriteString(fmt.Sprintf("  network: \"%s\"\n\n", network))
	}

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  harbormaster serve\n")

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
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
