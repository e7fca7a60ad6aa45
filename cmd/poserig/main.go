package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ayusman/poserig/internal/app"
	"github.com/ayusman/poserig/internal/component"
	"github.com/ayusman/poserig/internal/config"
	"github.com/ayusman/poserig/internal/server"
	"github.com/ayusman/poserig/internal/store"
	"github.com/ayusman/poserig/internal/tray"
)

const (
	shutdownTimeout = 5 * time.Second
	statusInterval  = 500 * time.Millisecond
	fetchTimeout    = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to YAML host configuration")
	addr := flag.String("addr", "", "listen address (overrides config)")
	dataDir := flag.String("data", "", "data directory for the preset database (overrides config)")
	noTray := flag.Bool("no-tray", false, "disable the system tray even if configured")
	flag.Parse()

	fmt.Println("poserig - pose-driven animation rigs")

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	dir, err := resolveDataDir(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to prepare data directory: %v", err)
	}

	st, err := store.New(filepath.Join(dir, "poserig.db"))
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer st.Close()

	a, err := app.New(app.Config{
		File:  cfg,
		Store: st,
		Env:   component.Env{Client: &http.Client{Timeout: fetchTimeout}},
	})
	if err != nil {
		log.Fatalf("Failed to build components: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		log.Fatalf("Failed to start components: %v", err)
	}

	webDir := cfg.StaticDir
	if webDir == "" {
		webDir = findWebDir()
	}
	if webDir != "" {
		fmt.Printf("Serving static files from: %s\n", webDir)
	}

	srv := server.New(a.ServerConfig(server.Config{
		StaticDir: webDir,
		Store:     st,
	}))

	go func() {
		fmt.Printf("Starting server on %s\n", cfg.Addr)
		if err := srv.ListenAndServe(cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server failed: %v", err)
			stop()
		}
	}()

	if cfg.Tray && !*noTray {
		runTray(ctx, stop, a, cfg.Addr)
	} else {
		<-ctx.Done()
	}

	log.Println("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	a.Stop()
}

// runTray blocks on the tray loop until quit or ctx is done.
func runTray(ctx context.Context, stop context.CancelFunc, a *app.App, addr string) {
	t := tray.New()
	t.OnToggle(a.SetEnabled)
	t.OnPreview(func() {
		log.Printf("Preview available at http://%s/", previewHost(addr))
	})
	t.OnQuit(stop)

	go func() {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				t.Quit()
				return
			case <-ticker.C:
				t.SetStatus(a.LastStatus())
			}
		}
	}()

	t.Run()
}

func previewHost(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

// resolveDataDir returns dir, or ~/.poserig when empty, creating it.
func resolveDataDir(dir string) (string, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".poserig")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and ~/.poserig/web.
// Returns the first existing directory or empty string if none found.
func findWebDir() string {
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	homeWebDir := filepath.Join(homeDir, ".poserig", "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}

	return ""
}
