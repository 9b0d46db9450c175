package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/motec-viewer/backend/internal/api"
	"github.com/motec-viewer/backend/internal/config"
	"github.com/motec-viewer/backend/internal/discovery"
	"github.com/motec-viewer/backend/internal/logging"
	"github.com/motec-viewer/backend/internal/session"
	"github.com/motec-viewer/backend/internal/storage"
	"github.com/motec-viewer/backend/internal/web"
	"github.com/sirupsen/logrus"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Get the executable's directory for config resolution
	exePath, err := os.Executable()
	if err != nil {
		fmt.Printf("Failed to get executable path: %v\n", err)
		os.Exit(1)
	}
	exeDir := filepath.Dir(exePath)

	configPath := filepath.Join(exeDir, "MotecViewer.exe.config")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Advanced.LogLevel, cfg.Advanced.LogFormat)
	api.ShowErrorDetails = log.IsLevelEnabled(logrus.DebugLevel)

	if err := cfg.EnsureDirectories(); err != nil {
		log.WithError(err).Fatal("failed to create directories")
	}

	if err := run(cfg, configPath, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

func run(cfg *config.AppConfig, configPath string, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Check if running in embedded mode (frontend built into binary)
	embeddedMode := web.HasEmbeddedFiles()

	maxUpload, err := cfg.MaxUploadBytes()
	if err != nil {
		return err
	}

	fileStore, err := storage.NewLocalStore(cfg.GetUploadDir())
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	fileStore.SetMaxFileSize(maxUpload)

	sessionMgr, err := session.NewManager(session.Options{
		TempDir:           cfg.Storage.TempDirectory,
		ParsedDir:         cfg.Storage.ParsedDirectory,
		MaxSessions:       cfg.Processing.MaxSessions,
		KeepAliveWindow:   5 * time.Minute,
		EnableSampleStore: cfg.Processing.EnableSampleStore,
		Log:               log,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sessions: %w", err)
	}
	defer sessionMgr.Close()

	// Parsed databases whose file is no longer in the store
	if files, err := fileStore.List(0); err == nil {
		ids := make([]string, len(files))
		for i, f := range files {
			ids[i] = f.ID
		}
		if n := sessionMgr.CleanupOrphaned(ids); n > 0 {
			log.WithField("removed", n).Info("removed orphaned parsed databases")
		}
	}

	go sessionMgr.Run(ctx, cfg.CleanupInterval(), cfg.SessionTimeout())

	discoveryOpts := discovery.Options{
		LDPattern:  cfg.Discovery.LDPattern,
		LDXPattern: cfg.Discovery.LDXPattern,
		MaxFiles:   cfg.Discovery.MaxFiles,
		Recursive:  cfg.Discovery.Recursive,
	}

	deps := &api.Dependencies{
		Store:             fileStore,
		SessionMgr:        sessionMgr,
		DiscoveryDir:      cfg.Discovery.Directory,
		DiscoveryOpts:     discoveryOpts,
		AllowedExts:       cfg.AllowedExtensions(),
		AllowedOrigins:    splitOrigins(cfg.Server.AllowOrigins),
		AllowFileDeletion: cfg.Security.AllowFileDeletion,
		WSReadLimit:       int64(cfg.Advanced.WebSocketMaxMessageSize) * 1024,
		MaxUploadSize:     maxUpload,
		Version:           Version,
		Log:               log,
	}
	if cfg.Discovery.Enabled {
		scanner := discovery.NewScanner(cfg.Discovery.Directory, discoveryOpts, cfg.ScanInterval(), log)
		deps.Scanner = scanner
		go scanner.Run(ctx)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Skipper: func(c echo.Context) bool {
			if !cfg.Advanced.EnableRequestLogging {
				return true
			}
			path := c.Request().URL.Path
			return strings.HasSuffix(path, "/status") ||
				strings.HasSuffix(path, "/progress") ||
				path == "/api/health"
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
	}))

	e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return strings.HasSuffix(path, "/progress") ||
				strings.Contains(path, "/upload") ||
				strings.HasPrefix(path, "/api/ws/") ||
				c.Request().Header.Get("Accept") == "text/event-stream"
		},
		ErrorMessage: "Request timeout - query took too long",
	}))

	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))

	if cfg.Server.EnableCORS {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: corsOrigins(deps.AllowedOrigins, embeddedMode),
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}

	api.SetupMiddleware(e)
	api.RegisterRoutes(e, api.NewHandlers(deps))

	// Register embedded frontend after the API so /api/* wins
	if embeddedMode {
		if err := web.RegisterStaticRoutes(e); err != nil {
			log.WithError(err).Warn("failed to register static routes")
		} else {
			log.Info("serving embedded frontend from binary")
		}
	}

	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	printBanner(cfg, configPath, embeddedMode)

	errCh := make(chan error, 1)
	go func() {
		if err := e.StartServer(s); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// corsOrigins uses the configured origins when serving the embedded frontend
// and the usual dev-server ports otherwise.
func corsOrigins(configured []string, embedded bool) []string {
	if !embedded {
		return []string{
			"http://localhost:5173", "http://127.0.0.1:5173",
			"http://localhost:3000", "http://127.0.0.1:3000",
		}
	}
	if len(configured) == 0 {
		return []string{"*"}
	}
	return configured
}

func printBanner(cfg *config.AppConfig, configPath string, embedded bool) {
	mode := "Development"
	if embedded {
		mode = "Air-Gapped (Embedded)"
	}
	discoveryDir := "disabled"
	if cfg.Discovery.Enabled {
		discoveryDir = cfg.Discovery.Directory
	}

	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           MoTeC Viewer Server                             ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("║  Mode:       %-45s║\n", mode)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Data Dir:  %-46s║\n", cfg.GetDataDir())
	fmt.Printf("║  Discovery: %-46s║\n", discoveryDir)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")

	if embedded {
		fmt.Printf("Open http://localhost:%d in your browser\n\n", cfg.Server.Port)
	}
}
