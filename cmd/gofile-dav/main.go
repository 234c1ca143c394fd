// gofile-dav serves a GoFile folder tree over WebDAV.
//
// Features:
// - Read-only or read-write bridging of a GoFile folder
// - Guest-account or token auth, password-protected folders
// - Quota-bypass download route for public folders
// - Prometheus metrics & structured logging (zap)
// - Self-upgrade from GitHub releases
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"github.com/synthlace/gofile-dav/internal/config"
	"github.com/synthlace/gofile-dav/internal/davfs"
	"github.com/synthlace/gofile-dav/internal/dircache"
	"github.com/synthlace/gofile-dav/internal/gofile"
	"github.com/synthlace/gofile-dav/internal/logging"
	"github.com/synthlace/gofile-dav/internal/metrics"
	"github.com/synthlace/gofile-dav/internal/upgrade"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "upgrade":
		if err := logging.Init(logging.Config{Level: "info", Format: "console"}); err != nil {
			panic("logging init error: " + err.Error())
		}
		defer logging.Sync()
		if err := upgrade.SelfUpgrade(context.Background(), version, logging.L()); err != nil {
			logging.Fatal("upgrade failed", zap.Error(err))
		}
	case "version":
		fmt.Println(version)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %s <command> [flags]

Commands:
  serve     run the WebDAV server (see serve -help)
  upgrade   replace this binary with the latest release
  version   print the version
`, os.Args[0])
}

func serve(args []string) {
	cfg, err := config.Load(args)
	if err != nil {
		// Can't use structured logging yet
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(2)
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("gofile-dav starting",
		zap.String("version", version),
		zap.String("listen", cfg.ListenAddr()),
		zap.String("mode", cfg.Mode))
	if cfg.Bypass {
		logging.Warn("experimental bypass mode enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := gofile.New(gofile.Options{
		APIToken: cfg.APIToken,
		Password: cfg.Password,
		Bypass:   cfg.Bypass,
		Logger:   logging.L().Named("gofile"),
	})

	rootID, err := validateRoot(ctx, client, cfg)
	if err != nil {
		logging.Fatal("startup validation failed", zap.Error(err))
	}

	cache := dircache.New(client, dircache.WithLogger(logging.L().Named("dircache")))
	if cfg.WarmDepth > 0 {
		logging.Info("warming folder cache", zap.Int("depth", cfg.WarmDepth))
		if err := cache.PopulateSubtree(ctx, rootID, cfg.WarmDepth); err != nil {
			logging.Warn("cache warm-up incomplete", zap.Error(err))
		}
	}
	fsys := davfs.New(client, cache, rootID, cfg.Writable(), logging.L().Named("davfs"))

	davHandler := &webdav.Handler{
		FileSystem: fsys,
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				logging.Debug("webdav request error",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Error(err))
			}
		},
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: metrics.Middleware(davHandler),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				logging.Info("flushing folder cache")
				cache.InvalidateAll()
				continue
			}
			logging.Info("shutting down...")
			cancel()
			httpServer.Close()
			if metricsServer != nil {
				metricsServer.Close()
			}
			return
		}
	}()

	logging.Info("webdav server listening", zap.String("addr", cfg.ListenAddr()))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

// validateRoot resolves the folder the server will expose and rejects
// configurations that cannot work: a file as root, or write mode on a
// folder the account does not own.
func validateRoot(ctx context.Context, client *gofile.Client, cfg *config.Config) (string, error) {
	rootID := cfg.RootID
	if rootID == "" {
		account, err := client.AccountInfo(ctx)
		if err != nil {
			return "", fmt.Errorf("account lookup: %w", err)
		}
		logging.Info("using account root folder",
			zap.String("account", account.ID), zap.String("email", account.Email))
		rootID = account.RootFolder
	}

	contents, err := client.GetContents(ctx, rootID)
	if err != nil {
		return "", fmt.Errorf("root folder %s: %w", rootID, err)
	}
	folder := contents.Folder
	if folder == nil {
		return "", fmt.Errorf("root %s is a file, not a folder", rootID)
	}
	if cfg.Writable() && !folder.IsOwner {
		return "", fmt.Errorf("write mode requires an owned root folder")
	}
	if cfg.Password != "" && folder.IsOwner {
		logging.Warn("password given for an owned folder, not needed")
	}

	logging.Info("serving folder",
		zap.String("name", folder.Name),
		zap.String("id", folder.ID),
		zap.String("code", folder.Code))
	return folder.ID, nil
}
