// Command doxiegrab finds Doxie scanners on the local network, downloads
// every available scan, archives (and optionally mails) each one, then
// clears the device backlog. It runs either once (-once) or as a polling
// loop with failure backoff.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Bonneykins/doxie-scan-save-send/internal/archive"
	"github.com/Bonneykins/doxie-scan-save-send/internal/config"
	"github.com/Bonneykins/doxie-scan-save-send/internal/discovery"
	"github.com/Bonneykins/doxie-scan-save-send/internal/doxie"
	"github.com/Bonneykins/doxie-scan-save-send/internal/notify"
	"github.com/Bonneykins/doxie-scan-save-send/internal/scheduler"
	"github.com/Bonneykins/doxie-scan-save-send/internal/transfer"
	"github.com/Bonneykins/doxie-scan-save-send/internal/vault"
	"github.com/Bonneykins/doxie-scan-save-send/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	once := flag.Bool("once", false, "run a single cycle and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("doxiegrab starting", zap.String("version", version.Short()))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	app, err := newApp(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *once {
		if err := app.runCycle(ctx); err != nil {
			logger.Error("cycle failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	sched := scheduler.New(scheduler.Config{
		Interval:   cfg.GetDuration(config.KeySchedulerInterval),
		MaxBackoff: cfg.GetDuration(config.KeySchedulerBackoff),
	}, logger)
	sched.Run(ctx, app.runCycle)
}

// app wires the long-lived collaborators one cycle needs.
type app struct {
	cfg    *viper.Viper
	logger *zap.Logger
	disc   *discovery.Service
	creds  *vault.FileVault
	httpc  *http.Client
}

func newApp(cfg *viper.Viper, logger *zap.Logger) (*app, error) {
	creds, err := vault.Open(cfg.GetString(config.KeyVaultPath), logger)
	if err != nil {
		return nil, err
	}
	disc, err := discovery.New(logger,
		discovery.WithListenWindow(cfg.GetDuration(config.KeyDiscoveryWindow)))
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:    cfg,
		logger: logger,
		disc:   disc,
		creds:  creds,
		httpc:  &http.Client{Timeout: cfg.GetDuration(config.KeyDeviceTimeout)},
	}, nil
}

// runCycle discovers scanners and processes each independently. One
// device failing does not stop the others; the joined error tells the
// scheduler to back off.
func (a *app) runCycle(ctx context.Context) error {
	logger := a.logger.With(zap.String("cycle_id", uuid.NewString()))

	locations, err := a.disc.Discover(ctx, doxie.SSDPServiceType)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	if len(locations) == 0 {
		logger.Info("no scanners responded")
		return nil
	}

	workDir, err := os.MkdirTemp("", "doxiegrab-*")
	if err != nil {
		return fmt.Errorf("creating working directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	var g errgroup.Group
	errs := make([]error, len(locations))
	for i, location := range locations {
		g.Go(func() error {
			if err := a.processDevice(ctx, logger, location, workDir); err != nil {
				logger.Error("device cycle failed",
					zap.String("location", location),
					zap.Error(err),
				)
				errs[i] = fmt.Errorf("%s: %w", location, err)
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// processDevice runs the full transfer workflow against one scanner.
// Each device gets its own subdirectory of workDir: scanners all name
// scans IMG_####.JPG, so concurrent devices sharing one directory would
// overwrite each other's working copies between download and handoff.
func (a *app) processDevice(ctx context.Context, logger *zap.Logger, location, workDir string) error {
	deviceDir, err := os.MkdirTemp(workDir, "device-*")
	if err != nil {
		return fmt.Errorf("creating device working directory: %w", err)
	}
	client, err := doxie.NewClient(ctx, location, doxie.Options{
		HTTPClient:  a.httpc,
		Credentials: a.creds,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	handoffs := []transfer.Handoff{
		archive.New(a.cfg.GetString(config.KeyOutputDir), client.Identity().Name, logger),
	}
	if a.cfg.GetBool(config.KeyNotifyEnabled) {
		handoffs = append(handoffs, notify.New(notify.Config{
			Host:     a.cfg.GetString(config.KeyNotifyHost),
			Port:     a.cfg.GetInt(config.KeyNotifyPort),
			From:     a.cfg.GetString(config.KeyNotifyFrom),
			To:       a.cfg.GetStringSlice(config.KeyNotifyTo),
			Username: a.cfg.GetString(config.KeyNotifyUsername),
			Password: a.cfg.GetString(config.KeyNotifyPassword),
			Subject:  a.cfg.GetString(config.KeyNotifySubject),
		}, logger))
	}

	wf := transfer.New(client, handoffs, transfer.Options{
		WorkDir:   deviceDir,
		KeepLocal: a.cfg.GetBool(config.KeyOutputKeepLocal),
		Logger:    logger,
	})
	_, err = wf.Run(ctx)
	return err
}
