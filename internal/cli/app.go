package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"cnote.dev/go/cnote/internal/audit"
	"cnote.dev/go/cnote/internal/clock"
	"cnote.dev/go/cnote/internal/config"
	"cnote.dev/go/cnote/internal/connection"
	"cnote.dev/go/cnote/internal/coordinator"
	"cnote.dev/go/cnote/internal/i18n"
	"cnote.dev/go/cnote/internal/ledger"
	"cnote.dev/go/cnote/internal/logging"
	"cnote.dev/go/cnote/internal/storage"
	"cnote.dev/go/cnote/internal/transport"
)

// app bundles what every command needs: config, logger, ledger and device
type app struct {
	cfg    *config.Config
	paths  *config.Paths
	log    *slog.Logger
	logs   *logging.Buffer
	store  *storage.SQLiteStore
	device *config.DeviceIdentity
	audit  *audit.Logger
}

// openApp loads the config, sets up logging and opens the ledger. logOut
// receives log output; nil discards it.
func openApp(ctx context.Context, logOut io.Writer) (*app, error) {
	paths, err := config.GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}

	configFile := paths.ConfigFile
	if cfgFile != "" {
		configFile = cfgFile
	}
	cfg, err := config.LoadFrom(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configFile, err)
	}
	i18n.Init(cfg.Device.Language)

	level := cfg.Logging.Level
	if verboseLog {
		level = "debug"
		if logOut == nil {
			logOut = os.Stderr
		}
	}
	logger, logs, err := logging.Setup(logging.Options{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: logOut,
	})
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}

	store, err := storage.Open(ctx, paths.Database(cfg))
	if err != nil {
		return nil, err
	}
	if err := store.Seed(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("seed ledger: %w", err)
	}

	journal, err := audit.Open(paths.AuditLogFile, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	device, created, err := config.LoadOrCreateDevice(paths.DeviceFile, cfg.Device.Name)
	if err != nil {
		journal.Close()
		store.Close()
		return nil, err
	}
	if created {
		journal.Log(audit.Event{
			Action:  audit.ActionDeviceCreated,
			Message: "Created device identity",
			Details: map[string]any{"device_id": device.DeviceID.String(), "name": device.DeviceName},
			Success: true,
		})
	}

	return &app{
		cfg:    cfg,
		paths:  paths,
		log:    logger,
		logs:   logs,
		store:  store,
		device: device,
		audit:  journal,
	}, nil
}

func (a *app) Close() error {
	a.audit.Close()
	return a.store.Close()
}

// deviceInfo is what this device tells its peers
func (a *app) deviceInfo(ctx context.Context) (ledger.DeviceInfo, error) {
	last, err := a.store.LastSync(ctx)
	if err != nil {
		return ledger.DeviceInfo{}, fmt.Errorf("read last sync time: %w", err)
	}
	return a.device.Info(version, last), nil
}

// syncStack is the transport, controller and coordinator for one run
type syncStack struct {
	lan   *transport.LAN
	ctrl  *connection.Controller
	coord *coordinator.Coordinator
}

func (a *app) newSyncStack(ctx context.Context) (*syncStack, error) {
	info, err := a.deviceInfo(ctx)
	if err != nil {
		return nil, err
	}

	s := a.cfg.Sync
	lan := transport.NewLAN(transport.LANConfig{
		ServiceType:    s.ServiceType,
		Port:           s.Port,
		BrowseInterval: s.BrowseInterval.Duration,
		Logger:         a.log,
	})

	ctrl := connection.New(connection.Config{
		InviteTimeout: s.InviteTimeout.Duration,
		MaxRetries:    s.MaxRetries,
		SettleBase:    s.SettleBase.Duration,
		SettleStep:    s.SettleStep.Duration,
		BrowseSettle:  s.BrowseSettle.Duration,
		ResetSettle:   s.ResetSettle.Duration,
	}, lan, clock.Real{}, a.log)

	coordCfg := coordinator.DefaultConfig()
	coordCfg.ProtocolTimeout = s.ProtocolTimeout.Duration
	coordCfg.RetrySettle = s.RetrySettle.Duration
	coord := coordinator.New(coordCfg, ctrl, a.store, info, clock.Real{}, a.log)

	return &syncStack{lan: lan, ctrl: ctrl, coord: coord}, nil
}

func (s *syncStack) Close() error {
	return s.lan.Close()
}
