package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"connq/internal/config"
	"connq/internal/connmgr"
	"connq/internal/observability/status"
	"connq/internal/storage"
	"connq/internal/suspend"
	"connq/internal/transport"
	"connq/internal/transport/httpx"
	logx "connq/pkg/logx"
)

const defaultBusyTimeout = time.Second

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapManagerConfig(cfg *config.Config) connmgr.Config {
	sc := cfg.Scheduler
	out := connmgr.Config{
		AutomaticConcurrency: sc.AutoConcurrency,
		TrustedHosts:         sc.TrustedHosts,
		HistorySize:          sc.HistorySize,
	}
	if len(sc.Queues) > 0 {
		out.Queues = make(map[string]connmgr.QueueConfig, len(sc.Queues))
		for id, q := range sc.Queues {
			out.Queues[id] = connmgr.QueueConfig{MaxConcurrent: q.MaxConcurrent, Background: q.Background}
		}
	}
	if len(sc.Credentials) > 0 {
		out.Credentials = make(map[string]transport.Credential, len(sc.Credentials))
		for host, c := range sc.Credentials {
			out.Credentials[host] = transport.Credential{User: c.User, Password: c.Secret()}
		}
	}
	return out
}

func mapTransportConfig(cfg *config.Config) (httpx.Config, error) {
	tc := cfg.Transport
	timeout, err := config.ParseDurationField("transport.timeout", tc.Timeout)
	if err != nil {
		return httpx.Config{}, err
	}
	return httpx.Config{
		Timeout:        timeout,
		UserAgent:      strings.TrimSpace(tc.UserAgent),
		RatePerHost:    tc.RatePerHost,
		Burst:          tc.Burst,
		MaxAuthRetries: tc.MaxAuthRetries,
	}, nil
}

// mapStorageConfig reports enabled=false when no store is configured.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	sc := cfg.Status
	if sc == nil {
		return status.Config{}, nil
	}
	rt, err := config.ParseDurationField("status.read_timeout", sc.ReadTimeout)
	if err != nil {
		return status.Config{}, err
	}
	wt, err := config.ParseDurationField("status.write_timeout", sc.WriteTimeout)
	if err != nil {
		return status.Config{}, err
	}
	return status.Config{
		Enabled:       sc.Enabled,
		Addr:          strings.TrimSpace(sc.Addr),
		Token:         strings.TrimSpace(sc.Token),
		AllowInsecure: sc.AllowInsecure,
		Pprof:         sc.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
	}, nil
}

func mapWindows(cfg *config.Config) []suspend.Window {
	out := make([]suspend.Window, 0, len(cfg.SuspendWindows))
	for _, w := range cfg.SuspendWindows {
		out = append(out, suspend.Window{
			Name:     strings.TrimSpace(w.Name),
			Freeze:   w.Freeze,
			Unfreeze: w.Unfreeze,
			Queues:   w.Queues,
		})
	}
	return out
}

// validate is installed as the reload validator. It covers what
// config.Validate cannot check on its own.
func validate(_ context.Context, cfg *config.Config) error {
	if err := suspend.Validate(mapWindows(cfg)); err != nil {
		return err
	}
	if _, err := mapTransportConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStatusConfig(cfg); err != nil {
		return err
	}
	_, _, err := mapStorageConfig(cfg)
	return err
}
