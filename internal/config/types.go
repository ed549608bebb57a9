package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Transport TransportConfig `json:"transport"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Status    *StatusConfig   `json:"status,omitempty"`

	// SuspendWindows freeze queues on a cron schedule.
	SuspendWindows []SuspendWindow `json:"suspend_windows,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the connection manager.
//
// Defaults (when fields are omitted/zero):
//   - auto_concurrency: 6
//   - history_size: 200 (use -1 to disable the in-memory history)
//   - queues: only the default queue "" with the automatic cap
type SchedulerConfig struct {
	AutoConcurrency int                         `json:"auto_concurrency,omitempty"`
	HistorySize     int                         `json:"history_size,omitempty"`
	Queues          map[string]QueueConfig      `json:"queues,omitempty"`
	TrustedHosts    []string                    `json:"trusted_hosts,omitempty"`
	Credentials     map[string]CredentialConfig `json:"credentials,omitempty"`
}

type QueueConfig struct {
	// MaxConcurrent of 0 (or -1) selects the automatic cap.
	MaxConcurrent int  `json:"max_concurrent,omitempty"`
	Background    bool `json:"background,omitempty"`
}

// CredentialConfig is a per-host credential. Prefer password_env so the
// secret stays out of the file; it wins over password when both are set.
type CredentialConfig struct {
	User        string `json:"user"`
	Password    string `json:"password,omitempty"` // do not log
	PasswordEnv string `json:"password_env,omitempty"`
}

// Secret resolves the password.
func (c CredentialConfig) Secret() string {
	if env := strings.TrimSpace(c.PasswordEnv); env != "" {
		if v, ok := os.LookupEnv(env); ok {
			return v
		}
	}
	return c.Password
}

// TransportConfig controls the HTTP transport.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type TransportConfig struct {
	Timeout        string  `json:"timeout,omitempty"`
	UserAgent      string  `json:"user_agent,omitempty"`
	RatePerHost    float64 `json:"rate_per_host,omitempty"`
	Burst          int     `json:"burst,omitempty"`
	MaxAuthRetries int     `json:"max_auth_retries,omitempty"`
}

// StorageConfig controls the optional outcome history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/connq.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// StatusConfig controls the optional status HTTP server.
//
// Example:
//
//	"status": { "enabled": true, "addr": "127.0.0.1:6061", "pprof": true }
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

// SuspendWindow freezes Queues (all foreground queues when empty) at each
// Freeze tick and unfreezes them at each Unfreeze tick. Both are cron specs
// with optional seconds, or descriptors like "@daily".
type SuspendWindow struct {
	Name     string   `json:"name"`
	Freeze   string   `json:"freeze"`
	Unfreeze string   `json:"unfreeze"`
	Queues   []string `json:"queues,omitempty"`
}

// Validate checks the parts of cfg that can be checked without building
// anything. Cron specs are validated by the suspend package.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if c.Scheduler.AutoConcurrency < 0 {
		errs = append(errs, errors.New("scheduler.auto_concurrency must be >= 0"))
	}
	for id, q := range c.Scheduler.Queues {
		if q.MaxConcurrent < -1 {
			errs = append(errs, fmt.Errorf("scheduler.queues[%q].max_concurrent must be >= -1", id))
		}
	}
	for host, cred := range c.Scheduler.Credentials {
		if strings.TrimSpace(host) == "" {
			errs = append(errs, errors.New("scheduler.credentials: empty host"))
		}
		if strings.TrimSpace(cred.User) == "" {
			errs = append(errs, fmt.Errorf("scheduler.credentials[%q].user is required", host))
		}
	}
	if _, err := ParseDurationField("transport.timeout", c.Transport.Timeout); err != nil {
		errs = append(errs, err)
	}
	if c.Transport.RatePerHost < 0 {
		errs = append(errs, errors.New("transport.rate_per_host must be >= 0"))
	}
	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(c.Storage.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required when storage.driver=%s", c.Storage.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown storage.driver: %s", c.Storage.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Status != nil {
		if _, err := ParseDurationField("status.read_timeout", c.Status.ReadTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("status.write_timeout", c.Status.WriteTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	seen := map[string]bool{}
	for i, w := range c.SuspendWindows {
		name := strings.TrimSpace(w.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("suspend_windows[%d].name is required", i))
		} else if seen[name] {
			errs = append(errs, fmt.Errorf("suspend_windows[%d]: duplicate name %q", i, name))
		}
		seen[name] = true
		if strings.TrimSpace(w.Freeze) == "" || strings.TrimSpace(w.Unfreeze) == "" {
			errs = append(errs, fmt.Errorf("suspend_windows[%d]: freeze and unfreeze are required", i))
		}
	}
	return errors.Join(errs...)
}
