package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadFormats(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		body string
	}{
		{
			name: "json",
			file: "connq.json",
			body: `{"logging":{"level":"debug"},"scheduler":{"auto_concurrency":3,"queues":{"bulk":{"max_concurrent":2,"background":true}}}}`,
		},
		{
			name: "yaml",
			file: "connq.yaml",
			body: "logging:\n  level: debug\nscheduler:\n  auto_concurrency: 3\n  queues:\n    bulk:\n      max_concurrent: 2\n      background: true\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeFile(t, tt.file, tt.body))
			cfg, err := m.Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Logging.Level != "debug" {
				t.Fatalf("level = %q, want debug", cfg.Logging.Level)
			}
			if cfg.Scheduler.AutoConcurrency != 3 {
				t.Fatalf("auto_concurrency = %d, want 3", cfg.Scheduler.AutoConcurrency)
			}
			q := cfg.Scheduler.Queues["bulk"]
			if q.MaxConcurrent != 2 || !q.Background {
				t.Fatalf("queue bulk = %+v", q)
			}
			if m.Get() != cfg {
				t.Fatal("Get did not return the committed config")
			}
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "unknown field", path: "c.json", body: `{"telegram":{}}`},
		{name: "unknown yaml field", path: "c.yml", body: "pprof:\n  enabled: true\n"},
		{name: "trailing data", path: "c.json", body: `{} {}`},
		{name: "bad yaml", path: "c.yaml", body: "logging: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yaml", nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "zero", cfg: Config{}},
		{
			name:    "negative auto",
			cfg:     Config{Scheduler: SchedulerConfig{AutoConcurrency: -2}},
			wantErr: "auto_concurrency",
		},
		{
			name:    "bad queue cap",
			cfg:     Config{Scheduler: SchedulerConfig{Queues: map[string]QueueConfig{"x": {MaxConcurrent: -5}}}},
			wantErr: "max_concurrent",
		},
		{
			name:    "credential without user",
			cfg:     Config{Scheduler: SchedulerConfig{Credentials: map[string]CredentialConfig{"example.com": {Password: "p"}}}},
			wantErr: "user is required",
		},
		{
			name:    "bad timeout",
			cfg:     Config{Transport: TransportConfig{Timeout: "soon"}},
			wantErr: "transport.timeout",
		},
		{
			name:    "storage without path",
			cfg:     Config{Storage: &StorageConfig{Driver: "sqlite"}},
			wantErr: "storage.path",
		},
		{
			name:    "unknown driver",
			cfg:     Config{Storage: &StorageConfig{Driver: "mongo", Path: "x"}},
			wantErr: "unknown storage.driver",
		},
		{
			name: "duplicate window",
			cfg: Config{SuspendWindows: []SuspendWindow{
				{Name: "night", Freeze: "@midnight", Unfreeze: "0 6 * * *"},
				{Name: "night", Freeze: "@midnight", Unfreeze: "0 6 * * *"},
			}},
			wantErr: "duplicate name",
		},
		{
			name:    "window without unfreeze",
			cfg:     Config{SuspendWindows: []SuspendWindow{{Name: "w", Freeze: "@hourly"}}},
			wantErr: "freeze and unfreeze are required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestCredentialSecret(t *testing.T) {
	t.Setenv("CONNQ_TEST_SECRET", "from-env")
	c := CredentialConfig{User: "u", Password: "inline", PasswordEnv: "CONNQ_TEST_SECRET"}
	if got := c.Secret(); got != "from-env" {
		t.Fatalf("Secret = %q, want from-env", got)
	}
	c.PasswordEnv = "CONNQ_TEST_SECRET_UNSET"
	if got := c.Secret(); got != "inline" {
		t.Fatalf("Secret = %q, want inline", got)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", " 1500ms "); err != nil || d != 1500*time.Millisecond {
		t.Fatalf("1500ms = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
	if d, err := DurationOr("x", "", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("DurationOr = %v, %v", d, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Scheduler: SchedulerConfig{
			Credentials: map[string]CredentialConfig{"a.example": {User: "u", Password: "old-secret"}},
		},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Scheduler: SchedulerConfig{
			Credentials: map[string]CredentialConfig{"a.example": {User: "u", Password: "new-secret"}},
		},
		Transport: TransportConfig{Timeout: "5s"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"logging", "credentials", "transport"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}

	changed, _ = SummarizeConfigChange(newCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}

func TestCredentialChangesOmitsSecrets(t *testing.T) {
	t.Parallel()
	a := map[string]CredentialConfig{"keep": {User: "u"}, "gone": {User: "u"}, "edit": {User: "u", Password: "1"}}
	b := map[string]CredentialConfig{"keep": {User: "u"}, "edit": {User: "u", Password: "2"}, "new": {User: "v"}}
	got := strings.Join(credentialChanges(a, b), ",")
	if got != "edit,gone,new" {
		t.Fatalf("credentialChanges = %s", got)
	}
}

func TestSubscribeKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	ch := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	if got := <-ch; got != second {
		t.Fatal("subscriber did not receive the newest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed by Unsubscribe")
	}
	m.publish(first)
}

func TestReloadPublishesOnlyValidChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "connq.json", `{"logging":{"level":"info"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(4)
	ctx := context.Background()

	m.reload(ctx)
	select {
	case <-ch:
		t.Fatal("unchanged file was published")
	default:
	}

	if err := os.WriteFile(path, []byte(`{"scheduler":{"auto_concurrency":-3}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload(ctx)
	select {
	case <-ch:
		t.Fatal("invalid config was published")
	default:
	}

	m.SetValidator(func(context.Context, *Config) error { return nil })
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload(ctx)
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	default:
		t.Fatal("valid change was not published")
	}
}
