package config

import (
	"reflect"
	"sort"
	"strings"

	logx "connq/pkg/logx"
)

// SummarizeConfigChange returns the names of the sections that differ and
// log fields describing the new values. Passwords and tokens are never
// included; for credentials only the changed host names are reported.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	prev, next := oldCfg.Scheduler, newCfg.Scheduler
	if prev.AutoConcurrency != next.AutoConcurrency ||
		prev.HistorySize != next.HistorySize ||
		!reflect.DeepEqual(prev.Queues, next.Queues) ||
		!sameHosts(prev.TrustedHosts, next.TrustedHosts) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.auto_concurrency", next.AutoConcurrency),
			logx.Int("scheduler.history_size", next.HistorySize),
			logx.Int("scheduler.queue_count", len(next.Queues)),
			logx.Int("scheduler.trusted_host_count", len(next.TrustedHosts)),
		)
	}
	if hosts := credentialChanges(prev.Credentials, next.Credentials); len(hosts) > 0 {
		changed = append(changed, "credentials")
		attrs = append(attrs, logx.Any("credentials.hosts", hosts))
	}

	if oldCfg.Transport != newCfg.Transport {
		changed = append(changed, "transport")
		t := newCfg.Transport
		attrs = append(attrs,
			logx.String("transport.timeout", strings.TrimSpace(t.Timeout)),
			logx.Float64("transport.rate_per_host", t.RatePerHost),
			logx.Int("transport.burst", t.Burst),
			logx.Int("transport.max_auth_retries", t.MaxAuthRetries),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs,
				logx.String("storage.driver", newCfg.Storage.Driver),
				logx.String("storage.path", newCfg.Storage.Path),
			)
		} else {
			attrs = append(attrs, logx.Bool("storage.enabled", false))
		}
	}

	if !reflect.DeepEqual(oldCfg.Status, newCfg.Status) {
		changed = append(changed, "status")
		if st := newCfg.Status; st != nil {
			attrs = append(attrs,
				logx.Bool("status.enabled", st.Enabled),
				logx.String("status.addr", st.Addr),
				logx.Bool("status.pprof", st.Pprof),
				logx.Bool("status.token_set", st.Token != ""),
			)
		} else {
			attrs = append(attrs, logx.Bool("status.enabled", false))
		}
	}

	if !reflect.DeepEqual(oldCfg.SuspendWindows, newCfg.SuspendWindows) {
		changed = append(changed, "suspend_windows")
		names := make([]string, 0, len(newCfg.SuspendWindows))
		for _, w := range newCfg.SuspendWindows {
			names = append(names, w.Name)
		}
		attrs = append(attrs, logx.Any("suspend_windows", names))
	}

	return changed, attrs
}

func sameHosts(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	norm := func(in []string) []string {
		out := make([]string, len(in))
		for i, h := range in {
			out[i] = strings.ToLower(strings.TrimSpace(h))
		}
		sort.Strings(out)
		return out
	}
	return reflect.DeepEqual(norm(a), norm(b))
}

// credentialChanges lists hosts whose credential was added, removed or
// changed, sorted.
func credentialChanges(a, b map[string]CredentialConfig) []string {
	var hosts []string
	for h, ca := range a {
		if cb, ok := b[h]; !ok || ca != cb {
			hosts = append(hosts, h)
		}
	}
	for h := range b {
		if _, ok := a[h]; !ok {
			hosts = append(hosts, h)
		}
	}
	sort.Strings(hosts)
	return hosts
}
