package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p := cfg.Proxy
	if p.PollTimeout != time.Second || p.IdleSleep != 100*time.Millisecond {
		t.Errorf("loop defaults: %+v", p)
	}
	if p.EphemeralTimeout != 30*time.Second || p.EphemeralConcurrency != 4 {
		t.Errorf("ephemeral defaults: %+v", p)
	}
	if p.TermGrace != 200*time.Millisecond || p.ReadChunk != 4096 || p.InputPrefix != ">" {
		t.Errorf("process defaults: %+v", p)
	}
	if cfg.NATS.Subject != "sysproxy.commands" || cfg.NATS.MaxReconnects != -1 {
		t.Errorf("nats defaults: %+v", cfg.NATS)
	}
	if cfg.HTTP.BasePath != "/api" {
		t.Errorf("http defaults: %+v", cfg.HTTP)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "sysproxy.toml", `
[log]
level = "debug"
format = "json"
file = "/tmp/sysproxy.log"
max_backups = 9

[slack]
token = "xoxb-file"
timeout = "3s"

[nats]
url = "nats://broker:4222"
queue_group = "proxies"

[proxy]
poll_timeout = "250ms"
ephemeral_concurrency = 2
input_prefix = "$"
env = ["A=1", "B=${A}-x"]
use_os_env = true

[process_log]
dir = "/var/log/sysproxy"
compress = true

[http]
enabled = true
addr = ":9000"
base_path = "/admin"

[metrics]
enabled = true
  [metrics.resources]
  enabled = true
  interval = "5s"

[history]
dsn = ["sqlite:///tmp/h.db"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" || cfg.Log.File.Path != "/tmp/sysproxy.log" || cfg.Log.File.MaxBackups != 9 {
		t.Errorf("log: %+v", cfg.Log)
	}
	if cfg.Slack.Token != "xoxb-file" || cfg.Slack.Timeout != 3*time.Second {
		t.Errorf("slack: %+v", cfg.Slack)
	}
	if cfg.NATS.URL != "nats://broker:4222" || cfg.NATS.QueueGroup != "proxies" {
		t.Errorf("nats: %+v", cfg.NATS)
	}
	if cfg.Proxy.PollTimeout != 250*time.Millisecond || cfg.Proxy.EphemeralConcurrency != 2 || cfg.Proxy.InputPrefix != "$" {
		t.Errorf("proxy: %+v", cfg.Proxy)
	}
	if len(cfg.Proxy.Env) != 2 || !cfg.Proxy.UseOSEnv {
		t.Errorf("proxy env: %+v", cfg.Proxy)
	}
	if cfg.ProcessLog.Dir != "/var/log/sysproxy" || !cfg.ProcessLog.Compress {
		t.Errorf("process_log: %+v", cfg.ProcessLog)
	}
	if !cfg.HTTP.Enabled || cfg.HTTP.Addr != ":9000" || cfg.HTTP.BasePath != "/admin" {
		t.Errorf("http: %+v", cfg.HTTP)
	}
	if !cfg.Metrics.Enabled || !cfg.Metrics.Resources.Enabled || cfg.Metrics.Resources.Interval != 5*time.Second {
		t.Errorf("metrics: %+v", cfg.Metrics)
	}
	if len(cfg.History.DSN) != 1 || cfg.History.DSN[0] != "sqlite:///tmp/h.db" {
		t.Errorf("history: %+v", cfg.History)
	}

	mo := cfg.MuxOptions()
	if mo.PollTimeout != 250*time.Millisecond {
		t.Errorf("mux options: %+v", mo)
	}
	do := cfg.DispatchOptions()
	if do.InputPrefix != "$" || do.EphemeralConcurrency != 2 {
		t.Errorf("dispatch options: %+v", do)
	}
	po := cfg.ProcessOptions()
	if po.ReadChunk != 4096 || po.TermGrace != 200*time.Millisecond {
		t.Errorf("process options: %+v", po)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SYSPROXY_NATS_SUBJECT", "chat.cmds")
	t.Setenv("SYSPROXY_PROXY_EPHEMERAL_TIMEOUT", "5s")
	t.Setenv("SYSPROXY_SLACK_TOKEN", "")
	t.Setenv("SLACK_TOKEN", "xoxb-env")

	path := writeFile(t, "c.toml", "[nats]\nsubject = \"from.file\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NATS.Subject != "chat.cmds" {
		t.Errorf("env should override file, got %q", cfg.NATS.Subject)
	}
	if cfg.Proxy.EphemeralTimeout != 5*time.Second {
		t.Errorf("ephemeral timeout = %v", cfg.Proxy.EphemeralTimeout)
	}
	if cfg.Slack.Token != "xoxb-env" {
		t.Errorf("slack token = %q", cfg.Slack.Token)
	}
}

func TestLoad_PrefixedTokenWins(t *testing.T) {
	t.Setenv("SYSPROXY_SLACK_TOKEN", "xoxb-prefixed")
	t.Setenv("SLACK_TOKEN", "xoxb-plain")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Slack.Token != "xoxb-prefixed" {
		t.Errorf("slack token = %q", cfg.Slack.Token)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
	bad := writeFile(t, "bad.toml", "[proxy\npoll_timeout = 1")
	if _, err := Load(bad); err == nil {
		t.Error("expected parse error")
	}
	invalid := writeFile(t, "invalid.toml", `
[proxy]
read_chunk = 0
ephemeral_concurrency = -1
env = ["NOEQUALS"]
[http]
enabled = true
base_path = "api"
`)
	_, err := Load(invalid)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"read_chunk", "ephemeral_concurrency", "NOEQUALS", "base_path"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
}

func TestEnvironment_FilesThenOverrides(t *testing.T) {
	dotenv := writeFile(t, ".env", "# comment\nexport A=file\nB=\"quoted\"\n\nC=${B}-c\n")
	cfg := Default()
	cfg.Proxy.EnvFiles = []string{dotenv}
	cfg.Proxy.Env = []string{"A=top"}

	e, err := cfg.Environment()
	if err != nil {
		t.Fatalf("environment: %v", err)
	}
	got := map[string]string{}
	for _, kv := range e.Merge(nil) {
		k, v, _ := strings.Cut(kv, "=")
		got[k] = v
	}
	if got["A"] != "top" || got["B"] != "quoted" || got["C"] != "quoted-c" {
		t.Fatalf("unexpected env %v", got)
	}

	cfg.Proxy.EnvFiles = []string{filepath.Join(t.TempDir(), "nope")}
	if _, err := cfg.Environment(); err == nil {
		t.Error("expected error for missing env file")
	}
}
