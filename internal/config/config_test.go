package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
chains:
  - network_kind: evm
    chain_id: 1
    http_url: https://rpc.example.org
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chains[0].BlockPeriod.Duration != 12*time.Second {
		t.Fatalf("block period %s, want 12s", cfg.Chains[0].BlockPeriod.Duration)
	}
	if cfg.RPC.RequestTimeout.Duration != 15*time.Second {
		t.Fatalf("request timeout %s, want 15s", cfg.RPC.RequestTimeout.Duration)
	}
	if cfg.Fees.HistoryWindow != 20 {
		t.Fatalf("history window %d, want 20", cfg.Fees.HistoryWindow)
	}
	if cfg.Pending.WaitTimeout.Duration != 5*time.Minute {
		t.Fatalf("wait timeout %s, want 5m", cfg.Pending.WaitTimeout.Duration)
	}
	if cfg.Pending.PollInterval.Duration != 4*time.Second {
		t.Fatalf("poll interval %s, want 4s", cfg.Pending.PollInterval.Duration)
	}
	if cfg.Store.SnapshotPath == "" {
		t.Fatal("no default store path")
	}
	if cfg.API.Listen != ":8080" {
		t.Fatalf("listen %q, want :8080", cfg.API.Listen)
	}
}

func TestLoadDurationForms(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
pending:
  wait_timeout: 90s
  poll_interval: 2500
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pending.WaitTimeout.Duration != 90*time.Second {
		t.Fatalf("wait timeout %s, want 90s", cfg.Pending.WaitTimeout.Duration)
	}
	// Bare integers are milliseconds.
	if cfg.Pending.PollInterval.Duration != 2500*time.Millisecond {
		t.Fatalf("poll interval %s, want 2.5s", cfg.Pending.PollInterval.Duration)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"no chains", `api: {listen: ":8080"}`, "at least one chain"},
		{"missing chain id", "chains:\n  - network_kind: evm\n    http_url: https://x\n", "chain_id is required"},
		{"missing url", "chains:\n  - network_kind: evm\n    chain_id: 1\n", "http_url is required"},
		{"duplicate chain", minimalConfig + "  - network_kind: evm\n    chain_id: 1\n    http_url: https://y\n", "duplicate chain_id"},
		{"two stores", minimalConfig + "store:\n  snapshot_path: a.json\n  postgres_dsn: postgres://x\n", "mutually exclusive"},
		{"bad address book entry", minimalConfig + "address_book:\n  treasury: not-an-address\n", "invalid address"},
	}
	for _, tc := range cases {
		_, err := Load(writeConfig(t, tc.body))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: got %v, want error containing %q", tc.name, err, tc.want)
		}
	}
}
