package cmd

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/kailas-cloud/secindex/internal/config"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := NewRootCmd()

	want := []string{"indexer", "api", "create-topics", "reindex", "version"}
	for _, name := range want {
		found := false
		for _, c := range root.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
	if root.PersistentFlags().Lookup("env") == nil {
		t.Error("missing --env flag")
	}
}

func TestVersionCmd_JSON(t *testing.T) {
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version", "--json"})

	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	var info versionInfo
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v (%s)", err, out.String())
	}
	if info.Version == "" || len(info.Domains) != 3 {
		t.Errorf("info = %+v", info)
	}
}

func TestRetryConfig(t *testing.T) {
	rc := retryConfig(config.RetryConfig{
		InitialDelayMs: 100,
		MaxDelayMs:     2000,
		Multiplier:     3,
		DisableJitter:  true,
	}, 4)

	if rc.InitialDelay != 100*time.Millisecond || rc.MaxDelay != 2*time.Second {
		t.Errorf("delays = %v/%v", rc.InitialDelay, rc.MaxDelay)
	}
	if rc.Multiplier != 3 || rc.Jitter || rc.MaxRetries != 4 {
		t.Errorf("config = %+v", rc)
	}
}

func TestTopics(t *testing.T) {
	cfg := config.Config{Domain: "cve"}
	cfg.ApplyDefaults()

	got := topics(cfg)
	if got.Stored != "cve-stored" || got.Indexed != "cve-indexed" || got.Failed != "cve-failed" {
		t.Errorf("topics = %+v", got)
	}
}
