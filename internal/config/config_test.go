package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
risk:
  max_capital_per_trade_pct: 3.5
  max_open_positions: 7
strategies:
  - name: rsi-main
    kind: rsi
    params:
      period: 10
  - name: sma-main
    kind: sma
api:
  port: 9090
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDocumentValuesOverDefaults(t *testing.T) {
	doc, err := Load(writeTempConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Risk.MaxCapitalPerTradePct != 3.5 {
		t.Errorf("MaxCapitalPerTradePct = %v, want 3.5", doc.Risk.MaxCapitalPerTradePct)
	}
	if doc.Risk.MaxOpenPositions != 7 {
		t.Errorf("MaxOpenPositions = %v, want 7", doc.Risk.MaxOpenPositions)
	}
	if doc.API.Port != 9090 {
		t.Errorf("API.Port = %v, want 9090", doc.API.Port)
	}
	if len(doc.Strategies) != 2 || doc.Strategies[0].Kind != "rsi" {
		t.Fatalf("Strategies = %+v, want 2 entries starting with rsi", doc.Strategies)
	}
}

func TestLoadFallsBackToDefaultsWhenSectionOmitted(t *testing.T) {
	doc, err := Load(writeTempConfig(t, "risk:\n  max_open_positions: 4\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Risk.MaxTotalExposurePct == 0 {
		t.Errorf("expected MaxTotalExposurePct to fall back to the risk package default, got 0")
	}
	if doc.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want default /metrics", doc.Metrics.Path)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatal("expected an error loading a nonexistent config file")
	}
}

func TestBuildStrategiesRejectsUnknownKind(t *testing.T) {
	_, err := BuildStrategies([]StrategySection{{Name: "x", Kind: "bogus"}}, nil)
	if err == nil {
		t.Fatal("expected an error for an unknown strategy kind")
	}
}
