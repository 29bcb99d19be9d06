package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the emulator harness's own configuration (SPEC_FULL.md §2):
// cache slot count, the TCP address of the host oracle process, and the
// manifest to boot. None of this is V-App configuration -- RunApp itself
// takes no external config beyond the manifest, per spec.md §4.7.
type Config struct {
	ManifestPath string `yaml:"manifest_path"`
	VappPath     string `yaml:"vapp_path"`
	DataPath     string `yaml:"data_path"`
	Mock         bool   `yaml:"mock"`
	HostAddr     string `yaml:"host_addr"`
	CacheSlots   int    `yaml:"cache_slots"`
	InstrLimit   uint64 `yaml:"instr_limit"`
	MetricsAddr  string `yaml:"metrics_addr"`
	AutoApprove  bool   `yaml:"auto_approve"`
	LedgerPubkey string `yaml:"ledger_pubkey_hex"`
	LogFormat    string `yaml:"log_format"`
}

// defaultConfig mirrors spec.md §4.4's 4-8 slot cache and a generous but
// bounded instruction budget for a single RunApp invocation.
func defaultConfig() Config {
	return Config{
		CacheSlots:  4,
		InstrLimit:  10_000_000,
		MetricsAddr: "",
		LogFormat:   "json",
	}
}

// loadConfig reads a YAML harness config from path, layered over
// defaultConfig so a partial file only overrides what it sets.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("vanadium-se: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("vanadium-se: parse config %s: %w", path, err)
	}
	return cfg, nil
}
