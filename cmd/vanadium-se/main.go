// Command vanadium-se emulates the Vanadium secure element: it boots one
// V-App from a signed manifest, runs it to completion against a host page
// oracle (either a real TCP host or an in-process mock), and reports the
// outcome. The physical HID transport and the host-side CLI are out of
// scope (spec.md §1); this binary stands in for both in a form that can
// actually be run and tested end to end.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/urfave/cli/v2"

	"github.com/vanadium-vm/vanadium/hostio"
	"github.com/vanadium-vm/vanadium/log"
	"github.com/vanadium-vm/vanadium/manifest"
	"github.com/vanadium-vm/vanadium/session"
)

func main() {
	app := &cli.App{
		Name:  "vanadium-se",
		Usage: "boot and run one V-App against a host page oracle",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a YAML harness config"},
			&cli.StringFlag{Name: "manifest", Aliases: []string{"m"}, Usage: "path to the signed manifest file"},
			&cli.StringFlag{Name: "vapp", Usage: "path to the V-App code image (mock mode only)"},
			&cli.StringFlag{Name: "data", Usage: "path to the initial DATA section image (optional)"},
			&cli.BoolFlag{Name: "mock", Usage: "use an in-process mock host instead of dialing -host"},
			&cli.StringFlag{Name: "host", Usage: "TCP address of the host oracle process"},
			&cli.IntFlag{Name: "cache-slots", Value: 4, Usage: "page cache slot count (4-8 per spec)"},
			&cli.Uint64Flag{Name: "instr-limit", Value: 10_000_000, Usage: "maximum retired instructions before a fault"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "address to serve /metrics on (disabled if empty)"},
			&cli.BoolFlag{Name: "auto-approve", Usage: "skip the interactive registration prompt"},
			&cli.StringFlag{Name: "ledger-pubkey", Usage: "hex-encoded compressed secp256k1 pubkey the manifest must verify against"},
			&cli.StringFlag{Name: "authkey", Usage: "hex-encoded 32-byte persistent auth_key (spec.md §4.7); a fresh one is drawn if omitted"},
			&cli.StringFlag{Name: "log-format", Usage: "log output format: json, text, or color (default json)"},
		},
		Action: runEmulator,
	}

	if err := app.Run(os.Args); err != nil {
		log.Default().Error("vanadium-se exited with an error", "err", err)
		os.Exit(1)
	}
}

func runEmulator(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	applyFlags(&cfg, c)

	if cfg.ManifestPath == "" {
		return cli.Exit("vanadium-se: -manifest is required", 2)
	}

	log.SetDefault(log.NewWithFormat(slog.LevelInfo, cfg.LogFormat, os.Stderr))
	logger := log.Default().Module("vanadium-se")

	manifestBytes, err := os.ReadFile(cfg.ManifestPath)
	if err != nil {
		return fmt.Errorf("vanadium-se: read manifest: %w", err)
	}
	m, err := manifest.Parse(manifestBytes)
	if err != nil {
		return fmt.Errorf("vanadium-se: parse manifest: %w", err)
	}

	ledgerPub, err := resolveLedgerPubkey(cfg.LedgerPubkey)
	if err != nil {
		return err
	}

	authKey, err := resolveAuthKey(c.String("authkey"))
	if err != nil {
		return err
	}
	var sealKey [32]byte
	if _, err := rand.Read(sealKey[:]); err != nil {
		return fmt.Errorf("vanadium-se: draw seal key: %w", err)
	}

	registry := manifest.NewRegistry()
	approve := approver(cfg.AutoApprove)
	blob, err := session.Register(registry, m, ledgerPub, approve, sealKey)
	if err != nil {
		return fmt.Errorf("vanadium-se: registration failed: %w", err)
	}
	staticKeys, err := session.UnsealStaticKeys(sealKey, blob)
	if err != nil {
		return fmt.Errorf("vanadium-se: unseal static keys: %w", err)
	}

	if cfg.Mock && cfg.VappPath == "" {
		return cli.Exit("vanadium-se: -vapp is required in -mock mode", 2)
	}
	if !cfg.Mock && cfg.HostAddr == "" {
		return cli.Exit("vanadium-se: -host is required outside -mock mode", 2)
	}

	lm, hs, err := buildServices(cfg)
	if err != nil {
		return err
	}
	if errs := lm.StartAll(); len(errs) > 0 {
		return fmt.Errorf("vanadium-se: starting services: %v", errs)
	}
	defer func() {
		if errs := lm.StopAll(); len(errs) > 0 {
			logger.Error("error stopping services", "errs", errs)
		}
	}()

	var oracle hostio.Oracle
	var mock *hostio.Mock
	if cfg.Mock {
		mock = hostio.NewMock()
		oracle = mock
		if err := seedMockCode(mock, m, cfg.VappPath, staticKeys); err != nil {
			return err
		}
	} else {
		oracle = hs.oracle()
	}

	pageHashes, err := fetchCodePageHashes(oracle, m)
	if err != nil {
		return err
	}
	dataImage, err := readDataImage(m, cfg.DataPath)
	if err != nil {
		return err
	}

	sess := session.NewSession(registry, oracle, authKey)
	if err := sess.SetStaticKeys(staticKeys); err != nil {
		return fmt.Errorf("vanadium-se: %w", err)
	}
	if err := sess.Boot(m, pageHashes, dataImage, int(m.StackPages), cfg.CacheSlots, cfg.InstrLimit, nil); err != nil {
		return fmt.Errorf("vanadium-se: boot failed: %w", err)
	}
	logger.Info("booted", "app", m.Name, "code_pages", m.CodePages, "data_pages", m.DataPages, "stack_pages", m.StackPages)

	if err := sess.Run(); err != nil {
		logger.Error("run failed", "app", m.Name, "state", sess.State(), "err", err)
		return fmt.Errorf("vanadium-se: run failed: %w", err)
	}
	logger.Info("run complete", "app", m.Name, "state", sess.State())
	return nil
}

// applyFlags layers CLI flags over a loaded Config; an explicitly-set flag
// always wins over the YAML file, and the YAML file always wins over
// defaultConfig's zero values.
func applyFlags(cfg *Config, c *cli.Context) {
	if c.IsSet("manifest") {
		cfg.ManifestPath = c.String("manifest")
	}
	if c.IsSet("vapp") {
		cfg.VappPath = c.String("vapp")
	}
	if c.IsSet("data") {
		cfg.DataPath = c.String("data")
	}
	if c.IsSet("mock") {
		cfg.Mock = c.Bool("mock")
	}
	if c.IsSet("host") {
		cfg.HostAddr = c.String("host")
	}
	if c.IsSet("cache-slots") {
		cfg.CacheSlots = c.Int("cache-slots")
	}
	if c.IsSet("instr-limit") {
		cfg.InstrLimit = c.Uint64("instr-limit")
	}
	if c.IsSet("metrics-addr") {
		cfg.MetricsAddr = c.String("metrics-addr")
	}
	if c.IsSet("auto-approve") {
		cfg.AutoApprove = c.Bool("auto-approve")
	}
	if c.IsSet("ledger-pubkey") {
		cfg.LedgerPubkey = c.String("ledger-pubkey")
	}
	if c.IsSet("log-format") {
		cfg.LogFormat = c.String("log-format")
	}
}

// resolveAuthKey decodes a persistent auth_key from hex, or draws a fresh
// one when none is given. A real SE persists auth_key across every
// RunApp invocation (spec.md §4.7 step 2); this single-shot emulator
// leaves that persistence to whoever scripts repeated invocations.
func resolveAuthKey(hexKey string) ([32]byte, error) {
	var key [32]byte
	if hexKey == "" {
		if _, err := rand.Read(key[:]); err != nil {
			return key, fmt.Errorf("vanadium-se: draw auth key: %w", err)
		}
		return key, nil
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return key, fmt.Errorf("vanadium-se: decode -authkey: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("vanadium-se: -authkey must be 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

func resolveLedgerPubkey(hexKey string) (*secp256k1.PublicKey, error) {
	if hexKey == "" {
		return nil, cli.Exit("vanadium-se: -ledger-pubkey is required to verify the manifest signature", 2)
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("vanadium-se: decode -ledger-pubkey: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("vanadium-se: parse -ledger-pubkey: %w", err)
	}
	return pub, nil
}
