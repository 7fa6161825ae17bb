package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/gateway-fm/availbench/pkg/types"
)

func validConfig() Config {
	return Config{
		Validators:        10,
		CoresPerBlock:     5,
		Blocks:            2,
		SizePattern:       types.SizePatternList,
		PoVSizes:          []int{1024},
		Mode:              types.ModeFastPath,
		Locality:          types.LocalityGroup,
		PeerBandwidth:     DefaultPeerBandwidth,
		BlockTime:         time.Second,
		EngineConcurrency: 4,
		ParallelFetches:   8,
	}
}

func TestEstimateChunkSize(t *testing.T) {
	tests := []struct {
		name       string
		povSize    int
		validators int
		want       int
	}{
		{"single validator holds everything", 1000, 1, 1008},
		{"ten validators split four ways", 1000, 10, 252},
		{"zero validators", 1000, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateChunkSize(tt.povSize, tt.validators); got != tt.want {
				t.Errorf("EstimateChunkSize(%d, %d) = %d, want %d", tt.povSize, tt.validators, got, tt.want)
			}
		})
	}
}

func TestEstimateRoundTransfer(t *testing.T) {
	if d := EstimateRoundTransfer(DefaultPoVSize, 100, 10, 0); d != 0 {
		t.Errorf("unlimited bandwidth should estimate 0, got %v", d)
	}

	fast := EstimateRoundTransfer(DefaultPoVSize, 100, 10, DefaultPeerBandwidth)
	slow := EstimateRoundTransfer(DefaultPoVSize, 100, 10, DefaultPeerBandwidth/10)
	if fast <= 0 {
		t.Fatalf("expected positive estimate, got %v", fast)
	}
	if slow <= fast {
		t.Errorf("lower bandwidth should take longer: fast=%v slow=%v", fast, slow)
	}
}

func TestCheckBandwidthSufficiency(t *testing.T) {
	tests := []struct {
		name        string
		bandwidth   int64
		wantWarning bool
	}{
		{"default bandwidth", DefaultPeerBandwidth, false},
		{"unlimited bandwidth", 0, false},
		{"starved peers", 1024, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Validators = 100
			cfg.CoresPerBlock = 10
			cfg.PoVSizes = []int{DefaultPoVSize}
			cfg.BlockTime = DefaultBlockTime
			cfg.PeerBandwidth = tt.bandwidth

			warning := cfg.CheckBandwidthSufficiency()
			if (warning != "") != tt.wantWarning {
				t.Errorf("CheckBandwidthSufficiency() warning=%q, wantWarning=%v", warning, tt.wantWarning)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"zero validators", func(c *Config) { c.Validators = 0 }, true},
		{"too many validators", func(c *Config) { c.Validators = 70000 }, true},
		{"zero cores", func(c *Config) { c.CoresPerBlock = 0 }, true},
		{"zero blocks", func(c *Config) { c.Blocks = 0 }, true},
		{"no sizes", func(c *Config) { c.PoVSizes = nil }, true},
		{"oversized payload", func(c *Config) { c.PoVSizes = []int{MaxPoVSize + 1} }, true},
		{"negative payload", func(c *Config) { c.PoVSizes = []int{-1} }, true},
		{"empty payload", func(c *Config) { c.PoVSizes = []int{0} }, false},
		{"chunks-only mode", func(c *Config) { c.Mode = types.ModeChunksOnly }, false},
		{"invalid mode", func(c *Config) { c.Mode = "systematic" }, true},
		{"no locality", func(c *Config) { c.Locality = types.LocalityNone }, false},
		{"invalid locality", func(c *Config) { c.Locality = "rack" }, true},
		{"negative bandwidth", func(c *Config) { c.PeerBandwidth = -1 }, true},
		{"negative latency", func(c *Config) { c.PeerLatency = -time.Millisecond }, true},
		{"loss rate of one", func(c *Config) { c.PeerLossRate = 1 }, true},
		{"zero block time", func(c *Config) { c.BlockTime = 0 }, true},
		{"zero engine concurrency", func(c *Config) { c.EngineConcurrency = 0 }, true},
		{"zero parallel fetches", func(c *Config) { c.ParallelFetches = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Validators != DefaultValidators {
		t.Errorf("expected %d validators, got %d", DefaultValidators, cfg.Validators)
	}
	if len(cfg.PoVSizes) != 1 || cfg.PoVSizes[0] != DefaultPoVSize {
		t.Errorf("expected default size [%d], got %v", DefaultPoVSize, cfg.PoVSizes)
	}
	if cfg.PeerBandwidth != DefaultPeerBandwidth {
		t.Errorf("expected bandwidth %d, got %d", DefaultPeerBandwidth, cfg.PeerBandwidth)
	}
	if cfg.BlockTime != DefaultBlockTime {
		t.Errorf("expected block time %v, got %v", DefaultBlockTime, cfg.BlockTime)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("expected info log level, got %v", cfg.LogLevel)
	}
	if cfg.Candidates() != DefaultCoresPerBlock*DefaultBlocks {
		t.Errorf("expected %d candidates, got %d", DefaultCoresPerBlock*DefaultBlocks, cfg.Candidates())
	}
}

func TestLoadFlags(t *testing.T) {
	cfg, err := Load([]string{
		"-validators", "10",
		"-cores", "5",
		"-blocks", "2",
		"-pov-sizes", "1024, 2KiB",
		"-mode", "chunks-only",
		"-locality", "none",
		"-peer-bandwidth", "1MiB",
		"-peer-latency", "5ms",
		"-block-time", "500ms",
		"-log-level", "debug",
		"-listen", "",
		"-serve",
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Validators != 10 || cfg.CoresPerBlock != 5 || cfg.Blocks != 2 {
		t.Errorf("unexpected shape: %d validators, %d cores, %d blocks", cfg.Validators, cfg.CoresPerBlock, cfg.Blocks)
	}
	if len(cfg.PoVSizes) != 2 || cfg.PoVSizes[0] != 1024 || cfg.PoVSizes[1] != 2048 {
		t.Errorf("expected sizes [1024 2048], got %v", cfg.PoVSizes)
	}
	if cfg.Mode != types.ModeChunksOnly {
		t.Errorf("expected chunks-only mode, got %s", cfg.Mode)
	}
	if cfg.Locality != types.LocalityNone {
		t.Errorf("expected no locality, got %s", cfg.Locality)
	}
	if cfg.PeerBandwidth != 1024*1024 {
		t.Errorf("expected 1MiB bandwidth, got %d", cfg.PeerBandwidth)
	}
	if cfg.PeerLatency != 5*time.Millisecond {
		t.Errorf("expected 5ms latency, got %v", cfg.PeerLatency)
	}
	if cfg.BlockTime != 500*time.Millisecond {
		t.Errorf("expected 500ms block time, got %v", cfg.BlockTime)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("expected debug log level, got %v", cfg.LogLevel)
	}
	if cfg.ListenAddr != "" {
		t.Errorf("expected empty listen address, got %q", cfg.ListenAddr)
	}
	if !cfg.Serve {
		t.Error("expected serve to be enabled")
	}
}

func TestLoadEnvThenFlags(t *testing.T) {
	t.Setenv("VALIDATORS", "20")
	t.Setenv("BLOCKS", "7")
	t.Setenv("RECOVERY_MODE", "chunks-only")
	t.Setenv("BLOCK_TIME", "not-a-duration")
	t.Setenv("SERVE", "true")

	cfg, err := Load([]string{"-blocks", "3"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Validators != 20 {
		t.Errorf("expected validators from env (20), got %d", cfg.Validators)
	}
	if cfg.Blocks != 3 {
		t.Errorf("expected flag to override env (3), got %d", cfg.Blocks)
	}
	if cfg.Mode != types.ModeChunksOnly {
		t.Errorf("expected mode from env, got %s", cfg.Mode)
	}
	if cfg.BlockTime != DefaultBlockTime {
		t.Errorf("invalid env value should be ignored, got %v", cfg.BlockTime)
	}
	if !cfg.Serve {
		t.Error("expected serve from env")
	}
}

func TestLoadSizePatterns(t *testing.T) {
	cfg, err := Load([]string{
		"-size-pattern", "ramp",
		"-pattern-min", "1KiB",
		"-pattern-max", "4KiB",
		"-pattern-count", "4",
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := []int{1024, 2048, 3072, 4096}
	if len(cfg.PoVSizes) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.PoVSizes)
	}
	for i := range want {
		if cfg.PoVSizes[i] != want[i] {
			t.Errorf("size %d: expected %d, got %d", i, want[i], cfg.PoVSizes[i])
		}
	}

	a, err := Load([]string{"-size-pattern", "random", "-pattern-min", "100", "-pattern-max", "200", "-seed", "9"})
	if err != nil {
		t.Fatalf("Load random failed: %v", err)
	}
	b, err := Load([]string{"-size-pattern", "random", "-pattern-min", "100", "-pattern-max", "200", "-seed", "9"})
	if err != nil {
		t.Fatalf("Load random failed: %v", err)
	}
	for i := range a.PoVSizes {
		if a.PoVSizes[i] != b.PoVSizes[i] {
			t.Fatalf("seeded random sizes differ at %d", i)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad size", []string{"-pov-sizes", "lots"}, "invalid payload sizes"},
		{"bad bandwidth", []string{"-peer-bandwidth", "fast"}, "invalid peer bandwidth"},
		{"bad log level", []string{"-log-level", "chatty"}, "invalid log level"},
		{"unknown pattern", []string{"-size-pattern", "zigzag"}, "resolve payload sizes"},
		{"invalid mode", []string{"-mode", "systematic"}, "invalid recovery mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.args)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestParams(t *testing.T) {
	cfg := validConfig()
	p := cfg.Params()
	if p.Validators != 10 || p.CoresPerBlock != 5 || p.Blocks != 2 {
		t.Errorf("unexpected params: %+v", p)
	}
	if p.BlockTimeMs != 1000 {
		t.Errorf("expected 1000ms block time, got %d", p.BlockTimeMs)
	}

	p.PoVSizes[0] = 7
	if cfg.PoVSizes[0] != 1024 {
		t.Error("Params should copy payload sizes")
	}
}
