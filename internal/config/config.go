// Package config handles configuration loading and validation.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/gateway-fm/availbench/internal/erasure"
	"github.com/gateway-fm/availbench/internal/pattern"
	"github.com/gateway-fm/availbench/pkg/types"
)

// Config holds benchmark configuration.
type Config struct {
	Validators    int
	CoresPerBlock int
	Blocks        int

	// SizePattern selects how PoVSizes is produced. For the list pattern the
	// sizes are taken verbatim from the -pov-sizes flag.
	SizePattern  types.SizePattern
	PoVSizes     []int
	PatternMin   int
	PatternMax   int
	PatternCount int

	Mode     types.RecoveryMode
	Locality types.LocalityPolicy

	PeerBandwidth int64 // bytes/sec per peer, 0 = unlimited
	PeerLatency   time.Duration
	PeerLossRate  float64 // probability a request to a peer is dropped

	BlockTime         time.Duration // pacing budget per round
	EngineConcurrency int           // max recoveries the engine runs at once
	ParallelFetches   int           // max chunk requests in flight per recovery
	Seed              uint64

	ListenAddr         string // empty disables the HTTP server
	Serve              bool   // keep serving the HTTP API after the run until interrupted
	CORSAllowedOrigins string // Comma-separated list of allowed origins, or "*" for all
	LogLevel           slog.Level
}

// Defaults
const (
	DefaultValidators         = 100
	DefaultCoresPerBlock      = 10
	DefaultBlocks             = 3
	DefaultPoVSize            = 5 * 1024 * 1024 // 5 MiB
	DefaultPatternCount       = 16
	DefaultMode               = types.ModeFastPath
	DefaultLocality           = types.LocalityGroup
	DefaultPeerBandwidth      = 50 * 1024 * 1024 // 50 MiB/s
	DefaultPeerLatency        = 0
	DefaultBlockTime          = 6 * time.Second
	DefaultEngineConcurrency  = 64
	DefaultParallelFetches    = 50
	DefaultSeed               = 1
	DefaultListenAddr         = ":3001"
	DefaultCORSAllowedOrigins = "*"

	// encodingHeadroom is reserved below erasure.MaxPayloadSize for the
	// validation metadata and RLP framing around a payload.
	encodingHeadroom = 1024
)

// MaxPoVSize is the largest payload size a run accepts.
const MaxPoVSize = erasure.MaxPayloadSize - encodingHeadroom

// EstimateChunkSize returns the size of one chunk for a payload of povSize
// bytes spread over validators.
func EstimateChunkSize(povSize, validators int) int {
	threshold := erasure.RecoveryThreshold(validators)
	if threshold == 0 {
		return 0
	}
	return int(math.Ceil(float64(povSize+8) / float64(threshold)))
}

// EstimateRoundTransfer estimates the time one round spends on the wire per
// peer when every recovery pulls a threshold of chunks and load spreads
// evenly over all validators. Returns 0 for unlimited bandwidth.
func EstimateRoundTransfer(povSize, validators, cores int, bandwidth int64) time.Duration {
	if bandwidth <= 0 || validators <= 0 {
		return 0
	}
	threshold := erasure.RecoveryThreshold(validators)
	chunksPerPeer := math.Ceil(float64(cores*threshold) / float64(validators))
	bytesPerPeer := chunksPerPeer * float64(EstimateChunkSize(povSize, validators))
	return time.Duration(bytesPerPeer / float64(bandwidth) * float64(time.Second))
}

// CheckBandwidthSufficiency returns a warning when the estimated transfer
// time of a round of the largest payload exceeds the block time, empty
// string otherwise.
func (c *Config) CheckBandwidthSufficiency() string {
	largest := 0
	for _, s := range c.PoVSizes {
		if s > largest {
			largest = s
		}
	}
	est := EstimateRoundTransfer(largest, c.Validators, c.CoresPerBlock, c.PeerBandwidth)
	if est <= c.BlockTime {
		return ""
	}
	return fmt.Sprintf(
		"Peer bandwidth too low for block time: a round of %d x %s payloads needs ~%s per peer at %s/s, "+
			"but the block time is %s. Expect every round to overrun.",
		c.CoresPerBlock, humanize.IBytes(uint64(largest)), est.Round(time.Millisecond),
		humanize.IBytes(uint64(c.PeerBandwidth)), c.BlockTime,
	)
}

// Load reads configuration from environment variables and command-line flags.
// Command-line flags take precedence over environment variables.
func Load(args []string) (*Config, error) {
	cfg := &Config{
		Validators:         DefaultValidators,
		CoresPerBlock:      DefaultCoresPerBlock,
		Blocks:             DefaultBlocks,
		SizePattern:        types.SizePatternList,
		PoVSizes:           []int{DefaultPoVSize},
		PatternMin:         DefaultPoVSize,
		PatternMax:         DefaultPoVSize,
		PatternCount:       DefaultPatternCount,
		Mode:               DefaultMode,
		Locality:           DefaultLocality,
		PeerBandwidth:      DefaultPeerBandwidth,
		PeerLatency:        DefaultPeerLatency,
		BlockTime:          DefaultBlockTime,
		EngineConcurrency:  DefaultEngineConcurrency,
		ParallelFetches:    DefaultParallelFetches,
		Seed:               DefaultSeed,
		ListenAddr:         DefaultListenAddr,
		CORSAllowedOrigins: DefaultCORSAllowedOrigins,
		LogLevel:           slog.LevelInfo,
	}
	povSizes := joinSizes(cfg.PoVSizes)
	bandwidth := humanize.IBytes(uint64(cfg.PeerBandwidth))
	logLevel := "info"

	// Load from environment variables first
	if v, err := parseIntEnv("VALIDATORS"); err == nil && v > 0 {
		cfg.Validators = v
	}
	if v, err := parseIntEnv("CORES_PER_BLOCK"); err == nil && v > 0 {
		cfg.CoresPerBlock = v
	}
	if v, err := parseIntEnv("BLOCKS"); err == nil && v > 0 {
		cfg.Blocks = v
	}
	if v := os.Getenv("POV_SIZES"); v != "" {
		povSizes = v
	}
	if v := os.Getenv("SIZE_PATTERN"); v != "" {
		cfg.SizePattern = types.SizePattern(v)
	}
	if v := os.Getenv("RECOVERY_MODE"); v != "" {
		cfg.Mode = types.RecoveryMode(v)
	}
	if v := os.Getenv("LOCALITY"); v != "" {
		cfg.Locality = types.LocalityPolicy(v)
	}
	if v := os.Getenv("PEER_BANDWIDTH"); v != "" {
		bandwidth = v
	}
	if v := os.Getenv("PEER_LATENCY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.PeerLatency = d
		}
	}
	if v := os.Getenv("PEER_LOSS_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.PeerLossRate = f
		}
	}
	if v := os.Getenv("BLOCK_TIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.BlockTime = d
		}
	}
	if v, err := parseIntEnv("ENGINE_CONCURRENCY"); err == nil && v > 0 {
		cfg.EngineConcurrency = v
	}
	if v, err := parseIntEnv("PARALLEL_FETCHES"); err == nil && v > 0 {
		cfg.ParallelFetches = v
	}
	if v := os.Getenv("SEED"); v != "" {
		if s, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Seed = s
		}
	}
	if v, ok := os.LookupEnv("LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SERVE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Serve = b
		}
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		logLevel = v
	}

	// Define command-line flags
	fs := flag.NewFlagSet("availbench", flag.ContinueOnError)
	var (
		validators   = fs.Int("validators", cfg.Validators, "Number of validators (chunks per payload)")
		cores        = fs.Int("cores", cfg.CoresPerBlock, "Recoveries submitted per block")
		blocks       = fs.Int("blocks", cfg.Blocks, "Number of blocks to run")
		sizesFlag    = fs.String("pov-sizes", povSizes, "Comma-separated payload sizes (e.g. 1KiB,5MiB)")
		patternFlag  = fs.String("size-pattern", string(cfg.SizePattern), "Payload size pattern (list, constant, ramp, spike, random)")
		patternMin   = fs.String("pattern-min", humanize.IBytes(uint64(cfg.PatternMin)), "Smallest payload for ramp/random patterns")
		patternMax   = fs.String("pattern-max", humanize.IBytes(uint64(cfg.PatternMax)), "Largest payload for ramp/random/spike patterns")
		patternCount = fs.Int("pattern-count", cfg.PatternCount, "Length of the generated size cycle")
		modeFlag     = fs.String("mode", string(cfg.Mode), "Recovery mode (fast-path, chunks-only)")
		localityFlag = fs.String("locality", string(cfg.Locality), "Group hint policy (group, none)")
		bandwidthArg = fs.String("peer-bandwidth", bandwidth, "Per-peer bandwidth per second (0 = unlimited)")
		latencyFlag  = fs.Duration("peer-latency", cfg.PeerLatency, "Per-request peer latency")
		lossFlag     = fs.Float64("peer-loss", cfg.PeerLossRate, "Probability a peer request is lost (0-1)")
		blockTime    = fs.Duration("block-time", cfg.BlockTime, "Target duration of one block")
		engineConc   = fs.Int("engine-concurrency", cfg.EngineConcurrency, "Max concurrent recoveries")
		fetches      = fs.Int("parallel-fetches", cfg.ParallelFetches, "Max parallel chunk requests per recovery")
		seedFlag     = fs.Uint64("seed", cfg.Seed, "Seed for random sizes, chunk order and loss")
		listenAddr   = fs.String("listen", cfg.ListenAddr, "HTTP listen address (empty disables)")
		serveFlag    = fs.Bool("serve", cfg.Serve, "Keep serving the HTTP API after the run until interrupted")
		logLevelFlag = fs.String("log-level", logLevel, "Log level (debug, info, warn, error)")
	)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Apply flags to config
	cfg.Validators = *validators
	cfg.CoresPerBlock = *cores
	cfg.Blocks = *blocks
	cfg.SizePattern = types.SizePattern(*patternFlag)
	cfg.PatternCount = *patternCount
	cfg.Mode = types.RecoveryMode(*modeFlag)
	cfg.Locality = types.LocalityPolicy(*localityFlag)
	cfg.PeerLatency = *latencyFlag
	cfg.PeerLossRate = *lossFlag
	cfg.BlockTime = *blockTime
	cfg.EngineConcurrency = *engineConc
	cfg.ParallelFetches = *fetches
	cfg.Seed = *seedFlag
	cfg.ListenAddr = *listenAddr
	cfg.Serve = *serveFlag

	var err error
	if cfg.PeerBandwidth, err = parseByteSize(*bandwidthArg); err != nil {
		return nil, fmt.Errorf("invalid peer bandwidth: %w", err)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(*logLevelFlag)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	listSizes, err := parseSizes(*sizesFlag)
	if err != nil {
		return nil, fmt.Errorf("invalid payload sizes: %w", err)
	}
	minSize, err := parseByteSize(*patternMin)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern min: %w", err)
	}
	maxSize, err := parseByteSize(*patternMax)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern max: %w", err)
	}
	cfg.PatternMin = int(minSize)
	cfg.PatternMax = int(maxSize)

	cfg.PoVSizes, err = pattern.Resolve(cfg.SizePattern, pattern.Config{
		Count:        cfg.PatternCount,
		Sizes:        listSizes,
		ConstantSize: firstOr(listSizes, cfg.PatternMax),
		MinSize:      cfg.PatternMin,
		MaxSize:      cfg.PatternMax,
		BaselineSize: cfg.PatternMin,
		SpikeSize:    cfg.PatternMax,
		SpikeEvery:   cfg.CoresPerBlock,
		Seed:         cfg.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve payload sizes: %w", err)
	}

	// Validate config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Validators <= 0 || c.Validators > erasure.MaxValidators {
		return fmt.Errorf("validators must be between 1 and %d", erasure.MaxValidators)
	}
	if c.CoresPerBlock <= 0 {
		return fmt.Errorf("cores per block must be positive")
	}
	if c.Blocks <= 0 {
		return fmt.Errorf("blocks must be positive")
	}
	if len(c.PoVSizes) == 0 {
		return fmt.Errorf("at least one payload size is required")
	}
	for _, s := range c.PoVSizes {
		if s < 0 || s > MaxPoVSize {
			return fmt.Errorf("payload size %d out of range (0-%d)", s, MaxPoVSize)
		}
	}

	switch c.Mode {
	case types.ModeFastPath, types.ModeChunksOnly:
		// valid
	default:
		return fmt.Errorf("invalid recovery mode: %s", c.Mode)
	}
	switch c.Locality {
	case types.LocalityGroup, types.LocalityNone:
		// valid
	default:
		return fmt.Errorf("invalid locality policy: %s", c.Locality)
	}

	if c.PeerBandwidth < 0 {
		return fmt.Errorf("peer bandwidth cannot be negative")
	}
	if c.PeerLatency < 0 {
		return fmt.Errorf("peer latency cannot be negative")
	}
	if c.PeerLossRate < 0 || c.PeerLossRate >= 1 {
		return fmt.Errorf("peer loss rate must be in [0, 1)")
	}
	if c.BlockTime <= 0 {
		return fmt.Errorf("block time must be positive")
	}
	if c.EngineConcurrency <= 0 {
		return fmt.Errorf("engine concurrency must be positive")
	}
	if c.ParallelFetches <= 0 {
		return fmt.Errorf("parallel fetches must be positive")
	}
	return nil
}

// Candidates returns the number of candidates a run consumes.
func (c *Config) Candidates() int {
	return c.CoresPerBlock * c.Blocks
}

// Params returns the run parameters echoed in reports.
func (c *Config) Params() types.RunParams {
	return types.RunParams{
		Validators:        c.Validators,
		CoresPerBlock:     c.CoresPerBlock,
		Blocks:            c.Blocks,
		PoVSizes:          append([]int(nil), c.PoVSizes...),
		Mode:              c.Mode,
		Locality:          c.Locality,
		BlockTimeMs:       c.BlockTime.Milliseconds(),
		PeerBandwidth:     c.PeerBandwidth,
		PeerLatencyMs:     c.PeerLatency.Milliseconds(),
		PeerLossRate:      c.PeerLossRate,
		EngineConcurrency: c.EngineConcurrency,
		Seed:              c.Seed,
	}
}

// parseIntEnv parses an environment variable as an integer.
func parseIntEnv(name string) (int, error) {
	return strconv.Atoi(os.Getenv(name))
}

// parseByteSize accepts plain byte counts and humanized sizes ("5MiB", "512 kB").
func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return int64(n), nil
}

func parseSizes(s string) ([]int, error) {
	var sizes []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := parseByteSize(part)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", part, err)
		}
		if n > MaxPoVSize {
			return nil, fmt.Errorf("%q exceeds %d bytes", part, MaxPoVSize)
		}
		sizes = append(sizes, int(n))
	}
	return sizes, nil
}

func joinSizes(sizes []int) string {
	parts := make([]string, len(sizes))
	for i, s := range sizes {
		parts[i] = strconv.Itoa(s)
	}
	return strings.Join(parts, ",")
}

func firstOr(sizes []int, fallback int) int {
	if len(sizes) > 0 {
		return sizes[0]
	}
	return fallback
}
