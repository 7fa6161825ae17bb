// Package types contains public API types for the availability benchmark.
// These types form the external interface and must remain backwards-compatible.
package types

import "time"

// SizePattern represents how payload sizes are chosen for a run.
type SizePattern string

const (
	SizePatternList     SizePattern = "list"
	SizePatternConstant SizePattern = "constant"
	SizePatternRamp     SizePattern = "ramp"
	SizePatternSpike    SizePattern = "spike"
	SizePatternRandom   SizePattern = "random"
)

// RecoveryMode selects the strategy the recovery engine uses.
type RecoveryMode string

const (
	// ModeFastPath asks validators of the hinted backing group for the full
	// data first and falls back to chunks.
	ModeFastPath RecoveryMode = "fast-path"
	// ModeChunksOnly always recovers from a threshold of chunks.
	ModeChunksOnly RecoveryMode = "chunks-only"
)

// LocalityPolicy selects how the driver computes group hints.
type LocalityPolicy string

const (
	LocalityGroup LocalityPolicy = "group"
	LocalityNone  LocalityPolicy = "none"
)

// RunStatus represents the current run state.
type RunStatus string

const (
	StatusIdle         RunStatus = "idle"
	StatusInitializing RunStatus = "initializing" // Templates and candidates are being prepared
	StatusRunning      RunStatus = "running"
	StatusCompleted    RunStatus = "completed"
	StatusAborted      RunStatus = "aborted" // A recovery failed and the run stopped
	StatusError        RunStatus = "error"
)

// InitPhase represents the current initialization phase.
type InitPhase string

const (
	InitPhaseNone                 InitPhase = ""
	InitPhaseDerivingChunks       InitPhase = "deriving_chunks"
	InitPhaseGeneratingCandidates InitPhase = "generating_candidates"
	InitPhaseStartingEnvironment  InitPhase = "starting_environment"
)

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count   int             `json:"count"`
	Min     float64         `json:"min"`     // ms
	Max     float64         `json:"max"`     // ms
	Avg     float64         `json:"avg"`     // ms
	P50     float64         `json:"p50"`     // ms
	P75     float64         `json:"p75"`     // ms
	P90     float64         `json:"p90"`     // ms
	P95     float64         `json:"p95"`     // ms
	P99     float64         `json:"p99"`     // ms
	Buckets []LatencyBucket `json:"buckets"` // histogram
}

// RunParams echoes the configuration a run was started with.
type RunParams struct {
	Validators        int            `json:"validators"`
	CoresPerBlock     int            `json:"coresPerBlock"`
	Blocks            int            `json:"blocks"`
	PoVSizes          []int          `json:"povSizes"`
	Mode              RecoveryMode   `json:"mode"`
	Locality          LocalityPolicy `json:"locality"`
	BlockTimeMs       int64          `json:"blockTimeMs"`
	PeerBandwidth     int64          `json:"peerBandwidth"` // bytes/sec, 0 = unlimited
	PeerLatencyMs     int64          `json:"peerLatencyMs"`
	PeerLossRate      float64        `json:"peerLossRate"`
	EngineConcurrency int            `json:"engineConcurrency"`
	Seed              uint64         `json:"seed"`
}

// BlockTiming records one round of the run.
type BlockTiming struct {
	Block          int       `json:"block"`
	StartedAt      time.Time `json:"startedAt"`
	DurationMs     float64   `json:"durationMs"` // submit + drain + pacing sleep
	BusyMs         float64   `json:"busyMs"`     // submit + drain
	SleptMs        float64   `json:"sleptMs"`
	Recoveries     int       `json:"recoveries"`
	BytesRecovered uint64    `json:"bytesRecovered"`
	Overrun        bool      `json:"overrun"`
}

// RunProgress holds real-time run metrics.
type RunProgress struct {
	RunID          string    `json:"runId,omitempty"`
	Status         RunStatus `json:"status"`
	InitPhase      InitPhase `json:"initPhase,omitempty"`
	CurrentBlock   int       `json:"currentBlock"`
	TotalBlocks    int       `json:"totalBlocks"`
	Recoveries     uint64    `json:"recoveries"`
	BytesRecovered uint64    `json:"bytesRecovered"`
	Overruns       int       `json:"overruns"`
	ElapsedMs      int64     `json:"elapsedMs"`
	Error          string    `json:"error,omitempty"`

	LastBlock *BlockTiming  `json:"lastBlock,omitempty"`
	Latency   *LatencyStats `json:"latency,omitempty"` // Recovery latency (submit to completion)
}

// RunReport is the final result of a run.
type RunReport struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	Params      RunParams `json:"params"`

	ElapsedMs      int64         `json:"elapsedMs"`
	BytesRecovered uint64        `json:"bytesRecovered"`
	Recoveries     uint64        `json:"recoveries"`
	Blocks         []BlockTiming `json:"blocks"`

	ThroughputKiBPerBlock float64 `json:"throughputKiBPerBlock"`
	AvgBlockTimeMs        float64 `json:"avgBlockTimeMs"`
	Overruns              int     `json:"overruns"`
	PersistentOverrun     bool    `json:"persistentOverrun"` // more than half of the rounds overran their budget

	Latency *LatencyStats `json:"latency,omitempty"`

	EngineCPUSeconds     float64 `json:"engineCpuSeconds"`  // task_group=availability-recovery
	HarnessCPUSeconds    float64 `json:"harnessCpuSeconds"` // task_group=test-environment
	NetworkBytesReceived uint64  `json:"networkBytesReceived"`

	Aborted bool   `json:"aborted,omitempty"`
	Error   string `json:"error,omitempty"`

	Verification *RunVerification `json:"verification,omitempty"`
}

// RunVerification holds the post-run consistency checks.
type RunVerification struct {
	// BytesMatch is true when the report's byte total equals the bytes
	// recovered counter in the metrics registry.
	BytesMatch         bool     `json:"bytesMatch"`
	MetricsBytes       uint64   `json:"metricsBytes"`
	ExpectedRecoveries uint64   `json:"expectedRecoveries"`
	RecoveriesMatch    bool     `json:"recoveriesMatch"`
	RoundsComplete     bool     `json:"roundsComplete"`
	NetworkRatio       float64  `json:"networkRatio"` // network bytes received / bytes recovered
	Warnings           []string `json:"warnings,omitempty"`
	AllChecksPass      bool     `json:"allChecksPass"`
}

// EngineCPUPerBlock returns average engine CPU seconds per completed block.
func (r *RunReport) EngineCPUPerBlock() float64 {
	if len(r.Blocks) == 0 {
		return 0
	}
	return r.EngineCPUSeconds / float64(len(r.Blocks))
}

// HarnessCPUPerBlock returns average harness CPU seconds per completed block.
func (r *RunReport) HarnessCPUPerBlock() float64 {
	if len(r.Blocks) == 0 {
		return 0
	}
	return r.HarnessCPUSeconds / float64(len(r.Blocks))
}

// ProgressEvent is pushed to WebSocket subscribers after every round.
type ProgressEvent struct {
	Type      string       `json:"type"` // "progress", "block", "completed", "aborted"
	Progress  RunProgress  `json:"progress"`
	Block     *BlockTiming `json:"block,omitempty"`
	Timestamp int64        `json:"timestamp"` // Unix milliseconds
}

// Progress event types.
const (
	EventProgress  = "progress"
	EventBlock     = "block"
	EventCompleted = "completed"
	EventAborted   = "aborted"
)
