// Package coreconfig holds the validated configuration surface the core
// consumes (spec.md §6 "Configuration surface"). No file or flag parsing
// lives here — that belongs to cmd/coresim; this package only validates the
// already-parsed values.
package coreconfig

import "fmt"

// MaxROBIdxBits bounds ROB_SIZE per spec.md §6 ("ROB_SIZE ≤ 2^MAX_ROB_IDX_BIT").
const MaxROBIdxBits = 12 // admits up to 4096 ROB entries

// Config mirrors the §6 option-key table.
type Config struct {
	Threads int

	IssueQueueSize  int
	ROBSize         int
	LDQSize         int
	STQSize         int
	FetchQueueSize  int
	PhysRegFileSize int

	FetchWidth     int
	FrontendWidth  int
	DispatchWidth  int
	MaxIssueWidth  int
	WritebackWidth int
	CommitWidth    int

	FrontendStages int

	MaxForwardingLatency int

	DispatchDeadlockCountdown int

	UnalignedPredictorSize int // power of two

	CheckerEnabled    bool
	EventLogEnabled   bool

	// NumClusters partitions functional units (§4.4); not named in the §6
	// table directly but required to size the per-cluster IQ/FU arrays.
	NumClusters int
}

// Default returns a small, deterministic configuration suitable for tests
// and the CLI's default run. Production-scale numbers are larger; callers
// needing a bigger window construct their own Config and call Validate.
func Default() *Config {
	return &Config{
		Threads:                   2,
		IssueQueueSize:            32,
		ROBSize:                   128,
		LDQSize:                   16,
		STQSize:                   16,
		FetchQueueSize:            16,
		PhysRegFileSize:           256,
		FetchWidth:                4,
		FrontendWidth:             4,
		DispatchWidth:             4,
		MaxIssueWidth:             4,
		WritebackWidth:            4,
		CommitWidth:               4,
		FrontendStages:            2,
		MaxForwardingLatency:      2,
		DispatchDeadlockCountdown: 256,
		UnalignedPredictorSize:    4096,
		NumClusters:               2,
	}
}

// Validate checks the invariants §6 names explicitly, plus the structural
// ones every downstream package assumes (non-zero widths, power-of-two
// predictor size).
func (c *Config) Validate() error {
	if c.Threads <= 0 {
		return fmt.Errorf("coreconfig: Threads must be positive, got %d", c.Threads)
	}
	if c.Threads > 16 {
		return fmt.Errorf("coreconfig: Threads must be <= 16 (IQ tag width), got %d", c.Threads)
	}
	if c.ROBSize <= 0 || c.ROBSize > (1<<MaxROBIdxBits) {
		return fmt.Errorf("coreconfig: ROBSize must satisfy 0 < ROBSize <= %d, got %d", 1<<MaxROBIdxBits, c.ROBSize)
	}
	if c.IssueQueueSize <= 0 {
		return fmt.Errorf("coreconfig: IssueQueueSize must be positive, got %d", c.IssueQueueSize)
	}
	if c.LDQSize <= 0 || c.STQSize <= 0 {
		return fmt.Errorf("coreconfig: LDQSize/STQSize must be positive, got %d/%d", c.LDQSize, c.STQSize)
	}
	if c.FetchQueueSize <= 0 {
		return fmt.Errorf("coreconfig: FetchQueueSize must be positive, got %d", c.FetchQueueSize)
	}
	if c.PhysRegFileSize <= 0 {
		return fmt.Errorf("coreconfig: PhysRegFileSize must be positive, got %d", c.PhysRegFileSize)
	}
	for name, w := range map[string]int{
		"FetchWidth": c.FetchWidth, "FrontendWidth": c.FrontendWidth,
		"DispatchWidth": c.DispatchWidth, "MaxIssueWidth": c.MaxIssueWidth,
		"WritebackWidth": c.WritebackWidth, "CommitWidth": c.CommitWidth,
	} {
		if w <= 0 {
			return fmt.Errorf("coreconfig: %s must be positive, got %d", name, w)
		}
	}
	if c.FrontendStages <= 0 {
		return fmt.Errorf("coreconfig: FrontendStages must be positive, got %d", c.FrontendStages)
	}
	if c.MaxForwardingLatency < 0 {
		return fmt.Errorf("coreconfig: MaxForwardingLatency must be >= 0, got %d", c.MaxForwardingLatency)
	}
	if c.DispatchDeadlockCountdown <= 0 {
		return fmt.Errorf("coreconfig: DispatchDeadlockCountdown must be positive, got %d", c.DispatchDeadlockCountdown)
	}
	if c.UnalignedPredictorSize <= 0 || c.UnalignedPredictorSize&(c.UnalignedPredictorSize-1) != 0 {
		return fmt.Errorf("coreconfig: UnalignedPredictorSize must be a power of two, got %d", c.UnalignedPredictorSize)
	}
	if c.NumClusters <= 0 {
		return fmt.Errorf("coreconfig: NumClusters must be positive, got %d", c.NumClusters)
	}
	return nil
}

// Option mutates a Config; used by callers building one up incrementally,
// mirroring the functional-options idiom the pack's CLI-heavy repos use.
type Option func(*Config)

// WithThreads sets the SMT thread count.
func WithThreads(n int) Option { return func(c *Config) { c.Threads = n } }

// WithROBSize sets the reorder buffer capacity.
func WithROBSize(n int) Option { return func(c *Config) { c.ROBSize = n } }

// Apply returns a copy of c with each Option applied in order.
func (c *Config) Apply(opts ...Option) *Config {
	cp := *c
	for _, o := range opts {
		o(&cp)
	}
	return &cp
}
