// Package monitor implements the change-detection loop: observe the watched
// value, compare it with the last confirmed observation, and on a change
// store evidence, notify through the configured sender and persist.
//
// A single cycle lock serializes the timer path and HTTP-forced checks so
// that observation state and sender credentials are only mutated by one
// cycle at a time.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"citewatch/internal/evidence"
	"citewatch/internal/metrics"
	"citewatch/internal/observer"
	"citewatch/internal/sender"
	"citewatch/internal/store"
	"citewatch/internal/types"
)

// DefaultInterval is the polling period used when none is configured.
const DefaultInterval = 300 * time.Second

// ResultKind classifies the outcome of one check.
type ResultKind int

const (
	Unchanged ResultKind = iota
	Changed
	ObservationFailed
)

func (k ResultKind) String() string {
	switch k {
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	case ObservationFailed:
		return "observation_failed"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// Result is the outcome of CheckOnce. Value and ArtifactRef are set for
// Changed, Reason for ObservationFailed. Terminal reports that this check
// reached the milestone.
type Result struct {
	Kind        ResultKind
	Value       int64
	ArtifactRef string
	Reason      error
	Terminal    bool
}

// Metrics receives detector-level measurements.
type Metrics interface {
	RecordCheck(ctx context.Context, outcome string, duration time.Duration)
	RecordValue(ctx context.Context, value int64)
	RecordPersist(ctx context.Context, success bool)
}

// Config wires a Detector.
type Config struct {
	Observer observer.Observer
	Evidence evidence.Store
	Store    store.Store
	Sender   sender.Sender
	Clock    clock.Clock

	Interval time.Duration
	// Target is the milestone value; zero disables the milestone policy.
	Target              int64
	Label               string
	Recipients          []string
	MilestoneRecipients []string
	Links               Links

	Metrics Metrics
	Logger  *slog.Logger
}

// Snapshot is a point-in-time copy of what the detector last confirmed.
type Snapshot struct {
	State         types.ObservationState
	ScreenshotURL string
	Terminal      bool
}

// Detector runs the polling loop and serves forced checks.
type Detector struct {
	cfg     Config
	clock   clock.Clock
	metrics Metrics
	logger  *slog.Logger

	// cycle serializes observe -> send -> persist.
	cycle sync.Mutex

	// mu guards the fields below for readers outside a cycle.
	mu       sync.RWMutex
	state    types.ObservationState
	terminal bool
	done     chan struct{}
}

// New validates cfg and returns a detector with empty state. Call Restore
// to load the persisted record before Run.
func New(cfg Config) (*Detector, error) {
	switch {
	case cfg.Observer == nil:
		return nil, errors.New("monitor: observer is required")
	case cfg.Evidence == nil:
		return nil, errors.New("monitor: evidence store is required")
	case cfg.Store == nil:
		return nil, errors.New("monitor: state store is required")
	case cfg.Sender == nil:
		return nil, errors.New("monitor: sender is required")
	case cfg.Target < 0:
		return nil, fmt.Errorf("monitor: negative target %d", cfg.Target)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Nop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		cfg:     cfg,
		clock:   cfg.Clock,
		metrics: m,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Restore loads the persisted record and hands any stored credentials to the
// sender. A state already at or past the target leaves the detector terminal.
func (d *Detector) Restore(ctx context.Context) error {
	d.cycle.Lock()
	defer d.cycle.Unlock()

	rec, err := d.cfg.Store.Load(ctx)
	if err != nil {
		return err
	}
	d.cfg.Sender.ImportState(rec.Credentials)

	d.mu.Lock()
	d.state = rec.State
	d.mu.Unlock()

	if rec.State.IsEmpty() {
		d.logger.Info("no previous observation, first check will notify")
		return nil
	}
	d.logger.Info("restored state",
		"last_value", *rec.State.LastValue,
		"last_artifact", *rec.State.LastArtifactRef,
	)
	if d.reached(*rec.State.LastValue) {
		d.logger.Warn("stored value already meets the target, polling stays stopped",
			"last_value", *rec.State.LastValue, "target", d.cfg.Target)
		d.markTerminal()
	}
	return nil
}

// Run checks immediately and then every Interval until ctx is cancelled or
// the milestone is reached. A cycle in progress when ctx is cancelled runs
// to completion.
func (d *Detector) Run(ctx context.Context) error {
	d.logger.Info("polling started", "interval", d.cfg.Interval, "target", d.cfg.Target)
	for {
		if d.Terminal() {
			d.logger.Info("milestone reached, polling stopped")
			return nil
		}
		if ctx.Err() != nil {
			d.logger.Info("polling stopped")
			return nil
		}

		d.CheckOnce(ctx, false)

		if d.Terminal() {
			continue
		}
		select {
		case <-ctx.Done():
		case <-d.done:
		case <-d.clock.After(d.cfg.Interval):
		}
	}
}

// CheckOnce observes the value and, when it differs from the last confirmed
// one or force is set, records evidence, notifies and persists.
func (d *Detector) CheckOnce(ctx context.Context, force bool) Result {
	ctx = context.WithoutCancel(ctx)
	cycleID := uuid.NewString()
	ctx = types.WithCycleID(ctx, cycleID)
	logger := d.logger.With("cycle_id", cycleID, "force", force)

	d.cycle.Lock()
	defer d.cycle.Unlock()

	start := d.clock.Now()
	res := d.check(ctx, logger, force)
	d.metrics.RecordCheck(ctx, res.Kind.String(), d.clock.Now().Sub(start))
	return res
}

func (d *Detector) check(ctx context.Context, logger *slog.Logger, force bool) Result {
	obs, err := d.cfg.Observer.Observe(ctx)
	if err != nil {
		logger.Warn("observation failed", "error", err)
		return Result{Kind: ObservationFailed, Reason: err}
	}
	d.metrics.RecordValue(ctx, obs.Value)

	prev := d.State()
	if !force && prev.Equal(obs.Value) {
		logger.Info("value unchanged", "value", obs.Value)
		return Result{Kind: Unchanged, Value: obs.Value}
	}

	now := d.clock.Now().UTC()
	name := evidence.ArtifactName(now, obs.Value, obs.Ext)
	if err := d.cfg.Evidence.Store(ctx, name, obs.Artifact); err != nil {
		err = types.NewAppError(types.ErrCodeInternalEvidence, "failed to store evidence", err)
		logger.Error("evidence capture failed, state left unchanged", "error", err, "artifact", name)
		return Result{Kind: ObservationFailed, Value: obs.Value, Reason: err}
	}

	d.mu.Lock()
	d.state = types.NewObservationState(obs.Value, name)
	d.mu.Unlock()

	attrs := []any{"value", obs.Value, "artifact", name}
	if prev.LastValue != nil {
		attrs = append(attrs, "previous", *prev.LastValue)
	}
	logger.Info("value changed", attrs...)

	d.cfg.Sender.Send(ctx, d.changeEnvelope(obs, name))
	d.persist(ctx, logger)

	res := Result{Kind: Changed, Value: obs.Value, ArtifactRef: name}
	if d.reached(obs.Value) && !d.Terminal() {
		logger.Info("milestone reached", "value", obs.Value, "target", d.cfg.Target)
		d.cfg.Sender.Send(ctx, d.milestoneEnvelope(obs, name))
		d.persist(ctx, logger)
		d.markTerminal()
		res.Terminal = true
	}
	return res
}

// persist writes the full record. Failures are logged and the in-memory
// state stays authoritative for this process.
func (d *Detector) persist(ctx context.Context, logger *slog.Logger) {
	rec := store.Record{
		State:       d.State(),
		Credentials: d.cfg.Sender.ExportState(),
	}
	err := d.cfg.Store.Save(ctx, rec)
	d.metrics.RecordPersist(ctx, err == nil)
	if err != nil {
		logger.Error("failed to persist state", "error", err)
	}
}

func (d *Detector) reached(v int64) bool {
	return d.cfg.Target > 0 && v >= d.cfg.Target
}

func (d *Detector) markTerminal() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.terminal {
		d.terminal = true
		close(d.done)
	}
}

// State returns a copy of the last confirmed observation.
func (d *Detector) State() types.ObservationState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := d.state
	if s.LastValue != nil {
		v, ref := *s.LastValue, *s.LastArtifactRef
		s = types.NewObservationState(v, ref)
	}
	return s
}

// Terminal reports whether the milestone has stopped polling.
func (d *Detector) Terminal() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.terminal
}

// Done is closed when the detector becomes terminal.
func (d *Detector) Done() <-chan struct{} { return d.done }

// Latest returns the state together with its public screenshot URL.
func (d *Detector) Latest() Snapshot {
	st := d.State()
	snap := Snapshot{State: st, Terminal: d.Terminal()}
	if st.LastArtifactRef != nil {
		snap.ScreenshotURL = d.cfg.Links.Screenshot(*st.LastArtifactRef)
	}
	return snap
}

// SenderConnected probes the configured sender.
func (d *Detector) SenderConnected(ctx context.Context) bool {
	return d.cfg.Sender.IsConnected(ctx)
}

// SenderKind names the configured sender backend.
func (d *Detector) SenderKind() sender.Kind { return d.cfg.Sender.Kind() }
