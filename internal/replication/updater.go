package replication

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osmtiledb/internal/history"
	"github.com/wegman-software/osmtiledb/internal/layer"
	"github.com/wegman-software/osmtiledb/internal/lock"
	"github.com/wegman-software/osmtiledb/internal/logger"
	"github.com/wegman-software/osmtiledb/internal/osc"
)

var (
	ErrNotInitialized = errors.New("replication not initialized, run 'replication init' first")
	ErrNoDatabase     = errors.New("database has no layers, run 'build' first")
)

const (
	lockFile = "replication.lock"
	cacheDir = "replication"
)

// UpdaterOptions tune a replication cycle.
type UpdaterOptions struct {
	// MaxDiffs caps the sequences squashed into one diff layer.
	MaxDiffs int
	// SnapshotSpan is the window consolidated when a cycle crosses a UTC
	// day boundary. Zero writes a full layer.
	SnapshotSpan time.Duration
	// LockFile overrides <db>/replication.lock.
	LockFile string
	History  history.Options
	// AfterApply runs on each diff layer while the lock is held, once the
	// state is saved.
	AfterApply func(ctx context.Context, diff *layer.Layer) error
}

func DefaultUpdaterOptions() UpdaterOptions {
	return UpdaterOptions{
		MaxDiffs:     10,
		SnapshotSpan: time.Hour,
		History:      history.DefaultOptions(),
	}
}

// Updater keeps a database in step with a replication source. Its state
// lives in <db>/replication.state and downloads in <db>/replication/.
type Updater struct {
	dbPath  string
	fetcher *Fetcher
	opts    UpdaterOptions
	log     *zap.Logger
}

// NewUpdater returns an updater for the database at dbPath fed from source.
func NewUpdater(dbPath string, source *Source, opts UpdaterOptions) *Updater {
	if opts.MaxDiffs <= 0 {
		opts.MaxDiffs = DefaultUpdaterOptions().MaxDiffs
	}
	if opts.LockFile == "" {
		opts.LockFile = LockPath(dbPath)
	}
	return &Updater{
		dbPath:  dbPath,
		fetcher: NewFetcher(source, filepath.Join(dbPath, cacheDir)),
		opts:    opts,
		log:     logger.Named("replication"),
	}
}

func (u *Updater) Fetcher() *Fetcher { return u.fetcher }

// LockPath is the lock file every writer of the database at dbPath takes.
func LockPath(dbPath string) string {
	return filepath.Join(dbPath, lockFile)
}

func (u *Updater) statePath() string {
	return filepath.Join(u.dbPath, StateFile)
}

// LoadState reads the local replication state.
func (u *Updater) LoadState() (*State, error) {
	state, err := ParseStateFile(u.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotInitialized
		}
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return state, nil
}

// Init records where replication starts. With a zero since, the end of the
// latest layer is used, or the source's current state for an empty
// database.
func (u *Updater) Init(ctx context.Context, since time.Time) (*State, error) {
	if since.IsZero() {
		db, ok, err := history.TryLoad(u.dbPath, u.opts.History)
		if err != nil {
			return nil, err
		}
		if ok {
			since = db.Latest().Meta().EndTimestamp
			db.Close()
		}
	}

	var (
		state *State
		err   error
	)
	if since.IsZero() {
		state, err = u.fetcher.FetchCurrentState(ctx)
	} else {
		state, err = u.fetcher.FindSequence(ctx, since)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to locate start sequence: %w", err)
	}
	if err := WriteStateFile(u.statePath(), state); err != nil {
		return nil, fmt.Errorf("failed to write state file: %w", err)
	}

	u.log.Info("Replication initialized",
		zap.String("source", u.fetcher.Source().Name),
		zap.Int64("sequence", state.SequenceNumber),
		zap.Time("timestamp", state.Timestamp))
	return state, nil
}

// CycleResult describes one RunCycle.
type CycleResult struct {
	// Applied is the number of sequences squashed into Layer.
	Applied int
	// State is the replication state after the cycle.
	State *State
	// Layer is the diff written, nil when nothing was pending.
	Layer *layer.Layer
	// Snapshot is set when a day boundary was crossed.
	Snapshot *layer.Layer
	// CaughtUp reports that the source had no further sequence.
	CaughtUp bool
}

func sameDay(a, b time.Time) bool {
	ya, ma, da := a.UTC().Date()
	yb, mb, db := b.UTC().Date()
	return ya == yb && ma == mb && da == db
}

// RunCycle applies the next pending sequences as one diff layer. It takes
// the database lock for its whole duration, gathers up to MaxDiffs
// sequences or stops early at the first one ending on a later UTC day than
// the latest layer, squashes them, writes the diff and then the state. A
// crossed day boundary is followed by a snapshot.
func (u *Updater) RunCycle(ctx context.Context) (CycleResult, error) {
	var result CycleResult

	l, err := lock.Acquire(u.opts.LockFile)
	if err != nil {
		return result, err
	}
	defer l.Release()

	state, err := u.LoadState()
	if err != nil {
		return result, err
	}
	result.State = state

	db, ok, err := history.TryLoad(u.dbPath, u.opts.History)
	if err != nil {
		return result, err
	}
	if !ok {
		return result, ErrNoDatabase
	}
	defer db.Close()
	latestEnd := db.Latest().Meta().EndTimestamp

	var (
		changes    []*osm.Change
		last       *State
		dayCrossed bool
	)
	for len(changes) < u.opts.MaxDiffs {
		seq := state.SequenceNumber + int64(len(changes)) + 1
		change, st, err := u.fetcher.FetchChange(ctx, seq)
		if err != nil {
			return result, err
		}
		if change == nil {
			result.CaughtUp = true
			break
		}
		u.log.Debug("Downloaded diff",
			zap.Int64("sequence", st.SequenceNumber),
			zap.Time("timestamp", st.Timestamp))
		changes = append(changes, change)
		last = st
		if !sameDay(st.Timestamp, latestEnd) {
			dayCrossed = true
			break
		}
	}
	if len(changes) == 0 {
		u.log.Info("No new changes", zap.Int64("sequence", state.SequenceNumber))
		return result, nil
	}

	start := time.Now()
	change := changes[0]
	if len(changes) > 1 {
		change = Squash(changes)
	}
	stats := osc.Count(change)
	diff, err := db.ApplyDiff(ctx, change, last.Timestamp)
	if err != nil {
		return result, fmt.Errorf("failed to apply sequences %d-%d: %w",
			state.SequenceNumber+1, last.SequenceNumber, err)
	}
	if err := WriteStateFile(u.statePath(), last); err != nil {
		return result, fmt.Errorf("failed to update state: %w", err)
	}
	result.Applied = len(changes)
	result.State = last
	result.Layer = diff

	u.log.Info("Applied changes",
		zap.Int64("from_sequence", state.SequenceNumber+1),
		zap.Int64("to_sequence", last.SequenceNumber),
		zap.Int64("objects", stats.Total()),
		zap.Stringer("layer", diff),
		zap.Duration("elapsed", time.Since(start)))

	if u.opts.AfterApply != nil {
		if err := u.opts.AfterApply(ctx, diff); err != nil {
			u.log.Warn("Post-apply hook failed", zap.Stringer("layer", diff), zap.Error(err))
		}
	}

	if dayCrossed {
		start = time.Now()
		u.log.Info("Day crossing, taking snapshot")
		snap, err := db.TakeSnapshot(ctx, u.opts.SnapshotSpan)
		if err != nil {
			return result, fmt.Errorf("failed to take snapshot: %w", err)
		}
		result.Snapshot = snap
		if snap != nil {
			u.log.Info("Snapshot written",
				zap.Stringer("layer", snap),
				zap.Duration("elapsed", time.Since(start)))
		}
	}

	if _, err := u.fetcher.CleanCache(state.SequenceNumber + 1); err != nil {
		u.log.Warn("Failed to clean replication cache", zap.Error(err))
	}
	return result, nil
}

// Status is the position of the database relative to its source.
type Status struct {
	Source          string
	SourceURL       string
	LocalSequence   int64
	LocalTimestamp  time.Time
	RemoteSequence  int64
	RemoteTimestamp time.Time
	Behind          int64
	Lag             time.Duration
}

// GetStatus compares the local state with the source. Remote fields stay
// zero when the source cannot be reached.
func (u *Updater) GetStatus(ctx context.Context) (*Status, error) {
	state, err := u.LoadState()
	if err != nil {
		return nil, err
	}
	src := u.fetcher.Source()
	status := &Status{
		Source:         src.Name,
		SourceURL:      src.BaseURL,
		LocalSequence:  state.SequenceNumber,
		LocalTimestamp: state.Timestamp,
	}

	remote, err := u.fetcher.FetchCurrentState(ctx)
	if err != nil {
		u.log.Warn("Source unreachable", zap.String("url", src.StateURL()), zap.Error(err))
		return status, nil
	}
	status.RemoteSequence = remote.SequenceNumber
	status.RemoteTimestamp = remote.Timestamp
	status.Behind = remote.SequenceNumber - state.SequenceNumber
	status.Lag = remote.Timestamp.Sub(state.Timestamp)
	return status, nil
}

func (s *Status) String() string {
	str := fmt.Sprintf("Source: %s\n", s.Source)
	str += fmt.Sprintf("URL: %s\n", s.SourceURL)
	str += fmt.Sprintf("Local sequence: %d\n", s.LocalSequence)
	str += fmt.Sprintf("Local timestamp: %s\n", s.LocalTimestamp.Format(time.RFC3339))

	if s.RemoteSequence > 0 {
		str += fmt.Sprintf("Remote sequence: %d\n", s.RemoteSequence)
		str += fmt.Sprintf("Remote timestamp: %s\n", s.RemoteTimestamp.Format(time.RFC3339))
		str += fmt.Sprintf("Behind: %d sequences\n", s.Behind)
		str += fmt.Sprintf("Lag: %s\n", s.Lag.Round(time.Second))
	}
	return str
}
