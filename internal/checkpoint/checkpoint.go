// Package checkpoint persists training checkpoints in a badger store keyed
// by run name. Each run has two records: the best model, written only when
// validation improves (or once at the end when validation is off), and the
// resume point of an interrupted run.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/cnclabs/kgrank/internal/embedding"
	"github.com/cnclabs/kgrank/internal/optim"
)

// ErrNotFound is returned when a run has no checkpoint
var ErrNotFound = errors.New("checkpoint not found")

// Kind selects one of a run's records
type Kind int

const (
	// Best is the model that won validation, or the final model when
	// validation is off.
	Best Kind = iota
	// Last is where an interrupted run stopped.
	Last
)

func (k Kind) String() string {
	if k == Last {
		return "last"
	}
	return "best"
}

const (
	keyPrefix    = "checkpoint/"
	resumePrefix = "resume/"
)

func recordKey(run string, kind Kind) []byte {
	if kind == Last {
		return []byte(resumePrefix + run)
	}
	return []byte(keyPrefix + run)
}

// Progress is the training schedule stored with the parameters
type Progress struct {
	Step         int
	LearningRate float64
	WarmUpSteps  int
	BestMRR      float64
	Patience     int
}

// Tensor is a serialised parameter
type Tensor struct {
	Rows int
	Cols int
	Data []float64
}

// Record is everything needed to resume or finalise a run
type Record struct {
	Run  string
	Kind Kind
	Progress
	Params    map[string]Tensor
	Optimizer optim.State
	SavedAt   time.Time
}

// Capture snapshots the parameters and optimiser state
func Capture(run string, kind Kind, params []*embedding.Param, opt *optim.Adam, progress Progress) *Record {
	rec := &Record{
		Run:      run,
		Kind:     kind,
		Progress: progress,
		Params:   make(map[string]Tensor, len(params)),
		SavedAt:  time.Now().UTC(),
	}
	for _, p := range params {
		rec.Params[p.Name] = Tensor{Rows: p.Rows, Cols: p.Cols, Data: append([]float64(nil), p.Data...)}
	}
	if opt != nil {
		rec.Optimizer = opt.State()
	}
	return rec
}

// Apply copies the recorded values into params; shapes must match.
func (r *Record) Apply(params []*embedding.Param) error {
	for _, p := range params {
		t, ok := r.Params[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint %s has no parameter %s", r.Run, p.Name)
		}
		if t.Rows != p.Rows || t.Cols != p.Cols {
			return fmt.Errorf("checkpoint %s: parameter %s is [%d %d], model wants [%d %d]",
				r.Run, p.Name, t.Rows, t.Cols, p.Rows, p.Cols)
		}
		copy(p.Data, t.Data)
	}
	return nil
}

// Store wraps the badger database
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens (or creates) the store in dir; an empty dir keeps it in memory.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Put replaces the run's record of rec.Kind
func (s *Store) Put(rec *Record) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.Run, rec.Kind), buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("failed to write %s checkpoint %s: %w", rec.Kind, rec.Run, err)
	}
	s.logger.Info("checkpoint saved", "run", rec.Run, "kind", rec.Kind.String(), "step", rec.Step, "bytes", buf.Len())
	return nil
}

// Get loads the run's record of the given kind
func (s *Store) Get(run string, kind Kind) (*Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(run, kind))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("run %s (%s): %w", run, kind, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Runs lists every run with a best checkpoint
func (s *Store) Runs() ([]string, error) {
	var runs []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			runs = append(runs, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	return runs, err
}

// Saver checkpoints one run's model and optimiser for the training loop.
type Saver struct {
	Store     *Store
	Run       string
	Params    []*embedding.Param
	Optimizer *optim.Adam
}

// SaveBest replaces the run's best model
func (s *Saver) SaveBest(ctx context.Context, p Progress) error {
	return s.save(ctx, Best, p)
}

// SaveLast replaces the run's resume point
func (s *Saver) SaveLast(ctx context.Context, p Progress) error {
	return s.save(ctx, Last, p)
}

func (s *Saver) save(ctx context.Context, kind Kind, p Progress) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.Put(Capture(s.Run, kind, s.Params, s.Optimizer, p))
}

// Restore loads one of the run's records into the parameters and optimiser.
func (s *Saver) Restore(kind Kind) (*Record, error) {
	rec, err := s.Store.Get(s.Run, kind)
	if err != nil {
		return nil, err
	}
	if err := s.apply(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RestoreLatest loads whichever record is further along, preferring the
// resume point on a tie. It is what a resumed run continues from.
func (s *Saver) RestoreLatest() (*Record, error) {
	best, err := s.Store.Get(s.Run, Best)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	last, err := s.Store.Get(s.Run, Last)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	rec := last
	switch {
	case best == nil && last == nil:
		return nil, fmt.Errorf("run %s: %w", s.Run, ErrNotFound)
	case last == nil || (best != nil && best.Step > last.Step):
		rec = best
	}
	if err := s.apply(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Saver) apply(rec *Record) error {
	if err := rec.Apply(s.Params); err != nil {
		return err
	}
	if s.Optimizer != nil {
		if err := s.Optimizer.Restore(rec.Optimizer); err != nil {
			return err
		}
		s.Optimizer.SetLearningRate(rec.LearningRate)
	}
	return nil
}
