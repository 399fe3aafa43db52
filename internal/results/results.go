// Package results records evaluation metrics: a tab-separated results file
// per dataset and a per-evaluation history in leveldb.
package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/cnclabs/kgrank/internal/evaluate"
)

// FileName is the results file for a dataset
func FileName(dataset string) string {
	return "results_" + dataset + ".txt"
}

// FormatLine renders one results line (without newline):
// <run>\tMRR:..\tMR:..\thits@1:.. for every cut-off in evaluate.HitsAt.
func FormatLine(run string, m evaluate.Metrics) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\tMRR:%6f\tMR:%6f", run, m.MRR, m.MR)
	for _, k := range evaluate.HitsAt {
		fmt.Fprintf(&sb, "\thits@%d:%6f", k, m.Hit(k))
	}
	return sb.String()
}

// AppendLine appends the run's line to dir/results_<dataset>.txt
func AppendLine(dir, dataset, run string, m evaluate.Metrics) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, FileName(dataset))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open results file: %w", err)
	}
	if _, err := fmt.Fprintln(f, FormatLine(run, m)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Entry is one stored evaluation
type Entry struct {
	Run   string          `json:"run"`
	Split string          `json:"split"`
	Step  int             `json:"step"`
	MRR   float64         `json:"mrr"`
	MR    float64         `json:"mr"`
	Hits  map[int]float64 `json:"hits"`
	Count int             `json:"count"`
	Time  time.Time       `json:"time"`
}

// NewEntry wraps metrics for storage
func NewEntry(run, split string, step int, m evaluate.Metrics) Entry {
	return Entry{
		Run:   run,
		Split: split,
		Step:  step,
		MRR:   m.MRR,
		MR:    m.MR,
		Hits:  m.Hits,
		Count: m.Count,
		Time:  time.Now().UTC(),
	}
}

// History is the evaluation log, keyed run/split/step
type History struct {
	db *leveldb.DB
}

// OpenHistory opens (or creates) the history database at path
func OpenHistory(path string) (*History, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics history: %w", err)
	}
	return &History{db: db}, nil
}

// Close releases the database
func (h *History) Close() error {
	return h.db.Close()
}

func entryKey(run, split string, step int) []byte {
	// zero-padded so keys sort by step
	return []byte(fmt.Sprintf("%s/%s/%012d", run, split, step))
}

// Record stores e, replacing an entry for the same run, split and step
func (h *History) Record(e Entry) error {
	value, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return h.db.Put(entryKey(e.Run, e.Split, e.Step), value, nil)
}

// List returns a run's entries for split ordered by step; an empty split
// lists every split.
func (h *History) List(run, split string) ([]Entry, error) {
	prefix := run + "/"
	if split != "" {
		prefix += split + "/"
	}
	iter := h.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var entries []Entry
	for iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("corrupt history entry %q: %w", iter.Key(), err)
		}
		entries = append(entries, e)
	}
	return entries, iter.Error()
}

// Best returns the entry with the highest MRR for run and split
func (h *History) Best(run, split string) (Entry, bool, error) {
	entries, err := h.List(run, split)
	if err != nil || len(entries) == 0 {
		return Entry{}, false, err
	}
	best := entries[0]
	for _, e := range entries[1:] {
		if e.MRR > best.MRR {
			best = e
		}
	}
	return best, true, nil
}
