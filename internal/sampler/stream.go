package sampler

import (
	"context"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/cnclabs/kgrank/internal/kge"
	"github.com/cnclabs/kgrank/pkg/knowledge"
)

// StreamOptions configures one corruption direction
type StreamOptions struct {
	Mode      kge.Mode
	BatchSize int
	// Workers bounds the goroutines filling one batch (<= 1 means inline).
	Workers int
	// Prefetch is the capacity of the ready-batch queue.
	Prefetch int
	Seed     int64
}

// Stream cycles over shuffled epochs of the training triples forever,
// producing batches for one mode into a bounded queue. Batch contents depend
// only on the seed, not on worker scheduling.
type Stream struct {
	ch     chan *kge.Batch
	errc   chan error
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStream starts the producer goroutine
func NewStream(ctx context.Context, s *Sampler, triples []knowledge.Triple, opts StreamOptions) (*Stream, error) {
	if len(triples) == 0 {
		return nil, fmt.Errorf("no training triples")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	st := &Stream{
		ch:     make(chan *kge.Batch, opts.Prefetch),
		errc:   make(chan error, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go st.produce(ctx, s, triples, opts)
	return st, nil
}

func (st *Stream) produce(ctx context.Context, s *Sampler, triples []knowledge.Triple, opts StreamOptions) {
	defer close(st.done)
	rng := rand.New(rand.NewSource(opts.Seed))
	indices := make([]int, len(triples))
	for i := range indices {
		indices[i] = i
	}

	for {
		rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})

		for start := 0; start < len(indices); start += opts.BatchSize {
			end := min(start+opts.BatchSize, len(indices))
			positives := make([]knowledge.Triple, 0, end-start)
			for _, idx := range indices[start:end] {
				positives = append(positives, triples[idx])
			}

			batch, err := st.build(ctx, s, positives, opts, rng.Int63())
			if err != nil {
				st.fail(err)
				return
			}
			select {
			case st.ch <- batch:
			case <-ctx.Done():
				return
			}
		}
	}
}

// build fills the batch on up to opts.Workers goroutines; shard k uses a
// generator seeded with batchSeed+k.
func (st *Stream) build(ctx context.Context, s *Sampler, positives []knowledge.Triple, opts StreamOptions, batchSeed int64) (*kge.Batch, error) {
	workers := max(opts.Workers, 1)
	if workers == 1 {
		return s.BuildBatch(positives, opts.Mode, rand.New(rand.NewSource(batchSeed))), nil
	}

	b := &kge.Batch{
		Mode:     opts.Mode,
		Positive: positives,
		Negative: make([][]int64, len(positives)),
		Weight:   make([]float64, len(positives)),
	}
	if s.neighbors != nil {
		b.Neighbors = make([][]int64, len(positives))
	}

	chunk := (len(positives) + workers - 1) / workers
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := min(lo+chunk, len(positives))
		if lo >= hi {
			break
		}
		shardSeed := batchSeed + int64(w)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(shardSeed))
			for i := lo; i < hi; i++ {
				s.fill(b, i, positives[i], rng)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return b, nil
}

func (st *Stream) fail(err error) {
	select {
	case st.errc <- err:
	default:
	}
}

// Next blocks until a batch is ready or ctx is done
func (st *Stream) Next(ctx context.Context) (*kge.Batch, error) {
	select {
	case b := <-st.ch:
		return b, nil
	case err := <-st.errc:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the producer and waits for it to exit
func (st *Stream) Close() {
	st.cancel()
	<-st.done
}

// Bidirectional alternates tail-batch and head-batch streams strictly,
// starting with tail-batch.
type Bidirectional struct {
	head *Stream
	tail *Stream
	step int
}

// NewBidirectional pairs a head-batch and a tail-batch stream
func NewBidirectional(head, tail *Stream) *Bidirectional {
	return &Bidirectional{head: head, tail: tail}
}

// Next returns the next batch in strict alternation
func (b *Bidirectional) Next(ctx context.Context) (*kge.Batch, error) {
	b.step++
	if b.step%2 == 0 {
		return b.head.Next(ctx)
	}
	return b.tail.Next(ctx)
}

// Close stops both streams
func (b *Bidirectional) Close() {
	b.head.Close()
	b.tail.Close()
}

// IteratorOptions configures NewIterator
type IteratorOptions struct {
	BatchSize    int
	NegativeSize int
	Workers      int
	Prefetch     int
	Seed         int64
}

// NewIterator builds the sampler and both streams for the training partition.
func NewIterator(ctx context.Context, kg *knowledge.KnowledgeGraph, opts IteratorOptions) (*Bidirectional, *Sampler, error) {
	s := New(kg, opts.NegativeSize)
	head, err := NewStream(ctx, s, kg.Train, StreamOptions{
		Mode: kge.HeadBatch, BatchSize: opts.BatchSize, Workers: opts.Workers, Prefetch: opts.Prefetch, Seed: opts.Seed,
	})
	if err != nil {
		return nil, nil, err
	}
	tail, err := NewStream(ctx, s, kg.Train, StreamOptions{
		Mode: kge.TailBatch, BatchSize: opts.BatchSize, Workers: opts.Workers, Prefetch: opts.Prefetch, Seed: opts.Seed + 1,
	})
	if err != nil {
		head.Close()
		return nil, nil, err
	}
	return NewBidirectional(head, tail), s, nil
}
