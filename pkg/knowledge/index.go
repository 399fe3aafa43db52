package knowledge

import "math"

// FrequencyStart is the pseudo-count every (entity, relation) pattern starts with.
const FrequencyStart = 4

type pairKey struct {
	A int64
	B int64
}

// TrueIndex answers "is this triple known to be true" and lists the known
// heads of a (relation, tail) context and the known tails of a (head, relation)
// context. It is immutable after construction and safe for concurrent reads.
type TrueIndex struct {
	triples map[Triple]struct{}
	heads   map[pairKey]map[int64]struct{} // (relation, tail) -> heads
	tails   map[pairKey]map[int64]struct{} // (head, relation) -> tails
}

// NewTrueIndex indexes the given triples
func NewTrueIndex(triples []Triple) *TrueIndex {
	idx := &TrueIndex{
		triples: make(map[Triple]struct{}, len(triples)),
		heads:   make(map[pairKey]map[int64]struct{}),
		tails:   make(map[pairKey]map[int64]struct{}),
	}
	for _, t := range triples {
		idx.triples[t] = struct{}{}

		rt := pairKey{t.Relation, t.Tail}
		if idx.heads[rt] == nil {
			idx.heads[rt] = make(map[int64]struct{})
		}
		idx.heads[rt][t.Head] = struct{}{}

		hr := pairKey{t.Head, t.Relation}
		if idx.tails[hr] == nil {
			idx.tails[hr] = make(map[int64]struct{})
		}
		idx.tails[hr][t.Tail] = struct{}{}
	}
	return idx
}

// Contains reports whether the triple is known to be true
func (idx *TrueIndex) Contains(t Triple) bool {
	_, ok := idx.triples[t]
	return ok
}

// IsTrueHead reports whether (head, relation, tail) is known for the given head
func (idx *TrueIndex) IsTrueHead(relation, tail, head int64) bool {
	_, ok := idx.heads[pairKey{relation, tail}][head]
	return ok
}

// IsTrueTail reports whether (head, relation, tail) is known for the given tail
func (idx *TrueIndex) IsTrueTail(head, relation, tail int64) bool {
	_, ok := idx.tails[pairKey{head, relation}][tail]
	return ok
}

// Len returns the number of distinct indexed triples
func (idx *TrueIndex) Len() int {
	return len(idx.triples)
}

// Frequency counts how often each (head, relation) and (tail, inverse relation)
// pattern occurs in a triple set. The inverse relation of r is encoded as -r-1.
type Frequency struct {
	counts map[pairKey]int
}

// CountFrequency builds pattern counts from the training triples
func CountFrequency(triples []Triple) *Frequency {
	f := &Frequency{counts: make(map[pairKey]int)}
	for _, t := range triples {
		hr := pairKey{t.Head, t.Relation}
		if _, ok := f.counts[hr]; !ok {
			f.counts[hr] = FrequencyStart
		} else {
			f.counts[hr]++
		}

		tr := pairKey{t.Tail, -t.Relation - 1}
		if _, ok := f.counts[tr]; !ok {
			f.counts[tr] = FrequencyStart
		} else {
			f.counts[tr]++
		}
	}
	return f
}

// Count returns the combined pattern count of a triple
func (f *Frequency) Count(t Triple) int {
	hr, ok := f.counts[pairKey{t.Head, t.Relation}]
	if !ok {
		hr = FrequencyStart
	}
	tr, ok := f.counts[pairKey{t.Tail, -t.Relation - 1}]
	if !ok {
		tr = FrequencyStart
	}
	return hr + tr
}

// SubsamplingWeight returns 1/sqrt(count) for the triple's patterns
func (f *Frequency) SubsamplingWeight(t Triple) float64 {
	return 1 / math.Sqrt(float64(f.Count(t)))
}
