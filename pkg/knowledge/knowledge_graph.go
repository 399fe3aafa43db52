package knowledge

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Triple represents a knowledge graph triple (head, relation, tail)
type Triple struct {
	Head     int64
	Relation int64
	Tail     int64
}

// Edge is a directed entity-to-entity connection used by the graph smoother
type Edge struct {
	Source int64
	Target int64
}

// KnowledgeGraph holds the id-encoded partitions of a dataset together with
// the static structures that accompany them.
type KnowledgeGraph struct {
	NumEntities  int64
	NumRelations int64

	Train []Triple
	Valid []Triple
	Test  []Triple

	// Edges is the directed adjacency for the graph smoother (may be empty)
	Edges []Edge

	// RelationNeighbors maps relation id -> fixed-length neighbor relation ids.
	// Nil when neighbor-relation averaging is disabled.
	RelationNeighbors [][]int64
}

// NewKnowledgeGraph creates an empty knowledge graph with the given vocabulary sizes
func NewKnowledgeGraph(numEntities, numRelations int64) *KnowledgeGraph {
	return &KnowledgeGraph{
		NumEntities:  numEntities,
		NumRelations: numRelations,
	}
}

// AllTrue returns the union of train, valid and test triples in that order
func (kg *KnowledgeGraph) AllTrue() []Triple {
	all := make([]Triple, 0, len(kg.Train)+len(kg.Valid)+len(kg.Test))
	all = append(all, kg.Train...)
	all = append(all, kg.Valid...)
	all = append(all, kg.Test...)
	return all
}

// PadRelation returns the reserved pad relation id (the last relation row).
func (kg *KnowledgeGraph) PadRelation() int64 {
	return kg.NumRelations - 1
}

// Validate checks that every id is inside the vocabulary and that the
// neighbor map is rectangular and covers every relation.
func (kg *KnowledgeGraph) Validate() error {
	check := func(name string, triples []Triple) error {
		for i, t := range triples {
			if t.Head < 0 || t.Head >= kg.NumEntities || t.Tail < 0 || t.Tail >= kg.NumEntities {
				return fmt.Errorf("%s triple %d: entity id out of range [0,%d): %v", name, i, kg.NumEntities, t)
			}
			if t.Relation < 0 || t.Relation >= kg.NumRelations {
				return fmt.Errorf("%s triple %d: relation id out of range [0,%d): %v", name, i, kg.NumRelations, t)
			}
			if kg.RelationNeighbors != nil && t.Relation == kg.PadRelation() {
				return fmt.Errorf("%s triple %d: pad relation %d used as a genuine relation", name, i, t.Relation)
			}
		}
		return nil
	}
	if err := check("train", kg.Train); err != nil {
		return err
	}
	if err := check("valid", kg.Valid); err != nil {
		return err
	}
	if err := check("test", kg.Test); err != nil {
		return err
	}

	for i, e := range kg.Edges {
		if e.Source < 0 || e.Source >= kg.NumEntities || e.Target < 0 || e.Target >= kg.NumEntities {
			return fmt.Errorf("edge %d: entity id out of range: %v", i, e)
		}
	}

	if kg.RelationNeighbors != nil {
		if int64(len(kg.RelationNeighbors)) != kg.NumRelations {
			return fmt.Errorf("relation neighbors cover %d relations, want %d", len(kg.RelationNeighbors), kg.NumRelations)
		}
		width := -1
		for r, neigh := range kg.RelationNeighbors {
			if len(neigh) == 0 {
				return fmt.Errorf("relation %d has no neighbor entries (use the pad id)", r)
			}
			if width == -1 {
				width = len(neigh)
			} else if len(neigh) != width {
				return fmt.Errorf("relation %d has %d neighbors, want fixed length %d", r, len(neigh), width)
			}
			for _, n := range neigh {
				if n < 0 || n >= kg.NumRelations {
					return fmt.Errorf("relation %d: neighbor id %d out of range", r, n)
				}
			}
		}
	}
	return nil
}

// Source names a dataset's files. An empty Edges or RelationNeighbors path
// leaves that structure out.
type Source struct {
	// NumRelations counts the relations the triples may use; the pad
	// relation is not included.
	NumEntities  int64
	NumRelations int64

	Train string
	Valid string
	Test  string

	Edges             string
	RelationNeighbors string
}

// Load reads and validates a dataset. When a relation neighbor map is named,
// one extra relation row is reserved as the pad relation, so NumRelations of
// the result is src.NumRelations+1 and PadRelation is src.NumRelations.
func Load(src Source) (*KnowledgeGraph, error) {
	numRelations := src.NumRelations
	if src.RelationNeighbors != "" {
		numRelations++
	}
	kg := NewKnowledgeGraph(src.NumEntities, numRelations)

	var err error
	if kg.Train, err = LoadTriples(src.Train); err != nil {
		return nil, err
	}
	if kg.Valid, err = LoadTriples(src.Valid); err != nil {
		return nil, err
	}
	if kg.Test, err = LoadTriples(src.Test); err != nil {
		return nil, err
	}
	if src.Edges != "" {
		if kg.Edges, err = LoadEdgeList(src.Edges); err != nil {
			return nil, err
		}
	}
	if src.RelationNeighbors != "" {
		if kg.RelationNeighbors, err = LoadRelationNeighbors(src.RelationNeighbors, numRelations); err != nil {
			return nil, err
		}
	}
	if err := kg.Validate(); err != nil {
		return nil, err
	}
	return kg, nil
}

// LoadTriples loads id-encoded triples from a file
// Format: head relation tail
// Example: "12 3 40"
func LoadTriples(filename string) ([]Triple, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", filename, err)
	}
	defer file.Close()

	return ReadTriples(file)
}

// ReadTriples parses id-encoded triples, skipping blank lines and '#' comments
func ReadTriples(r io.Reader) ([]Triple, error) {
	triples := make([]Triple, 0)
	err := scanFields(r, func(lineNo int, parts []string) error {
		if len(parts) < 3 {
			return fmt.Errorf("line %d: want 3 fields, got %d", lineNo, len(parts))
		}
		ids, err := parseIDs(parts[:3])
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		triples = append(triples, Triple{Head: ids[0], Relation: ids[1], Tail: ids[2]})
		return nil
	})
	return triples, err
}

// LoadEdgeList loads a directed edge list ("source target" per line)
func LoadEdgeList(filename string) ([]Edge, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", filename, err)
	}
	defer file.Close()

	edges := make([]Edge, 0)
	err = scanFields(file, func(lineNo int, parts []string) error {
		if len(parts) < 2 {
			return fmt.Errorf("line %d: want 2 fields, got %d", lineNo, len(parts))
		}
		ids, err := parseIDs(parts[:2])
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		edges = append(edges, Edge{Source: ids[0], Target: ids[1]})
		return nil
	})
	return edges, err
}

// LoadRelationNeighbors loads the relation -> neighbor relations map.
// Format: relation n1 n2 ... nk  (k fixed, pad entries use the pad relation id)
// Relations missing from the file get a single-entry list holding pad.
func LoadRelationNeighbors(filename string, numRelations int64) ([][]int64, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", filename, err)
	}
	defer file.Close()

	neighbors := make([][]int64, numRelations)
	width := 0
	err = scanFields(file, func(lineNo int, parts []string) error {
		if len(parts) < 2 {
			return fmt.Errorf("line %d: relation without neighbors", lineNo)
		}
		ids, err := parseIDs(parts)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		rel := ids[0]
		if rel < 0 || rel >= numRelations {
			return fmt.Errorf("line %d: relation id %d out of range", lineNo, rel)
		}
		if width == 0 {
			width = len(ids) - 1
		}
		neighbors[rel] = ids[1:]
		return nil
	})
	if err != nil {
		return nil, err
	}

	if width == 0 {
		width = 1
	}
	pad := numRelations - 1
	for r := range neighbors {
		if neighbors[r] == nil {
			row := make([]int64, width)
			for i := range row {
				row[i] = pad
			}
			neighbors[r] = row
		}
	}
	return neighbors, nil
}

func scanFields(r io.Reader, fn func(lineNo int, parts []string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := fn(lineNo, strings.Fields(line)); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading input: %w", err)
	}
	return nil
}

func parseIDs(parts []string) ([]int64, error) {
	ids := make([]int64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", p, err)
		}
		ids[i] = v
	}
	return ids, nil
}
