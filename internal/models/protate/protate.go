// Package protate holds the phase-only RotatE variant, which scores
// gamma - modulus * Σ |sin(φ_h + φ_r - φ_t)|. It is deliberately left
// unimplemented: any forward pass through it fails with kge.ErrNotSupported.
package protate

import (
	"fmt"

	"github.com/cnclabs/kgrank/internal/kge"
)

// PRotatE is the placeholder strategy for pRotatE
type PRotatE struct {
	kge.IdentityRelation
}

// New creates the placeholder
func New(kge.Hyper) *PRotatE {
	return &PRotatE{}
}

func (p *PRotatE) Name() string { return "pRotatE" }

func (p *PRotatE) Validate(kge.Shape) error { return nil }

func (p *PRotatE) Halves() (bool, bool) { return false, false }

// Ready always fails, so Score and Grad are never reached.
func (p *PRotatE) Ready() error {
	return fmt.Errorf("pRotatE: %w", kge.ErrNotSupported)
}

func (p *PRotatE) Score(_, _, _ []float64) float64 {
	panic(p.Ready())
}

func (p *PRotatE) Grad(_, _, _ []float64, _ float64, _, _, _ []float64) {
	panic(p.Ready())
}
