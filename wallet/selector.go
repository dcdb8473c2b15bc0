package wallet

import (
	"slices"

	"github.com/elnosh/nutsack/wallet/storage"
)

type Selection struct {
	Ok     bool
	Picked []storage.DBProof
	Total  uint64
}

// SelectProofs picks proofs from largest to smallest until their
// total covers target. Ok is false if all the proofs do not cover it.
func SelectProofs(proofs []storage.DBProof, target uint64) Selection {
	sorted := slices.Clone(proofs)
	slices.SortStableFunc(sorted, func(a, b storage.DBProof) int {
		switch {
		case a.Amount > b.Amount:
			return -1
		case a.Amount < b.Amount:
			return 1
		}
		return 0
	})

	selection := Selection{Picked: []storage.DBProof{}}
	for _, proof := range sorted {
		if selection.Total >= target {
			break
		}
		selection.Picked = append(selection.Picked, proof)
		selection.Total += proof.Amount
	}
	selection.Ok = selection.Total >= target

	return selection
}
