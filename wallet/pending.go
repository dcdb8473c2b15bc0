package wallet

import (
	"github.com/elnosh/nutsack/wallet/storage"
)

// PendingMints keeps the outputs created for mint quotes
// until the signatures for them are stored as proofs.
type PendingMints struct {
	db storage.DB
}

func NewPendingMints(db storage.DB) *PendingMints {
	return &PendingMints{db: db}
}

func (pm *PendingMints) Save(pendingMint storage.PendingMint) error {
	return pm.db.SavePendingMint(pendingMint)
}

func (pm *PendingMints) Get(quoteId string) *storage.PendingMint {
	return pm.db.GetPendingMint(quoteId)
}

func (pm *PendingMints) Delete(quoteId string) error {
	return pm.db.DeletePendingMint(quoteId)
}

func (pm *PendingMints) List() []storage.PendingMint {
	return pm.db.GetPendingMints()
}

// OlderThan returns the records created before cutoff (unix seconds).
func (pm *PendingMints) OlderThan(cutoff int64) []storage.PendingMint {
	old := []storage.PendingMint{}
	for _, pendingMint := range pm.List() {
		if pendingMint.CreatedAt < cutoff {
			old = append(old, pendingMint)
		}
	}
	return old
}
