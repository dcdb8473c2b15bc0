package wallet

import (
	"sync"

	"github.com/elnosh/nutsack/wallet/storage"
)

// ProofStore holds the proofs of the wallet. Writes that
// add and remove proofs are done in a single db transaction.
type ProofStore struct {
	mu sync.Mutex
	db storage.DB
}

func NewProofStore(db storage.DB) *ProofStore {
	return &ProofStore{db: db}
}

// Load returns all stored proofs, including disabled ones.
func (ps *ProofStore) Load() []storage.DBProof {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.db.GetProofs()
}

// Add stores the proofs. A proof with a secret already
// stored replaces the previous one.
func (ps *ProofStore) Add(proofs []storage.DBProof) error {
	return ps.Replace(nil, proofs)
}

// Remove deletes the proofs with matching secrets.
// Proofs that are not stored are ignored.
func (ps *ProofStore) Remove(proofs []storage.DBProof) error {
	return ps.Replace(proofs, nil)
}

func (ps *ProofStore) Replace(remove, add []storage.DBProof) error {
	for _, proof := range add {
		if proof.Amount == 0 {
			return storage.ErrInvalidAmount
		}
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.db.UpdateProofs(dedupBySecret(add), secrets(remove))
}

// Balance returns the amount of spendable proofs from mint.
// If mint is empty, it returns the balance across all mints.
func (ps *ProofStore) Balance(mint string) uint64 {
	var balance uint64
	for _, proof := range ps.Spendable(mint) {
		balance += proof.Amount
	}
	return balance
}

// Spendable returns the proofs from mint that are not disabled.
func (ps *ProofStore) Spendable(mint string) []storage.DBProof {
	proofs := ps.Load()
	spendable := make([]storage.DBProof, 0, len(proofs))
	seen := make(map[string]struct{}, len(proofs))
	for _, proof := range proofs {
		if proof.Disabled {
			continue
		}
		if len(mint) > 0 && proof.MintURL != mint {
			continue
		}
		if _, ok := seen[proof.Secret]; ok {
			continue
		}
		seen[proof.Secret] = struct{}{}
		spendable = append(spendable, proof)
	}
	return spendable
}

func (ps *ProofStore) Select(mint string, target uint64) Selection {
	return SelectProofs(ps.Spendable(mint), target)
}

func (ps *ProofStore) SetDisabled(proofs []storage.DBProof, disabled bool, reason storage.DisabledReason) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.db.SetProofsDisabled(secrets(proofs), disabled, reason)
}

// Quarantined returns the disabled proofs with the given reason.
func (ps *ProofStore) Quarantined(reason storage.DisabledReason) []storage.DBProof {
	quarantined := []storage.DBProof{}
	for _, proof := range ps.Load() {
		if proof.Disabled && proof.DisabledReason == reason {
			quarantined = append(quarantined, proof)
		}
	}
	return quarantined
}

// MoveToPending takes the proofs out of the spendable set
// while the melt quote is being paid.
func (ps *ProofStore) MoveToPending(proofs []storage.DBProof, quoteId string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.db.MoveToPending(secrets(proofs), quoteId)
}

func (ps *ProofStore) RestorePending(quoteId string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.db.RestorePending(quoteId)
}

func (ps *ProofStore) DeletePending(quoteId string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.db.DeletePendingProofsByQuoteId(quoteId)
}

func (ps *ProofStore) Pending() []storage.DBProof {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.db.GetPendingProofs()
}

func (ps *ProofStore) PendingByQuote(quoteId string) []storage.DBProof {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.db.GetPendingProofsByQuoteId(quoteId)
}

func secrets(proofs []storage.DBProof) []string {
	secrets := make([]string, len(proofs))
	for i, proof := range proofs {
		secrets[i] = proof.Secret
	}
	return secrets
}

// last proof with a secret wins
func dedupBySecret(proofs []storage.DBProof) []storage.DBProof {
	if len(proofs) == 0 {
		return proofs
	}
	idx := make(map[string]int, len(proofs))
	deduped := make([]storage.DBProof, 0, len(proofs))
	for _, proof := range proofs {
		if i, ok := idx[proof.Secret]; ok {
			deduped[i] = proof
			continue
		}
		idx[proof.Secret] = len(deduped)
		deduped = append(deduped, proof)
	}
	return deduped
}
