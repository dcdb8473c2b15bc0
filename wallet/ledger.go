package wallet

import (
	"sync"
	"time"

	"github.com/elnosh/nutsack/wallet/storage"
	"github.com/google/uuid"
)

const dedupWindow = time.Second

// Ledger is the history of transactions of the wallet.
type Ledger struct {
	mu  sync.Mutex
	db  storage.DB
	now func() time.Time
}

func NewLedger(db storage.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Record adds tx to the history. It returns false if an entry with the
// same quote id and type, or the same type, amount and memo within a
// second, already exists.
func (l *Ledger) Record(tx storage.Transaction) (storage.Transaction, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tx.Timestamp.IsZero() {
		tx.Timestamp = l.now()
	}
	if tx.Id == "" {
		tx.Id = uuid.NewString()
	}
	if tx.Status == "" {
		tx.Status = storage.TxConfirmed
	}

	for _, existing := range l.db.GetTransactions() {
		if isDuplicate(existing, tx) {
			return existing, false, nil
		}
	}

	if err := l.db.SaveTransaction(tx); err != nil {
		return storage.Transaction{}, false, err
	}
	return tx, true, nil
}

func isDuplicate(existing, tx storage.Transaction) bool {
	if existing.Type != tx.Type {
		return false
	}
	if len(tx.QuoteId) > 0 {
		return existing.QuoteId == tx.QuoteId
	}
	if existing.Amount != tx.Amount || existing.Memo != tx.Memo {
		return false
	}
	diff := tx.Timestamp.Sub(existing.Timestamp)
	return diff < dedupWindow && diff > -dedupWindow
}

// Confirm marks the pending transactions for the quote as confirmed.
// It returns false if there is no transaction for the quote.
func (l *Ledger) Confirm(quoteId string) (bool, error) {
	return l.setStatus(quoteId, storage.TxConfirmed)
}

func (l *Ledger) Fail(quoteId string) (bool, error) {
	return l.setStatus(quoteId, storage.TxFailed)
}

func (l *Ledger) setStatus(quoteId string, status storage.TxStatus) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	found := false
	for _, tx := range l.db.GetTransactions() {
		if tx.QuoteId != quoteId {
			continue
		}
		found = true
		if tx.Status != storage.TxPending {
			continue
		}
		if err := l.db.UpdateTransactionStatus(tx.Id, status); err != nil {
			return found, err
		}
	}
	return found, nil
}

// IsConfirmed reports whether a confirmed transaction of type txType exists for the quote.
func (l *Ledger) IsConfirmed(quoteId string, txType storage.TxType) bool {
	if quoteId == "" {
		return false
	}
	for _, tx := range l.List() {
		if tx.QuoteId == quoteId && tx.Type == txType && tx.Status == storage.TxConfirmed {
			return true
		}
	}
	return false
}

// List returns the transactions newest first.
func (l *Ledger) List() []storage.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.GetTransactions()
}
