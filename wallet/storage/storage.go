package storage

import (
	"errors"
	"time"

	"github.com/elnosh/nutsack/cashu"
	"github.com/elnosh/nutsack/crypto"
)

var (
	ErrProofNotFound   = errors.New("proof not found")
	ErrKeysetNotFound  = errors.New("keyset not found")
	ErrInvalidAmount   = errors.New("proof amount must be greater than zero")
	ErrTxNotFound      = errors.New("transaction not found")
	ErrPendingNotFound = errors.New("pending proofs not found")
)

type DisabledReason string

const (
	DisabledByUser   DisabledReason = "user"
	DisabledSwapFail DisabledReason = "swap_failed"
)

type DB interface {
	GetProofs() []DBProof
	SaveProofs([]DBProof) error
	// UpdateProofs deletes the proofs with the given secrets and saves
	// the new proofs in a single transaction.
	UpdateProofs(add []DBProof, removeSecrets []string) error
	SetProofsDisabled(secrets []string, disabled bool, reason DisabledReason) error

	// MoveToPending moves spendable proofs to the pending area tied to a melt quote.
	MoveToPending(secrets []string, quoteId string) error
	// RestorePending moves pending proofs of a quote back to the spendable set.
	RestorePending(quoteId string) error
	GetPendingProofs() []DBProof
	GetPendingProofsByQuoteId(quoteId string) []DBProof
	DeletePendingProofsByQuoteId(quoteId string) error

	SaveMnemonicSeed(string, []byte) error
	GetSeed() []byte
	GetMnemonic() string

	SaveKeyset(*crypto.WalletKeyset) error
	GetKeysets() crypto.KeysetsMap
	GetKeyset(keysetId string) *crypto.WalletKeyset
	// ReserveKeysetCounter increments the counter of the keyset by num
	// and returns the value it had before.
	ReserveKeysetCounter(keysetId string, num uint32) (uint32, error)

	SavePendingMint(PendingMint) error
	GetPendingMint(quoteId string) *PendingMint
	GetPendingMints() []PendingMint
	DeletePendingMint(quoteId string) error

	SaveTransaction(Transaction) error
	GetTransactions() []Transaction
	UpdateTransactionStatus(id string, status TxStatus) error

	SaveFeeHint(FeeHint) error
	GetFeeHint(mintKey string) (FeeHint, bool)

	Close() error
}

type DBProof struct {
	Y       string           `json:"y"`
	Amount  uint64           `json:"amount"`
	Id      string           `json:"id"`
	Secret  string           `json:"secret"`
	C       string           `json:"c"`
	Witness string           `json:"witness,omitempty"`
	DLEQ    *cashu.DLEQProof `json:"dleq,omitempty"`
	MintURL string           `json:"mint_url"`
	// disabled proofs are kept but excluded from selection
	Disabled       bool           `json:"disabled,omitempty"`
	DisabledReason DisabledReason `json:"disabled_reason,omitempty"`
	// set only for proofs in the pending area
	MeltQuoteId string `json:"melt_quote_id,omitempty"`
}

func (p DBProof) Proof() cashu.Proof {
	return cashu.Proof{
		Amount:  p.Amount,
		Id:      p.Id,
		Secret:  p.Secret,
		C:       p.C,
		Witness: p.Witness,
		DLEQ:    p.DLEQ,
	}
}

func ToProofs(dbProofs []DBProof) cashu.Proofs {
	proofs := make(cashu.Proofs, len(dbProofs))
	for i, p := range dbProofs {
		proofs[i] = p.Proof()
	}
	return proofs
}

// PendingOutput is everything needed to turn the blind signature
// for an output back into a proof.
type PendingOutput struct {
	Amount uint64 `json:"amount"`
	B_     string `json:"B_"`
	Secret string `json:"secret"`
	R      string `json:"r"`
}

// PendingMint links a mint quote to the outputs created for it.
// Outputs[i] pairs with the i-th signature returned by the mint.
type PendingMint struct {
	QuoteId        string          `json:"quote_id"`
	MintURL        string          `json:"mint_url"`
	KeysetId       string          `json:"keyset_id"`
	Outputs        []PendingOutput `json:"outputs"`
	ExpectedAmount uint64          `json:"expected_amount"`
	Request        string          `json:"request"`
	Expiry         int64           `json:"expiry"`
	CreatedAt      int64           `json:"created_at"`
}

func (pm PendingMint) BlindedMessages() cashu.BlindedMessages {
	outputs := make(cashu.BlindedMessages, len(pm.Outputs))
	for i, output := range pm.Outputs {
		outputs[i] = cashu.BlindedMessage{Amount: output.Amount, B_: output.B_, Id: pm.KeysetId}
	}
	return outputs
}

type TxType string

const (
	TxReceive TxType = "receive"
	TxSend    TxType = "send"
)

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

type Transaction struct {
	Id        string    `json:"id"`
	Type      TxType    `json:"type"`
	Amount    uint64    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
	Status    TxStatus  `json:"status"`
	Memo      string    `json:"memo,omitempty"`
	MintURL   string    `json:"mint_url"`
	QuoteId   string    `json:"quote_id,omitempty"`
	Token     string    `json:"token,omitempty"`
}

type FeeHint struct {
	MintKey    string `json:"mint_key"`
	FeeReserve uint64 `json:"fee_reserve"`
}
