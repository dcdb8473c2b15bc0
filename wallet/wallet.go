package wallet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/elnosh/nutsack/cashu"
	"github.com/elnosh/nutsack/cashu/nuts/nut13"
	"github.com/elnosh/nutsack/crypto"
	"github.com/elnosh/nutsack/wallet/storage"
	"github.com/elnosh/nutsack/wallet/transport"
	"github.com/tyler-smith/go-bip39"
)

type Wallet struct {
	db        storage.DB
	logger    *slog.Logger
	logCloser io.Closer
	unit      cashu.Unit
	masterKey *hdkeychain.ExtendedKey

	mintsMu sync.Mutex
	// current mint url
	currentMint string
	mints       map[string]walletMint

	proofs    *ProofStore
	pending   *PendingMints
	feeHints  *FeeHints
	ledger    *Ledger
	poller    *QuotePoller
	scheme    BlindSigScheme
	deliverer PayloadDeliverer

	// held by flows that select proofs and spend them
	spendMu sync.Mutex

	redeemMu  sync.Mutex
	redeeming map[string]struct{}

	meltMu      sync.Mutex
	meltChanges map[string]meltChange

	pendingMintTTL time.Duration
}

type walletMint struct {
	mintURL         string
	activeKeyset    crypto.WalletKeyset
	inactiveKeysets map[string]crypto.WalletKeyset
}

func LoadWallet(ctx context.Context, config Config) (_ *Wallet, err error) {
	config.setDefaults()
	if err := os.MkdirAll(config.WalletPath, 0700); err != nil {
		return nil, err
	}

	logger, logCloser, err := setupLogger(config)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil && logCloser != nil {
			logCloser.Close()
		}
	}()

	db, err := InitStorage(config.DBBackend, config.WalletPath)
	if err != nil {
		return nil, fmt.Errorf("InitStorage: %v", err)
	}
	// release the db lock so the wallet can be loaded again
	defer func() {
		if err != nil {
			db.Close()
		}
	}()

	seed := db.GetSeed()
	if len(seed) == 0 {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return nil, fmt.Errorf("error generating seed: %v", err)
		}
		mnemonic, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, fmt.Errorf("error generating seed: %v", err)
		}
		seed = bip39.NewSeed(mnemonic, "")
		if err := db.SaveMnemonicSeed(mnemonic, seed); err != nil {
			return nil, err
		}
	}

	masterKey, err := nut13.MasterKeyFromSeed(seed)
	if err != nil {
		return nil, err
	}

	mintURL, err := normalizeMintURL(config.CurrentMintURL)
	if err != nil {
		return nil, err
	}

	deliverer := config.Deliverer
	if deliverer == nil {
		deliverer = transport.NewDispatcher(transport.NewRelayPool(), config.Relays, logger)
	}

	wallet := &Wallet{
		db:             db,
		logger:         logger,
		logCloser:      logCloser,
		unit:           config.Unit,
		masterKey:      masterKey,
		currentMint:    mintURL,
		mints:          make(map[string]walletMint),
		proofs:         NewProofStore(db),
		pending:        NewPendingMints(db),
		feeHints:       NewFeeHints(db),
		ledger:         NewLedger(db),
		poller:         NewQuotePoller(config.PollInterval, config.PollMaxIterations, logger),
		scheme:         newDeterministicScheme(db, masterKey),
		deliverer:      deliverer,
		redeeming:      make(map[string]struct{}),
		meltChanges:    make(map[string]meltChange),
		pendingMintTTL: config.PendingMintTTL,
	}
	wallet.loadMintsFromDB()

	if _, err := wallet.activeKeyset(ctx, mintURL); err != nil {
		// a known mint can still be used for the proofs already stored
		if _, known := wallet.mints[mintURL]; !known || !errors.Is(err, ErrMintUnreachable) {
			return nil, fmt.Errorf("error setting up wallet: %w", err)
		}
		wallet.logErrorf("could not reach mint '%v': %v", mintURL, err)
	}

	return wallet, nil
}

func (w *Wallet) loadMintsFromDB() {
	for mintURL, keysets := range w.db.GetKeysets() {
		mint := walletMint{mintURL: mintURL, inactiveKeysets: make(map[string]crypto.WalletKeyset)}
		for _, keyset := range keysets {
			if keyset.Unit != w.unit.String() {
				continue
			}
			if keyset.Active {
				mint.activeKeyset = keyset
			} else {
				mint.inactiveKeysets[keyset.Id] = keyset
			}
		}
		if mint.activeKeyset.Id != "" {
			w.mints[mintURL] = mint
		}
	}
}

func (w *Wallet) Shutdown() error {
	w.poller.StopAll()

	err := w.db.Close()
	if w.logCloser != nil {
		if closeErr := w.logCloser.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

func (w *Wallet) CurrentMint() string {
	w.mintsMu.Lock()
	defer w.mintsMu.Unlock()
	return w.currentMint
}

// SetCurrentMint changes the mint used for new operations.
func (w *Wallet) SetCurrentMint(ctx context.Context, mint string) error {
	mintURL, err := normalizeMintURL(mint)
	if err != nil {
		return err
	}
	if _, err := w.activeKeyset(ctx, mintURL); err != nil {
		return err
	}
	w.mintsMu.Lock()
	w.currentMint = mintURL
	w.mintsMu.Unlock()
	return nil
}

func (w *Wallet) TrustedMints() []string {
	w.mintsMu.Lock()
	defer w.mintsMu.Unlock()
	mints := make([]string, 0, len(w.mints))
	for mintURL := range w.mints {
		mints = append(mints, mintURL)
	}
	return mints
}

// GetBalance returns the spendable balance of the current mint.
func (w *Wallet) GetBalance() uint64 {
	return w.proofs.Balance(w.CurrentMint())
}

// GetBalanceByMints returns the spendable balance per mint.
func (w *Wallet) GetBalanceByMints() map[string]uint64 {
	balances := make(map[string]uint64)
	for _, proof := range w.proofs.Spendable("") {
		balances[proof.MintURL] += proof.Amount
	}
	return balances
}

func (w *Wallet) Mnemonic() string {
	return w.db.GetMnemonic()
}

func (w *Wallet) Transactions() []storage.Transaction {
	return w.ledger.List()
}

func (w *Wallet) PendingMints() []storage.PendingMint {
	return w.pending.List()
}

func (w *Wallet) PendingProofs() []storage.DBProof {
	return w.proofs.Pending()
}

func (w *Wallet) QuarantinedProofs() []storage.DBProof {
	return w.proofs.Quarantined(storage.DisabledSwapFail)
}

// inputFees returns the fee the mint charges to spend the proofs.
func (w *Wallet) inputFees(proofs cashu.Proofs) uint64 {
	var feePpk uint
	for _, proof := range proofs {
		if keyset := w.db.GetKeyset(proof.Id); keyset != nil {
			feePpk += keyset.InputFeePpk
		}
	}
	return uint64((feePpk + 999) / 1000)
}

func toDBProofs(proofs cashu.Proofs, mintURL string) []storage.DBProof {
	dbProofs := make([]storage.DBProof, len(proofs))
	for i, proof := range proofs {
		dbProofs[i] = storage.DBProof{
			Amount:  proof.Amount,
			Id:      proof.Id,
			Secret:  proof.Secret,
			C:       proof.C,
			Witness: proof.Witness,
			DLEQ:    proof.DLEQ,
			MintURL: mintURL,
		}
	}
	return dbProofs
}

func normalizeMintURL(mint string) (string, error) {
	mintURL, err := url.Parse(strings.TrimSpace(mint))
	if err != nil {
		return "", fmt.Errorf("invalid mint url: %v", err)
	}
	if mintURL.Scheme != "http" && mintURL.Scheme != "https" || mintURL.Host == "" {
		return "", fmt.Errorf("invalid mint url '%v'", mint)
	}
	return strings.TrimSuffix(mintURL.String(), "/"), nil
}
