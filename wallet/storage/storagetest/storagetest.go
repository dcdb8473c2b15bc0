// Package storagetest has the tests every storage.DB implementation must pass.
package storagetest

import (
	"math/rand/v2"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/elnosh/nutsack/cashu"
	"github.com/elnosh/nutsack/crypto"
	"github.com/elnosh/nutsack/wallet/storage"
)

const mintURL = "http://localhost:3338"

func RunDBTests(t *testing.T, newDB func(t *testing.T) storage.DB) {
	tests := []struct {
		name string
		test func(t *testing.T, db storage.DB)
	}{
		{"Proofs", testProofs},
		{"UpdateProofs", testUpdateProofs},
		{"DisabledProofs", testDisabledProofs},
		{"PendingProofs", testPendingProofs},
		{"Seed", testSeed},
		{"Keysets", testKeysets},
		{"PendingMints", testPendingMints},
		{"Transactions", testTransactions},
		{"FeeHints", testFeeHints},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			db := newDB(t)
			defer db.Close()
			test.test(t, db)
		})
	}
}

func testProofs(t *testing.T, db storage.DB) {
	numProofs := 50
	randomProofs := GenerateRandomProofs("009a1f293253e41e", numProofs)

	if err := db.SaveProofs(randomProofs); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}

	proofs := db.GetProofs()
	if len(proofs) != numProofs {
		t.Fatalf("expected '%v' proofs from db but got '%v'", numProofs, len(proofs))
	}

	for _, proof := range proofs {
		if proof.Y == "" {
			t.Fatal("expected Y to be set on saved proof")
		}
	}

	clearY(proofs)
	sortProofs(randomProofs)
	sortProofs(proofs)
	if !reflect.DeepEqual(randomProofs, proofs) {
		t.Fatal("proofs from db do not match randomly generated ones saved to db")
	}

	// saving the same proofs again should not duplicate them
	if err := db.SaveProofs(randomProofs[:10]); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}
	if len(db.GetProofs()) != numProofs {
		t.Fatalf("expected '%v' proofs from db but got '%v'", numProofs, len(db.GetProofs()))
	}

	invalid := GenerateRandomProofs("009a1f293253e41e", 1)
	invalid[0].Amount = 0
	if err := db.SaveProofs(invalid); err != storage.ErrInvalidAmount {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrInvalidAmount, err)
	}
}

func testUpdateProofs(t *testing.T, db storage.DB) {
	proofs := GenerateRandomProofs("009a1f293253e41e", 10)
	if err := db.SaveProofs(proofs); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}

	newProofs := GenerateRandomProofs("009a1f293253e41e", 3)
	toRemove := []string{proofs[0].Secret, proofs[1].Secret, "secret-not-in-db"}
	if err := db.UpdateProofs(newProofs, toRemove); err != nil {
		t.Fatalf("error updating proofs: %v", err)
	}

	dbProofs := db.GetProofs()
	if len(dbProofs) != 11 {
		t.Fatalf("expected '%v' proofs from db but got '%v'", 11, len(dbProofs))
	}
	for _, proof := range dbProofs {
		if proof.Secret == proofs[0].Secret || proof.Secret == proofs[1].Secret {
			t.Fatalf("proof '%v' should have been removed", proof.Secret)
		}
	}

	// failing add should not remove anything
	invalid := GenerateRandomProofs("009a1f293253e41e", 1)
	invalid[0].Amount = 0
	if err := db.UpdateProofs(invalid, []string{proofs[2].Secret}); err == nil {
		t.Fatal("expected error saving proof with zero amount")
	}
	if len(db.GetProofs()) != 11 {
		t.Fatalf("expected '%v' proofs from db but got '%v'", 11, len(db.GetProofs()))
	}
}

func testDisabledProofs(t *testing.T, db storage.DB) {
	proofs := GenerateRandomProofs("009a1f293253e41e", 5)
	if err := db.SaveProofs(proofs); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}

	secrets := []string{proofs[0].Secret, proofs[1].Secret}
	if err := db.SetProofsDisabled(secrets, true, storage.DisabledSwapFail); err != nil {
		t.Fatalf("error disabling proofs: %v", err)
	}

	disabled := 0
	for _, proof := range db.GetProofs() {
		if proof.Disabled {
			disabled++
			if proof.DisabledReason != storage.DisabledSwapFail {
				t.Fatalf("expected '%v' but got '%v'", storage.DisabledSwapFail, proof.DisabledReason)
			}
		}
	}
	if disabled != 2 {
		t.Fatalf("expected '%v' disabled proofs but got '%v'", 2, disabled)
	}

	if err := db.SetProofsDisabled(secrets[:1], false, ""); err != nil {
		t.Fatalf("error enabling proofs: %v", err)
	}
	for _, proof := range db.GetProofs() {
		if proof.Secret == secrets[0] && (proof.Disabled || proof.DisabledReason != "") {
			t.Fatalf("expected proof to be enabled but got '%+v'", proof)
		}
	}

	if err := db.SetProofsDisabled([]string{"unknown"}, true, storage.DisabledByUser); err == nil {
		t.Fatal("expected error disabling proof not in db")
	}
}

func testPendingProofs(t *testing.T, db storage.DB) {
	proofs := GenerateRandomProofs("009a1f293253e41e", 10)
	if err := db.SaveProofs(proofs); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}
	before := db.GetProofs()

	quoteId := "quoteId12345"
	secrets := []string{proofs[0].Secret, proofs[1].Secret, proofs[2].Secret}
	if err := db.MoveToPending(secrets, quoteId); err != nil {
		t.Fatalf("error moving proofs to pending: %v", err)
	}

	if len(db.GetProofs()) != 7 {
		t.Fatalf("expected '%v' proofs from db but got '%v'", 7, len(db.GetProofs()))
	}
	pending := db.GetPendingProofsByQuoteId(quoteId)
	if len(pending) != 3 {
		t.Fatalf("expected '%v' pending proofs but got '%v'", 3, len(pending))
	}
	for _, proof := range pending {
		if proof.MeltQuoteId != quoteId {
			t.Fatalf("expected '%v' but got '%v'", quoteId, proof.MeltQuoteId)
		}
	}
	if len(db.GetPendingProofsByQuoteId("other")) != 0 {
		t.Fatal("expected no pending proofs for other quote")
	}

	// restoring should leave the proofs identical to before
	if err := db.RestorePending(quoteId); err != nil {
		t.Fatalf("error restoring pending proofs: %v", err)
	}
	after := db.GetProofs()
	sortProofs(before)
	sortProofs(after)
	if !reflect.DeepEqual(before, after) {
		t.Fatal("proofs after restoring pending do not match proofs before")
	}
	if len(db.GetPendingProofs()) != 0 {
		t.Fatalf("expected no pending proofs but got '%v'", len(db.GetPendingProofs()))
	}
	if err := db.RestorePending(quoteId); err != storage.ErrPendingNotFound {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrPendingNotFound, err)
	}

	if err := db.MoveToPending(secrets, quoteId); err != nil {
		t.Fatalf("error moving proofs to pending: %v", err)
	}
	if err := db.DeletePendingProofsByQuoteId(quoteId); err != nil {
		t.Fatalf("error deleting pending proofs: %v", err)
	}
	if len(db.GetPendingProofs()) != 0 || len(db.GetProofs()) != 7 {
		t.Fatal("expected pending proofs to be deleted")
	}

	if err := db.MoveToPending([]string{"unknown"}, quoteId); err == nil {
		t.Fatal("expected error moving proof not in db")
	}
}

func testSeed(t *testing.T, db storage.DB) {
	if seed := db.GetSeed(); len(seed) != 0 {
		t.Fatalf("expected empty seed but got '%v'", seed)
	}

	mnemonic := "half depart obvious quality work element tank gorilla view sugar picture humble"
	seed := []byte{1, 2, 3, 4, 5}
	if err := db.SaveMnemonicSeed(mnemonic, seed); err != nil {
		t.Fatalf("error saving seed: %v", err)
	}

	if !slices.Equal(db.GetSeed(), seed) {
		t.Fatalf("expected '%v' but got '%v'", seed, db.GetSeed())
	}
	if db.GetMnemonic() != mnemonic {
		t.Fatalf("expected '%v' but got '%v'", mnemonic, db.GetMnemonic())
	}
}

func testKeysets(t *testing.T, db storage.DB) {
	mintKeyset := crypto.GenerateKeyset("seed", "m/0'/0'/0'", 100)
	pubkeys, _ := crypto.MapPubKeys(mintKeyset.PublicKeys())
	keyset := crypto.WalletKeyset{
		Id:          mintKeyset.Id,
		MintURL:     mintURL,
		Unit:        "sat",
		Active:      true,
		PublicKeys:  pubkeys,
		InputFeePpk: 100,
	}

	if err := db.SaveKeyset(&keyset); err != nil {
		t.Fatalf("error saving keyset: %v", err)
	}

	keysets := db.GetKeysets()
	if len(keysets[mintURL]) != 1 {
		t.Fatalf("expected '%v' keysets but got '%v'", 1, len(keysets[mintURL]))
	}
	saved := db.GetKeyset(keyset.Id)
	if saved == nil {
		t.Fatal("expected keyset but got nil")
	}
	if saved.InputFeePpk != 100 || !saved.Active || len(saved.PublicKeys) != len(pubkeys) {
		t.Fatalf("keyset from db does not match saved one: '%+v'", saved)
	}

	start, err := db.ReserveKeysetCounter(keyset.Id, 5)
	if err != nil {
		t.Fatalf("error reserving counter: %v", err)
	}
	if start != 0 {
		t.Fatalf("expected '%v' but got '%v'", 0, start)
	}
	start, _ = db.ReserveKeysetCounter(keyset.Id, 3)
	if start != 5 {
		t.Fatalf("expected '%v' but got '%v'", 5, start)
	}

	// saving the keyset again should not reset the counter
	keyset.Active = false
	if err := db.SaveKeyset(&keyset); err != nil {
		t.Fatalf("error saving keyset: %v", err)
	}
	saved = db.GetKeyset(keyset.Id)
	if saved.Counter != 8 {
		t.Fatalf("expected '%v' but got '%v'", 8, saved.Counter)
	}
	if saved.Active {
		t.Fatal("expected keyset to be inactive")
	}

	if _, err := db.ReserveKeysetCounter("unknown", 1); err != storage.ErrKeysetNotFound {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrKeysetNotFound, err)
	}
	if db.GetKeyset("unknown") != nil {
		t.Fatal("expected nil keyset")
	}
}

func testPendingMints(t *testing.T, db storage.DB) {
	pendingMint := storage.PendingMint{
		QuoteId:  "quote1",
		MintURL:  mintURL,
		KeysetId: "009a1f293253e41e",
		Outputs: []storage.PendingOutput{
			{Amount: 8, B_: "b8", Secret: "s8", R: "r8"},
			{Amount: 1, B_: "b1", Secret: "s1", R: "r1"},
			{Amount: 4, B_: "b4", Secret: "s4", R: "r4"},
		},
		ExpectedAmount: 13,
		Request:        "lnbc130n1",
		Expiry:         1700000000,
		CreatedAt:      time.Now().Unix(),
	}

	if err := db.SavePendingMint(pendingMint); err != nil {
		t.Fatalf("error saving pending mint: %v", err)
	}

	saved := db.GetPendingMint(pendingMint.QuoteId)
	if saved == nil {
		t.Fatal("expected pending mint but got nil")
	}
	// order of outputs must be kept
	if !reflect.DeepEqual(pendingMint, *saved) {
		t.Fatalf("expected '%+v' but got '%+v'", pendingMint, *saved)
	}

	other := pendingMint
	other.QuoteId = "quote2"
	db.SavePendingMint(other)
	if len(db.GetPendingMints()) != 2 {
		t.Fatalf("expected '%v' pending mints but got '%v'", 2, len(db.GetPendingMints()))
	}

	if err := db.DeletePendingMint(pendingMint.QuoteId); err != nil {
		t.Fatalf("error deleting pending mint: %v", err)
	}
	if db.GetPendingMint(pendingMint.QuoteId) != nil {
		t.Fatal("expected pending mint to be deleted")
	}
}

func testTransactions(t *testing.T, db storage.DB) {
	now := time.Now()
	txs := []storage.Transaction{
		{Id: "1", Type: storage.TxReceive, Amount: 100, Timestamp: now.Add(-2 * time.Minute), Status: storage.TxConfirmed, MintURL: mintURL},
		{Id: "2", Type: storage.TxSend, Amount: 21, Timestamp: now, Status: storage.TxPending, MintURL: mintURL, QuoteId: "q"},
		{Id: "3", Type: storage.TxSend, Amount: 5, Timestamp: now.Add(-time.Minute), Status: storage.TxConfirmed, Memo: "memo"},
	}

	for _, tx := range txs {
		if err := db.SaveTransaction(tx); err != nil {
			t.Fatalf("error saving transaction: %v", err)
		}
	}

	saved := db.GetTransactions()
	if len(saved) != 3 {
		t.Fatalf("expected '%v' transactions but got '%v'", 3, len(saved))
	}
	expectedOrder := []string{"2", "3", "1"}
	for i, tx := range saved {
		if tx.Id != expectedOrder[i] {
			t.Fatalf("expected '%v' but got '%v'", expectedOrder[i], tx.Id)
		}
	}
	if !saved[0].Timestamp.Equal(now) {
		t.Fatalf("expected '%v' but got '%v'", now, saved[0].Timestamp)
	}

	if err := db.UpdateTransactionStatus("2", storage.TxConfirmed); err != nil {
		t.Fatalf("error updating transaction: %v", err)
	}
	if db.GetTransactions()[0].Status != storage.TxConfirmed {
		t.Fatalf("expected '%v' but got '%v'", storage.TxConfirmed, db.GetTransactions()[0].Status)
	}

	if err := db.UpdateTransactionStatus("unknown", storage.TxFailed); err != storage.ErrTxNotFound {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrTxNotFound, err)
	}
}

func testFeeHints(t *testing.T, db storage.DB) {
	if _, ok := db.GetFeeHint("localhost:3338"); ok {
		t.Fatal("expected no fee hint")
	}

	if err := db.SaveFeeHint(storage.FeeHint{MintKey: "localhost:3338", FeeReserve: 2}); err != nil {
		t.Fatalf("error saving fee hint: %v", err)
	}
	db.SaveFeeHint(storage.FeeHint{MintKey: "localhost:3338", FeeReserve: 3})

	hint, ok := db.GetFeeHint("localhost:3338")
	if !ok || hint.FeeReserve != 3 {
		t.Fatalf("expected '%v' but got '%v'", 3, hint.FeeReserve)
	}
}

func generateRandomString(length int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}

func GenerateRandomProofs(keysetId string, num int) []storage.DBProof {
	proofs := make([]storage.DBProof, num)

	for i := 0; i < num; i++ {
		proof := storage.DBProof{
			Amount:  uint64(1) << rand.IntN(10),
			Id:      keysetId,
			Secret:  generateRandomString(64),
			C:       generateRandomString(64),
			MintURL: mintURL,
		}
		if i%2 == 0 {
			proof.DLEQ = &cashu.DLEQProof{E: generateRandomString(64), S: generateRandomString(64)}
		}
		proofs[i] = proof
	}

	return proofs
}

func clearY(proofs []storage.DBProof) {
	for i := range proofs {
		proofs[i].Y = ""
	}
}

func sortProofs(proofs []storage.DBProof) {
	slices.SortFunc(proofs, func(a, b storage.DBProof) int {
		return strings.Compare(a.Secret, b.Secret)
	})
}
