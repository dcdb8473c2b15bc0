package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutsack/cashu"
	"github.com/elnosh/nutsack/cashu/nuts/nut12"
	"github.com/elnosh/nutsack/cashu/nuts/nut13"
	"github.com/elnosh/nutsack/crypto"
	"github.com/elnosh/nutsack/wallet/storage"
)

var ErrSignaturesMismatch = errors.New("number of signatures does not match the outputs")

// amount set on blank outputs. The mint overwrites it.
const blankOutputAmount = 1

// blankOutputsCount is the number of blank outputs needed to hold any
// change up to maxChange.
func blankOutputsCount(maxChange uint64) int {
	if maxChange == 0 {
		return 0
	}
	return max(bits.Len64(maxChange-1), 1)
}

// BlindingData is what the wallet keeps for each output sent to the mint.
// The i-th entry of each slice belongs to the i-th output.
type BlindingData struct {
	Outputs cashu.BlindedMessages
	Secrets []string
	Rs      []*secp256k1.PrivateKey
}

func (bd BlindingData) Len() int {
	return len(bd.Outputs)
}

// Append adds the outputs of other after the ones in bd.
func (bd BlindingData) Append(other BlindingData) BlindingData {
	return BlindingData{
		Outputs: append(append(cashu.BlindedMessages{}, bd.Outputs...), other.Outputs...),
		Secrets: append(append([]string{}, bd.Secrets...), other.Secrets...),
		Rs:      append(append([]*secp256k1.PrivateKey{}, bd.Rs...), other.Rs...),
	}
}

func (bd BlindingData) PendingOutputs() []storage.PendingOutput {
	outputs := make([]storage.PendingOutput, bd.Len())
	for i, output := range bd.Outputs {
		outputs[i] = storage.PendingOutput{
			Amount: output.Amount,
			B_:     output.B_,
			Secret: bd.Secrets[i],
			R:      hex.EncodeToString(bd.Rs[i].Serialize()),
		}
	}
	return outputs
}

func BlindingDataFromPending(keysetId string, pendingOutputs []storage.PendingOutput) (BlindingData, error) {
	data := BlindingData{
		Outputs: make(cashu.BlindedMessages, len(pendingOutputs)),
		Secrets: make([]string, len(pendingOutputs)),
		Rs:      make([]*secp256k1.PrivateKey, len(pendingOutputs)),
	}
	for i, output := range pendingOutputs {
		rbytes, err := hex.DecodeString(output.R)
		if err != nil {
			return BlindingData{}, fmt.Errorf("invalid blinding factor: %v", err)
		}
		data.Outputs[i] = cashu.BlindedMessage{Amount: output.Amount, B_: output.B_, Id: keysetId}
		data.Secrets[i] = output.Secret
		data.Rs[i] = secp256k1.PrivKeyFromBytes(rbytes)
	}
	return data, nil
}

// BlindSigScheme creates the outputs for the mint to sign and
// turns the signatures back into proofs.
type BlindSigScheme interface {
	CreateOutputs(amount uint64, keyset *crypto.WalletKeyset) (BlindingData, error)
	// CreateBlankOutputs creates count outputs with no set amount. The
	// mint picks the amounts when it signs them (NUT-08).
	CreateBlankOutputs(count int, keyset *crypto.WalletKeyset) (BlindingData, error)
	ToProofs(signatures cashu.BlindedSignatures, data BlindingData, keyset *crypto.WalletKeyset) (cashu.Proofs, error)
}

// deterministicScheme derives secrets and blinding factors from the
// wallet seed so proofs can be recovered from the mnemonic.
type deterministicScheme struct {
	db        storage.DB
	masterKey *hdkeychain.ExtendedKey
}

func newDeterministicScheme(db storage.DB, masterKey *hdkeychain.ExtendedKey) *deterministicScheme {
	return &deterministicScheme{db: db, masterKey: masterKey}
}

// CreateOutputs reserves counters for the outputs in the keyset before
// deriving them so the same secret is never used twice.
func (s *deterministicScheme) CreateOutputs(amount uint64, keyset *crypto.WalletKeyset) (BlindingData, error) {
	amounts, err := splitForKeyset(amount, keyset)
	if err != nil {
		return BlindingData{}, err
	}
	return s.deriveOutputs(amounts, keyset)
}

func (s *deterministicScheme) CreateBlankOutputs(count int, keyset *crypto.WalletKeyset) (BlindingData, error) {
	if count < 0 {
		return BlindingData{}, fmt.Errorf("invalid number of blank outputs: %v", count)
	}
	amounts := make([]uint64, count)
	for i := range amounts {
		amounts[i] = blankOutputAmount
	}
	return s.deriveOutputs(amounts, keyset)
}

func (s *deterministicScheme) deriveOutputs(amounts []uint64, keyset *crypto.WalletKeyset) (BlindingData, error) {
	if len(amounts) == 0 {
		return BlindingData{}, nil
	}

	keysetPath, err := nut13.DeriveKeysetPath(s.masterKey, keyset.Id)
	if err != nil {
		return BlindingData{}, err
	}

	counter, err := s.db.ReserveKeysetCounter(keyset.Id, uint32(len(amounts)))
	if err != nil {
		return BlindingData{}, fmt.Errorf("could not reserve keyset counter: %v", err)
	}

	data := BlindingData{
		Outputs: make(cashu.BlindedMessages, len(amounts)),
		Secrets: make([]string, len(amounts)),
		Rs:      make([]*secp256k1.PrivateKey, len(amounts)),
	}
	for i, amt := range amounts {
		secret, r, err := deriveOutput(keysetPath, counter+uint32(i))
		if err != nil {
			return BlindingData{}, err
		}
		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return BlindingData{}, err
		}
		data.Outputs[i] = cashu.NewBlindedMessage(keyset.Id, amt, B_)
		data.Secrets[i] = secret
		data.Rs[i] = r
	}

	return data, nil
}

func (s *deterministicScheme) ToProofs(
	signatures cashu.BlindedSignatures,
	data BlindingData,
	keyset *crypto.WalletKeyset,
) (cashu.Proofs, error) {
	return constructProofs(signatures, data, keyset)
}

func deriveOutput(keysetPath *hdkeychain.ExtendedKey, counter uint32) (string, *secp256k1.PrivateKey, error) {
	secret, err := nut13.DeriveSecret(keysetPath, counter)
	if err != nil {
		return "", nil, err
	}
	r, err := nut13.DeriveBlindingFactor(keysetPath, counter)
	if err != nil {
		return "", nil, err
	}
	return secret, r, nil
}

// constructProofs pairs the i-th signature with the i-th output.
func constructProofs(
	signatures cashu.BlindedSignatures,
	data BlindingData,
	keyset *crypto.WalletKeyset,
) (cashu.Proofs, error) {
	if len(signatures) != data.Len() || len(data.Secrets) != data.Len() || len(data.Rs) != data.Len() {
		return nil, ErrSignaturesMismatch
	}

	proofs := make(cashu.Proofs, len(signatures))
	for i, signature := range signatures {
		K, ok := keyset.PublicKeys[signature.Amount]
		if !ok {
			return nil, fmt.Errorf("keyset '%v' has no key for amount %v", keyset.Id, signature.Amount)
		}

		if signature.DLEQ != nil {
			if !nut12.VerifyBlindSignatureDLEQ(*signature.DLEQ, K, data.Outputs[i].B_, signature.C_) {
				return nil, ErrInvalidDLEQ
			}
		}

		C, err := unblindSignature(signature.C_, data.Rs[i], K)
		if err != nil {
			return nil, err
		}

		proof := cashu.Proof{
			Amount: signature.Amount,
			Id:     signature.Id,
			Secret: data.Secrets[i],
			C:      C,
		}
		if signature.DLEQ != nil {
			proof.DLEQ = &cashu.DLEQProof{
				E: signature.DLEQ.E,
				S: signature.DLEQ.S,
				R: hex.EncodeToString(data.Rs[i].Serialize()),
			}
		}
		proofs[i] = proof
	}

	return proofs, nil
}

func unblindSignature(C_str string, r *secp256k1.PrivateKey, key *secp256k1.PublicKey) (string, error) {
	C_bytes, err := hex.DecodeString(C_str)
	if err != nil {
		return "", err
	}
	C_, err := secp256k1.ParsePubKey(C_bytes)
	if err != nil {
		return "", err
	}

	C := crypto.UnblindSignature(C_, r, key)
	return hex.EncodeToString(C.SerializeCompressed()), nil
}

// splitForKeyset splits amount in powers of two that the keyset has keys for.
func splitForKeyset(amount uint64, keyset *crypto.WalletKeyset) ([]uint64, error) {
	amounts := cashu.AmountSplit(amount)
	for _, amt := range amounts {
		if _, ok := keyset.PublicKeys[amt]; !ok {
			return nil, fmt.Errorf("keyset '%v' cannot sign amount %v", keyset.Id, amt)
		}
	}
	return amounts, nil
}
