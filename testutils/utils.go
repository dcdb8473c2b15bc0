// Package testutils has helpers shared by the tests of the wallet packages.
package testutils

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutsack/cashu"
	"github.com/elnosh/nutsack/crypto"
)

func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBlindedMessage(id string, amount uint64, B_ *secp256k1.PublicKey) cashu.BlindedMessage {
	B_str := hex.EncodeToString(B_.SerializeCompressed())
	return cashu.BlindedMessage{Amount: amount, B_: B_str, Id: id}
}

// CreateBlindedMessages creates outputs with random secrets for amount.
func CreateBlindedMessages(amount uint64, keysetId string) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	splitAmounts := cashu.AmountSplit(amount)
	splitLen := len(splitAmounts)

	blindedMessages := make(cashu.BlindedMessages, splitLen)
	secrets := make([]string, splitLen)
	rs := make([]*secp256k1.PrivateKey, splitLen)

	for i, amt := range splitAmounts {
		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, nil, err
		}

		var B_ *secp256k1.PublicKey
		var secret string
		// generate random secret until it finds valid point
		for {
			secretBytes, err := GenerateRandomBytes()
			if err != nil {
				return nil, nil, nil, err
			}
			secret = hex.EncodeToString(secretBytes)
			B_, r, err = crypto.BlindMessage(secret, r)
			if err == nil {
				break
			}
		}

		blindedMessages[i] = newBlindedMessage(keysetId, amt, B_)
		secrets[i] = secret
		rs[i] = r
	}

	return blindedMessages, secrets, rs, nil
}

func ConstructProofs(
	blindedSignatures cashu.BlindedSignatures,
	secrets []string,
	rs []*secp256k1.PrivateKey,
	keys map[uint64]*secp256k1.PublicKey,
) (cashu.Proofs, error) {
	if len(blindedSignatures) != len(secrets) || len(blindedSignatures) != len(rs) {
		return nil, errors.New("lengths do not match")
	}

	proofs := make(cashu.Proofs, len(blindedSignatures))
	for i, blindedSignature := range blindedSignatures {
		C_bytes, err := hex.DecodeString(blindedSignature.C_)
		if err != nil {
			return nil, err
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, err
		}

		publicKey, ok := keys[blindedSignature.Amount]
		if !ok {
			return nil, errors.New("key not found")
		}

		C := crypto.UnblindSignature(C_, rs[i], publicKey)
		proof := cashu.Proof{
			Amount: blindedSignature.Amount,
			Secret: secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
			Id:     blindedSignature.Id,
		}
		if blindedSignature.DLEQ != nil {
			proof.DLEQ = &cashu.DLEQProof{
				E: blindedSignature.DLEQ.E,
				S: blindedSignature.DLEQ.S,
				R: hex.EncodeToString(rs[i].Serialize()),
			}
		}
		proofs[i] = proof
	}

	return proofs, nil
}

func GenerateRandomBytes() ([]byte, error) {
	randomBytes := make([]byte, 32)
	_, err := rand.Read(randomBytes)
	if err != nil {
		return nil, err
	}
	return randomBytes, nil
}
