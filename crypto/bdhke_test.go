package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func TestHashToCurve(t *testing.T) {
	tests := []struct {
		message  string
		expected string
	}{
		{message: "0000000000000000000000000000000000000000000000000000000000000000",
			expected: "024cce997d3b518f739663b757deaec95bcd9473c30a14ac2fd04023a739d1a725"},
		{message: "0000000000000000000000000000000000000000000000000000000000000001",
			expected: "022e7158e11c9506f1aa4248bf531298daa7febd6194f003edcd9b93ade6253acf"},
		// takes a few iterations to find a valid point
		{message: "0000000000000000000000000000000000000000000000000000000000000002",
			expected: "026cdbe15362df59cd1dd3c9c11de8aedac2106eca69236ecd9fbe117af897be4f"},
	}

	for _, test := range tests {
		msgBytes, err := hex.DecodeString(test.message)
		if err != nil {
			t.Fatalf("error decoding msg: %v", err)
		}

		pk, err := HashToCurve(msgBytes)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		hexStr := hex.EncodeToString(pk.SerializeCompressed())
		if hexStr != test.expected {
			t.Errorf("expected '%v' but got '%v' instead\n", test.expected, hexStr)
		}
	}
}

func TestBlindMessage(t *testing.T) {
	rbytes, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000001")
	r := secp256k1.PrivKeyFromBytes(rbytes)

	B_, returnedR, err := BlindMessage("test_message", r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := "025cc16fe33b953e2ace39653efb3e7a7049711ae1d8a2f7a9108753f1cdea742b"
	B_Hex := hex.EncodeToString(B_.SerializeCompressed())
	if B_Hex != expected {
		t.Errorf("expected '%v' but got '%v' instead\n", expected, B_Hex)
	}
	if !returnedR.PubKey().IsEqual(r.PubKey()) {
		t.Error("expected blinding factor passed to be returned")
	}

	// random blinding factor when none is passed
	B1, r1, err := BlindMessage("test_message", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	B2, _, _ := BlindMessage("test_message", nil)
	if r1 == nil || B1.IsEqual(B2) {
		t.Error("expected different blinded messages with random blinding factors")
	}
}

func TestUnblindSignature(t *testing.T) {
	dst, _ := hex.DecodeString("02a9acc1e48c25eeeb9289b5031cc57da9fe72f3fe2861d264bdc074209b107ba2")
	C_, err := secp256k1.ParsePubKey(dst)
	if err != nil {
		t.Fatal(err)
	}

	kdst, _ := hex.DecodeString("020000000000000000000000000000000000000000000000000000000000000001")
	K, err := secp256k1.ParsePubKey(kdst)
	if err != nil {
		t.Fatal(err)
	}

	rhex, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000001")
	r := secp256k1.PrivKeyFromBytes(rhex)

	C := UnblindSignature(C_, r, K)
	CHex := hex.EncodeToString(C.SerializeCompressed())
	expected := "03c724d7e6a5443b39ac8acf11f40420adc4f99a02e7cc1b57703d9391f6d129cd"
	if CHex != expected {
		t.Errorf("expected '%v' but got '%v' instead\n", expected, CHex)
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		secret      string
		mintPrivKey string
	}{
		{secret: "test_message", mintPrivKey: "0000000000000000000000000000000000000000000000000000000000000001"},
		{secret: "hello", mintPrivKey: "7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f"},
	}

	for _, test := range tests {
		B_, r, err := BlindMessage(test.secret, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		khex, _ := hex.DecodeString(test.mintPrivKey)
		k := secp256k1.PrivKeyFromBytes(khex)

		C_ := SignBlindedMessage(B_, k)
		C := UnblindSignature(C_, r, k.PubKey())

		if !Verify(test.secret, k, C) {
			t.Errorf("failed verification for secret '%v'", test.secret)
		}
		if Verify(test.secret+"x", k, C) {
			t.Errorf("expected verification to fail for different secret")
		}
	}
}

func TestDLEQ(t *testing.T) {
	a, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}

	B_, _, err := BlindMessage("dleq_secret", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	C_ := SignBlindedMessage(B_, a)

	e, s, err := GenerateDLEQ(a, B_, C_)
	if err != nil {
		t.Fatalf("unexpected error generating DLEQ: %v", err)
	}

	if !VerifyDLEQ(e, s, a.PubKey(), B_, C_) {
		t.Fatal("expected valid DLEQ proof")
	}

	otherKey, _ := secp256k1.GeneratePrivateKey()
	if VerifyDLEQ(e, s, otherKey.PubKey(), B_, C_) {
		t.Fatal("expected DLEQ verification to fail with a different public key")
	}
}

func TestDeriveKeysetId(t *testing.T) {
	keyset := GenerateKeyset("seed", "m/0'/0'/0'", 100)
	if len(keyset.Id) != 16 || keyset.Id[:2] != "00" {
		t.Fatalf("invalid keyset id '%v'", keyset.Id)
	}

	walletKeyset := WalletKeyset{Id: keyset.Id, PublicKeys: make(map[uint64]*secp256k1.PublicKey)}
	for amount, key := range keyset.Keys {
		walletKeyset.PublicKeys[amount] = key.PublicKey
	}
	if id := DeriveKeysetId(walletKeyset.PublicKeys); id != keyset.Id {
		t.Fatalf("expected '%v' but got '%v'", keyset.Id, id)
	}

	otherKeyset := GenerateKeyset("seed", "m/0'/0'/1'", 100)
	if otherKeyset.Id == keyset.Id {
		t.Fatal("expected different ids for different keysets")
	}
}

func TestWalletKeysetJSON(t *testing.T) {
	keyset := GenerateKeyset("seed", "m/0'/0'/0'", 0)
	pubkeys, err := MapPubKeys(keyset.PublicKeys())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	walletKeyset := WalletKeyset{
		Id:          keyset.Id,
		MintURL:     "http://localhost:3338",
		Unit:        "sat",
		Active:      true,
		PublicKeys:  pubkeys,
		InputFeePpk: 100,
		Counter:     21,
	}

	jsonBytes, err := walletKeyset.MarshalJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded WalletKeyset
	if err := decoded.UnmarshalJSON(jsonBytes); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if decoded.Id != walletKeyset.Id || decoded.Counter != 21 || decoded.InputFeePpk != 100 {
		t.Fatalf("expected '%v' but got '%v'", walletKeyset, decoded)
	}
	if len(decoded.PublicKeys) != len(walletKeyset.PublicKeys) {
		t.Fatalf("expected '%v' keys but got '%v'", len(walletKeyset.PublicKeys), len(decoded.PublicKeys))
	}
	for amount, pubkey := range walletKeyset.PublicKeys {
		if !decoded.PublicKeys[amount].IsEqual(pubkey) {
			t.Fatalf("keys for amount %v do not match", amount)
		}
	}
}
