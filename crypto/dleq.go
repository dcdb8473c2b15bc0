package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// HashE computes the challenge e of a DLEQ proof. It is the sha256
// of the concatenated hex of the uncompressed public keys.
func HashE(publicKeys []*secp256k1.PublicKey) [32]byte {
	e := ""
	for _, pk := range publicKeys {
		e += hex.EncodeToString(pk.SerializeUncompressed())
	}
	return sha256.Sum256([]byte(e))
}

// GenerateDLEQ proves that C_ = aB_ where A = aG without revealing a.
//
//	R1 = pG
//	R2 = pB_
//	e = hash(R1,R2,A,C_)
//	s = p + e*a
func GenerateDLEQ(
	a *secp256k1.PrivateKey,
	B_ *secp256k1.PublicKey,
	C_ *secp256k1.PublicKey,
) (*secp256k1.PrivateKey, *secp256k1.PrivateKey, error) {
	p, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}

	R1 := p.PubKey()
	R2 := SignBlindedMessage(B_, p)
	A := a.PubKey()

	hash := HashE([]*secp256k1.PublicKey{R1, R2, A, C_})
	e := secp256k1.PrivKeyFromBytes(hash[:])

	var s secp256k1.ModNScalar
	s.Mul2(&e.Key, &a.Key).Add(&p.Key)

	return e, secp256k1.NewPrivateKey(&s), nil
}

// VerifyDLEQ checks
//
//	R1 = sG - eA
//	R2 = sB_ - eC_
//	e == hash(R1,R2,A,C_)
func VerifyDLEQ(
	e *secp256k1.PrivateKey,
	s *secp256k1.PrivateKey,
	A *secp256k1.PublicKey,
	B_ *secp256k1.PublicKey,
	C_ *secp256k1.PublicKey,
) bool {
	var sG, eA, R1Point secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&s.Key, &sG)
	var Apoint secp256k1.JacobianPoint
	A.AsJacobian(&Apoint)
	var eNeg secp256k1.ModNScalar
	eNeg.NegateVal(&e.Key)
	secp256k1.ScalarMultNonConst(&eNeg, &Apoint, &eA)
	secp256k1.AddNonConst(&sG, &eA, &R1Point)
	R1Point.ToAffine()
	R1 := secp256k1.NewPublicKey(&R1Point.X, &R1Point.Y)

	var B_Point, C_Point, sB_, eC_, R2Point secp256k1.JacobianPoint
	B_.AsJacobian(&B_Point)
	C_.AsJacobian(&C_Point)
	secp256k1.ScalarMultNonConst(&s.Key, &B_Point, &sB_)
	secp256k1.ScalarMultNonConst(&eNeg, &C_Point, &eC_)
	secp256k1.AddNonConst(&sB_, &eC_, &R2Point)
	R2Point.ToAffine()
	R2 := secp256k1.NewPublicKey(&R2Point.X, &R2Point.Y)

	hash := HashE([]*secp256k1.PublicKey{R1, R2, A, C_})
	return bytes.Equal(hash[:], e.Serialize())
}
