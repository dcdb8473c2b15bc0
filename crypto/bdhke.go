package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const DomainSeparator = "Secp256k1_HashToCurve_Cashu_"

var ErrNoValidPoint = errors.New("no valid point found")

// HashToCurve maps a message to a point on the curve.
// Y = PublicKey('02' || SHA256(msg_hash || counter))
// where msg_hash = SHA256(DomainSeparator || message)
func HashToCurve(message []byte) (*secp256k1.PublicKey, error) {
	msgHash := sha256.Sum256(append([]byte(DomainSeparator), message...))

	counterBytes := make([]byte, 4)
	for counter := uint32(0); counter < 1<<16; counter++ {
		binary.LittleEndian.PutUint32(counterBytes, counter)
		hash := sha256.Sum256(append(msgHash[:], counterBytes...))
		point, err := secp256k1.ParsePubKey(append([]byte{0x02}, hash[:]...))
		if err == nil && point.IsOnCurve() {
			return point, nil
		}
	}
	return nil, ErrNoValidPoint
}

// B_ = Y + rG
// if r is nil a random blinding factor is generated.
func BlindMessage(secret string, r *secp256k1.PrivateKey) (
	*secp256k1.PublicKey,
	*secp256k1.PrivateKey,
	error,
) {
	var ypoint, rpoint, blindedMessage secp256k1.JacobianPoint

	Y, err := HashToCurve([]byte(secret))
	if err != nil {
		return nil, nil, err
	}
	Y.AsJacobian(&ypoint)

	if r == nil {
		r, err = secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, err
		}
	}
	r.PubKey().AsJacobian(&rpoint)

	secp256k1.AddNonConst(&ypoint, &rpoint, &blindedMessage)
	blindedMessage.ToAffine()
	B_ := secp256k1.NewPublicKey(&blindedMessage.X, &blindedMessage.Y)

	return B_, r, nil
}

// C_ = kB_
func SignBlindedMessage(B_ *secp256k1.PublicKey, k *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var bpoint, result secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)

	secp256k1.ScalarMultNonConst(&k.Key, &bpoint, &result)
	result.ToAffine()

	return secp256k1.NewPublicKey(&result.X, &result.Y)
}

// C = C_ - rK
func UnblindSignature(
	C_ *secp256k1.PublicKey,
	r *secp256k1.PrivateKey,
	K *secp256k1.PublicKey,
) *secp256k1.PublicKey {
	var Kpoint, rKPoint, C_Point, CPoint secp256k1.JacobianPoint
	K.AsJacobian(&Kpoint)
	C_.AsJacobian(&C_Point)

	var rNeg secp256k1.ModNScalar
	rNeg.NegateVal(&r.Key)

	secp256k1.ScalarMultNonConst(&rNeg, &Kpoint, &rKPoint)
	secp256k1.AddNonConst(&C_Point, &rKPoint, &CPoint)
	CPoint.ToAffine()

	return secp256k1.NewPublicKey(&CPoint.X, &CPoint.Y)
}

// k * HashToCurve(secret) == C
func Verify(secret string, k *secp256k1.PrivateKey, C *secp256k1.PublicKey) bool {
	Y, err := HashToCurve([]byte(secret))
	if err != nil {
		return false
	}

	var Ypoint, result secp256k1.JacobianPoint
	Y.AsJacobian(&Ypoint)

	secp256k1.ScalarMultNonConst(&k.Key, &Ypoint, &result)
	result.ToAffine()
	pk := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C.IsEqual(pk)
}
