// Package nut09 contains structs as defined in [NUT-09]
//
// [NUT-09]: https://github.com/cashubtc/nuts/blob/main/09.md
package nut09

import "github.com/elnosh/nutsack/cashu"

type PostRestoreRequest struct {
	Outputs cashu.BlindedMessages `json:"outputs"`
}

// PostRestoreResponse pairs Outputs[i] with Signatures[i]. The mint
// only returns the outputs it has signed before.
type PostRestoreResponse struct {
	Outputs    cashu.BlindedMessages   `json:"outputs"`
	Signatures cashu.BlindedSignatures `json:"signatures"`
}
