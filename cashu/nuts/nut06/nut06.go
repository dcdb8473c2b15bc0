// Package nut06 contains structs as defined in [NUT-06]
//
// [NUT-06]: https://github.com/cashubtc/nuts/blob/main/06.md
package nut06

import (
	"encoding/json"
	"slices"
)

type MintInfo struct {
	Name            string        `json:"name"`
	Pubkey          string        `json:"pubkey"`
	Version         string        `json:"version"`
	Description     string        `json:"description"`
	LongDescription string        `json:"description_long,omitempty"`
	Contact         []ContactInfo `json:"contact,omitempty"`
	Motd            string        `json:"motd,omitempty"`
	Nuts            Nuts          `json:"nuts"`
}

type ContactInfo struct {
	Method string `json:"method"`
	Info   string `json:"info"`
}

// custom unmarshal to ignore contact field if on old format
func (mi *MintInfo) UnmarshalJSON(data []byte) error {
	var tempInfo struct {
		Name            string          `json:"name"`
		Pubkey          string          `json:"pubkey"`
		Version         string          `json:"version"`
		Description     string          `json:"description"`
		LongDescription string          `json:"description_long,omitempty"`
		Contact         json.RawMessage `json:"contact,omitempty"`
		Motd            string          `json:"motd,omitempty"`
		Nuts            Nuts            `json:"nuts"`
	}

	if err := json.Unmarshal(data, &tempInfo); err != nil {
		return err
	}

	mi.Name = tempInfo.Name
	mi.Pubkey = tempInfo.Pubkey
	mi.Version = tempInfo.Version
	mi.Description = tempInfo.Description
	mi.LongDescription = tempInfo.LongDescription
	mi.Motd = tempInfo.Motd
	mi.Nuts = tempInfo.Nuts
	if len(tempInfo.Contact) > 0 {
		json.Unmarshal(tempInfo.Contact, &mi.Contact)
	}

	return nil
}

type NutSetting struct {
	Methods  []MethodSetting `json:"methods"`
	Disabled bool            `json:"disabled"`
}

type MethodSetting struct {
	Method    string `json:"method"`
	Unit      string `json:"unit"`
	MinAmount uint64 `json:"min_amount,omitempty"`
	MaxAmount uint64 `json:"max_amount,omitempty"`
}

type Supported struct {
	Supported bool `json:"supported"`
}

type WebSocketSetting struct {
	Supported []WebSocketMethod `json:"supported"`
}

type WebSocketMethod struct {
	Method   string   `json:"method"`
	Unit     string   `json:"unit"`
	Commands []string `json:"commands"`
}

type Nuts struct {
	Nut04 NutSetting        `json:"4"`
	Nut05 NutSetting        `json:"5"`
	Nut07 Supported         `json:"7"`
	Nut09 Supported         `json:"9"`
	Nut12 Supported         `json:"12"`
	Nut17 *WebSocketSetting `json:"17,omitempty"`
}

// SupportsWebSocket reports whether the mint advertises NUT-17
// subscriptions for the given command (i.e bolt11_mint_quote).
func (nuts Nuts) SupportsWebSocket(command string) bool {
	if nuts.Nut17 == nil {
		return false
	}
	for _, method := range nuts.Nut17.Supported {
		if slices.Contains(method.Commands, command) {
			return true
		}
	}
	return false
}
