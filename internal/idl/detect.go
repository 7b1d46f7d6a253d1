package idl

import (
	"encoding/json"
	"fmt"
)

type detectProbe struct {
	Address  string `json:"address"`
	Metadata struct {
		Origin string `json:"origin"`
	} `json:"metadata"`
	Instructions []struct {
		Discriminant *json.RawMessage `json:"discriminant"`
	} `json:"instructions"`
}

// Detect classifies a raw IDL document into one of the three dialects.
//
// Rules, in order:
//  1. metadata.origin in {codama, kinobi}  -> codama
//  2. metadata.origin == "shank", or no top-level address and the first
//     instruction carries a discriminant object -> shank
//  3. otherwise -> anchor
func Detect(raw []byte) (Dialect, error) {
	var p detectProbe
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIDL, err)
	}
	switch p.Metadata.Origin {
	case "codama", "kinobi":
		return DialectCodama, nil
	case "shank":
		return DialectShank, nil
	}
	if p.Address == "" && len(p.Instructions) > 0 && p.Instructions[0].Discriminant != nil {
		return DialectShank, nil
	}
	return DialectAnchor, nil
}
