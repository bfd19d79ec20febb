package chain

import (
	"fmt"
	"strings"
)

// Family 链族。地址格式、余额查询和转账能力按族区分
type Family int

const (
	FamilyUnknown Family = iota
	EVM
	Solana
	Sui
	Tezos
	Stellar
	NEAR
)

var familyNames = map[Family]string{
	EVM:     "evm",
	Solana:  "solana",
	Sui:     "sui",
	Tezos:   "tezos",
	Stellar: "stellar",
	NEAR:    "near",
}

func (f Family) String() string {
	if s, ok := familyNames[f]; ok {
		return s
	}
	return "unknown"
}

// ParseFamily 大小写不敏感
func ParseFamily(s string) (Family, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, name := range familyNames {
		if name == s {
			return f, nil
		}
	}
	return FamilyUnknown, fmt.Errorf("chain: unknown family %q", s)
}

func (f Family) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Family) UnmarshalText(b []byte) error {
	v, err := ParseFamily(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}
