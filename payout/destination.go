// Package payout manages where a courier's withdrawals are sent: PIX keys
// and bank accounts. Exactly one destination is the default whenever the
// list is non-empty.
package payout

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

var (
	ErrDestinationNotFound = errors.New("payout destination not found")
	ErrInvalidDestination  = errors.New("invalid payout destination")
	ErrNoDestination       = errors.New("no payout destination configured")
)

type Kind string

const (
	KindPix  Kind = "pix"
	KindBank Kind = "bank"
)

type PixKeyType string

const (
	PixCPF    PixKeyType = "cpf"
	PixCNPJ   PixKeyType = "cnpj"
	PixEmail  PixKeyType = "email"
	PixPhone  PixKeyType = "phone"
	PixRandom PixKeyType = "random"
)

type AccountType string

const (
	AccountChecking AccountType = "checking"
	AccountSavings  AccountType = "savings"
)

// Destination is a saved payout target.
type Destination struct {
	ID          string      `json:"id"`
	Kind        Kind        `json:"kind"`
	Label       string      `json:"label,omitempty"`
	PixKeyType  PixKeyType  `json:"pixKeyType,omitempty"`
	PixKey      string      `json:"pixKey,omitempty"`
	BankCode    string      `json:"bankCode,omitempty"`
	Agency      string      `json:"agency,omitempty"`
	Account     string      `json:"account,omitempty"`
	AccountType AccountType `json:"accountType,omitempty"`
	HolderName  string      `json:"holderName,omitempty"`
	Default     bool        `json:"default"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// NewDestination is the input to Book.Add.
type NewDestination struct {
	Kind        Kind        `json:"kind" validate:"required,oneof=pix bank"`
	Label       string      `json:"label" validate:"max=60"`
	PixKeyType  PixKeyType  `json:"pixKeyType" validate:"required_if=Kind pix,omitempty,oneof=cpf cnpj email phone random"`
	PixKey      string      `json:"pixKey" validate:"required_if=Kind pix,max=77"`
	BankCode    string      `json:"bankCode" validate:"required_if=Kind bank,omitempty,numeric,len=3"`
	Agency      string      `json:"agency" validate:"required_if=Kind bank,omitempty,numeric,min=4,max=5"`
	Account     string      `json:"account" validate:"required_if=Kind bank,max=20"`
	AccountType AccountType `json:"accountType" validate:"omitempty,oneof=checking savings"` // defaults to checking
	HolderName  string      `json:"holderName" validate:"required_if=Kind bank,max=120"`
}

// pixKeyRules are the per-type formats checked after the struct rules.
var pixKeyRules = map[PixKeyType]string{
	PixCPF:    "numeric,len=11",
	PixCNPJ:   "numeric,len=14",
	PixEmail:  "email",
	PixPhone:  "e164",
	PixRandom: "uuid4",
}

// normalizePixKey strips the punctuation people type into documents.
func normalizePixKey(t PixKeyType, key string) string {
	key = strings.TrimSpace(key)
	switch t {
	case PixCPF, PixCNPJ:
		return strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) {
				return r
			}
			return -1
		}, key)
	case PixEmail, PixRandom:
		return strings.ToLower(key)
	case PixPhone:
		return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(key)
	}
	return key
}

// MaskedLabel is the text recorded on the withdrawal. It never contains
// the full key or account number.
func (d Destination) MaskedLabel() string {
	prefix := ""
	if d.Label != "" {
		prefix = d.Label + " "
	}
	switch d.Kind {
	case KindPix:
		return fmt.Sprintf("%sPIX %s %s", prefix, strings.ToUpper(string(d.PixKeyType)), maskPixKey(d.PixKeyType, d.PixKey))
	case KindBank:
		return fmt.Sprintf("%sbank %s ag %s acct %s", prefix, d.BankCode, d.Agency, lastN(d.Account, 3))
	}
	return prefix + d.ID
}

func maskPixKey(t PixKeyType, key string) string {
	if t == PixEmail {
		at := strings.IndexByte(key, '@')
		if at > 0 {
			return key[:1] + "***" + key[at:]
		}
	}
	return lastN(key, 4)
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return "***" + s
	}
	return "***" + s[len(s)-n:]
}
