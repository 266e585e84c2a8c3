// Package model defines the indexed entity variants and the raw facts they are generated from.
package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Kind identifies one of the closed set of entity variants the indexer produces.
type Kind int

const (
	KindOwner Kind = iota + 1
	KindToken
	KindTransfer
)

// Kinds lists every entity variant in dependency order.
var Kinds = []Kind{KindOwner, KindToken, KindTransfer}

// String returns the entity type name.
func (k Kind) String() string {
	switch k {
	case KindOwner:
		return "Owner"
	case KindToken:
		return "Token"
	case KindTransfer:
		return "Transfer"
	default:
		return "unknown"
	}
}

// Valid reports whether k is one of the declared variants.
func (k Kind) Valid() bool {
	return k >= KindOwner && k <= KindTransfer
}

// Table returns the destination table for the kind.
func (k Kind) Table() string {
	switch k {
	case KindOwner:
		return "owner"
	case KindToken:
		return "token"
	case KindTransfer:
		return "transfer"
	default:
		return ""
	}
}

// ParseKind converts an entity type name ("Owner", "owner", ...) into a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "Owner", "owner":
		return KindOwner, nil
	case "Token", "token":
		return KindToken, nil
	case "Transfer", "transfer":
		return KindTransfer, nil
	default:
		return 0, eris.Errorf("unknown entity kind: %q (valid: Owner, Token, Transfer)", s)
	}
}

// Entity is any materialized instance with a unique id within its kind.
type Entity interface {
	EntityID() string
	Kind() Kind
}

// Owner is an account that has sent or received a token.
type Owner struct {
	ID string `json:"id"`
}

func (o *Owner) EntityID() string { return o.ID }
func (o *Owner) Kind() Kind       { return KindOwner }

// Attribute is a single trait from token metadata.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// Token is a single non-fungible token and its current owner.
// URI, Image and Attributes stay nil when enrichment is disabled or the
// metadata could not be interpreted.
type Token struct {
	ID         string      `json:"id"`
	TokenID    uint64      `json:"token_id"`
	Owner      *Owner      `json:"owner"`
	URI        *string     `json:"uri,omitempty"`
	Image      *string     `json:"image,omitempty"`
	Attributes []Attribute `json:"attributes,omitempty"`
}

func (t *Token) EntityID() string { return t.ID }
func (t *Token) Kind() Kind       { return KindToken }

// Transfer is an immutable token transfer log entry.
type Transfer struct {
	ID              string    `json:"id"`
	BlockNumber     uint64    `json:"block_number"`
	Timestamp       time.Time `json:"timestamp"`
	TransactionHash string    `json:"transaction_hash"`
	From            *Owner    `json:"from"`
	To              *Owner    `json:"to"`
	Token           *Token    `json:"token"`
}

func (t *Transfer) EntityID() string { return t.ID }
func (t *Transfer) Kind() Kind       { return KindTransfer }

// TokenMetadata is the JSON document a token URI points at.
type TokenMetadata struct {
	Image      *string     `json:"image,omitempty"`
	Attributes []Attribute `json:"attributes,omitempty"`
}
