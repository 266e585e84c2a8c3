package model

import (
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// Field names shared by generators, extenders and Build.
const (
	FieldID              = "id"
	FieldTokenID         = "tokenId"
	FieldOwner           = "owner"
	FieldURI             = "uri"
	FieldImage           = "image"
	FieldAttributes      = "attributes"
	FieldBlockNumber     = "blockNumber"
	FieldTimestamp       = "timestamp"
	FieldTransactionHash = "transactionHash"
	FieldFrom            = "from"
	FieldTo              = "to"
	FieldToken           = "token"
)

// Build constructs the typed entity of the given kind from loosely-typed
// record fields. Unknown kinds are rejected; the set of variants is closed.
func Build(kind Kind, fields map[string]any) (Entity, error) {
	switch kind {
	case KindOwner:
		return buildOwner(fields)
	case KindToken:
		return buildToken(fields)
	case KindTransfer:
		return buildTransfer(fields)
	default:
		return nil, eris.Errorf("model: build: unknown kind %d", int(kind))
	}
}

func buildOwner(fields map[string]any) (Entity, error) {
	id, err := requireString(fields, FieldID)
	if err != nil {
		return nil, eris.Wrap(err, "model: build Owner")
	}
	return &Owner{ID: id}, nil
}

func buildToken(fields map[string]any) (Entity, error) {
	id, err := requireString(fields, FieldID)
	if err != nil {
		return nil, eris.Wrap(err, "model: build Token")
	}
	tokenID, err := requireUint(fields, FieldTokenID)
	if err != nil {
		return nil, eris.Wrapf(err, "model: build Token %s", id)
	}
	owner, err := optionalRef[*Owner](fields, FieldOwner)
	if err != nil {
		return nil, eris.Wrapf(err, "model: build Token %s", id)
	}
	uri, err := optionalString(fields, FieldURI)
	if err != nil {
		return nil, eris.Wrapf(err, "model: build Token %s", id)
	}
	image, err := optionalString(fields, FieldImage)
	if err != nil {
		return nil, eris.Wrapf(err, "model: build Token %s", id)
	}
	var attrs []Attribute
	if v, ok := fields[FieldAttributes]; ok && v != nil {
		a, ok := v.([]Attribute)
		if !ok {
			return nil, eris.Errorf("model: build Token %s: field %q has type %T", id, FieldAttributes, v)
		}
		attrs = a
	}
	return &Token{
		ID:         id,
		TokenID:    tokenID,
		Owner:      owner,
		URI:        uri,
		Image:      image,
		Attributes: attrs,
	}, nil
}

func buildTransfer(fields map[string]any) (Entity, error) {
	id, err := requireString(fields, FieldID)
	if err != nil {
		return nil, eris.Wrap(err, "model: build Transfer")
	}
	block, err := requireUint(fields, FieldBlockNumber)
	if err != nil {
		return nil, eris.Wrapf(err, "model: build Transfer %s", id)
	}
	ts, ok := fields[FieldTimestamp].(time.Time)
	if !ok {
		return nil, eris.Errorf("model: build Transfer %s: field %q missing or not a time", id, FieldTimestamp)
	}
	txHash, err := requireString(fields, FieldTransactionHash)
	if err != nil {
		return nil, eris.Wrapf(err, "model: build Transfer %s", id)
	}
	from, err := optionalRef[*Owner](fields, FieldFrom)
	if err != nil {
		return nil, eris.Wrapf(err, "model: build Transfer %s", id)
	}
	to, err := optionalRef[*Owner](fields, FieldTo)
	if err != nil {
		return nil, eris.Wrapf(err, "model: build Transfer %s", id)
	}
	token, err := optionalRef[*Token](fields, FieldToken)
	if err != nil {
		return nil, eris.Wrapf(err, "model: build Transfer %s", id)
	}
	return &Transfer{
		ID:              id,
		BlockNumber:     block,
		Timestamp:       ts,
		TransactionHash: txHash,
		From:            from,
		To:              to,
		Token:           token,
	}, nil
}

func requireString(fields map[string]any, key string) (string, error) {
	v, ok := fields[key]
	if !ok || v == nil {
		return "", eris.Errorf("field %q is required", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", eris.Errorf("field %q has type %T, want string", key, v)
	}
	if s == "" {
		return "", eris.Errorf("field %q is empty", key)
	}
	return s, nil
}

func optionalString(fields map[string]any, key string) (*string, error) {
	switch v := fields[key].(type) {
	case nil:
		return nil, nil
	case string:
		return &v, nil
	case *string:
		return v, nil
	default:
		return nil, eris.Errorf("field %q has type %T, want string", key, v)
	}
}

func requireUint(fields map[string]any, key string) (uint64, error) {
	switch v := fields[key].(type) {
	case uint64:
		return v, nil
	case int:
		if v < 0 {
			return 0, eris.Errorf("field %q is negative", key)
		}
		return uint64(v), nil
	case int64:
		if v < 0 {
			return 0, eris.Errorf("field %q is negative", key)
		}
		return uint64(v), nil
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, eris.Wrapf(err, "field %q", key)
		}
		return n, nil
	case nil:
		return 0, eris.Errorf("field %q is required", key)
	default:
		return 0, eris.Errorf("field %q has type %T, want unsigned integer", key, v)
	}
}

func optionalRef[T Entity](fields map[string]any, key string) (T, error) {
	var zero T
	v, ok := fields[key]
	if !ok || v == nil {
		return zero, nil
	}
	ref, ok := v.(T)
	if !ok {
		return zero, eris.Errorf("field %q has type %T, want %T", key, v, zero)
	}
	return ref, nil
}
