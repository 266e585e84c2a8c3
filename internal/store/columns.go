package store

import (
	"encoding/json"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/erc721-indexer/internal/model"
)

var tableColumns = map[model.Kind][]string{
	model.KindOwner:    {"id"},
	model.KindToken:    {"id", "token_id", "owner_id", "uri", "image", "attributes"},
	model.KindTransfer: {"id", "block_number", "block_timestamp", "transaction_hash", "from_id", "to_id", "token_id"},
}

func columns(kind model.Kind) ([]string, error) {
	cols, ok := tableColumns[kind]
	if !ok {
		return nil, eris.Errorf("store: no table for kind %s", kind)
	}
	return cols, nil
}

// encodeRows flattens entities into column values in columns(kind) order.
// References are stored as the referenced id, nil for SQL NULL.
func encodeRows(kind model.Kind, entities []model.Entity) ([][]any, error) {
	rows := make([][]any, 0, len(entities))
	for _, e := range entities {
		row, err := encodeRow(e)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func encodeRow(e model.Entity) ([]any, error) {
	switch v := e.(type) {
	case *model.Owner:
		return []any{v.ID}, nil
	case *model.Token:
		if v.TokenID > math.MaxInt64 {
			return nil, eris.Errorf("store: token %s: token_id %d overflows BIGINT", v.ID, v.TokenID)
		}
		var attrs []byte
		if v.Attributes != nil {
			b, err := json.Marshal(v.Attributes)
			if err != nil {
				return nil, eris.Wrapf(err, "store: marshal attributes of token %s", v.ID)
			}
			attrs = b
		}
		return []any{v.ID, int64(v.TokenID), ownerRef(v.Owner), v.URI, v.Image, attrs}, nil
	case *model.Transfer:
		return []any{
			v.ID, int64(v.BlockNumber), v.Timestamp.UTC(), v.TransactionHash,
			ownerRef(v.From), ownerRef(v.To), tokenRef(v.Token),
		}, nil
	default:
		return nil, eris.Errorf("store: cannot encode %T", e)
	}
}

func ownerRef(o *model.Owner) any {
	if o == nil {
		return nil
	}
	return o.ID
}

func tokenRef(t *model.Token) any {
	if t == nil {
		return nil
	}
	return t.ID
}

// tokenRow holds scanned token columns.
type tokenRow struct {
	ID         string
	TokenID    int64
	OwnerID    *string
	URI        *string
	Image      *string
	Attributes []byte
}

func (r tokenRow) entity() (*model.Token, error) {
	t := &model.Token{
		ID:      r.ID,
		TokenID: uint64(r.TokenID),
		URI:     r.URI,
		Image:   r.Image,
	}
	if r.OwnerID != nil {
		t.Owner = &model.Owner{ID: *r.OwnerID}
	}
	if len(r.Attributes) > 0 {
		if err := json.Unmarshal(r.Attributes, &t.Attributes); err != nil {
			return nil, eris.Wrapf(err, "store: unmarshal attributes of token %s", r.ID)
		}
	}
	return t, nil
}

// transferRow holds scanned transfer columns.
type transferRow struct {
	ID              string
	BlockNumber     int64
	Timestamp       time.Time
	TransactionHash string
	FromID          *string
	ToID            *string
	TokenID         *string
}

func (r transferRow) entity() *model.Transfer {
	t := &model.Transfer{
		ID:              r.ID,
		BlockNumber:     uint64(r.BlockNumber),
		Timestamp:       r.Timestamp,
		TransactionHash: r.TransactionHash,
	}
	if r.FromID != nil {
		t.From = &model.Owner{ID: *r.FromID}
	}
	if r.ToID != nil {
		t.To = &model.Owner{ID: *r.ToID}
	}
	if r.TokenID != nil {
		t.Token = &model.Token{ID: *r.TokenID}
	}
	return t
}
