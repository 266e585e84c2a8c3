package erc721

import (
	"context"
	"strconv"

	"github.com/sells-group/erc721-indexer/internal/model"
)

// DefaultBaseURI is the tokenURI prefix of the default contract.
const DefaultBaseURI = "ipfs://QmeSjSinHpPnmXmspMjwiXyN6zS4E9zccariGR3jxcaWtq/"

// TokenURIResolver returns the tokenURI of each token id as of block, in
// input order.
type TokenURIResolver interface {
	TokenURIs(ctx context.Context, block model.BlockHeader, tokenIDs []uint64) ([]string, error)
}

// BaseURIResolver builds tokenURI as BaseURI followed by the decimal id, the
// scheme used by contracts that never change their base URI.
type BaseURIResolver struct {
	BaseURI string
}

func (r BaseURIResolver) TokenURIs(_ context.Context, _ model.BlockHeader, tokenIDs []uint64) ([]string, error) {
	uris := make([]string, len(tokenIDs))
	for i, id := range tokenIDs {
		uris[i] = r.BaseURI + strconv.FormatUint(id, 10)
	}
	return uris, nil
}
