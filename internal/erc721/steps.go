package erc721

import (
	"context"
	"errors"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/erc721-indexer/internal/batch"
	"github.com/sells-group/erc721-indexer/internal/enrich"
	"github.com/sells-group/erc721-indexer/internal/entitygen"
	"github.com/sells-group/erc721-indexer/internal/model"
	"github.com/sells-group/erc721-indexer/internal/resilience"
	"github.com/sells-group/erc721-indexer/internal/store"
)

// MetadataFetcher returns the metadata behind a token URI, or nil when the
// URI cannot be interpreted.
type MetadataFetcher interface {
	Fetch(ctx context.Context, uri string) (*model.TokenMetadata, error)
}

// Options configures the contract's generation steps.
type Options struct {
	// Resolver yields token URIs. Nil disables the Token extender.
	Resolver TokenURIResolver
	// Metadata fetches token metadata. Nil leaves image and attributes unset.
	Metadata MetadataFetcher
	// Batcher bounds metadata requests. Required when Metadata is set.
	Batcher *enrich.Batcher
	// Retry, when set, retries each metadata fetch on transient errors.
	Retry *resilience.RetryConfig
}

// Steps returns the generation order: owners, then tokens, then transfers.
func Steps(opts Options) []entitygen.Step {
	token := entitygen.Step{
		Kind:     model.KindToken,
		Generate: generateTokens,
		Persist:  entitygen.Upsert,
	}
	if opts.Resolver != nil {
		token.Extend = extendTokens(opts)
	}
	return []entitygen.Step{
		{Kind: model.KindOwner, Generate: generateOwners, Persist: entitygen.Upsert},
		token,
		{Kind: model.KindTransfer, Generate: generateTransfers, Persist: entitygen.Insert},
	}
}

func transferEvents(st *batch.State) ([]model.TransferEvent, error) {
	return batch.Vector[model.TransferEvent](st.Facts, FactTransferEvents)
}

// generateOwners emits every distinct sender and receiver in first-seen order.
func generateOwners(_ context.Context, st *batch.State, _ store.Reader) ([]entitygen.Record, error) {
	events, err := transferEvents(st)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var records []entitygen.Record
	for _, ev := range events {
		for _, id := range []string{ev.From, ev.To} {
			if seen[id] {
				continue
			}
			seen[id] = true
			records = append(records, entitygen.Record{model.FieldID: id})
		}
	}
	return records, nil
}

// generateTokens emits one record per token id. The owner is the receiver of
// the token's last transfer in the batch.
func generateTokens(ctx context.Context, st *batch.State, r store.Reader) ([]entitygen.Record, error) {
	events, err := transferEvents(st)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]entitygen.Record)
	var order []string
	for _, ev := range events {
		owner, err := resolveOwner(ctx, st, r, ev.To)
		if err != nil {
			return nil, err
		}
		id := strconv.FormatUint(ev.TokenID, 10)
		if _, ok := byID[id]; !ok {
			order = append(order, id)
		}
		byID[id] = entitygen.Record{
			model.FieldID:      id,
			model.FieldTokenID: ev.TokenID,
			model.FieldOwner:   owner,
		}
	}
	records := make([]entitygen.Record, len(order))
	for i, id := range order {
		records[i] = byID[id]
	}
	return records, nil
}

func extendTokens(opts Options) entitygen.ExtendFunc {
	return func(ctx context.Context, st *batch.State, partials []entitygen.Record) ([]entitygen.Record, error) {
		header, _, err := batch.Scalar[model.BlockHeader](st.Facts, FactLatestBlockHeader)
		if err != nil {
			return nil, err
		}

		tokenIDs := make([]uint64, len(partials))
		for i, p := range partials {
			id, ok := p[model.FieldTokenID].(uint64)
			if !ok {
				return nil, eris.Errorf("erc721: token record %v has no token id", p[model.FieldID])
			}
			tokenIDs[i] = id
		}

		uris, err := opts.Resolver.TokenURIs(ctx, header, tokenIDs)
		if err != nil {
			return nil, eris.Wrap(err, "erc721: resolve token uris")
		}
		if len(uris) != len(partials) {
			return nil, eris.Errorf("erc721: resolver returned %d uris for %d tokens", len(uris), len(partials))
		}

		metadata := make([]*model.TokenMetadata, len(partials))
		if opts.Metadata != nil {
			metadata, err = enrich.Run(ctx, opts.Batcher, uris, fetchMetadata(opts))
			if err != nil {
				return nil, err
			}
		}

		out := make([]entitygen.Record, len(partials))
		for i, p := range partials {
			rec := entitygen.Record{
				model.FieldID:  p[model.FieldID],
				model.FieldURI: uris[i],
			}
			if md := metadata[i]; md != nil {
				if md.Image != nil {
					rec[model.FieldImage] = *md.Image
				}
				if md.Attributes != nil {
					rec[model.FieldAttributes] = md.Attributes
				}
			}
			out[i] = rec
		}
		return out, nil
	}
}

func fetchMetadata(opts Options) enrich.FetchFunc[string, *model.TokenMetadata] {
	if opts.Retry == nil {
		return opts.Metadata.Fetch
	}
	return func(ctx context.Context, uri string) (*model.TokenMetadata, error) {
		return resilience.DoVal(ctx, *opts.Retry, func(ctx context.Context) (*model.TokenMetadata, error) {
			return opts.Metadata.Fetch(ctx, uri)
		})
	}
}

// generateTransfers emits one record per event, referencing the Owner and
// Token instances registered earlier in the batch.
func generateTransfers(ctx context.Context, st *batch.State, r store.Reader) ([]entitygen.Record, error) {
	events, err := transferEvents(st)
	if err != nil {
		return nil, err
	}
	records := make([]entitygen.Record, 0, len(events))
	for _, ev := range events {
		from, err := resolveOwner(ctx, st, r, ev.From)
		if err != nil {
			return nil, err
		}
		to, err := resolveOwner(ctx, st, r, ev.To)
		if err != nil {
			return nil, err
		}
		tokenID := strconv.FormatUint(ev.TokenID, 10)
		token, ok := st.Entities.Token(tokenID)
		if !ok {
			return nil, eris.Errorf("erc721: transfer %s: token %s not registered", ev.ID, tokenID)
		}
		records = append(records, entitygen.Record{
			model.FieldID:              ev.ID,
			model.FieldBlockNumber:     ev.BlockNumber,
			model.FieldTimestamp:       ev.BlockTimestamp,
			model.FieldTransactionHash: ev.TransactionHash,
			model.FieldFrom:            from,
			model.FieldTo:              to,
			model.FieldToken:           token,
		})
	}
	return records, nil
}

// resolveOwner returns the Owner registered in this batch, falling back to
// one persisted by an earlier batch.
func resolveOwner(ctx context.Context, st *batch.State, r store.Reader, id string) (*model.Owner, error) {
	if o, ok := st.Entities.Owner(id); ok {
		return o, nil
	}
	if r != nil {
		e, err := r.Get(ctx, model.KindOwner, id)
		switch {
		case err == nil:
			if o, ok := e.(*model.Owner); ok {
				return o, nil
			}
		case !errors.Is(err, store.ErrNotFound):
			return nil, eris.Wrapf(err, "erc721: resolve owner %s", id)
		}
	}
	return nil, eris.Errorf("erc721: owner %s not registered", id)
}
