// Package erc721 maps ERC-721 Transfer logs onto Owner, Token and Transfer
// entities.
package erc721

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/erc721-indexer/internal/batch"
	"github.com/sells-group/erc721-indexer/internal/model"
)

// Fact keys staged by Parse.
const (
	FactTransferEvents    = "transferEvents"
	FactLatestBlockHeader = "latestBlockHeader"
)

const (
	// DefaultContract is the Bored Ape Yacht Club collection.
	DefaultContract = "0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d"

	// EventTransfer is Transfer(address indexed from, address indexed to, uint256 indexed tokenId).
	EventTransfer = "Transfer"
	// TransferTopic is keccak256 of the Transfer event signature.
	TransferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
)

// Parser stages raw facts for logs emitted by one contract.
type Parser struct {
	address string
}

// NewParser returns a Parser for the contract at address.
func NewParser(address string) *Parser {
	return &Parser{address: normalize(address)}
}

// Parse stages the facts carried by l. Logs from other contracts are ignored.
// A log that cannot be decoded is logged and skipped so one bad event does
// not stall the batch. It reports whether l was accepted.
func (p *Parser) Parse(st *batch.State, l model.DecodedLog) bool {
	if normalize(l.Address) != p.address {
		return false
	}
	if err := p.parse(st, l); err != nil {
		zap.L().Error("unable to decode event",
			zap.String("component", "erc721"),
			zap.String("event", l.Event),
			zap.Uint64("block_number", l.Block.Height),
			zap.String("block_hash", l.Block.Hash),
			zap.String("address", p.address),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (p *Parser) parse(st *batch.State, l model.DecodedLog) error {
	switch l.Event {
	case EventTransfer, TransferTopic:
		ev, err := decodeTransfer(l)
		if err != nil {
			return err
		}
		if err := st.Facts.Append(FactTransferEvents, ev); err != nil {
			return err
		}
	}
	return st.Facts.SetScalar(FactLatestBlockHeader, l.Block)
}

func decodeTransfer(l model.DecodedLog) (model.TransferEvent, error) {
	if l.ID == "" {
		return model.TransferEvent{}, eris.New("erc721: transfer log has no id")
	}
	from, ok := l.Args["from"]
	if !ok {
		return model.TransferEvent{}, eris.Errorf("erc721: transfer %s: missing arg from", l.ID)
	}
	to, ok := l.Args["to"]
	if !ok {
		return model.TransferEvent{}, eris.Errorf("erc721: transfer %s: missing arg to", l.ID)
	}
	tokenID, err := ParseTokenID(l.Args["tokenId"])
	if err != nil {
		return model.TransferEvent{}, eris.Wrapf(err, "erc721: transfer %s", l.ID)
	}
	return model.TransferEvent{
		ID:              l.ID,
		BlockNumber:     l.Block.Height,
		BlockTimestamp:  l.Block.Timestamp,
		TransactionHash: l.TransactionHash,
		From:            normalize(from),
		To:              normalize(to),
		TokenID:         tokenID,
	}, nil
}

// ParseTokenID accepts a decimal or 0x-prefixed token id. Ids must fit a
// signed 64-bit column, so anything above 2^63-1 is rejected.
func ParseTokenID(s string) (uint64, error) {
	if s == "" {
		return 0, eris.New("erc721: missing token id")
	}
	n, err := strconv.ParseUint(s, 0, 63)
	if err != nil {
		return 0, eris.Wrapf(err, "erc721: parse token id %q", s)
	}
	return n, nil
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
