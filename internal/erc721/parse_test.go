package erc721

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/erc721-indexer/internal/batch"
	"github.com/sells-group/erc721-indexer/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var testBlock = model.BlockHeader{
	Height:    12292922,
	Hash:      "0xabc",
	Timestamp: time.Date(2021, 4, 23, 0, 0, 0, 0, time.UTC),
}

func transferLog(id, from, to, tokenID string) model.DecodedLog {
	return model.DecodedLog{
		ID:              id,
		Address:         DefaultContract,
		Event:           EventTransfer,
		Args:            map[string]string{"from": from, "to": to, "tokenId": tokenID},
		TransactionHash: "0xtx-" + id,
		Block:           testBlock,
	}
}

func TestParse_Transfer(t *testing.T) {
	st := batch.NewState()
	p := NewParser(DefaultContract)

	l := transferLog("0000012292922-000001", "0xAAAA", "0xBBBB", "0x1f")
	l.Address = "0xBC4CA0EDA7647A8AB7C2061C2E118A18A936F13D"
	require.True(t, p.Parse(st, l))

	events, err := batch.Vector[model.TransferEvent](st.Facts, FactTransferEvents)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.TransferEvent{
		ID:              "0000012292922-000001",
		BlockNumber:     12292922,
		BlockTimestamp:  testBlock.Timestamp,
		TransactionHash: "0xtx-0000012292922-000001",
		From:            "0xaaaa",
		To:              "0xbbbb",
		TokenID:         31,
	}, events[0])

	header, ok, err := batch.Scalar[model.BlockHeader](st.Facts, FactLatestBlockHeader)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testBlock, header)
}

func TestParse_KeepsOrderAndLatestHeader(t *testing.T) {
	st := batch.NewState()
	p := NewParser(DefaultContract)

	first := transferLog("1", "a", "b", "1")
	second := transferLog("2", "b", "c", "2")
	second.Block.Height++
	p.Parse(st, first)
	p.Parse(st, second)

	events, err := batch.Vector[model.TransferEvent](st.Facts, FactTransferEvents)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "1", events[0].ID)
	assert.Equal(t, "2", events[1].ID)

	header, _, _ := batch.Scalar[model.BlockHeader](st.Facts, FactLatestBlockHeader)
	assert.Equal(t, second.Block.Height, header.Height)
}

func TestParse_OtherContractIgnored(t *testing.T) {
	st := batch.NewState()
	l := transferLog("1", "a", "b", "1")
	l.Address = "0x0000000000000000000000000000000000000001"

	assert.False(t, NewParser(DefaultContract).Parse(st, l))
	assert.True(t, st.Empty())
}

func TestParse_OtherEventOnlySetsHeader(t *testing.T) {
	st := batch.NewState()
	l := transferLog("1", "a", "b", "1")
	l.Event = "ApprovalForAll"

	assert.True(t, NewParser(DefaultContract).Parse(st, l))
	_, ok := st.Facts.Get(FactTransferEvents)
	assert.False(t, ok)
	_, ok = st.Facts.Get(FactLatestBlockHeader)
	assert.True(t, ok)
}

func TestParse_UndecodableSkipped(t *testing.T) {
	tests := []struct {
		name string
		log  model.DecodedLog
	}{
		{"bad token id", transferLog("1", "a", "b", "not-a-number")},
		{"missing token id", transferLog("1", "a", "b", "")},
		{"missing from", func() model.DecodedLog {
			l := transferLog("1", "a", "b", "1")
			delete(l.Args, "from")
			return l
		}()},
		{"missing id", transferLog("", "a", "b", "1")},
		{"token id above bigint", transferLog("1", "a", "b", "0x8000000000000000")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := batch.NewState()
			assert.False(t, NewParser(DefaultContract).Parse(st, tt.log))
			assert.True(t, st.Empty())
		})
	}
}

func TestParseTokenID(t *testing.T) {
	n, err := ParseTokenID("7")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n)

	n, err = ParseTokenID("0x10")
	require.NoError(t, err)
	assert.Equal(t, uint64(16), n)

	_, err = ParseTokenID("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	assert.Error(t, err)
}

func TestParseTokenID_SignedBigintBoundary(t *testing.T) {
	n, err := ParseTokenID("0x7fffffffffffffff")
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxInt64), n)

	n, err = ParseTokenID("9223372036854775807")
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxInt64), n)

	for _, s := range []string{"0x8000000000000000", "9223372036854775808", "18446744073709551615"} {
		_, err := ParseTokenID(s)
		assert.Error(t, err, s)
	}
}

func TestBaseURIResolver(t *testing.T) {
	uris, err := BaseURIResolver{BaseURI: DefaultBaseURI}.TokenURIs(t.Context(), testBlock, []uint64{0, 9999})
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultBaseURI + "0", DefaultBaseURI + "9999"}, uris)
}
