package fetcher

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLog struct {
	BlockNumber uint64 `json:"blockNumber"`
	Topic       string `json:"topic"`
}

func drain[T any](ch <-chan T, errc <-chan error) ([]T, error) {
	var items []T
	for item := range ch {
		items = append(items, item)
	}
	var gotErr error
	for err := range errc {
		if err != nil {
			gotErr = err
		}
	}
	return items, gotErr
}

func TestDecodeJSONArray(t *testing.T) {
	input := `[{"blockNumber":1,"topic":"a"},{"blockNumber":2,"topic":"b"},{"blockNumber":3,"topic":"c"}]`

	logs, err := drain(DecodeJSONArray[testLog](context.Background(), strings.NewReader(input)))
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, testLog{BlockNumber: 1, Topic: "a"}, logs[0])
	assert.Equal(t, testLog{BlockNumber: 3, Topic: "c"}, logs[2])
}

func TestDecodeJSONArray_EmptyArray(t *testing.T) {
	logs, err := drain(DecodeJSONArray[testLog](context.Background(), strings.NewReader(`[]`)))
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestDecodeJSONArray_EmptyInput(t *testing.T) {
	logs, err := drain(DecodeJSONArray[testLog](context.Background(), strings.NewReader("")))
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestDecodeJSONArray_NotAnArray(t *testing.T) {
	_, err := drain(DecodeJSONArray[testLog](context.Background(), strings.NewReader(`{"blockNumber":1}`)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected '['")
}

func TestDecodeJSONArray_MalformedElement(t *testing.T) {
	logs, err := drain(DecodeJSONArray[testLog](context.Background(),
		strings.NewReader(`[{"blockNumber":1},{"blockNumber":"x"}]`)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode element")
	assert.Len(t, logs, 1)
}

func TestDecodeJSONArray_MalformedOpening(t *testing.T) {
	_, err := drain(DecodeJSONArray[testLog](context.Background(), strings.NewReader(`}`)))
	require.Error(t, err)
}

func TestDecodeJSONArray_ContextCancelled(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("[")
	for i := range 10000 {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`{"blockNumber":1,"topic":"t"}`)
	}
	sb.WriteString("]")

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	time.Sleep(5 * time.Millisecond)

	logs, err := drain(DecodeJSONArray[testLog](ctx, strings.NewReader(sb.String())))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context")
	assert.Less(t, len(logs), 10000)
}

func TestDecodeJSONObject(t *testing.T) {
	rec, err := DecodeJSONObject[testLog]([]byte(`{"blockNumber":42,"topic":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), rec.BlockNumber)
}

func TestDecodeJSONObject_Invalid(t *testing.T) {
	for _, input := range []string{`not json`, `null`, `[1,2]`, ``} {
		_, err := DecodeJSONObject[testLog]([]byte(input))
		assert.Error(t, err, input)
	}
}
