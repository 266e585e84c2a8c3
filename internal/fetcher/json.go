package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/rotisserie/eris"
)

// DecodeJSONArray streams the elements of a top-level JSON array ([{...},...])
// to the returned channel. Both channels are closed when decoding stops; at
// most one error is sent. Empty input yields no elements and no error.
func DecodeJSONArray[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	out := make(chan T, 64)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		if err := decodeArray(ctx, json.NewDecoder(r), out); err != nil {
			errc <- err
		}
	}()

	return out, errc
}

func decodeArray[T any](ctx context.Context, dec *json.Decoder, out chan<- T) error {
	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "json: read opening token")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return eris.Errorf("json: expected '[', got %v", tok)
	}

	for dec.More() {
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "json: context cancelled")
		}
		var item T
		if err := dec.Decode(&item); err != nil {
			return eris.Wrap(err, "json: decode element")
		}
		select {
		case out <- item:
		case <-ctx.Done():
			return eris.Wrap(ctx.Err(), "json: context cancelled")
		}
	}

	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return eris.Wrap(err, "json: read closing token")
	}
	return nil
}

// DecodeJSONObject decodes a single JSON object. Anything but an object,
// including null, is an error.
func DecodeJSONObject[T any](data []byte) (*T, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "json: decode object")
	}
	if raw == nil {
		return nil, eris.New("json: decode object: got null")
	}
	var obj T
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, eris.Wrap(err, "json: decode object")
	}
	return &obj, nil
}
