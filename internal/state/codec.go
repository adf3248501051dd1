package state

import "encoding/json"

// Codec converts a container value to and from its stored text.
type Codec[T any] interface {
	Encode(v T) (string, error)
	Decode(s string) (T, error)
}

// TextCodec stores strings as-is.
type TextCodec struct{}

func (TextCodec) Encode(v string) (string, error) { return v, nil }
func (TextCodec) Decode(s string) (string, error) { return s, nil }

// JSONCodec stores values as JSON text.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (JSONCodec[T]) Decode(s string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}
