package redis

import "encoding/json"

// blobCodec round-trips a value through JSON for storage as a Redis string.
type blobCodec[T any] struct{}

func (blobCodec[T]) marshal(value T) ([]byte, error) {
	return json.Marshal(value)
}

func (blobCodec[T]) unmarshal(data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
