// Package codec provides the concrete hsmstate.Codec implementations a
// data-bearing node attaches for snapshot persistence, ported from the
// statechart engine's JSON/YAML persister idiom onto the narrower per-node
// {Encode, Decode} shape the engine actually needs.
package codec

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// JSONCodec implements hsmstate.Codec for data type D via encoding/json.
type JSONCodec[D any] struct{}

// NewJSONCodec returns a Codec that encodes/decodes a node's data as D
// through encoding/json.
func NewJSONCodec[D any]() *JSONCodec[D] { return &JSONCodec[D]{} }

func (JSONCodec[D]) Encode(v any) ([]byte, error) {
	d, ok := v.(D)
	if !ok {
		return nil, fmt.Errorf("codec: value is not a %T", *new(D))
	}
	return json.Marshal(d)
}

func (JSONCodec[D]) Decode(data []byte) (any, error) {
	var d D
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// YAMLCodec implements hsmstate.Codec for data type D via gopkg.in/yaml.v3,
// the same library the teacher uses for its YAMLPersister.
type YAMLCodec[D any] struct{}

// NewYAMLCodec returns a Codec that encodes/decodes a node's data as D
// through yaml.v3.
func NewYAMLCodec[D any]() *YAMLCodec[D] { return &YAMLCodec[D]{} }

func (YAMLCodec[D]) Encode(v any) ([]byte, error) {
	d, ok := v.(D)
	if !ok {
		return nil, fmt.Errorf("codec: value is not a %T", *new(D))
	}
	return yaml.Marshal(d)
}

func (YAMLCodec[D]) Decode(data []byte) (any, error) {
	var d D
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return d, nil
}
