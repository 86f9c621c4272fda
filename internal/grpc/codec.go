// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package grpc

import (
	"encoding/json"

	"github.com/samber/oops"
	"google.golang.org/grpc/encoding"
)

// codecName is the content-subtype clients select with
// grpc.CallContentSubtype. The wire content-type is application/grpc+json.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec marshals the plain Go message structs in this package.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, oops.Code("GRPC_CODEC_FAILED").With("operation", "marshal").Wrap(err)
	}
	return out, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return oops.Code("GRPC_CODEC_FAILED").With("operation", "unmarshal").Wrap(err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }
