// Copyright 2025 CERN/Switzerland
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fusex

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding keeps frames byte-stable for a given
	// container, which the server relies on for dedup of replayed requests.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decOpts := cbor.DecOptions{
		// A lease revocation storm must not let a malformed frame take down
		// the client with an allocation bomb.
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes one container into a wire frame.
func Encode(c *Container) ([]byte, error) {
	b, err := encMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding %v container: %w", c.Type, err)
	}
	return b, nil
}

// Decode parses one wire frame.
func Decode(frame []byte) (*Container, error) {
	var c Container
	if err := decMode.Unmarshal(frame, &c); err != nil {
		return nil, fmt.Errorf("decoding container: %w", err)
	}
	return &c, nil
}

// EncodeMD serializes a bare MDMsg; used by the KV spill.
func EncodeMD(m *MDMsg) ([]byte, error) {
	return encMode.Marshal(m)
}

// DecodeMD parses a bare MDMsg from a KV blob.
func DecodeMD(blob []byte) (*MDMsg, error) {
	var m MDMsg
	if err := decMode.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("decoding md blob: %w", err)
	}
	return &m, nil
}
