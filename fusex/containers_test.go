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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastHasNoReqID(t *testing.T) {
	lease := &Container{
		Type:  ContainerLease,
		Lease: &LeaseMsg{MdIno: 42, ClientID: "0:0:root@box:default", AuthID: "a-1"},
	}
	frame, err := Encode(lease)
	require.NoError(t, err)

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Zero(t, got.ReqID)
	assert.Equal(t, ContainerLease, got.Type)
	assert.Equal(t, uint64(42), got.Lease.MdIno)
}

func TestListingReplyCarriesChildren(t *testing.T) {
	reply := &Container{
		Type:     ContainerMDMap,
		ReqID:    7,
		RefInode: 100,
		MDMap: &MDMapMsg{MDs: map[uint64]*MDMsg{
			100: {MdIno: 100, Name: "dir", Mode: 0o40755,
				Children: map[string]uint64{"a": 101, "b": 102}},
			101: {MdIno: 101, MdPino: 100, Name: "a", Mode: 0o100644},
			102: {MdIno: 102, MdPino: 100, Name: "b", Mode: 0o100644,
				Capability: &CapMsg{ID: 102, Mode: 0o7, AuthID: "a-102"}},
		}},
	}
	frame, err := Encode(reply)
	require.NoError(t, err)
	got, err := Decode(frame)
	require.NoError(t, err)

	require.Len(t, got.MDMap.MDs, 3)
	assert.Equal(t, uint64(101), got.MDMap.MDs[100].Children["a"])
	require.NotNil(t, got.MDMap.MDs[102].Capability)
	assert.Equal(t, "a-102", got.MDMap.MDs[102].Capability.AuthID)
	assert.Nil(t, got.MDMap.MDs[101].Capability)
}

func TestDeterministicEncoding(t *testing.T) {
	md := &MDMsg{
		MdIno: 9, Name: "f", Mode: 0o100600,
		XAttrs: map[string]string{"user.b": "2", "user.a": "1"},
	}
	one, err := EncodeMD(md)
	require.NoError(t, err)
	two, err := EncodeMD(md)
	require.NoError(t, err)
	assert.Equal(t, one, two)

	back, err := DecodeMD(one)
	require.NoError(t, err)
	assert.Equal(t, md.XAttrs, back.XAttrs)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte{0xff, 0x00, 0x13})
	assert.Error(t, err)
}
