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

// Package fusex defines the typed containers exchanged with the MD server
// and their framing. Every frame on the dealer socket is one Container.
package fusex

// ContainerType discriminates the payload carried by a Container.
type ContainerType uint8

const (
	ContainerNone ContainerType = iota

	// Server → client broadcasts and responses.
	ContainerHeartbeat
	ContainerMD
	ContainerMDMap
	ContainerCap
	ContainerLease
	ContainerEvict
	ContainerLock
	ContainerAck

	// Client → server requests.
	ContainerGetMD
	ContainerGetCap
	ContainerPutMD
	ContainerDoLock
)

// WireOp is the operation field of a PutMD request.
type WireOp uint8

const (
	WireOpNone WireOp = iota
	WireOpSet
	WireOpDelete
	WireOpGetLK
	WireOpSetLK
	WireOpSetLKW
)

// LockType mirrors the POSIX advisory lock kinds on the wire.
type LockType uint8

const (
	LockRd LockType = iota
	LockWr
	LockUn
)

// Container is the single frame type on the wire. Exactly one payload
// pointer is set, matching Type. ReqID is non-zero on RPC requests and
// echoed on their responses; broadcasts carry ReqID zero.
type Container struct {
	Type  ContainerType `cbor:"1,keyasint"`
	ReqID uint64        `cbor:"2,keyasint,omitempty"`

	// RefInode is the remote inode a response refers to (the parent for
	// MDMap listings).
	RefInode uint64 `cbor:"3,keyasint,omitempty"`

	// Err carries an errno on responses; zero means success.
	Err int32 `cbor:"4,keyasint,omitempty"`

	Heartbeat *HeartbeatMsg `cbor:"5,keyasint,omitempty"`
	MD        *MDMsg        `cbor:"6,keyasint,omitempty"`
	MDMap     *MDMapMsg     `cbor:"7,keyasint,omitempty"`
	Cap       *CapMsg       `cbor:"8,keyasint,omitempty"`
	Lease     *LeaseMsg     `cbor:"9,keyasint,omitempty"`
	Evict     *EvictMsg     `cbor:"10,keyasint,omitempty"`
	Lock      *LockMsg      `cbor:"11,keyasint,omitempty"`
	Get       *GetMDReq     `cbor:"12,keyasint,omitempty"`
	Put       *PutMDReq     `cbor:"13,keyasint,omitempty"`
}

// HeartbeatMsg is sent every heartbeat interval and after reconnects. The
// server answers a stale clock with an Evict.
type HeartbeatMsg struct {
	Name      string        `cbor:"1,keyasint"`
	Host      string        `cbor:"2,keyasint"`
	UUID      string        `cbor:"3,keyasint"`
	Version   string        `cbor:"4,keyasint"`
	Pid       int32         `cbor:"5,keyasint"`
	StartTime int64         `cbor:"6,keyasint"`
	Clock     int64         `cbor:"7,keyasint"`
	ClockNs   int32         `cbor:"8,keyasint"`
	Stats     StatisticsMsg `cbor:"9,keyasint"`
}

// StatisticsMsg is the aggregated client state shipped with each heartbeat.
type StatisticsMsg struct {
	Inodes            uint64 `cbor:"1,keyasint"`
	InodesToDelete    uint64 `cbor:"2,keyasint"`
	InodesBacklog     uint64 `cbor:"3,keyasint"`
	InodesEver        uint64 `cbor:"4,keyasint"`
	InodesEverDeleted uint64 `cbor:"5,keyasint"`
	OpenFiles         uint64 `cbor:"6,keyasint"`
	RBytes            uint64 `cbor:"7,keyasint"`
	WBytes            uint64 `cbor:"8,keyasint"`
	Pid               int32  `cbor:"9,keyasint"`
	LogFileSize       uint64 `cbor:"10,keyasint"`
}

// Timespec carries a nanosecond-resolution timestamp on the wire.
type Timespec struct {
	Sec  int64 `cbor:"1,keyasint"`
	NSec int32 `cbor:"2,keyasint"`
}

// MDMsg is the full MD attribute set of one inode. All inode numbers in this
// message are remote.
type MDMsg struct {
	MdIno  uint64 `cbor:"1,keyasint"`
	MdPino uint64 `cbor:"2,keyasint"`
	Name   string `cbor:"3,keyasint"`
	Mode   uint32 `cbor:"4,keyasint"`
	UID    uint32 `cbor:"5,keyasint"`
	GID    uint32 `cbor:"6,keyasint"`
	Size   uint64 `cbor:"7,keyasint"`

	Atime Timespec `cbor:"8,keyasint"`
	Mtime Timespec `cbor:"9,keyasint"`
	Ctime Timespec `cbor:"10,keyasint"`
	Btime Timespec `cbor:"11,keyasint"`

	Nlink     uint32            `cbor:"12,keyasint"`
	Target    string            `cbor:"13,keyasint,omitempty"`
	XAttrs    map[string]string `cbor:"14,keyasint,omitempty"`
	Flags     uint32            `cbor:"15,keyasint,omitempty"`
	NChildren uint64            `cbor:"16,keyasint,omitempty"`

	// Clock is the server-side modification clock used for conditional
	// fetches; the server omits the body when the clock matches.
	Clock uint64 `cbor:"17,keyasint,omitempty"`

	// Children maps name → remote inode; only present on listing replies.
	Children map[string]uint64 `cbor:"18,keyasint,omitempty"`

	// Capability is an MD-embedded cap handed out with listing and lookup
	// responses.
	Capability *CapMsg `cbor:"19,keyasint,omitempty"`

	// AuthID authorizes a PutMD carrying this record.
	AuthID string `cbor:"20,keyasint,omitempty"`
}

// MDMapMsg is a parent listing: the reference inode plus one MDMsg per child
// (and one for the parent itself, keyed by its own remote inode).
type MDMapMsg struct {
	MDs map[uint64]*MDMsg `cbor:"1,keyasint"`
}

// QuotaMsg is the quota payload embedded in a cap.
type QuotaMsg struct {
	QuotaInode  uint64 `cbor:"1,keyasint"`
	VolumeQuota uint64 `cbor:"2,keyasint"`
	InodeQuota  uint64 `cbor:"3,keyasint"`
}

// CapMsg is a capability as issued by the MD server. ID is remote; the
// client re-keys it to the local inode on store.
type CapMsg struct {
	ID          uint64   `cbor:"1,keyasint"`
	Mode        uint32   `cbor:"2,keyasint"`
	VTime       Timespec `cbor:"3,keyasint"`
	UID         uint32   `cbor:"4,keyasint"`
	GID         uint32   `cbor:"5,keyasint"`
	ClientID    string   `cbor:"6,keyasint"`
	AuthID      string   `cbor:"7,keyasint"`
	ClientUUID  string   `cbor:"8,keyasint"`
	MaxFileSize uint64   `cbor:"9,keyasint"`
	Errc        int32    `cbor:"10,keyasint,omitempty"`
	Quota       QuotaMsg `cbor:"11,keyasint"`
}

// LeaseMsg revokes the cap identified by (remote inode, client id).
type LeaseMsg struct {
	MdIno    uint64 `cbor:"1,keyasint"`
	ClientID string `cbor:"2,keyasint"`
	AuthID   string `cbor:"3,keyasint"`
}

type EvictMsg struct {
	Reason string `cbor:"1,keyasint"`
}

// LockMsg is the byte-range lock payload of DoLock requests and responses.
type LockMsg struct {
	Pid   int32    `cbor:"1,keyasint"`
	Start int64    `cbor:"2,keyasint"`
	Len   int64    `cbor:"3,keyasint"`
	Type  LockType `cbor:"4,keyasint"`
	ErrNo int32    `cbor:"5,keyasint,omitempty"`
}

// GetMDReq asks for metadata by exactly one of: path (root bootstrap),
// remote inode (+ conditional clock), or remote parent + name.
type GetMDReq struct {
	Path    string `cbor:"1,keyasint,omitempty"`
	MdIno   uint64 `cbor:"2,keyasint,omitempty"`
	Clock   uint64 `cbor:"3,keyasint,omitempty"`
	MdPino  uint64 `cbor:"4,keyasint,omitempty"`
	Name    string `cbor:"5,keyasint,omitempty"`
	Listing bool   `cbor:"6,keyasint,omitempty"`

	UID   uint32 `cbor:"7,keyasint"`
	GID   uint32 `cbor:"8,keyasint"`
	Login string `cbor:"9,keyasint,omitempty"`
}

// PutMDReq pushes one MD mutation upstream.
type PutMDReq struct {
	MD     *MDMsg `cbor:"1,keyasint"`
	AuthID string `cbor:"2,keyasint"`
	Op     WireOp `cbor:"3,keyasint"`
}
