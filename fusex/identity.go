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

import "fmt"

// Identity is the caller identity of one kernel request. It keys capability
// lookups and rides on GetMD requests for server-side authorization.
type Identity struct {
	UID   uint32
	GID   uint32
	Pid   uint32
	Login string
}

// String renders the "<uid>:<gid>:<login>" portion shared by the cap id
// formats.
func (id Identity) String() string {
	return fmt.Sprintf("%d:%d:%s", id.UID, id.GID, id.Login)
}
