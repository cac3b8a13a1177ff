/*
Copyright 2020 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package procedures

import (
	"encoding/json"

	"github.com/gravitational/trace"
)

// ShardMode is the observable state of the replicated database cluster
type ShardMode string

const (
	// ShardModeEmpty means no peers are up
	ShardModeEmpty ShardMode = "empty"
	// ShardModePrimary means only the primary is up, without replication
	ShardModePrimary ShardMode = "primary"
	// ShardModeSync means primary and sync are up with synchronous
	// replication established
	ShardModeSync ShardMode = "sync"
	// ShardModeAsync means all three roles are up with the sync peer
	// streaming to the async peer
	ShardModeAsync ShardMode = "async"
	// ShardModeTransition means the cluster state is indeterminate and
	// the caller must poll again
	ShardModeTransition ShardMode = "transition"
)

// ShardPeer is one database peer as the shard status reports it
type ShardPeer struct {
	// ID is the peer identifier within the cluster
	ID string `json:"id"`
	// ZoneID is the zone (instance) the peer runs in
	ZoneID string `json:"zoneId"`
	// IP is the peer address
	IP string `json:"ip"`
	// Repl is the downstream replication state the peer reports, empty
	// when the peer has no downstream
	Repl ReplState `json:"repl"`
}

// ReplState is the replication link state a peer reports for its
// downstream
type ReplState struct {
	// SyncState is the PostgreSQL replication mode, sync or async
	SyncState string `json:"sync_state,omitempty"`
}

// ShardStatus summarizes which peers are up and their replication roles,
// as observed from one particular peer
type ShardStatus struct {
	// ObservedFrom is the server the status was queried on
	ObservedFrom string `json:"-"`
	// Primary is the write peer, nil when down
	Primary *ShardPeer `json:"primary,omitempty"`
	// Sync is the synchronous replica, nil when down
	Sync *ShardPeer `json:"sync,omitempty"`
	// Async is the asynchronous replica, nil when down
	Async *ShardPeer `json:"async,omitempty"`
}

// Mode derives the observable cluster state from the peer roles and their
// replication links
func (s ShardStatus) Mode() ShardMode {
	switch {
	case s.Primary == nil:
		if s.Sync == nil && s.Async == nil {
			return ShardModeEmpty
		}
		return ShardModeTransition
	case s.Sync == nil:
		if s.Async == nil && s.Primary.Repl.SyncState == "" {
			return ShardModePrimary
		}
		return ShardModeTransition
	case s.Async == nil:
		if s.Primary.Repl.SyncState == "sync" {
			return ShardModeSync
		}
		return ShardModeTransition
	default:
		if s.Primary.Repl.SyncState == "sync" && s.Sync.Repl.SyncState == "async" {
			return ShardModeAsync
		}
		return ShardModeTransition
	}
}

// ParseShardStatus decodes the JSON envelope the database status tool
// emits. The envelope maps the shard name to its peer roles; exactly one
// shard is expected.
func ParseShardStatus(data []byte, observedFrom string) (*ShardStatus, error) {
	var envelope map[string]ShardStatus
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, trace.Wrap(err, "malformed shard status")
	}
	if len(envelope) != 1 {
		return nil, trace.BadParameter(
			"expected status for exactly one shard, got %v", len(envelope))
	}
	for _, status := range envelope {
		status.ObservedFrom = observedFrom
		return &status, nil
	}
	return nil, trace.BadParameter("empty shard status")
}
