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

package defaults

import (
	"time"
)

const (
	// LockPath is the advisory lock file that serializes mutating
	// operations on a single host
	LockPath = "/var/run/fleetadm.lock"

	// UpdatesDir is the base directory for per-update work directories
	UpdatesDir = "/var/fleetadm/updates"

	// PlanFilename is the name of the serialized plan inside a work directory
	PlanFilename = "plan.json"

	// InstallLogFilename is the per-procedure log file inside a work directory
	InstallLogFilename = "install.log"

	// DCMaintPath is the marker file written while the datacenter is in
	// read-only maintenance mode
	DCMaintPath = "/var/fleetadm/dc-maint.json"

	// HistoryPath is the bolt database with update history records
	HistoryPath = "/var/fleetadm/history.db"

	// SharedDirMask is the mask for shared directories
	SharedDirMask = 0755

	// SharedReadMask is the mask for shared files
	SharedReadMask = 0644

	// PrivateFileMask is the mask for private files
	PrivateFileMask = 0600
)

const (
	// LockWaitNotice is how long lock acquisition stays silent before
	// telling the operator it is waiting on another process
	LockWaitNotice = 1 * time.Second

	// ShardPollInterval is the pause between shard status polls
	ShardPollInterval = 5 * time.Second

	// ShardPollAttempts caps shard status polls while waiting for the
	// cluster to settle after a peer is reprovisioned (15 minutes)
	ShardPollAttempts = 180

	// PromotionPollAttempts caps shard status polls while waiting for a
	// replica to be promoted to primary (3 minutes)
	PromotionPollAttempts = 36

	// PostgresPollInterval is the pause between PostgreSQL liveness probes
	PostgresPollInterval = 5 * time.Second

	// PostgresPollAttempts caps PostgreSQL liveness probes after the sole
	// peer of a non-HA cluster is reprovisioned (3 minutes)
	PostgresPollAttempts = 36

	// ReplicationSettleDelay is how long a freshly reprovisioned peer is
	// given to rejoin replication before the shard is polled again
	ReplicationSettleDelay = 60 * time.Second

	// ClientRetryInterval is the pause between retries of transient
	// upstream API failures
	ClientRetryInterval = 2 * time.Second

	// ClientRetryAttempts caps retries of transient upstream API failures
	ClientRetryAttempts = 3

	// ClientTimeout bounds the total time spent retrying a failing upstream
	// API call or image import
	ClientTimeout = 30 * time.Second

	// RemoteExecTimeout bounds a single remote script execution
	RemoteExecTimeout = 5 * time.Minute
)

const (
	// ParallelLimit caps remote fan-out within a single procedure step
	ParallelLimit = 5

	// AdminOwnerUUID is the administrative account that owns all fleet
	// service instances
	AdminOwnerUUID = "930896af-bf8c-48d4-885c-6573a94b1853"

	// RoleTag is the instance tag naming the fleet service an instance
	// materializes
	RoleTag = "smartdc_role"

	// VersionFilter is the default predicate value applied to candidate
	// image versions
	VersionFilter = "master"

	// HeadnodeHostname is the conventional hostname of the headnode
	HeadnodeHostname = "headnode"
)

// StatelessServices lists the simple stateless services that can be updated
// with the single-instance headnode strategy
var StatelessServices = []string{
	"adminui", "amon", "amonredis", "assets", "ca", "cloudapi", "cnapi",
	"dhcpd", "fwapi", "napi", "papi", "rabbitmq", "redis", "sdc", "vmapi",
	"workflow", "manta",
}

// KnownAgentServices lists agent services that must be present in the
// service catalog even when the registry does not enumerate them
var KnownAgentServices = []string{
	"cn-agent", "net-agent", "vm-agent", "agents_core", "amon-agent",
	"amon-relay", "cabase", "config-agent", "firewaller", "hagfish-watcher",
	"smartlogin",
}
