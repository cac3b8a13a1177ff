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
	"context"
	"fmt"
	"io/ioutil"
	"path/filepath"

	"github.com/gravitational/fleetadm/lib/clients"
	"github.com/gravitational/fleetadm/lib/defaults"
	"github.com/gravitational/fleetadm/lib/storage"
	"github.com/gravitational/fleetadm/lib/utils"

	"github.com/gravitational/trace"
)

// UpdateManateeV2 upgrades every peer of the replicated database cluster
// to a new image while preserving data safety.
//
// The HA topology is driven through a fixed sequence: the async replica is
// upgraded first, then the sync replica, and the primary last. The next
// peer is never touched until the shard returns to the expected post-step
// replication mode, and the primary is only disabled once both replicas
// already run the new image, so the promotion it triggers lands on an
// upgraded quorum.
//
// The single-peer topology cannot absorb primary downtime while the
// service registry requires a writable database, so the registry is
// coerced into proto mode around the reprovision.
//
// A failure between two steps leaves the partial state intact for the
// operator; re-running the procedure is not automatic.
type UpdateManateeV2 struct {
	change    storage.Change
	instances storage.Instances
}

// NewUpdateManateeV2 returns the replicated database update procedure
func NewUpdateManateeV2(change storage.Change, instances storage.Instances) *UpdateManateeV2 {
	return &UpdateManateeV2{change: change, instances: instances}
}

// Kind identifies the procedure class
func (p *UpdateManateeV2) Kind() Kind { return KindUpdateManateeV2 }

// Changes returns the plan changes this procedure consumes
func (p *UpdateManateeV2) Changes() []storage.Change {
	return []storage.Change{p.change}
}

// Summarize describes the update
func (p *UpdateManateeV2) Summarize() string {
	topology := "single-peer"
	if len(p.instances) > 1 {
		topology = fmt.Sprintf("%v-peer HA", len(p.instances))
	}
	return fmt.Sprintf("update %v replicated database cluster to image %v",
		topology, p.change.Image.UUID)
}

// Execute runs the cross-cutting preparation and the topology-specific
// upgrade sequence
func (p *UpdateManateeV2) Execute(ctx context.Context, params Params) error {
	if err := params.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if len(p.instances) == 0 {
		return trace.NotFound("service %q has no instances to update",
			p.change.Service.Name)
	}
	image := *p.change.Image
	params.Progress.NextStep("Updating replicated database to image %v",
		image.UUID)

	if err := ensureImageInstalled(ctx, params, image); err != nil {
		return trace.Wrap(err)
	}
	if err := p.prepare(ctx, params, image); err != nil {
		return trace.Wrap(err)
	}

	// Discover the peer roles and their servers via the first local peer
	status, err := p.shardStatus(ctx, params, p.instances[0])
	if err != nil {
		return trace.Wrap(err)
	}

	if len(p.instances) > 1 {
		return trace.Wrap(p.executeHA(ctx, params, image, status))
	}
	return trace.Wrap(p.executeNoHA(ctx, params, image))
}

// prepare runs the steps common to both topologies: install the
// replacement user-data script on the service (saving the old one for
// rollback), refresh the script on every database zone, and point the
// service at the new image
func (p *UpdateManateeV2) prepare(ctx context.Context, params Params, image storage.Image) error {
	services, err := params.Registry.ListServices(ctx, clients.ListServicesRequest{
		Name: p.change.Service.Name,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if len(services) != 1 {
		return trace.BadParameter("expected exactly one %q service, got %v",
			p.change.Service.Name, len(services))
	}
	service := services[0]

	if oldScript, ok := service.Params["user-script"].(string); ok {
		backup := filepath.Join(params.WorkDir, "manatee-user-script.old")
		params.Progress.PrintSubStep("Saving current user-script to %v", backup)
		err := ioutil.WriteFile(backup, []byte(oldScript), defaults.SharedReadMask)
		if err != nil {
			return trace.ConvertSystemError(err)
		}
	}

	script := userScript(image)
	err = params.Registry.UpdateService(ctx, service.UUID, map[string]interface{}{
		"user-script": script,
		"image_uuid":  image.UUID,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	for _, instance := range p.instances {
		params.Progress.PrintSubStep("Refreshing user-script on zone %v",
			instance.InstanceID)
		result, err := params.Runner.Exec(ctx, instance.ServerID, fmt.Sprintf(
			"echo %q | vmadm update %v user-script", script, instance.InstanceID))
		if err != nil {
			return trace.Wrap(err)
		}
		if err := result.Check(); err != nil {
			return trace.Wrap(err, "failed to refresh user-script on zone %v",
				instance.InstanceID)
		}
	}
	return nil
}

// executeHA drives the async -> sync -> primary upgrade sequence
func (p *UpdateManateeV2) executeHA(ctx context.Context, params Params, image storage.Image, status *ShardStatus) error {
	if status.Mode() != ShardModeAsync {
		return trace.BadParameter(
			"HA setup error: expected all three roles present, shard reports %v",
			status.Mode())
	}

	primary, err := p.instanceForPeer(status.Primary)
	if err != nil {
		return trace.Wrap(err)
	}
	sync, err := p.instanceForPeer(status.Sync)
	if err != nil {
		return trace.Wrap(err)
	}
	async, err := p.instanceForPeer(status.Async)
	if err != nil {
		return trace.Wrap(err)
	}
	origPrimaryID := status.Primary.ID

	// Async replica first
	if err := p.disablePeer(ctx, params, *async); err != nil {
		return trace.Wrap(err)
	}
	if err := p.waitForShard(ctx, params, *primary, ShardModeSync); err != nil {
		return trace.Wrap(err)
	}
	if async.ServerID != primary.ServerID {
		if err := installImageOnServer(ctx, params, async.ServerID, image); err != nil {
			return trace.Wrap(err)
		}
	}
	if err := p.reprovisionPeer(ctx, params, *async, image); err != nil {
		return trace.Wrap(err)
	}
	p.settle(params)
	if err := p.waitForShard(ctx, params, *primary, ShardModeAsync); err != nil {
		return trace.Wrap(err)
	}

	// Sync replica second
	if err := p.disablePeer(ctx, params, *sync); err != nil {
		return trace.Wrap(err)
	}
	if err := p.waitForShard(ctx, params, *primary, ShardModeSync); err != nil {
		return trace.Wrap(err)
	}
	if sync.ServerID != primary.ServerID && sync.ServerID != async.ServerID {
		if err := installImageOnServer(ctx, params, sync.ServerID, image); err != nil {
			return trace.Wrap(err)
		}
	}
	if err := p.reprovisionPeer(ctx, params, *sync, image); err != nil {
		return trace.Wrap(err)
	}
	p.settle(params)
	if err := p.waitForShard(ctx, params, *primary, ShardModeAsync); err != nil {
		return trace.Wrap(err)
	}

	// Primary last: disabling it promotes the old sync peer, and the
	// promotion is confirmed from the former async peer because the
	// original primary is down
	if err := p.disablePeer(ctx, params, *primary); err != nil {
		return trace.Wrap(err)
	}
	if err := p.waitForPromotion(ctx, params, *async, origPrimaryID); err != nil {
		return trace.Wrap(err)
	}
	if err := p.reprovisionPeer(ctx, params, *primary, image); err != nil {
		return trace.Wrap(err)
	}
	p.settle(params)
	if err := p.waitForShard(ctx, params, *async, ShardModeAsync); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// executeNoHA upgrades a single-peer cluster with the service registry in
// proto mode
func (p *UpdateManateeV2) executeNoHA(ctx context.Context, params Params, image storage.Image) error {
	if len(p.instances) != 1 {
		return trace.BadParameter(
			"expected exactly one database peer, got %v", len(p.instances))
	}
	instance := p.instances[0]

	if err := installImageOnServer(ctx, params, instance.ServerID, image); err != nil {
		return trace.Wrap(err)
	}

	sapiZone, err := p.localRegistryZone(ctx, params, instance.ServerID)
	if err != nil {
		return trace.Wrap(err)
	}

	params.Progress.PrintSubStep("Switching service registry zone %v to proto mode",
		sapiZone)
	if err := p.setProtoMode(ctx, params, instance.ServerID, sapiZone, true); err != nil {
		return trace.Wrap(err)
	}

	if err := p.reprovisionPeer(ctx, params, instance, image); err != nil {
		return trace.Wrap(err)
	}
	p.settle(params)

	params.Progress.PrintSubStep("Waiting for PostgreSQL to accept queries")
	err = utils.Retry(ctx, params.Clock, defaults.PostgresPollInterval,
		defaults.PostgresPollAttempts, func() error {
			result, err := params.Runner.Exec(ctx, instance.ServerID, fmt.Sprintf(
				`zlogin %v 'psql -U postgres -t -c "SELECT NOW();"'`,
				instance.InstanceID))
			if err != nil {
				return utils.Abort(err)
			}
			if result.ExitStatus != 0 {
				return utils.Continue("PostgreSQL is not answering yet")
			}
			return nil
		})
	if err != nil {
		return trace.Wrap(err)
	}

	params.Progress.PrintSubStep("Restoring service registry to full mode")
	if err := p.setProtoMode(ctx, params, instance.ServerID, sapiZone, false); err != nil {
		return trace.Wrap(err)
	}
	err = utils.Retry(ctx, params.Clock, defaults.PostgresPollInterval,
		defaults.PostgresPollAttempts, func() error {
			mode, err := params.Registry.GetMode(ctx)
			if err != nil {
				return utils.Continue("service registry is not answering yet")
			}
			if mode != clients.RegistryModeFull {
				return utils.Continue("service registry still reports %v mode", mode)
			}
			return nil
		})
	return trace.Wrap(err)
}

// localRegistryZone locates the service registry zone on the specified
// server and asserts there is exactly one
func (p *UpdateManateeV2) localRegistryZone(ctx context.Context, params Params, serverUUID string) (string, error) {
	services, err := params.Registry.ListServices(ctx, clients.ListServicesRequest{
		Name: "sapi",
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	if len(services) != 1 {
		return "", trace.BadParameter(
			"expected exactly one sapi service, got %v", len(services))
	}
	instances, err := params.Registry.ListInstances(ctx, clients.ListInstancesRequest{
		ServiceUUID: services[0].UUID,
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	var local []string
	for _, instance := range instances {
		serverID, _ := instance.Params["server_uuid"].(string)
		if serverID == "" || serverID == serverUUID {
			local = append(local, instance.UUID)
		}
	}
	if len(local) != 1 {
		return "", trace.BadParameter(
			"expected exactly one local service registry zone, got %v", len(local))
	}
	return local[0], nil
}

// setProtoMode toggles the PROTO_MODE metadata on the registry zone and
// restarts it so the new mode takes effect
func (p *UpdateManateeV2) setProtoMode(ctx context.Context, params Params, serverUUID, zoneID string, enable bool) error {
	script := fmt.Sprintf(
		`echo '{"set_customer_metadata": {"PROTO_MODE": "true"}}' | vmadm update %v && svcadm -z %v restart svc:/smartdc/application/sapi:default`,
		zoneID, zoneID)
	if !enable {
		script = fmt.Sprintf(
			`echo '{"remove_customer_metadata": ["PROTO_MODE"]}' | vmadm update %v && svcadm -z %v restart svc:/smartdc/application/sapi:default`,
			zoneID, zoneID)
	}
	result, err := params.Runner.Exec(ctx, serverUUID, script)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(result.Check())
}

// shardStatus queries the cluster state through the specified peer
func (p *UpdateManateeV2) shardStatus(ctx context.Context, params Params, peer storage.Instance) (*ShardStatus, error) {
	result, err := params.Runner.Exec(ctx, peer.ServerID, fmt.Sprintf(
		"zlogin %v 'source ~/.bashrc; manatee-adm status'", peer.InstanceID))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := result.Check(); err != nil {
		return nil, trace.Wrap(err, "failed to query shard status via %v",
			peer.InstanceID)
	}
	status, err := ParseShardStatus([]byte(result.Stdout), peer.ServerID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return status, nil
}

// waitForShard polls the shard status through the specified peer until the
// cluster reports the wanted mode
func (p *UpdateManateeV2) waitForShard(ctx context.Context, params Params, peer storage.Instance, want ShardMode) error {
	params.Progress.PrintSubStep("Waiting for shard to reach %v mode", want)
	err := utils.Retry(ctx, params.Clock, defaults.ShardPollInterval,
		defaults.ShardPollAttempts, func() error {
			status, err := p.shardStatus(ctx, params, peer)
			if err != nil {
				return utils.Continue("shard status unavailable: %v", err)
			}
			if mode := status.Mode(); mode != want {
				return utils.Continue("shard reports %v mode, want %v", mode, want)
			}
			return nil
		})
	return trace.Wrap(err, "shard did not reach %v mode", want)
}

// waitForPromotion polls the former async peer until it observes a primary
// other than the original one, confirming the sync peer has been promoted
func (p *UpdateManateeV2) waitForPromotion(ctx context.Context, params Params, peer storage.Instance, origPrimaryID string) error {
	params.Progress.PrintSubStep("Waiting for a new primary to take over")
	err := utils.Retry(ctx, params.Clock, defaults.ShardPollInterval,
		defaults.PromotionPollAttempts, func() error {
			status, err := p.shardStatus(ctx, params, peer)
			if err != nil {
				return utils.Continue("shard status unavailable: %v", err)
			}
			if status.Primary == nil || status.Primary.ID == origPrimaryID {
				return utils.Continue("original primary %v still holds the shard",
					origPrimaryID)
			}
			return nil
		})
	return trace.Wrap(err, "no peer was promoted to primary")
}

// disablePeer stops the database services on the peer so it drops out of
// the cluster
func (p *UpdateManateeV2) disablePeer(ctx context.Context, params Params, peer storage.Instance) error {
	params.Progress.PrintSubStep("Disabling database services on peer %v",
		peer.InstanceID)
	result, err := params.Runner.Exec(ctx, peer.ServerID, fmt.Sprintf(
		"svcadm -z %v disable manatee-sitter manatee-snapshotter manatee-backupserver",
		peer.InstanceID))
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(result.Check())
}

func (p *UpdateManateeV2) reprovisionPeer(ctx context.Context, params Params, peer storage.Instance, image storage.Image) error {
	params.Progress.PrintSubStep("Reprovisioning peer %v on server %v",
		peer.InstanceID, peer.ServerID)
	err := params.Registry.ReprovisionInstance(ctx, peer.InstanceID, image.UUID)
	return trace.Wrap(err)
}

// settle gives a freshly reprovisioned peer time to rejoin replication
// before the shard is polled again
func (p *UpdateManateeV2) settle(params Params) {
	params.Clock.Sleep(defaults.ReplicationSettleDelay)
}

// instanceForPeer maps a shard peer to the instance running it
func (p *UpdateManateeV2) instanceForPeer(peer *ShardPeer) (*storage.Instance, error) {
	if peer == nil {
		return nil, trace.NotFound("shard peer is not up")
	}
	instance, err := p.instances.FindByID(peer.ZoneID)
	if err != nil {
		return nil, trace.NotFound(
			"shard peer zone %v does not match any %q instance",
			peer.ZoneID, p.change.Service.Name)
	}
	return instance, nil
}

// userScript renders the user-data script the database zones boot with
func userScript(image storage.Image) string {
	return fmt.Sprintf(`#!/usr/bin/bash
#
# Configure and join the replicated database cluster on first boot.
# Installed for image %v (%v@%v).
#
set -o errexit
set -o pipefail

/usr/sbin/mdata-get sdc:uuid >/var/tmp/zone-uuid
exec /opt/smartdc/boot/setup.sh
`, image.UUID, image.Name, image.Version)
}
