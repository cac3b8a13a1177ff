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
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/fleetadm/lib/clients"
	"github.com/gravitational/fleetadm/lib/remote"
	"github.com/gravitational/fleetadm/lib/storage"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"gopkg.in/check.v1"
)

type ManateeSuite struct{}

var _ = check.Suite(&ManateeSuite{})

var manateeImage = storage.Image{
	UUID:        "11111111-aaaa-bbbb-cccc-000000000099",
	Name:        "manatee",
	Version:     "master-20200301T000000Z-g9999999",
	PublishedAt: time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC),
}

// dbCluster emulates the replicated database: an ordered ring of live
// peers where position 0 is primary, 1 is sync and 2 is async. Disabling
// a peer removes it from the ring, reprovisioning re-adds it at the tail.
type dbCluster struct {
	mu   sync.Mutex
	ring []string
	// stuckPrimary keeps a disabled primary in the ring to emulate a
	// promotion that never happens
	stuckPrimary bool
	// log records every mutating step in order
	log []string
}

func (d *dbCluster) disable(zone string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = append(d.log, "disable "+zone)
	if d.stuckPrimary && len(d.ring) != 0 && d.ring[0] == zone {
		return
	}
	ring := d.ring[:0]
	for _, peer := range d.ring {
		if peer != zone {
			ring = append(ring, peer)
		}
	}
	d.ring = ring
}

func (d *dbCluster) reprovision(zone string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = append(d.log, "reprovision "+zone)
	for _, peer := range d.ring {
		if peer == zone {
			return
		}
	}
	d.ring = append(d.ring, zone)
}

func (d *dbCluster) record(entry string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = append(d.log, entry)
}

func (d *dbCluster) steps() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.log...)
}

// status renders the cluster the way the on-zone status tool would
func (d *dbCluster) status() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	shard := ShardStatus{}
	if len(d.ring) > 0 {
		repl := ""
		if len(d.ring) > 1 {
			repl = "sync"
		}
		shard.Primary = &ShardPeer{ID: d.ring[0], ZoneID: d.ring[0], Repl: ReplState{SyncState: repl}}
	}
	if len(d.ring) > 1 {
		repl := ""
		if len(d.ring) > 2 {
			repl = "async"
		}
		shard.Sync = &ShardPeer{ID: d.ring[1], ZoneID: d.ring[1], Repl: ReplState{SyncState: repl}}
	}
	if len(d.ring) > 2 {
		shard.Async = &ShardPeer{ID: d.ring[2], ZoneID: d.ring[2]}
	}
	data, err := json.Marshal(map[string]ShardStatus{"sdc": shard})
	if err != nil {
		panic(err)
	}
	return string(data)
}

// clusterRunner translates remote scripts into cluster transitions
type clusterRunner struct {
	cluster *dbCluster
	// pgDown keeps the PostgreSQL probe failing
	pgDown bool
}

func (r *clusterRunner) Exec(ctx context.Context, serverUUID, script string) (*remote.Result, error) {
	switch {
	case strings.Contains(script, "manatee-adm status"):
		return &remote.Result{ExitStatus: 0, Stdout: r.cluster.status()}, nil
	case strings.Contains(script, "disable manatee-sitter"):
		zone := fieldAfter(script, "-z")
		r.cluster.disable(zone)
		return &remote.Result{ExitStatus: 0}, nil
	case strings.Contains(script, "imgadm import"):
		r.cluster.record("install " + serverUUID)
		return &remote.Result{ExitStatus: 0}, nil
	case strings.Contains(script, "user-script"):
		r.cluster.record("user-script " + fieldAfter(script, "update"))
		return &remote.Result{ExitStatus: 0}, nil
	case strings.Contains(script, "PROTO_MODE"):
		if strings.Contains(script, "set_customer_metadata") {
			r.cluster.record("proto-mode on")
		} else {
			r.cluster.record("proto-mode off")
		}
		return &remote.Result{ExitStatus: 0}, nil
	case strings.Contains(script, "SELECT NOW()"):
		if r.pgDown {
			return &remote.Result{ExitStatus: 1, Stderr: "connection refused"}, nil
		}
		r.cluster.record("pg-probe " + serverUUID)
		return &remote.Result{ExitStatus: 0, Stdout: "2020-03-01 00:00:00"}, nil
	}
	return nil, trace.BadParameter("unexpected script %q", script)
}

func (r *clusterRunner) Broadcast(ctx context.Context, script string) (map[string]*remote.Result, error) {
	return nil, trace.NotImplemented("not used in tests")
}

func fieldAfter(script, marker string) string {
	fields := strings.Fields(script)
	for i, field := range fields {
		if field == marker && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

// manateeRegistry is the registry fake shared by the manatee tests
type manateeRegistry struct {
	cluster   *dbCluster
	sapiZones []clients.RegistryInstance
	updated   map[string]interface{}
	mode      clients.RegistryMode
}

func (f *manateeRegistry) ListApplications(ctx context.Context) ([]clients.Application, error) {
	return nil, nil
}

func (f *manateeRegistry) ListServices(ctx context.Context, req clients.ListServicesRequest) ([]clients.RegistryService, error) {
	switch req.Name {
	case "manatee":
		return []clients.RegistryService{{
			UUID: "55555555-aaaa-bbbb-cccc-000000000007",
			Name: "manatee",
			Type: storage.ServiceTypeVM,
			Params: map[string]interface{}{
				"user-script": "#!/usr/bin/bash\n# previous boot script\n",
			},
		}}, nil
	case "sapi":
		return []clients.RegistryService{{
			UUID: "55555555-aaaa-bbbb-cccc-000000000008",
			Name: "sapi",
			Type: storage.ServiceTypeVM,
		}}, nil
	}
	return nil, nil
}

func (f *manateeRegistry) ListInstances(ctx context.Context, req clients.ListInstancesRequest) ([]clients.RegistryInstance, error) {
	if req.ServiceUUID == "55555555-aaaa-bbbb-cccc-000000000008" {
		return f.sapiZones, nil
	}
	return nil, nil
}

func (f *manateeRegistry) CreateInstance(ctx context.Context, req clients.CreateInstanceRequest) (*clients.RegistryInstance, error) {
	return nil, trace.NotImplemented("not used in tests")
}

func (f *manateeRegistry) UpdateService(ctx context.Context, serviceUUID string, params map[string]interface{}) error {
	f.updated = params
	return nil
}

func (f *manateeRegistry) ReprovisionInstance(ctx context.Context, instanceUUID, imageUUID string) error {
	f.cluster.reprovision(instanceUUID)
	return nil
}

func (f *manateeRegistry) GetMode(ctx context.Context) (clients.RegistryMode, error) {
	return f.mode, nil
}

func (f *manateeRegistry) SetMode(ctx context.Context, mode clients.RegistryMode) error {
	f.mode = mode
	return nil
}

type manateeStore struct{}

func (manateeStore) GetImage(ctx context.Context, uuid string) (*storage.Image, error) {
	if uuid == manateeImage.UUID {
		image := manateeImage
		return &image, nil
	}
	return nil, trace.NotFound("image %v not found", uuid)
}

func (manateeStore) ListImages(ctx context.Context, req clients.ListImagesRequest) ([]storage.Image, error) {
	return nil, nil
}

func (manateeStore) GetImageFile(ctx context.Context, uuid, path string) error {
	return trace.NotImplemented("not used in tests")
}

func (manateeStore) ImportImage(ctx context.Context, uuid string) error {
	return trace.NotImplemented("not used in tests")
}

type manateeNodes struct{}

func (manateeNodes) ListServers(ctx context.Context, extras ...string) ([]clients.NodeServer, error) {
	return nil, nil
}

func (manateeNodes) ListPlatforms(ctx context.Context) ([]string, error) { return nil, nil }

func (manateeNodes) CommandExecute(ctx context.Context, serverUUID, script string) (string, error) {
	return "", trace.NotImplemented("not used in tests")
}

func (manateeNodes) SetBootParams(ctx context.Context, serverUUID string, params map[string]string) error {
	return trace.NotImplemented("not used in tests")
}

func manateeInstances(peers ...string) storage.Instances {
	instances := make(storage.Instances, 0, len(peers))
	for i, peer := range peers {
		instances = append(instances, storage.Instance{
			ServiceName: "manatee",
			Type:        storage.ServiceTypeVM,
			InstanceID:  peer,
			ImageID:     "11111111-aaaa-bbbb-cccc-000000000098",
			ServerID:    fmt.Sprintf("33333333-aaaa-bbbb-cccc-%012d", i+1),
		})
	}
	return instances
}

func manateeChange() storage.Change {
	image := manateeImage
	return storage.Change{
		Type:    storage.ChangeTypeUpdateService,
		Service: storage.Service{Name: "manatee", Type: storage.ServiceTypeVM},
		Image:   &image,
	}
}

// runWithFakeClock executes the procedure while a background goroutine
// keeps advancing the fake clock past the settle sleeps and poll pauses
func runWithFakeClock(c *check.C, clock clockwork.FakeClock, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	go func() {
		for {
			clock.BlockUntil(1)
			clock.Advance(2 * time.Minute)
		}
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(30 * time.Second):
		c.Fatal("procedure did not finish in time")
		return nil
	}
}

func (s *ManateeSuite) params(cluster *dbCluster, registry *manateeRegistry, clock clockwork.Clock, workDir string) Params {
	return Params{
		Registry: registry,
		Nodes:    manateeNodes{},
		Store:    manateeStore{},
		Runner:   &clusterRunner{cluster: cluster},
		Clock:    clock,
		WorkDir:  workDir,
	}
}

// TestHAHappyPath verifies the full async -> sync -> primary sequence
func (s *ManateeSuite) TestHAHappyPath(c *check.C) {
	instances := manateeInstances("p1", "p2", "p3")
	cluster := &dbCluster{ring: []string{"p1", "p2", "p3"}}
	registry := &manateeRegistry{cluster: cluster, mode: clients.RegistryModeFull}
	clock := clockwork.NewFakeClock()

	proc := NewUpdateManateeV2(manateeChange(), instances)
	err := runWithFakeClock(c, clock, func() error {
		return proc.Execute(context.TODO(),
			s.params(cluster, registry, clock, c.MkDir()))
	})
	c.Assert(err, check.IsNil)

	// The cluster converged with the former async peer, promoted to sync
	// mid-rollout, as the new primary and the original primary at the
	// tail of the replication chain
	c.Assert(cluster.ring, check.DeepEquals, []string{"p3", "p2", "p1"})

	// Every peer boots the refreshed user-script before the rollout, and
	// the peers are then touched strictly async -> sync -> primary, with
	// the replica images staged on their servers before reprovisioning
	c.Assert(cluster.steps(), check.DeepEquals, []string{
		"user-script p1",
		"user-script p2",
		"user-script p3",
		"disable p3",
		"install " + instances[2].ServerID,
		"reprovision p3",
		"disable p2",
		"install " + instances[1].ServerID,
		"reprovision p2",
		"disable p1",
		"reprovision p1",
	})

	// The service was repointed at the new image with the new script
	c.Assert(registry.updated["image_uuid"], check.Equals, manateeImage.UUID)
	c.Assert(registry.updated["user-script"], check.NotNil)
}

// TestHARequiresFullCluster rejects a degraded cluster up front
func (s *ManateeSuite) TestHARequiresFullCluster(c *check.C) {
	instances := manateeInstances("p1", "p2", "p3")
	// Async peer is down
	cluster := &dbCluster{ring: []string{"p1", "p2"}}
	registry := &manateeRegistry{cluster: cluster, mode: clients.RegistryModeFull}
	clock := clockwork.NewFakeClock()

	proc := NewUpdateManateeV2(manateeChange(), instances)
	err := runWithFakeClock(c, clock, func() error {
		return proc.Execute(context.TODO(),
			s.params(cluster, registry, clock, c.MkDir()))
	})
	c.Assert(err, check.NotNil)
	c.Assert(err, check.ErrorMatches, "(?s).*HA setup error.*")

	// No peer was touched
	for _, step := range cluster.steps() {
		c.Assert(strings.HasPrefix(step, "disable"), check.Equals, false)
		c.Assert(strings.HasPrefix(step, "reprovision"), check.Equals, false)
	}
}

// TestPromotionTimeoutIsFatal: if no replica takes over after the primary
// is disabled, the procedure halts with the partial state intact
func (s *ManateeSuite) TestPromotionTimeoutIsFatal(c *check.C) {
	instances := manateeInstances("p1", "p2", "p3")
	cluster := &dbCluster{ring: []string{"p1", "p2", "p3"}, stuckPrimary: true}
	registry := &manateeRegistry{cluster: cluster, mode: clients.RegistryModeFull}
	clock := clockwork.NewFakeClock()

	proc := NewUpdateManateeV2(manateeChange(), instances)
	err := runWithFakeClock(c, clock, func() error {
		return proc.Execute(context.TODO(),
			s.params(cluster, registry, clock, c.MkDir()))
	})
	c.Assert(err, check.NotNil)
	c.Assert(err, check.ErrorMatches, "(?s).*no peer was promoted to primary.*")

	// The original primary was never reprovisioned
	for _, step := range cluster.steps() {
		c.Assert(step, check.Not(check.Equals), "reprovision p1")
	}
}

// TestNoHAUsesProtoMode: a single-peer cluster brackets the reprovision
// with the service registry in proto mode
func (s *ManateeSuite) TestNoHAUsesProtoMode(c *check.C) {
	instances := manateeInstances("p1")
	cluster := &dbCluster{ring: []string{"p1"}}
	registry := &manateeRegistry{
		cluster: cluster,
		mode:    clients.RegistryModeFull,
		sapiZones: []clients.RegistryInstance{{
			UUID:        "sapi0",
			ServiceUUID: "55555555-aaaa-bbbb-cccc-000000000008",
			Params:      map[string]interface{}{"server_uuid": instances[0].ServerID},
		}},
	}
	clock := clockwork.NewFakeClock()

	proc := NewUpdateManateeV2(manateeChange(), instances)
	err := runWithFakeClock(c, clock, func() error {
		return proc.Execute(context.TODO(),
			s.params(cluster, registry, clock, c.MkDir()))
	})
	c.Assert(err, check.IsNil)

	steps := cluster.steps()
	c.Assert(steps, check.DeepEquals, []string{
		"user-script p1",
		"install " + instances[0].ServerID,
		"proto-mode on",
		"reprovision p1",
		"pg-probe " + instances[0].ServerID,
		"proto-mode off",
	})
}

// TestNoHAAssertsSingleRegistryZone: the proto-mode coercion refuses to
// run when the local registry topology is not the expected one
func (s *ManateeSuite) TestNoHAAssertsSingleRegistryZone(c *check.C) {
	instances := manateeInstances("p1")
	cluster := &dbCluster{ring: []string{"p1"}}
	registry := &manateeRegistry{
		cluster: cluster,
		mode:    clients.RegistryModeFull,
		sapiZones: []clients.RegistryInstance{
			{UUID: "sapi0", Params: map[string]interface{}{"server_uuid": instances[0].ServerID}},
			{UUID: "sapi1", Params: map[string]interface{}{"server_uuid": instances[0].ServerID}},
		},
	}
	clock := clockwork.NewFakeClock()

	proc := NewUpdateManateeV2(manateeChange(), instances)
	err := runWithFakeClock(c, clock, func() error {
		return proc.Execute(context.TODO(),
			s.params(cluster, registry, clock, c.MkDir()))
	})
	c.Assert(err, check.NotNil)
	c.Assert(err, check.ErrorMatches,
		"(?s).*expected exactly one local service registry zone.*")

	// The database peer was never reprovisioned
	for _, step := range cluster.steps() {
		c.Assert(step, check.Not(check.Equals), "reprovision p1")
	}
}
