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

// Package inventory gathers a consistent snapshot of fleet services, their
// instances and the servers hosting them from the external inventory
// services.
package inventory

import (
	"context"
	"sync"

	"github.com/gravitational/fleetadm/lib/clients"
	"github.com/gravitational/fleetadm/lib/defaults"
	"github.com/gravitational/fleetadm/lib/storage"
	"github.com/gravitational/fleetadm/lib/utils"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Snapshot is a consistent, cross-referenced view of the fleet at a point
// in time. It is valid for a single planning call.
type Snapshot struct {
	// Services is the service catalog
	Services storage.Services
	// Instances is every running instance of every service
	Instances storage.Instances
	// Servers is every fleet server
	Servers storage.Servers

	serverIndex map[string]*storage.Server
}

// ServerByIDOrHostname returns the server with the specified id or hostname
func (s *Snapshot) ServerByIDOrHostname(idOrHostname string) (*storage.Server, error) {
	if server, ok := s.serverIndex[idOrHostname]; ok {
		return server, nil
	}
	return nil, trace.NotFound("server %q is not known", idOrHostname)
}

// Config is the collector configuration
type Config struct {
	// Registry is the service registry
	Registry clients.ServiceRegistry
	// VMs is the VM manager
	VMs clients.VMManager
	// Nodes is the node inventory
	Nodes clients.NodeInventory
	// Images is the local image store used to resolve VM image versions
	Images clients.ImageStore
	// OwnerUUID is the administrative account owning fleet instances
	OwnerUUID string
	// FieldLogger is used for logging
	logrus.FieldLogger
}

// CheckAndSetDefaults validates the configuration and sets defaults
func (c *Config) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing Registry")
	}
	if c.VMs == nil {
		return trace.BadParameter("missing VMs")
	}
	if c.Nodes == nil {
		return trace.BadParameter("missing Nodes")
	}
	if c.Images == nil {
		return trace.BadParameter("missing Images")
	}
	if c.OwnerUUID == "" {
		c.OwnerUUID = defaults.AdminOwnerUUID
	}
	if c.FieldLogger == nil {
		c.FieldLogger = logrus.WithField(trace.Component, "fleetadm:inventory")
	}
	return nil
}

// Collector produces fleet snapshots
type Collector struct {
	Config
}

// NewCollector returns a new collector for the specified configuration
func NewCollector(config Config) (*Collector, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Collector{Config: config}, nil
}

// activeVMStates are the lifecycle states of instances considered deployed
var activeVMStates = []string{"running", "provisioning", "stopped"}

// Collect gathers a new snapshot. Partial inventories are never returned:
// any upstream failure aborts the collection.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	services, serviceNameByUUID, err := c.collectAgentServices(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	registryInstanceByKey, err := c.collectAgentInstances(ctx, serviceNameByUUID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	servers, agentInstances, err := c.collectServers(ctx, registryInstanceByKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	vmServices, vmInstances, err := c.collectVMs(ctx, servers)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	snapshot := &Snapshot{
		Services:    append(services, vmServices...),
		Instances:   append(agentInstances, vmInstances...),
		Servers:     servers,
		serverIndex: map[string]*storage.Server{},
	}
	for i := range snapshot.Servers {
		snapshot.serverIndex[snapshot.Servers[i].UUID] = &snapshot.Servers[i]
		snapshot.serverIndex[snapshot.Servers[i].Hostname] = &snapshot.Servers[i]
	}
	if err := c.verify(snapshot); err != nil {
		return nil, trace.Wrap(err)
	}
	return snapshot, nil
}

// collectAgentServices fetches agent services from the registry and
// augments them with the synthetic assets service and the known agent
// services the registry does not enumerate yet
func (c *Collector) collectAgentServices(ctx context.Context) (storage.Services, map[string]string, error) {
	registered, err := c.Registry.ListServices(ctx, clients.ListServicesRequest{
		Type: storage.ServiceTypeAgent,
	})
	if err != nil {
		return nil, nil, trace.Wrap(err, "failed to list agent services")
	}

	var services storage.Services
	nameByUUID := map[string]string{}
	seen := map[string]struct{}{}
	for _, service := range registered {
		nameByUUID[service.UUID] = service.Name
		seen[service.Name] = struct{}{}
		services = append(services, storage.Service{
			Name:   service.Name,
			Type:   storage.ServiceTypeAgent,
			UUID:   service.UUID,
			Params: serviceParams(service.Params),
		})
	}

	// The assets service has no registry presence but must be updateable
	if _, ok := seen["assets"]; !ok {
		services = append(services, storage.Service{
			Name: "assets",
			Type: storage.ServiceTypeAgent,
		})
		seen["assets"] = struct{}{}
	}
	for _, name := range defaults.KnownAgentServices {
		if _, ok := seen[name]; ok {
			continue
		}
		services = append(services, storage.Service{
			Name: name,
			Type: storage.ServiceTypeAgent,
		})
		seen[name] = struct{}{}
	}
	return services, nameByUUID, nil
}

// collectAgentInstances indexes registered agent instances by
// server/service so server enumeration can prefer registry instance ids
func (c *Collector) collectAgentInstances(ctx context.Context, serviceNameByUUID map[string]string) (map[string]clients.RegistryInstance, error) {
	instances, err := c.Registry.ListInstances(ctx, clients.ListInstancesRequest{
		Type: storage.ServiceTypeAgent,
	})
	if err != nil {
		return nil, trace.Wrap(err, "failed to list agent instances")
	}
	index := map[string]clients.RegistryInstance{}
	for _, instance := range instances {
		name, ok := serviceNameByUUID[instance.ServiceUUID]
		if !ok {
			c.Warnf("Agent instance %v references unknown service %v.",
				instance.UUID, instance.ServiceUUID)
			continue
		}
		serverUUID, _ := instance.Params["server_uuid"].(string)
		index[storage.SyntheticInstanceID(serverUUID, name)] = instance
	}
	return index, nil
}

// collectServers fetches all servers with sysinfo and emits one agent
// instance per (server, agent) from the on-host agents descriptor
func (c *Collector) collectServers(ctx context.Context, registryInstances map[string]clients.RegistryInstance) (storage.Servers, storage.Instances, error) {
	nodes, err := c.Nodes.ListServers(ctx, "sysinfo", "agents")
	if err != nil {
		return nil, nil, trace.Wrap(err, "failed to list servers")
	}

	var servers storage.Servers
	var mu sync.Mutex
	var instances storage.Instances
	var tasks []func() error
	for _, node := range nodes {
		node := node
		servers = append(servers, storage.Server{
			UUID:            node.UUID,
			Hostname:        node.Hostname,
			Headnode:        node.Headnode,
			CurrentPlatform: node.CurrentPlatform,
			Sysinfo:         node.Sysinfo,
		})
		tasks = append(tasks, func() error {
			agents := c.agentInstances(node, registryInstances)
			mu.Lock()
			instances = append(instances, agents...)
			mu.Unlock()
			return nil
		})
	}
	if err := utils.ParallelLimit(ctx, defaults.ParallelLimit, tasks); err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return servers, instances, nil
}

func (c *Collector) agentInstances(node clients.NodeServer, registryInstances map[string]clients.RegistryInstance) (result storage.Instances) {
	for _, agent := range node.Agents {
		id := storage.SyntheticInstanceID(node.UUID, agent.Name)
		if registered, ok := registryInstances[id]; ok && registered.UUID != "" {
			id = registered.UUID
		}
		result = append(result, storage.Instance{
			ServiceName: agent.Name,
			Type:        storage.ServiceTypeAgent,
			InstanceID:  id,
			ImageID:     agent.ImageUUID,
			Version:     agent.Version,
			ServerID:    node.UUID,
			Hostname:    node.Hostname,
		})
	}
	return result
}

// collectVMs fetches administrative VMs in active states, dropping any
// machine without a role tag, and resolves each machine's image version
func (c *Collector) collectVMs(ctx context.Context, servers storage.Servers) (storage.Services, storage.Instances, error) {
	registered, err := c.Registry.ListServices(ctx, clients.ListServicesRequest{
		Type: storage.ServiceTypeVM,
	})
	if err != nil {
		return nil, nil, trace.Wrap(err, "failed to list vm services")
	}
	registeredByName := map[string]clients.RegistryService{}
	for _, service := range registered {
		registeredByName[service.Name] = service
	}

	vms, err := c.VMs.ListVMs(ctx, clients.ListVMsRequest{
		OwnerUUID: c.OwnerUUID,
		States:    activeVMStates,
	})
	if err != nil {
		return nil, nil, trace.Wrap(err, "failed to list vms")
	}

	type vmInstance struct {
		instance storage.Instance
	}
	var mu sync.Mutex
	var collected []vmInstance
	var tasks []func() error
	seenServices := map[string]struct{}{}
	var services storage.Services

	for _, vm := range vms {
		role, ok := vm.Tags[defaults.RoleTag]
		if !ok {
			c.Debugf("Dropping vm %v without a %v tag.", vm.UUID, defaults.RoleTag)
			continue
		}
		if _, ok := seenServices[role]; !ok {
			seenServices[role] = struct{}{}
			service := storage.Service{
				Name: role,
				Type: storage.ServiceTypeVM,
			}
			if registered, ok := registeredByName[role]; ok {
				service.UUID = registered.UUID
				service.Params = serviceParams(registered.Params)
			}
			services = append(services, service)
		}
		vm, role := vm, role
		tasks = append(tasks, func() error {
			version := ""
			image, err := c.Images.GetImage(ctx, vm.ImageUUID)
			if err == nil {
				version = image.Version
			} else if !trace.IsNotFound(err) {
				return trace.Wrap(err, "failed to resolve image %v of vm %v",
					vm.ImageUUID, vm.UUID)
			}
			instance := storage.Instance{
				ServiceName: role,
				Type:        storage.ServiceTypeVM,
				InstanceID:  vm.UUID,
				ImageID:     vm.ImageUUID,
				Version:     version,
				ServerID:    vm.ServerUUID,
				Alias:       vm.Alias,
				AdminIP:     adminIP(vm.Nics),
			}
			if server, err := servers.FindByIDOrHostname(vm.ServerUUID); err == nil {
				instance.Hostname = server.Hostname
			}
			mu.Lock()
			collected = append(collected, vmInstance{instance: instance})
			mu.Unlock()
			return nil
		})
	}
	if err := utils.ParallelLimit(ctx, defaults.ParallelLimit, tasks); err != nil {
		return nil, nil, trace.Wrap(err)
	}

	// Registered services without deployed machines are still part of the
	// catalog so new instances can be created for them
	for _, service := range registered {
		if _, ok := seenServices[service.Name]; ok {
			continue
		}
		seenServices[service.Name] = struct{}{}
		services = append(services, storage.Service{
			Name:   service.Name,
			Type:   storage.ServiceTypeVM,
			UUID:   service.UUID,
			Params: serviceParams(service.Params),
		})
	}

	// Restore the listing order lost to the fan-out
	instances := make(storage.Instances, 0, len(collected))
	for _, want := range vms {
		for _, have := range collected {
			if have.instance.InstanceID == want.UUID {
				instances = append(instances, have.instance)
				break
			}
		}
	}
	return services, instances, nil
}

func adminIP(nics []clients.NIC) string {
	for _, nic := range nics {
		if nic.Tag == "admin" {
			return nic.IP
		}
	}
	return ""
}

// verify enforces internal consistency: every instance references a known
// server and a known service
func (c *Collector) verify(snapshot *Snapshot) error {
	for _, instance := range snapshot.Instances {
		if _, err := snapshot.ServerByIDOrHostname(instance.ServerID); err != nil {
			return trace.BadParameter(
				"instance %v references unknown server %v",
				instance.InstanceID, instance.ServerID)
		}
		if _, err := snapshot.Services.FindByName(instance.ServiceName); err != nil {
			return trace.BadParameter(
				"instance %v references unknown service %v",
				instance.InstanceID, instance.ServiceName)
		}
	}
	return nil
}

func serviceParams(params map[string]interface{}) *storage.ServiceParams {
	if params == nil {
		return nil
	}
	imageUUID, _ := params["image_uuid"].(string)
	if imageUUID == "" {
		return nil
	}
	return &storage.ServiceParams{ImageUUID: imageUUID}
}
