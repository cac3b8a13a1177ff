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

// Package storage defines the data model shared by the update orchestrator:
// services, service instances, host servers and image artifacts, plus the
// serialized update plan and the durable history store.
package storage

import (
	"fmt"
	"sort"
	"time"

	"github.com/gravitational/trace"
)

const (
	// ServiceTypeVM is a service whose instances run as virtual machines
	ServiceTypeVM = "vm"
	// ServiceTypeAgent is a service whose instances run as per-server agents
	ServiceTypeAgent = "agent"
)

// Service describes one fleet service from the catalog
type Service struct {
	// Name is the globally unique service name
	Name string `json:"name"`
	// Type is the service type, one of ServiceTypeVM or ServiceTypeAgent
	Type string `json:"type"`
	// UUID is the registry identifier of the service, if registered
	UUID string `json:"uuid,omitempty"`
	// Params carries registry-side service parameters
	Params *ServiceParams `json:"params,omitempty"`
}

// ServiceParams is the subset of registry service parameters the
// orchestrator consumes
type ServiceParams struct {
	// ImageUUID is the default image for services without instances
	ImageUUID string `json:"image_uuid,omitempty"`
}

// Check validates this service
func (s Service) Check() error {
	if s.Name == "" {
		return trace.BadParameter("missing service Name")
	}
	if s.Type != ServiceTypeVM && s.Type != ServiceTypeAgent {
		return trace.BadParameter("unknown type %q for service %q", s.Type, s.Name)
	}
	return nil
}

// Instance is a running materialization of a service on a particular server
type Instance struct {
	// ServiceName is the name of the service this instance belongs to
	ServiceName string `json:"service"`
	// Type mirrors the service type
	Type string `json:"type"`
	// InstanceID is the stable identifier of the instance
	InstanceID string `json:"instance"`
	// ImageID is the image the instance currently runs
	ImageID string `json:"image"`
	// Version is the version of the running image
	Version string `json:"version"`
	// ServerID is the UUID of the server hosting the instance
	ServerID string `json:"server"`
	// Hostname is the hostname of the hosting server
	Hostname string `json:"hostname"`
	// AdminIP is the instance address on the admin network, if any
	AdminIP string `json:"ip,omitempty"`
	// Alias is the optional human friendly instance alias
	Alias string `json:"alias,omitempty"`
}

// SyntheticInstanceID builds the stable identifier used for legacy agent
// instances that do not carry a registry-assigned id
func SyntheticInstanceID(serverID, serviceName string) string {
	return fmt.Sprintf("%v/%v", serverID, serviceName)
}

// Check validates this instance
func (i Instance) Check() error {
	if i.ServiceName == "" {
		return trace.BadParameter("missing instance ServiceName")
	}
	if i.InstanceID == "" {
		return trace.BadParameter("missing instance InstanceID")
	}
	if i.ServerID == "" {
		return trace.BadParameter("instance %q is missing ServerID", i.InstanceID)
	}
	return nil
}

// Server describes one physical host in the fleet
type Server struct {
	// UUID is the server identifier
	UUID string `json:"uuid"`
	// Hostname is the server hostname
	Hostname string `json:"hostname"`
	// Headnode is true for the designated management server
	Headnode bool `json:"headnode"`
	// CurrentPlatform is the platform image the server has booted
	CurrentPlatform string `json:"current_platform"`
	// Sysinfo is the raw system information reported by the server
	Sysinfo map[string]interface{} `json:"sysinfo,omitempty"`
}

// Image describes one immutable image artifact
type Image struct {
	// UUID is the image identifier
	UUID string `json:"uuid"`
	// Name is the image name; all images of a service share it
	Name string `json:"name"`
	// Version is the image version string
	Version string `json:"version"`
	// PublishedAt is the publish timestamp; ordering within a name is by
	// this field ascending
	PublishedAt time.Time `json:"published_at"`
	// Tags is the free-form image tag set
	Tags map[string]string `json:"tags,omitempty"`
}

// SortImagesByPublishedAt orders images by publish time ascending, in place
func SortImagesByPublishedAt(images []Image) {
	sort.SliceStable(images, func(i, j int) bool {
		return images[i].PublishedAt.Before(images[j].PublishedAt)
	})
}

// Services is a list of services indexed by helpers
type Services []Service

// FindByName returns the service with the specified name
func (r Services) FindByName(name string) (*Service, error) {
	for i := range r {
		if r[i].Name == name {
			return &r[i], nil
		}
	}
	return nil, trace.NotFound("service %q is not known", name)
}

// Instances is a list of service instances
type Instances []Instance

// ForService returns all instances of the specified service
func (r Instances) ForService(name string) (result Instances) {
	for _, instance := range r {
		if instance.ServiceName == name {
			result = append(result, instance)
		}
	}
	return result
}

// FindByID returns the instance with the specified id
func (r Instances) FindByID(id string) (*Instance, error) {
	for i := range r {
		if r[i].InstanceID == id {
			return &r[i], nil
		}
	}
	return nil, trace.NotFound("instance %q is not known", id)
}

// FindByAlias returns the instance with the specified alias
func (r Instances) FindByAlias(alias string) (*Instance, error) {
	for i := range r {
		if r[i].Alias == alias {
			return &r[i], nil
		}
	}
	return nil, trace.NotFound("no instance with alias %q", alias)
}

// Servers is a list of fleet servers
type Servers []Server

// FindByIDOrHostname returns the server matching the specified id or hostname
func (r Servers) FindByIDOrHostname(idOrHostname string) (*Server, error) {
	for i := range r {
		if r[i].UUID == idOrHostname || r[i].Hostname == idOrHostname {
			return &r[i], nil
		}
	}
	return nil, trace.NotFound("server %q is not known", idOrHostname)
}

// Headnode returns the headnode server
func (r Servers) Headnode() (*Server, error) {
	for i := range r {
		if r[i].Headnode {
			return &r[i], nil
		}
	}
	return nil, trace.NotFound("no headnode server in inventory")
}
