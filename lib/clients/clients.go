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

// Package clients defines the interfaces of the external fleet services the
// orchestrator consumes, along with their HTTP client implementations.
// Every mutating or failure-prone call site in the orchestrator talks to
// one of these interfaces so the tests can substitute fakes.
package clients

import (
	"context"

	"github.com/gravitational/fleetadm/lib/storage"
)

// Application is a service registry application
type Application struct {
	// UUID is the application identifier
	UUID string `json:"uuid"`
	// Name is the application name
	Name string `json:"name"`
}

// RegistryService is a service as the service registry reports it
type RegistryService struct {
	// UUID is the service identifier
	UUID string `json:"uuid"`
	// Name is the service name
	Name string `json:"name"`
	// Type is the service type, vm or agent
	Type string `json:"type"`
	// ApplicationUUID is the owning application
	ApplicationUUID string `json:"application_uuid"`
	// Params carries service parameters
	Params map[string]interface{} `json:"params,omitempty"`
}

// RegistryInstance is an instance as the service registry reports it
type RegistryInstance struct {
	// UUID is the instance identifier
	UUID string `json:"uuid"`
	// ServiceUUID is the owning service
	ServiceUUID string `json:"service_uuid"`
	// Type is the instance type, vm or agent
	Type string `json:"type"`
	// Params carries instance parameters
	Params map[string]interface{} `json:"params,omitempty"`
}

// ListServicesRequest filters a service listing
type ListServicesRequest struct {
	// Type limits the listing to services of this type
	Type string
	// Name limits the listing to the service with this name
	Name string
}

// ListInstancesRequest filters an instance listing
type ListInstancesRequest struct {
	// Type limits the listing to instances of this type
	Type string
	// ServiceUUID limits the listing to instances of this service
	ServiceUUID string
}

// CreateInstanceRequest creates a new service instance
type CreateInstanceRequest struct {
	// ServiceUUID is the service to instantiate
	ServiceUUID string `json:"service_uuid"`
	// ServerUUID is the server to place the instance on
	ServerUUID string `json:"server_uuid,omitempty"`
	// Alias is the optional instance alias
	Alias string `json:"alias,omitempty"`
}

// RegistryMode is an operating mode of the service registry
type RegistryMode string

const (
	// RegistryModeProto is the degraded mode that does not require the
	// replicated database to be writable
	RegistryModeProto RegistryMode = "proto"
	// RegistryModeFull is the normal operating mode
	RegistryModeFull RegistryMode = "full"
)

// ServiceRegistry is the catalog of fleet services and their instances
type ServiceRegistry interface {
	// ListApplications returns all registered applications
	ListApplications(ctx context.Context) ([]Application, error)
	// ListServices returns services matching the request
	ListServices(ctx context.Context, req ListServicesRequest) ([]RegistryService, error)
	// ListInstances returns instances matching the request
	ListInstances(ctx context.Context, req ListInstancesRequest) ([]RegistryInstance, error)
	// CreateInstance provisions a new instance of a service
	CreateInstance(ctx context.Context, req CreateInstanceRequest) (*RegistryInstance, error)
	// UpdateService replaces the specified service parameters
	UpdateService(ctx context.Context, serviceUUID string, params map[string]interface{}) error
	// ReprovisionInstance replaces the instance's zone with a fresh one
	// built from the specified image, preserving identity
	ReprovisionInstance(ctx context.Context, instanceUUID, imageUUID string) error
	// GetMode returns the registry operating mode
	GetMode(ctx context.Context) (RegistryMode, error)
	// SetMode switches the registry operating mode
	SetMode(ctx context.Context, mode RegistryMode) error
}

// VM is a virtual machine as the VM manager reports it
type VM struct {
	// UUID is the machine identifier
	UUID string `json:"uuid"`
	// Alias is the machine alias
	Alias string `json:"alias,omitempty"`
	// State is the machine lifecycle state
	State string `json:"state"`
	// ImageUUID is the image the machine was provisioned from
	ImageUUID string `json:"image_uuid"`
	// ServerUUID is the hosting server
	ServerUUID string `json:"server_uuid"`
	// OwnerUUID is the owning account
	OwnerUUID string `json:"owner_uuid"`
	// Tags is the machine tag set
	Tags map[string]string `json:"tags,omitempty"`
	// Nics lists the machine network interfaces
	Nics []NIC `json:"nics,omitempty"`
}

// NIC is one network interface of a VM
type NIC struct {
	// MAC is the interface hardware address
	MAC string `json:"mac"`
	// IP is the assigned address
	IP string `json:"ip"`
	// Tag is the network tag, e.g. admin
	Tag string `json:"nic_tag"`
	// NetworkUUID identifies the network the interface attaches to
	NetworkUUID string `json:"network_uuid,omitempty"`
}

// ListVMsRequest filters a VM listing
type ListVMsRequest struct {
	// OwnerUUID limits the listing to machines of this account
	OwnerUUID string
	// States limits the listing to machines in these lifecycle states
	States []string
}

// VMManager provisions and inspects virtual machines
type VMManager interface {
	// ListVMs returns machines matching the request
	ListVMs(ctx context.Context, req ListVMsRequest) ([]VM, error)
	// AddNics attaches interfaces on the specified networks to a machine
	AddNics(ctx context.Context, vmUUID string, networks []string) error
}

// ListImagesRequest filters an image listing
type ListImagesRequest struct {
	// Name limits the listing to images with this name
	Name string
	// PublishedSince limits the listing to images published at or after
	// this RFC3339 timestamp
	PublishedSince string
}

// ImageStore is the local image service
type ImageStore interface {
	// GetImage returns the image with the specified id
	GetImage(ctx context.Context, uuid string) (*storage.Image, error)
	// ListImages returns images matching the request
	ListImages(ctx context.Context, req ListImagesRequest) ([]storage.Image, error)
	// GetImageFile downloads the image file to the specified path
	GetImageFile(ctx context.Context, uuid, path string) error
	// ImportImage imports the image from the upstream registry
	ImportImage(ctx context.Context, uuid string) error
}

// ImageRegistry is the upstream image registry
type ImageRegistry interface {
	// GetImage returns the image with the specified id
	GetImage(ctx context.Context, uuid string) (*storage.Image, error)
	// ListImages returns images matching the request
	ListImages(ctx context.Context, req ListImagesRequest) ([]storage.Image, error)
}

// AgentInfo is one agent from a server's on-host agents descriptor
type AgentInfo struct {
	// Name is the agent service name
	Name string `json:"name"`
	// UUID is the agent instance id, when registered
	UUID string `json:"uuid,omitempty"`
	// ImageUUID is the installed agent image
	ImageUUID string `json:"image_uuid"`
	// Version is the installed agent version
	Version string `json:"version"`
}

// NodeServer is a server as the node inventory reports it
type NodeServer struct {
	// UUID is the server identifier
	UUID string `json:"uuid"`
	// Hostname is the server hostname
	Hostname string `json:"hostname"`
	// Headnode marks the designated management server
	Headnode bool `json:"headnode"`
	// CurrentPlatform is the booted platform image version
	CurrentPlatform string `json:"current_platform"`
	// Sysinfo is the raw system information
	Sysinfo map[string]interface{} `json:"sysinfo,omitempty"`
	// Agents is the enumerated on-host agents descriptor
	Agents []AgentInfo `json:"agents,omitempty"`
}

// NodeInventory tracks the fleet's physical servers
type NodeInventory interface {
	// ListServers returns all servers; extras names additional datasets
	// to include, e.g. sysinfo
	ListServers(ctx context.Context, extras ...string) ([]NodeServer, error)
	// ListPlatforms returns the installed platform image versions
	ListPlatforms(ctx context.Context) ([]string, error)
	// CommandExecute runs a script on the specified server
	CommandExecute(ctx context.Context, serverUUID, script string) (string, error)
	// SetBootParams updates the boot parameters of the specified server
	SetBootParams(ctx context.Context, serverUUID string, params map[string]string) error
}

// Network is a network known to the network registry
type Network struct {
	// UUID is the network identifier
	UUID string `json:"uuid"`
	// Name is the network name
	Name string `json:"name"`
}

// NetworkRegistry tracks networks and interface assignments
type NetworkRegistry interface {
	// ListNetworks returns all networks
	ListNetworks(ctx context.Context) ([]Network, error)
	// ListNics returns the interfaces of the specified machine
	ListNics(ctx context.Context, vmUUID string) ([]NIC, error)
}

// Job is one workflow engine job
type Job struct {
	// UUID is the job identifier
	UUID string `json:"uuid"`
	// Name is the job name
	Name string `json:"name"`
	// Execution is the job execution state
	Execution string `json:"execution"`
}

// WorkflowEngine inspects provisioning jobs
type WorkflowEngine interface {
	// ListJobs returns up to limit jobs in the specified execution state
	ListJobs(ctx context.Context, execution string, limit int) ([]Job, error)
}

// DirectoryService is the LDAP-style directory
type DirectoryService interface {
	// Search runs the specified filter under the base DN and returns the
	// matching entries as attribute maps
	Search(ctx context.Context, base, filter string) ([]map[string][]string, error)
}
