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

package update

import (
	"context"
	"encoding/json"

	"github.com/gravitational/fleetadm/lib/inventory"
	"github.com/gravitational/fleetadm/lib/storage"

	"github.com/gravitational/trace"
)

// ChangeRequest is one high-level desired change as submitted by the
// caller. Exactly one of the seven supported key combinations must be
// present:
//
//   create-instance  service + server
//   delete-instance  service + server          (agent instance)
//   delete-instance  instance                  (vm instance)
//   delete-service   service
//   update-service   service [image]
//   update-instance  instance|uuid [image]
//   update-instance  alias [image]
type ChangeRequest struct {
	// Type is one of the storage.ChangeType constants
	Type string `json:"type"`
	// Service references a service by name
	Service string `json:"service,omitempty"`
	// Instance references an instance by id
	Instance string `json:"instance,omitempty"`
	// UUID references an instance by id, an alternate spelling kept for
	// compatibility with older request payloads
	UUID string `json:"uuid,omitempty"`
	// Alias references an instance by alias
	Alias string `json:"alias,omitempty"`
	// Server references a server by id or hostname
	Server string `json:"server,omitempty"`
	// Image pins the target image by id
	Image string `json:"image,omitempty"`
}

// instanceRef returns the instance reference of this request, if any
func (r ChangeRequest) instanceRef() string {
	if r.Instance != "" {
		return r.Instance
	}
	return r.UUID
}

// changeShape describes one valid key combination of a change request
type changeShape struct {
	changeType string
	required   []string
	optional   []string
}

var changeShapes = []changeShape{
	{storage.ChangeTypeCreateInstance, []string{"service", "server"}, nil},
	{storage.ChangeTypeDeleteInstance, []string{"service", "server"}, nil},
	{storage.ChangeTypeDeleteInstance, []string{"instance"}, nil},
	{storage.ChangeTypeDeleteService, []string{"service"}, nil},
	{storage.ChangeTypeUpdateService, []string{"service"}, []string{"image"}},
	{storage.ChangeTypeUpdateInstance, []string{"instance"}, []string{"image"}},
	{storage.ChangeTypeUpdateInstance, []string{"alias"}, []string{"image"}},
}

// fields returns the populated field set of this request, instance/uuid
// folded into instance
func (r ChangeRequest) fields() map[string]string {
	result := map[string]string{}
	if r.Service != "" {
		result["service"] = r.Service
	}
	if ref := r.instanceRef(); ref != "" {
		result["instance"] = ref
	}
	if r.Alias != "" {
		result["alias"] = r.Alias
	}
	if r.Server != "" {
		result["server"] = r.Server
	}
	if r.Image != "" {
		result["image"] = r.Image
	}
	return result
}

func (s changeShape) matches(r ChangeRequest) bool {
	if r.Type != s.changeType {
		return false
	}
	fields := r.fields()
	for _, name := range s.required {
		if _, ok := fields[name]; !ok {
			return false
		}
		delete(fields, name)
	}
	for _, name := range s.optional {
		delete(fields, name)
	}
	return len(fields) == 0
}

// validateRequest checks that the request matches exactly one of the seven
// supported shapes
func validateRequest(r ChangeRequest) error {
	if r.Type == "" {
		return trace.BadParameter("change request is missing type: %v", asJSON(r))
	}
	if r.Instance != "" && r.UUID != "" && r.Instance != r.UUID {
		return trace.BadParameter(
			"change request has conflicting instance %q and uuid %q", r.Instance, r.UUID)
	}
	matched := 0
	for _, shape := range changeShapes {
		if shape.matches(r) {
			matched++
		}
	}
	switch matched {
	case 0:
		return trace.BadParameter("unsupported %v change request shape: %v",
			r.Type, asJSON(r))
	case 1:
		return nil
	default:
		return trace.BadParameter("ambiguous %v change request: %v",
			r.Type, asJSON(r))
	}
}

// ValidateRequests validates all requests, accumulating the failures into
// a single aggregate error
func ValidateRequests(requests []ChangeRequest) error {
	var errors []error
	for _, request := range requests {
		if err := validateRequest(request); err != nil {
			errors = append(errors, err)
		}
	}
	return trace.NewAggregate(errors...)
}

// normalizeRequest expands the validated request into a full change against
// the snapshot: service and instance references become objects and the
// server reference is verified to exist
func normalizeRequest(ctx context.Context, r ChangeRequest, snapshot *inventory.Snapshot) (*storage.Change, error) {
	change := &storage.Change{Type: r.Type}

	switch {
	case r.instanceRef() != "":
		instance, err := snapshot.Instances.FindByID(r.instanceRef())
		if err != nil {
			return nil, NewError("unknown instance %q", r.instanceRef())
		}
		change.Instance = instance
	case r.Alias != "":
		instance, err := snapshot.Instances.FindByAlias(r.Alias)
		if err != nil {
			return nil, NewError("no instance with alias %q", r.Alias)
		}
		change.Instance = instance
	}

	serviceName := r.Service
	if serviceName == "" && change.Instance != nil {
		serviceName = change.Instance.ServiceName
	}
	service, err := snapshot.Services.FindByName(serviceName)
	if err != nil {
		return nil, NewError("unknown service %q", serviceName)
	}
	change.Service = *service

	if r.Server != "" {
		server, err := snapshot.ServerByIDOrHostname(r.Server)
		if err != nil {
			return nil, NewError("unknown server %q", r.Server)
		}
		change.Server = server
	}

	// Agent-scoped deletes reference the instance via service+server
	if r.Type == storage.ChangeTypeDeleteInstance && change.Instance == nil {
		var found *storage.Instance
		for _, instance := range snapshot.Instances.ForService(change.Service.Name) {
			if instance.ServerID == change.Server.UUID {
				instance := instance
				found = &instance
				break
			}
		}
		if found == nil {
			return nil, NewError("service %q has no instance on server %q",
				change.Service.Name, r.Server)
		}
		change.Instance = found
	}

	return change, nil
}

func asJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "<unserializable>"
	}
	return string(data)
}
