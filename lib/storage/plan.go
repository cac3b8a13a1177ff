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

package storage

import (
	"encoding/json"

	"github.com/gravitational/trace"
)

// PlanVersion is the only update plan format version this tool reads
// and writes
const PlanVersion = 1

const (
	// ChangeTypeCreateInstance requests a new instance of a service
	ChangeTypeCreateInstance = "create-instance"
	// ChangeTypeDeleteInstance removes one instance of a service
	ChangeTypeDeleteInstance = "delete-instance"
	// ChangeTypeDeleteService removes a service and all its instances
	ChangeTypeDeleteService = "delete-service"
	// ChangeTypeUpdateInstance updates a single instance to a new image
	ChangeTypeUpdateInstance = "update-instance"
	// ChangeTypeUpdateService updates all instances of a service
	ChangeTypeUpdateService = "update-service"
)

// Change is a fully normalized change request: every reference has been
// expanded to the corresponding inventory object and exactly one target
// image has been resolved
type Change struct {
	// Type is one of the ChangeType constants
	Type string `json:"type"`
	// Service is the affected service
	Service Service `json:"service"`
	// Instance is set for instance-scoped changes
	Instance *Instance `json:"instance,omitempty"`
	// Server is set for changes pinned to a particular server
	Server *Server `json:"server,omitempty"`
	// Image is the single resolved target image
	Image *Image `json:"image,omitempty"`
	// Images holds the candidate set before dependency resolution picks
	// the target; it is not part of the serialized plan
	Images []Image `json:"-"`
}

// IsServiceScoped returns true for changes that affect a whole service
func (c Change) IsServiceScoped() bool {
	switch c.Type {
	case ChangeTypeDeleteService, ChangeTypeUpdateService, ChangeTypeCreateInstance:
		return true
	}
	return false
}

// IsInstanceScoped returns true for changes that affect a single instance
func (c Change) IsInstanceScoped() bool {
	switch c.Type {
	case ChangeTypeDeleteInstance, ChangeTypeUpdateInstance:
		return true
	}
	return false
}

// UpdatePlan is a validated, conflict-free set of changes together with the
// inventory snapshot it was planned against
type UpdatePlan struct {
	// V is the plan format version
	V int `json:"v"`
	// Curr is the inventory snapshot at planning time; it is recomputed
	// on load and not part of the serialized plan
	Curr Instances `json:"-"`
	// Targ equals Curr with each affected instance's image substituted
	// by the resolved target image
	Targ Instances `json:"targ"`
	// Changes is the list of normalized changes
	Changes []Change `json:"changes"`
	// JustImages limits execution to image prefetch
	JustImages bool `json:"justImages"`
}

// Check validates this plan
func (p UpdatePlan) Check() error {
	if p.V != PlanVersion {
		return trace.BadParameter("unsupported plan version %v, expected %v",
			p.V, PlanVersion)
	}
	for _, change := range p.Changes {
		if change.Image == nil {
			return trace.BadParameter("change %v %q does not have a resolved image",
				change.Type, change.Service.Name)
		}
	}
	return nil
}

// MarshalPlan serializes the plan in the on-disk plan.json format
func MarshalPlan(plan UpdatePlan) ([]byte, error) {
	if err := plan.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	data, err := json.MarshalIndent(plan, "", "    ")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// UnmarshalPlan reads a serialized plan, rejecting unsupported versions
func UnmarshalPlan(data []byte) (*UpdatePlan, error) {
	if len(data) == 0 {
		return nil, trace.BadParameter("empty plan data")
	}
	var plan UpdatePlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, trace.Wrap(err, "failed to unmarshal update plan")
	}
	if plan.V != PlanVersion {
		return nil, trace.BadParameter("unsupported plan version %v, expected %v",
			plan.V, PlanVersion)
	}
	return &plan, nil
}
