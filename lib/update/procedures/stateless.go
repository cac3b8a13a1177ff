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
	"strings"

	"github.com/gravitational/fleetadm/lib/defaults"
	"github.com/gravitational/fleetadm/lib/storage"
	"github.com/gravitational/fleetadm/lib/utils"

	"github.com/gravitational/trace"
)

// UpdateStatelessServicesV1 updates simple stateless services that run a
// single instance on the headnode. The instance is reprovisioned in place;
// a short outage is acceptable for these services.
type UpdateStatelessServicesV1 struct {
	changes []storage.Change
	// instances maps a service name to its current instances
	instances map[string]storage.Instances
}

// NewUpdateStatelessServicesV1 returns a procedure over the specified
// changes; instances maps each affected service to its current instances
func NewUpdateStatelessServicesV1(changes []storage.Change, instances map[string]storage.Instances) *UpdateStatelessServicesV1 {
	return &UpdateStatelessServicesV1{changes: changes, instances: instances}
}

// Kind identifies the procedure class
func (p *UpdateStatelessServicesV1) Kind() Kind { return KindUpdateStatelessServicesV1 }

// Changes returns the plan changes this procedure consumes
func (p *UpdateStatelessServicesV1) Changes() []storage.Change { return p.changes }

// Summarize describes the services to update
func (p *UpdateStatelessServicesV1) Summarize() string {
	names := make([]string, 0, len(p.changes))
	for _, change := range p.changes {
		names = append(names, fmt.Sprintf("%v to image %v",
			change.Service.Name, change.Image.UUID))
	}
	return "update stateless services: " + strings.Join(names, ", ")
}

// Execute updates each service in order
func (p *UpdateStatelessServicesV1) Execute(ctx context.Context, params Params) error {
	if err := params.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	for _, change := range p.changes {
		params.Progress.NextStep("Updating service %q to image %v",
			change.Service.Name, change.Image.UUID)
		err := updateSingleInstance(ctx, params, change,
			p.instances[change.Service.Name])
		if err != nil {
			return trace.Wrap(err, "failed to update service %q",
				change.Service.Name)
		}
	}
	return nil
}

// updateSingleInstance is the shared single-instance update protocol:
// ensure the image is local, repoint the service at it, then reprovision
// the instance and wait for the provisioning jobs to drain
func updateSingleInstance(ctx context.Context, params Params, change storage.Change, instances storage.Instances) error {
	if err := ensureImageInstalled(ctx, params, *change.Image); err != nil {
		return trace.Wrap(err)
	}
	if change.Service.UUID != "" {
		err := params.Registry.UpdateService(ctx, change.Service.UUID,
			map[string]interface{}{"image_uuid": change.Image.UUID})
		if err != nil {
			return trace.Wrap(err)
		}
	}
	if change.Instance != nil {
		instances = storage.Instances{*change.Instance}
	}
	for _, instance := range instances {
		if err := reprovisionOne(ctx, params, instance, *change.Image); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// reprovisionOne replaces one instance's zone with a fresh one built from
// the image, preserving identity
func reprovisionOne(ctx context.Context, params Params, instance storage.Instance, image storage.Image) error {
	params.Progress.PrintSubStep("Reprovisioning instance %v (%v)",
		instance.InstanceID, instance.ServiceName)
	if instance.Type == storage.ServiceTypeAgent {
		// Agent instances are not zones; refresh them in place on the
		// hosting server
		result, err := params.Runner.Exec(ctx, instance.ServerID,
			fmt.Sprintf("apm install %v@%v", instance.ServiceName, image.Version))
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(result.Check())
	}
	err := params.Registry.ReprovisionInstance(ctx, instance.InstanceID, image.UUID)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(waitForJobs(ctx, params))
}

// waitForJobs blocks until the workflow engine reports no running
// provisioning jobs
func waitForJobs(ctx context.Context, params Params) error {
	if params.Workflow == nil {
		return nil
	}
	err := utils.Retry(ctx, params.Clock, defaults.ShardPollInterval,
		defaults.PromotionPollAttempts, func() error {
			jobs, err := params.Workflow.ListJobs(ctx, "running", 100)
			if err != nil {
				return utils.Abort(err)
			}
			if len(jobs) != 0 {
				return utils.Continue("%v provisioning job(s) still running", len(jobs))
			}
			return nil
		})
	return trace.Wrap(err)
}
