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

	"github.com/gravitational/fleetadm/lib/clients"
	"github.com/gravitational/fleetadm/lib/defaults"
	"github.com/gravitational/fleetadm/lib/storage"
	"github.com/gravitational/fleetadm/lib/utils"

	"github.com/gravitational/trace"
)

// UpdateSingleHNSapiV1 updates the service registry itself. The registry
// briefly cannot answer while its own zone is replaced, so the procedure
// verifies it is back in full mode before reporting success.
type UpdateSingleHNSapiV1 struct {
	change   storage.Change
	instance storage.Instance
}

// NewUpdateSingleHNSapiV1 returns the service registry update procedure
func NewUpdateSingleHNSapiV1(change storage.Change, instance storage.Instance) *UpdateSingleHNSapiV1 {
	return &UpdateSingleHNSapiV1{change: change, instance: instance}
}

// Kind identifies the procedure class
func (p *UpdateSingleHNSapiV1) Kind() Kind { return KindUpdateSingleHNSapiV1 }

// Changes returns the plan changes this procedure consumes
func (p *UpdateSingleHNSapiV1) Changes() []storage.Change {
	return []storage.Change{p.change}
}

// Summarize describes the update
func (p *UpdateSingleHNSapiV1) Summarize() string {
	return fmt.Sprintf("update service registry instance %v to image %v",
		p.instance.InstanceID, p.change.Image.UUID)
}

// Execute updates the registry zone and waits for full mode
func (p *UpdateSingleHNSapiV1) Execute(ctx context.Context, params Params) error {
	if err := params.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	params.Progress.NextStep("Updating service registry to image %v",
		p.change.Image.UUID)

	mode, err := params.Registry.GetMode(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	if mode != clients.RegistryModeFull {
		return trace.BadParameter(
			"service registry is in %v mode, refusing to update it", mode)
	}

	err = updateSingleInstance(ctx, params, p.change,
		storage.Instances{p.instance})
	if err != nil {
		return trace.Wrap(err)
	}

	params.Progress.PrintSubStep("Waiting for the service registry to come back")
	err = utils.Retry(ctx, params.Clock, defaults.PostgresPollInterval,
		defaults.PostgresPollAttempts, func() error {
			mode, err := params.Registry.GetMode(ctx)
			if err != nil {
				return utils.Continue("service registry is not answering yet")
			}
			if mode != clients.RegistryModeFull {
				return utils.Continue("service registry reports %v mode", mode)
			}
			return nil
		})
	return trace.Wrap(err)
}
