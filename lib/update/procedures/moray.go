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

	"github.com/gravitational/fleetadm/lib/defaults"
	"github.com/gravitational/fleetadm/lib/storage"
	"github.com/gravitational/fleetadm/lib/utils"

	"github.com/gravitational/trace"
)

// UpdateMorayV2 updates the object index tier. The tier may run any number
// of instances; they are updated one at a time so the survivors keep
// serving while each peer restarts.
type UpdateMorayV2 struct {
	change    storage.Change
	instances storage.Instances
}

// NewUpdateMorayV2 returns the object index update procedure
func NewUpdateMorayV2(change storage.Change, instances storage.Instances) *UpdateMorayV2 {
	return &UpdateMorayV2{change: change, instances: instances}
}

// Kind identifies the procedure class
func (p *UpdateMorayV2) Kind() Kind { return KindUpdateMorayV2 }

// Changes returns the plan changes this procedure consumes
func (p *UpdateMorayV2) Changes() []storage.Change {
	return []storage.Change{p.change}
}

// Summarize describes the update
func (p *UpdateMorayV2) Summarize() string {
	return fmt.Sprintf("update %v object index instance(s) to image %v",
		len(p.instances), p.change.Image.UUID)
}

// Execute rolls the update through the tier instance by instance
func (p *UpdateMorayV2) Execute(ctx context.Context, params Params) error {
	if err := params.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	image := *p.change.Image
	params.Progress.NextStep("Updating object index to image %v", image.UUID)
	if len(p.instances) == 1 {
		params.Progress.PrintWarn(nil,
			"Service %q runs a single instance, a brief outage is expected.",
			p.change.Service.Name)
	}

	if err := ensureImageInstalled(ctx, params, image); err != nil {
		return trace.Wrap(err)
	}
	if err := params.Registry.UpdateService(ctx, p.change.Service.UUID,
		map[string]interface{}{"image_uuid": image.UUID}); err != nil {
		return trace.Wrap(err)
	}

	for _, instance := range p.instances {
		if err := reprovisionOne(ctx, params, instance, image); err != nil {
			return trace.Wrap(err)
		}
		if err := p.waitHealthy(ctx, params, instance); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// waitHealthy polls the instance's service processes until they report
// online before the next peer is touched
func (p *UpdateMorayV2) waitHealthy(ctx context.Context, params Params, instance storage.Instance) error {
	params.Progress.PrintSubStep("Waiting for instance %v to report healthy",
		instance.InstanceID)
	err := utils.Retry(ctx, params.Clock, defaults.PostgresPollInterval,
		defaults.PostgresPollAttempts, func() error {
			result, err := params.Runner.Exec(ctx, instance.ServerID,
				fmt.Sprintf("svcs -z %v -H -o state moray", instance.InstanceID))
			if err != nil {
				return utils.Abort(err)
			}
			if result.ExitStatus != 0 || result.Stdout != "online\n" {
				return utils.Continue("instance %v is not online yet",
					instance.InstanceID)
			}
			return nil
		})
	return trace.Wrap(err)
}
