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

// UpdateBinderV1 updates the name service. Every other service discovers
// its peers through it, so the procedure verifies name resolution works
// before declaring success.
type UpdateBinderV1 struct {
	change   storage.Change
	instance storage.Instance
}

// NewUpdateBinderV1 returns the name service update procedure
func NewUpdateBinderV1(change storage.Change, instance storage.Instance) *UpdateBinderV1 {
	return &UpdateBinderV1{change: change, instance: instance}
}

// Kind identifies the procedure class
func (p *UpdateBinderV1) Kind() Kind { return KindUpdateBinderV1 }

// Changes returns the plan changes this procedure consumes
func (p *UpdateBinderV1) Changes() []storage.Change {
	return []storage.Change{p.change}
}

// Summarize describes the update
func (p *UpdateBinderV1) Summarize() string {
	return fmt.Sprintf("update name service instance %v to image %v",
		p.instance.InstanceID, p.change.Image.UUID)
}

// Execute updates the name service zone and verifies resolution
func (p *UpdateBinderV1) Execute(ctx context.Context, params Params) error {
	if err := params.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	params.Progress.NextStep("Updating name service to image %v",
		p.change.Image.UUID)

	err := updateSingleInstance(ctx, params, p.change,
		storage.Instances{p.instance})
	if err != nil {
		return trace.Wrap(err)
	}

	params.Progress.PrintSubStep("Waiting for name resolution to recover")
	err = utils.Retry(ctx, params.Clock, defaults.PostgresPollInterval,
		defaults.PostgresPollAttempts, func() error {
			result, err := params.Runner.Exec(ctx, p.instance.ServerID,
				fmt.Sprintf("dig +short +time=2 @%v %v.svc",
					p.instance.AdminIP, p.change.Service.Name))
			if err != nil {
				return utils.Abort(err)
			}
			if result.ExitStatus != 0 || strings.TrimSpace(result.Stdout) == "" {
				return utils.Continue("name service is not resolving yet")
			}
			return nil
		})
	return trace.Wrap(err)
}
