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

	"github.com/gravitational/fleetadm/lib/storage"

	"github.com/gravitational/trace"
)

// UpdateMahiV1 updates the auth cache. The cache rebuilds itself from the
// directory after a restart, so a plain single-instance update suffices.
type UpdateMahiV1 struct {
	change   storage.Change
	instance storage.Instance
}

// NewUpdateMahiV1 returns the auth cache update procedure
func NewUpdateMahiV1(change storage.Change, instance storage.Instance) *UpdateMahiV1 {
	return &UpdateMahiV1{change: change, instance: instance}
}

// Kind identifies the procedure class
func (p *UpdateMahiV1) Kind() Kind { return KindUpdateMahiV1 }

// Changes returns the plan changes this procedure consumes
func (p *UpdateMahiV1) Changes() []storage.Change {
	return []storage.Change{p.change}
}

// Summarize describes the update
func (p *UpdateMahiV1) Summarize() string {
	return fmt.Sprintf("update auth cache instance %v to image %v",
		p.instance.InstanceID, p.change.Image.UUID)
}

// Execute updates the auth cache zone
func (p *UpdateMahiV1) Execute(ctx context.Context, params Params) error {
	if err := params.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	params.Progress.NextStep("Updating auth cache to image %v",
		p.change.Image.UUID)
	err := updateSingleInstance(ctx, params, p.change,
		storage.Instances{p.instance})
	return trace.Wrap(err)
}
