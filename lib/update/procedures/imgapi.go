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
	"path/filepath"

	"github.com/gravitational/fleetadm/lib/defaults"
	"github.com/gravitational/fleetadm/lib/storage"
	"github.com/gravitational/fleetadm/lib/utils"

	"github.com/gravitational/trace"
)

// UpdateSingleHeadnodeImgapi updates the image store service itself. The
// image file is staged into the work directory first so the reprovision
// does not depend on the store being up mid-update.
type UpdateSingleHeadnodeImgapi struct {
	change   storage.Change
	instance storage.Instance
}

// NewUpdateSingleHeadnodeImgapi returns the image store update procedure
func NewUpdateSingleHeadnodeImgapi(change storage.Change, instance storage.Instance) *UpdateSingleHeadnodeImgapi {
	return &UpdateSingleHeadnodeImgapi{change: change, instance: instance}
}

// Kind identifies the procedure class
func (p *UpdateSingleHeadnodeImgapi) Kind() Kind { return KindUpdateSingleHeadnodeImgapi }

// Changes returns the plan changes this procedure consumes
func (p *UpdateSingleHeadnodeImgapi) Changes() []storage.Change {
	return []storage.Change{p.change}
}

// Summarize describes the update
func (p *UpdateSingleHeadnodeImgapi) Summarize() string {
	return fmt.Sprintf("update image store instance %v to image %v",
		p.instance.InstanceID, p.change.Image.UUID)
}

// Execute stages the image locally, reprovisions the store and waits for
// it to answer again
func (p *UpdateSingleHeadnodeImgapi) Execute(ctx context.Context, params Params) error {
	if err := params.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	image := *p.change.Image
	params.Progress.NextStep("Updating image store to image %v", image.UUID)

	if err := ensureImageInstalled(ctx, params, image); err != nil {
		return trace.Wrap(err)
	}
	staged := filepath.Join(params.WorkDir, image.UUID+".imgfile")
	params.Progress.PrintSubStep("Staging image file to %v", staged)
	if err := params.Store.GetImageFile(ctx, image.UUID, staged); err != nil {
		return trace.Wrap(err)
	}

	if err := params.Registry.UpdateService(ctx, p.change.Service.UUID,
		map[string]interface{}{"image_uuid": image.UUID}); err != nil {
		return trace.Wrap(err)
	}
	err := params.Registry.ReprovisionInstance(ctx, p.instance.InstanceID, image.UUID)
	if err != nil {
		return trace.Wrap(err)
	}

	params.Progress.PrintSubStep("Waiting for the image store to come back")
	err = utils.Retry(ctx, params.Clock, defaults.PostgresPollInterval,
		defaults.PostgresPollAttempts, func() error {
			if _, err := params.Store.GetImage(ctx, image.UUID); err != nil {
				return utils.Continue("image store is not answering yet")
			}
			return nil
		})
	return trace.Wrap(err)
}
