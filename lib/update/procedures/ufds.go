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

// UpdateUFDSServiceV1 updates the directory service. The directory
// contents are dumped to the work directory before the instance is
// touched so an operator can restore them if the update goes sideways.
type UpdateUFDSServiceV1 struct {
	change   storage.Change
	instance storage.Instance
}

// NewUpdateUFDSServiceV1 returns the directory service update procedure
func NewUpdateUFDSServiceV1(change storage.Change, instance storage.Instance) *UpdateUFDSServiceV1 {
	return &UpdateUFDSServiceV1{change: change, instance: instance}
}

// Kind identifies the procedure class
func (p *UpdateUFDSServiceV1) Kind() Kind { return KindUpdateUFDSServiceV1 }

// Changes returns the plan changes this procedure consumes
func (p *UpdateUFDSServiceV1) Changes() []storage.Change {
	return []storage.Change{p.change}
}

// Summarize describes the update
func (p *UpdateUFDSServiceV1) Summarize() string {
	return fmt.Sprintf("update directory service instance %v to image %v",
		p.instance.InstanceID, p.change.Image.UUID)
}

// Execute backs up the directory, updates the instance and verifies the
// directory answers searches again
func (p *UpdateUFDSServiceV1) Execute(ctx context.Context, params Params) error {
	if err := params.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	params.Progress.NextStep("Updating directory service to image %v",
		p.change.Image.UUID)

	backup := filepath.Join(params.WorkDir, "ufds-backup.ldif")
	params.Progress.PrintSubStep("Dumping directory contents to %v", backup)
	result, err := params.Runner.Exec(ctx, p.instance.ServerID, fmt.Sprintf(
		"/opt/smartdc/bin/sdc-ldap search -b 'o=smartdc' '(objectclass=*)' > %v",
		backup))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := result.Check(); err != nil {
		return trace.Wrap(err, "directory backup failed")
	}

	err = updateSingleInstance(ctx, params, p.change,
		storage.Instances{p.instance})
	if err != nil {
		return trace.Wrap(err)
	}

	if params.Directory == nil {
		return nil
	}
	params.Progress.PrintSubStep("Waiting for the directory to answer searches")
	err = utils.Retry(ctx, params.Clock, defaults.PostgresPollInterval,
		defaults.PostgresPollAttempts, func() error {
			if _, err := params.Directory.Search(ctx, "o=smartdc", "(objectclass=organization)"); err != nil {
				return utils.Continue("directory is not answering yet")
			}
			return nil
		})
	return trace.Wrap(err)
}
