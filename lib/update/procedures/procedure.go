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

// Package procedures implements the typed update strategies the
// coordinator maps plan changes onto. Each procedure executes one service
// class with the protocol that preserves that class's availability and
// consistency invariants.
package procedures

import (
	"context"

	"github.com/gravitational/fleetadm/lib/clients"
	"github.com/gravitational/fleetadm/lib/remote"
	"github.com/gravitational/fleetadm/lib/storage"
	"github.com/gravitational/fleetadm/lib/utils"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Kind identifies a procedure class
type Kind string

const (
	// KindDownloadImages prefetches missing images into the local store
	KindDownloadImages Kind = "DownloadImages"
	// KindUpdateStatelessServicesV1 updates simple single-instance
	// stateless headnode services
	KindUpdateStatelessServicesV1 Kind = "UpdateStatelessServicesV1"
	// KindUpdateSingleHeadnodeImgapi updates the image store itself
	KindUpdateSingleHeadnodeImgapi Kind = "UpdateSingleHeadnodeImgapi"
	// KindUpdateUFDSServiceV1 updates the directory service
	KindUpdateUFDSServiceV1 Kind = "UpdateUFDSServiceV1"
	// KindUpdateMorayV2 updates the object index tier
	KindUpdateMorayV2 Kind = "UpdateMorayV2"
	// KindUpdateSingleHNSapiV1 updates the service registry itself
	KindUpdateSingleHNSapiV1 Kind = "UpdateSingleHNSapiV1"
	// KindUpdateManateeV2 updates the replicated database cluster
	KindUpdateManateeV2 Kind = "UpdateManateeV2"
	// KindUpdateBinderV1 updates the name service
	KindUpdateBinderV1 Kind = "UpdateBinderV1"
	// KindUpdateMahiV1 updates the auth cache
	KindUpdateMahiV1 Kind = "UpdateMahiV1"
)

// Params carries the collaborators a procedure needs to touch the live
// cluster. Procedures hold no state across invocations; everything comes
// in through this object.
type Params struct {
	// Registry is the service registry
	Registry clients.ServiceRegistry
	// VMs is the VM manager
	VMs clients.VMManager
	// Nodes is the node inventory
	Nodes clients.NodeInventory
	// Store is the local image service
	Store clients.ImageStore
	// ImageRegistry is the upstream image registry
	ImageRegistry clients.ImageRegistry
	// Networks is the network registry
	Networks clients.NetworkRegistry
	// Workflow is the workflow engine
	Workflow clients.WorkflowEngine
	// Directory is the LDAP-style directory service
	Directory clients.DirectoryService
	// Runner executes scripts on fleet servers
	Runner remote.Runner
	// Clock drives sleeps and poll loops
	Clock clockwork.Clock
	// Progress streams step updates to the operator
	Progress utils.Progress
	// WorkDir is this update's work directory
	WorkDir string
	// FieldLogger is used for logging
	logrus.FieldLogger
}

// CheckAndSetDefaults validates the parameters and sets defaults
func (p *Params) CheckAndSetDefaults() error {
	if p.Registry == nil {
		return trace.BadParameter("missing Registry")
	}
	if p.Nodes == nil {
		return trace.BadParameter("missing Nodes")
	}
	if p.Store == nil {
		return trace.BadParameter("missing Store")
	}
	if p.Runner == nil {
		return trace.BadParameter("missing Runner")
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	if p.Progress == nil {
		p.Progress = utils.NewNopProgress()
	}
	if p.FieldLogger == nil {
		p.FieldLogger = logrus.WithField(trace.Component, "fleetadm:proc")
	}
	return nil
}

// Procedure is one unit of update logic bound to a subset of a plan's
// changes
type Procedure interface {
	// Kind identifies the procedure class
	Kind() Kind
	// Summarize describes the procedure for operator confirmation
	Summarize() string
	// Changes returns the plan changes this procedure consumes
	Changes() []storage.Change
	// Execute runs the procedure against the live cluster
	Execute(ctx context.Context, params Params) error
}

// ensureImageInstalled makes sure the image is present in the local image
// store, importing it from the upstream registry if necessary
func ensureImageInstalled(ctx context.Context, params Params, image storage.Image) error {
	_, err := params.Store.GetImage(ctx, image.UUID)
	if err == nil {
		return nil
	}
	if !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	params.Progress.PrintSubStep("Importing image %v (%v@%v)",
		image.UUID, image.Name, image.Version)
	return trace.Wrap(params.Store.ImportImage(ctx, image.UUID))
}

// installImageOnServer stages the image on the specified server so a
// reprovision there does not depend on the image store mid-update
func installImageOnServer(ctx context.Context, params Params, serverUUID string, image storage.Image) error {
	params.Progress.PrintSubStep("Installing image %v on server %v",
		image.UUID, serverUUID)
	result, err := params.Runner.Exec(ctx, serverUUID,
		"imgadm import -q "+image.UUID)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(result.Check())
}
