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

// Package update plans and executes in-place upgrades of the fleet
// services: it validates change requests against the inventory, resolves
// target images, materializes a conflict-free update plan and drives the
// plan's procedures to completion.
package update

import (
	"context"
	"time"

	"github.com/gravitational/fleetadm/lib/images"
	"github.com/gravitational/fleetadm/lib/inventory"
	"github.com/gravitational/fleetadm/lib/storage"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// PlannerConfig is the plan builder configuration
type PlannerConfig struct {
	// Collector produces inventory snapshots
	Collector *inventory.Collector
	// Resolver selects candidate images
	Resolver *images.Resolver
	// MinPlatform is the minimum platform version a server must run to
	// host updated vm instances
	MinPlatform string
	// MinImageBuild maps a service name to the minimum publish time its
	// current image must have before it can be updated
	MinImageBuild map[string]time.Time
	// FieldLogger is used for logging
	logrus.FieldLogger
}

// CheckAndSetDefaults validates the configuration and sets defaults
func (c *PlannerConfig) CheckAndSetDefaults() error {
	if c.Collector == nil {
		return trace.BadParameter("missing Collector")
	}
	if c.Resolver == nil {
		return trace.BadParameter("missing Resolver")
	}
	if c.FieldLogger == nil {
		c.FieldLogger = logrus.WithField(trace.Component, "fleetadm:planner")
	}
	return nil
}

// PlanOptions modify a single planning call
type PlanOptions struct {
	// ForceRabbitmq allows updates of the rabbitmq service
	ForceRabbitmq bool
	// ForceSameImage keeps service updates whose instances already run
	// the target image
	ForceSameImage bool
	// JustImages limits execution to image prefetch
	JustImages bool
}

// Planner validates change requests and builds update plans
type Planner struct {
	PlannerConfig
}

// NewPlanner returns a new planner for the specified configuration
func NewPlanner(config PlannerConfig) (*Planner, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Planner{PlannerConfig: config}, nil
}

// BuildPlan turns the change requests into a validated, conflict-free,
// dependency-ordered plan against a fresh inventory snapshot. The snapshot
// is returned alongside the plan for procedure coordination.
func (p *Planner) BuildPlan(ctx context.Context, requests []ChangeRequest, opts PlanOptions) (*storage.UpdatePlan, *inventory.Snapshot, error) {
	if err := ValidateRequests(requests); err != nil {
		return nil, nil, trace.Wrap(err)
	}

	snapshot, err := p.Collector.Collect(ctx)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	changes, err := p.normalize(ctx, requests, snapshot)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	if err := detectConflicts(changes); err != nil {
		return nil, nil, trace.Wrap(err)
	}

	changes, err = p.dropNoops(changes, snapshot, opts)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	changes = resolveDependencies(changes)

	if err := p.checkSafetyGates(ctx, changes, snapshot, opts); err != nil {
		return nil, nil, trace.Wrap(err)
	}

	plan := &storage.UpdatePlan{
		V:          storage.PlanVersion,
		Curr:       snapshot.Instances,
		Targ:       materializeTarget(snapshot.Instances, changes),
		Changes:    changes,
		JustImages: opts.JustImages,
	}
	return plan, snapshot, nil
}

// normalize expands every request to a full change and resolves the image
// candidates, accumulating the failures
func (p *Planner) normalize(ctx context.Context, requests []ChangeRequest, snapshot *inventory.Snapshot) ([]storage.Change, error) {
	var changes []storage.Change
	var errors []error
	for _, request := range requests {
		change, err := normalizeRequest(ctx, request, snapshot)
		if err != nil {
			errors = append(errors, err)
			continue
		}
		if err := p.resolveImages(ctx, request, change, snapshot); err != nil {
			errors = append(errors, err)
			continue
		}
		changes = append(changes, *change)
	}
	if len(errors) != 0 {
		return nil, trace.NewAggregate(errors...)
	}
	return changes, nil
}

// resolveImages populates the change's candidate image set: a pinned image
// is resolved directly, otherwise the resolver computes the candidates
func (p *Planner) resolveImages(ctx context.Context, request ChangeRequest, change *storage.Change, snapshot *inventory.Snapshot) error {
	if request.Image != "" {
		image, err := p.Resolver.ResolveImage(ctx, request.Image)
		if err != nil {
			if trace.IsNotFound(err) {
				return NewError("image %q not found for %v %q",
					request.Image, change.Type, change.Service.Name)
			}
			return trace.Wrap(err)
		}
		change.Images = []storage.Image{*image}
		return nil
	}

	switch change.Type {
	case storage.ChangeTypeUpdateService, storage.ChangeTypeUpdateInstance,
		storage.ChangeTypeCreateInstance:
	default:
		// Deletes do not need an image
		return nil
	}

	current := snapshot.Instances.ForService(change.Service.Name)
	if change.Instance != nil {
		current = storage.Instances{*change.Instance}
	}
	candidates, err := p.Resolver.Candidates(ctx, change.Service, current)
	if err != nil {
		return trace.Wrap(err)
	}
	change.Images = candidates
	return nil
}

// detectConflicts rejects plans where two changes could race on the same
// service or instance
func detectConflicts(changes []storage.Change) error {
	for i := 0; i < len(changes); i++ {
		for j := i + 1; j < len(changes); j++ {
			a, b := changes[i], changes[j]
			if a.Service.Name != b.Service.Name {
				continue
			}
			switch {
			case a.IsServiceScoped() && b.IsServiceScoped():
				return NewError(
					"conflict: changes %v and %v both target service %q",
					a.Type, b.Type, a.Service.Name)
			case a.IsInstanceScoped() && b.IsInstanceScoped():
				if a.Instance.InstanceID == b.Instance.InstanceID {
					return NewError(
						"conflict: changes %v and %v both target instance %q",
						a.Type, b.Type, a.Instance.InstanceID)
				}
			default:
				serviceChange, instanceChange := a, b
				if !serviceChange.IsServiceScoped() {
					serviceChange, instanceChange = b, a
				}
				return NewError(
					"conflict: change %v targets service %q and change %v targets an instance of that service",
					serviceChange.Type, serviceChange.Service.Name,
					instanceChange.Type)
			}
		}
	}
	return nil
}

// dropNoops removes updates that would not change anything: updates without
// candidates, and service updates whose every instance already runs the
// single candidate image
func (p *Planner) dropNoops(changes []storage.Change, snapshot *inventory.Snapshot, opts PlanOptions) ([]storage.Change, error) {
	kept := changes[:0]
	for _, change := range changes {
		switch change.Type {
		case storage.ChangeTypeUpdateService, storage.ChangeTypeUpdateInstance:
		default:
			kept = append(kept, change)
			continue
		}
		if len(change.Images) == 0 {
			p.Infof("No candidate images for %v %q, dropping.",
				change.Type, change.Service.Name)
			continue
		}
		if change.Type == storage.ChangeTypeUpdateService &&
			!opts.ForceSameImage && len(change.Images) == 1 {
			instances := snapshot.Instances.ForService(change.Service.Name)
			if len(instances) != 0 && allOnImage(instances, change.Images[0].UUID) {
				p.Infof("Service %q already runs image %v, dropping.",
					change.Service.Name, change.Images[0].UUID)
				continue
			}
		}
		kept = append(kept, change)
	}
	return kept, nil
}

func allOnImage(instances storage.Instances, imageUUID string) bool {
	for _, instance := range instances {
		if instance.ImageID != imageUUID {
			return false
		}
	}
	return true
}

// resolveDependencies orders each change's candidates by publish time and
// retains the newest as the target image
func resolveDependencies(changes []storage.Change) []storage.Change {
	for i := range changes {
		if len(changes[i].Images) == 0 {
			continue
		}
		storage.SortImagesByPublishedAt(changes[i].Images)
		image := changes[i].Images[len(changes[i].Images)-1]
		changes[i].Image = &image
	}
	return changes
}

// checkSafetyGates enforces the pre-flight constraints that protect the
// cluster from known-bad updates
func (p *Planner) checkSafetyGates(ctx context.Context, changes []storage.Change, snapshot *inventory.Snapshot, opts PlanOptions) error {
	for _, change := range changes {
		if change.Service.Name == "rabbitmq" && !opts.ForceRabbitmq {
			return NewError(
				"updates of service %q are not allowed without the force-rabbitmq flag",
				change.Service.Name)
		}
		if change.Service.Type != storage.ServiceTypeVM {
			continue
		}
		for _, instance := range affectedInstances(change, snapshot) {
			server, err := snapshot.ServerByIDOrHostname(instance.ServerID)
			if err != nil {
				return trace.Wrap(err)
			}
			if p.MinPlatform != "" && server.CurrentPlatform < p.MinPlatform {
				return NewError(
					"server %q runs platform %v older than the required minimum %v for instance %q",
					server.Hostname, server.CurrentPlatform, p.MinPlatform,
					instance.InstanceID)
			}
			if err := p.checkMinImageBuild(ctx, change.Service.Name, instance); err != nil {
				return trace.Wrap(err)
			}
		}
	}
	return nil
}

func (p *Planner) checkMinImageBuild(ctx context.Context, serviceName string, instance storage.Instance) error {
	minBuild, ok := p.MinImageBuild[serviceName]
	if !ok {
		return nil
	}
	image, err := p.Resolver.ResolveImage(ctx, instance.ImageID)
	if err != nil {
		if trace.IsNotFound(err) {
			// The current image is gone, the build date cannot be checked
			p.Warnf("Cannot verify build date of image %v for instance %v.",
				instance.ImageID, instance.InstanceID)
			return nil
		}
		return trace.Wrap(err)
	}
	if image.PublishedAt.Before(minBuild) {
		return NewError(
			"instance %q runs image %v built %v, before the required minimum %v for service %q",
			instance.InstanceID, image.UUID,
			image.PublishedAt.Format(time.RFC3339), minBuild.Format(time.RFC3339),
			serviceName)
	}
	return nil
}

// affectedInstances returns the instances a change touches
func affectedInstances(change storage.Change, snapshot *inventory.Snapshot) storage.Instances {
	if change.Instance != nil {
		return storage.Instances{*change.Instance}
	}
	return snapshot.Instances.ForService(change.Service.Name)
}

// materializeTarget applies the changes to a deep copy of the current
// instance set: only image id and version are substituted
func materializeTarget(curr storage.Instances, changes []storage.Change) storage.Instances {
	targ := make(storage.Instances, len(curr))
	copy(targ, curr)
	for _, change := range changes {
		if change.Image == nil {
			continue
		}
		for i := range targ {
			if !changeCovers(change, targ[i]) {
				continue
			}
			targ[i].ImageID = change.Image.UUID
			targ[i].Version = change.Image.Version
		}
	}
	return targ
}

func changeCovers(change storage.Change, instance storage.Instance) bool {
	switch change.Type {
	case storage.ChangeTypeUpdateService:
		return change.Service.Name == instance.ServiceName
	case storage.ChangeTypeUpdateInstance:
		return change.Instance != nil && change.Instance.InstanceID == instance.InstanceID
	}
	return false
}
