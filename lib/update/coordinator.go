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

package update

import (
	"context"
	"strings"

	"github.com/gravitational/fleetadm/lib/clients"
	"github.com/gravitational/fleetadm/lib/defaults"
	"github.com/gravitational/fleetadm/lib/inventory"
	"github.com/gravitational/fleetadm/lib/storage"
	"github.com/gravitational/fleetadm/lib/update/procedures"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// CoordinatorConfig is the procedure coordinator configuration
type CoordinatorConfig struct {
	// Store is the local image store used to detect missing images
	Store clients.ImageStore
	// FieldLogger is used for logging
	logrus.FieldLogger
}

// CheckAndSetDefaults validates the configuration and sets defaults
func (c *CoordinatorConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing Store")
	}
	if c.FieldLogger == nil {
		c.FieldLogger = logrus.WithField(trace.Component, "fleetadm:coordinator")
	}
	return nil
}

// Coordinator partitions a plan's changes into ordered procedures
type Coordinator struct {
	CoordinatorConfig
}

// NewCoordinator returns a new coordinator for the specified configuration
func NewCoordinator(config CoordinatorConfig) (*Coordinator, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Coordinator{CoordinatorConfig: config}, nil
}

// matchOutcome is the result of matching one change against a filter
type matchOutcome int

const (
	// noMatch means the filter does not apply to the change
	noMatch matchOutcome = iota
	// matched means the filter consumes the change
	matched
	// skipped means the filter applies but the topology is unsupported;
	// the change stays in the remaining set and surfaces as an error at
	// the end of the pipeline
	skipped
)

// procFilter is one stage of the coordination pipeline: a predicate with a
// topology constraint and a procedure constructor over the matched changes
type procFilter struct {
	name  string
	match func(c *coordination, change storage.Change) (matchOutcome, string)
	build func(c *coordination, handled []storage.Change) (procedures.Procedure, error)
}

// coordination carries the per-call state through the filter pipeline
type coordination struct {
	plan     *storage.UpdatePlan
	snapshot *inventory.Snapshot
}

// instancesOf returns the current instances of the specified service
func (c *coordination) instancesOf(name string) storage.Instances {
	return c.plan.Curr.ForService(name)
}

// onHeadnode returns true if the instance runs on the headnode
func (c *coordination) onHeadnode(instance storage.Instance) bool {
	server, err := c.snapshot.ServerByIDOrHostname(instance.ServerID)
	if err != nil {
		return false
	}
	return server.Headnode
}

// isUpdate returns true for the change types the pipeline handles
func isUpdate(change storage.Change) bool {
	switch change.Type {
	case storage.ChangeTypeUpdateService, storage.ChangeTypeUpdateInstance:
		return true
	}
	return false
}

// matchSingleHeadnode matches an update of the named service whose single
// instance runs on the headnode
func matchSingleHeadnode(name string) func(*coordination, storage.Change) (matchOutcome, string) {
	return func(c *coordination, change storage.Change) (matchOutcome, string) {
		if !isUpdate(change) || change.Service.Name != name {
			return noMatch, ""
		}
		instances := c.instancesOf(name)
		if len(instances) != 1 {
			return skipped, "expected exactly one instance"
		}
		if !c.onHeadnode(instances[0]) {
			return skipped, "instance is not on the headnode"
		}
		return matched, ""
	}
}

// matchAnyTopology matches an update of the named service regardless of
// instance count
func matchAnyTopology(name string) func(*coordination, storage.Change) (matchOutcome, string) {
	return func(c *coordination, change storage.Change) (matchOutcome, string) {
		if !isUpdate(change) || change.Service.Name != name {
			return noMatch, ""
		}
		return matched, ""
	}
}

// buildSingleInstance constructs single-instance procedures
func buildSingleInstance(construct func(storage.Change, storage.Instance) procedures.Procedure) func(*coordination, []storage.Change) (procedures.Procedure, error) {
	return func(c *coordination, handled []storage.Change) (procedures.Procedure, error) {
		change := handled[0]
		instances := c.instancesOf(change.Service.Name)
		return construct(change, instances[0]), nil
	}
}

// filters is the fixed, ordered coordination pipeline. The order is part
// of the contract: later stages depend on earlier stages' resources being
// refreshed first.
var filters = []procFilter{
	{
		name: "download-images",
		// handled separately: the stage inspects every remaining change
		// but consumes none of them
	},
	{
		name: "stateless-services",
		match: func(c *coordination, change storage.Change) (matchOutcome, string) {
			if !isUpdate(change) || !isStatelessService(change.Service.Name) {
				return noMatch, ""
			}
			instances := c.instancesOf(change.Service.Name)
			if len(instances) > 1 {
				return skipped, "more than one instance"
			}
			if len(instances) == 1 && !c.onHeadnode(instances[0]) {
				return skipped, "instance is not on the headnode"
			}
			return matched, ""
		},
		build: func(c *coordination, handled []storage.Change) (procedures.Procedure, error) {
			instances := map[string]storage.Instances{}
			for _, change := range handled {
				instances[change.Service.Name] = c.instancesOf(change.Service.Name)
			}
			return procedures.NewUpdateStatelessServicesV1(handled, instances), nil
		},
	},
	{
		name:  "imgapi",
		match: matchSingleHeadnode("imgapi"),
		build: buildSingleInstance(func(change storage.Change, instance storage.Instance) procedures.Procedure {
			return procedures.NewUpdateSingleHeadnodeImgapi(change, instance)
		}),
	},
	{
		name:  "ufds",
		match: matchSingleHeadnode("ufds"),
		build: buildSingleInstance(func(change storage.Change, instance storage.Instance) procedures.Procedure {
			return procedures.NewUpdateUFDSServiceV1(change, instance)
		}),
	},
	{
		name:  "moray",
		match: matchAnyTopology("moray"),
		build: func(c *coordination, handled []storage.Change) (procedures.Procedure, error) {
			change := handled[0]
			return procedures.NewUpdateMorayV2(change,
				c.instancesOf(change.Service.Name)), nil
		},
	},
	{
		name:  "sapi",
		match: matchSingleHeadnode("sapi"),
		build: buildSingleInstance(func(change storage.Change, instance storage.Instance) procedures.Procedure {
			return procedures.NewUpdateSingleHNSapiV1(change, instance)
		}),
	},
	{
		name:  "manatee",
		match: matchAnyTopology("manatee"),
		build: func(c *coordination, handled []storage.Change) (procedures.Procedure, error) {
			change := handled[0]
			return procedures.NewUpdateManateeV2(change,
				c.instancesOf(change.Service.Name)), nil
		},
	},
	{
		name:  "binder",
		match: matchSingleHeadnode("binder"),
		build: buildSingleInstance(func(change storage.Change, instance storage.Instance) procedures.Procedure {
			return procedures.NewUpdateBinderV1(change, instance)
		}),
	},
	{
		name:  "mahi",
		match: matchSingleHeadnode("mahi"),
		build: buildSingleInstance(func(change storage.Change, instance storage.Instance) procedures.Procedure {
			return procedures.NewUpdateMahiV1(change, instance)
		}),
	},
}

func isStatelessService(name string) bool {
	for _, stateless := range defaults.StatelessServices {
		if name == stateless {
			return true
		}
	}
	return false
}

// Coordinate maps the plan's changes onto an ordered procedure list.
// Every change must be consumed by exactly one pipeline stage; leftovers
// mean the requested topology is unsupported and fail the whole plan.
func (c *Coordinator) Coordinate(ctx context.Context, plan *storage.UpdatePlan, snapshot *inventory.Snapshot) ([]procedures.Procedure, error) {
	coord := &coordination{
		plan:     plan,
		snapshot: snapshot,
	}
	remaining := append([]storage.Change(nil), plan.Changes...)
	var procs []procedures.Procedure

	for _, filter := range filters {
		if filter.name == "download-images" {
			proc, err := c.downloadStage(ctx, remaining)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if proc != nil {
				procs = append(procs, proc)
			}
			continue
		}

		var handled, rest []storage.Change
		for _, change := range remaining {
			outcome, reason := filter.match(coord, change)
			switch outcome {
			case matched:
				handled = append(handled, change)
			case skipped:
				c.Infof("Filter %q skipping %v %q: %v.",
					filter.name, change.Type, change.Service.Name, reason)
				rest = append(rest, change)
			default:
				rest = append(rest, change)
			}
		}
		if len(handled) != 0 {
			proc, err := filter.build(coord, handled)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			procs = append(procs, proc)
		}
		remaining = rest
	}

	if len(remaining) != 0 {
		return nil, NewError("do not support the following changes: %v",
			describeChanges(remaining))
	}

	if plan.JustImages {
		var kept []procedures.Procedure
		for _, proc := range procs {
			if proc.Kind() == procedures.KindDownloadImages {
				kept = append(kept, proc)
			}
		}
		procs = kept
	}
	return procs, nil
}

// downloadStage emits the image prefetch procedure over every image the
// plan needs that is missing from the local store. The stage consumes no
// changes: each change still needs its own update procedure downstream.
func (c *Coordinator) downloadStage(ctx context.Context, remaining []storage.Change) (procedures.Procedure, error) {
	var missing []storage.Image
	seen := map[string]struct{}{}
	for _, change := range remaining {
		if change.Image == nil {
			continue
		}
		if _, ok := seen[change.Image.UUID]; ok {
			continue
		}
		seen[change.Image.UUID] = struct{}{}
		_, err := c.Store.GetImage(ctx, change.Image.UUID)
		if err == nil {
			continue
		}
		if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		missing = append(missing, *change.Image)
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return procedures.NewDownloadImages(missing, nil), nil
}

func describeChanges(changes []storage.Change) string {
	descriptions := make([]string, 0, len(changes))
	for _, change := range changes {
		desc := change.Type + " " + change.Service.Name
		if change.Instance != nil {
			desc += " (instance " + change.Instance.InstanceID + ")"
		}
		descriptions = append(descriptions, desc)
	}
	return strings.Join(descriptions, ", ")
}
