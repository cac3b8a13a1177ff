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

	"github.com/gravitational/fleetadm/lib/storage"
	"github.com/gravitational/fleetadm/lib/update/procedures"

	"gopkg.in/check.v1"
)

type PlanSuite struct{}

var _ = check.Suite(&PlanSuite{})

// TestDropSameImage: a service whose only candidate is the image it
// already runs plans to nothing
func (s *PlanSuite) TestDropSameImage(c *check.C) {
	env := newTestEnv(c)
	imageA := testImage("cnapi", 1, 1)
	env.addLocalImage(imageA)
	env.addVMService("cnapi", imageA, headnodeUUID)

	plan, snapshot, err := env.planner.BuildPlan(context.TODO(),
		[]ChangeRequest{{Type: storage.ChangeTypeUpdateService, Service: "cnapi"}},
		PlanOptions{})
	c.Assert(err, check.IsNil)
	c.Assert(plan.Changes, check.HasLen, 0)

	procs, err := env.coordinator.Coordinate(context.TODO(), plan, snapshot)
	c.Assert(err, check.IsNil)
	c.Assert(procs, check.HasLen, 0)
}

// TestSimpleStatelessUpdate: one stateless service on the headnode with a
// newer candidate produces exactly one stateless procedure
func (s *PlanSuite) TestSimpleStatelessUpdate(c *check.C) {
	env := newTestEnv(c)
	imageA := testImage("cnapi", 1, 1)
	imageB := testImage("cnapi", 2, 3)
	env.addLocalImage(imageA)
	env.addLocalImage(imageB)
	env.addVMService("cnapi", imageA, headnodeUUID)

	plan, snapshot, err := env.planner.BuildPlan(context.TODO(),
		[]ChangeRequest{{Type: storage.ChangeTypeUpdateService, Service: "cnapi"}},
		PlanOptions{})
	c.Assert(err, check.IsNil)
	c.Assert(plan.Changes, check.HasLen, 1)
	c.Assert(plan.Changes[0].Image.UUID, check.Equals, imageB.UUID)

	// The target state has the cnapi instance on the new image, same ids
	c.Assert(plan.Targ, check.HasLen, len(plan.Curr))
	for i := range plan.Curr {
		c.Assert(plan.Targ[i].InstanceID, check.Equals, plan.Curr[i].InstanceID)
		if plan.Curr[i].ServiceName == "cnapi" {
			c.Assert(plan.Targ[i].ImageID, check.Equals, imageB.UUID)
			c.Assert(plan.Targ[i].Version, check.Equals, imageB.Version)
		}
	}

	procs, err := env.coordinator.Coordinate(context.TODO(), plan, snapshot)
	c.Assert(err, check.IsNil)
	c.Assert(procs, check.HasLen, 1)
	c.Assert(procs[0].Kind(), check.Equals, procedures.KindUpdateStatelessServicesV1)
	c.Assert(procs[0].Changes(), check.HasLen, 1)
}

// TestConflict: a service-level and an instance-level change on the same
// service cannot coexist in one plan
func (s *PlanSuite) TestConflict(c *check.C) {
	env := newTestEnv(c)
	imageA := testImage("imgapi", 1, 1)
	imageB := testImage("imgapi", 2, 3)
	env.addLocalImage(imageA)
	env.addLocalImage(imageB)
	env.addVMService("imgapi", imageA, headnodeUUID)
	instanceID := env.instanceID(c, "imgapi", 0)

	_, _, err := env.planner.BuildPlan(context.TODO(), []ChangeRequest{
		{Type: storage.ChangeTypeUpdateService, Service: "imgapi"},
		{Type: storage.ChangeTypeUpdateInstance, Instance: instanceID},
	}, PlanOptions{})
	c.Assert(err, check.NotNil)
	c.Assert(IsUpdateError(err), check.Equals, true)
	c.Assert(err, check.ErrorMatches,
		"(?s).*targets service.*instance of that service.*")
}

// TestUnsupportedTopology: a two-instance sapi cannot be updated with the
// single-headnode strategy and fails coordination
func (s *PlanSuite) TestUnsupportedTopology(c *check.C) {
	env := newTestEnv(c)
	imageA := testImage("sapi", 1, 1)
	imageB := testImage("sapi", 2, 3)
	env.addLocalImage(imageA)
	env.addLocalImage(imageB)
	env.addVMService("sapi", imageA, headnodeUUID, node01UUID)

	plan, snapshot, err := env.planner.BuildPlan(context.TODO(),
		[]ChangeRequest{{Type: storage.ChangeTypeUpdateService, Service: "sapi"}},
		PlanOptions{})
	c.Assert(err, check.IsNil)

	_, err = env.coordinator.Coordinate(context.TODO(), plan, snapshot)
	c.Assert(err, check.NotNil)
	c.Assert(IsUpdateError(err), check.Equals, true)
	c.Assert(err, check.ErrorMatches,
		".*do not support the following changes: update-service sapi.*")
}

// TestRabbitmqGuard: rabbitmq updates are rejected unless forced
func (s *PlanSuite) TestRabbitmqGuard(c *check.C) {
	env := newTestEnv(c)
	imageA := testImage("rabbitmq", 1, 1)
	imageB := testImage("rabbitmq", 2, 3)
	env.addLocalImage(imageA)
	env.addLocalImage(imageB)
	env.addVMService("rabbitmq", imageA, headnodeUUID)

	request := []ChangeRequest{{
		Type: storage.ChangeTypeUpdateService, Service: "rabbitmq",
	}}

	_, _, err := env.planner.BuildPlan(context.TODO(), request, PlanOptions{})
	c.Assert(err, check.NotNil)
	c.Assert(IsUpdateError(err), check.Equals, true)
	c.Assert(err, check.ErrorMatches, ".*force-rabbitmq.*")

	plan, snapshot, err := env.planner.BuildPlan(context.TODO(), request,
		PlanOptions{ForceRabbitmq: true})
	c.Assert(err, check.IsNil)
	c.Assert(plan.Changes, check.HasLen, 1)

	procs, err := env.coordinator.Coordinate(context.TODO(), plan, snapshot)
	c.Assert(err, check.IsNil)
	c.Assert(procs, check.HasLen, 1)
}

// TestUnknownServiceFails: normalization rejects unknown services
func (s *PlanSuite) TestUnknownServiceFails(c *check.C) {
	env := newTestEnv(c)
	_, _, err := env.planner.BuildPlan(context.TODO(),
		[]ChangeRequest{{Type: storage.ChangeTypeUpdateService, Service: "nosuch"}},
		PlanOptions{})
	c.Assert(err, check.NotNil)
	c.Assert(err, check.ErrorMatches, `(?s).*unknown service "nosuch".*`)
}

// TestForceSameImage keeps the otherwise dropped update
func (s *PlanSuite) TestForceSameImage(c *check.C) {
	env := newTestEnv(c)
	imageA := testImage("cnapi", 1, 1)
	env.addLocalImage(imageA)
	env.addVMService("cnapi", imageA, headnodeUUID)

	plan, _, err := env.planner.BuildPlan(context.TODO(),
		[]ChangeRequest{{Type: storage.ChangeTypeUpdateService, Service: "cnapi"}},
		PlanOptions{ForceSameImage: true})
	c.Assert(err, check.IsNil)
	c.Assert(plan.Changes, check.HasLen, 1)
	c.Assert(plan.Changes[0].Image.UUID, check.Equals, imageA.UUID)
}

// TestMinPlatformGate rejects vm updates on servers below the platform
// floor
func (s *PlanSuite) TestMinPlatformGate(c *check.C) {
	env := newTestEnv(c)
	imageA := testImage("cnapi", 1, 1)
	imageB := testImage("cnapi", 2, 3)
	env.addLocalImage(imageA)
	env.addLocalImage(imageB)
	env.addVMService("cnapi", imageA, headnodeUUID)
	env.planner.MinPlatform = "20210101T000000Z"

	_, _, err := env.planner.BuildPlan(context.TODO(),
		[]ChangeRequest{{Type: storage.ChangeTypeUpdateService, Service: "cnapi"}},
		PlanOptions{})
	c.Assert(err, check.NotNil)
	c.Assert(IsUpdateError(err), check.Equals, true)
	c.Assert(err, check.ErrorMatches, ".*older than the required minimum.*")
}

// TestPlannerIsDeterministic: planning twice over the same inventory
// produces identical serialized plans
func (s *PlanSuite) TestPlannerIsDeterministic(c *check.C) {
	env := newTestEnv(c)
	imageA := testImage("cnapi", 1, 1)
	imageB := testImage("cnapi", 2, 3)
	env.addLocalImage(imageA)
	env.addLocalImage(imageB)
	env.addVMService("cnapi", imageA, headnodeUUID)

	request := []ChangeRequest{{
		Type: storage.ChangeTypeUpdateService, Service: "cnapi",
	}}
	first, _, err := env.planner.BuildPlan(context.TODO(), request, PlanOptions{})
	c.Assert(err, check.IsNil)
	second, _, err := env.planner.BuildPlan(context.TODO(), request, PlanOptions{})
	c.Assert(err, check.IsNil)

	firstData, err := storage.MarshalPlan(*first)
	c.Assert(err, check.IsNil)
	secondData, err := storage.MarshalPlan(*second)
	c.Assert(err, check.IsNil)
	c.Assert(string(firstData), check.Equals, string(secondData))
}
