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

	"github.com/gravitational/fleetadm/lib/clients"
	"github.com/gravitational/fleetadm/lib/storage"
	"github.com/gravitational/fleetadm/lib/update/procedures"

	"gopkg.in/check.v1"
)

type CoordinatorSuite struct{}

var _ = check.Suite(&CoordinatorSuite{})

// multiServiceEnv sets up cnapi (stateless), imgapi and a 3-peer manatee
// all with a newer candidate image
func (s *CoordinatorSuite) multiServiceEnv(c *check.C) (*testEnv, []ChangeRequest) {
	env := newTestEnv(c)
	env.nodes.servers = append(env.nodes.servers, clients.NodeServer{
		UUID:            node02UUID,
		Hostname:        "node02",
		CurrentPlatform: "20200301T000000Z",
	})
	seq := 1
	for _, service := range []string{"cnapi", "imgapi", "manatee"} {
		imageA := testImage(service, seq, 1)
		imageB := testImage(service, seq+1, 3)
		seq += 2
		env.addLocalImage(imageA)
		env.addLocalImage(imageB)
		if service == "manatee" {
			env.addVMService(service, imageA, headnodeUUID, node01UUID, node02UUID)
		} else {
			env.addVMService(service, imageA, headnodeUUID)
		}
	}
	return env, []ChangeRequest{
		{Type: storage.ChangeTypeUpdateService, Service: "manatee"},
		{Type: storage.ChangeTypeUpdateService, Service: "cnapi"},
		{Type: storage.ChangeTypeUpdateService, Service: "imgapi"},
	}
}

// TestPipelineOrder: procedures come out in filter order regardless of the
// order the changes were submitted in
func (s *CoordinatorSuite) TestPipelineOrder(c *check.C) {
	env, requests := s.multiServiceEnv(c)
	plan, snapshot, err := env.planner.BuildPlan(context.TODO(), requests, PlanOptions{})
	c.Assert(err, check.IsNil)

	procs, err := env.coordinator.Coordinate(context.TODO(), plan, snapshot)
	c.Assert(err, check.IsNil)

	kinds := make([]procedures.Kind, 0, len(procs))
	for _, proc := range procs {
		kinds = append(kinds, proc.Kind())
	}
	c.Assert(kinds, check.DeepEquals, []procedures.Kind{
		procedures.KindUpdateStatelessServicesV1,
		procedures.KindUpdateSingleHeadnodeImgapi,
		procedures.KindUpdateManateeV2,
	})
}

// TestReplayIsDeterministic: coordinating the same plan twice yields the
// same procedures in the same order over the same changes
func (s *CoordinatorSuite) TestReplayIsDeterministic(c *check.C) {
	env, requests := s.multiServiceEnv(c)
	plan, snapshot, err := env.planner.BuildPlan(context.TODO(), requests, PlanOptions{})
	c.Assert(err, check.IsNil)

	first, err := env.coordinator.Coordinate(context.TODO(), plan, snapshot)
	c.Assert(err, check.IsNil)
	second, err := env.coordinator.Coordinate(context.TODO(), plan, snapshot)
	c.Assert(err, check.IsNil)

	c.Assert(len(first), check.Equals, len(second))
	for i := range first {
		c.Assert(first[i].Kind(), check.Equals, second[i].Kind())
		c.Assert(first[i].Changes(), check.DeepEquals, second[i].Changes())
	}
}

// TestDownloadStage: a candidate image missing from the local store adds
// the prefetch procedure in front without consuming the change
func (s *CoordinatorSuite) TestDownloadStage(c *check.C) {
	env := newTestEnv(c)
	imageA := testImage("cnapi", 1, 1)
	imageB := testImage("cnapi", 2, 3)
	env.addLocalImage(imageA)
	env.addUpstreamImage(imageB)
	env.addVMService("cnapi", imageA, headnodeUUID)

	plan, snapshot, err := env.planner.BuildPlan(context.TODO(),
		[]ChangeRequest{{Type: storage.ChangeTypeUpdateService, Service: "cnapi"}},
		PlanOptions{})
	c.Assert(err, check.IsNil)

	procs, err := env.coordinator.Coordinate(context.TODO(), plan, snapshot)
	c.Assert(err, check.IsNil)
	c.Assert(procs, check.HasLen, 2)
	c.Assert(procs[0].Kind(), check.Equals, procedures.KindDownloadImages)
	c.Assert(procs[1].Kind(), check.Equals, procedures.KindUpdateStatelessServicesV1)
}

// TestJustImagesKeepsOnlyDownload: the prefetch-only mode discards every
// procedure but the download
func (s *CoordinatorSuite) TestJustImagesKeepsOnlyDownload(c *check.C) {
	env := newTestEnv(c)
	imageA := testImage("cnapi", 1, 1)
	imageB := testImage("cnapi", 2, 3)
	env.addLocalImage(imageA)
	env.addUpstreamImage(imageB)
	env.addVMService("cnapi", imageA, headnodeUUID)

	plan, snapshot, err := env.planner.BuildPlan(context.TODO(),
		[]ChangeRequest{{Type: storage.ChangeTypeUpdateService, Service: "cnapi"}},
		PlanOptions{JustImages: true})
	c.Assert(err, check.IsNil)

	procs, err := env.coordinator.Coordinate(context.TODO(), plan, snapshot)
	c.Assert(err, check.IsNil)
	c.Assert(procs, check.HasLen, 1)
	c.Assert(procs[0].Kind(), check.Equals, procedures.KindDownloadImages)
}

// TestInstanceOffHeadnodeIsUnsupported: a stateless service pinned to a
// regular node is left unhandled and fails the plan
func (s *CoordinatorSuite) TestInstanceOffHeadnodeIsUnsupported(c *check.C) {
	env := newTestEnv(c)
	imageA := testImage("cnapi", 1, 1)
	imageB := testImage("cnapi", 2, 3)
	env.addLocalImage(imageA)
	env.addLocalImage(imageB)
	env.addVMService("cnapi", imageA, node01UUID)

	plan, snapshot, err := env.planner.BuildPlan(context.TODO(),
		[]ChangeRequest{{Type: storage.ChangeTypeUpdateService, Service: "cnapi"}},
		PlanOptions{})
	c.Assert(err, check.IsNil)

	_, err = env.coordinator.Coordinate(context.TODO(), plan, snapshot)
	c.Assert(err, check.NotNil)
	c.Assert(IsUpdateError(err), check.Equals, true)
	c.Assert(err, check.ErrorMatches, ".*do not support the following changes.*")
}
