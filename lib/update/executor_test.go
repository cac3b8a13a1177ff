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
	"io/ioutil"
	"path/filepath"
	"time"

	"github.com/gravitational/fleetadm/lib/remote"
	"github.com/gravitational/fleetadm/lib/storage"
	"github.com/gravitational/fleetadm/lib/update/procedures"
	"github.com/gravitational/fleetadm/lib/utils"

	"github.com/gravitational/trace"
	"gopkg.in/check.v1"
)

type ExecutorSuite struct{}

var _ = check.Suite(&ExecutorSuite{})

type fakeProcedure struct {
	kind procedures.Kind
	fail bool
	ran  *[]procedures.Kind
}

func (p *fakeProcedure) Kind() procedures.Kind { return p.kind }
func (p *fakeProcedure) Summarize() string { return string(p.kind) }
func (p *fakeProcedure) Changes() []storage.Change { return nil }

func (p *fakeProcedure) Execute(ctx context.Context, params procedures.Params) error {
	*p.ran = append(*p.ran, p.kind)
	if p.fail {
		return trace.BadParameter("procedure blew up")
	}
	return nil
}

type nopRunner struct{}

func (nopRunner) Exec(ctx context.Context, serverUUID, script string) (*remote.Result, error) {
	return &remote.Result{ExitStatus: 0}, nil
}

func (nopRunner) Broadcast(ctx context.Context, script string) (map[string]*remote.Result, error) {
	return nil, nil
}

func (s *ExecutorSuite) newExecutor(c *check.C, dir string) (*Executor, storage.HistoryStore) {
	history, err := storage.NewBolt(storage.BoltConfig{
		Path: filepath.Join(dir, "history.db"),
	})
	c.Assert(err, check.IsNil)
	executor, err := NewExecutor(ExecutorConfig{
		Procedures: procedures.Params{
			Registry: &fakeRegistry{},
			Nodes:    &fakeNodes{},
			Store:    &fakeStore{images: map[string]storage.Image{}},
			Runner:   nopRunner{},
		},
		History:    history,
		Lock:       utils.NewFileLock(filepath.Join(dir, "fleetadm.lock"), time.Second),
		UpdatesDir: filepath.Join(dir, "updates"),
	})
	c.Assert(err, check.IsNil)
	return executor, history
}

func (s *ExecutorSuite) testPlan() *storage.UpdatePlan {
	image := testImage("cnapi", 1, 3)
	return &storage.UpdatePlan{
		V: storage.PlanVersion,
		Changes: []storage.Change{{
			Type:    storage.ChangeTypeUpdateService,
			Service: storage.Service{Name: "cnapi", Type: storage.ServiceTypeVM},
			Image:   &image,
		}},
	}
}

// TestExecutePlanSequencesAndRecords: procedures run in order, the plan
// lands in the work directory and the history record is completed
func (s *ExecutorSuite) TestExecutePlanSequencesAndRecords(c *check.C) {
	dir := c.MkDir()
	executor, history := s.newExecutor(c, dir)
	defer history.Close()

	var ran []procedures.Kind
	err := executor.ExecutePlan(context.TODO(), s.testPlan(), []procedures.Procedure{
		&fakeProcedure{kind: procedures.KindDownloadImages, ran: &ran},
		&fakeProcedure{kind: procedures.KindUpdateStatelessServicesV1, ran: &ran},
	})
	c.Assert(err, check.IsNil)
	c.Assert(ran, check.DeepEquals, []procedures.Kind{
		procedures.KindDownloadImages,
		procedures.KindUpdateStatelessServicesV1,
	})

	// The serialized plan is retained for audit
	workDirs, err := filepath.Glob(filepath.Join(dir, "updates", "*"))
	c.Assert(err, check.IsNil)
	c.Assert(workDirs, check.HasLen, 1)
	data, err := ioutil.ReadFile(filepath.Join(workDirs[0], "plan.json"))
	c.Assert(err, check.IsNil)
	plan, err := storage.UnmarshalPlan(data)
	c.Assert(err, check.IsNil)
	c.Assert(plan.Changes, check.HasLen, 1)

	// The history record is finished without an error
	records, err := history.ListHistory()
	c.Assert(err, check.IsNil)
	c.Assert(records, check.HasLen, 1)
	c.Assert(records[0].Error, check.Equals, "")
	c.Assert(records[0].FinishedAt.IsZero(), check.Equals, false)
}

// TestFailureAbortsAndIsRecorded: a failing procedure aborts the rest and
// leaves the diagnostic in the history record
func (s *ExecutorSuite) TestFailureAbortsAndIsRecorded(c *check.C) {
	dir := c.MkDir()
	executor, history := s.newExecutor(c, dir)
	defer history.Close()

	var ran []procedures.Kind
	err := executor.ExecutePlan(context.TODO(), s.testPlan(), []procedures.Procedure{
		&fakeProcedure{kind: procedures.KindDownloadImages, fail: true, ran: &ran},
		&fakeProcedure{kind: procedures.KindUpdateStatelessServicesV1, ran: &ran},
	})
	c.Assert(err, check.NotNil)
	c.Assert(ran, check.DeepEquals, []procedures.Kind{procedures.KindDownloadImages})

	records, err := history.ListHistory()
	c.Assert(err, check.IsNil)
	c.Assert(records, check.HasLen, 1)
	c.Assert(records[0].Error, check.Not(check.Equals), "")

	// The lock was released on the failure path
	lock := utils.NewFileLock(filepath.Join(dir, "fleetadm.lock"), time.Second)
	c.Assert(lock.Acquire(utils.NewNopProgress()), check.IsNil)
	c.Assert(lock.Release(), check.IsNil)
}
