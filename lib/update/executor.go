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
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/gravitational/fleetadm/lib/defaults"
	"github.com/gravitational/fleetadm/lib/storage"
	"github.com/gravitational/fleetadm/lib/update/procedures"
	"github.com/gravitational/fleetadm/lib/utils"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/pborman/uuid"
	"github.com/sirupsen/logrus"
)

// ExecutorConfig is the plan executor configuration
type ExecutorConfig struct {
	// Procedures carries the collaborators handed to every procedure
	Procedures procedures.Params
	// History persists the execution records
	History storage.HistoryStore
	// Lock serializes mutating operations on this host
	Lock *utils.FileLock
	// UpdatesDir is the base directory for per-update work directories
	UpdatesDir string
	// Clock supplies timestamps
	Clock clockwork.Clock
	// Progress streams step updates to the operator
	Progress utils.Progress
	// FieldLogger is used for logging
	logrus.FieldLogger
}

// CheckAndSetDefaults validates the configuration and sets defaults
func (c *ExecutorConfig) CheckAndSetDefaults() error {
	if c.History == nil {
		return trace.BadParameter("missing History")
	}
	if c.Lock == nil {
		c.Lock = utils.NewFileLock(defaults.LockPath, defaults.LockWaitNotice)
	}
	if c.UpdatesDir == "" {
		c.UpdatesDir = defaults.UpdatesDir
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Progress == nil {
		c.Progress = utils.NewNopProgress()
	}
	if c.FieldLogger == nil {
		c.FieldLogger = logrus.WithField(trace.Component, "fleetadm:executor")
	}
	return nil
}

// Executor drives a plan's procedures to completion
type Executor struct {
	ExecutorConfig
}

// NewExecutor returns a new executor for the specified configuration
func NewExecutor(config ExecutorConfig) (*Executor, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Executor{ExecutorConfig: config}, nil
}

// ExecutePlan serializes the plan into a fresh work directory and runs its
// procedures strictly sequentially under the advisory lock. The work
// directory and the history record survive failures for inspection.
func (e *Executor) ExecutePlan(ctx context.Context, plan *storage.UpdatePlan, procs []procedures.Procedure) (err error) {
	if err := e.Lock.Acquire(e.Progress); err != nil {
		return trace.Wrap(err)
	}
	defer func() {
		if errRelease := e.Lock.Release(); errRelease != nil && err == nil {
			err = trace.Wrap(errRelease)
		}
	}()

	workDir, err := e.prepareWorkDir(plan)
	if err != nil {
		return trace.Wrap(err)
	}
	e.Progress.Print("Update work directory: %v", workDir)

	record := storage.HistoryRecord{
		UUID:      uuid.New(),
		Changes:   plan.Changes,
		StartedAt: e.Clock.Now().UTC(),
	}
	if err := e.History.SaveHistory(record); err != nil {
		return trace.Wrap(err)
	}

	err = e.executeProcedures(ctx, workDir, procs)

	record.FinishedAt = e.Clock.Now().UTC()
	if err != nil {
		record.Error = trace.UserMessage(err)
	}
	if errHistory := e.History.UpdateHistory(record); errHistory != nil {
		e.WithError(errHistory).Error("Failed to update history record.")
	}
	return trace.Wrap(err)
}

func (e *Executor) executeProcedures(ctx context.Context, workDir string, procs []procedures.Procedure) error {
	logFile, err := os.OpenFile(
		filepath.Join(workDir, defaults.InstallLogFilename),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, defaults.SharedReadMask)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer logFile.Close()

	// Per-procedure details go to install.log inside the work directory
	installLogger := logrus.New()
	installLogger.SetOutput(logFile)

	params := e.Procedures
	params.WorkDir = workDir
	params.Progress = e.Progress
	params.FieldLogger = installLogger.WithField(trace.Component, "fleetadm:install")
	if err := params.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}

	for i, proc := range procs {
		e.WithField("procedure", proc.Kind()).Info("Executing procedure.")
		e.Progress.Print("Running %v (%v/%v): %v",
			proc.Kind(), i+1, len(procs), proc.Summarize())
		if err := proc.Execute(ctx, params); err != nil {
			// Remaining procedures are abandoned; the work directory
			// keeps the partial state for the operator
			return trace.Wrap(err, "procedure %v failed", proc.Kind())
		}
	}
	return nil
}

// prepareWorkDir creates the timestamped work directory and serializes the
// plan into it
func (e *Executor) prepareWorkDir(plan *storage.UpdatePlan) (string, error) {
	stamp := e.Clock.Now().UTC().Format("20060102T150405Z")
	workDir := filepath.Join(e.UpdatesDir, stamp)
	if err := os.MkdirAll(workDir, defaults.SharedDirMask); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	data, err := storage.MarshalPlan(*plan)
	if err != nil {
		return "", trace.Wrap(err)
	}
	err = ioutil.WriteFile(filepath.Join(workDir, defaults.PlanFilename),
		data, defaults.SharedReadMask)
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	return workDir, nil
}

// LoadPlan reads a previously serialized plan from the specified work
// directory
func LoadPlan(workDir string) (*storage.UpdatePlan, error) {
	data, err := ioutil.ReadFile(filepath.Join(workDir, defaults.PlanFilename))
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	plan, err := storage.UnmarshalPlan(data)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return plan, nil
}

// MaintenanceWindow is the persisted read-only maintenance marker
type MaintenanceWindow struct {
	// StartTime is when the datacenter entered read-only mode
	StartTime time.Time `json:"startTime"`
}

// ReadMaintenance returns the active maintenance window, or a not-found
// error when the datacenter is not in maintenance
func ReadMaintenance(path string) (*MaintenanceWindow, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("no maintenance window is active")
		}
		return nil, trace.ConvertSystemError(err)
	}
	var window MaintenanceWindow
	if err := json.Unmarshal(data, &window); err != nil {
		return nil, trace.Wrap(err, "malformed maintenance marker %v", path)
	}
	return &window, nil
}

// WriteMaintenance persists the maintenance marker
func WriteMaintenance(path string, window MaintenanceWindow) error {
	data, err := json.MarshalIndent(window, "", "    ")
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.ConvertSystemError(
		ioutil.WriteFile(path, data, defaults.SharedReadMask))
}
