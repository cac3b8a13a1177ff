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

package remote

import (
	"context"
	"sync"

	"github.com/gravitational/fleetadm/lib/clients"
	"github.com/gravitational/fleetadm/lib/defaults"
	"github.com/gravitational/fleetadm/lib/utils"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// FanoutConfig configures the node inventory backed runner
type FanoutConfig struct {
	// Nodes executes scripts on fleet servers
	Nodes clients.NodeInventory
	// FieldLogger is used for logging
	logrus.FieldLogger
}

// CheckAndSetDefaults validates the configuration and sets defaults
func (c *FanoutConfig) CheckAndSetDefaults() error {
	if c.Nodes == nil {
		return trace.BadParameter("missing Nodes")
	}
	if c.FieldLogger == nil {
		c.FieldLogger = logrus.WithField(trace.Component, "fleetadm:remote")
	}
	return nil
}

// Fanout runs scripts on fleet servers through the node inventory's
// command execution endpoint
type Fanout struct {
	FanoutConfig
}

// NewFanout returns a runner over the specified configuration
func NewFanout(config FanoutConfig) (*Fanout, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Fanout{FanoutConfig: config}, nil
}

// Exec runs the script on the server with the specified UUID
func (f *Fanout) Exec(ctx context.Context, serverUUID, script string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, defaults.RemoteExecTimeout)
	defer cancel()
	f.WithField("server", serverUUID).Debug("Execute remote script.")
	envelope, err := f.Nodes.CommandExecute(ctx, serverUUID, script)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := ParseResult([]byte(envelope))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

// Broadcast runs the script on every server with a bounded fan-out and
// returns the results keyed by server UUID
func (f *Fanout) Broadcast(ctx context.Context, script string) (map[string]*Result, error) {
	servers, err := f.Nodes.ListServers(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var mu sync.Mutex
	results := make(map[string]*Result, len(servers))
	tasks := make([]func() error, 0, len(servers))
	for _, server := range servers {
		server := server
		tasks = append(tasks, func() error {
			result, err := f.Exec(ctx, server.UUID, script)
			if err != nil {
				return trace.Wrap(err, "server %v", server.UUID)
			}
			mu.Lock()
			results[server.UUID] = result
			mu.Unlock()
			return nil
		})
	}
	if err := utils.ParallelLimit(ctx, defaults.ParallelLimit, tasks); err != nil {
		return nil, trace.Wrap(err)
	}
	return results, nil
}
