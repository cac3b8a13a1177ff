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

// Package remote provides the single transport surface for executing shell
// scripts on fleet servers through the remote-exec fanout service.
package remote

import (
	"context"
	"encoding/json"

	"github.com/gravitational/trace"
)

// Result is the structured result of one remote script execution
type Result struct {
	// ExitStatus is the script exit code
	ExitStatus int `json:"exit_status"`
	// Stdout is the captured standard output
	Stdout string `json:"stdout"`
	// Stderr is the captured standard error
	Stderr string `json:"stderr"`
}

// Check returns an error if the script exited non-zero
func (r Result) Check() error {
	if r.ExitStatus != 0 {
		return trace.BadParameter("remote command exited %v: %v",
			r.ExitStatus, r.Stderr)
	}
	return nil
}

// Runner executes shell scripts on fleet servers
type Runner interface {
	// Exec runs the script on the server with the specified UUID
	Exec(ctx context.Context, serverUUID, script string) (*Result, error)
	// Broadcast runs the script on every server and returns the results
	// keyed by server UUID
	Broadcast(ctx context.Context, script string) (map[string]*Result, error)
}

// ParseResult decodes the JSON envelope the fanout transport returns for a
// single execution
func ParseResult(data []byte) (*Result, error) {
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, trace.Wrap(err, "malformed remote execution envelope")
	}
	return &result, nil
}
