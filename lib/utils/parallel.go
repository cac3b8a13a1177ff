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

package utils

import (
	"context"

	"github.com/gravitational/trace"
)

// CollectErrors exhausts error channel errChan up to its capacity and
// returns an aggregate error if any
func CollectErrors(ctx context.Context, errChan chan error) error {
	var errors []error
	for left := cap(errChan); left > 0; left-- {
		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case err := <-errChan:
			if err != nil {
				errors = append(errors, err)
			}
		}
	}
	return trace.NewAggregate(errors...)
}

// ParallelLimit runs the specified tasks concurrently with at most limit
// in flight at a time. All tasks run to completion; the errors are
// aggregated.
func ParallelLimit(ctx context.Context, limit int, tasks []func() error) error {
	if limit <= 0 {
		return trace.BadParameter("limit must be positive, got %v", limit)
	}
	semCh := make(chan struct{}, limit)
	errChan := make(chan error, len(tasks))
	for _, task := range tasks {
		task := task
		go func() {
			semCh <- struct{}{}
			defer func() { <-semCh }()
			errChan <- task()
		}()
	}
	return trace.Wrap(CollectErrors(ctx, errChan))
}
