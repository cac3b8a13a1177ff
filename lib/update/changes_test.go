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
	"github.com/gravitational/fleetadm/lib/storage"

	"gopkg.in/check.v1"
)

type ChangesSuite struct{}

var _ = check.Suite(&ChangesSuite{})

func (s *ChangesSuite) TestValidShapes(c *check.C) {
	valid := []ChangeRequest{
		{Type: storage.ChangeTypeCreateInstance, Service: "cnapi", Server: "headnode"},
		{Type: storage.ChangeTypeDeleteInstance, Service: "vm-agent", Server: "node01"},
		{Type: storage.ChangeTypeDeleteInstance, Instance: "22222222-aaaa-bbbb-cccc-000000000001"},
		{Type: storage.ChangeTypeDeleteService, Service: "amon"},
		{Type: storage.ChangeTypeUpdateService, Service: "cnapi"},
		{Type: storage.ChangeTypeUpdateService, Service: "cnapi", Image: "11111111-aaaa-bbbb-cccc-000000000001"},
		{Type: storage.ChangeTypeUpdateInstance, Instance: "22222222-aaaa-bbbb-cccc-000000000001"},
		{Type: storage.ChangeTypeUpdateInstance, UUID: "22222222-aaaa-bbbb-cccc-000000000001"},
		{Type: storage.ChangeTypeUpdateInstance, Alias: "cnapi0"},
	}
	for _, request := range valid {
		c.Assert(validateRequest(request), check.IsNil,
			check.Commentf("request %+v", request))
	}
}

func (s *ChangesSuite) TestInvalidShapes(c *check.C) {
	invalid := []ChangeRequest{
		// No type
		{Service: "cnapi"},
		// Unknown combination of keys
		{Type: storage.ChangeTypeCreateInstance, Service: "cnapi"},
		{Type: storage.ChangeTypeDeleteService, Service: "amon", Server: "headnode"},
		{Type: storage.ChangeTypeUpdateService, Instance: "22222222-aaaa-bbbb-cccc-000000000001"},
		{Type: storage.ChangeTypeUpdateInstance, Service: "cnapi", Instance: "22222222-aaaa-bbbb-cccc-000000000001"},
		{Type: storage.ChangeTypeUpdateInstance, Alias: "cnapi0", Instance: "22222222-aaaa-bbbb-cccc-000000000001"},
		// Conflicting spellings of the instance reference
		{Type: storage.ChangeTypeUpdateInstance,
			Instance: "22222222-aaaa-bbbb-cccc-000000000001",
			UUID:     "22222222-aaaa-bbbb-cccc-000000000002"},
		{Type: "restart-instance", Instance: "22222222-aaaa-bbbb-cccc-000000000001"},
	}
	for _, request := range invalid {
		c.Assert(validateRequest(request), check.NotNil,
			check.Commentf("request %+v", request))
	}
}

func (s *ChangesSuite) TestErrorsAreAggregated(c *check.C) {
	err := ValidateRequests([]ChangeRequest{
		{Service: "cnapi"},
		{Type: storage.ChangeTypeUpdateService, Service: "cnapi"},
		{Type: "restart-instance"},
	})
	c.Assert(err, check.NotNil)
	// Both failures are reported in one pass
	c.Assert(err, check.ErrorMatches, "(?s).*missing type.*")
	c.Assert(err, check.ErrorMatches, "(?s).*restart-instance.*")
}
