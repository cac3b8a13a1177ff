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

// Package images selects candidate image artifacts for service updates.
package images

import (
	"context"
	"strings"

	"github.com/gravitational/fleetadm/lib/clients"
	"github.com/gravitational/fleetadm/lib/defaults"
	"github.com/gravitational/fleetadm/lib/storage"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// VersionPredicate decides whether an image version is acceptable as an
// update candidate
type VersionPredicate func(version string) bool

// MatchVersionSubstring returns the default predicate accepting versions
// that contain the specified channel marker
func MatchVersionSubstring(marker string) VersionPredicate {
	return func(version string) bool {
		return strings.Contains(version, marker)
	}
}

// Config is the resolver configuration
type Config struct {
	// Store is the local image service
	Store clients.ImageStore
	// Registry is the upstream image registry
	Registry clients.ImageRegistry
	// Filter is the version predicate applied to candidates
	Filter VersionPredicate
	// ImageName maps a service name to the image name its instances run.
	// When nil the service name is used verbatim.
	ImageName func(serviceName string) string
	// FieldLogger is used for logging
	logrus.FieldLogger
}

// CheckAndSetDefaults validates the configuration and sets defaults
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing Store")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing Registry")
	}
	if c.Filter == nil {
		c.Filter = MatchVersionSubstring(defaults.VersionFilter)
	}
	if c.ImageName == nil {
		c.ImageName = func(serviceName string) string { return serviceName }
	}
	if c.FieldLogger == nil {
		c.FieldLogger = logrus.WithField(trace.Component, "fleetadm:images")
	}
	return nil
}

// Resolver computes candidate images for services and resolves image
// references
type Resolver struct {
	Config
}

// NewResolver returns a new resolver for the specified configuration
func NewResolver(config Config) (*Resolver, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Resolver{Config: config}, nil
}

// Candidates returns the candidate images for updating the specified
// service, ordered by publish time ascending. The set is the union of the
// images currently in use by the service's instances and the images of the
// same name published after the oldest image in use. An image in use that
// is found neither in the local store nor upstream is omitted.
func (r *Resolver) Candidates(ctx context.Context, service storage.Service, current storage.Instances) ([]storage.Image, error) {
	inUse := map[string]struct{}{}
	for _, instance := range current {
		if instance.ImageID != "" {
			inUse[instance.ImageID] = struct{}{}
		}
	}
	if len(inUse) == 0 && service.Params != nil && service.Params.ImageUUID != "" {
		// No instances yet, seed from the service default image
		inUse[service.Params.ImageUUID] = struct{}{}
	}
	if len(inUse) == 0 {
		return nil, nil
	}

	var candidates []storage.Image
	for uuid := range inUse {
		image, err := r.ResolveImage(ctx, uuid)
		if err != nil {
			if trace.IsNotFound(err) {
				// The image was garbage-collected locally and is gone
				// upstream as well
				r.Warnf("Image %v in use but not found, omitting.", uuid)
				continue
			}
			return nil, trace.Wrap(err)
		}
		candidates = append(candidates, *image)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	storage.SortImagesByPublishedAt(candidates)
	oldest := candidates[0]

	published, err := r.Registry.ListImages(ctx, clients.ListImagesRequest{
		Name:           r.ImageName(service.Name),
		PublishedSince: oldest.PublishedAt.Format("2006-01-02T15:04:05.000Z"),
	})
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	seen := map[string]struct{}{}
	for _, image := range candidates {
		seen[image.UUID] = struct{}{}
	}
	for _, image := range published {
		if _, ok := seen[image.UUID]; ok {
			continue
		}
		seen[image.UUID] = struct{}{}
		candidates = append(candidates, image)
	}

	filtered := candidates[:0]
	for _, image := range candidates {
		if r.Filter(image.Version) {
			filtered = append(filtered, image)
		}
	}
	storage.SortImagesByPublishedAt(filtered)
	return filtered, nil
}

// ResolveImage returns the image with the specified id, consulting the
// local image service first and falling back to the upstream registry.
// A missing image is reported as a not-found error distinct from transport
// failures.
func (r *Resolver) ResolveImage(ctx context.Context, uuid string) (*storage.Image, error) {
	image, err := r.Store.GetImage(ctx, uuid)
	if err == nil {
		return image, nil
	}
	if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	image, err = r.Registry.GetImage(ctx, uuid)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("image %v not found locally or upstream", uuid)
		}
		return nil, trace.Wrap(err)
	}
	return image, nil
}
