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

package procedures

import (
	"bytes"
	"context"
	"fmt"

	"github.com/gravitational/fleetadm/lib/defaults"
	"github.com/gravitational/fleetadm/lib/storage"
	"github.com/gravitational/fleetadm/lib/utils"

	"github.com/dustin/go-humanize"
	"github.com/gravitational/trace"
	"github.com/olekukonko/tablewriter"
)

// DownloadImages prefetches the images the plan needs into the local image
// store before any service is touched
type DownloadImages struct {
	// Images is the set of images missing from the local store
	Images []storage.Image

	changes []storage.Change
}

// NewDownloadImages returns a download procedure for the specified images
func NewDownloadImages(images []storage.Image, changes []storage.Change) *DownloadImages {
	return &DownloadImages{Images: images, changes: changes}
}

// Kind identifies the procedure class
func (p *DownloadImages) Kind() Kind { return KindDownloadImages }

// Changes returns the plan changes this procedure consumes
func (p *DownloadImages) Changes() []storage.Change { return p.changes }

// Summarize describes the images to download
func (p *DownloadImages) Summarize() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "download %v image(s):\n", len(p.Images))
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"UUID", "Name", "Version", "Age"})
	table.SetBorder(false)
	for _, image := range p.Images {
		table.Append([]string{
			image.UUID, image.Name, image.Version,
			humanize.Time(image.PublishedAt),
		})
	}
	table.Render()
	return buf.String()
}

// Execute imports every missing image, fanning out with a bounded worker
// set
func (p *DownloadImages) Execute(ctx context.Context, params Params) error {
	if err := params.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	params.Progress.NextStep("Downloading %v image(s)", len(p.Images))
	tasks := make([]func() error, 0, len(p.Images))
	for _, image := range p.Images {
		image := image
		tasks = append(tasks, func() error {
			err := utils.RetryTransient(ctx,
				utils.NewExponentialBackOff(defaults.ClientTimeout),
				func() error {
					return trace.Wrap(ensureImageInstalled(ctx, params, image))
				})
			return trace.Wrap(err, "failed to download image %v", image.UUID)
		})
	}
	return trace.Wrap(utils.ParallelLimit(ctx, defaults.ParallelLimit, tasks))
}
