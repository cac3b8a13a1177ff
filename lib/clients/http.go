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

package clients

import (
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/gravitational/fleetadm/lib/defaults"
	"github.com/gravitational/fleetadm/lib/storage"
	"github.com/gravitational/fleetadm/lib/utils"

	"github.com/cenkalti/backoff"
	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
)

// APIVersion is the version prefix shared by the fleet HTTP APIs
const APIVersion = "v1"

// convertResponse turns non-2xx replies into the matching trace error class
// so a missing resource is distinguishable from a transport failure
func convertResponse(re *roundtrip.Response, err error) (*roundtrip.Response, error) {
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if re.Code() < 200 || re.Code() > 299 {
		return nil, trace.ReadError(re.Code(), re.Bytes())
	}
	return re, nil
}

// isStatusError returns true for errors derived from an HTTP status the
// server deliberately replied with, as opposed to transport failures
func isStatusError(err error) bool {
	return trace.IsNotFound(err) || trace.IsAlreadyExists(err) ||
		trace.IsAccessDenied(err) || trace.IsBadParameter(err) ||
		trace.IsCompareFailed(err) || trace.IsLimitExceeded(err)
}

// getJSON issues a GET, retrying transient transport failures, and decodes
// the reply into out
func getJSON(ctx context.Context, clt *roundtrip.Client, endpoint string, params url.Values, out interface{}) error {
	var re *roundtrip.Response
	err := utils.RetryTransient(ctx,
		utils.NewExponentialBackOff(defaults.ClientTimeout),
		func() (err error) {
			re, err = convertResponse(clt.Get(ctx, endpoint, params))
			if err != nil && isStatusError(err) {
				// The server answered; retrying will not change its mind
				return &backoff.PermanentError{Err: err}
			}
			return trace.Wrap(err)
		})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(re.Bytes(), out); err != nil {
		return trace.Wrap(err, "invalid response from %v", endpoint)
	}
	return nil
}

// NewServiceRegistry returns an HTTP client for the service registry at addr
func NewServiceRegistry(addr string, params ...roundtrip.ClientParam) (ServiceRegistry, error) {
	clt, err := roundtrip.NewClient(addr, APIVersion, params...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &serviceRegistryClient{Client: clt}, nil
}

type serviceRegistryClient struct {
	*roundtrip.Client
}

func (c *serviceRegistryClient) ListApplications(ctx context.Context) (apps []Application, err error) {
	err = getJSON(ctx, c.Client, c.Endpoint("applications"), url.Values{}, &apps)
	return apps, trace.Wrap(err, "service registry")
}

func (c *serviceRegistryClient) ListServices(ctx context.Context, req ListServicesRequest) (services []RegistryService, err error) {
	params := url.Values{}
	if req.Type != "" {
		params.Set("type", req.Type)
	}
	if req.Name != "" {
		params.Set("name", req.Name)
	}
	err = getJSON(ctx, c.Client, c.Endpoint("services"), params, &services)
	return services, trace.Wrap(err, "service registry")
}

func (c *serviceRegistryClient) ListInstances(ctx context.Context, req ListInstancesRequest) (instances []RegistryInstance, err error) {
	params := url.Values{}
	if req.Type != "" {
		params.Set("type", req.Type)
	}
	if req.ServiceUUID != "" {
		params.Set("service_uuid", req.ServiceUUID)
	}
	err = getJSON(ctx, c.Client, c.Endpoint("instances"), params, &instances)
	return instances, trace.Wrap(err, "service registry")
}

func (c *serviceRegistryClient) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*RegistryInstance, error) {
	re, err := convertResponse(c.PostJSON(ctx, c.Endpoint("instances"), req))
	if err != nil {
		return nil, trace.Wrap(err, "service registry")
	}
	var instance RegistryInstance
	if err := json.Unmarshal(re.Bytes(), &instance); err != nil {
		return nil, trace.Wrap(err)
	}
	return &instance, nil
}

func (c *serviceRegistryClient) UpdateService(ctx context.Context, serviceUUID string, params map[string]interface{}) error {
	_, err := convertResponse(c.PutJSON(ctx, c.Endpoint("services", serviceUUID),
		map[string]interface{}{"params": params}))
	return trace.Wrap(err, "service registry")
}

func (c *serviceRegistryClient) ReprovisionInstance(ctx context.Context, instanceUUID, imageUUID string) error {
	_, err := convertResponse(c.PostJSON(ctx,
		c.Endpoint("instances", instanceUUID, "reprovision"),
		map[string]string{"image_uuid": imageUUID}))
	return trace.Wrap(err, "service registry")
}

func (c *serviceRegistryClient) GetMode(ctx context.Context) (RegistryMode, error) {
	var payload struct {
		Mode string `json:"mode"`
	}
	err := getJSON(ctx, c.Client, c.Endpoint("mode"), url.Values{}, &payload)
	if err != nil {
		return "", trace.Wrap(err, "service registry")
	}
	return RegistryMode(payload.Mode), nil
}

func (c *serviceRegistryClient) SetMode(ctx context.Context, mode RegistryMode) error {
	_, err := convertResponse(c.PostJSON(ctx, c.Endpoint("mode"),
		map[string]string{"mode": string(mode)}))
	return trace.Wrap(err, "service registry")
}

// NewVMManager returns an HTTP client for the VM manager at addr
func NewVMManager(addr string, params ...roundtrip.ClientParam) (VMManager, error) {
	clt, err := roundtrip.NewClient(addr, APIVersion, params...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &vmManagerClient{Client: clt}, nil
}

type vmManagerClient struct {
	*roundtrip.Client
}

func (c *vmManagerClient) ListVMs(ctx context.Context, req ListVMsRequest) (vms []VM, err error) {
	params := url.Values{}
	if req.OwnerUUID != "" {
		params.Set("owner_uuid", req.OwnerUUID)
	}
	if len(req.States) != 0 {
		params.Set("state", strings.Join(req.States, ","))
	}
	err = getJSON(ctx, c.Client, c.Endpoint("vms"), params, &vms)
	return vms, trace.Wrap(err, "vm manager")
}

func (c *vmManagerClient) AddNics(ctx context.Context, vmUUID string, networks []string) error {
	_, err := convertResponse(c.PostJSON(ctx, c.Endpoint("vms", vmUUID, "nics"),
		map[string][]string{"networks": networks}))
	return trace.Wrap(err, "vm manager")
}

// NewImageStore returns an HTTP client for the local image service at addr
func NewImageStore(addr string, params ...roundtrip.ClientParam) (ImageStore, error) {
	clt, err := roundtrip.NewClient(addr, APIVersion, params...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &imageStoreClient{Client: clt}, nil
}

type imageStoreClient struct {
	*roundtrip.Client
}

func (c *imageStoreClient) GetImage(ctx context.Context, uuid string) (*storage.Image, error) {
	var image storage.Image
	err := getJSON(ctx, c.Client, c.Endpoint("images", uuid), url.Values{}, &image)
	if err != nil {
		return nil, trace.Wrap(err, "image store")
	}
	return &image, nil
}

func (c *imageStoreClient) ListImages(ctx context.Context, req ListImagesRequest) (images []storage.Image, err error) {
	err = getJSON(ctx, c.Client, c.Endpoint("images"), imageListParams(req), &images)
	return images, trace.Wrap(err, "image store")
}

func (c *imageStoreClient) GetImageFile(ctx context.Context, uuid, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer file.Close()
	re, err := c.GetFile(ctx, c.Endpoint("images", uuid, "file"), url.Values{})
	if err != nil {
		return trace.Wrap(err, "image store")
	}
	defer re.Body().Close()
	if re.Code() < 200 || re.Code() > 299 {
		bytes, err := ioutil.ReadAll(re.Body())
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.ReadError(re.Code(), bytes)
	}
	if _, err := io.Copy(file, re.Body()); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

func (c *imageStoreClient) ImportImage(ctx context.Context, uuid string) error {
	_, err := convertResponse(c.PostJSON(ctx,
		c.Endpoint("images", uuid, "import"), struct{}{}))
	return trace.Wrap(err, "image store")
}

// NewImageRegistry returns an HTTP client for the upstream image registry
// at addr
func NewImageRegistry(addr string, params ...roundtrip.ClientParam) (ImageRegistry, error) {
	clt, err := roundtrip.NewClient(addr, APIVersion, params...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &imageRegistryClient{Client: clt}, nil
}

type imageRegistryClient struct {
	*roundtrip.Client
}

func (c *imageRegistryClient) GetImage(ctx context.Context, uuid string) (*storage.Image, error) {
	var image storage.Image
	err := getJSON(ctx, c.Client, c.Endpoint("images", uuid), url.Values{}, &image)
	if err != nil {
		return nil, trace.Wrap(err, "image registry")
	}
	return &image, nil
}

func (c *imageRegistryClient) ListImages(ctx context.Context, req ListImagesRequest) (images []storage.Image, err error) {
	err = getJSON(ctx, c.Client, c.Endpoint("images"), imageListParams(req), &images)
	return images, trace.Wrap(err, "image registry")
}

func imageListParams(req ListImagesRequest) url.Values {
	params := url.Values{}
	if req.Name != "" {
		params.Set("name", req.Name)
	}
	if req.PublishedSince != "" {
		params.Set("published_since", req.PublishedSince)
	}
	return params
}

// NewNodeInventory returns an HTTP client for the node inventory at addr
func NewNodeInventory(addr string, params ...roundtrip.ClientParam) (NodeInventory, error) {
	clt, err := roundtrip.NewClient(addr, APIVersion, params...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &nodeInventoryClient{Client: clt}, nil
}

type nodeInventoryClient struct {
	*roundtrip.Client
}

func (c *nodeInventoryClient) ListServers(ctx context.Context, extras ...string) (servers []NodeServer, err error) {
	params := url.Values{}
	if len(extras) != 0 {
		params.Set("extras", strings.Join(extras, ","))
	}
	err = getJSON(ctx, c.Client, c.Endpoint("servers"), params, &servers)
	return servers, trace.Wrap(err, "node inventory")
}

func (c *nodeInventoryClient) ListPlatforms(ctx context.Context) (platforms []string, err error) {
	err = getJSON(ctx, c.Client, c.Endpoint("platforms"), url.Values{}, &platforms)
	return platforms, trace.Wrap(err, "node inventory")
}

func (c *nodeInventoryClient) CommandExecute(ctx context.Context, serverUUID, script string) (string, error) {
	re, err := convertResponse(c.PostJSON(ctx,
		c.Endpoint("servers", serverUUID, "execute"),
		map[string]string{"script": script}))
	if err != nil {
		return "", trace.Wrap(err, "node inventory")
	}
	return string(re.Bytes()), nil
}

func (c *nodeInventoryClient) SetBootParams(ctx context.Context, serverUUID string, params map[string]string) error {
	_, err := convertResponse(c.PutJSON(ctx,
		c.Endpoint("boot", serverUUID), map[string]interface{}{"kernel_args": params}))
	return trace.Wrap(err, "node inventory")
}

// NewNetworkRegistry returns an HTTP client for the network registry at addr
func NewNetworkRegistry(addr string, params ...roundtrip.ClientParam) (NetworkRegistry, error) {
	clt, err := roundtrip.NewClient(addr, APIVersion, params...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &networkRegistryClient{Client: clt}, nil
}

type networkRegistryClient struct {
	*roundtrip.Client
}

func (c *networkRegistryClient) ListNetworks(ctx context.Context) (networks []Network, err error) {
	err = getJSON(ctx, c.Client, c.Endpoint("networks"), url.Values{}, &networks)
	return networks, trace.Wrap(err, "network registry")
}

func (c *networkRegistryClient) ListNics(ctx context.Context, vmUUID string) (nics []NIC, err error) {
	params := url.Values{}
	params.Set("belongs_to_uuid", vmUUID)
	err = getJSON(ctx, c.Client, c.Endpoint("nics"), params, &nics)
	return nics, trace.Wrap(err, "network registry")
}

// NewWorkflowEngine returns an HTTP client for the workflow engine at addr
func NewWorkflowEngine(addr string, params ...roundtrip.ClientParam) (WorkflowEngine, error) {
	clt, err := roundtrip.NewClient(addr, APIVersion, params...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &workflowEngineClient{Client: clt}, nil
}

type workflowEngineClient struct {
	*roundtrip.Client
}

func (c *workflowEngineClient) ListJobs(ctx context.Context, execution string, limit int) (jobs []Job, err error) {
	params := url.Values{}
	params.Set("execution", execution)
	params.Set("limit", strconv.Itoa(limit))
	err = getJSON(ctx, c.Client, c.Endpoint("jobs"), params, &jobs)
	return jobs, trace.Wrap(err, "workflow engine")
}
