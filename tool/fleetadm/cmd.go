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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/gravitational/fleetadm/lib/clients"
	"github.com/gravitational/fleetadm/lib/defaults"
	"github.com/gravitational/fleetadm/lib/images"
	"github.com/gravitational/fleetadm/lib/inventory"
	"github.com/gravitational/fleetadm/lib/remote"
	"github.com/gravitational/fleetadm/lib/storage"
	"github.com/gravitational/fleetadm/lib/update"
	"github.com/gravitational/fleetadm/lib/update/procedures"
	"github.com/gravitational/fleetadm/lib/utils"

	"github.com/ghodss/yaml"
	"github.com/gravitational/trace"
	"gopkg.in/alecthomas/kingpin.v2"
)

type application struct {
	registryAddr string
	vmsAddr      string
	nodesAddr    string
	storeAddr    string
	upstreamAddr string
	networksAddr string
	workflowAddr string
	historyPath  string
	updatesDir   string

	updateChanges  *string
	updateServices *[]string
	forceRabbitmq  *bool
	forceSameImage *bool
	justImages     *bool
	dryRun         *bool

	historyCmd *kingpin.CmdClause
	updateCmd  *kingpin.CmdClause
}

func run(app *kingpin.Application) error {
	var a application
	app.Flag("registry-addr", "Service registry address").
		Default("http://sapi.svc").StringVar(&a.registryAddr)
	app.Flag("vms-addr", "VM manager address").
		Default("http://vmapi.svc").StringVar(&a.vmsAddr)
	app.Flag("nodes-addr", "Node inventory address").
		Default("http://cnapi.svc").StringVar(&a.nodesAddr)
	app.Flag("store-addr", "Local image store address").
		Default("http://imgapi.svc").StringVar(&a.storeAddr)
	app.Flag("upstream-addr", "Upstream image registry address").
		Default("https://updates.example.com").StringVar(&a.upstreamAddr)
	app.Flag("networks-addr", "Network registry address").
		Default("http://napi.svc").StringVar(&a.networksAddr)
	app.Flag("workflow-addr", "Workflow engine address").
		Default("http://workflow.svc").StringVar(&a.workflowAddr)
	app.Flag("history-db", "History database path").
		Default(defaults.HistoryPath).StringVar(&a.historyPath)
	app.Flag("updates-dir", "Work directory root").
		Default(defaults.UpdatesDir).StringVar(&a.updatesDir)

	a.updateCmd = app.Command("update", "Plan and execute service updates")
	a.updateChanges = a.updateCmd.Flag("changes",
		"File with a JSON list of change requests").String()
	a.updateServices = a.updateCmd.Arg("service",
		"Services to update to their latest candidate image").Strings()
	a.forceRabbitmq = a.updateCmd.Flag("force-rabbitmq",
		"Allow updates of the rabbitmq service").Bool()
	a.forceSameImage = a.updateCmd.Flag("force-same-image",
		"Update services already running the target image").Bool()
	a.justImages = a.updateCmd.Flag("just-images",
		"Only prefetch the images, do not update anything").Bool()
	a.dryRun = a.updateCmd.Flag("dry-run",
		"Print the plan without executing it").Bool()

	a.historyCmd = app.Command("history", "Show past update events")
	maintCmd := app.Command("dc-maint", "Show the datacenter maintenance state")

	cmd, err := app.Parse(os.Args[1:])
	if err != nil {
		return trace.Wrap(err)
	}
	switch cmd {
	case a.updateCmd.FullCommand():
		return trace.Wrap(a.runUpdate(context.Background()))
	case a.historyCmd.FullCommand():
		return trace.Wrap(a.runHistory())
	case maintCmd.FullCommand():
		return trace.Wrap(runMaintenanceStatus())
	}
	return trace.BadParameter("unknown command %q", cmd)
}

func runMaintenanceStatus() error {
	window, err := update.ReadMaintenance(defaults.DCMaintPath)
	if err != nil {
		if trace.IsNotFound(err) {
			fmt.Println("DC maintenance: off")
			return nil
		}
		return trace.Wrap(err)
	}
	fmt.Printf("DC maintenance: on (since %v)\n",
		window.StartTime.Format("2006-01-02T15:04:05Z"))
	return nil
}

func (a *application) runUpdate(ctx context.Context) error {
	requests, err := a.changeRequests()
	if err != nil {
		return trace.Wrap(err)
	}

	registry, err := clients.NewServiceRegistry(a.registryAddr)
	if err != nil {
		return trace.Wrap(err)
	}
	vms, err := clients.NewVMManager(a.vmsAddr)
	if err != nil {
		return trace.Wrap(err)
	}
	nodes, err := clients.NewNodeInventory(a.nodesAddr)
	if err != nil {
		return trace.Wrap(err)
	}
	store, err := clients.NewImageStore(a.storeAddr)
	if err != nil {
		return trace.Wrap(err)
	}
	upstream, err := clients.NewImageRegistry(a.upstreamAddr)
	if err != nil {
		return trace.Wrap(err)
	}
	networks, err := clients.NewNetworkRegistry(a.networksAddr)
	if err != nil {
		return trace.Wrap(err)
	}
	workflow, err := clients.NewWorkflowEngine(a.workflowAddr)
	if err != nil {
		return trace.Wrap(err)
	}

	collector, err := inventory.NewCollector(inventory.Config{
		Registry: registry,
		VMs:      vms,
		Nodes:    nodes,
		Images:   store,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	resolver, err := images.NewResolver(images.Config{
		Store:    store,
		Registry: upstream,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	planner, err := update.NewPlanner(update.PlannerConfig{
		Collector: collector,
		Resolver:  resolver,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	progress := utils.NewProgress(os.Stdout)
	plan, snapshot, err := planner.BuildPlan(ctx, requests, update.PlanOptions{
		ForceRabbitmq:  *a.forceRabbitmq,
		ForceSameImage: *a.forceSameImage,
		JustImages:     *a.justImages,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if len(plan.Changes) == 0 {
		progress.Print("Nothing to update.")
		return nil
	}

	coordinator, err := update.NewCoordinator(update.CoordinatorConfig{Store: store})
	if err != nil {
		return trace.Wrap(err)
	}
	procs, err := coordinator.Coordinate(ctx, plan, snapshot)
	if err != nil {
		return trace.Wrap(err)
	}

	if *a.dryRun {
		rendered, err := yaml.Marshal(plan)
		if err != nil {
			return trace.Wrap(err)
		}
		fmt.Printf("%s", rendered)
		for _, proc := range procs {
			progress.Print("Would run %v: %v", proc.Kind(), proc.Summarize())
		}
		return nil
	}

	history, err := storage.NewBolt(storage.BoltConfig{Path: a.historyPath})
	if err != nil {
		return trace.Wrap(err)
	}
	defer history.Close()

	runner, err := remote.NewFanout(remote.FanoutConfig{Nodes: nodes})
	if err != nil {
		return trace.Wrap(err)
	}
	executor, err := update.NewExecutor(update.ExecutorConfig{
		Procedures: procedures.Params{
			Registry:      registry,
			VMs:           vms,
			Nodes:         nodes,
			Store:         store,
			ImageRegistry: upstream,
			Networks:      networks,
			Workflow:      workflow,
			Runner:        runner,
		},
		History:    history,
		UpdatesDir: a.updatesDir,
		Progress:   progress,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(executor.ExecutePlan(ctx, plan, procs))
}

func (a *application) runHistory() error {
	history, err := storage.NewBolt(storage.BoltConfig{Path: a.historyPath})
	if err != nil {
		return trace.Wrap(err)
	}
	defer history.Close()
	records, err := history.ListHistory()
	if err != nil {
		return trace.Wrap(err)
	}
	for _, record := range records {
		status := "ok"
		if record.Error != "" {
			status = "failed: " + record.Error
		}
		fmt.Printf("%v  %v  %v change(s)  %v\n",
			record.StartedAt.Format("2006-01-02T15:04:05Z"),
			record.UUID, len(record.Changes), status)
	}
	return nil
}

// changeRequests builds the request list from the flags: an explicit JSON
// file wins, otherwise each named service becomes an update-service request
func (a *application) changeRequests() ([]update.ChangeRequest, error) {
	if *a.updateChanges != "" {
		data, err := ioutil.ReadFile(*a.updateChanges)
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		var requests []update.ChangeRequest
		if err := json.Unmarshal(data, &requests); err != nil {
			return nil, trace.Wrap(err, "malformed change request file")
		}
		return requests, nil
	}
	if len(*a.updateServices) == 0 {
		return nil, trace.BadParameter(
			"specify services to update or a --changes file")
	}
	requests := make([]update.ChangeRequest, 0, len(*a.updateServices))
	for _, service := range *a.updateServices {
		requests = append(requests, update.ChangeRequest{
			Type:    storage.ChangeTypeUpdateService,
			Service: service,
		})
	}
	return requests, nil
}
