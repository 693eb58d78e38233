package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"comfydeploy/internal/frames"
	"comfydeploy/internal/host"
	"comfydeploy/internal/params"
	"comfydeploy/internal/poller"
)

// deployNode submits a deployment run and returns its artifacts. The queue
// variant submits once; the run variant retries submission and can hand
// the run id to the cache instead of waiting.
type deployNode struct {
	deps        Deps
	name        string
	displayName string
	attempts    int
	rich        bool
}

// NewQueueNode creates the single-submit deployment node
func NewQueueNode(d Deps) host.Node {
	return &deployNode{
		deps:        d,
		name:        "ComfyDeploy API Queue",
		displayName: "ComfyDeploy API Queue (Soze)",
		attempts:    1,
	}
}

// NewRunNode creates the retrying deployment node
func NewRunNode(d Deps) host.Node {
	attempts := d.Config.Deploy.SubmitAttempts
	if attempts < 1 {
		attempts = 3
	}
	return &deployNode{
		deps:        d,
		name:        "ComfyDeploy API Run",
		displayName: "ComfyDeploy API Run (Soze)",
		attempts:    attempts,
		rich:        true,
	}
}

func (n *deployNode) Definition() host.Definition {
	inputs := []host.Port{
		{Name: inAPIURL, Type: host.TypeString, Default: n.deps.Config.Deploy.APIURL},
		{Name: inDeployment, Type: host.TypeString, Default: ""},
		{Name: inWaitMax, Type: host.TypeInt, Default: int(n.deps.Config.Poll.WaitMax.Seconds())},
		{Name: inOutputFolder, Type: host.TypeString, Default: "", Optional: true},
		{Name: inParameters, Type: host.TypeString, Default: "", Optional: true},
	}
	if n.rich {
		inputs = append(inputs,
			host.Port{Name: "wait_for_result", Type: host.TypeBoolean, Default: true, Optional: true},
			host.Port{Name: inScope, Type: host.TypeString, Default: "", Optional: true},
		)
	}
	inputs = append(inputs, slotPorts()...)

	return host.Definition{
		Name:        n.name,
		DisplayName: n.displayName,
		Category:    Category,
		Inputs:      inputs,
		Outputs: []host.Port{
			{Name: outPaths, Type: host.TypeString},
			{Name: outImages, Type: host.TypeImage},
			{Name: outVideos, Type: host.TypeString},
			{Name: outRunID, Type: host.TypeString},
		},
		OutputNode: true,
	}
}

func (n *deployNode) Execute(ctx context.Context, ec *host.ExecContext, in host.Inputs) (host.Outputs, error) {
	deploymentID := strings.TrimSpace(in.String(inDeployment, ""))
	if deploymentID == "" {
		return nil, fmt.Errorf("%w: %s", host.ErrMissingInput, inDeployment)
	}
	apiURL := in.String(inAPIURL, "")

	slots, err := slotsFrom(in)
	if err != nil {
		return nil, err
	}
	encoder := params.NewEncoder(n.deps.uploader(n.deps.Clients(apiURL)))
	encoded, err := encoder.Encode(ctx, in.String(inParameters, ""), slots)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parameters: %w", err)
	}

	opts := poller.Options{
		WaitMax:        waitMaxFrom(in),
		OutputFolder:   strings.TrimSpace(in.String(inOutputFolder, "")),
		SubmitAttempts: n.attempts,
		Status:         ec.Status,
		Interrupt:      ec.Interrupt,
	}
	p := n.deps.newPoller(apiURL)

	runID, err := p.Submit(ctx, poller.Job{DeploymentID: deploymentID, Parameters: encoded}, opts)
	if err != nil {
		return nil, err
	}

	n.entry(ec).WithFields(logrus.Fields{
		"deployment_id": deploymentID,
		"run_id":        runID,
	}).Info("Deployment run submitted")

	if n.rich {
		if scope := strings.TrimSpace(in.String(inScope, "")); scope != "" {
			if err := n.deps.Cache.Save(scope, runID, ec.ClientID); err != nil {
				return nil, err
			}
		}
		if !in.Bool("wait_for_result", true) {
			batch, _ := frames.Stack(nil)
			return host.Outputs{outPaths: "", outImages: batch, outVideos: "", outRunID: runID}, nil
		}
	}

	res, err := p.Await(ctx, runID, opts)
	if err != nil {
		return nil, err
	}
	return resultOutputs(res, runID), nil
}

func (n *deployNode) entry(ec *host.ExecContext) *logrus.Entry {
	if ec.Logger != nil {
		return ec.Logger
	}
	return logrus.NewEntry(n.deps.Logger).WithField("node", n.name)
}

func resultOutputs(res *poller.Result, runID string) host.Outputs {
	return host.Outputs{
		outPaths:  res.PathsText(),
		outImages: res.Images,
		outVideos: res.VideosText(),
		outRunID:  runID,
	}
}
