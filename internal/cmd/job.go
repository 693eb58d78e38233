package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"comfydeploy/internal/host"
	"comfydeploy/internal/params"
)

// Job is a deployment run described in YAML
type Job struct {
	Node          string        `yaml:"node"` // "run" (default) or "queue"
	APIURL        string        `yaml:"api_url"`
	DeploymentID  string        `yaml:"deployment_id"`
	Parameters    string        `yaml:"parameters"`
	Inputs        []JobInput    `yaml:"inputs"`
	WaitMax       time.Duration `yaml:"wait_max"`
	OutputFolder  string        `yaml:"output_folder"`
	CacheScope    string        `yaml:"cache_scope"`
	WaitForResult *bool         `yaml:"wait_for_result"`
}

// JobInput is one named parameter; Image is a local file path
type JobInput struct {
	Name  string `yaml:"name"`
	Value any    `yaml:"value"`
	Image string `yaml:"image"`
}

// LoadJob reads a job file. Relative image paths resolve against the file's directory.
func LoadJob(path string) (*Job, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var job Job
	if err := yaml.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	if strings.TrimSpace(job.DeploymentID) == "" {
		return nil, fmt.Errorf("%w: deployment_id", host.ErrMissingInput)
	}
	if len(job.Inputs) > params.MaxSlots {
		return nil, params.ErrTooManySlots
	}
	base := filepath.Dir(path)
	for i := range job.Inputs {
		if img := job.Inputs[i].Image; img != "" && !filepath.IsAbs(img) {
			job.Inputs[i].Image = filepath.Join(base, img)
		}
	}
	return &job, nil
}

// NodeName is the registered node the job runs through
func (j *Job) NodeName() string {
	if strings.EqualFold(strings.TrimSpace(j.Node), "queue") {
		return "ComfyDeploy API Queue"
	}
	return "ComfyDeploy API Run"
}

// Slots converts the named inputs into encoder slots
func (j *Job) Slots() []params.Slot {
	slots := make([]params.Slot, 0, len(j.Inputs))
	for _, in := range j.Inputs {
		slots = append(slots, params.Slot{Name: in.Name, Value: in.value()})
	}
	return slots
}

func (in JobInput) value() params.Value {
	if in.Image != "" {
		return params.Image{Path: in.Image}
	}
	return params.FromAny(in.Value)
}

// HostInputs converts the job into node inputs
func (j *Job) HostInputs() host.Inputs {
	in := host.Inputs{
		"api_url":       j.APIURL,
		"deployment_id": j.DeploymentID,
		"parameters":    j.Parameters,
		"output_folder": j.OutputFolder,
		"cache_scope":   j.CacheScope,
	}
	if j.WaitMax > 0 {
		in["wait_max_seconds"] = int(j.WaitMax.Seconds())
	}
	if j.WaitForResult != nil {
		in["wait_for_result"] = *j.WaitForResult
	}
	for i, slot := range j.Inputs {
		n := i + 1
		in[fmt.Sprintf("param_name_%d", n)] = slot.Name
		if slot.Image != "" {
			in[fmt.Sprintf("param_value_%d", n)] = map[string]any{"path": slot.Image}
		} else {
			in[fmt.Sprintf("param_value_%d", n)] = slot.Value
		}
	}
	return in
}
