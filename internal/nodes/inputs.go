package nodes

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"comfydeploy/internal/frames"
	"comfydeploy/internal/host"
	"comfydeploy/internal/params"
)

// input names shared by the deploy nodes
const (
	inAPIURL       = "api_url"
	inDeployment   = "deployment_id"
	inWaitMax      = "wait_max_seconds"
	inOutputFolder = "output_folder"
	inParameters   = "parameters"
	inScope        = "cache_scope"
)

// output names
const (
	outPaths  = "paths"
	outImages = "images"
	outVideos = "videos"
	outRunID  = "run_id"
	outRunIDs = "run_ids"
	outCount  = "count"
)

func slotNameKey(i int) string  { return fmt.Sprintf("param_name_%d", i) }
func slotValueKey(i int) string { return fmt.Sprintf("param_value_%d", i) }

// slotPorts declares the numbered name/value pairs
func slotPorts() []host.Port {
	ports := make([]host.Port, 0, params.MaxSlots*2)
	for i := 1; i <= params.MaxSlots; i++ {
		ports = append(ports,
			host.Port{Name: slotNameKey(i), Type: host.TypeString, Optional: true},
			host.Port{Name: slotValueKey(i), Type: host.TypeAny, Optional: true},
		)
	}
	return ports
}

// slotsFrom reads the numbered pairs in declared order
func slotsFrom(in host.Inputs) ([]params.Slot, error) {
	slots := make([]params.Slot, 0, params.MaxSlots)
	for i := 1; i <= params.MaxSlots; i++ {
		name := in.String(slotNameKey(i), "")
		value, err := valueFrom(in[slotValueKey(i)])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", slotValueKey(i), err)
		}
		slots = append(slots, params.Slot{Name: name, Value: value})
	}
	return slots, nil
}

// valueFrom converts a host value to a parameter value. Objects are image
// references: {"path": ...}, {"data": <base64>, "name": ...} or an image
// batch {"frames": [...]}, whose first frame is sent.
func valueFrom(v any) (params.Value, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return params.FromAny(v), nil
	}

	name, _ := m["name"].(string)
	if path, _ := m["path"].(string); path != "" {
		return params.Image{Path: path, Name: name}, nil
	}
	if data, _ := m["data"].(string); data != "" {
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode image data: %w", err)
		}
		return params.Image{Data: raw, Name: name}, nil
	}
	if _, ok := m["frames"]; ok {
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("failed to read image batch: %w", err)
		}
		var batch frames.Batch
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, fmt.Errorf("failed to read image batch: %w", err)
		}
		if batch.Len() == 0 {
			return nil, nil
		}
		var buf bytes.Buffer
		if err := frames.EncodePNG(&buf, batch.Frames[0]); err != nil {
			return nil, err
		}
		if name == "" {
			name = "image.png"
		}
		return params.Image{Data: buf.Bytes(), Name: name}, nil
	}
	return nil, fmt.Errorf("unsupported object value")
}

// waitMaxFrom reads wait_max_seconds; zero or negative uses the configured default
func waitMaxFrom(in host.Inputs) time.Duration {
	secs := in.Int(inWaitMax, 0)
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// splitLines splits newline or comma separated identifiers
func splitLines(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' || r == ',' })
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
