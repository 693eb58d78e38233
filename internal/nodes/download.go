package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"comfydeploy/internal/artifact"
	"comfydeploy/internal/host"
	"comfydeploy/internal/poller"
)

const sessionFetched = "fetched_run_ids"

// downloadFilesNode waits for existing runs and downloads their artifacts
type downloadFilesNode struct {
	deps Deps
}

// NewDownloadFilesNode creates the download node
func NewDownloadFilesNode(d Deps) host.Node {
	return &downloadFilesNode{deps: d}
}

func (n *downloadFilesNode) Definition() host.Definition {
	return host.Definition{
		Name:        "ComfyDeploy API Download Files",
		DisplayName: "ComfyDeploy API Download Files (Soze)",
		Category:    Category,
		Inputs: []host.Port{
			{Name: outRunIDs, Type: host.TypeString, Default: ""},
			{Name: inAPIURL, Type: host.TypeString, Default: n.deps.Config.Deploy.APIURL},
			{Name: inOutputFolder, Type: host.TypeString, Default: "output"},
			{Name: inWaitMax, Type: host.TypeInt, Default: int(n.deps.Config.Poll.WaitMax.Seconds())},
			{Name: "skip_fetched", Type: host.TypeBoolean, Default: false, Optional: true},
			{Name: "include", Type: host.TypeString, Default: "", Optional: true},
			{Name: "exclude", Type: host.TypeString, Default: "", Optional: true},
		},
		Outputs: []host.Port{
			{Name: outPaths, Type: host.TypeString},
			{Name: outImages, Type: host.TypeImage},
			{Name: outVideos, Type: host.TypeString},
		},
		OutputNode: true,
	}
}

func (n *downloadFilesNode) Execute(ctx context.Context, ec *host.ExecContext, in host.Inputs) (host.Outputs, error) {
	runIDs := splitLines(in.String(outRunIDs, ""))
	if len(runIDs) == 0 {
		return nil, fmt.Errorf("%w: %s", host.ErrMissingInput, outRunIDs)
	}
	folder := strings.TrimSpace(in.String(inOutputFolder, ""))
	filter, err := artifact.NewFilter(splitLines(in.String("include", "")), splitLines(in.String("exclude", "")))
	if err != nil {
		return nil, err
	}

	fetched, _ := sessionSet(ec, sessionFetched)
	if in.Bool("skip_fetched", false) {
		pending := runIDs[:0]
		for _, id := range runIDs {
			if _, done := fetched[id]; !done {
				pending = append(pending, id)
			}
		}
		runIDs = pending
	}

	ec.Emit(ctx, fmt.Sprintf("Fetching %d run(s)", len(runIDs)))
	res, err := n.deps.newPoller(in.String(inAPIURL, "")).DownloadOnly(ctx, runIDs, poller.Options{
		WaitMax:      waitMaxFrom(in),
		OutputFolder: folder,
		Filter:       filter,
		Status:       ec.Status,
		Interrupt:    ec.Interrupt,
	})
	if err != nil {
		return nil, err
	}

	next := make(map[string]struct{}, len(fetched)+len(runIDs))
	for id := range fetched {
		next[id] = struct{}{}
	}
	for _, id := range runIDs {
		next[id] = struct{}{}
	}
	ec.Session.Set(ec.NodeID, sessionFetched, next)

	logrus.NewEntry(n.deps.Logger).WithFields(logrus.Fields{
		"node_id": ec.NodeID,
		"runs":    len(runIDs),
		"files":   len(res.Paths),
	}).Info("Run outputs downloaded")

	return host.Outputs{
		outPaths:  res.PathsText(),
		outImages: res.Images,
		outVideos: res.VideosText(),
	}, nil
}

// IsChanged re-runs the node whenever the requested run ids change
func (n *downloadFilesNode) IsChanged(_ *host.ExecContext, in host.Inputs) string {
	return strings.Join(splitLines(in.String(outRunIDs, "")), "\n")
}

func sessionSet(ec *host.ExecContext, key string) (map[string]struct{}, bool) {
	v, ok := ec.Session.Get(ec.NodeID, key)
	if !ok {
		return nil, false
	}
	set, ok := v.(map[string]struct{})
	return set, ok
}
