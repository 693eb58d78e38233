package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"comfydeploy/internal/host"
	"comfydeploy/internal/runcache"
)

const inScopeName = "scope"

func scopePort() host.Port {
	return host.Port{Name: inScopeName, Type: host.TypeString, Default: "default"}
}

func scopeFrom(in host.Inputs) string {
	return strings.TrimSpace(in.String(inScopeName, "default"))
}

// cacheSaveNode records a run id for later retrieval
type cacheSaveNode struct{ deps Deps }

// NewCacheSaveNode creates the cache save node
func NewCacheSaveNode(d Deps) host.Node { return &cacheSaveNode{deps: d} }

func (n *cacheSaveNode) Definition() host.Definition {
	return host.Definition{
		Name:        "RunID Cache Save",
		DisplayName: "RunID Cache Save (Soze)",
		Category:    Category,
		Inputs: []host.Port{
			{Name: outRunID, Type: host.TypeString},
			scopePort(),
		},
		Outputs:    []host.Port{{Name: outRunID, Type: host.TypeString}},
		OutputNode: true,
	}
}

func (n *cacheSaveNode) Execute(ctx context.Context, ec *host.ExecContext, in host.Inputs) (host.Outputs, error) {
	runID := strings.TrimSpace(in.String(outRunID, ""))
	scope := scopeFrom(in)
	if err := n.deps.Cache.Save(scope, runID, ec.ClientID); err != nil {
		return nil, err
	}
	ec.Emit(ctx, fmt.Sprintf("Cached %s in %s", runID, scope))
	return host.Outputs{outRunID: runID}, nil
}

// cacheRetrieveNode claims the oldest cached run id
type cacheRetrieveNode struct{ deps Deps }

// NewCacheRetrieveNode creates the cache retrieve node
func NewCacheRetrieveNode(d Deps) host.Node { return &cacheRetrieveNode{deps: d} }

func (n *cacheRetrieveNode) Definition() host.Definition {
	return host.Definition{
		Name:        "RunID Cache Retrieve",
		DisplayName: "RunID Cache Retrieve (Soze)",
		Category:    Category,
		Inputs: []host.Port{
			scopePort(),
			{Name: "remove", Type: host.TypeBoolean, Default: true},
		},
		Outputs: []host.Port{{Name: outRunID, Type: host.TypeString}},
	}
}

func (n *cacheRetrieveNode) Execute(ctx context.Context, ec *host.ExecContext, in host.Inputs) (host.Outputs, error) {
	scope := scopeFrom(in)
	runID, err := n.deps.Cache.ClaimOldest(scope, ec.ClientID, in.Bool("remove", true))
	if err != nil {
		if errors.Is(err, runcache.ErrNotFound) {
			ec.Emit(ctx, fmt.Sprintf("No cached run ids in %s", scope))
		}
		return nil, err
	}

	logrus.NewEntry(n.deps.Logger).WithFields(logrus.Fields{
		"node_id": ec.NodeID,
		"scope":   scope,
		"run_id":  runID,
	}).Info("Run id retrieved from cache")
	return host.Outputs{outRunID: runID}, nil
}

// IsChanged always differs: every execution claims a new entry
func (n *cacheRetrieveNode) IsChanged(*host.ExecContext, host.Inputs) string {
	return uuid.NewString()
}

// cacheInfoNode lists the live entries of a scope
type cacheInfoNode struct{ deps Deps }

// NewCacheInfoNode creates the cache info node
func NewCacheInfoNode(d Deps) host.Node { return &cacheInfoNode{deps: d} }

func (n *cacheInfoNode) Definition() host.Definition {
	return host.Definition{
		Name:        "RunID Cache Info",
		DisplayName: "RunID Cache Info (Soze)",
		Category:    Category,
		Inputs:      []host.Port{scopePort()},
		Outputs: []host.Port{
			{Name: outCount, Type: host.TypeInt},
			{Name: outRunIDs, Type: host.TypeString},
			{Name: "oldest", Type: host.TypeString},
		},
	}
}

func (n *cacheInfoNode) Execute(_ context.Context, ec *host.ExecContext, in host.Inputs) (host.Outputs, error) {
	ids, err := n.deps.Cache.RunIDs(scopeFrom(in), ec.ClientID)
	if err != nil {
		return nil, err
	}
	oldest := ""
	if len(ids) > 0 {
		oldest = ids[0]
	}
	return host.Outputs{
		outCount:  len(ids),
		outRunIDs: strings.Join(ids, "\n"),
		"oldest":  oldest,
	}, nil
}

// IsChanged keys on the current listing
func (n *cacheInfoNode) IsChanged(ec *host.ExecContext, in host.Inputs) string {
	ids, err := n.deps.Cache.RunIDs(scopeFrom(in), ec.ClientID)
	if err != nil {
		return uuid.NewString()
	}
	return strings.Join(ids, "\n")
}

// cacheClearNode soft-deletes every live entry of a scope
type cacheClearNode struct{ deps Deps }

// NewCacheClearNode creates the cache clear node
func NewCacheClearNode(d Deps) host.Node { return &cacheClearNode{deps: d} }

func (n *cacheClearNode) Definition() host.Definition {
	return host.Definition{
		Name:        "RunID Cache Clear",
		DisplayName: "RunID Cache Clear (Soze)",
		Category:    Category,
		Inputs:      []host.Port{scopePort()},
		Outputs:     []host.Port{{Name: outCount, Type: host.TypeInt}},
		OutputNode:  true,
	}
}

func (n *cacheClearNode) Execute(ctx context.Context, ec *host.ExecContext, in host.Inputs) (host.Outputs, error) {
	scope := scopeFrom(in)
	count, err := n.deps.Cache.Clear(scope, ec.ClientID)
	if err != nil {
		return nil, err
	}
	ec.Emit(ctx, fmt.Sprintf("Cleared %d run id(s) from %s", count, scope))
	return host.Outputs{outCount: count}, nil
}

// IsChanged always differs
func (n *cacheClearNode) IsChanged(*host.ExecContext, host.Inputs) string {
	return uuid.NewString()
}
