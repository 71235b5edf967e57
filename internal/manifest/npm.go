// File: internal/manifest/npm.go
package manifest

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/pkgsentry/pkgsentry/api/schemas"
	"github.com/pkgsentry/pkgsentry/internal/pipeline"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// packageLock models the package-lock.json v2/v3 "packages" layout.
type packageLock struct {
	Name     string                      `json:"name"`
	Version  string                      `json:"version"`
	Packages map[string]packageLockEntry `json:"packages"`
}

type packageLockEntry struct {
	Version          string            `json:"version"`
	Dev              bool              `json:"dev"`
	HasInstallScript bool              `json:"hasInstallScript"`
	Dependencies     map[string]string `json:"dependencies"`
}

// loadPackageLock parses an npm package-lock.json (lockfile v2 or v3).
func (l *Loader) loadPackageLock(path string) (*pipeline.Input, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var lock packageLock
	if err := json.Unmarshal(raw, &lock); err != nil {
		return nil, fmt.Errorf("invalid package-lock.json: %w", err)
	}
	if len(lock.Packages) == 0 {
		return nil, fmt.Errorf("package-lock.json has no packages map (lockfile v1 is not supported)")
	}

	root := schemas.PackageRef{
		Name:      lock.Name,
		Version:   lock.Version,
		Ecosystem: schemas.EcosystemNPM,
	}

	// Deterministic iteration: sorted node_modules paths.
	paths := make([]string, 0, len(lock.Packages))
	for p := range lock.Packages {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	byName := make(map[string]schemas.PackageRef)
	var (
		targets  []schemas.PackageRef
		findings []schemas.Finding
	)

	for _, p := range paths {
		entry := lock.Packages[p]
		name := packageName(p)
		if name == "" {
			continue // the "" root entry
		}
		ref := schemas.PackageRef{
			Name:      name,
			Version:   entry.Version,
			Ecosystem: schemas.EcosystemNPM,
		}
		targets = append(targets, ref)
		byName[name] = ref

		if entry.HasInstallScript {
			findings = append(findings, installScriptFinding(ref))
		}
	}

	graph := &schemas.DependencyGraph{
		Roots: []schemas.PackageRef{root},
		Nodes: append([]schemas.PackageRef{root}, targets...),
	}

	rootEntry := lock.Packages[""]
	for dep := range rootEntry.Dependencies {
		if to, ok := byName[dep]; ok {
			graph.Edges = append(graph.Edges, schemas.DependencyEdge{From: root, To: to})
		}
	}
	for _, p := range paths {
		entry := lock.Packages[p]
		name := packageName(p)
		if name == "" {
			continue
		}
		from := byName[name]
		for dep := range entry.Dependencies {
			if to, ok := byName[dep]; ok {
				graph.Edges = append(graph.Edges, schemas.DependencyEdge{From: from, To: to, Dev: entry.Dev})
			}
		}
	}
	sort.Slice(graph.Edges, func(i, j int) bool {
		if graph.Edges[i].From.Name != graph.Edges[j].From.Name {
			return graph.Edges[i].From.Name < graph.Edges[j].From.Name
		}
		return graph.Edges[i].To.Name < graph.Edges[j].To.Name
	})

	return &pipeline.Input{
		Findings: findings,
		Graph:    graph,
		Targets:  targets,
	}, nil
}

// packageName extracts the package name from a node_modules path, handling
// scoped packages and nested installs.
func packageName(lockPath string) string {
	if lockPath == "" {
		return ""
	}
	// Nested installs look like a/node_modules/b/node_modules/c; the leaf
	// is the actual package.
	idx := strings.LastIndex(lockPath, "node_modules/")
	if idx < 0 {
		return ""
	}
	return lockPath[idx+len("node_modules/"):]
}

func installScriptFinding(ref schemas.PackageRef) schemas.Finding {
	return schemas.Finding{
		ObservedAt: time.Now().UTC(),
		Package:    ref.Name,
		Version:    ref.Version,
		Kind:       schemas.KindInstallScript,
		Severity:   schemas.SeverityLow,
		Confidence: 1.0,
		Title:      fmt.Sprintf("%s declares lifecycle install scripts", ref.Name),
		Description: "The package runs arbitrary code at install time. Routine for native " +
			"modules, but a common payload delivery mechanism.",
		Evidence: []schemas.Evidence{
			{Type: schemas.EvidenceScriptName, Value: "install", Source: "package-lock.json"},
		},
		Method: schemas.MethodRuleBased,
	}
}
