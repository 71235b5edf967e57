// File: internal/manifest/pypi.go
package manifest

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/pkgsentry/pkgsentry/api/schemas"
	"github.com/pkgsentry/pkgsentry/internal/pipeline"
)

// loadRequirements parses a pinned requirements.txt. Only exact pins
// (name==version) resolve to targets; ranges cannot be analyzed and are
// rejected so the run never silently analyzes the wrong version.
func (l *Loader) loadRequirements(path string) (*pipeline.Input, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var targets []schemas.PackageRef

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		// Strip environment markers and inline comments.
		if i := strings.IndexAny(line, ";#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}

		name, version, ok := strings.Cut(line, "==")
		if !ok {
			return nil, fmt.Errorf("line %d: %q is not an exact pin (name==version)", lineNo, line)
		}
		targets = append(targets, schemas.PackageRef{
			Name:      strings.ToLower(strings.TrimSpace(name)),
			Version:   strings.TrimSpace(version),
			Ecosystem: schemas.EcosystemPyPI,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no pinned requirements found")
	}

	// requirements.txt is flat: every pin is a root of its own.
	graph := &schemas.DependencyGraph{
		Roots: targets,
		Nodes: targets,
	}

	return &pipeline.Input{
		Graph:   graph,
		Targets: targets,
	}, nil
}
