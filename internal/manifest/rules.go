// File: internal/manifest/rules.go
// Description: Local rule scans over the installed tree. These produce the
// baseline findings the pipeline starts with, and the obfuscation markers
// that decide whether the model-backed stage gets triggered at all.

package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pkgsentry/pkgsentry/api/schemas"
)

const (
	// maxScanFileSize bounds how much of any one file the scanner reads.
	maxScanFileSize = 1 << 20

	// maxScanFilesPerPackage keeps pathological packages from dominating
	// load time.
	maxScanFilesPerPackage = 64
)

// obfuscationMarkers are the string patterns the scanner treats as
// obfuscation signals in JavaScript sources.
var obfuscationMarkers = []string{
	"eval(atob(",
	"eval(unescape(",
	"Function(atob(",
	"String.fromCharCode(",
	"\\x68\\x74\\x74\\x70", // "http" spelled in hex escapes
}

// scanInstalledTree runs the obfuscation rules over node_modules next to
// the lockfile. Missing directories are fine; remote-only runs have no
// installed tree to scan.
func (l *Loader) scanInstalledTree(dir string, targets []schemas.PackageRef) []schemas.Finding {
	var findings []schemas.Finding
	for _, target := range targets {
		pkgDir := filepath.Join(dir, "node_modules", filepath.FromSlash(target.Name))
		info, err := os.Stat(pkgDir)
		if err != nil || !info.IsDir() {
			continue
		}
		if f, ok := l.scanPackageDir(pkgDir, target); ok {
			findings = append(findings, f)
		}
	}
	return findings
}

// scanPackageDir looks for obfuscation markers in the package's JS files
// and reports at most one finding per package, carrying every marker hit.
func (l *Loader) scanPackageDir(pkgDir string, target schemas.PackageRef) (schemas.Finding, bool) {
	var evidence []schemas.Evidence
	scanned := 0

	walkErr := filepath.WalkDir(pkgDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil // unreadable entries are skipped, not fatal
		}
		if scanned >= maxScanFilesPerPackage {
			return filepath.SkipAll
		}
		ext := filepath.Ext(path)
		if ext != ".js" && ext != ".cjs" && ext != ".mjs" {
			return nil
		}
		scanned++

		content, err := readHead(path, maxScanFileSize)
		if err != nil {
			return nil
		}
		for _, marker := range obfuscationMarkers {
			if idx := strings.Index(content, marker); idx >= 0 {
				rel, _ := filepath.Rel(pkgDir, path)
				evidence = append(evidence, schemas.Evidence{
					Type:   schemas.EvidenceObfuscationMarker,
					Value:  marker,
					Source: rel,
				})
			}
		}
		return nil
	})
	if walkErr != nil {
		l.logger.Debug("Package scan aborted", zap.String("package", target.Name), zap.Error(walkErr))
	}

	if len(evidence) == 0 {
		return schemas.Finding{}, false
	}

	return schemas.Finding{
		ObservedAt: time.Now().UTC(),
		Package:    target.Name,
		Version:    target.Version,
		Kind:       schemas.KindObfuscation,
		Severity:   schemas.SeverityMedium,
		Confidence: 0.6,
		Title:      fmt.Sprintf("Obfuscation markers in %s", target.Name),
		Description: fmt.Sprintf("Static scan found %d obfuscation marker(s) in the installed "+
			"sources of %s. Obfuscation in a published package is unusual outside minified bundles.",
			len(evidence), target.ID()),
		Evidence: evidence,
		Method:   schemas.MethodRuleBased,
	}, true
}

func readHead(path string, limit int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, limit)
	n, err := f.Read(buf)
	if n == 0 && err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}
