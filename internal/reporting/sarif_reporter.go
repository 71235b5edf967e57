package reporting

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pkgsentry/pkgsentry/api/schemas"
	"github.com/pkgsentry/pkgsentry/internal/observability"
	"github.com/pkgsentry/pkgsentry/internal/reporting/sarif"
)

// Constants for tool identification in the SARIF report.
const (
	ToolName     = "pkgsentry"
	ToolInfoURI  = "https://github.com/pkgsentry/pkgsentry"
	SARIFVersion = "2.1.0"
	SARIFSchema  = "https://schemastore.azurewebsites.net/schemas/json/sarif-2.1.0-rtm.5.json"
)

// ruleIDSanitizer matches runs of characters that are not safe inside a SARIF
// rule ID. Alphanumerics, underscore and dot pass through; everything else is
// collapsed to a single hyphen.
var ruleIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.]+`)

// RuleFingerprint uniquely identifies a rule definition by its content.
type RuleFingerprint string

// calculateFingerprint hashes the defining characteristics of a finding. Two
// findings with the same kind, title, description and remediation share a
// rule; subject package and confidence deliberately do not participate.
func calculateFingerprint(finding schemas.Finding) RuleFingerprint {
	data := struct {
		Kind        string
		Title       string
		Description string
		Remediation string
	}{
		Kind:        string(finding.Kind),
		Title:       finding.Title,
		Description: finding.Description,
		Remediation: finding.Remediation,
	}

	h := sha1.New()
	// Encoding errors are not possible for this simple struct.
	_ = json.NewEncoder(h).Encode(data)
	return RuleFingerprint(hex.EncodeToString(h.Sum(nil)))
}

// SARIFReporter implements the Reporter interface for the SARIF 2.1.0 format.
// It is thread safe.
type SARIFReporter struct {
	writer io.WriteCloser
	logger *zap.Logger
	log    *sarif.Log
	// mu protects the log structure and the maps.
	mu sync.Mutex
	// rulesByFingerprint maps a content fingerprint to its generated rule ID.
	rulesByFingerprint map[RuleFingerprint]string
	// ruleIDUsage tracks how many times a base rule ID has been used, to
	// disambiguate collisions between distinct fingerprints.
	ruleIDUsage map[string]int
}

// NewSARIFReporter creates a reporter that buffers SARIF results and flushes
// the complete log on Close. The tool version is injected by the caller.
func NewSARIFReporter(writer io.WriteCloser, toolVersion string) *SARIFReporter {
	logger := observability.GetLogger().Named("sarif_reporter")
	log := &sarif.Log{
		Version: SARIFVersion,
		Schema:  SARIFSchema,
		Runs: []*sarif.Run{
			{
				Tool: &sarif.Tool{
					Driver: &sarif.ToolComponent{
						Name:           ToolName,
						Version:        pString(toolVersion),
						InformationURI: pString(ToolInfoURI),
						// Empty slices (not nil) so the JSON keys are present.
						Rules: []*sarif.ReportingDescriptor{},
					},
				},
				Results: []*sarif.Result{},
			},
		},
	}

	return &SARIFReporter{
		writer:             writer,
		logger:             logger,
		log:                log,
		rulesByFingerprint: make(map[RuleFingerprint]string),
		ruleIDUsage:        make(map[string]int),
	}
}

// Write converts the envelope's consolidated findings into SARIF results and
// adds them to the buffered log.
func (r *SARIFReporter) Write(result *schemas.ResultEnvelope) error {
	if result == nil || result.Result == nil {
		return fmt.Errorf("cannot report a nil result envelope")
	}

	startTime := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.log.Runs[0]
	findingsCount := 0

	for _, finding := range result.Result.Findings {
		ruleID := r.ensureRule(finding)

		messageText := finding.Description
		if messageText == "" {
			messageText = finding.Title
		}

		sarifResult := &sarif.Result{
			RuleID:    ruleID,
			Message:   &sarif.Message{Text: pString(messageText)},
			Level:     mapSeverityToSARIFLevel(finding.Severity),
			Locations: r.createLocations(finding),
			Properties: &sarif.PropertyBag{
				"confidence":       finding.Confidence,
				"detection_method": string(finding.Method),
				"stage":            finding.Stage,
				"run_id":           result.RunID,
			},
		}
		run.Results = append(run.Results, sarifResult)
		findingsCount++
	}

	if findingsCount > 0 {
		r.logger.Debug("Wrote findings to SARIF buffer",
			zap.Int("findings_count", findingsCount),
			zap.Duration("duration_ms", time.Since(startTime)),
		)
	}

	return nil
}

// Close finalizes the SARIF log and writes it to the output writer.
func (r *SARIFReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var resultsCount, rulesCount int
	if len(r.log.Runs) > 0 && r.log.Runs[0] != nil {
		resultsCount = len(r.log.Runs[0].Results)
		if r.log.Runs[0].Tool != nil && r.log.Runs[0].Tool.Driver != nil {
			rulesCount = len(r.log.Runs[0].Tool.Driver.Rules)
		}
	}

	r.logger.Info("Finalizing SARIF report",
		zap.Int("total_results", resultsCount),
		zap.Int("total_rules", rulesCount),
	)

	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")

	encodeErr := encoder.Encode(r.log)
	// Always attempt to close the writer, regardless of encoding success.
	closeErr := r.writer.Close()

	if encodeErr != nil {
		r.logger.Error("Failed to encode SARIF log to JSON", zap.Error(encodeErr))
		return fmt.Errorf("failed to encode SARIF output: %w", encodeErr)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}

	return nil
}

// sanitizeRuleName creates a standardized base name for the rule ID.
func sanitizeRuleName(name string) string {
	if name == "" {
		return "UNNAMED-FINDING"
	}

	sanitized := strings.ToUpper(name)
	sanitized = ruleIDSanitizer.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, "-")

	if sanitized == "" {
		return "UNNAMED-FINDING"
	}
	return sanitized
}

// ensureRule ensures a rule definition exists for the finding and returns its
// ID. Must be called while holding the mutex.
func (r *SARIFReporter) ensureRule(finding schemas.Finding) string {
	fingerprint := calculateFingerprint(finding)
	if ruleID, exists := r.rulesByFingerprint[fingerprint]; exists {
		return ruleID
	}

	baseRuleID := "PKGSENTRY-" + sanitizeRuleName(string(finding.Kind))

	usageCount := r.ruleIDUsage[baseRuleID]
	r.ruleIDUsage[baseRuleID] = usageCount + 1

	finalRuleID := baseRuleID
	if usageCount > 0 {
		// The base ID was already claimed by a different fingerprint.
		finalRuleID = fmt.Sprintf("%s-%d", baseRuleID, usageCount)
	}

	r.logger.Debug("Registering new SARIF rule definition", zap.String("rule_id", finalRuleID))

	driver := r.log.Runs[0].Tool.Driver

	markdownHelp := fmt.Sprintf("**Finding:** %s\n\n**Description:**\n%s\n\n**Remediation:**\n%s",
		finding.Title, finding.Description, finding.Remediation)

	newRule := &sarif.ReportingDescriptor{
		ID:               finalRuleID,
		Name:             pString(finding.Title),
		ShortDescription: &sarif.MultiformatMessageString{Text: pString(finding.Title)},
		FullDescription:  &sarif.MultiformatMessageString{Text: pString(finding.Description)},
		Help: &sarif.MultiformatMessageString{
			Text:     pString(finding.Remediation),
			Markdown: pString(markdownHelp),
		},
		Properties: &sarif.PropertyBag{
			"tags": []string{"security", "supply-chain", string(finding.Kind)},
		},
	}
	driver.Rules = append(driver.Rules, newRule)
	r.rulesByFingerprint[fingerprint] = finalRuleID
	return finalRuleID
}

// createLocations points the result at the affected package version. SARIF
// wants a URI; a purl is the conventional way to name a package as one.
func (r *SARIFReporter) createLocations(finding schemas.Finding) []*sarif.Location {
	uri := fmt.Sprintf("pkg:%s@%s", finding.Package, finding.Version)
	msgText := fmt.Sprintf("Issue found in %s@%s", finding.Package, finding.Version)

	location := &sarif.Location{
		PhysicalLocation: &sarif.PhysicalLocation{
			ArtifactLocation: &sarif.ArtifactLocation{
				URI: pString(uri),
			},
		},
		Message: &sarif.Message{
			Text: pString(msgText),
		},
	}
	return []*sarif.Location{location}
}

// mapSeverityToSARIFLevel converts a finding severity to the SARIF standard.
func mapSeverityToSARIFLevel(severity schemas.Severity) sarif.Level {
	switch severity {
	case schemas.SeverityCritical, schemas.SeverityHigh:
		return sarif.LevelError
	case schemas.SeverityMedium:
		return sarif.LevelWarning
	case schemas.SeverityLow:
		return sarif.LevelNote
	default:
		return sarif.LevelNote
	}
}

// pString returns a pointer to the given string value. Helper for optional
// SARIF fields.
func pString(s string) *string {
	return &s
}
