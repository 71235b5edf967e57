package schemas

import (
	"fmt"
	"strings"
	"time"
)

// -- Finding Schemas --

// Severity represents the severity tier of a finding. The values are lowercase
// to align with database ENUMs and report formats.
type Severity string

// Constants defining the standard severity tiers, ordered low to critical.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns an integer rank for comparison (low=1, critical=4).
// Unknown values rank 0 so they always sort below a real tier.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

func (s Severity) String() string { return string(s) }

// ParseSeverity parses a severity string case-insensitively. Advisory feeds
// disagree on naming; "moderate" is accepted as medium.
func ParseSeverity(raw string) (Severity, error) {
	switch strings.ToLower(raw) {
	case "low":
		return SeverityLow, nil
	case "medium", "moderate":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return "", fmt.Errorf("invalid severity: %q", raw)
	}
}

// FindingKind categorizes what a finding asserts about its subject package.
type FindingKind string

// Constants for the closed set of finding kinds.
const (
	KindKnownVulnerability FindingKind = "known_vulnerability"
	KindMaliciousPattern   FindingKind = "malicious_pattern"
	KindTyposquat          FindingKind = "typosquat"
	KindInstallScript      FindingKind = "install_script"
	KindMaintainerRisk     FindingKind = "maintainer_risk"
	KindReputationRisk     FindingKind = "reputation_risk"
	KindObfuscation        FindingKind = "obfuscation"
)

// DetectionMethod tags the mechanism that produced a finding, so consumers can
// weigh a model judgment differently from a CVE database hit.
type DetectionMethod string

const (
	MethodRuleBased      DetectionMethod = "rule_based"
	MethodAdvisoryLookup DetectionMethod = "advisory_lookup"
	MethodReputation     DetectionMethod = "reputation"
	MethodModelJudgment  DetectionMethod = "model_judgment"
	MethodHeuristic      DetectionMethod = "heuristic"
)

// Well-known evidence type keys. Capabilities may mint their own; these are
// the ones trigger predicates and reports understand.
const (
	EvidenceAdvisoryID        = "advisory_id"
	EvidenceCodeSnippet       = "code_snippet"
	EvidenceObfuscationMarker = "obfuscation_marker"
	EvidenceEditDistance      = "edit_distance"
	EvidenceScriptName        = "script_name"
	EvidenceReputationScore   = "reputation_score"
	EvidenceGraphDepth        = "graph_depth"
	EvidenceModelRationale    = "model_rationale"
)

// Evidence is one piece of supporting material attached to a finding.
type Evidence struct {
	// Type is a short machine key, e.g. "advisory_id", "code_snippet",
	// "obfuscation_marker", "edit_distance".
	Type string `json:"type"`
	// Value is the evidence payload, rendered as text.
	Value string `json:"value"`
	// Source names where the evidence came from (feed, file, model).
	Source string `json:"source,omitempty"`
}

// Finding is one structured record of a detected supply-chain issue on a
// specific package version. Findings are value records: stages construct new
// ones and never modify findings already in the analysis context.
type Finding struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`

	// ObservedAt is the timestamp when the finding was produced.
	ObservedAt time.Time `json:"observed_at"`

	// Package and Version identify the subject.
	Package string `json:"package"`
	Version string `json:"version"`

	Kind     FindingKind `json:"kind"`
	Severity Severity    `json:"severity"`

	// Confidence is bounded to [0.0, 1.0]; the pipeline clamps out-of-range
	// values at the contract boundary rather than trusting stage output.
	Confidence float64 `json:"confidence"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	Evidence []Evidence `json:"evidence,omitempty"`

	// Remediation is optional advice, e.g. "upgrade to >=2.4.1".
	Remediation string `json:"remediation,omitempty"`

	Method DetectionMethod `json:"detection_method"`

	// Stage names the pipeline stage that contributed the finding.
	Stage string `json:"stage,omitempty"`
}

// ClampConfidence returns a copy of the finding with Confidence forced into
// [0.0, 1.0]. NaN collapses to 0.
func (f Finding) ClampConfidence() Finding {
	switch {
	case f.Confidence != f.Confidence: // NaN
		f.Confidence = 0
	case f.Confidence < 0:
		f.Confidence = 0
	case f.Confidence > 1:
		f.Confidence = 1
	}
	return f
}

// DedupeKey collapses findings that assert the same thing about the same
// subject. Detection method is part of the key: a heuristic hit and an
// advisory hit for the same issue are distinct corroborating records.
func (f Finding) DedupeKey() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", f.Package, f.Version, f.Kind, f.Severity, f.Method)
}
