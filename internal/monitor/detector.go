package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// Detector flags submitted JavaScript that reaches for host facilities, and
// output that suggests it got them. Detections are recorded, never enforced.
type Detector struct {
	patterns []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for detected patterns.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

func NewDetector() *Detector {
	return &Detector{
		patterns: defaultPatterns(),
	}
}

// AnalyzeCode checks submitted code line by line before execution.
func (d *Detector) AnalyzeCode(code string) []Detection {
	var detections []Detection

	for i, line := range strings.Split(code, "\n") {
		for _, p := range d.patterns {
			if !p.Regex.MatchString(line) {
				continue
			}
			detections = append(detections, Detection{
				Pattern:  p.Name,
				Severity: p.Severity.String(),
				Detail:   p.Description,
				Line:     i + 1,
			})

			log.Warn().
				Str("pattern", p.Name).
				Str("severity", p.Severity.String()).
				Int("line", i+1).
				Msg("suspicious pattern in submitted code")
		}
	}

	return detections
}

// AnalyzeOutput checks run output for host data that should not be visible.
func (d *Detector) AnalyzeOutput(output string) []Detection {
	var detections []Detection

	outputPatterns := []struct {
		name   string
		substr string
		sev    Severity
	}{
		{"passwd_leak", "root:x:0:0", SeverityCritical},
		{"kernel_leak", "Linux version", SeverityHigh},
		{"ssh_key_leak", "BEGIN OPENSSH PRIVATE KEY", SeverityCritical},
		{"cloud_credentials", "AWS_SECRET_ACCESS_KEY", SeverityCritical},
		{"env_dump", "PATH=/", SeverityMedium},
	}

	for _, p := range outputPatterns {
		if strings.Contains(output, p.substr) {
			detections = append(detections, Detection{
				Pattern:  p.name,
				Severity: p.sev.String(),
				Detail:   "suspicious content in output: " + p.name,
			})
		}
	}

	return detections
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "child_process",
			Description: "Spawning host processes",
			Regex:       regexp.MustCompile(`require\(\s*['"](node:)?child_process['"]\s*\)|\b(execSync|spawnSync|execFile)\s*\(`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "filesystem_access",
			Description: "Loading the filesystem module",
			Regex:       regexp.MustCompile(`require\(\s*['"](node:)?fs(/promises)?['"]\s*\)|from\s+['"](node:)?fs['"]`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "env_access",
			Description: "Reading the process environment",
			Regex:       regexp.MustCompile(`process\.env\b`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "process_control",
			Description: "Terminating or signalling processes",
			Regex:       regexp.MustCompile(`process\.(exit|kill|abort)\s*\(`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "network_access",
			Description: "Opening network connections",
			Regex:       regexp.MustCompile(`require\(\s*['"](node:)?(net|http|https|dgram|tls)['"]\s*\)|\bfetch\s*\(|new\s+WebSocket\s*\(`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "dynamic_code",
			Description: "Compiling code at runtime",
			Regex:       regexp.MustCompile(`\beval\s*\(|new\s+Function\s*\(|require\(\s*['"](node:)?vm['"]\s*\)`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "metadata_service",
			Description: "Attempting to reach cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "sensitive_path",
			Description: "Referencing sensitive host paths",
			Regex:       regexp.MustCompile(`/etc/(passwd|shadow)|/proc/self/|\.ssh/`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "busy_loop",
			Description: "Unbounded loop",
			Regex:       regexp.MustCompile(`while\s*\(\s*(true|1)\s*\)|for\s*\(\s*;\s*;\s*\)`),
			Severity:    SeverityLow,
		},
		{
			Name:        "crypto_miner",
			Description: "Potential cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|coinhive|cryptonight|hashrate)`),
			Severity:    SeverityMedium,
		},
	}
}
