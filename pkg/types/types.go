package types

import (
	"fmt"
	"strings"
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Severities returns every severity, highest first.
func Severities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}
}

// Rank orders severities so that Critical > High > Medium > Low > Info.
// Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// AtLeast reports whether s is as severe as other or more.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev == "informational" {
		sev = SeverityInfo
	}
	if !sev.IsValid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

type ScanType string

const (
	ScanTypeQuick    ScanType = "quick"
	ScanTypeStandard ScanType = "standard"
	ScanTypeFull     ScanType = "full"
	ScanTypeCustom   ScanType = "custom"
)

func (t ScanType) IsValid() bool {
	switch t {
	case ScanTypeQuick, ScanTypeStandard, ScanTypeFull, ScanTypeCustom:
		return true
	}
	return false
}

func ParseScanType(s string) (ScanType, error) {
	t := ScanType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("unknown scan type %q (want quick, standard, full or custom)", s)
	}
	return t, nil
}

type ScanStatus string

const (
	ScanStatusPending   ScanStatus = "pending"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
	ScanStatusCancelled ScanStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ScanStatus) IsTerminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed || s == ScanStatusCancelled
}

// Scanner selects which backend(s) a scan runs.
type Scanner string

const (
	ScannerZAP    Scanner = "zap"
	ScannerNuclei Scanner = "nuclei"
	ScannerBoth   Scanner = "both"
)

func (s Scanner) IsValid() bool {
	switch s {
	case ScannerZAP, ScannerNuclei, ScannerBoth:
		return true
	}
	return false
}

// ParseScanner is case-insensitive so "ZAP", "Zap" and "zap" are equivalent.
func ParseScanner(s string) (Scanner, error) {
	sc := Scanner(strings.ToLower(strings.TrimSpace(s)))
	if !sc.IsValid() {
		return "", fmt.Errorf("unknown scanner %q (want zap, nuclei or both)", s)
	}
	return sc, nil
}

type ExploitType string

const (
	ExploitTypeSQLi             ExploitType = "sqli"
	ExploitTypeXSS              ExploitType = "xss"
	ExploitTypeCSRF             ExploitType = "csrf"
	ExploitTypeRCE              ExploitType = "rce"
	ExploitTypeLFI              ExploitType = "lfi"
	ExploitTypeSSRF             ExploitType = "ssrf"
	ExploitTypeCommandInjection ExploitType = "command_injection"
	ExploitTypePathTraversal    ExploitType = "path_traversal"
	ExploitTypeCustom           ExploitType = "custom"
)

func (t ExploitType) IsValid() bool {
	switch t {
	case ExploitTypeSQLi, ExploitTypeXSS, ExploitTypeCSRF, ExploitTypeRCE, ExploitTypeLFI,
		ExploitTypeSSRF, ExploitTypeCommandInjection, ExploitTypePathTraversal, ExploitTypeCustom:
		return true
	}
	return false
}

func ParseExploitType(s string) (ExploitType, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	switch key {
	case "sqlinjection", "sql_injection":
		key = string(ExploitTypeSQLi)
	case "commandinjection":
		key = string(ExploitTypeCommandInjection)
	case "pathtraversal":
		key = string(ExploitTypePathTraversal)
	}
	t := ExploitType(key)
	if !t.IsValid() {
		return "", fmt.Errorf("unknown exploit type %q", s)
	}
	return t, nil
}

type ExploitStatus string

const (
	ExploitStatusActive  ExploitStatus = "active"
	ExploitStatusSuccess ExploitStatus = "success"
	ExploitStatusFailed  ExploitStatus = "failed"
	ExploitStatusBlocked ExploitStatus = "blocked"
)

type VerificationMethod string

const (
	VerificationDNSTXT   VerificationMethod = "dns_txt"
	VerificationHTTPFile VerificationMethod = "http_file"
	VerificationMetaTag  VerificationMethod = "meta_tag"
)

func (m VerificationMethod) IsValid() bool {
	switch m {
	case VerificationDNSTXT, VerificationHTTPFile, VerificationMetaTag:
		return true
	}
	return false
}

func ParseVerificationMethod(s string) (VerificationMethod, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	switch key {
	case "dns", "dnstxt", "txt":
		key = string(VerificationDNSTXT)
	case "http", "httpfile", "file":
		key = string(VerificationHTTPFile)
	case "meta", "metatag":
		key = string(VerificationMetaTag)
	}
	m := VerificationMethod(key)
	if !m.IsValid() {
		return "", fmt.Errorf("unknown verification method %q", s)
	}
	return m, nil
}

// Scan is one run of one or more scanners against a single target.
type Scan struct {
	ID            string     `json:"scan_id"`
	TargetURL     string     `json:"target_url"`
	ScanType      ScanType   `json:"scan_type"`
	Scanner       Scanner    `json:"scanner"`
	Status        ScanStatus `json:"status"`
	Progress      float64    `json:"progress"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FindingsCount int        `json:"findings_count"`
	CriticalCount int        `json:"critical_count"`
	HighCount     int        `json:"high_count"`
	MediumCount   int        `json:"medium_count"`
	LowCount      int        `json:"low_count"`
	InfoCount     int        `json:"info_count"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// SetCounts overwrites the denormalized severity counts.
func (s *Scan) SetCounts(c SeverityCounts) {
	s.CriticalCount = c[SeverityCritical]
	s.HighCount = c[SeverityHigh]
	s.MediumCount = c[SeverityMedium]
	s.LowCount = c[SeverityLow]
	s.InfoCount = c[SeverityInfo]
	s.FindingsCount = c.Total()
}

type Finding struct {
	ID                string    `json:"finding_id"`
	ScanID            string    `json:"scan_id"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	Severity          Severity  `json:"severity"`
	CVSSScore         *float64  `json:"cvss_score,omitempty"`
	CWEID             string    `json:"cwe_id,omitempty"`
	CVEID             string    `json:"cve_id,omitempty"`
	AffectedURL       string    `json:"affected_url"`
	AffectedParameter string    `json:"affected_parameter,omitempty"`
	Method            string    `json:"method,omitempty"`
	Attack            string    `json:"attack,omitempty"`
	Evidence          string    `json:"evidence,omitempty"`
	Solution          string    `json:"solution,omitempty"`
	References        []string  `json:"references"`
	Scanner           Scanner   `json:"scanner"`
	DiscoveredAt      time.Time `json:"discovered_at"`
	Verified          bool      `json:"verified"`
	FalsePositive     bool      `json:"false_positive"`
	Fingerprint       string    `json:"fingerprint,omitempty"`
}

type SeverityCounts map[Severity]int

func (c SeverityCounts) Add(s Severity) {
	c[s]++
}

func (c SeverityCounts) Total() int {
	total := 0
	for _, s := range Severities() {
		total += c[s]
	}
	return total
}

// ScanProgress is the payload of scan_progress events.
type ScanProgress struct {
	ScanID   string  `json:"scan_id"`
	Progress float64 `json:"progress"`
}

type ExploitSession struct {
	ID                  string           `json:"session_id"`
	FindingID           string           `json:"finding_id"`
	TargetURL           string           `json:"target_url"`
	ExploitType         ExploitType      `json:"exploit_type"`
	Status              ExploitStatus    `json:"status"`
	Commands            []ExploitCommand `json:"commands"`
	AIAssistanceEnabled bool             `json:"ai_assistance_enabled"`
	CreatedAt           time.Time        `json:"created_at"`
	LastActivity        time.Time        `json:"last_activity"`
}

type ExploitCommand struct {
	ID          string    `json:"command_id"`
	SessionID   string    `json:"session_id"`
	Command     string    `json:"command"`
	Payload     string    `json:"payload"`
	Response    string    `json:"response,omitempty"`
	StatusCode  int       `json:"status_code,omitempty"`
	Success     bool      `json:"success"`
	Timestamp   time.Time `json:"timestamp"`
	AISuggested bool      `json:"ai_suggested"`
}

type DomainVerification struct {
	Domain       string             `json:"domain"`
	Method       VerificationMethod `json:"verification_method"`
	Token        string             `json:"verification_token"`
	Verified     bool               `json:"verified"`
	VerifiedAt   *time.Time         `json:"verified_at,omitempty"`
	ExpiresAt    time.Time          `json:"expires_at"`
	Instructions string             `json:"instructions,omitempty"`
}

// VerifiedDomain is an entry of the verified-domain set.
type VerifiedDomain struct {
	Domain     string             `json:"domain"`
	Method     VerificationMethod `json:"method,omitempty"`
	VerifiedAt time.Time          `json:"verified_at"`
	ExpiresAt  time.Time          `json:"expires_at"`
}
