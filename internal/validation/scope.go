package validation

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
)

var domainPattern = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`)

// ScopeFile is an engagement scope: hosts the operator is authorized to test
// and hosts that must never be touched.
type ScopeFile struct {
	InScope     []ScopeEntry
	OutOfScope  []ScopeEntry
	Description string
}

type ScopeEntry struct {
	Value string
	Type  string // "domain", "wildcard", "ip", "ip_range", "url"
}

func LoadScopeFile(path string) (*ScopeFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open scope file: %w", err)
	}
	defer file.Close()

	return ParseScope(file)
}

// ParseScope reads one entry per line. "[in-scope]" and "[out-of-scope]"
// switch sections; in-scope is the default. Lines starting with # are comments.
func ParseScope(r io.Reader) (*ScopeFile, error) {
	scope := &ScopeFile{
		InScope:    []ScopeEntry{},
		OutOfScope: []ScopeEntry{},
	}

	scanner := bufio.NewScanner(r)
	inScopeSection := true

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			if strings.HasPrefix(line, "# Description:") {
				scope.Description = strings.TrimSpace(strings.TrimPrefix(line, "# Description:"))
			}
			continue
		}

		switch strings.ToLower(line) {
		case "[in-scope]", "[inscope]":
			inScopeSection = true
			continue
		case "[out-of-scope]", "[outofscope]":
			inScopeSection = false
			continue
		}

		entry := parseScopeEntry(line)
		if entry == nil {
			continue
		}

		if inScopeSection {
			scope.InScope = append(scope.InScope, *entry)
		} else {
			scope.OutOfScope = append(scope.OutOfScope, *entry)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading scope file: %w", err)
	}

	return scope, nil
}

func parseScopeEntry(line string) *ScopeEntry {
	if strings.Contains(line, "/") && !strings.Contains(line, "://") {
		if _, _, err := net.ParseCIDR(line); err == nil {
			return &ScopeEntry{Value: line, Type: "ip_range"}
		}
	}

	if net.ParseIP(line) != nil {
		return &ScopeEntry{Value: line, Type: "ip"}
	}

	if strings.HasPrefix(line, "*.") && domainPattern.MatchString(strings.TrimPrefix(line, "*.")) {
		return &ScopeEntry{Value: strings.ToLower(line), Type: "wildcard"}
	}

	if domainPattern.MatchString(line) {
		return &ScopeEntry{Value: strings.ToLower(line), Type: "domain"}
	}

	if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
		return &ScopeEntry{Value: line, Type: "url"}
	}

	return nil
}

// ApplyTo merges the scope into lab's allow and exclusion lists. IP ranges are
// skipped because the gate matches on host names.
func (sf *ScopeFile) ApplyTo(lab *config.LabConfig) {
	for _, e := range sf.InScope {
		if v := scopeValue(e); v != "" && !contains(lab.AllowedTargets, v) {
			lab.AllowedTargets = append(lab.AllowedTargets, v)
		}
	}
	for _, e := range sf.OutOfScope {
		if v := scopeValue(e); v != "" && !contains(lab.ExcludedTargets, v) {
			lab.ExcludedTargets = append(lab.ExcludedTargets, v)
		}
	}
}

func scopeValue(e ScopeEntry) string {
	switch e.Type {
	case "domain", "ip":
		return e.Value
	case "wildcard":
		return strings.TrimPrefix(e.Value, "*.")
	case "url":
		return HostOf(e.Value)
	default:
		return ""
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
