// Package findings keeps the normalized findings of every scan in memory.
package findings

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/murmur3"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/core"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
)

type Store struct {
	mu     sync.RWMutex
	byScan map[string][]*types.Finding
	byID   map[string]*types.Finding
	seen   map[string]map[string]struct{}
	now    func() time.Time
}

func NewStore() *Store {
	return &Store{
		byScan: make(map[string][]*types.Finding),
		byID:   make(map[string]*types.Finding),
		seen:   make(map[string]map[string]struct{}),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Fingerprint identifies the same alert reported twice by one scanner.
// Instances that differ in request method, attack or evidence differ.
func Fingerprint(f types.Finding) string {
	key := strings.Join([]string{
		string(f.Scanner),
		strings.ToLower(strings.TrimSpace(f.Name)),
		strings.TrimSpace(f.AffectedURL),
		strings.TrimSpace(f.AffectedParameter),
		strings.ToUpper(strings.TrimSpace(f.Method)),
		f.Attack,
		f.Evidence,
	}, "\x00")
	return strconv.FormatUint(murmur3.Sum64([]byte(key)), 16)
}

// Create registers an empty finding list for scanID. It is a no-op when the
// list already exists.
func (s *Store) Create(scanID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byScan[scanID]; ok {
		return
	}
	s.byScan[scanID] = []*types.Finding{}
	s.seen[scanID] = make(map[string]struct{})
}

// Append stores f under its scan, filling in ID, timestamp and fingerprint. It
// returns the stored copy and false when the scan is unknown or f duplicates an
// earlier finding.
func (s *Store) Append(f types.Finding) (types.Finding, bool) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.DiscoveredAt.IsZero() {
		f.DiscoveredAt = s.now()
	}
	if f.References == nil {
		f.References = []string{}
	}
	f.Fingerprint = Fingerprint(f)

	s.mu.Lock()
	defer s.mu.Unlock()

	list, ok := s.byScan[f.ScanID]
	if !ok {
		return types.Finding{}, false
	}
	if _, dup := s.seen[f.ScanID][f.Fingerprint]; dup {
		return types.Finding{}, false
	}

	stored := clone(f)
	s.byScan[f.ScanID] = append(list, &stored)
	s.byID[stored.ID] = &stored
	s.seen[f.ScanID][f.Fingerprint] = struct{}{}
	return clone(stored), true
}

// List returns a scan's findings in discovery order.
func (s *Store) List(scanID string) ([]types.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list, ok := s.byScan[scanID]
	if !ok {
		return nil, core.Errorf(core.ErrNotFound, "No findings for this scan")
	}
	out := make([]types.Finding, 0, len(list))
	for _, f := range list {
		out = append(out, clone(*f))
	}
	return out, nil
}

func (s *Store) Get(findingID string) (types.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.byID[findingID]
	if !ok {
		return types.Finding{}, core.NotFound("Finding")
	}
	return clone(*f), nil
}

func (s *Store) MarkFalsePositive(findingID string) error {
	return s.update(findingID, func(f *types.Finding) { f.FalsePositive = true })
}

func (s *Store) Verify(findingID string) error {
	return s.update(findingID, func(f *types.Finding) { f.Verified = true })
}

func (s *Store) update(findingID string, fn func(*types.Finding)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.byID[findingID]
	if !ok {
		return core.NotFound("Finding")
	}
	fn(f)
	return nil
}

// Counts groups a scan's findings by severity. False positives still count.
func (s *Store) Counts(scanID string) types.SeverityCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := types.SeverityCounts{}
	for _, f := range s.byScan[scanID] {
		counts.Add(f.Severity)
	}
	return counts
}

type Filter struct {
	MinSeverity          types.Severity
	ExcludeFalsePositive bool
}

// Query returns a scan's findings matching filter, most severe first and oldest
// first within a severity.
func (s *Store) Query(scanID string, filter Filter) ([]types.Finding, error) {
	all, err := s.List(scanID)
	if err != nil {
		return nil, err
	}

	out := all[:0]
	for _, f := range all {
		if filter.MinSeverity != "" && !f.Severity.AtLeast(filter.MinSeverity) {
			continue
		}
		if filter.ExcludeFalsePositive && f.FalsePositive {
			continue
		}
		out = append(out, f)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Severity.Rank(), out[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
	})
	return out, nil
}

func clone(f types.Finding) types.Finding {
	f.References = append([]string{}, f.References...)
	if f.CVSSScore != nil {
		v := *f.CVSSScore
		f.CVSSScore = &v
	}
	return f
}
