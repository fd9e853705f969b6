package mta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Selector picks a source IP from a virtual-MTA group for a given
// destination, honoring per-group round-robin-over-destination fairness: the
// same destination host walks the group's MTAs in rotation rather than
// always landing on the first one.
type Selector struct {
	groups VirtualMTAGroupStore
	logger *slog.Logger

	mu     sync.Mutex
	cursor map[string]int // groupID+destination -> next index
}

// NewSelector constructs a Selector backed by the given group store.
func NewSelector(groups VirtualMTAGroupStore) *Selector {
	return &Selector{
		groups: groups,
		logger: slog.Default().With("component", "virtual_mta_selector"),
		cursor: make(map[string]int),
	}
}

// GetVirtualMtaForSending picks a VirtualMTA from the named group for
// delivery to the given (best-preference) MX record.
func (s *Selector) GetVirtualMtaForSending(ctx context.Context, groupID string, mx MXRecord) (*VirtualMTA, error) {
	group, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("lookup virtual-mta group %q: %w", groupID, err)
	}
	if group == nil || len(group.MTAs) == 0 {
		return nil, fmt.Errorf("virtual-mta group %q has no members", groupID)
	}

	cursorKey := groupID + "\x00" + mx.Host

	s.mu.Lock()
	idx := s.cursor[cursorKey] % len(group.MTAs)
	s.cursor[cursorKey] = idx + 1
	s.mu.Unlock()

	vmta := group.MTAs[idx]
	s.logger.Debug("selected virtual mta", "group_id", groupID, "mx_host", mx.Host, "source_ip", vmta.IP)
	return vmta, nil
}

// StaticGroupStore implements VirtualMTAGroupStore from a fixed,
// config-supplied set of groups.
type StaticGroupStore struct {
	groups map[string]*VirtualMTAGroup
}

// NewStaticGroupStore builds a StaticGroupStore from a list of groups, each
// of which must be non-empty.
func NewStaticGroupStore(groups []*VirtualMTAGroup) (*StaticGroupStore, error) {
	index := make(map[string]*VirtualMTAGroup, len(groups))
	for _, g := range groups {
		if len(g.MTAs) == 0 {
			return nil, fmt.Errorf("virtual-mta group %q must be non-empty", g.ID)
		}
		index[g.ID] = g
	}
	return &StaticGroupStore{groups: index}, nil
}

// GetGroup implements VirtualMTAGroupStore.
func (s *StaticGroupStore) GetGroup(_ context.Context, id string) (*VirtualMTAGroup, error) {
	g, ok := s.groups[id]
	if !ok {
		return nil, fmt.Errorf("unknown virtual-mta group %q", id)
	}
	return g, nil
}
