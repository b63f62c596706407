package capability

import (
	"sync"

	"github.com/helixos/kernel/internal/infrastructure/monitoring"
	"github.com/helixos/kernel/internal/shared/id"
)

// DefaultLimit is the per-space capability quota when none is configured.
const DefaultLimit = 128

// Space is one task's capability table. The task-creation service seeds the
// initial set; afterwards capabilities enter only through Grant and leave
// only through Revoke.
type Space struct {
	mu      sync.RWMutex
	caps    []Capability // Protected by mu
	limit   int
	metrics *monitoring.Metrics
}

// NewSpace creates an empty space with the default quota.
func NewSpace() *Space {
	return NewSpaceWithLimit(DefaultLimit)
}

// NewSpaceWithLimit creates an empty space with a custom quota.
func NewSpaceWithLimit(limit int) *Space {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Space{
		caps:  make([]Capability, 0, 8),
		limit: limit,
	}
}

// WithMetrics adds metrics tracking to the space.
func (s *Space) WithMetrics(metrics *monitoring.Metrics) *Space {
	s.metrics = metrics
	return s
}

// Seed installs a task's initial capabilities without authorization
// chaining. Only the task-creation boundary may call this; the kernel never
// fabricates a capability set itself. The quota still applies.
func (s *Space) Seed(caps ...Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.caps)+len(caps) > s.limit {
		return ErrResourceLimitExceeded
	}
	s.caps = append(s.caps, caps...)
	return nil
}

// Grant appends cap to the space. It requires a held capability of the same
// type carrying the Grant bit whose rights dominate cap's.
func (s *Space) Grant(cap Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.canGrantLocked(cap) {
		return ErrInsufficientRights
	}
	if len(s.caps) >= s.limit {
		return ErrResourceLimitExceeded
	}

	s.caps = append(s.caps, cap)
	if s.metrics != nil {
		s.metrics.RecordGrant()
	}
	return nil
}

// Revoke removes the capability with the given id. It requires a held
// capability of the same type carrying the Revoke bit over the same
// resource; the target itself counts if it carries that authority.
func (s *Space) Revoke(capID id.CapabilityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(capID)
	if idx < 0 {
		return ErrCapabilityNotFound
	}

	target := s.caps[idx]
	if !s.canRevokeLocked(target) {
		return ErrInsufficientRights
	}

	s.caps = append(s.caps[:idx], s.caps[idx+1:]...)
	if s.metrics != nil {
		s.metrics.RecordRevoke()
	}
	return nil
}

// Check reports whether any held capability of the given type dominates the
// requested rights. Every right bit participates in the comparison.
func (s *Space) Check(typ Type, rights Rights) bool {
	s.mu.RLock()
	ok := false
	for _, c := range s.caps {
		if c.Type == typ && rights.SubsetOf(c.Rights) {
			ok = true
			break
		}
	}
	s.mu.RUnlock()

	if s.metrics != nil {
		s.metrics.RecordCapabilityCheck(ok)
	}
	return ok
}

// Derive mints a fresh capability from an existing one with narrowed
// rights. The derived capability refers to the same resource and owner and
// is returned, not appended; the caller decides where it is granted.
func (s *Space) Derive(capID id.CapabilityID, rights Rights) (Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.indexLocked(capID)
	if idx < 0 {
		return Capability{}, ErrCapabilityNotFound
	}

	parent := s.caps[idx]
	if !rights.SubsetOf(parent.Rights) {
		return Capability{}, ErrInsufficientRights
	}

	return Capability{
		ID:       id.NewCapabilityID(),
		Type:     parent.Type,
		Rights:   rights,
		Resource: parent.Resource,
		Owner:    parent.Owner,
	}, nil
}

// Snapshot returns a copy of the held capabilities.
func (s *Space) Snapshot() []Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Capability, len(s.caps))
	copy(out, s.caps)
	return out
}

// Len returns the number of held capabilities.
func (s *Space) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.caps)
}

// Limit returns the space quota.
func (s *Space) Limit() int {
	return s.limit
}

func (s *Space) indexLocked(capID id.CapabilityID) int {
	for i, c := range s.caps {
		if c.ID == capID {
			return i
		}
	}
	return -1
}

func (s *Space) canGrantLocked(cap Capability) bool {
	for _, h := range s.caps {
		if h.Type == cap.Type && h.Rights.Has(RightGrant) && cap.Rights.SubsetOf(h.Rights) {
			return true
		}
	}
	return false
}

func (s *Space) canRevokeLocked(target Capability) bool {
	for _, h := range s.caps {
		if h.Type == target.Type && h.Rights.Has(RightRevoke) && h.Resource == target.Resource {
			return true
		}
	}
	return false
}
