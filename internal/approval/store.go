package approval

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long a pending workflow stays resumable.
const DefaultTTL = 5 * time.Minute

// Record is the suspended state of one operation awaiting approval: the
// code and arguments of the invocation that suspended, plus the payload the
// envelope carried.
type Record struct {
	WorkflowID string         `json:"workflow_id"`
	Code       string         `json:"code,omitempty"`
	ToolID     string         `json:"tool_id"`
	Kind       Type           `json:"kind"`
	Args       map[string]any `json:"args,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Store keeps pending workflows in memory. Records expire after the TTL:
// Get returns nil for an expired record even if it has not been purged yet,
// and each Create sweeps out whatever already expired.
type Store struct {
	mu   sync.Mutex
	ttl  time.Duration
	recs map[string]*Record
	now  func() time.Time
}

// NewStore creates a Store. A non-positive ttl uses DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		ttl:  ttl,
		recs: make(map[string]*Record),
		now:  time.Now,
	}
}

// NewWorkflowID mints a workflow id for envelopes whose record is stored
// via SetWithID.
func NewWorkflowID() string {
	return uuid.NewString()
}

// Create stores a new pending workflow and returns its generated id.
func (s *Store) Create(code, toolID string, kind Type, args, payload map[string]any) string {
	id := uuid.NewString()
	s.SetWithID(id, code, toolID, kind, args, payload)
	return id
}

// SetWithID stores a pending workflow under an externally decided id,
// replacing any previous record with that id.
func (s *Store) SetWithID(id, code, toolID string, kind Type, args, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()
	s.recs[id] = &Record{
		WorkflowID: id,
		Code:       code,
		ToolID:     toolID,
		Kind:       kind,
		Args:       args,
		Payload:    payload,
		CreatedAt:  s.now(),
	}
}

// Get returns the pending record, or nil when the id is unknown or the
// record's TTL has passed.
func (s *Store) Get(id string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return nil
	}
	if s.now().Sub(rec.CreatedAt) > s.ttl {
		delete(s.recs, id)
		return nil
	}
	return rec
}

// Delete removes a pending workflow. Unknown ids are a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id)
}

// Size returns the number of physically present records, expired included.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// Clear drops every record.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = make(map[string]*Record)
}

func (s *Store) sweepLocked() {
	cutoff := s.now().Add(-s.ttl)
	for id, rec := range s.recs {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.recs, id)
		}
	}
}
