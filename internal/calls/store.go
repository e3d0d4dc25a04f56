package calls

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Phase is the lifecycle state of a tracked call. A call that has ended is
// removed from the store rather than kept with a terminal phase.
type Phase string

const (
	// PhaseRinging means the callee has been notified but has not answered.
	PhaseRinging Phase = "ringing"
	// PhaseOngoing means the callee answered and media is flowing.
	PhaseOngoing Phase = "ongoing"
)

var (
	// ErrCallInProgress is returned by Begin when the conversation already has a call.
	ErrCallInProgress = errors.New("calls: conversation already has an active call")
	// ErrInvalidRecord indicates a record missing its conversation or participants.
	ErrInvalidRecord = errors.New("calls: invalid call record")
)

// Record is the server-side view of one active or pending call.
type Record struct {
	ConversationID string
	CallerID       string
	CalleeID       string
	IsVideo        bool
	Phase          Phase
	StartedAt      time.Time
	AnsweredAt     time.Time
}

// Peer returns the other participant relative to userID.
func (r Record) Peer(userID string) (string, bool) {
	switch userID {
	case r.CallerID:
		return r.CalleeID, true
	case r.CalleeID:
		return r.CallerID, true
	default:
		return "", false
	}
}

// Involves reports whether userID is a participant.
func (r Record) Involves(userID string) bool {
	return userID != "" && (userID == r.CallerID || userID == r.CalleeID)
}

// Answered reports whether the call ever reached PhaseOngoing.
func (r Record) Answered() bool {
	return r.Phase == PhaseOngoing
}

// Store holds at most one Record per conversation. It is owned by the
// signaling event loop and is not safe for concurrent use.
type Store struct {
	records map[string]*Record
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{records: make(map[string]*Record)}
}

// Begin creates a ringing record. When the conversation already has a call
// the existing record is returned untouched together with ErrCallInProgress.
func (s *Store) Begin(record Record) (Record, error) {
	if strings.TrimSpace(record.ConversationID) == "" || record.CallerID == "" || record.CalleeID == "" {
		return Record{}, fmt.Errorf("%w: conversation, caller and callee are required", ErrInvalidRecord)
	}
	if existing, ok := s.records[record.ConversationID]; ok {
		return *existing, ErrCallInProgress
	}
	record.Phase = PhaseRinging
	record.AnsweredAt = time.Time{}
	stored := record
	s.records[record.ConversationID] = &stored
	return stored, nil
}

// MarkOngoing moves a ringing record to ongoing. It reports false without
// changing anything when the record is absent or already ongoing, so a late
// or duplicate answer is harmless.
func (s *Store) MarkOngoing(conversationID string, at time.Time) (Record, bool) {
	record, ok := s.records[conversationID]
	if !ok || record.Phase != PhaseRinging {
		return Record{}, false
	}
	record.Phase = PhaseOngoing
	record.AnsweredAt = at
	return *record, true
}

// End removes and returns the record for conversationID.
func (s *Store) End(conversationID string) (Record, bool) {
	record, ok := s.records[conversationID]
	if !ok {
		return Record{}, false
	}
	delete(s.records, conversationID)
	return *record, true
}

// Get returns the record for conversationID.
func (s *Store) Get(conversationID string) (Record, bool) {
	record, ok := s.records[conversationID]
	if !ok {
		return Record{}, false
	}
	return *record, true
}

// FindByCaller returns the conversation whose call callerID placed. Should
// the caller appear in several records, the lexicographically smallest
// conversation id is returned.
func (s *Store) FindByCaller(callerID string) (string, bool) {
	return s.first(func(record *Record) bool { return record.CallerID == callerID })
}

// FindByCallee returns the conversation whose call calleeID is receiving,
// using the same ordering rule as FindByCaller.
func (s *Store) FindByCallee(calleeID string) (string, bool) {
	return s.first(func(record *Record) bool { return record.CalleeID == calleeID })
}

// FindBetween returns the record linking the two users in either role.
func (s *Store) FindBetween(userA, userB string) (Record, bool) {
	conversationID, ok := s.first(func(record *Record) bool {
		return record.Involves(userA) && record.Involves(userB) && userA != userB
	})
	if !ok {
		return Record{}, false
	}
	return *s.records[conversationID], true
}

// Len reports the number of active records.
func (s *Store) Len() int {
	return len(s.records)
}

func (s *Store) first(match func(*Record) bool) (string, bool) {
	var matches []string
	for conversationID, record := range s.records {
		if match(record) {
			matches = append(matches, conversationID)
		}
	}
	if len(matches) == 0 {
		return "", false
	}
	sort.Strings(matches)
	return matches[0], true
}
