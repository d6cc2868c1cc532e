package profile

import (
	"context"
	"fmt"
	"sync"

	"verigate/internal/domain"
	"verigate/pkg/platform/sentinel"
)

// InMemoryStore keeps profile records in memory for tests/dev.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewInMemoryStore constructs an empty in-memory profile store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]*Record)}
}

func (s *InMemoryStore) Get(_ context.Context, subjectID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[subjectID]
	if !ok {
		return Record{}, fmt.Errorf("profile %s: %w", subjectID, sentinel.ErrNotFound)
	}
	return cloneRecord(record), nil
}

func (s *InMemoryStore) UpsertVerification(_ context.Context, state domain.VerificationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.ensure(state.SubjectID)
	record.Verification = state
	return nil
}

func (s *InMemoryStore) SetPoseURL(_ context.Context, subjectID string, pose domain.Pose, url string) error {
	if !pose.Valid() {
		return fmt.Errorf("unknown pose %q", pose)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.ensure(subjectID)
	record.PoseURLs[pose] = url
	return nil
}

func (s *InMemoryStore) SetAvatarURL(_ context.Context, subjectID string, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.ensure(subjectID)
	record.AvatarURL = url
	return nil
}

func (s *InMemoryStore) ensure(subjectID string) *Record {
	record, ok := s.records[subjectID]
	if !ok {
		record = &Record{
			SubjectID:    subjectID,
			Verification: domain.NewVerificationState(subjectID),
			PoseURLs:     make(map[domain.Pose]string),
		}
		s.records[subjectID] = record
	}
	return record
}

func cloneRecord(r *Record) Record {
	out := *r
	out.PoseURLs = make(map[domain.Pose]string, len(r.PoseURLs))
	for pose, url := range r.PoseURLs {
		out.PoseURLs[pose] = url
	}
	return out
}
