package submission

import (
	"context"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	recs   map[int64]Record
	groups map[int64][]Participant
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		recs:   make(map[int64]Record),
		groups: make(map[int64][]Participant),
	}
}

func (s *MemoryStore) Insert(_ context.Context, rec Record, participants []Participant) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = s.nextID
	s.nextID++
	if rec.Status == StatusUnknown {
		rec.Status = StatusUploaded
	}
	s.recs[rec.ID] = rec
	s.groups[rec.ID] = append([]Participant(nil), participants...)
	return rec.ID, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) GetByIdentity(_ context.Context, identity Identity) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.recs {
		if rec.Token == identity.Token && rec.UploadTime.Equal(identity.UploadTime) {
			return rec, nil
		}
	}
	return Record{}, ErrNotFound
}

func (s *MemoryStore) Participants(_ context.Context, id int64) ([]Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.recs[id]; !ok {
		return nil, ErrNotFound
	}
	return append([]Participant(nil), s.groups[id]...), nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.recs))
	for id := range s.recs {
		ids = append(ids, id)
	}
	// Newest first, matching the relational ORDER BY id DESC.
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec := s.recs[id]
		if !matchFilter(rec, f) {
			continue
		}
		out = append(out, rec)
	}

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchFilter(rec Record, f Filter) bool {
	if f.Course != "" && rec.Course != f.Course {
		return false
	}
	if f.Assignment != "" && rec.Assignment != f.Assignment {
		return false
	}
	if f.UploadedBy != 0 && rec.UploadedBy != f.UploadedBy {
		return false
	}
	if f.ExitCode != nil {
		if rec.ExitCode == nil || *rec.ExitCode != *f.ExitCode {
			return false
		}
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, st := range f.Statuses {
			if rec.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id int64, status Status, exitCode *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	if exitCode != nil {
		code := *exitCode
		rec.ExitCode = &code
	}
	s.recs[id] = rec
	return nil
}

func (s *MemoryStore) ResetToQueued(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status == StatusProcessing {
		return ErrProcessing
	}
	rec.Status = StatusQueued
	rec.ExitCode = nil
	s.recs[id] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.recs, id)
		delete(s.groups, id)
	}
	return nil
}

func (s *MemoryStore) QueuePositions(_ context.Context) (map[int64]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.recs))
	for id, rec := range s.recs {
		if rec.Status == StatusQueued {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make(map[int64]int, len(ids))
	for i, id := range ids {
		out[id] = i + 1
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
