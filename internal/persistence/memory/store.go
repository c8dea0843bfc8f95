// Package memory provides in-process credential and run stores for local
// development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"example.com/runsync/internal/domain"
)

// Store keeps credentials and runs in memory. It implements both
// domain.TokenStore and domain.ActivityStore.
type Store struct {
	mu          sync.RWMutex
	credentials map[string]domain.Credential
	runs        map[string]map[int64]domain.NormalizedRun
	failUpsert  error
}

var (
	_ domain.TokenStore    = (*Store)(nil)
	_ domain.ActivityStore = (*Store)(nil)
)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		credentials: make(map[string]domain.Credential),
		runs:        make(map[string]map[int64]domain.NormalizedRun),
	}
}

// GetCredential implements domain.TokenStore. It returns nil when the account
// has no credential.
func (s *Store) GetCredential(ctx context.Context, accountID string) (*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.credentials[accountID]
	if !ok {
		return nil, nil
	}
	return &cred, nil
}

// PutCredential implements domain.TokenStore.
func (s *Store) PutCredential(ctx context.Context, cred domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credentials[cred.AccountID] = cred
	return nil
}

// DeleteCredential implements domain.TokenStore.
func (s *Store) DeleteCredential(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.credentials, accountID)
	return nil
}

// UpsertMany implements domain.ActivityStore. The batch is applied as a whole
// or not at all.
func (s *Store) UpsertMany(ctx context.Context, accountID string, runs []domain.NormalizedRun) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failUpsert != nil {
		return 0, s.failUpsert
	}

	byID, ok := s.runs[accountID]
	if !ok {
		byID = make(map[int64]domain.NormalizedRun)
		s.runs[accountID] = byID
	}
	for _, run := range runs {
		run.AccountID = accountID
		byID[run.ID] = run
	}
	return len(runs), nil
}

// QueryAll implements domain.ActivityStore.
func (s *Store) QueryAll(ctx context.Context, accountID string) ([]domain.NormalizedRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.NormalizedRun, 0, len(s.runs[accountID]))
	for _, run := range s.runs[accountID] {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTimeLocal.Equal(out[j].StartTimeLocal) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartTimeLocal.After(out[j].StartTimeLocal)
	})
	return out, nil
}

// FailUpserts makes subsequent UpsertMany calls return err; nil restores normal behaviour.
func (s *Store) FailUpserts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpsert = err
}
