package filekv

import "github.com/relume-ai/relume/internal/models"

// Snapshot returns copies of every stored entity. Used by the startup
// migration to drain a journal into the primary store.
func (s *Store) Snapshot() ([]*models.User, []*models.Job, []*models.Batch) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]*models.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, cloneUser(u))
	}
	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, cloneJob(j))
	}
	batches := make([]*models.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		batches = append(batches, cloneBatch(b))
	}
	return users, jobs, batches
}

// Journal returns the store for snapshot access from the manager.
func (m *Manager) Journal() *Store {
	return m.store
}
