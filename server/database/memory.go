package database

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/setv/ultrascan/server/models"
)

// MemoryVisitRepository keeps visits in process memory. Used when no
// database is configured and in tests.
type MemoryVisitRepository struct {
	mu     sync.RWMutex
	visits map[string]models.Visit
}

func NewMemoryVisitRepository() *MemoryVisitRepository {
	return &MemoryVisitRepository{visits: make(map[string]models.Visit)}
}

func (r *MemoryVisitRepository) Create(ctx context.Context, v *models.Visit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.visits[v.VisitID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateVisit, v.VisitID)
	}
	r.visits[v.VisitID] = *v
	return nil
}

func (r *MemoryVisitRepository) Get(ctx context.Context, visitID string) (*models.Visit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.visits[visitID]
	if !ok {
		return nil, fmt.Errorf("%w: visit %s", ErrNotFound, visitID)
	}
	return &v, nil
}

func (r *MemoryVisitRepository) List(ctx context.Context, filter VisitFilter) ([]models.Visit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	visits := make([]models.Visit, 0, len(r.visits))
	for _, v := range r.visits {
		if filter.PatientID != "" && v.PatientID != filter.PatientID {
			continue
		}
		if filter.From != "" && v.VisitDate < filter.From {
			continue
		}
		if filter.To != "" && v.VisitDate > filter.To {
			continue
		}
		visits = append(visits, v)
	}

	sort.Slice(visits, func(i, j int) bool {
		if visits[i].CreatedAt.Equal(visits[j].CreatedAt) {
			return visits[i].VisitID < visits[j].VisitID
		}
		return visits[i].CreatedAt.After(visits[j].CreatedAt)
	})

	if filter.Limit > 0 && len(visits) > filter.Limit {
		visits = visits[:filter.Limit]
	}
	return visits, nil
}

func (r *MemoryVisitRepository) SetVideoURL(ctx context.Context, visitID, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.visits[visitID]
	if !ok {
		return fmt.Errorf("%w: visit %s", ErrNotFound, visitID)
	}
	v.VideoURL = url
	r.visits[visitID] = v
	return nil
}

type MemoryIDRepository struct {
	mu  sync.Mutex
	ids map[string]string
}

func NewMemoryIDRepository() *MemoryIDRepository {
	return &MemoryIDRepository{ids: make(map[string]string)}
}

func (r *MemoryIDRepository) Allocate(ctx context.Context, tempID, candidate string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if finalID, ok := r.ids[tempID]; ok {
		return finalID, nil
	}
	r.ids[tempID] = candidate
	return candidate, nil
}

func (r *MemoryIDRepository) Lookup(ctx context.Context, tempID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	finalID, ok := r.ids[tempID]
	if !ok {
		return "", fmt.Errorf("%w: final id for %s", ErrNotFound, tempID)
	}
	return finalID, nil
}
