package relocation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/setv/ultrascan/server/models"
)

// Outbox durably records relocations and their phase.
type Outbox interface {
	Create(ctx context.Context, r *models.Relocation) error
	Update(ctx context.Context, r *models.Relocation) error
	Get(ctx context.Context, id string) (*models.Relocation, error)
	// ListPending returns rows that are not terminal and were attempted
	// fewer than maxAttempts times, oldest first.
	ListPending(ctx context.Context, maxAttempts int) ([]models.Relocation, error)
	ListByVisit(ctx context.Context, visitID string) ([]models.Relocation, error)
}

type MemoryOutbox struct {
	mu   sync.RWMutex
	rows map[string]models.Relocation
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{rows: make(map[string]models.Relocation)}
}

func (o *MemoryOutbox) Create(ctx context.Context, r *models.Relocation) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.rows[r.ID]; exists {
		return fmt.Errorf("relocation %s already exists", r.ID)
	}
	o.rows[r.ID] = *r
	return nil
}

func (o *MemoryOutbox) Update(ctx context.Context, r *models.Relocation) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.rows[r.ID]; !exists {
		return fmt.Errorf("relocation %s not found", r.ID)
	}
	o.rows[r.ID] = *r
	return nil
}

func (o *MemoryOutbox) Get(ctx context.Context, id string) (*models.Relocation, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	r, exists := o.rows[id]
	if !exists {
		return nil, fmt.Errorf("relocation %s not found", id)
	}
	return &r, nil
}

func (o *MemoryOutbox) ListPending(ctx context.Context, maxAttempts int) ([]models.Relocation, error) {
	return o.list(func(r models.Relocation) bool {
		return !r.State.Terminal() && r.Attempts < maxAttempts
	}), nil
}

func (o *MemoryOutbox) ListByVisit(ctx context.Context, visitID string) ([]models.Relocation, error) {
	return o.list(func(r models.Relocation) bool {
		return r.VisitID == visitID
	}), nil
}

func (o *MemoryOutbox) list(match func(models.Relocation) bool) []models.Relocation {
	o.mu.RLock()
	defer o.mu.RUnlock()

	rows := make([]models.Relocation, 0)
	for _, r := range o.rows {
		if match(r) {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	return rows
}
