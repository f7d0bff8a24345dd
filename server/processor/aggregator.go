package processor

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/setv/ultrascan/server/models"
)

// SelectionCap is the number of detections kept by the automatic selection.
const SelectionCap = 2

// Aggregator accumulates the detections of one visit and maintains the
// selection of frames shown to the operator.
//
// The running collection holds every ingested detection, bounded to
// maxDetections with the oldest evicted first. The batch holds the
// detections of the frame currently being classified and is folded into the
// selection by CompleteFrame.
type Aggregator struct {
	mu            sync.RWMutex
	maxDetections int
	detections    []models.Detection
	batch         []models.Detection
	selection     []models.Detection
}

func NewAggregator(maxDetections int) *Aggregator {
	if maxDetections <= 0 {
		maxDetections = 500
	}
	return &Aggregator{maxDetections: maxDetections}
}

// Ingest records a detection of the current frame. An ID is assigned when d
// has none. The stored detection is returned.
func (a *Aggregator) Ingest(d models.Detection) models.Detection {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.detections = append(a.detections, d)
	if over := len(a.detections) - a.maxDetections; over > 0 {
		a.detections = append([]models.Detection(nil), a.detections[over:]...)
	}
	a.batch = append(a.batch, d)

	return d
}

// CompleteFrame folds the current batch into the selection and starts a new
// batch. It reports whether the selection changed.
func (a *Aggregator) CompleteFrame() ([]models.Detection, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.batch) == 0 {
		return cloneDetections(a.selection), false
	}

	merged := mergeTopK(a.selection, a.batch, SelectionCap)
	a.batch = nil

	changed := !sameIDs(a.selection, merged)
	a.selection = merged
	return cloneDetections(merged), changed
}

// AddManual appends d to the selection, ignoring the cap and without
// deduplication. Used when the operator picks a frame by hand.
func (a *Aggregator) AddManual(d models.Detection) models.Detection {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.Manual = true

	a.mu.Lock()
	defer a.mu.Unlock()

	a.selection = append(a.selection, d)
	return d
}

// Remove drops the selected detection with the given id.
func (a *Aggregator) Remove(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, d := range a.selection {
		if d.ID == id {
			a.selection = append(a.selection[:i:i], a.selection[i+1:]...)
			return true
		}
	}
	return false
}

func (a *Aggregator) Selection() []models.Detection {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return cloneDetections(a.selection)
}

func (a *Aggregator) Detections() []models.Detection {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return cloneDetections(a.detections)
}

func (a *Aggregator) DetectionCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.detections)
}

// Find looks a detection up in the running collection, then in the
// selection.
func (a *Aggregator) Find(id string) (models.Detection, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, d := range a.detections {
		if d.ID == id {
			return d, true
		}
	}
	for _, d := range a.selection {
		if d.ID == id {
			return d, true
		}
	}
	return models.Detection{}, false
}

// SetImageURL records where the annotated image of detection id was stored.
func (a *Aggregator) SetImageURL(id, url string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, list := range [][]models.Detection{a.detections, a.batch, a.selection} {
		for i := range list {
			if list[i].ID == id {
				list[i].ImageURL = url
			}
		}
	}
}

func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.detections = nil
	a.batch = nil
	a.selection = nil
}

// mergeTopK takes the k most confident entries of batch, appends them to
// existing, removes duplicate annotated images keeping the first occurrence,
// sorts by confidence descending and keeps k. Sorting is stable, so on equal
// confidence existing entries stay ahead of new ones.
func mergeTopK(existing, batch []models.Detection, k int) []models.Detection {
	if len(batch) == 0 {
		return cloneDetections(existing)
	}

	top := cloneDetections(batch)
	sortByConfidence(top)
	if len(top) > k {
		top = top[:k]
	}

	merged := make([]models.Detection, 0, len(existing)+len(top))
	seen := make(map[string]struct{}, len(existing)+len(top))
	for _, d := range append(cloneDetections(existing), top...) {
		if _, dup := seen[d.AnnotatedImage]; dup {
			continue
		}
		seen[d.AnnotatedImage] = struct{}{}
		merged = append(merged, d)
	}

	sortByConfidence(merged)
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged
}

func sortByConfidence(ds []models.Detection) {
	sort.SliceStable(ds, func(i, j int) bool {
		return ds[i].Confidence > ds[j].Confidence
	})
}

func sameIDs(a, b []models.Detection) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

func cloneDetections(ds []models.Detection) []models.Detection {
	if ds == nil {
		return nil
	}
	out := make([]models.Detection, len(ds))
	copy(out, ds)
	return out
}
