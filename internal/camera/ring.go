package camera

import "sync"

// DefaultRingSize is how many recent camera detections are retained for
// correlation.
const DefaultRingSize = 100

// Detection is a normalized AI camera event.
type Detection struct {
	ImageID           string   `json:"image_id"`
	Timestamp         float64  `json:"timestamp"` // unix seconds
	VehicleCount      int      `json:"vehicle_count"`
	VehicleTypes      []string `json:"vehicle_types"`
	PrimaryConfidence float64  `json:"primary_confidence"`
	ImagePath         string   `json:"image_path,omitempty"`
	InferenceTimeMs   float64  `json:"inference_time_ms,omitempty"`
}

// Ring is a bounded buffer of the most recent camera detections. The camera
// ingestor is the single writer and the correlator the single reader; the
// mutex is held only for copies so neither side can stall the other.
type Ring struct {
	mu      sync.Mutex
	entries []Detection
	next    int
	full    bool
}

// NewRing creates a ring holding up to size detections. A non-positive size
// falls back to the default.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{entries: make([]Detection, size)}
}

// Push adds a detection, evicting the oldest when the ring is at capacity.
func (r *Ring) Push(d Detection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = d
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// Len returns the number of detections currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.entries)
	}
	return r.next
}

// Recent returns the held detections newest-first.
func (r *Ring) Recent() []Detection {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	count := n
	if r.full {
		count = len(r.entries)
	}

	out := make([]Detection, 0, count)
	for i := 0; i < count; i++ {
		idx := n - 1 - i
		if idx < 0 {
			idx += len(r.entries)
		}
		out = append(out, r.entries[idx])
	}
	return out
}
