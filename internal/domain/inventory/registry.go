package inventory

import (
	"fmt"
	"sort"
	"strings"
)

// Registry holds medicine records sorted by strictly increasing id, up to a
// fixed capacity. The backing slice is allocated once at full capacity and
// never grows.
type Registry struct {
	records []MedicineRecord
	cap     int
}

// NewRegistry returns an empty registry. capacity <= 0 selects
// DefaultRegistryCapacity.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultRegistryCapacity
	}
	return &Registry{records: make([]MedicineRecord, 0, capacity), cap: capacity}
}

// Len returns the number of records.
func (r *Registry) Len() int { return len(r.records) }

// Cap returns the declared capacity.
func (r *Registry) Cap() int { return r.cap }

// Insert places rec at its sorted position, shifting later records right.
func (r *Registry) Insert(rec MedicineRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if len(r.records) == r.cap {
		return fmt.Errorf("%w: limit is %d", ErrCapacityExceeded, r.cap)
	}
	pos, found := r.search(rec.ID)
	if found {
		return fmt.Errorf("%w: %d", ErrDuplicateID, rec.ID)
	}
	r.records = r.records[:len(r.records)+1]
	copy(r.records[pos+1:], r.records[pos:len(r.records)-1])
	r.records[pos] = rec
	return nil
}

// Delete removes the record with the given id, shifting later records left.
func (r *Registry) Delete(id int) error {
	pos, found := r.search(id)
	if !found {
		return notFound(id)
	}
	copy(r.records[pos:], r.records[pos+1:])
	r.records[len(r.records)-1] = MedicineRecord{}
	r.records = r.records[:len(r.records)-1]
	return nil
}

// Find returns a pointer to the stored record, or nil when absent. The
// pointer is only valid until the next Insert or Delete.
func (r *Registry) Find(id int) *MedicineRecord {
	pos, found := r.search(id)
	if !found {
		return nil
	}
	return &r.records[pos]
}

// Get returns a copy of the record with the given id.
func (r *Registry) Get(id int) (MedicineRecord, error) {
	rec := r.Find(id)
	if rec == nil {
		return MedicineRecord{}, notFound(id)
	}
	return *rec, nil
}

// AdjustStock applies delta to the record's stock. A decrease that would
// leave stock negative fails with ErrInsufficientStock and changes nothing.
// Warning state is not re-evaluated here.
func (r *Registry) AdjustStock(id, delta int) error {
	rec := r.Find(id)
	if rec == nil {
		return notFound(id)
	}
	if rec.Stock+delta < 0 {
		return fmt.Errorf("%w: medicine %d has %d, requested %d", ErrInsufficientStock, id, rec.Stock, -delta)
	}
	rec.Stock += delta
	return nil
}

// All returns a copy of every record in id order.
func (r *Registry) All() []MedicineRecord {
	out := make([]MedicineRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Search returns the records whose name contains keyword, ignoring case.
func (r *Registry) Search(keyword string) []MedicineRecord {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	out := make([]MedicineRecord, 0)
	for _, rec := range r.records {
		if strings.Contains(strings.ToLower(rec.Name), keyword) {
			out = append(out, rec)
		}
	}
	return out
}

// replace overwrites the stored record that has rec.ID.
func (r *Registry) replace(rec MedicineRecord) error {
	pos, found := r.search(rec.ID)
	if !found {
		return notFound(rec.ID)
	}
	r.records[pos] = rec
	return nil
}

// search is a binary search returning the index of id, or the index of the
// first record with a greater id when id is absent.
func (r *Registry) search(id int) (int, bool) {
	pos := sort.Search(len(r.records), func(i int) bool { return r.records[i].ID >= id })
	return pos, pos < len(r.records) && r.records[pos].ID == id
}

// each visits every stored record in id order with a mutable pointer.
func (r *Registry) each(fn func(*MedicineRecord)) {
	for i := range r.records {
		fn(&r.records[i])
	}
}
