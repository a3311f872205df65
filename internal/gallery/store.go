package gallery

import (
	"sync"

	"github.com/bdougie/thumbgrab/internal/metrics"
	"github.com/bdougie/thumbgrab/internal/models"
)

// NoSelection is the selected index of a store with nothing selected
const NoSelection = -1

// EventKind describes a change to the store
type EventKind int

const (
	Appended EventKind = iota
	Removed
	Selected
	Cleared
)

// Event is delivered to OnChange subscribers after the store has been updated
type Event struct {
	Kind     EventKind
	Index    int
	Len      int
	Selected int
}

// Store is an ordered gallery of captured images with a single selection.
// Insertion order is display order.
type Store struct {
	mu        sync.RWMutex
	images    []models.CapturedImage
	selected  int
	listeners []func(Event)
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{selected: NoSelection}
}

// OnChange registers fn to be called after every mutation
func (s *Store) OnChange(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Append adds img at the end and returns its index
func (s *Store) Append(img models.CapturedImage) int {
	s.mu.Lock()
	s.images = append(s.images, img)
	idx := len(s.images) - 1
	ev := s.event(Appended, idx)
	s.mu.Unlock()

	s.notify(ev)
	return idx
}

// RemoveAt deletes the image at index. Out of range indexes are ignored.
func (s *Store) RemoveAt(index int) {
	s.mu.Lock()
	if index < 0 || index >= len(s.images) {
		s.mu.Unlock()
		return
	}

	last := len(s.images) - 1
	copy(s.images[index:], s.images[index+1:])
	s.images[last] = models.CapturedImage{} // release the encoded bytes
	s.images = s.images[:last]
	switch {
	case index == s.selected:
		s.selected = NoSelection
	case index < s.selected:
		s.selected--
	}
	ev := s.event(Removed, index)
	s.mu.Unlock()

	s.notify(ev)
}

// Select marks index as selected and returns the image.
// Out of range indexes leave the selection unchanged and return false.
func (s *Store) Select(index int) (models.CapturedImage, bool) {
	s.mu.Lock()
	if index < 0 || index >= len(s.images) {
		s.mu.Unlock()
		return models.CapturedImage{}, false
	}
	s.selected = index
	img := s.images[index]
	ev := s.event(Selected, index)
	s.mu.Unlock()

	s.notify(ev)
	return img, true
}

// Clear empties the store and drops the selection
func (s *Store) Clear() {
	s.mu.Lock()
	s.images = nil
	s.selected = NoSelection
	ev := s.event(Cleared, NoSelection)
	s.mu.Unlock()

	s.notify(ev)
}

// Len returns the number of images
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.images)
}

// At returns the image at index
func (s *Store) At(index int) (models.CapturedImage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.images) {
		return models.CapturedImage{}, false
	}
	return s.images[index], true
}

// Images returns a copy of the images in display order
func (s *Store) Images() []models.CapturedImage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CapturedImage, len(s.images))
	copy(out, s.images)
	return out
}

// Selected returns the selected image and its index
func (s *Store) Selected() (models.CapturedImage, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selected == NoSelection {
		return models.CapturedImage{}, NoSelection, false
	}
	return s.images[s.selected], s.selected, true
}

// SelectedIndex returns the selected index or NoSelection
func (s *Store) SelectedIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// event must be called with the lock held
func (s *Store) event(kind EventKind, index int) Event {
	metrics.GallerySize.Set(float64(len(s.images)))
	return Event{Kind: kind, Index: index, Len: len(s.images), Selected: s.selected}
}

func (s *Store) notify(ev Event) {
	s.mu.RLock()
	listeners := append([]func(Event){}, s.listeners...)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}
