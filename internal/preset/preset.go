// Package preset stores named input bundles operators reuse across
// submissions.
package preset

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/gateway/internal/errkind"
	"github.com/openclaw/gateway/internal/store"
)

const maxPresets = 500

// Preset binds a template to saved inputs under a reusable name.
type Preset struct {
	PresetID   string                 `json:"preset_id"`
	Label      string                 `json:"label"`
	TemplateID string                 `json:"template_id"`
	Inputs     map[string]interface{} `json:"inputs"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Store persists presets as one JSON file under the state directory.
type Store struct {
	mu      sync.RWMutex
	path    string
	presets map[string]*Preset
}

// NewStore loads presets.json when present.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, presets: make(map[string]*Preset)}
	var list []*Preset
	if _, err := store.LoadJSON(path, &list); err != nil {
		return nil, err
	}
	for _, p := range list {
		s.presets[p.PresetID] = p
	}
	return s, nil
}

func (s *Store) persistLocked() error {
	list := make([]*Preset, 0, len(s.presets))
	for _, p := range s.presets {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return store.SaveJSON(s.path, list)
}

// List returns presets sorted by creation time.
func (s *Store) List() []*Preset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Preset, 0, len(s.presets))
	for _, p := range s.presets {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns one preset.
func (s *Store) Get(id string) (*Preset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presets[id]
	if !ok {
		return nil, errkind.Newf(errkind.NotFound, "preset %q not found", id)
	}
	cp := *p
	return &cp, nil
}

// Upsert validates and persists p. An empty PresetID creates; a set one
// updates and must exist.
func (s *Store) Upsert(p Preset) (*Preset, error) {
	if strings.TrimSpace(p.Label) == "" {
		return nil, errkind.New(errkind.ValidationError, "preset label is required")
	}
	if strings.TrimSpace(p.TemplateID) == "" {
		return nil, errkind.New(errkind.ValidationError, "preset template_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if p.PresetID == "" {
		if len(s.presets) >= maxPresets {
			return nil, errkind.Newf(errkind.ValidationError, "preset cap (%d) reached", maxPresets)
		}
		p.PresetID = "pr-" + uuid.NewString()[:8]
		p.CreatedAt = now
	} else {
		prev, ok := s.presets[p.PresetID]
		if !ok {
			return nil, errkind.Newf(errkind.NotFound, "preset %q not found", p.PresetID)
		}
		p.CreatedAt = prev.CreatedAt
	}
	p.UpdatedAt = now
	s.presets[p.PresetID] = &p
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Delete removes a preset.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.presets[id]; !ok {
		return errkind.Newf(errkind.NotFound, "preset %q not found", id)
	}
	delete(s.presets, id)
	return s.persistLocked()
}
