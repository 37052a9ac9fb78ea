package memstore

import (
	"cmp"
	"slices"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion"
)

// AddSourceConfig stores cfg, assigning an id when it has none, and returns
// the stored copy.
func (s *Store) AddSourceConfig(cfg ingestion.SourceConfig) ingestion.SourceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.ID == 0 {
		s.d.seq++
		cfg.ID = s.d.seq
	} else if cfg.ID > s.d.seq {
		s.d.seq = cfg.ID
	}
	stored := cloneConfig(&cfg)
	s.d.configs[cfg.ID] = stored
	return *cloneConfig(stored)
}

// SourceConfigs returns every config ordered by id.
func (s *Store) SourceConfigs() []ingestion.SourceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ingestion.SourceConfig, 0, len(s.d.configs))
	for _, cfg := range s.d.configs {
		out = append(out, *cloneConfig(cfg))
	}
	slices.SortFunc(out, func(a, b ingestion.SourceConfig) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Contents returns every content record ordered by id.
func (s *Store) Contents() []ingestion.ContentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ingestion.ContentRecord, 0, len(s.d.content))
	for _, rec := range s.d.content {
		out = append(out, *rec)
	}
	slices.SortFunc(out, func(a, b ingestion.ContentRecord) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (s *Store) ContentByURL(url string) *ingestion.ContentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.d.byURL[url]
	if !ok {
		return nil
	}
	rec := *s.d.content[id]
	return &rec
}

// RawItems returns the raw items of one actor run ordered by id.
func (s *Store) RawItems(runID string) []ingestion.RawDatasetItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ingestion.RawDatasetItem
	for _, item := range s.d.raw {
		if item.RunID == runID {
			out = append(out, *item)
		}
	}
	slices.SortFunc(out, func(a, b ingestion.RawDatasetItem) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (s *Store) WebhookEvents() []ingestion.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ingestion.WebhookEvent, 0, len(s.d.events))
	for _, ev := range s.d.events {
		out = append(out, *ev)
	}
	slices.SortFunc(out, func(a, b ingestion.WebhookEvent) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (s *Store) Run(id uuid.UUID) *ingestion.IngestRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.runs[id].Clone()
}

// Runs returns every stored run ordered by start time.
func (s *Store) Runs() []*ingestion.IngestRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ingestion.IngestRun, 0, len(s.d.runs))
	for _, run := range s.d.runs {
		out = append(out, run.Clone())
	}
	slices.SortFunc(out, func(a, b *ingestion.IngestRun) int { return a.StartTime.Compare(b.StartTime) })
	return out
}
