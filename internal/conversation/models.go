// ABOUTME: Model catalog handling: one fetch, default selection, validated switching
// ABOUTME: Hosts without a catalog pass an empty model and the service picks its default

package conversation

import (
	"context"
	"fmt"

	"github.com/2389/muse/internal/transport"
)

// LoadModels fetches the model catalog. After one successful fetch later
// calls are no-ops. The catalog default becomes the selected model unless a
// model was already chosen.
func (s *Service) LoadModels(ctx context.Context) error {
	s.mu.Lock()
	loaded := s.catalog != nil
	s.mu.Unlock()
	if loaded {
		return nil
	}

	catalog, err := s.client.Models(ctx)
	if err != nil {
		s.logger.Warn("failed to load models", "error", err)
		return fmt.Errorf("loading models: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.catalog != nil {
		return nil
	}
	s.catalog = catalog
	if s.model == "" {
		s.model = catalog.Default
	}

	s.logger.Info("models loaded", "count", len(catalog.Models), "default", catalog.Default, "selected", s.model)
	return nil
}

// Models returns the loaded catalog entries.
func (s *Service) Models() []transport.Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.catalog == nil {
		return nil
	}
	return append([]transport.Model(nil), s.catalog.Models...)
}

// DefaultModel returns the catalog default, or "" before LoadModels.
func (s *Service) DefaultModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.catalog == nil {
		return ""
	}
	return s.catalog.Default
}

// SelectedModel returns the model sent with requests.
func (s *Service) SelectedModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SelectModel chooses the model for subsequent requests. Once the catalog is
// loaded the id must be one of its entries.
func (s *Service) SelectModel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.catalog != nil {
		if _, ok := s.catalog.Lookup(id); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownModel, id)
		}
	}
	s.model = id
	return nil
}

func (s *Service) resolveModel(override string) string {
	if override != "" {
		return override
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}
