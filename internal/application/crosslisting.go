package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/capture-scheduler/internal/persistence"
	"github.com/example/capture-scheduler/internal/reconcile"
)

// CrossListingService rebuilds and reads the per-term cross-listing table.
type CrossListingService struct {
	listings persistence.CrossListingRepository
	prefs    persistence.PreferenceRepository
	logger   *slog.Logger
}

// NewCrossListingService wires the service to its repositories.
func NewCrossListingService(listings persistence.CrossListingRepository, prefs persistence.PreferenceRepository, logger *slog.Logger) *CrossListingService {
	return &CrossListingService{listings: listings, prefs: prefs, logger: defaultLogger(logger)}
}

// Rebuild replaces the term's cross-listings with the grouping of courses and
// returns an index over the new table. Running it twice on the same courses
// leaves the table unchanged.
func (s *CrossListingService) Rebuild(ctx context.Context, termID string, courses []reconcile.Course) (reconcile.CrossListIndex, error) {
	logger := serviceLogger(ctx, s.logger, "CrossListingService", "Rebuild", "term_id", termID)

	listings := reconcile.ResolveCrossListings(termID, reconcile.SectionMeetingsOf(courses))
	if err := s.listings.ReplaceCrossListings(ctx, termID, listings); err != nil {
		logger.ErrorContext(ctx, "failed to replace cross-listings", "error", err, "error_kind", ErrorKind(err))
		return reconcile.CrossListIndex{}, fmt.Errorf("rebuild cross-listings for %s: %w", termID, err)
	}
	logger.InfoContext(ctx, "cross-listings rebuilt", "groups", len(listings))
	return reconcile.NewCrossListIndex(listings), nil
}

// Index loads the persisted cross-listings of a term.
func (s *CrossListingService) Index(ctx context.Context, termID string) (reconcile.CrossListIndex, error) {
	listings, err := s.listings.ListCrossListings(ctx, termID)
	if err != nil {
		return reconcile.CrossListIndex{}, fmt.Errorf("list cross-listings for %s: %w", termID, err)
	}
	return reconcile.NewCrossListIndex(listings), nil
}

// Preferences resolves the canonical preferences of the set sectionID belongs to.
// It returns nil when no member has stored preferences.
func (s *CrossListingService) Preferences(ctx context.Context, termID string, index reconcile.CrossListIndex, sectionID string) (*reconcile.Preferences, error) {
	members := index.Members(sectionID)
	prefs, err := s.prefs.ListPreferences(ctx, termID, members)
	if err != nil {
		return nil, fmt.Errorf("list preferences for %s: %w", sectionID, err)
	}
	return reconcile.MergePreferences(index.Canonical(sectionID), prefs), nil
}
