// Package services – ProfileService
//
// This file implements user records: the users/{id} document holding a
// profile and the full project list. The document is the unit of
// last-writer-wins overwrite; project edits are read-modify-write on the
// whole list, which matches the "last full-list write wins" contract and
// keeps the store free of per-project merge logic.
//
// It also exposes the builder catalog (every user record except the
// caller's own) and tag-derived matching over it via the match package.
package services

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sidopolis/milap/internal/domain"
	"github.com/Sidopolis/milap/internal/match"
	"github.com/Sidopolis/milap/internal/store"
)

// usersRoot is the store path root for user records, as in users/{id}.
const usersRoot = "users"

// ProfileService owns user records and builder discovery.
type ProfileService struct {
	// Store is the shared realtime store.
	Store store.Store
}

// NewProfileService constructs a ProfileService over the given store.
func NewProfileService(st store.Store) *ProfileService {
	return &ProfileService{Store: st}
}

// Get returns the user record for id, or ErrProfileNotFound.
func (s *ProfileService) Get(ctx context.Context, id string) (*domain.UserRecord, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	raw, err := s.Store.Read(ctx, store.Join(usersRoot, id))
	if err == store.ErrNotFound {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec domain.UserRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, ErrProfileNotFound // unreadable record counts as absent
	}
	return &rec, nil
}

// Save overwrites id's whole user record (profile and project list).
// The display name is required; everything else may be empty.
func (s *ProfileService) Save(ctx context.Context, id string, rec domain.UserRecord) error {
	tr := otel.Tracer("services/ProfileService")
	ctx, span := tr.Start(ctx, "Save", trace.WithAttributes(attribute.String("identity", id)))
	defer span.End()

	if err := checkIdentity(id); err != nil {
		return err
	}
	rec.Profile.Name = strings.TrimSpace(rec.Profile.Name)
	if rec.Profile.Name == "" {
		return ErrEmptyName
	}
	if rec.Projects == nil {
		rec.Projects = []domain.Project{}
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.Store.Write(ctx, store.Join(usersRoot, id), raw)
}

// UpdateProfile replaces only the profile part of id's record, keeping the
// project list. A missing record is created with an empty project list, so
// onboarding and editing share one path.
func (s *ProfileService) UpdateProfile(ctx context.Context, id string, p domain.Profile) error {
	rec, err := s.Get(ctx, id)
	if err != nil && err != ErrProfileNotFound {
		return err
	}
	if rec == nil {
		rec = &domain.UserRecord{}
	}
	rec.Profile = p
	return s.Save(ctx, id, *rec)
}

// AddProject appends a project to id's list. The record must exist (a
// profile is saved during onboarding before any project is added).
func (s *ProfileService) AddProject(ctx context.Context, id string, p domain.Project) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return ErrEmptyProjectName
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	rec.Projects = append(rec.Projects, p)
	return s.Save(ctx, id, *rec)
}

// RemoveProject deletes the project at index from id's list. An
// out-of-range index is a no-op, per the stale-reference policy: the
// project may already have been removed by an earlier retry.
func (s *ProfileService) RemoveProject(ctx context.Context, id string, index int) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(rec.Projects) {
		return nil
	}
	rec.Projects = append(rec.Projects[:index], rec.Projects[index+1:]...)
	return s.Save(ctx, id, *rec)
}

// Builders returns the catalog of every user record except selfID's own,
// sorted by identity for a stable order.
func (s *ProfileService) Builders(ctx context.Context, selfID string) ([]domain.Builder, error) {
	if err := checkIdentity(selfID); err != nil {
		return nil, err
	}
	kids, err := s.Store.Children(ctx, usersRoot)
	if err != nil {
		return nil, err
	}
	return decodeCatalog(kids, selfID), nil
}

// WatchBuilders returns a snapshot stream of the builder catalog excluding
// selfID, refreshed whenever any user record changes.
func (s *ProfileService) WatchBuilders(selfID string) (<-chan []domain.Builder, func()) {
	out := make(chan []domain.Builder)
	if err := checkIdentity(selfID); err != nil {
		close(out)
		return out, func() {}
	}
	snaps, cancel := s.Store.WatchValue(usersRoot)
	go func() {
		defer close(out)
		for snap := range snaps {
			out <- decodeCatalog(snap.Children, selfID)
		}
	}()
	return out, cancel
}

// Matches returns the builders sharing at least one project tag with
// selfID, in catalog order. A caller with no profile or no tags matches
// nothing.
func (s *ProfileService) Matches(ctx context.Context, selfID string) ([]domain.Builder, error) {
	rec, err := s.Get(ctx, selfID)
	if err == ErrProfileNotFound {
		return []domain.Builder{}, nil
	}
	if err != nil {
		return nil, err
	}
	catalog, err := s.Builders(ctx, selfID)
	if err != nil {
		return nil, err
	}
	return match.NewMatcher(rec.Tags()).Match(catalog), nil
}

// decodeCatalog turns raw user children into a sorted builder slice,
// excluding self and skipping malformed records.
func decodeCatalog(kids map[string][]byte, selfID string) []domain.Builder {
	out := make([]domain.Builder, 0, len(kids))
	for id, raw := range kids {
		if id == selfID {
			continue
		}
		var rec domain.UserRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		out = append(out, domain.Builder{ID: id, Profile: rec.Profile, Projects: rec.Projects})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
