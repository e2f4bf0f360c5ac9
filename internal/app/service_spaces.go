package app

import (
	"context"
	"fmt"
	"net/http"

	"charter/api/internal/rbac"
	"charter/api/internal/store"
)

// CreateSpace makes the caller the first admin of a new space.
func (s *Service) CreateSpace(ctx context.Context, session Session, name string) (store.Space, error) {
	if session.UserID == "" {
		return store.Space{}, forbidden()
	}
	name, err := requireText(name, "name")
	if err != nil {
		return store.Space{}, err
	}
	space := store.Space{ID: s.newID("spc"), Name: name}
	if err := s.store.CreateSpace(ctx, space, session.UserID); err != nil {
		return store.Space{}, err
	}
	return s.store.GetSpace(ctx, space.ID)
}

type SpaceView struct {
	ID    string       `json:"id"`
	Name  string       `json:"name"`
	Role  rbac.Role    `json:"role"`
	Roles []store.Role `json:"roles"`
}

func (s *Service) GetSpace(ctx context.Context, session Session, spaceID string) (SpaceView, error) {
	u, err := s.requireAction(ctx, spaceID, session, rbac.ActionRead)
	if err != nil {
		return SpaceView{}, err
	}
	space, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return SpaceView{}, err
	}
	roles, err := s.store.ListRoles(ctx, spaceID)
	if err != nil {
		return SpaceView{}, err
	}
	return SpaceView{ID: space.ID, Name: space.Name, Role: u.SpaceRole, Roles: roles}, nil
}

func (s *Service) SetSpaceMember(ctx context.Context, session Session, spaceID, userID, role string) error {
	if _, err := s.requireAction(ctx, spaceID, session, rbac.ActionAdmin); err != nil {
		return err
	}
	normalized := rbac.Normalize(role)
	if normalized == rbac.RoleNone {
		return validation(fmt.Sprintf("unknown space role %q", role))
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return err
	}
	return s.store.UpsertSpaceMember(ctx, spaceID, userID, normalized)
}

func (s *Service) CreateRole(ctx context.Context, session Session, spaceID, name string) (store.Role, error) {
	if _, err := s.requireAction(ctx, spaceID, session, rbac.ActionAdmin); err != nil {
		return store.Role{}, err
	}
	name, err := requireText(name, "name")
	if err != nil {
		return store.Role{}, err
	}
	role := store.Role{ID: s.newID("rol"), SpaceID: spaceID, Name: name}
	if err := s.store.CreateRole(ctx, role); err != nil {
		return store.Role{}, err
	}
	return role, nil
}

func (s *Service) AssignRole(ctx context.Context, session Session, spaceID, roleID, userID string) error {
	if _, err := s.requireAction(ctx, spaceID, session, rbac.ActionAdmin); err != nil {
		return err
	}
	roles, err := s.store.ListRoles(ctx, spaceID)
	if err != nil {
		return err
	}
	for _, role := range roles {
		if role.ID == roleID {
			return s.store.AssignRole(ctx, roleID, userID)
		}
	}
	return domainError(http.StatusNotFound, "NOT_FOUND", "Role not found", nil)
}
