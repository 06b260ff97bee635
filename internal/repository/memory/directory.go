package memory

import (
	"context"
	"sync"

	relaybox_errors "relaybox/pkg/errors"

	"github.com/google/uuid"
)

// Directory is an in-process user and member directory for reconciliation.
type Directory struct {
	mu      sync.RWMutex
	users   map[uuid.UUID]struct{}
	members map[uuid.UUID]uuid.UUID // member id -> linked user id (uuid.Nil when unlinked)
}

func NewDirectory() *Directory {
	return &Directory{
		users:   make(map[uuid.UUID]struct{}),
		members: make(map[uuid.UUID]uuid.UUID),
	}
}

func (d *Directory) AddUser(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[id] = struct{}{}
}

func (d *Directory) AddMember(memberID, userID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[memberID] = userID
}

func (d *Directory) UserExists(ctx context.Context, userID uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.users[userID]
	return ok, nil
}

func (d *Directory) MemberExists(ctx context.Context, memberID uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.members[memberID]
	return ok, nil
}

func (d *Directory) MemberExistsForUser(ctx context.Context, userID uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, linked := range d.members {
		if linked == userID {
			return true, nil
		}
	}
	return false, nil
}

func (d *Directory) IsLinked(ctx context.Context, userID, memberID uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	linked, ok := d.members[memberID]
	return ok && linked == userID, nil
}

func (d *Directory) Link(ctx context.Context, userID, memberID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.members[memberID]; !ok {
		return relaybox_errors.ErrNotFound
	}
	d.members[memberID] = userID
	return nil
}
