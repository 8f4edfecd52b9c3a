// Package users implements the minimal user directory described by §12's
// "User accounts" supplement: registering an account, checking whether a
// login is taken, and logging in against the stored bcrypt hash. It's a thin
// wrapper over historystore.Store's user-related methods, following the
// same *apperror.Error return idiom the queue package uses for its public
// operations, with passwords hashed/verified via internal/auth.
package users

import (
	"context"

	"github.com/arung-agamani/pmpserver/internal/apperror"
	"github.com/arung-agamani/pmpserver/internal/auth"
	"github.com/arung-agamani/pmpserver/internal/historystore"
)

// Store is the slice of historystore.Store this package depends on.
type Store interface {
	Users(ctx context.Context) ([]historystore.User, error)
	RegisterNewUser(ctx context.Context, login string, passwordHash string) (historystore.UserId, error)
	CheckUserExists(ctx context.Context, login string) (bool, error)
	GetUserByLogin(ctx context.Context, login string) (historystore.User, string, error)
}

// Directory is the user account directory.
type Directory struct {
	store Store
}

// New creates a Directory backed by store.
func New(store Store) *Directory {
	return &Directory{store: store}
}

// Register creates a new account with a bcrypt-hashed password. Fails with
// AlreadyDone if the login already exists.
func (d *Directory) Register(ctx context.Context, login, password string) (historystore.UserId, *apperror.Error) {
	exists, err := d.store.CheckUserExists(ctx, login)
	if err != nil {
		return 0, apperror.New(apperror.DatabaseProblem, err.Error())
	}
	if exists {
		return 0, apperror.New(apperror.AlreadyDone, "a user with this login already exists")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return 0, apperror.New(apperror.NonFatalInternalServerError, "failed to hash password")
	}

	id, err := d.store.RegisterNewUser(ctx, login, hash)
	if err != nil {
		return 0, apperror.New(apperror.DatabaseProblem, err.Error())
	}
	return id, nil
}

// Exists reports whether login is already registered.
func (d *Directory) Exists(ctx context.Context, login string) (bool, error) {
	return d.store.CheckUserExists(ctx, login)
}

// Login verifies login/password against the stored hash. The store itself
// reports NotLoggedIn for an unknown login; a known login with a wrong
// password is mapped to the same code here so a caller can't tell the two
// cases apart.
func (d *Directory) Login(ctx context.Context, login, password string) (historystore.UserId, *apperror.Error) {
	user, hash, err := d.store.GetUserByLogin(ctx, login)
	if err != nil {
		if ae, ok := err.(*apperror.Error); ok {
			return 0, ae
		}
		return 0, apperror.New(apperror.DatabaseProblem, err.Error())
	}
	if !auth.VerifyPassword(hash, password) {
		return 0, apperror.New(apperror.NotLoggedIn, "unknown login or wrong password")
	}
	return user.Id, nil
}

// List returns every registered account, for the list-users wire op.
func (d *Directory) List(ctx context.Context) ([]historystore.User, error) {
	return d.store.Users(ctx)
}
