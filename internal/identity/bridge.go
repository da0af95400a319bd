package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/gitopslab/e2e/internal/transport"
	"github.com/gitopslab/e2e/pkg/gitea"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sirupsen/logrus"
)

// UserResolver maps a Git host login to its numeric id.
type UserResolver interface {
	GetUser(ctx context.Context, login string) (*gitea.User, error)
}

// TokenProvider yields the durable Git host token.
type TokenProvider interface {
	Token(ctx context.Context) (AccessToken, error)
}

// Restarter bounces the CI server and waits until it is healthy again.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Session is an authenticated CI identity.
type Session struct {
	UserID      int64
	Token       string
	AccessToken AccessToken
	Store       string
}

type Bridge struct {
	Login string

	users     UserResolver
	tokens    TokenProvider
	stores    []Store
	restarter Restarter
	log       logrus.FieldLogger

	now       func() time.Time
	newSecret func() (string, error)
}

func NewBridge(log logrus.FieldLogger, login string, users UserResolver, tokens TokenProvider, stores []Store, restarter Restarter) *Bridge {
	return &Bridge{
		Login:     login,
		users:     users,
		tokens:    tokens,
		stores:    stores,
		restarter: restarter,
		log:       log,
		now:       time.Now,
		newSecret: func() (string, error) { return gonanoid.New(32) },
	}
}

// Establish makes sure the CI server has a user bound to the Git host login,
// restarts it so the change is picked up, and mints a session for that user.
// Running it again is safe.
func (b *Bridge) Establish(ctx context.Context) (*Session, error) {
	user, err := b.users.GetUser(ctx, b.Login)
	if err != nil {
		if gitea.IsNotFound(err) {
			return nil, &IdentityError{Login: b.Login, Reason: "login does not exist on the git host", Err: err}
		}
		return nil, &IdentityError{Login: b.Login, Reason: "failed to resolve git host user", Err: err}
	}

	token, err := b.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	secret, err := b.newSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate user secret: %w", err)
	}

	b.log.Infof("Ensuring CI user '%s' exists and has correct token...", b.Login)

	for _, store := range b.stores {
		rec, err := b.ensure(ctx, store, user.ID, token.Value, secret)
		if err != nil {
			b.log.Warnf("%s: %v", store.Name(), err)
			continue
		}
		if rec == nil {
			continue
		}

		b.log.Infof("User ensured in %s", store.Name())
		if b.restarter != nil {
			b.log.Info("Restarting CI server to apply datastore changes...")
			if err := b.restarter.Restart(ctx); err != nil {
				return nil, &IdentityError{Login: b.Login, Reason: "CI server restart failed", Err: err}
			}
		}

		signed, err := MintSessionToken(rec.ID, rec.Hash, b.now())
		if err != nil {
			return nil, &IdentityError{Login: b.Login, Reason: "failed to mint session", Err: err}
		}
		return &Session{UserID: rec.ID, Token: signed, AccessToken: token, Store: store.Name()}, nil
	}

	return nil, &IdentityError{Login: b.Login, Reason: "failed to insert or find CI user in any datastore"}
}

func (b *Bridge) ensure(ctx context.Context, store Store, forgeID int64, token, secret string) (*Record, error) {
	if err := store.SetAccessToken(ctx, b.Login, token); err != nil {
		b.log.Warnf("%s: update access token: %v", store.Name(), err)
	}
	err := store.InsertIfAbsent(ctx, NewRecord{
		ForgeRemoteID: forgeID,
		Login:         b.Login,
		AccessToken:   token,
		Admin:         true,
		Hash:          secret,
	})
	if err != nil {
		b.log.Warnf("%s: insert user: %v", store.Name(), err)
	}
	return store.Lookup(ctx, b.Login)
}

// ContainerRestarter restarts a CI server container and waits for it.
type ContainerRestarter struct {
	Container string
	// Wait blocks until the server is healthy.
	Wait func(ctx context.Context) error

	runner transport.Runner
}

func NewContainerRestarter(runner transport.Runner, container string, wait func(ctx context.Context) error) *ContainerRestarter {
	return &ContainerRestarter{Container: container, Wait: wait, runner: runner}
}

func (r *ContainerRestarter) Restart(ctx context.Context) error {
	_, err := r.runner.Run(ctx, transport.Command{Argv: []string{"docker", "restart", r.Container}, Strict: true})
	if err != nil {
		return err
	}
	if r.Wait == nil {
		return nil
	}
	return r.Wait(ctx)
}
