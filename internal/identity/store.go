package identity

import "context"

// Record is the CI server's view of a user.
type Record struct {
	ID    int64
	Login string
	// Hash is the per-user secret that signs session tokens.
	Hash string
}

// NewRecord holds the fields written when a user is first installed.
type NewRecord struct {
	ForgeRemoteID int64
	Login         string
	AccessToken   string
	Admin         bool
	Hash          string
}

// Store is a place CI users can be installed without going through the
// CI server's own login flow.
type Store interface {
	// Name identifies the store in logs.
	Name() string
	// Lookup returns nil and no error when login has no record.
	Lookup(ctx context.Context, login string) (*Record, error)
	// SetAccessToken is a no-op when login has no record.
	SetAccessToken(ctx context.Context, login, token string) error
	// InsertIfAbsent never touches an existing record.
	InsertIfAbsent(ctx context.Context, rec NewRecord) error
}
