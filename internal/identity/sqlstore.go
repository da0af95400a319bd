package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gitopslab/e2e/internal/database"
	"gorm.io/gorm"
)

// SQLStore edits the CI server's users table over a database connection.
type SQLStore struct {
	db   *gorm.DB
	name string
}

func NewSQLStore(db *gorm.DB, name string) *SQLStore {
	return &SQLStore{db: db, name: name}
}

func (s *SQLStore) Name() string {
	return "sql:" + s.name
}

func (s *SQLStore) Lookup(ctx context.Context, login string) (*Record, error) {
	var user database.User
	err := s.db.WithContext(ctx).Where("login = ?", login).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user %s: %w", login, err)
	}
	return &Record{ID: user.ID, Login: user.Login, Hash: user.Hash}, nil
}

func (s *SQLStore) SetAccessToken(ctx context.Context, login, token string) error {
	err := updateAccessToken(s.db.WithContext(ctx), login, token).Error
	if err != nil {
		return fmt.Errorf("failed to update access token: %w", err)
	}
	return nil
}

func (s *SQLStore) InsertIfAbsent(ctx context.Context, rec NewRecord) error {
	user := newUser(rec)
	err := s.db.WithContext(ctx).
		Where(database.User{Login: rec.Login}).
		Attrs(user).
		FirstOrCreate(&database.User{}).Error
	if err != nil {
		return fmt.Errorf("failed to insert user %s: %w", rec.Login, err)
	}
	return nil
}

func updateAccessToken(tx *gorm.DB, login, token string) *gorm.DB {
	return tx.Model(&database.User{}).Where("login = ?", login).Update("access_token", token)
}

func newUser(rec NewRecord) database.User {
	return database.User{
		ForgeID:       1,
		ForgeRemoteID: strconv.FormatInt(rec.ForgeRemoteID, 10),
		Login:         rec.Login,
		AccessToken:   rec.AccessToken,
		Admin:         rec.Admin,
		Hash:          rec.Hash,
	}
}
