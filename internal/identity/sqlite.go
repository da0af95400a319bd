package identity

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gitopslab/e2e/internal/transport"
)

// VolumeStore edits the CI server's embedded sqlite database by mounting its
// data volume into a throwaway sqlite3 container.
type VolumeStore struct {
	Volume string
	Image  string
	// File is the database path inside the volume mount.
	File string

	runner transport.Runner
}

func NewVolumeStore(runner transport.Runner, volume, image string) *VolumeStore {
	if image == "" {
		image = "nouchka/sqlite3"
	}
	return &VolumeStore{Volume: volume, Image: image, File: "/data/woodpecker.sqlite", runner: runner}
}

func (s *VolumeStore) Name() string {
	return "sqlite:" + s.Volume
}

func (s *VolumeStore) exec(ctx context.Context, sql string, strict bool) (*transport.Result, error) {
	return s.runner.Run(ctx, transport.Command{
		Argv:   []string{"docker", "run", "--rm", "-v", s.Volume + ":/data", s.Image, s.File, sql},
		Strict: strict,
	})
}

func (s *VolumeStore) Lookup(ctx context.Context, login string) (*Record, error) {
	sql := fmt.Sprintf("select id,hash from users where login=%s limit 1;", quote(login))
	res, err := s.exec(ctx, sql, false)
	if err != nil {
		return nil, err
	}
	out := strings.TrimSpace(res.Stdout)
	if res.ExitCode != 0 || out == "" {
		return nil, nil
	}

	parts := strings.SplitN(strings.SplitN(out, "\n", 2)[0], "|", 2)
	if len(parts) < 2 {
		return nil, nil
	}
	id, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("unexpected user id %q in %s: %w", parts[0], s.Volume, err)
	}
	return &Record{ID: id, Login: login, Hash: strings.TrimSpace(parts[1])}, nil
}

func (s *VolumeStore) SetAccessToken(ctx context.Context, login, token string) error {
	sql := fmt.Sprintf("UPDATE users SET access_token=%s WHERE login=%s;", quote(token), quote(login))
	_, err := s.exec(ctx, sql, true)
	return err
}

func (s *VolumeStore) InsertIfAbsent(ctx context.Context, rec NewRecord) error {
	admin := 0
	if rec.Admin {
		admin = 1
	}
	sql := fmt.Sprintf(
		"INSERT INTO users (forge_id, forge_remote_id, login, access_token, admin, hash) "+
			"SELECT 1, %s, %s, %s, %d, %s WHERE NOT EXISTS (SELECT 1 FROM users WHERE login=%s);",
		quote(strconv.FormatInt(rec.ForgeRemoteID, 10)), quote(rec.Login), quote(rec.AccessToken),
		admin, quote(rec.Hash), quote(rec.Login))
	_, err := s.exec(ctx, sql, true)
	return err
}

// quote renders v as a sqlite string literal.
func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}
