package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"taskline/internal/access"
	"taskline/internal/db"
	"taskline/internal/engine"
	"taskline/internal/migrate"
	"taskline/internal/repo"
)

// Context bundles the open database and engine for CLI commands.
type Context struct {
	DB     *sql.DB
	Repo   repo.Repo
	Engine engine.Engine
}

// Open prepares the workspace database and returns a ready Context.
// The caller owns Close.
func Open(workspace string) (*Context, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	e := engine.New(conn)
	return &Context{DB: conn, Repo: e.Repo, Engine: e}, nil
}

func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// ResolveActor looks up the acting user by id or email and returns the
// actor with its stored roles. CLI commands trust the local operator, so
// no credential check happens here.
func (c *Context) ResolveActor(ctx context.Context, ref string) (access.Actor, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return access.Actor{}, fmt.Errorf("actor not specified; use --actor or TASKLINE_ACTOR")
	}
	u, err := c.Repo.GetUser(ctx, ref)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return access.Actor{}, err
		}
		u, err = c.Repo.FindUserByEmail(ctx, strings.ToLower(ref))
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return access.Actor{}, fmt.Errorf("no user with id or email %q", ref)
			}
			return access.Actor{}, err
		}
	}
	return access.Actor{ID: u.ID, Roles: u.Roles}, nil
}

// FirstUser reports whether the user table is still empty, which lets
// the CLI grant Admin to the very first registered account.
func (c *Context) FirstUser(ctx context.Context) (bool, error) {
	users, err := c.Repo.ListUsers(ctx)
	if err != nil {
		return false, err
	}
	return len(users) == 0, nil
}
