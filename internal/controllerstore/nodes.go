package controllerstore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"catmesh"
)

// RegisterNode consumes an unused invite and creates a node, generating
// a fresh opaque auth_key. The invite and node creation happen in one
// transaction so a crash between the two never leaves a spent invite
// with no corresponding node.
func (s *Store) RegisterNode(ctx context.Context, inviteToken, name string) (catmesh.Node, error) {
	var node catmesh.Node
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE invites SET used = 1 WHERE token = ? AND used = 0`, inviteToken)
		if err != nil {
			return fmt.Errorf("consume invite: %w: %w", catmesh.ErrTransient, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("read rows affected: %w: %w", catmesh.ErrTransient, err)
		}
		if n == 0 {
			return fmt.Errorf("invite token: %w", catmesh.ErrUnauthorized)
		}

		authKey, err := randomAuthKey()
		if err != nil {
			return fmt.Errorf("generate auth key: %w", err)
		}

		now := nowMillis()
		result, err := tx.ExecContext(ctx, `INSERT INTO nodes (auth_key, name, created_at) VALUES (?, ?, ?)`, authKey, name, now)
		if err != nil {
			return fmt.Errorf("insert node: %w: %w", catmesh.ErrTransient, err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("read inserted node id: %w: %w", catmesh.ErrTransient, err)
		}
		node = catmesh.Node{ID: id, AuthKey: authKey, Name: name, CreatedAt: millisToTime(now)}
		return nil
	})
	return node, err
}

// NodeByAuthKey looks up the node owning authKey, for request
// authentication. Callers must compare the inbound header value in
// constant time before calling this — the lookup itself is a plain
// indexed query, not a constant-time comparison surface.
func (s *Store) NodeByAuthKey(ctx context.Context, authKey string) (catmesh.Node, error) {
	var n catmesh.Node
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `SELECT id, auth_key, name, created_at FROM nodes WHERE auth_key = ?`, authKey).
		Scan(&n.ID, &n.AuthKey, &n.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return catmesh.Node{}, catmesh.ErrUnauthorized
	}
	if err != nil {
		return catmesh.Node{}, fmt.Errorf("lookup node by auth key: %w: %w", catmesh.ErrTransient, err)
	}
	n.CreatedAt = millisToTime(createdAt)
	return n, nil
}

// Node fetches a node by id.
func (s *Store) Node(ctx context.Context, id int64) (catmesh.Node, error) {
	var n catmesh.Node
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `SELECT id, auth_key, name, created_at FROM nodes WHERE id = ?`, id).
		Scan(&n.ID, &n.AuthKey, &n.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return catmesh.Node{}, fmt.Errorf("node %d: %w", id, catmesh.ErrNotFound)
	}
	if err != nil {
		return catmesh.Node{}, fmt.Errorf("lookup node %d: %w: %w", id, catmesh.ErrTransient, err)
	}
	n.CreatedAt = millisToTime(createdAt)
	return n, nil
}

// CreateInvite generates a fresh invite token for nameHint.
func (s *Store) CreateInvite(ctx context.Context, nameHint string) (string, error) {
	token := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO invites (token, name_hint, created_at) VALUES (?, ?, ?)`, token, nameHint, nowMillis())
	if err != nil {
		return "", fmt.Errorf("create invite: %w: %w", catmesh.ErrTransient, err)
	}
	return token, nil
}

func randomAuthKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
