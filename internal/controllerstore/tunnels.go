package controllerstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"catmesh"
	"catmesh/internal/pairing"
)

// CreateTunnel implements pairing.Store: the uniqueness check and insert
// happen inside one transaction (spec §5), keyed on the unordered pair
// plus the ipv6 flag via the table's UNIQUE constraint — a concurrent
// racing insert simply fails the constraint and is reported as a
// conflict, same outcome as a pre-check would give, with no TOCTOU gap.
func (s *Store) CreateTunnel(ctx context.Context, a, b int64, mtu int, ipv6 bool) (catmesh.TunnelDescriptor, error) {
	if a == b {
		return catmesh.TunnelDescriptor{}, fmt.Errorf("tunnel peers must differ: %w", catmesh.ErrConflict)
	}
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}

	now := nowMillis()
	var d catmesh.TunnelDescriptor
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO wireguard_tunnels (peer1_id, peer2_id, mtu, endpoint_ipv6, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			lo, hi, mtu, boolToInt(ipv6), now, now)
		if err != nil {
			if isUniqueConstraint(err) {
				return catmesh.ErrConflict
			}
			return fmt.Errorf("insert tunnel: %w: %w", catmesh.ErrTransient, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read inserted tunnel id: %w: %w", catmesh.ErrTransient, err)
		}
		d = catmesh.TunnelDescriptor{
			ID: id, Peer1ID: lo, Peer2ID: hi, MTU: mtu, EndpointIPv6: ipv6,
			CreatedAt: millisToTime(now), UpdatedAt: millisToTime(now),
		}
		return nil
	})
	if err != nil {
		return catmesh.TunnelDescriptor{}, err
	}
	return d, nil
}

// TunnelsForNode implements pairing.Store.
func (s *Store) TunnelsForNode(ctx context.Context, nodeID int64) ([]catmesh.TunnelDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, peer1_id, peer2_id, mtu, endpoint_ipv6, endpoint_peer1, endpoint_peer2,
		       peer1_answered, peer2_answered, fec, faketcp, created_at, updated_at
		FROM wireguard_tunnels
		WHERE peer1_id = ? OR peer2_id = ?`, nodeID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("query tunnels for node %d: %w: %w", nodeID, catmesh.ErrTransient, err)
	}
	defer rows.Close()

	var out []catmesh.TunnelDescriptor
	for rows.Next() {
		d, err := scanTunnel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetTunnel implements pairing.Store.
func (s *Store) GetTunnel(ctx context.Context, tunnelID int64) (catmesh.TunnelDescriptor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, peer1_id, peer2_id, mtu, endpoint_ipv6, endpoint_peer1, endpoint_peer2,
		       peer1_answered, peer2_answered, fec, faketcp, created_at, updated_at
		FROM wireguard_tunnels WHERE id = ?`, tunnelID)

	d, err := scanTunnel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catmesh.TunnelDescriptor{}, fmt.Errorf("tunnel %d: %w", tunnelID, catmesh.ErrNotFound)
	}
	if err != nil {
		return catmesh.TunnelDescriptor{}, err
	}
	return d, nil
}

// UpdateAnswer implements pairing.Store.
func (s *Store) UpdateAnswer(ctx context.Context, tunnelID int64, side pairing.AnswerSide, endpoint *string, state catmesh.AnswerState) error {
	col := "peer1"
	if side == pairing.SidePeer2 {
		col = "peer2"
	}
	query := fmt.Sprintf(`UPDATE wireguard_tunnels SET endpoint_%s = ?, %s_answered = ?, updated_at = ? WHERE id = ?`, col, col)
	res, err := s.db.ExecContext(ctx, query, endpoint, uint8(state), nowMillis(), tunnelID)
	if err != nil {
		return fmt.Errorf("update answer for tunnel %d: %w: %w", tunnelID, catmesh.ErrTransient, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected: %w: %w", catmesh.ErrTransient, err)
	}
	if n == 0 {
		return fmt.Errorf("tunnel %d: %w", tunnelID, catmesh.ErrNotFound)
	}
	return nil
}

// PublicKey implements pairing.Store.
func (s *Store) PublicKey(ctx context.Context, nodeID int64) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `SELECT public_key FROM wireguard_static_key WHERE node_id = ?`, nodeID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("node %d has no public key: %w", nodeID, catmesh.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("lookup public key for node %d: %w: %w", nodeID, catmesh.ErrTransient, err)
	}
	return key, nil
}

// SetPublicKey registers or replaces a node's static WireGuard public key.
func (s *Store) SetPublicKey(ctx context.Context, nodeID int64, publicKey string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wireguard_static_key (node_id, public_key) VALUES (?, ?)
		ON CONFLICT (node_id) DO UPDATE SET public_key = excluded.public_key`, nodeID, publicKey)
	if err != nil {
		return fmt.Errorf("set public key for node %d: %w: %w", nodeID, catmesh.ErrTransient, err)
	}
	return nil
}

// MeshMembers implements pairing.Store.
func (s *Store) MeshMembers(ctx context.Context, meshID int64) ([]int64, bool, int, error) {
	var autoWireGuard bool
	var mtu int
	err := s.db.QueryRowContext(ctx, `SELECT auto_wireguard, auto_wireguard_mtu FROM mesh_groups WHERE id = ?`, meshID).
		Scan(&autoWireGuard, &mtu)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, 0, fmt.Errorf("mesh %d: %w", meshID, catmesh.ErrNotFound)
	}
	if err != nil {
		return nil, false, 0, fmt.Errorf("lookup mesh %d: %w: %w", meshID, catmesh.ErrTransient, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT node_id FROM mesh_group_memberships WHERE mesh_group_id = ?`, meshID)
	if err != nil {
		return nil, false, 0, fmt.Errorf("list mesh %d members: %w: %w", meshID, catmesh.ErrTransient, err)
	}
	defer rows.Close()

	var members []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, false, 0, fmt.Errorf("scan member: %w: %w", catmesh.ErrTransient, err)
		}
		members = append(members, id)
	}
	return members, autoWireGuard, mtu, rows.Err()
}

// JoinMesh implements pairing.Store: an idempotent membership insert.
func (s *Store) JoinMesh(ctx context.Context, meshID, nodeID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO mesh_group_memberships (mesh_group_id, node_id) VALUES (?, ?)
		ON CONFLICT (mesh_group_id, node_id) DO NOTHING`, meshID, nodeID)
	if err != nil {
		return false, fmt.Errorf("join mesh %d: %w: %w", meshID, catmesh.ErrTransient, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected: %w: %w", catmesh.ErrTransient, err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTunnel(row rowScanner) (catmesh.TunnelDescriptor, error) {
	var d catmesh.TunnelDescriptor
	var ipv6 int
	var p1, p2 uint8
	var fec, faketcp int
	var createdAt, updatedAt int64

	err := row.Scan(&d.ID, &d.Peer1ID, &d.Peer2ID, &d.MTU, &ipv6, &d.EndpointPeer1, &d.EndpointPeer2,
		&p1, &p2, &fec, &faketcp, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catmesh.TunnelDescriptor{}, err
		}
		return catmesh.TunnelDescriptor{}, fmt.Errorf("scan tunnel row: %w: %w", catmesh.ErrTransient, err)
	}

	d.EndpointIPv6 = ipv6 != 0
	d.Peer1Answered = catmesh.AnswerState(p1)
	d.Peer2Answered = catmesh.AnswerState(p2)
	d.FEC = fec != 0
	d.FakeTCP = faketcp != 0
	d.CreatedAt = millisToTime(createdAt)
	d.UpdatedAt = millisToTime(updatedAt)
	return d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// isUniqueConstraint reports whether err is a SQLite UNIQUE constraint
// violation. modernc.org/sqlite doesn't expose a typed error for this,
// so this matches on the driver's message text the same way the
// teacher's own error classification checks for netlink-specific errno
// values where no typed error exists.
func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
