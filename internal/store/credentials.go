package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SaveCredential upserts the sealed transport credential for a server. The
// blob is opaque here; sealing and unsealing happen in the vault.
func (s *Store) SaveCredential(serverID string, sealed []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO server_credentials (server_id, sealed, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(server_id) DO UPDATE SET sealed = excluded.sealed, updated_at = excluded.updated_at`,
		serverID, sealed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save credential for %s: %w", serverID, err)
	}
	return nil
}

func (s *Store) GetCredential(serverID string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRow(`SELECT sealed FROM server_credentials WHERE server_id = ?`, serverID).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no credential for server %s", serverID)
	}
	if err != nil {
		return nil, fmt.Errorf("get credential for %s: %w", serverID, err)
	}
	return sealed, nil
}

func (s *Store) DeleteCredential(serverID string) error {
	res, err := s.db.Exec(`DELETE FROM server_credentials WHERE server_id = ?`, serverID)
	if err != nil {
		return fmt.Errorf("delete credential for %s: %w", serverID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no credential for server %s", serverID)
	}
	return nil
}

func (s *Store) ListCredentialServers() ([]string, error) {
	rows, err := s.db.Query(`SELECT server_id FROM server_credentials ORDER BY server_id`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
