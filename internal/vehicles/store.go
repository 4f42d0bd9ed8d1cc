package vehicles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store reads the vehicle directory from the vehicles table.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// LoadAll fetches every vehicle with an assigned device id.
func (s *Store) LoadAll(ctx context.Context) ([]Vehicle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, serial_no, COALESCE(imei, ''), COALESCE(device_id, ''),
		       installation_date, renewal_date,
		       dealer_id, admin_id, client_id, user_id, superadmin_id
		FROM vehicles
		WHERE device_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("querying vehicles: %w", err)
	}
	defer rows.Close()

	var all []Vehicle
	for rows.Next() {
		var v Vehicle
		if err := rows.Scan(
			&v.ID, &v.SerialNo, &v.IMEI, &v.DeviceID,
			&v.InstallationDate, &v.RenewalDate,
			&v.Owners.DealerID, &v.Owners.AdminID, &v.Owners.ClientID,
			&v.Owners.UserID, &v.Owners.SuperadminID,
		); err != nil {
			return nil, fmt.Errorf("scanning vehicle: %w", err)
		}
		all = append(all, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating vehicles: %w", err)
	}

	return all, nil
}
