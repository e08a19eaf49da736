package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"printfarm/internal/domain"
)

// FarmersPG implements FarmerDirectory on Postgres. Schema:
//
//	farmers(id, name, city, lat, lon, materials text[], modes text[],
//	        reliability, capacity)
//
// Arrays are stored as comma-joined text to keep the stdlib driver happy;
// the directory is small and read-mostly.
type FarmersPG struct {
	db *sql.DB
}

func NewFarmersPG(db *sql.DB) *FarmersPG { return &FarmersPG{db: db} }

func (r *FarmersPG) ListFarmers(ctx context.Context) ([]domain.Farmer, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, city, lat, lon,
		       array_to_string(materials, ','), array_to_string(modes, ','),
		       reliability, capacity
		FROM farmers ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list farmers: %w", err)
	}
	defer rows.Close()

	var out []domain.Farmer
	for rows.Next() {
		f, err := scanFarmer(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *FarmersPG) GetFarmer(ctx context.Context, farmerID string) (domain.Farmer, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, city, lat, lon,
		       array_to_string(materials, ','), array_to_string(modes, ','),
		       reliability, capacity
		FROM farmers WHERE id=$1
	`, farmerID)
	f, err := scanFarmer(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Farmer{}, domain.ErrFarmerNotFound
	}
	if err != nil {
		return domain.Farmer{}, fmt.Errorf("get farmer %s: %w", farmerID, err)
	}
	return f, nil
}

func scanFarmer(scan func(...any) error) (domain.Farmer, error) {
	var f domain.Farmer
	var materials, modes string
	if err := scan(&f.ID, &f.Name, &f.City, &f.Location.Lat, &f.Location.Lon,
		&materials, &modes, &f.Reliability, &f.Capacity); err != nil {
		return domain.Farmer{}, err
	}
	f.Materials = splitCSV(materials)
	f.Modes = splitCSV(modes)
	return f, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
