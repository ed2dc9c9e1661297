package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/vendorregistry/importer/internal/vendor"
)

// BatchResult counts what one committed batch changed.
type BatchResult struct {
	Inserted   int
	Updated    int
	SkillLinks int
}

// VendorStore upserts vendors and their skill associations.
type VendorStore struct {
	db TxBeginner
}

// NewVendorStore returns a VendorStore using db.
func NewVendorStore(db TxBeginner) *VendorStore {
	return &VendorStore{db: db}
}

// ApplyBatch upserts records in a single transaction. Records are applied in
// order, so a later record with the same email overwrites an earlier one.
// A record with skills replaces the vendor's whole skill set. Any error rolls
// back the whole batch.
func (s *VendorStore) ApplyBatch(ctx context.Context, records []vendor.Record) (BatchResult, error) {
	var result BatchResult
	if len(records) == 0 {
		return result, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("batch: begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // No-op if already committed

	skillIDs := make(map[string]int64)

	for i, rec := range records {
		id, inserted, err := upsertVendor(ctx, tx, rec)
		if err != nil {
			return BatchResult{}, fmt.Errorf("batch: record %d (%s): %w", i, rec.Email, err)
		}
		if inserted {
			result.Inserted++
		} else {
			result.Updated++
		}

		// A row without skills leaves existing associations in place.
		if len(rec.Skills) == 0 {
			continue
		}
		if _, err := tx.Exec(ctx, `DELETE FROM vendor_skills WHERE vendor_id = $1`, id); err != nil {
			return BatchResult{}, fmt.Errorf("batch: record %d (%s): clear skills: %w", i, rec.Email, err)
		}

		for _, skill := range rec.Skills {
			skillID, err := lookupSkill(ctx, tx, skillIDs, skill)
			if err != nil {
				return BatchResult{}, fmt.Errorf("batch: record %d (%s): %w", i, rec.Email, err)
			}
			tag, err := tx.Exec(ctx, `
				INSERT INTO vendor_skills (vendor_id, skill_id)
				VALUES ($1, $2)
				ON CONFLICT (vendor_id, skill_id) DO NOTHING`,
				id, skillID,
			)
			if err != nil {
				return BatchResult{}, fmt.Errorf("batch: record %d (%s): link skill %q: %w", i, rec.Email, skill, err)
			}
			result.SkillLinks += int(tag.RowsAffected())
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return BatchResult{}, fmt.Errorf("batch: commit: %w", err)
	}
	return result, nil
}

// upsertVendor updates the vendor with rec's email or inserts a new one. It
// returns the vendor id and whether a row was inserted.
func upsertVendor(ctx context.Context, tx pgx.Tx, rec vendor.Record) (int64, bool, error) {
	var id int64
	err := tx.QueryRow(ctx, `SELECT id FROM vendors WHERE email = $1`, rec.Email).Scan(&id)

	switch {
	case err == nil:
		_, err = tx.Exec(ctx, `
			UPDATE vendors
			SET name = $2, rate = $3, currency = $4, avg_rating = $5,
			    completed_projects = $6, plan_code = $7, is_active = TRUE, updated_at = now()
			WHERE id = $1`,
			id, rec.Name, rec.Rate, rec.Currency, rec.AvgRating, rec.CompletedProjects, rec.PlanCode,
		)
		if err != nil {
			return 0, false, fmt.Errorf("update vendor: %w", err)
		}
		return id, false, nil

	case errors.Is(err, pgx.ErrNoRows):
		err = tx.QueryRow(ctx, `
			INSERT INTO vendors (email, name, rate, currency, avg_rating, completed_projects, plan_code, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
			RETURNING id`,
			rec.Email, rec.Name, rec.Rate, rec.Currency, rec.AvgRating, rec.CompletedProjects, rec.PlanCode,
		).Scan(&id)
		if err != nil {
			return 0, false, fmt.Errorf("insert vendor: %w", err)
		}
		return id, true, nil

	default:
		return 0, false, fmt.Errorf("lookup vendor: %w", err)
	}
}

// lookupSkill looks up or creates a skill by its normalized name. The display
// name of an existing skill is left as first recorded. Ids are cached for the
// life of one batch.
func lookupSkill(ctx context.Context, tx pgx.Tx, cache map[string]int64, name string) (int64, error) {
	normalized := strings.ToLower(name)
	if id, ok := cache[normalized]; ok {
		return id, nil
	}

	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO skills (name, normalized_name)
		VALUES ($1, $2)
		ON CONFLICT (normalized_name) DO UPDATE SET normalized_name = EXCLUDED.normalized_name
		RETURNING id`,
		name, normalized,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert skill %q: %w", name, err)
	}

	cache[normalized] = id
	return id, nil
}
