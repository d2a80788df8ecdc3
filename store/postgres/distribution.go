package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pressline/syndicate"
	"github.com/pressline/syndicate/distribution"
	"github.com/pressline/syndicate/id"
)

const distributionColumns = `
	id, post_id, channel_id, status, scheduled_at,
	attempts, last_error, external_ref, created_at, updated_at`

// CreateDistribution persists a new distribution record.
func (s *Store) CreateDistribution(ctx context.Context, rec *distribution.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO syndicate_distributions (
			id, post_id, channel_id, status, scheduled_at,
			attempts, last_error, external_ref, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10
		)`,
		rec.ID.String(), rec.PostID.String(), rec.ChannelID.String(),
		string(rec.Status), rec.ScheduledAt,
		rec.Attempts, rec.LastError, rec.ExternalRef,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return syndicate.ErrAlreadyExists
		}
		return fmt.Errorf("syndicate/postgres: create distribution: %w", err)
	}
	return nil
}

// GetDistribution retrieves a distribution record by ID.
func (s *Store) GetDistribution(ctx context.Context, recID id.DistributionID) (*distribution.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+distributionColumns+` FROM syndicate_distributions WHERE id = $1`,
		recID.String(),
	)

	rec, err := scanDistribution(row)
	if err != nil {
		if isNoRows(err) {
			return nil, syndicate.ErrDistributionNotFound
		}
		return nil, fmt.Errorf("syndicate/postgres: get distribution: %w", err)
	}
	return rec, nil
}

// UpdateDistribution persists changes to an existing record.
func (s *Store) UpdateDistribution(ctx context.Context, rec *distribution.Record) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE syndicate_distributions SET
			post_id = $2, channel_id = $3, status = $4, scheduled_at = $5,
			attempts = $6, last_error = $7, external_ref = $8, updated_at = NOW()
		WHERE id = $1`,
		rec.ID.String(), rec.PostID.String(), rec.ChannelID.String(),
		string(rec.Status), rec.ScheduledAt,
		rec.Attempts, rec.LastError, rec.ExternalRef,
	)
	if err != nil {
		return fmt.Errorf("syndicate/postgres: update distribution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return syndicate.ErrDistributionNotFound
	}
	return nil
}

// SwapStatus atomically transitions a record when its current status is
// one of from.
func (s *Store) SwapStatus(ctx context.Context, recID id.DistributionID, from []distribution.Status, to distribution.Status) (*distribution.Record, error) {
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE syndicate_distributions SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
		RETURNING`+distributionColumns,
		recID.String(), fromStrs, string(to),
	)

	rec, err := scanDistribution(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.distributionStateConflict(ctx, recID, "swap distribution status")
		}
		return nil, fmt.Errorf("syndicate/postgres: swap distribution status: %w", err)
	}
	return rec, nil
}

// distributionStateConflict distinguishes a missing record from one
// whose current status rejected a conditional transition.
func (s *Store) distributionStateConflict(ctx context.Context, recID id.DistributionID, op string) error {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM syndicate_distributions WHERE id = $1`,
		recID.String(),
	).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return syndicate.ErrDistributionNotFound
		}
		return fmt.Errorf("syndicate/postgres: %s: %w", op, err)
	}
	return &syndicate.InvalidStateError{Op: op, Status: status}
}

// FindOpenDistribution returns the open record for a (post, channel) pair.
func (s *Store) FindOpenDistribution(ctx context.Context, postID id.PostID, channelID id.ChannelID) (*distribution.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+distributionColumns+` FROM syndicate_distributions
		WHERE post_id = $1 AND channel_id = $2
		  AND status IN ('scheduled', 'pending', 'in_progress')
		LIMIT 1`,
		postID.String(), channelID.String(),
	)

	rec, err := scanDistribution(row)
	if err != nil {
		if isNoRows(err) {
			return nil, syndicate.ErrDistributionNotFound
		}
		return nil, fmt.Errorf("syndicate/postgres: find open distribution: %w", err)
	}
	return rec, nil
}

// ListDistributions returns records matching opts, newest first.
func (s *Store) ListDistributions(ctx context.Context, opts distribution.ListOpts) ([]*distribution.Record, error) {
	query := `SELECT` + distributionColumns + ` FROM syndicate_distributions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if !opts.PostID.IsNil() {
		query += fmt.Sprintf(" AND post_id = $%d", argIdx)
		args = append(args, opts.PostID.String())
		argIdx++
	}
	if !opts.ChannelID.IsNil() {
		query += fmt.Sprintf(" AND channel_id = $%d", argIdx)
		args = append(args, opts.ChannelID.String())
		argIdx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("syndicate/postgres: list distributions: %w", err)
	}
	defer rows.Close()

	return collectDistributions(rows)
}

// ListPostDistributions returns all records for a post, newest first.
func (s *Store) ListPostDistributions(ctx context.Context, postID id.PostID) ([]*distribution.Record, error) {
	return s.ListDistributions(ctx, distribution.ListOpts{PostID: postID})
}

// DueDistributions returns scheduled records due at or before now,
// oldest first.
func (s *Store) DueDistributions(ctx context.Context, now time.Time, limit int) ([]*distribution.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+distributionColumns+` FROM syndicate_distributions
		WHERE status = 'scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("syndicate/postgres: due distributions: %w", err)
	}
	defer rows.Close()

	return collectDistributions(rows)
}

// CreateChannel persists a new channel.
func (s *Store) CreateChannel(ctx context.Context, ch *distribution.Channel) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO syndicate_channels (
			id, name, type, config, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ch.ID.String(), ch.Name, ch.Type, ch.Config, ch.Active,
		ch.CreatedAt, ch.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return syndicate.ErrAlreadyExists
		}
		return fmt.Errorf("syndicate/postgres: create channel: %w", err)
	}
	return nil
}

// GetChannel retrieves a channel by ID.
func (s *Store) GetChannel(ctx context.Context, chID id.ChannelID) (*distribution.Channel, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, type, config, active, created_at, updated_at
		FROM syndicate_channels WHERE id = $1`,
		chID.String(),
	)

	ch, err := scanChannel(row)
	if err != nil {
		if isNoRows(err) {
			return nil, syndicate.ErrChannelNotFound
		}
		return nil, fmt.Errorf("syndicate/postgres: get channel: %w", err)
	}
	return ch, nil
}

// UpdateChannel persists changes to an existing channel.
func (s *Store) UpdateChannel(ctx context.Context, ch *distribution.Channel) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE syndicate_channels SET
			name = $2, type = $3, config = $4, active = $5, updated_at = NOW()
		WHERE id = $1`,
		ch.ID.String(), ch.Name, ch.Type, ch.Config, ch.Active,
	)
	if err != nil {
		return fmt.Errorf("syndicate/postgres: update channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return syndicate.ErrChannelNotFound
	}
	return nil
}

// ListChannels returns all channels ordered by name.
func (s *Store) ListChannels(ctx context.Context) ([]*distribution.Channel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, type, config, active, created_at, updated_at
		FROM syndicate_channels ORDER BY name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("syndicate/postgres: list channels: %w", err)
	}
	defer rows.Close()

	var channels []*distribution.Channel
	for rows.Next() {
		ch, scanErr := scanChannel(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("syndicate/postgres: scan channel row: %w", scanErr)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("syndicate/postgres: iterate channel rows: %w", err)
	}
	return channels, nil
}

// scanDistribution scans a single distribution row.
func scanDistribution(row pgx.Row) (*distribution.Record, error) {
	var (
		rec       distribution.Record
		idStr     string
		postStr   string
		chanStr   string
		statusStr string
	)
	err := row.Scan(
		&idStr, &postStr, &chanStr, &statusStr, &rec.ScheduledAt,
		&rec.Attempts, &rec.LastError, &rec.ExternalRef,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = distribution.Status(statusStr)

	parsedID, parseErr := id.ParseDistributionID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("syndicate/postgres: parse distribution id %q: %w", idStr, parseErr)
	}
	rec.ID = parsedID

	parsedPost, postErr := id.ParsePostID(postStr)
	if postErr != nil {
		return nil, fmt.Errorf("syndicate/postgres: parse post id %q: %w", postStr, postErr)
	}
	rec.PostID = parsedPost

	parsedChan, chanErr := id.ParseChannelID(chanStr)
	if chanErr != nil {
		return nil, fmt.Errorf("syndicate/postgres: parse channel id %q: %w", chanStr, chanErr)
	}
	rec.ChannelID = parsedChan

	return &rec, nil
}

// collectDistributions collects all records from query rows.
func collectDistributions(rows pgx.Rows) ([]*distribution.Record, error) {
	var recs []*distribution.Record
	for rows.Next() {
		rec, err := scanDistribution(rows)
		if err != nil {
			return nil, fmt.Errorf("syndicate/postgres: scan distribution row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("syndicate/postgres: iterate distribution rows: %w", err)
	}
	return recs, nil
}

// scanChannel scans a single channel row.
func scanChannel(row pgx.Row) (*distribution.Channel, error) {
	var (
		ch    distribution.Channel
		idStr string
	)
	err := row.Scan(
		&idStr, &ch.Name, &ch.Type, &ch.Config, &ch.Active,
		&ch.CreatedAt, &ch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseChannelID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("syndicate/postgres: parse channel id %q: %w", idStr, parseErr)
	}
	ch.ID = parsedID

	return &ch, nil
}
