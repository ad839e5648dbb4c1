// Copyright 2025 James Ross
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Options tunes the transition behavior.
type Options struct {
	// BatchingSize caps the row count per transition statement.
	BatchingSize int
	// RetryLimit is the failed-bundle count at which a repacked data item
	// is declared failed instead of returning to new.
	RetryLimit int
}

// Postgres implements Database on database/sql with the pq driver. Writes go
// to the writer handle; pure reads use the reader handle.
type Postgres struct {
	writer *sql.DB
	reader *sql.DB
	opts   Options
	log    *zap.Logger
}

func NewPostgres(writer, reader *sql.DB, opts Options, log *zap.Logger) *Postgres {
	if reader == nil {
		reader = writer
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.BatchingSize <= 0 {
		opts.BatchingSize = 500
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 3
	}
	return &Postgres{writer: writer, reader: reader, opts: opts, log: log}
}

// DSN builds a lib/pq connection string.
func DSN(host string, port int, user, password, dbname, sslmode string) string {
	parts := []string{
		fmt.Sprintf("host=%s", host),
		fmt.Sprintf("port=%d", port),
		fmt.Sprintf("user=%s", user),
		fmt.Sprintf("dbname=%s", dbname),
		fmt.Sprintf("sslmode=%s", sslmode),
	}
	if password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", password))
	}
	return strings.Join(parts, " ")
}

const dataItemCols = `data_item_id, owner_address, byte_count, payload_data_start, signature_type,
	signature, assessed_winston_price, uploaded_date, failed_bundles, deadline_height,
	premium_feature_type, payload_content_type`

const bundleCols = `bundle_id, plan_id, reward, header_byte_count, payload_byte_count,
	transaction_byte_count, planned_date, signed_date`

func (p *Postgres) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := p.writer.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

func scanNewDataItem(rows *sql.Rows) (NewDataItem, error) {
	var item NewDataItem
	var deadline sql.NullInt64
	err := rows.Scan(&item.DataItemID, &item.OwnerAddress, &item.ByteCount, &item.PayloadDataStart,
		&item.SignatureType, &item.Signature, &item.AssessedWinstonPrice, &item.UploadedDate,
		pq.Array(&item.FailedBundles), &deadline, &item.PremiumFeatureType, &item.PayloadContentType)
	if err != nil {
		return item, err
	}
	if deadline.Valid {
		v := deadline.Int64
		item.DeadlineHeight = &v
	}
	return item, nil
}

func dataItemArgs(item NewDataItem) []interface{} {
	var deadline sql.NullInt64
	if item.DeadlineHeight != nil {
		deadline = sql.NullInt64{Int64: *item.DeadlineHeight, Valid: true}
	}
	failed := item.FailedBundles
	if failed == nil {
		failed = []string{}
	}
	premium := item.PremiumFeatureType
	if premium == "" {
		premium = "default"
	}
	return []interface{}{
		item.DataItemID, item.OwnerAddress, item.ByteCount, item.PayloadDataStart,
		item.SignatureType, item.Signature, item.AssessedWinstonPrice, item.UploadedDate,
		pq.Array(failed), deadline, premium, item.PayloadContentType,
	}
}

// valuesClause builds ($1,$2,...),($13,...) placeholder groups.
func valuesClause(rows, cols int) string {
	var b strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
		}
		b.WriteString(")")
	}
	return b.String()
}

func chunkStrings(in []string, size int) [][]string {
	if size <= 0 {
		size = len(in)
	}
	var out [][]string
	for len(in) > 0 {
		n := size
		if n > len(in) {
			n = len(in)
		}
		out = append(out, in[:n])
		in = in[n:]
	}
	return out
}

func (p *Postgres) InsertNewDataItem(ctx context.Context, item NewDataItem) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM planned_data_item WHERE data_item_id = $1
				UNION ALL
				SELECT 1 FROM permanent_data_item WHERE data_item_id = $1
				UNION ALL
				SELECT 1 FROM failed_data_item WHERE data_item_id = $1
			)`, item.DataItemID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists {
			return ErrDataItemExists
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO new_data_item (`+dataItemCols+`) VALUES `+valuesClause(1, 12),
			dataItemArgs(item)...)
		return err
	})
}

func (p *Postgres) InsertNewDataItemBatch(ctx context.Context, items []NewDataItem) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.DataItemID)
	}
	return p.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT data_item_id FROM new_data_item WHERE data_item_id = ANY($1)
			UNION
			SELECT data_item_id FROM planned_data_item WHERE data_item_id = ANY($1)
			UNION
			SELECT data_item_id FROM permanent_data_item WHERE data_item_id = ANY($1)`,
			pq.Array(ids))
		if err != nil {
			return err
		}
		existing := map[string]struct{}{}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			existing[id] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			return err
		}

		// failed items in the batch are being retried
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM failed_data_item WHERE data_item_id = ANY($1)`, pq.Array(ids)); err != nil {
			return err
		}

		insert := make([]NewDataItem, 0, len(items))
		for _, it := range items {
			if _, ok := existing[it.DataItemID]; ok {
				continue
			}
			insert = append(insert, it)
		}
		for start := 0; start < len(insert); start += p.opts.BatchingSize {
			end := start + p.opts.BatchingSize
			if end > len(insert) {
				end = len(insert)
			}
			batch := insert[start:end]
			args := make([]interface{}, 0, len(batch)*12)
			for _, it := range batch {
				args = append(args, dataItemArgs(it)...)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO new_data_item (`+dataItemCols+`) VALUES `+valuesClause(len(batch), 12),
				args...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Postgres) GetNewDataItems(ctx context.Context, limit int) ([]NewDataItem, error) {
	var items []NewDataItem
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+dataItemCols+` FROM new_data_item
			 ORDER BY uploaded_date ASC LIMIT $1 FOR UPDATE NOWAIT`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			item, err := scanNewDataItem(rows)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		return rows.Err()
	})
	if errors.Is(err, ErrLockConflict) {
		// another planner has the head of the queue
		p.log.Debug("new data items locked by another planner")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (p *Postgres) InsertBundlePlan(ctx context.Context, planID string, dataItemIDs []string) error {
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO bundle_plan (plan_id) VALUES ($1)`, planID)
		return err
	})
	if err != nil {
		return err
	}

	planned := 0
	for _, chunk := range chunkStrings(dataItemIDs, p.opts.BatchingSize) {
		chunk := chunk
		err := p.withTx(ctx, func(tx *sql.Tx) error {
			// rows already moved or locked by a competing planner are skipped
			rows, err := tx.QueryContext(ctx, `
				DELETE FROM new_data_item
				WHERE data_item_id IN (
					SELECT data_item_id FROM new_data_item
					WHERE data_item_id = ANY($1)
					FOR UPDATE SKIP LOCKED
				)
				RETURNING `+dataItemCols, pq.Array(chunk))
			if err != nil {
				return err
			}
			var moved []NewDataItem
			for rows.Next() {
				item, err := scanNewDataItem(rows)
				if err != nil {
					rows.Close()
					return err
				}
				moved = append(moved, item)
			}
			if err := rows.Err(); err != nil {
				return err
			}
			if len(moved) == 0 {
				return nil
			}
			args := make([]interface{}, 0, len(moved)*13)
			for _, it := range moved {
				args = append(args, dataItemArgs(it)...)
				args = append(args, planID)
			}
			cols := dataItemCols + `, plan_id`
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO planned_data_item (`+cols+`) VALUES `+valuesClause(len(moved), 13),
				args...); err != nil {
				return err
			}
			planned += len(moved)
			return nil
		})
		if err != nil {
			return err
		}
	}

	if planned == 0 {
		// everything was snatched by a concurrent planner; drop the orphan
		p.log.Warn("bundle plan captured no data items, deleting", zap.String("plan_id", planID))
		return p.withTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM bundle_plan WHERE plan_id = $1`, planID)
			return err
		})
	}
	return nil
}

func (p *Postgres) GetPlannedDataItems(ctx context.Context, planID string) ([]PlannedDataItem, error) {
	rows, err := p.reader.QueryContext(ctx,
		`SELECT `+dataItemCols+`, plan_id, planned_date FROM planned_data_item
		 WHERE plan_id = $1 ORDER BY uploaded_date ASC, data_item_id ASC`, planID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var items []PlannedDataItem
	for rows.Next() {
		var item PlannedDataItem
		var deadline sql.NullInt64
		err := rows.Scan(&item.DataItemID, &item.OwnerAddress, &item.ByteCount, &item.PayloadDataStart,
			&item.SignatureType, &item.Signature, &item.AssessedWinstonPrice, &item.UploadedDate,
			pq.Array(&item.FailedBundles), &deadline, &item.PremiumFeatureType, &item.PayloadContentType,
			&item.PlanID, &item.PlannedDate)
		if err != nil {
			return nil, mapError(err)
		}
		if deadline.Valid {
			v := deadline.Int64
			item.DeadlineHeight = &v
		}
		items = append(items, item)
	}
	return items, mapError(rows.Err())
}

func (p *Postgres) BundlePlanState(ctx context.Context, planID string) (string, error) {
	for _, probe := range []struct {
		table string
		state string
	}{
		{"bundle_plan", PlanStatePlan},
		{"new_bundle", PlanStateNew},
		{"posted_bundle", PlanStatePosted},
		{"seeded_bundle", PlanStateSeeded},
		{"permanent_bundle", PlanStatePermanent},
		{"failed_bundle", PlanStateFailed},
	} {
		var one int
		err := p.reader.QueryRowContext(ctx,
			`SELECT 1 FROM `+probe.table+` WHERE plan_id = $1 LIMIT 1`, planID).Scan(&one)
		if err == nil {
			return probe.state, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", mapError(err)
		}
	}
	return "", ErrNotFound
}

func (p *Postgres) InsertNewBundle(ctx context.Context, params NewBundleParams) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var plannedDate sql.NullTime
		err := tx.QueryRowContext(ctx, `
			DELETE FROM bundle_plan
			WHERE plan_id IN (
				SELECT plan_id FROM bundle_plan WHERE plan_id = $1 FOR UPDATE NOWAIT
			)
			RETURNING planned_date`, params.PlanID).Scan(&plannedDate)
		if errors.Is(err, sql.ErrNoRows) {
			for _, table := range []string{"new_bundle", "posted_bundle", "seeded_bundle", "permanent_bundle"} {
				var one int
				probeErr := tx.QueryRowContext(ctx,
					`SELECT 1 FROM `+table+` WHERE plan_id = $1 LIMIT 1`, params.PlanID).Scan(&one)
				if probeErr == nil {
					return ErrBundlePlanExistsInAnotherState
				}
				if !errors.Is(probeErr, sql.ErrNoRows) {
					return probeErr
				}
			}
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO new_bundle (bundle_id, plan_id, reward, header_byte_count,
				payload_byte_count, transaction_byte_count, planned_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			params.BundleID, params.PlanID, params.Reward, params.HeaderByteCount,
			params.PayloadByteCount, params.TransactionByteCount, plannedDate.Time)
		return err
	})
}

func scanNewBundle(row interface{ Scan(...interface{}) error }) (NewBundle, error) {
	var b NewBundle
	err := row.Scan(&b.BundleID, &b.PlanID, &b.Reward, &b.HeaderByteCount,
		&b.PayloadByteCount, &b.TransactionByteCount, &b.PlannedDate, &b.SignedDate)
	return b, err
}

func (p *Postgres) GetNewBundle(ctx context.Context, planID string) (*NewBundle, error) {
	b, err := scanNewBundle(p.reader.QueryRowContext(ctx,
		`SELECT `+bundleCols+` FROM new_bundle WHERE plan_id = $1`, planID))
	if err != nil {
		return nil, mapError(err)
	}
	return &b, nil
}

func (p *Postgres) InsertPostedBundle(ctx context.Context, bundleID string, usdToARRate *float64) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		b, err := scanNewBundle(tx.QueryRowContext(ctx, `
			DELETE FROM new_bundle
			WHERE bundle_id IN (
				SELECT bundle_id FROM new_bundle WHERE bundle_id = $1 FOR UPDATE NOWAIT
			)
			RETURNING `+bundleCols, bundleID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var rate sql.NullFloat64
		if usdToARRate != nil {
			rate = sql.NullFloat64{Float64: *usdToARRate, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO posted_bundle (bundle_id, plan_id, reward, header_byte_count,
				payload_byte_count, transaction_byte_count, planned_date, signed_date,
				posted_date, usd_to_ar_rate)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), $9)`,
			b.BundleID, b.PlanID, b.Reward, b.HeaderByteCount, b.PayloadByteCount,
			b.TransactionByteCount, b.PlannedDate, b.SignedDate, rate)
		return err
	})
}

const postedBundleCols = bundleCols + `, posted_date, usd_to_ar_rate`

func scanPostedBundle(row interface{ Scan(...interface{}) error }) (PostedBundle, error) {
	var b PostedBundle
	var rate sql.NullFloat64
	err := row.Scan(&b.BundleID, &b.PlanID, &b.Reward, &b.HeaderByteCount,
		&b.PayloadByteCount, &b.TransactionByteCount, &b.PlannedDate, &b.SignedDate,
		&b.PostedDate, &rate)
	if rate.Valid {
		v := rate.Float64
		b.USDToARRate = &v
	}
	return b, err
}

func (p *Postgres) GetPostedBundle(ctx context.Context, planID string) (*PostedBundle, error) {
	b, err := scanPostedBundle(p.reader.QueryRowContext(ctx,
		`SELECT `+postedBundleCols+` FROM posted_bundle WHERE plan_id = $1`, planID))
	if err != nil {
		return nil, mapError(err)
	}
	return &b, nil
}

func (p *Postgres) InsertSeededBundle(ctx context.Context, bundleID string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		b, err := scanPostedBundle(tx.QueryRowContext(ctx, `
			DELETE FROM posted_bundle
			WHERE bundle_id IN (
				SELECT bundle_id FROM posted_bundle WHERE bundle_id = $1 FOR UPDATE NOWAIT
			)
			RETURNING `+postedBundleCols, bundleID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var rate sql.NullFloat64
		if b.USDToARRate != nil {
			rate = sql.NullFloat64{Float64: *b.USDToARRate, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO seeded_bundle (bundle_id, plan_id, reward, header_byte_count,
				payload_byte_count, transaction_byte_count, planned_date, signed_date,
				posted_date, usd_to_ar_rate, seeded_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`,
			b.BundleID, b.PlanID, b.Reward, b.HeaderByteCount, b.PayloadByteCount,
			b.TransactionByteCount, b.PlannedDate, b.SignedDate, b.PostedDate, rate)
		return err
	})
}

const seededBundleCols = postedBundleCols + `, seeded_date`

func scanSeededBundle(rows *sql.Rows) (SeededBundle, error) {
	var b SeededBundle
	var rate sql.NullFloat64
	err := rows.Scan(&b.BundleID, &b.PlanID, &b.Reward, &b.HeaderByteCount,
		&b.PayloadByteCount, &b.TransactionByteCount, &b.PlannedDate, &b.SignedDate,
		&b.PostedDate, &rate, &b.SeededDate)
	if rate.Valid {
		v := rate.Float64
		b.USDToARRate = &v
	}
	return b, err
}

func (p *Postgres) GetSeededBundles(ctx context.Context, limit int) ([]SeededBundle, error) {
	var bundles []SeededBundle
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+seededBundleCols+` FROM seeded_bundle
			 ORDER BY posted_date ASC LIMIT $1 FOR UPDATE NOWAIT`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			b, err := scanSeededBundle(rows)
			if err != nil {
				return err
			}
			bundles = append(bundles, b)
		}
		return rows.Err()
	})
	if errors.Is(err, ErrLockConflict) {
		p.log.Debug("seeded bundles locked by another verifier")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return bundles, nil
}

func (p *Postgres) UpdateBundleAsPermanent(ctx context.Context, planID string, blockHeight int64, indexedOnGQL bool) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			DELETE FROM seeded_bundle
			WHERE plan_id IN (
				SELECT plan_id FROM seeded_bundle WHERE plan_id = $1 FOR UPDATE NOWAIT
			)
			RETURNING `+seededBundleCols, planID)
		if err != nil {
			return err
		}
		defer rows.Close()
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return err
			}
			return ErrNotFound
		}
		b, err := scanSeededBundle(rows)
		if err != nil {
			return err
		}
		rows.Close()
		var rate sql.NullFloat64
		if b.USDToARRate != nil {
			rate = sql.NullFloat64{Float64: *b.USDToARRate, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO permanent_bundle (bundle_id, plan_id, reward, header_byte_count,
				payload_byte_count, transaction_byte_count, planned_date, signed_date,
				posted_date, usd_to_ar_rate, seeded_date, block_height, indexed_on_gql)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			b.BundleID, b.PlanID, b.Reward, b.HeaderByteCount, b.PayloadByteCount,
			b.TransactionByteCount, b.PlannedDate, b.SignedDate, b.PostedDate, rate,
			b.SeededDate, blockHeight, indexedOnGQL)
		return err
	})
}

func (p *Postgres) UpdateDataItemsAsPermanent(ctx context.Context, params PermanentDataItemsParams) error {
	for _, chunk := range chunkStrings(params.DataItemIDs, p.opts.BatchingSize) {
		chunk := chunk
		err := p.withTx(ctx, func(tx *sql.Tx) error {
			rows, err := tx.QueryContext(ctx, `
				DELETE FROM planned_data_item
				WHERE data_item_id IN (
					SELECT data_item_id FROM planned_data_item
					WHERE data_item_id = ANY($1) FOR UPDATE NOWAIT
				)
				RETURNING `+dataItemCols+`, plan_id, planned_date`, pq.Array(chunk))
			if err != nil {
				return err
			}
			var moved []PlannedDataItem
			for rows.Next() {
				var item PlannedDataItem
				var deadline sql.NullInt64
				err := rows.Scan(&item.DataItemID, &item.OwnerAddress, &item.ByteCount,
					&item.PayloadDataStart, &item.SignatureType, &item.Signature,
					&item.AssessedWinstonPrice, &item.UploadedDate, pq.Array(&item.FailedBundles),
					&deadline, &item.PremiumFeatureType, &item.PayloadContentType,
					&item.PlanID, &item.PlannedDate)
				if err != nil {
					rows.Close()
					return err
				}
				moved = append(moved, item)
			}
			if err := rows.Err(); err != nil {
				return err
			}
			if len(moved) == 0 {
				return nil
			}
			args := make([]interface{}, 0, len(moved)*13)
			for _, it := range moved {
				args = append(args,
					it.DataItemID, it.OwnerAddress, it.ByteCount, it.PayloadDataStart,
					it.SignatureType, it.AssessedWinstonPrice, it.UploadedDate,
					it.PlanID, it.PlannedDate, params.BundleID, params.BlockHeight,
					it.PremiumFeatureType, it.PayloadContentType)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO permanent_data_item (data_item_id, owner_address, byte_count,
					payload_data_start, signature_type, assessed_winston_price, uploaded_date,
					plan_id, planned_date, bundle_id, block_height, premium_feature_type,
					payload_content_type)
				VALUES `+valuesClause(len(moved), 13), args...)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) UpdateDataItemsToBeRePacked(ctx context.Context, dataItemIDs []string, failedBundleID string) error {
	for _, chunk := range chunkStrings(dataItemIDs, p.opts.BatchingSize) {
		chunk := chunk
		err := p.withTx(ctx, func(tx *sql.Tx) error {
			rows, err := tx.QueryContext(ctx, `
				DELETE FROM planned_data_item
				WHERE data_item_id IN (
					SELECT data_item_id FROM planned_data_item
					WHERE data_item_id = ANY($1) FOR UPDATE NOWAIT
				)
				RETURNING `+dataItemCols, pq.Array(chunk))
			if err != nil {
				return err
			}
			var moved []NewDataItem
			for rows.Next() {
				item, err := scanNewDataItem(rows)
				if err != nil {
					rows.Close()
					return err
				}
				moved = append(moved, item)
			}
			if err := rows.Err(); err != nil {
				return err
			}
			if len(moved) == 0 {
				return nil
			}

			var requeue, exhausted []NewDataItem
			for _, item := range moved {
				item.FailedBundles = append(item.FailedBundles, failedBundleID)
				if len(item.FailedBundles) >= p.opts.RetryLimit {
					exhausted = append(exhausted, item)
				} else {
					requeue = append(requeue, item)
				}
			}

			if len(requeue) > 0 {
				args := make([]interface{}, 0, len(requeue)*12)
				for _, it := range requeue {
					args = append(args, dataItemArgs(it)...)
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO new_data_item (`+dataItemCols+`) VALUES `+valuesClause(len(requeue), 12),
					args...); err != nil {
					return err
				}
			}
			if len(exhausted) > 0 {
				args := make([]interface{}, 0, len(exhausted)*13)
				for _, it := range exhausted {
					args = append(args, dataItemArgs(it)...)
					args = append(args, FailedReasonTooManyFailures)
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO failed_data_item (`+dataItemCols+`, failed_reason)
					 VALUES `+valuesClause(len(exhausted), 13), args...); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) UpdateSeededBundleToDropped(ctx context.Context, planID, bundleID string) error {
	if err := p.repackPlannedItems(ctx, planID, bundleID); err != nil {
		return err
	}
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var gone string
		err := tx.QueryRowContext(ctx, `
			DELETE FROM seeded_bundle
			WHERE plan_id IN (
				SELECT plan_id FROM seeded_bundle WHERE plan_id = $1 FOR UPDATE NOWAIT
			)
			RETURNING bundle_id`, planID).Scan(&gone)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO failed_bundle (bundle_id, plan_id, failed_reason)
			VALUES ($1, $2, $3)`, bundleID, planID, BundleFailedReasonNotFound)
		return err
	})
}

func (p *Postgres) UpdateNewBundleToFailedToPost(ctx context.Context, planID, bundleID string) error {
	if err := p.repackPlannedItems(ctx, planID, bundleID); err != nil {
		return err
	}
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var gone string
		err := tx.QueryRowContext(ctx, `
			DELETE FROM new_bundle
			WHERE plan_id IN (
				SELECT plan_id FROM new_bundle WHERE plan_id = $1 FOR UPDATE NOWAIT
			)
			RETURNING bundle_id`, planID).Scan(&gone)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO failed_bundle (bundle_id, plan_id, failed_reason)
			VALUES ($1, $2, $3)`, bundleID, planID, BundleFailedReasonFailedToPost)
		return err
	})
}

func (p *Postgres) repackPlannedItems(ctx context.Context, planID, failedBundleID string) error {
	rows, err := p.writer.QueryContext(ctx,
		`SELECT data_item_id FROM planned_data_item WHERE plan_id = $1`, planID)
	if err != nil {
		return mapError(err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return mapError(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return mapError(err)
	}
	if len(ids) == 0 {
		return nil
	}
	return p.UpdateDataItemsToBeRePacked(ctx, ids, failedBundleID)
}

func (p *Postgres) UpdatePlannedDataItemAsFailed(ctx context.Context, dataItemID, failedReason string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			DELETE FROM planned_data_item
			WHERE data_item_id IN (
				SELECT data_item_id FROM planned_data_item
				WHERE data_item_id = $1 FOR UPDATE NOWAIT
			)
			RETURNING `+dataItemCols, dataItemID)
		if err != nil {
			return err
		}
		defer rows.Close()
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return err
			}
			return ErrNotFound
		}
		item, err := scanNewDataItem(rows)
		if err != nil {
			return err
		}
		rows.Close()
		args := dataItemArgs(item)
		args = append(args, failedReason)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO failed_data_item (`+dataItemCols+`, failed_reason)
			 VALUES `+valuesClause(1, 13), args...)
		return err
	})
}

func (p *Postgres) GetDataItemInfo(ctx context.Context, dataItemID string) (*DataItemInfo, error) {
	info := &DataItemInfo{}
	var deadline sql.NullInt64

	err := p.reader.QueryRowContext(ctx, `
		SELECT assessed_winston_price, uploaded_date, deadline_height
		FROM new_data_item WHERE data_item_id = $1`, dataItemID).
		Scan(&info.AssessedWinstonPrice, &info.UploadedDate, &deadline)
	if err == nil {
		info.Status = DataItemStatusNew
		setDeadline(info, deadline)
		return info, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, mapError(err)
	}

	err = p.reader.QueryRowContext(ctx, `
		SELECT assessed_winston_price, uploaded_date, deadline_height
		FROM planned_data_item WHERE data_item_id = $1`, dataItemID).
		Scan(&info.AssessedWinstonPrice, &info.UploadedDate, &deadline)
	if err == nil {
		info.Status = DataItemStatusPlanned
		setDeadline(info, deadline)
		return info, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, mapError(err)
	}

	err = p.reader.QueryRowContext(ctx, `
		SELECT assessed_winston_price, uploaded_date, bundle_id
		FROM permanent_data_item WHERE data_item_id = $1`, dataItemID).
		Scan(&info.AssessedWinstonPrice, &info.UploadedDate, &info.BundleID)
	if err == nil {
		info.Status = DataItemStatusPermanent
		return info, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, mapError(err)
	}

	err = p.reader.QueryRowContext(ctx, `
		SELECT assessed_winston_price, uploaded_date, deadline_height, failed_reason
		FROM failed_data_item WHERE data_item_id = $1`, dataItemID).
		Scan(&info.AssessedWinstonPrice, &info.UploadedDate, &deadline, &info.FailedReason)
	if err == nil {
		info.Status = DataItemStatusFailed
		setDeadline(info, deadline)
		return info, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return nil, mapError(err)
}

func setDeadline(info *DataItemInfo, deadline sql.NullInt64) {
	if deadline.Valid {
		v := deadline.Int64
		info.DeadlineHeight = &v
	}
}
