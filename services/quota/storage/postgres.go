package storage

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql"
	"github.com/lib/pq"

	"github.com/echowrite/relay/pkg/logger"
	"github.com/echowrite/relay/services/quota/entity"
)

const uniqueViolation = "23505"

var builder = sql.Dialect(dialect.Postgres)

type postgres struct {
	*sql.Driver
}

// OpenPostgres connects through the ent driver over lib/pq and migrates the
// tables derived from the ent schemas.
func OpenPostgres(ctx context.Context, dsn string) (Storage, error) {
	drv, err := sql.Open(dialect.Postgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := drv.DB().PingContext(ctx); err != nil {
		drv.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrate(ctx, drv); err != nil {
		drv.Close()
		return nil, err
	}

	return NewPostgres(drv), nil
}

func NewPostgres(drv *sql.Driver) Storage {
	return &postgres{Driver: drv}
}

func (s *postgres) EnsureUser(ctx context.Context, userID string) (*entity.UserQuota, error) {
	if err := ensureUser(ctx, s, userID); err != nil {
		logger.ErrorErr(ctx, "failed to ensure user", err)
		return nil, fmt.Errorf("failed to ensure user: %w", err)
	}
	return queryQuota(ctx, s, userID)
}

func (s *postgres) GetQuota(ctx context.Context, userID string) (*entity.UserQuota, error) {
	return queryQuota(ctx, s, userID)
}

func (s *postgres) CreateSession(ctx context.Context, session *entity.Session) (*entity.Session, error) {
	query, args := builder.Insert(tableSessions).
		Columns(colID, colUserID, colCreatedAt, colUsedMinutes).
		Values(session.ID, session.UserID, session.CreatedAt, 0.0).
		Query()
	if err := s.Exec(ctx, query, args, nil); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, fmt.Errorf("session %s: %w", session.ID, ErrDuplicate)
		}
		logger.ErrorErr(ctx, "failed to create session", err)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	out := *session
	out.UsedMinutes = 0
	return &out, nil
}

func (s *postgres) GetSession(ctx context.Context, sessionID string) (*entity.Session, error) {
	query, args := builder.Select(colUserID, colCreatedAt, colEndedAt, colUsedMinutes).
		From(sql.Table(tableSessions)).
		Where(sql.EQ(colID, sessionID)).
		Query()

	var rows sql.Rows
	if err := s.Query(ctx, query, args, &rows); err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get session: %w", err)
		}
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	session := &entity.Session{ID: sessionID}
	var endedAt stdsql.NullTime
	if err := rows.Scan(&session.UserID, &session.CreatedAt, &endedAt, &session.UsedMinutes); err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	if endedAt.Valid {
		session.EndedAt = &endedAt.Time
	}
	return session, nil
}

// EndSession records the first end time only.
func (s *postgres) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	query, args := builder.Update(tableSessions).
		Set(colEndedAt, endedAt).
		Where(sql.And(sql.EQ(colID, sessionID), sql.IsNull(colEndedAt))).
		Query()

	var res stdsql.Result
	if err := s.Exec(ctx, query, args, &res); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}

	// Nothing updated: either already ended or unknown.
	_, err := s.GetSession(ctx, sessionID)
	return err
}

func (s *postgres) AddUsage(ctx context.Context, userID, sessionID string, deltaMinutes float64) (*entity.UserQuota, error) {
	if deltaMinutes < 0 {
		return nil, entity.ErrNegativeUsage
	}

	tx, err := s.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin usage tx: %w", err)
	}
	defer tx.Rollback()

	n, err := increment(ctx, tx, tableUsers, colUsedMinutes, userID, deltaMinutes)
	if err != nil {
		return nil, fmt.Errorf("failed to add usage: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}

	if sessionID != "" {
		if _, err := increment(ctx, tx, tableSessions, colUsedMinutes, sessionID, deltaMinutes); err != nil {
			return nil, fmt.Errorf("failed to add session usage: %w", err)
		}
	}

	q, err := queryQuota(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit usage: %w", err)
	}
	return q, nil
}

func (s *postgres) AddPurchase(ctx context.Context, purchase *entity.Purchase) (*entity.UserQuota, bool, error) {
	if !(purchase.Minutes > 0) {
		return nil, false, entity.ErrInvalidPurchase
	}

	tx, err := s.Tx(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin purchase tx: %w", err)
	}
	defer tx.Rollback()

	if err := ensureUser(ctx, tx, purchase.UserID); err != nil {
		return nil, false, fmt.Errorf("failed to ensure user: %w", err)
	}

	query, args := builder.Insert(tablePurchases).
		Columns(colID, colUserID, colMinutes, colCreatedAt).
		Values(purchase.ID, purchase.UserID, purchase.Minutes, purchase.CreatedAt).
		OnConflict(sql.ConflictColumns(colID), sql.DoNothing()).
		Query()
	var res stdsql.Result
	if err := tx.Exec(ctx, query, args, &res); err != nil {
		return nil, false, fmt.Errorf("failed to record purchase: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to record purchase: %w", err)
	}

	if inserted > 0 {
		if _, err := increment(ctx, tx, tableUsers, colPurchasedMinutes, purchase.UserID, purchase.Minutes); err != nil {
			return nil, false, fmt.Errorf("failed to credit purchase: %w", err)
		}
	}

	q, err := queryQuota(ctx, tx, purchase.UserID)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit purchase: %w", err)
	}
	return q, inserted > 0, nil
}

func ensureUser(ctx context.Context, q dialect.ExecQuerier, userID string) error {
	query, args := builder.Insert(tableUsers).
		Columns(colID, colUsedMinutes, colPurchasedMinutes, colCreatedAt).
		Values(userID, 0.0, 0.0, time.Now().UTC()).
		OnConflict(sql.ConflictColumns(colID), sql.DoNothing()).
		Query()
	return q.Exec(ctx, query, args, nil)
}

// increment adds delta to column in place, so concurrent writers never lose
// an update. It reports how many rows matched id.
func increment(ctx context.Context, q dialect.ExecQuerier, table, column, id string, delta float64) (int64, error) {
	query, args := builder.Update(table).
		Add(column, delta).
		Where(sql.EQ(colID, id)).
		Query()

	var res stdsql.Result
	if err := q.Exec(ctx, query, args, &res); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func queryQuota(ctx context.Context, q dialect.ExecQuerier, userID string) (*entity.UserQuota, error) {
	query, args := builder.Select(colUsedMinutes, colPurchasedMinutes).
		From(sql.Table(tableUsers)).
		Where(sql.EQ(colID, userID)).
		Query()

	var rows sql.Rows
	if err := q.Query(ctx, query, args, &rows); err != nil {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get quota: %w", err)
		}
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}

	quota := &entity.UserQuota{UserID: userID}
	if err := rows.Scan(&quota.UsedMinutes, &quota.PurchasedMinutes); err != nil {
		return nil, fmt.Errorf("failed to scan quota: %w", err)
	}
	return quota, nil
}
