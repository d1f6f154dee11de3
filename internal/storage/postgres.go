package storage

import (
	"context"
	"errors"
	"fmt"
	"session_service/internal/models"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	usersTable  = "users"
	userColumns = "id, email, password_hash, name, created_at, updated_at"
)

// DBTX is the subset of *pgxpool.Pool the directory needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresUserDirectory struct {
	db DBTX
}

func NewPostgresUserDirectory(db DBTX) *PostgresUserDirectory {
	return &PostgresUserDirectory{db: db}
}

func NewPostgresPool(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	const op = "storage.NewPostgresPool"

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w: %w", op, ErrDirectoryUnavailable, err)
	}

	return pool, nil
}

func (p *PostgresUserDirectory) FindByEmail(ctx context.Context, email string) (models.User, error) {
	const op = "storage.FindByEmail"

	query := fmt.Sprintf("SELECT %s FROM %s WHERE email=$1;", userColumns, usersTable)

	user, err := scanUser(p.db.QueryRow(ctx, query, email))
	if err != nil {
		return models.User{}, wrapQueryErr(op, err)
	}

	return user, nil
}

func (p *PostgresUserDirectory) FindByID(ctx context.Context, id uuid.UUID) (models.User, error) {
	const op = "storage.FindByID"

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id=$1;", userColumns, usersTable)

	user, err := scanUser(p.db.QueryRow(ctx, query, id))
	if err != nil {
		return models.User{}, wrapQueryErr(op, err)
	}

	return user, nil
}

func (p *PostgresUserDirectory) Create(ctx context.Context, nu models.NewUser) (models.User, error) {
	const op = "storage.Create"

	query := fmt.Sprintf("INSERT INTO %s(email, password_hash, name) VALUES ($1, $2, $3) RETURNING %s;", usersTable, userColumns)

	user, err := scanUser(p.db.QueryRow(ctx, query, nu.Email, nu.PasswordHash, nu.Name))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return models.User{}, fmt.Errorf("%s: %w", op, ErrUserExists)
		}
		return models.User{}, fmt.Errorf("%s: %w: %w", op, ErrDirectoryUnavailable, err)
	}

	return user, nil
}

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User

	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Name, &user.CreatedAt, &user.UpdatedAt)

	return user, err
}

func wrapQueryErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrUserNotFound)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrDirectoryUnavailable, err)
}
