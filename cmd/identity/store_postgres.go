package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over PostgreSQL.
//
// Notes:
// - The pgx pool is owned by the caller; this store must NOT close it.
// - Schema/table identifiers are safely quoted to avoid SQL injection via identifiers.
// - UpdateUser is serialized per record via SELECT ... FOR UPDATE.
// - Driver errors are mapped to identity sentinel kinds.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	now    func() time.Time
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the store (default "accounts").
// The schema name is validated to be a legal PostgreSQL identifier.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !ValidSchemaName(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithPostgresClock overrides the clock used for UpdatedAt.
func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) error {
		if now == nil {
			return fmt.Errorf("identity: nil clock")
		}
		s.now = now
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "accounts",
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

const pgUserColumns = `id, name, email, email_norm, org_email, org_email_domain, role, status,
	salt, secret, reset_token, reset_expires_at, created_at, updated_at, version`

func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	if s == nil || s.pool == nil {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	if in.Now.IsZero() {
		in.Now = s.now()
	}
	u, err := newUser(op, in)
	if err != nil {
		return User{}, err
	}

	users := pgIdent(s.schema, "users")

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+users+` (`+pgUserColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		u.ID,
		u.Name,
		u.Email,
		u.EmailNorm,
		u.OrgEmail,
		u.OrgEmailDomain,
		string(u.Role),
		string(u.Status),
		u.Salt,
		u.Secret,
		u.ResetToken,
		u.ResetExpiresAt,
		u.CreatedAt,
		u.UpdatedAt,
		u.Version,
	)
	if err != nil {
		return User{}, pgClassify(op, err)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	const op = "identity.GetUserByID"

	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	return s.getOne(ctx, op, `id = $1`, id)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const op = "identity.GetUserByEmail"

	norm := NormalizeEmail(email)
	if norm == "" {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	return s.getOne(ctx, op, `email_norm = $1`, norm)
}

func (s *PostgresStore) GetUserByResetToken(ctx context.Context, tokenHash string) (User, error) {
	const op = "identity.GetUserByResetToken"

	tokenHash = strings.TrimSpace(tokenHash)
	if tokenHash == "" {
		return User{}, pgInvalid(op, "empty token")
	}
	return s.getOne(ctx, op, `reset_token = $1`, tokenHash)
}

func (s *PostgresStore) getOne(ctx context.Context, op, where string, arg any) (User, error) {
	if s == nil || s.pool == nil {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	users := pgIdent(s.schema, "users")
	row := s.pool.QueryRow(ctx, `SELECT `+pgUserColumns+` FROM `+users+` WHERE `+where, arg)

	u, err := pgScanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, NotFoundError{Op: op, Resource: "user"}
		}
		return User{}, pgClassify(op, err)
	}
	return u, nil
}

// UpdateUser locks the row, applies mutate and writes the whole record back
// in the same transaction.
func (s *PostgresStore) UpdateUser(ctx context.Context, id string, mutate MutateFunc) (User, error) {
	const op = "identity.UpdateUser"

	if s == nil || s.pool == nil {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return User{}, pgClassify(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	users := pgIdent(s.schema, "users")

	prev, err := pgScanUser(tx.QueryRow(ctx,
		`SELECT `+pgUserColumns+` FROM `+users+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, NotFoundError{Op: op, Resource: "user"}
		}
		return User{}, pgClassify(op, err)
	}

	next, err := applyMutation(op, prev, mutate, s.now())
	if err != nil {
		return User{}, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE `+users+`
		    SET name = $2,
		        org_email = $3,
		        org_email_domain = $4,
		        role = $5,
		        status = $6,
		        salt = $7,
		        secret = $8,
		        reset_token = $9,
		        reset_expires_at = $10,
		        updated_at = $11,
		        version = $12
		  WHERE id = $1`,
		next.ID,
		next.Name,
		next.OrgEmail,
		next.OrgEmailDomain,
		string(next.Role),
		string(next.Status),
		next.Salt,
		next.Secret,
		next.ResetToken,
		next.ResetExpiresAt,
		next.UpdatedAt,
		next.Version,
	)
	if err != nil {
		return User{}, pgClassify(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, pgClassify(op, err)
	}
	return next, nil
}

// Ping checks connectivity with a trivial round trip.
func (s *PostgresStore) Ping(ctx context.Context) error {
	const op = "identity.Ping"

	if s == nil || s.pool == nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	var one int
	if err := s.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return pgClassify(op, err)
	}
	return nil
}

// ---- helpers ----

func pgScanUser(row pgx.Row) (User, error) {
	var (
		u      User
		role   string
		status string
	)
	err := row.Scan(
		&u.ID,
		&u.Name,
		&u.Email,
		&u.EmailNorm,
		&u.OrgEmail,
		&u.OrgEmailDomain,
		&role,
		&status,
		&u.Salt,
		&u.Secret,
		&u.ResetToken,
		&u.ResetExpiresAt,
		&u.CreatedAt,
		&u.UpdatedAt,
		&u.Version,
	)
	if err != nil {
		return User{}, err
	}
	u.Role = ParseRole(role)
	u.Status = Status(status)
	if !u.Status.Valid() {
		u.Status = StatusDisabled
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	if u.ResetExpiresAt != nil {
		t := u.ResetExpiresAt.UTC()
		u.ResetExpiresAt = &t
	}
	return u, nil
}

// pgClassify maps driver errors onto identity kinds; unknown errors pass through.
func pgClassify(op string, err error) error {
	if err == nil {
		return nil
	}
	if field, ok := pgClassifyUniqueViolation(err); ok {
		return ConflictError{Op: op, Field: field}
	}
	if pgIsTransient(err) {
		return transient(op, err)
	}
	return err
}

// pgInvalid standardizes invalid input errors.
func pgInvalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

// ValidSchemaName checks if a string is a safe Postgres identifier.
func ValidSchemaName(s string) bool {
	return pgIdentRe.MatchString(s)
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgIsTransient(err error) bool {
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection_exception class
			return true
		case pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "57P01", // admin_shutdown
			pgErr.Code == "53300": // too_many_connections
			return true
		}
		return false
	}
	return isTransientCause(err)
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	// Prefer stable schema constraint names. Fall back to substring matching.
	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))

	switch c {
	case "uq_users_email_norm":
		return "email", true
	case "uq_users_reset_token":
		return "reset_token", true
	default:
		switch {
		case strings.Contains(c, "email"):
			return "email", true
		case strings.Contains(c, "reset"):
			return "reset_token", true
		default:
			return "unique", true
		}
	}
}
