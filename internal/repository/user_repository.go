package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/bookstore-auth/internal/model"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

const userColumns = "id,email,first_name,last_name,password_hash,is_active,created_at,updated_at"

// UserRepo reads users and their role/permission closure from MySQL.
// Apart from Create it never writes; role assignment is managed outside
// this service.
type UserRepo struct{ DB *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db} }

// Create inserts u and, when defaultRole is non-empty, grants it that
// role in the same transaction. u.ID is set on success. A duplicate
// email yields ErrEmailExists.
func (r *UserRepo) Create(ctx context.Context, u *model.User, defaultRole string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	res, err := tx.ExecContext(ctx,
		"INSERT INTO users (email, first_name, last_name, password_hash, is_active) VALUES (?,?,?,?,?)",
		u.Email, u.FirstName, u.LastName, u.PasswordHash, u.IsActive)
	if err != nil {
		if isDuplicate(err) {
			return ErrEmailExists
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}

	if defaultRole != "" {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO user_roles (user_id, role_id) SELECT ?, id FROM roles WHERE name=?",
			id, defaultRole)
		if err != nil {
			return fmt.Errorf("assign default role: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	u.ID = uint64(id) //nolint:gosec // G115: auto-increment ids are positive
	return nil
}

// FindByEmail fetches a user by normalized email or returns ErrNotFound.
func (r *UserRepo) FindByEmail(ctx context.Context, email string) (model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return r.scanOne(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email=? LIMIT 1", email))
}

// FindByID fetches a user by id or returns ErrNotFound.
func (r *UserRepo) FindByID(ctx context.Context, id uint64) (model.User, error) {
	return r.scanOne(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id=? LIMIT 1", id))
}

// FindRoles returns the user's roles, each with its permissions, ordered
// by role name. A user with no roles yields an empty slice.
func (r *UserRepo) FindRoles(ctx context.Context, userID uint64) ([]model.Role, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT r.id, r.name, r.description, p.id, p.name, p.description
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
		WHERE ur.user_id = ?
		ORDER BY r.name, p.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roles := make([]model.Role, 0)
	index := make(map[uint64]int)
	for rows.Next() {
		var (
			role               model.Role
			permID             sql.NullInt64
			permName, permDesc sql.NullString
		)
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &permID, &permName, &permDesc); err != nil {
			return nil, err
		}
		i, ok := index[role.ID]
		if !ok {
			role.Name = strings.ToUpper(strings.TrimSpace(role.Name))
			roles = append(roles, role)
			i = len(roles) - 1
			index[role.ID] = i
		}
		if permID.Valid {
			roles[i].Permissions = append(roles[i].Permissions, model.Permission{
				ID:          uint64(permID.Int64), //nolint:gosec // G115: ids are positive
				Name:        strings.ToLower(strings.TrimSpace(permName.String)),
				Description: permDesc.String,
			})
		}
	}
	return roles, rows.Err()
}

func (r *UserRepo) scanOne(row *sql.Row) (model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.PasswordHash, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	return u, err
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
