package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const customersEmailConstraint = "customers_email_normalized_key"

type customerRepository struct {
	db   *sql.DB
	cost int
}

// NewCustomerRepository создаёт PostgreSQL-реализацию CustomerRepository.
func NewCustomerRepository(store *Store) domain.CustomerRepository {
	return &customerRepository{db: store.DB(), cost: bcrypt.DefaultCost}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r *customerRepository) SignUp(ctx context.Context, draft domain.CustomerDraft) (domain.Customer, error) {
	if err := draft.Validate(); err != nil {
		return domain.Customer{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(draft.Password), r.cost)
	if err != nil {
		return domain.Customer{}, fmt.Errorf("hash password: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	customer := domain.Customer{
		ID:             uuid.NewString(),
		Version:        1,
		CustomerNumber: draft.CustomerNumber,
		Email:          strings.TrimSpace(draft.Email),
		FirstName:      strings.TrimSpace(draft.FirstName),
		LastName:       strings.TrimSpace(draft.LastName),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	body, err := json.Marshal(customer)
	if err != nil {
		return domain.Customer{}, fmt.Errorf("marshal customer: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO customers (
			id, version, customer_number, email, email_normalized,
			password_hash, body, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		customer.ID, customer.Version, nullString(customer.CustomerNumber), customer.Email,
		normalizeEmail(customer.Email), hash, string(body), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Customer{}, domain.ErrDuplicateEmail
		}
		return domain.Customer{}, fmt.Errorf("insert customer: %w", err)
	}

	return customer, nil
}

func (r *customerRepository) Authenticate(ctx context.Context, email, password string) (domain.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		body    []byte
		version int64
		hash    []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT body, version, password_hash
		FROM customers
		WHERE email_normalized = $1
	`, normalizeEmail(email)).Scan(&body, &version, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Customer{}, domain.ErrInvalidCredentials
	}
	if err != nil {
		return domain.Customer{}, fmt.Errorf("select customer credentials: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return domain.Customer{}, domain.ErrInvalidCredentials
		}
		return domain.Customer{}, fmt.Errorf("compare password: %w", err)
	}

	return decodeCustomer(body, version)
}

func (r *customerRepository) Get(ctx context.Context, id string) (domain.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return getCustomer(ctx, r.db, `SELECT body, version FROM customers WHERE id = $1`, id, id)
}

func (r *customerRepository) GetByEmail(ctx context.Context, email string) (domain.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return getCustomer(ctx, r.db, `SELECT body, version FROM customers WHERE email_normalized = $1`, email, normalizeEmail(email))
}

func (r *customerRepository) Update(ctx context.Context, id string, version int64, actions []domain.CustomerAction) (domain.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var updated domain.Customer
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		current, err := getCustomer(ctx, tx, `SELECT body, version FROM customers WHERE id = $1 FOR UPDATE`, id, id)
		if err != nil {
			return err
		}
		if current.Version != version {
			return domain.ConflictError(domain.KindCustomer, id, version)
		}

		now := time.Now().UTC()
		next, err := domain.ApplyCustomerActions(current, actions, uuid.NewString, now)
		if err != nil {
			return err
		}
		next.Version = current.Version + 1

		hash, err := r.passwordHashFor(ctx, tx, id, actions, now)
		if err != nil {
			return err
		}

		body, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal customer: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE customers
			SET version = $3,
			    email = $4,
			    email_normalized = $5,
			    body = $6,
			    updated_at = $7
			WHERE id = $1 AND version = $2
		`, id, version, next.Version, next.Email, normalizeEmail(next.Email), string(body), next.UpdatedAt)
		if err != nil {
			if uniqueViolationOn(err, customersEmailConstraint) {
				return domain.ErrDuplicateEmail
			}
			return fmt.Errorf("update customer: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected for customer update: %w", err)
		}
		if affected == 0 {
			return domain.ConflictError(domain.KindCustomer, id, version)
		}

		if hash != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE customers SET password_hash = $2 WHERE id = $1`, id, hash); err != nil {
				return fmt.Errorf("update customer password: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM customer_tokens WHERE customer_id = $1`, id); err != nil {
				return fmt.Errorf("delete customer tokens: %w", err)
			}
		}

		updated = next
		return nil
	})
	if err != nil {
		return domain.Customer{}, err
	}

	return updated, nil
}

// passwordHashFor проверяет действия с паролем внутри транзакции Update и
// возвращает новый хэш или nil, если пароль не меняется.
func (r *customerRepository) passwordHashFor(ctx context.Context, tx *sql.Tx, id string, actions []domain.CustomerAction, now time.Time) ([]byte, error) {
	var newPassword string
	for _, action := range actions {
		switch action.Action {
		case domain.CustomerActionChangePassword:
			var hash []byte
			if err := tx.QueryRowContext(ctx, `SELECT password_hash FROM customers WHERE id = $1`, id).Scan(&hash); err != nil {
				return nil, fmt.Errorf("select customer password: %w", err)
			}
			if err := bcrypt.CompareHashAndPassword(hash, []byte(action.CurrentPassword)); err != nil {
				if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
					return nil, domain.ErrInvalidCredentials
				}
				return nil, fmt.Errorf("compare password: %w", err)
			}
		case domain.CustomerActionResetPassword:
			var owner string
			err := tx.QueryRowContext(ctx, `
				SELECT customer_id FROM customer_tokens
				WHERE token_hash = $1 AND expires_at > $2
			`, domain.HashPasswordToken(action.Token), now).Scan(&owner)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != id) {
				return nil, domain.ErrInvalidToken
			}
			if err != nil {
				return nil, fmt.Errorf("select customer token: %w", err)
			}
		default:
			continue
		}
		newPassword = action.NewPassword
	}
	if newPassword == "" {
		return nil, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), r.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}

func (r *customerRepository) CreatePasswordToken(ctx context.Context, email string, ttl time.Duration) (domain.PasswordToken, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	customer, err := getCustomer(ctx, r.db, `SELECT body, version FROM customers WHERE email_normalized = $1`, email, normalizeEmail(email))
	if err != nil {
		return domain.PasswordToken{}, err
	}

	now := time.Now().UTC()
	token, err := domain.NewPasswordToken(customer.ID, now, ttl)
	if err != nil {
		return domain.PasswordToken{}, err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO customer_tokens (token_hash, customer_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
	`, domain.HashPasswordToken(token.Value), customer.ID, token.ExpiresAt, now)
	if err != nil {
		return domain.PasswordToken{}, fmt.Errorf("insert customer token: %w", err)
	}
	return token, nil
}

func (r *customerRepository) GetByPasswordToken(ctx context.Context, token string) (domain.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		body    []byte
		version int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT c.body, c.version
		FROM customer_tokens t
		JOIN customers c ON c.id = t.customer_id
		WHERE t.token_hash = $1 AND t.expires_at > $2
	`, domain.HashPasswordToken(token), time.Now().UTC()).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Customer{}, domain.NotFoundError(domain.KindCustomer, "token")
	}
	if err != nil {
		return domain.Customer{}, fmt.Errorf("select customer by token: %w", err)
	}
	return decodeCustomer(body, version)
}

func getCustomer(ctx context.Context, q queryer, query, ref string, arg any) (domain.Customer, error) {
	var (
		body    []byte
		version int64
	)
	err := q.QueryRowContext(ctx, query, arg).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Customer{}, domain.NotFoundError(domain.KindCustomer, ref)
	}
	if err != nil {
		return domain.Customer{}, fmt.Errorf("select customer: %w", err)
	}

	return decodeCustomer(body, version)
}

func decodeCustomer(body []byte, version int64) (domain.Customer, error) {
	var customer domain.Customer
	if err := json.Unmarshal(body, &customer); err != nil {
		return domain.Customer{}, fmt.Errorf("decode customer: %w", err)
	}
	customer.Version = version
	return customer, nil
}

var _ domain.CustomerRepository = (*customerRepository)(nil)
