package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type customerRecord struct {
	customer     domain.Customer
	passwordHash []byte
}

type passwordTokenRecord struct {
	customerID string
	expiresAt  time.Time
}

// customerRepositoryInMemory реализует CustomerRepository в памяти.
type customerRepositoryInMemory struct {
	mu      sync.RWMutex
	items   map[string]*customerRecord
	byEmail map[string]string
	tokens  map[string]passwordTokenRecord
	cost    int
	now     func() time.Time
}

// NewCustomerRepository возвращает in-memory репозиторий клиентов.
// Для тестов используется минимальная стоимость bcrypt.
func NewCustomerRepository() *customerRepositoryInMemory {
	return &customerRepositoryInMemory{
		items:   make(map[string]*customerRecord),
		byEmail: make(map[string]string),
		tokens:  make(map[string]passwordTokenRecord),
		cost:    bcrypt.MinCost,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SignUp создаёт клиента; занятый email даёт ErrDuplicateEmail.
func (r *customerRepositoryInMemory) SignUp(ctx context.Context, draft domain.CustomerDraft) (domain.Customer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Customer{}, err
	}
	if err := draft.Validate(); err != nil {
		return domain.Customer{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(draft.Password), r.cost)
	if err != nil {
		return domain.Customer{}, fmt.Errorf("hash password: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	email := normalizeEmail(draft.Email)
	if _, exists := r.byEmail[email]; exists {
		return domain.Customer{}, domain.ErrDuplicateEmail
	}

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
	r.items[customer.ID] = &customerRecord{customer: customer, passwordHash: hash}
	r.byEmail[email] = customer.ID
	return customer, nil
}

// Authenticate проверяет пароль клиента.
func (r *customerRepositoryInMemory) Authenticate(ctx context.Context, email, password string) (domain.Customer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Customer{}, err
	}

	r.mu.RLock()
	id, ok := r.byEmail[normalizeEmail(email)]
	var record customerRecord
	if ok {
		record = *r.items[id]
	}
	r.mu.RUnlock()

	if !ok {
		return domain.Customer{}, domain.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(record.passwordHash, []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return domain.Customer{}, domain.ErrInvalidCredentials
		}
		return domain.Customer{}, fmt.Errorf("compare password: %w", err)
	}
	return cloneCustomer(record.customer), nil
}

// Get возвращает клиента или NotFound.
func (r *customerRepositoryInMemory) Get(ctx context.Context, id string) (domain.Customer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Customer{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.items[id]
	if !ok {
		return domain.Customer{}, domain.NotFoundError(domain.KindCustomer, id)
	}
	return cloneCustomer(record.customer), nil
}

// GetByEmail ищет клиента по email без учёта регистра.
func (r *customerRepositoryInMemory) GetByEmail(ctx context.Context, email string) (domain.Customer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Customer{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[normalizeEmail(email)]
	if !ok {
		return domain.Customer{}, domain.NotFoundError(domain.KindCustomer, email)
	}
	return cloneCustomer(r.items[id].customer), nil
}

// Update применяет действия на версии version.
func (r *customerRepositoryInMemory) Update(ctx context.Context, id string, version int64, actions []domain.CustomerAction) (domain.Customer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Customer{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.items[id]
	if !ok {
		return domain.Customer{}, domain.NotFoundError(domain.KindCustomer, id)
	}
	if record.customer.Version != version {
		return domain.Customer{}, domain.ConflictError(domain.KindCustomer, id, version)
	}

	now := r.now()
	next, err := domain.ApplyCustomerActions(record.customer, actions, uuid.NewString, now)
	if err != nil {
		return domain.Customer{}, err
	}
	hash, err := r.passwordHashFor(record, actions, now)
	if err != nil {
		return domain.Customer{}, err
	}

	oldEmail := normalizeEmail(record.customer.Email)
	newEmail := normalizeEmail(next.Email)
	if newEmail != oldEmail {
		if _, taken := r.byEmail[newEmail]; taken {
			return domain.Customer{}, domain.ErrDuplicateEmail
		}
		delete(r.byEmail, oldEmail)
		r.byEmail[newEmail] = id
	}

	next.Version++
	record.customer = next
	if hash != nil {
		record.passwordHash = hash
		r.dropTokensLocked(id)
	}
	return cloneCustomer(next), nil
}

// passwordHashFor проверяет действия с паролем и возвращает новый хэш или nil,
// если пароль не меняется. Вызывается под r.mu.
func (r *customerRepositoryInMemory) passwordHashFor(record *customerRecord, actions []domain.CustomerAction, now time.Time) ([]byte, error) {
	var newPassword string
	for _, action := range actions {
		switch action.Action {
		case domain.CustomerActionChangePassword:
			if err := bcrypt.CompareHashAndPassword(record.passwordHash, []byte(action.CurrentPassword)); err != nil {
				if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
					return nil, domain.ErrInvalidCredentials
				}
				return nil, fmt.Errorf("compare password: %w", err)
			}
		case domain.CustomerActionResetPassword:
			token, ok := r.tokens[domain.HashPasswordToken(action.Token)]
			if !ok || token.customerID != record.customer.ID || !now.Before(token.expiresAt) {
				return nil, domain.ErrInvalidToken
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

func (r *customerRepositoryInMemory) dropTokensLocked(customerID string) {
	for key, token := range r.tokens {
		if token.customerID == customerID {
			delete(r.tokens, key)
		}
	}
}

// CreatePasswordToken выпускает токен сброса пароля для клиента с email.
func (r *customerRepositoryInMemory) CreatePasswordToken(ctx context.Context, email string, ttl time.Duration) (domain.PasswordToken, error) {
	if err := ctx.Err(); err != nil {
		return domain.PasswordToken{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byEmail[normalizeEmail(email)]
	if !ok {
		return domain.PasswordToken{}, domain.NotFoundError(domain.KindCustomer, email)
	}

	token, err := domain.NewPasswordToken(id, r.now(), ttl)
	if err != nil {
		return domain.PasswordToken{}, err
	}
	r.tokens[domain.HashPasswordToken(token.Value)] = passwordTokenRecord{customerID: id, expiresAt: token.ExpiresAt}
	return token, nil
}

// GetByPasswordToken находит владельца действующего токена.
func (r *customerRepositoryInMemory) GetByPasswordToken(ctx context.Context, token string) (domain.Customer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Customer{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.tokens[domain.HashPasswordToken(token)]
	if !ok || !r.now().Before(record.expiresAt) {
		return domain.Customer{}, domain.NotFoundError(domain.KindCustomer, "token")
	}
	customer, ok := r.items[record.customerID]
	if !ok {
		return domain.Customer{}, domain.NotFoundError(domain.KindCustomer, record.customerID)
	}
	return cloneCustomer(customer.customer), nil
}

func cloneCustomer(c domain.Customer) domain.Customer {
	c.Addresses = append([]domain.Address(nil), c.Addresses...)
	return c
}

var _ domain.CustomerRepository = (*customerRepositoryInMemory)(nil)
