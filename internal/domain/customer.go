package domain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"time"
)

// Customer — учётная запись покупателя. Хэш пароля остаётся внутри backend.
type Customer struct {
	ID             string    `json:"id"`
	Version        int64     `json:"version"`
	CustomerNumber string    `json:"customerNumber,omitempty"`
	Email          string    `json:"email"`
	FirstName      string    `json:"firstName,omitempty"`
	LastName       string    `json:"lastName,omitempty"`
	Addresses      []Address `json:"addresses,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (c Customer) AggregateID() string { return c.ID }

func (c Customer) AggregateVersion() int64 { return c.Version }

// Address ищет адрес клиента по идентификатору.
func (c Customer) Address(id string) (Address, bool) {
	for _, a := range c.Addresses {
		if a.ID == id {
			return a, true
		}
	}
	return Address{}, false
}

// CustomerDraft содержит данные регистрации.
type CustomerDraft struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	FirstName      string `json:"firstName,omitempty"`
	LastName       string `json:"lastName,omitempty"`
	CustomerNumber string `json:"customerNumber,omitempty"`
	// AnonymousCartID привязывает анонимную корзину к новому клиенту.
	AnonymousCartID string `json:"anonymousCartId,omitempty"`
}

// Validate проверяет обязательные поля регистрации.
func (d CustomerDraft) Validate() error {
	if _, err := mail.ParseAddress(strings.TrimSpace(d.Email)); err != nil {
		return NewValidationError("email", "must be a valid address")
	}
	return ValidatePassword(d.Password)
}

// MinPasswordLength — минимальная длина пароля клиента.
const MinPasswordLength = 6

// PasswordTokenTTL — срок жизни токена сброса пароля.
const PasswordTokenTTL = 24 * time.Hour

func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return NewValidationError("password", fmt.Sprintf("must be at least %d characters", MinPasswordLength))
	}
	return nil
}

// PasswordToken — одноразовый токен сброса пароля. В хранилище лежит только его хэш.
type PasswordToken struct {
	Value      string    `json:"value"`
	CustomerID string    `json:"customerId"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (t PasswordToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// NewPasswordToken выпускает случайный токен для клиента customerID.
func NewPasswordToken(customerID string, now time.Time, ttl time.Duration) (PasswordToken, error) {
	if ttl <= 0 {
		ttl = PasswordTokenTTL
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return PasswordToken{}, fmt.Errorf("generate password token: %w", err)
	}
	return PasswordToken{
		Value:      hex.EncodeToString(raw),
		CustomerID: customerID,
		ExpiresAt:  now.Add(ttl),
	}, nil
}

// HashPasswordToken возвращает ключ, под которым токен хранится в backend.
func HashPasswordToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// CustomerActionType — имя операции обновления клиента.
type CustomerActionType string

const (
	CustomerActionAddAddress    CustomerActionType = "addAddress"
	CustomerActionChangeAddress CustomerActionType = "changeAddress"
	CustomerActionRemoveAddress CustomerActionType = "removeAddress"
	CustomerActionChangeName    CustomerActionType = "changeName"
	CustomerActionChangeEmail   CustomerActionType = "changeEmail"
	// Смену и сброс пароля проверяет backend: хэш пароля в Customer не попадает.
	CustomerActionChangePassword CustomerActionType = "changePassword"
	CustomerActionResetPassword  CustomerActionType = "resetPassword"
)

// CustomerAction — одна операция из описания обновления клиента.
type CustomerAction struct {
	Action    CustomerActionType `json:"action"`
	AddressID string             `json:"addressId,omitempty"`
	Address   *Address           `json:"address,omitempty"`
	FirstName string             `json:"firstName,omitempty"`
	LastName  string             `json:"lastName,omitempty"`
	Email     string             `json:"email,omitempty"`

	CurrentPassword string `json:"-"`
	NewPassword     string `json:"-"`
	Token           string `json:"-"`
}

// IsPasswordAction сообщает, что действие меняет учётные данные.
func (a CustomerAction) IsPasswordAction() bool {
	return a.Action == CustomerActionChangePassword || a.Action == CustomerActionResetPassword
}

func AddAddress(address Address) CustomerAction {
	return CustomerAction{Action: CustomerActionAddAddress, Address: &address}
}

func ChangeAddress(addressID string, address Address) CustomerAction {
	return CustomerAction{Action: CustomerActionChangeAddress, AddressID: addressID, Address: &address}
}

func RemoveAddress(addressID string) CustomerAction {
	return CustomerAction{Action: CustomerActionRemoveAddress, AddressID: addressID}
}

func ChangeName(firstName, lastName string) CustomerAction {
	return CustomerAction{Action: CustomerActionChangeName, FirstName: firstName, LastName: lastName}
}

func ChangeEmail(email string) CustomerAction {
	return CustomerAction{Action: CustomerActionChangeEmail, Email: email}
}

func ChangePassword(currentPassword, newPassword string) CustomerAction {
	return CustomerAction{Action: CustomerActionChangePassword, CurrentPassword: currentPassword, NewPassword: newPassword}
}

func ResetPassword(token, newPassword string) CustomerAction {
	return CustomerAction{Action: CustomerActionResetPassword, Token: token, NewPassword: newPassword}
}

// ApplyCustomerActions применяет описание обновления к копии клиента.
func ApplyCustomerActions(customer Customer, actions []CustomerAction, newID func() string, now time.Time) (Customer, error) {
	next := customer
	next.Addresses = slices.Clone(customer.Addresses)

	for _, action := range actions {
		switch action.Action {
		case CustomerActionAddAddress:
			if action.Address == nil {
				return Customer{}, NewValidationError("address", "is required")
			}
			addr := *action.Address
			addr.ID = newID()
			next.Addresses = append(next.Addresses, addr)
		case CustomerActionChangeAddress:
			if action.Address == nil {
				return Customer{}, NewValidationError("address", "is required")
			}
			idx := slices.IndexFunc(next.Addresses, func(a Address) bool { return a.ID == action.AddressID })
			if idx < 0 {
				return Customer{}, NewValidationError("addressId", "unknown address "+action.AddressID)
			}
			addr := *action.Address
			addr.ID = action.AddressID
			next.Addresses[idx] = addr
		case CustomerActionRemoveAddress:
			idx := slices.IndexFunc(next.Addresses, func(a Address) bool { return a.ID == action.AddressID })
			if idx < 0 {
				return Customer{}, NewValidationError("addressId", "unknown address "+action.AddressID)
			}
			next.Addresses = slices.Delete(next.Addresses, idx, idx+1)
		case CustomerActionChangeName:
			next.FirstName = strings.TrimSpace(action.FirstName)
			next.LastName = strings.TrimSpace(action.LastName)
		case CustomerActionChangeEmail:
			email := strings.TrimSpace(action.Email)
			if _, err := mail.ParseAddress(email); err != nil {
				return Customer{}, NewValidationError("email", "must be a valid address")
			}
			next.Email = email
		case CustomerActionChangePassword, CustomerActionResetPassword:
			if err := ValidatePassword(action.NewPassword); err != nil {
				return Customer{}, err
			}
		default:
			return Customer{}, NewValidationError("action", "unsupported customer action "+string(action.Action))
		}
	}

	next.UpdatedAt = now
	return next, nil
}
