package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/mutation"
	"github.com/vladislavdragonenkov/storefront/internal/service/numbering"
)

// InfoContainer — container custom objects с checkout-информацией корзин.
const InfoContainer = "checkoutInfo"

const (
	fieldOrderNumber        = "orderNumber"
	fieldPaymentMethod      = "paymentMethod"
	fieldPaymentToken       = "paymentToken"
	fieldPaymentTransaction = "paymentTransaction"
	fieldPaymentTimestamp   = "paymentTimestamp"
)

// Info — checkout-информация, привязанная к корзине.
type Info struct {
	OrderNumber        string     `json:"orderNumber,omitempty"`
	PaymentMethod      string     `json:"paymentMethod,omitempty"`
	PaymentToken       string     `json:"paymentToken,omitempty"`
	PaymentTransaction string     `json:"paymentTransaction,omitempty"`
	PaymentTimestamp   *time.Time `json:"paymentTimestamp,omitempty"`
}

// InfoStore хранит Info в custom objects под ключом, равным идентификатору корзины.
// Запись сливает новые поля с существующим документом условной записью с одним повтором.
type InfoStore struct {
	objects domain.CustomObjectRepository
	retrier *mutation.Retrier
}

// NewInfoStore создаёт InfoStore.
func NewInfoStore(objects domain.CustomObjectRepository, logger *log.Entry) *InfoStore {
	if logger == nil {
		logger = log.WithField("component", "checkout-info")
	}
	return &InfoStore{
		objects: objects,
		retrier: mutation.NewRetrier(mutation.WithLogger(logger)),
	}
}

// Get возвращает checkout-информацию корзины; отсутствующий документ даёт пустую Info.
func (s *InfoStore) Get(ctx context.Context, cartID string) (Info, error) {
	fields, _, err := s.read(ctx, cartID)
	if err != nil {
		return Info{}, err
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return Info{}, fmt.Errorf("encode checkout info %q: %w", cartID, err)
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, fmt.Errorf("decode checkout info %q: %w", cartID, err)
	}
	return info, nil
}

// OrderNumber возвращает номер заказа, закреплённый за корзиной.
func (s *InfoStore) OrderNumber(ctx context.Context, cartID string) (string, bool, error) {
	info, err := s.Get(ctx, cartID)
	if err != nil {
		return "", false, err
	}
	return info.OrderNumber, info.OrderNumber != "", nil
}

// SetOrderNumber закрепляет номер заказа за корзиной.
func (s *InfoStore) SetOrderNumber(ctx context.Context, cartID, orderNumber string) error {
	return s.merge(ctx, cartID, map[string]any{fieldOrderNumber: orderNumber})
}

// PaymentMethod возвращает выбранный способ оплаты и токен провайдера.
func (s *InfoStore) PaymentMethod(ctx context.Context, cartID string) (method, token string, err error) {
	info, err := s.Get(ctx, cartID)
	if err != nil {
		return "", "", err
	}
	return info.PaymentMethod, info.PaymentToken, nil
}

// SetPaymentMethod сохраняет способ оплаты вместе с токеном.
func (s *InfoStore) SetPaymentMethod(ctx context.Context, cartID, method, token string) error {
	return s.merge(ctx, cartID, map[string]any{
		fieldPaymentMethod: method,
		fieldPaymentToken:  token,
	})
}

func (s *InfoStore) PaymentTransaction(ctx context.Context, cartID string) (string, error) {
	info, err := s.Get(ctx, cartID)
	if err != nil {
		return "", err
	}
	return info.PaymentTransaction, nil
}

func (s *InfoStore) SetPaymentTransaction(ctx context.Context, cartID, transaction string) error {
	return s.merge(ctx, cartID, map[string]any{fieldPaymentTransaction: transaction})
}

// PaymentTimestamp возвращает момент оплаты; ok == false, если оплаты ещё не было.
func (s *InfoStore) PaymentTimestamp(ctx context.Context, cartID string) (time.Time, bool, error) {
	info, err := s.Get(ctx, cartID)
	if err != nil {
		return time.Time{}, false, err
	}
	if info.PaymentTimestamp == nil {
		return time.Time{}, false, nil
	}
	return *info.PaymentTimestamp, true, nil
}

func (s *InfoStore) SetPaymentTimestamp(ctx context.Context, cartID string, ts time.Time) error {
	return s.merge(ctx, cartID, map[string]any{fieldPaymentTimestamp: ts.UTC()})
}

// Duplicate копирует checkout-информацию одной корзины в другую.
func (s *InfoStore) Duplicate(ctx context.Context, fromCartID, toCartID string) error {
	fields, _, err := s.read(ctx, fromCartID)
	if err != nil {
		return err
	}
	patch := make(map[string]any, len(fields))
	for k, v := range fields {
		patch[k] = v
	}
	return s.merge(ctx, toCartID, patch)
}

// StoredNumber реализует numbering.ScopedNumbers.
func (s *InfoStore) StoredNumber(ctx context.Context, cartID string) (string, bool, error) {
	return s.OrderNumber(ctx, cartID)
}

// StoreNumber реализует numbering.ScopedNumbers: закрепляет number, только если у корзины
// ещё нет номера заказа, и возвращает номер, который в итоге закреплён.
func (s *InfoStore) StoreNumber(ctx context.Context, cartID, number string) (string, error) {
	stored := number
	err := s.update(ctx, cartID, func(fields map[string]json.RawMessage) map[string]any {
		var existing string
		if raw, ok := fields[fieldOrderNumber]; ok && json.Unmarshal(raw, &existing) == nil && existing != "" {
			stored = existing
			return nil
		}
		stored = number
		return map[string]any{fieldOrderNumber: number}
	})
	if err != nil {
		return "", err
	}
	return stored, nil
}

func (s *InfoStore) read(ctx context.Context, cartID string) (map[string]json.RawMessage, int64, error) {
	obj, err := s.objects.Get(ctx, InfoContainer, cartID)
	if err != nil {
		if domain.IsNotFound(err) {
			return map[string]json.RawMessage{}, domain.VersionAbsent, nil
		}
		return nil, 0, fmt.Errorf("read checkout info %q: %w", cartID, err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(obj.Value, &fields); err != nil {
		return nil, 0, fmt.Errorf("decode checkout info %q: %w", cartID, err)
	}
	return fields, obj.Version, nil
}

func (s *InfoStore) merge(ctx context.Context, cartID string, patch map[string]any) error {
	return s.update(ctx, cartID, func(map[string]json.RawMessage) map[string]any { return patch })
}

// update сливает с документом поля, которые вернул patchFor; nil означает «не писать».
// patchFor вызывается заново на каждой попытке.
func (s *InfoStore) update(ctx context.Context, cartID string, patchFor func(fields map[string]json.RawMessage) map[string]any) error {
	return s.retrier.RetryOnConflict(ctx, domain.KindCustomObject, InfoContainer+"/"+cartID, func(ctx context.Context, _ int) error {
		fields, version, err := s.read(ctx, cartID)
		if err != nil {
			return err
		}
		patch := patchFor(fields)
		if patch == nil {
			return nil
		}

		merged := make(map[string]any, len(fields)+len(patch))
		for k, v := range fields {
			merged[k] = v
		}
		for k, v := range patch {
			merged[k] = v
		}

		value, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encode checkout info %q: %w", cartID, err)
		}
		_, err = s.objects.Put(ctx, InfoContainer, cartID, value, version)
		return err
	})
}

var _ numbering.ScopedNumbers = (*InfoStore)(nil)
