package domain

import (
	"encoding/json"
	"time"
)

const (
	// VersionAny — безусловная запись custom object.
	VersionAny int64 = -1
	// VersionAbsent — запись проходит, только если документа ещё нет.
	VersionAbsent int64 = 0
)

// CustomObject — произвольный JSON-документ backend, адресуемый парой (container, key).
// Используется для счётчиков номеров и checkout-информации корзины.
type CustomObject struct {
	Container string          `json:"container"`
	Key       string          `json:"key"`
	Version   int64           `json:"version"`
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (o CustomObject) AggregateID() string { return o.Container + "/" + o.Key }

func (o CustomObject) AggregateVersion() int64 { return o.Version }

// WriteAllowed проверяет условие записи для текущей версии; 0 означает, что документа нет.
func WriteAllowed(currentVersion, expectedVersion int64) bool {
	if expectedVersion == VersionAny {
		return true
	}
	return currentVersion == expectedVersion
}
