// Package health отдаёт состояние витрины по HTTP: хранилища, очередь outbox и Kafka.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// DefaultCheckTimeout ограничивает одну проверку, если у запроса нет своего дедлайна.
const DefaultCheckTimeout = 2 * time.Second

// Status представляет статус компонента.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check — результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Critical   bool   `json:"critical"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response — тело ответа /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент витрины.
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler собирает проверки и отвечает на /healthz и /readyz.
type Handler struct {
	mu        sync.RWMutex
	checkers  map[string]Checker
	version   string
	timeout   time.Duration
	startTime time.Time
	now       func() time.Time
}

// NewHandler создаёт handler для сборки version.
func NewHandler(version string) *Handler {
	return &Handler{
		checkers:  make(map[string]Checker),
		version:   version,
		timeout:   DefaultCheckTimeout,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// SetTimeout меняет предел одной проверки.
func (h *Handler) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	h.mu.Lock()
	h.timeout = timeout
	h.mu.Unlock()
}

// RegisterChecker регистрирует проверку под именем name.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// Evaluate выполняет все проверки параллельно и сводит общий статус.
// Упавшая некритичная проверка понижает статус только до degraded.
func (h *Handler) Evaluate(ctx context.Context) Response {
	h.mu.RLock()
	checkers := make(map[string]Checker, len(h.checkers))
	for k, v := range h.checkers {
		checkers[k] = v
	}
	timeout := h.timeout
	h.mu.RUnlock()

	names := make([]string, 0, len(checkers))
	for name := range checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]Check, len(names))
	var group errgroup.Group
	for i, name := range names {
		group.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			check := checkers[name].Check(checkCtx)
			if check.Name == "" {
				check.Name = name
			}
			results[i] = check
			return nil
		})
	}
	_ = group.Wait()

	overall := StatusHealthy
	checks := make(map[string]Check, len(names))
	for i, name := range names {
		check := results[i]
		checks[name] = check
		overall = worse(overall, effectiveStatus(check))
	}

	return Response{
		Status:        overall,
		Timestamp:     h.now(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(h.now().Sub(h.startTime).Seconds()),
	}
}

func effectiveStatus(check Check) Status {
	if check.Status == StatusUnhealthy && !check.Critical {
		return StatusDegraded
	}
	return check.Status
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// ServeHTTP отдаёт подробный отчёт; 503 только при отказе критичного компонента.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	response := h.Evaluate(r.Context())

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// LivenessHandler всегда отвечает 200.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler пропускает трафик, пока живы критичные компоненты.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.Evaluate(r.Context()).Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// PingChecker проверяет доступность хранилища.
type PingChecker struct {
	name     string
	critical bool
	ping     func(ctx context.Context) error
}

// NewStorageChecker — критичная проверка: без хранилища витрина не обслуживает корзины.
func NewStorageChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, critical: true, ping: ping}
}

// NewOptionalChecker — проверка компонента, без которого витрина работает с ограничениями.
func NewOptionalChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

func (c *PingChecker) Check(ctx context.Context) Check {
	start := time.Now()
	err := c.ping(ctx)
	check := Check{
		Name:       c.name,
		Status:     StatusHealthy,
		Critical:   c.critical,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// OutboxStatsSource отдаёт размер очереди событий checkout.
type OutboxStatsSource interface {
	Stats(ctx context.Context) (domain.OutboxStats, error)
}

// OutboxBacklogChecker сообщает degraded, когда события checkout копятся в outbox.
type OutboxBacklogChecker struct {
	stats      OutboxStatsSource
	maxPending int
	maxAge     time.Duration
	now        func() time.Time
}

// NewOutboxBacklogChecker создаёт проверку очереди. Нулевые пороги не проверяются.
func NewOutboxBacklogChecker(stats OutboxStatsSource, maxPending int, maxAge time.Duration) *OutboxBacklogChecker {
	return &OutboxBacklogChecker{stats: stats, maxPending: maxPending, maxAge: maxAge, now: time.Now}
}

func (c *OutboxBacklogChecker) Check(ctx context.Context) Check {
	start := time.Now()
	check := Check{Name: "outbox", Status: StatusHealthy}

	stats, err := c.stats.Stats(ctx)
	check.DurationMs = time.Since(start).Milliseconds()
	switch {
	case err != nil:
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	case c.maxPending > 0 && stats.PendingCount >= c.maxPending:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d checkout events pending", stats.PendingCount)
	case c.maxAge > 0 && stats.PendingCount > 0 && c.now().Sub(stats.OldestPendingAt) >= c.maxAge:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("oldest checkout event pending for %s", c.now().Sub(stats.OldestPendingAt).Truncate(time.Second))
	}
	return check
}

// StaticChecker возвращает заранее известный результат, например «Kafka не настроена».
type StaticChecker struct {
	check Check
}

func NewStaticChecker(check Check) *StaticChecker {
	return &StaticChecker{check: check}
}

func (c *StaticChecker) Check(context.Context) Check {
	return c.check
}
