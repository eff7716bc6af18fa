package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/domain"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/engine"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/service"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/store"
)

const managerPINHeader = "X-Manager-PIN"

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	logger        *zap.Logger
	validate      *validator.Validate
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		logger:        logger.Named("http"),
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
	}
}

type attemptLimiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	entries   map[string][]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func newAttemptLimiter(limit int, window time.Duration) *attemptLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{limit: limit, window: window, entries: make(map[string][]time.Time), now: time.Now}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.window {
		l.sweep(cutoff)
		l.lastSweep = now
	}

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.limit {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

// sweep drops clients with no attempt inside the window. Callers hold l.mu.
func (l *attemptLimiter) sweep(cutoff time.Time) {
	for key, history := range l.entries {
		if len(history) == 0 || !history[len(history)-1].After(cutoff) {
			delete(l.entries, key)
		}
	}
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, "cashier", "admin"))
	mux.HandleFunc("/api/v1/products/", a.requireAuth(a.handleProductActions, "cashier", "admin"))
	mux.HandleFunc("/api/v1/bills", a.requireAuth(a.handleBills, "cashier", "admin"))
	mux.HandleFunc("/api/v1/bills/", a.requireAuth(a.handleBillActions, "cashier", "admin"))
	mux.HandleFunc("/api/v1/returns", a.requireAuth(a.handleReturns, "cashier", "admin"))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", errors.New("username and password are required"))
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		products, err := a.service.ListProducts(r.Context())
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case http.MethodPost:
		var req domain.ProductCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
			return
		}

		product, err := a.service.CreateProduct(r.Context(), req)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"product": product})
	default:
		writeMethodNotAllowed(w)
	}
}

// handleProductActions serves /api/v1/products/{id}, /{id}/status and /{id}/stock.
func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResourcePath(r.URL.Path, "/api/v1/products/")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", errors.New("product id required"))
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		product, err := a.service.GetProduct(r.Context(), id)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": product})
	case action == "status" && r.Method == http.MethodPatch:
		var req domain.ProductStatusRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
			return
		}
		product, err := a.service.SetProductStatus(r.Context(), id, req)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": product})
	case action == "stock" && r.Method == http.MethodPost:
		var req domain.StockAdjustRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
			return
		}
		product, err := a.service.AdjustStock(r.Context(), id, req)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": product})
	case action == "" || action == "status" || action == "stock":
		writeMethodNotAllowed(w)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", errors.New("unknown product action"))
	}
}

func (a *API) handleBills(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
		bills, err := a.service.ListBills(r.Context(), limit)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"bills": bills})
	case http.MethodPost:
		var req domain.BillCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
			return
		}
		resp, err := a.service.CreateBill(r.Context(), req)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleBillActions(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResourcePath(r.URL.Path, "/api/v1/bills/")
	if !ok || action != "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", errors.New("invalid bill path"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		bill, err := a.service.GetBill(r.Context(), id)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"bill": bill})
	case http.MethodDelete:
		actor, _ := service.ActorFromContext(r.Context())
		if actor.Role != "admin" {
			writeError(w, http.StatusForbidden, "FORBIDDEN", errors.New("forbidden role"))
			return
		}
		if !a.pinLimiter.Allow("pin:bill-delete:" + clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", errors.New("too many manager pin attempts"))
			return
		}
		if !a.auth.ValidateManagerPIN(r.Header.Get(managerPINHeader)) {
			writeError(w, http.StatusForbidden, "INVALID_MANAGER_PIN", errors.New("invalid manager pin"))
			return
		}

		resp, err := a.service.DeleteBill(r.Context(), id)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleReturns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		limit := parsePositiveLimit(query.Get("limit"), 100, 500)
		records, err := a.service.ListReturns(r.Context(), query.Get("bill_id"), limit)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"returns": records})
	case http.MethodPost:
		var req domain.ReturnCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
			return
		}
		resp, err := a.service.CreateReturn(r.Context(), req)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	default:
		writeMethodNotAllowed(w)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+managerPINHeader)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(startedAt)),
		)
	})
}

// fail maps an error to its status and stable code. Retryable storage
// failures carry a Retry-After hint.
func (a *API) fail(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	switch code {
	case "STORAGE_CONFLICT":
		w.Header().Set("Retry-After", "1")
	case "STORAGE_UNAVAILABLE":
		w.Header().Set("Retry-After", "5")
	}
	switch {
	case status >= 500:
		a.logger.Error("request failed", zap.Int("status", status), zap.String("code", code), zap.Error(err))
	case code == "STORAGE_CONFLICT":
		a.logger.Warn("request conflicted", zap.Error(err))
	}
	writeError(w, status, code, err)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest, "INVALID_REQUEST"
	}

	if code := engine.Code(err); code != "" {
		switch code {
		case "PRODUCT_NOT_FOUND", "BILL_NOT_FOUND":
			return http.StatusNotFound, code
		case "PRODUCT_INACTIVE", "INSUFFICIENT_STOCK", "STORAGE_CONFLICT":
			return http.StatusConflict, code
		case "STORAGE_UNAVAILABLE":
			return http.StatusServiceUnavailable, code
		default:
			return http.StatusBadRequest, code
		}
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, store.ErrInsufficientStock):
		return http.StatusConflict, "INSUFFICIENT_STOCK"
	case errors.Is(err, store.ErrInvalidTransaction):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "STORAGE_CONFLICT"
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

// splitResourcePath turns "/prefix/{id}/{action}" into id and action.
func splitResourcePath(path string, prefix string) (string, string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	tail := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if tail == "" {
		return "", "", false
	}
	id, action, _ := strings.Cut(tail, "/")
	id = strings.TrimSpace(id)
	if id == "" || strings.Contains(action, "/") {
		return "", "", false
	}
	return id, action, true
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, ceiling int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if ceiling > 0 && limit > ceiling {
		return ceiling
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", errors.New("method not allowed"))
}

// writeError hides the message of 5xx and storage conflict responses; other
// 4xx messages are meant for the caller.
func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := err.Error()
	switch {
	case code == "STORAGE_CONFLICT":
		msg = "storage conflict, retry the request"
	case code == "STORAGE_UNAVAILABLE":
		msg = "storage unavailable, retry later"
	case status >= 500:
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
		"code":  code,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
