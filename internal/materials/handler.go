package materials

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/sitestock/sitestock/internal/platform/httpx"
	"github.com/sitestock/sitestock/internal/shared"
)

// Handler exposes the ledger as a JSON API.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the materials handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: newHeaderValidator()}
}

// MountRoutes registers materials routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/movements", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.submit)
		r.Post("/validate", h.validateDraft)
		r.Get("/{id}", h.show)
		r.Put("/{id}", h.update)
		r.Delete("/{id}", h.remove)
		r.Get("/{id}/settlement", h.settlement)
	})
	r.Post("/settlement", h.previewSettlement)
	r.Get("/stock", h.stock)
	r.Get("/locations/{locationID}/inventory", h.locationInventory)
	r.Put("/purchase-orders/{poID}", h.savePurchaseOrder)
	r.Get("/purchase-orders/{poID}/balances", h.purchaseOrderBalances)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	pg := shared.NewPageRequest(page, perPage)
	filter := TransactionFilter{
		LocationID:      LocationID(q.Get("location_id")),
		ItemID:          ItemID(q.Get("item_id")),
		PurchaseOrderID: PurchaseOrderID(q.Get("purchase_order_id")),
		MovementType:    MovementType(strings.ToUpper(q.Get("movement_type"))),
		Limit:           pg.Size + 1,
		Offset:          pg.Offset(),
	}
	if filter.MovementType != "" && !filter.MovementType.IsValid() {
		httpx.RespondError(w, fmt.Errorf("%w: unknown movement_type %q", httpx.ErrBadRequest, filter.MovementType))
		return
	}
	var err error
	if filter.From, err = parseDate(q.Get("from")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.To, err = parseDate(q.Get("to")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	txs, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// One extra row is fetched to tell whether a next page exists.
	hasMore := len(txs) > pg.Size
	if hasMore {
		txs = txs[:pg.Size]
	}
	if txs == nil {
		txs = []Transaction{}
	}
	httpx.JSON(w, http.StatusOK, ListResponse{Transactions: txs, Page: pg.Number, PerPage: pg.Size, HasMore: hasMore})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.decodeMovement(w, r)
	if !ok {
		return
	}
	saved, err := h.service.Submit(r.Context(), SubmitInput{
		Transaction:    tx,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		ActorID:        shared.ActorFromContext(r.Context()).UserID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag(saved.Version))
	w.Header().Set("Location", fmt.Sprintf("%s/%d", strings.TrimSuffix(r.URL.Path, "/"), saved.ID))
	httpx.JSON(w, http.StatusCreated, saved)
}

func (h *Handler) validateDraft(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.decodeMovement(w, r)
	if !ok {
		return
	}
	checked, err := h.service.Validate(r.Context(), tx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, checked)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	tx, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag(tx.Version))
	httpx.JSON(w, http.StatusOK, tx)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	version, ok := parseIfMatch(w, r)
	if !ok {
		return
	}
	tx, ok := h.decodeMovement(w, r)
	if !ok {
		return
	}
	saved, err := h.service.Update(r.Context(), id, UpdateInput{
		Transaction: tx,
		Version:     version,
		ActorID:     shared.ActorFromContext(r.Context()).UserID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag(saved.Version))
	httpx.JSON(w, http.StatusOK, saved)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	version, ok := parseIfMatch(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id, version, shared.ActorFromContext(r.Context()).UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) settlement(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	s, err := h.service.Settlement(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, s)
}

func (h *Handler) previewSettlement(w http.ResponseWriter, r *http.Request) {
	var req SettlementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrBadRequest, err))
		return
	}
	httpx.JSON(w, http.StatusOK, Settle(req.Items, req.Charges))
}

func (h *Handler) stock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	loc := LocationID(q.Get("location_id"))
	items := q["item_id"]
	if loc == "" || len(items) == 0 {
		httpx.RespondError(w, fmt.Errorf("%w: location_id and at least one item_id are required", httpx.ErrBadRequest))
		return
	}
	keys := make([]StockKey, 0, len(items))
	for _, item := range items {
		keys = append(keys, StockKey{LocationID: loc, ItemID: ItemID(item)})
	}
	views, err := h.service.StockViews(r.Context(), keys)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, views)
}

func (h *Handler) locationInventory(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.LocationInventory(r.Context(), LocationID(chi.URLParam(r, "locationID")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []StockItem{}
	}
	httpx.JSON(w, http.StatusOK, items)
}

func (h *Handler) savePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	var req PurchaseOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrBadRequest, err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	po := req.ToPurchaseOrder(PurchaseOrderID(chi.URLParam(r, "poID")))
	if err := h.service.SavePurchaseOrder(r.Context(), po); err != nil {
		h.writeError(w, r, err)
		return
	}
	lines, err := h.service.PurchaseOrderBalances(r.Context(), po.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lines)
}

func (h *Handler) purchaseOrderBalances(w http.ResponseWriter, r *http.Request) {
	lines, err := h.service.PurchaseOrderBalances(r.Context(), PurchaseOrderID(chi.URLParam(r, "poID")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lines)
}

func (h *Handler) decodeMovement(w http.ResponseWriter, r *http.Request) (Transaction, bool) {
	var req MovementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrBadRequest, err))
		return Transaction{}, false
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return Transaction{}, false
	}
	tx, err := req.ToTransaction()
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrBadRequest, err))
		return Transaction{}, false
	}
	return tx, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	p := problemFor(err)
	if p.Status >= http.StatusInternalServerError {
		h.logger.Error("materials request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	httpx.WriteProblem(w, p)
}

func problemFor(err error) httpx.ProblemDetail {
	p := httpx.ProblemDetail{Detail: err.Error(), Meta: errorMeta(err)}
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict) && strings.HasPrefix(conflict.Scope, "transaction:"):
		p.Status, p.Title = http.StatusPreconditionFailed, "Precondition Failed"
	case errors.Is(err, ErrConflict):
		p.Status, p.Title = http.StatusConflict, "Conflict"
	case errors.Is(err, shared.ErrIdempotencyConflict):
		p.Status, p.Title = http.StatusConflict, "Duplicate Request"
	case errors.Is(err, shared.ErrInvalidIdempotencyKey):
		p.Status, p.Title = http.StatusBadRequest, "Bad Request"
	case errors.Is(err, ErrNotFound):
		p.Status, p.Title = http.StatusNotFound, "Not Found"
	case errors.Is(err, ErrInvalidTransition):
		p.Status, p.Title = http.StatusConflict, "Invalid State"
	case IsValidationError(err), errors.Is(err, ErrSettlementNotSupported):
		p.Status, p.Title = http.StatusUnprocessableEntity, "Validation Failed"
	case errors.Is(err, ErrDataUnavailable):
		p.Status, p.Title = http.StatusServiceUnavailable, "Data Unavailable"
	case errors.Is(err, ErrPersistence):
		p.Status, p.Title = http.StatusBadGateway, "Persistence Failed"
	default:
		p.Status, p.Title, p.Detail = http.StatusInternalServerError, "Internal Error", ""
	}
	if p.Status < http.StatusInternalServerError || p.Status == http.StatusServiceUnavailable {
		p.Meta = mergeMeta(p.Meta, map[string]any{"kind": RejectionKind(err)})
	}
	return p
}

func errorMeta(err error) map[string]any {
	var (
		overReceipt  *OverReceiptError
		insufficient *InsufficientStockError
		quantity     *InvalidQuantityError
		missing      *MissingRequiredFieldError
		header       *InvalidHeaderError
		rate         *InvalidRateError
		unit         *UnitMismatchError
		charge       *InvalidChargeError
		conflict     *ConflictError
	)
	switch {
	case errors.As(err, &overReceipt):
		return map[string]any{
			"line":              overReceipt.Line,
			"item_id":           overReceipt.ItemID,
			"item_name":         overReceipt.ItemName,
			"purchase_order_id": overReceipt.PurchaseOrderID,
			"attempted":         overReceipt.Attempted,
			"allowed":           overReceipt.Allowed,
		}
	case errors.As(err, &insufficient):
		return map[string]any{
			"line":        insufficient.Line,
			"item_id":     insufficient.ItemID,
			"item_name":   insufficient.ItemName,
			"location_id": insufficient.LocationID,
			"requested":   insufficient.Requested,
			"available":   insufficient.Available,
		}
	case errors.As(err, &quantity):
		return map[string]any{"line": quantity.Line, "item_id": quantity.ItemID, "item_name": quantity.ItemName, "quantity": quantity.Quantity}
	case errors.As(err, &missing):
		return map[string]any{"field": missing.Field}
	case errors.As(err, &header):
		return map[string]any{"field": header.Field, "rule": header.Rule}
	case errors.As(err, &rate):
		return map[string]any{"line": rate.Line, "item_name": rate.ItemName, "rate": rate.Rate}
	case errors.As(err, &unit):
		return map[string]any{"line": unit.Line, "item_name": unit.ItemName, "unit": unit.Unit, "expected": unit.Expected}
	case errors.As(err, &charge):
		return map[string]any{"line": charge.Line, "charge_type": charge.ChargeType}
	case errors.As(err, &conflict):
		return map[string]any{"scope": conflict.Scope, "expected": conflict.Expected, "actual": conflict.Actual}
	}
	return nil
}

func mergeMeta(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid id", httpx.ErrBadRequest))
		return 0, false
	}
	return id, true
}

// parseIfMatch returns 0 when the header is absent.
func parseIfMatch(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.Header.Get("If-Match"))
	if raw == "" || raw == "*" {
		return 0, true
	}
	raw = strings.Trim(strings.TrimPrefix(raw, "W/"), `"`)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid If-Match", httpx.ErrBadRequest))
		return 0, false
	}
	return v, true
}

func etag(version int64) string {
	return `"` + strconv.FormatInt(version, 10) + `"`
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", httpx.ErrBadRequest, raw)
	}
	return t, nil
}
