// Package api is the JSON boundary used by the storefront and the admin panel.
package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/safar/go-fulfillment/internal/fulfillment"
	"github.com/safar/go-fulfillment/internal/metrics"
	"github.com/safar/go-fulfillment/internal/models"
	"github.com/safar/go-fulfillment/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Fulfillment interface {
	CreateOrder(ctx context.Context, in fulfillment.CreateOrderInput) (*models.OrderView, error)
	GetOrder(ctx context.Context, id string) (*models.OrderView, error)
	ListOrders(ctx context.Context, filter models.OrderFilter) (*models.OrderViewPage, error)
	PendingConfirmation(ctx context.Context, storeID, cursor string, limit int) (*models.OrderViewPage, error)
	ConfirmOrder(ctx context.Context, id string) (*models.OrderView, error)
	AdvanceOrder(ctx context.Context, id string, to models.Status) (*models.OrderView, error)
	CancelOrder(ctx context.Context, id, reason string) (*models.OrderView, error)
	Annotate(ctx context.Context, id, text string) error
	UpdateNotes(ctx context.Context, id, text string) error
	Credentials(ctx context.Context, id string) ([]models.CredentialUnit, error)
}

// Inventory is the admin side of the catalog and the credential pool.
type Inventory interface {
	ListStores(ctx context.Context, page, pageSize int) (*store.OffsetPage, error)
	ListProducts(ctx context.Context, storeID string, page, pageSize int) (*store.OffsetPage, error)
	AddCredentials(ctx context.Context, productID string, secrets []string) ([]models.CredentialUnit, error)
	StockLevel(ctx context.Context, productID string) (*models.StockLevel, error)
	DeleteCredential(ctx context.Context, unitID string) error
}

type Handler struct {
	engine    Fulfillment
	inventory Inventory
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func NewHandler(engine Fulfillment, inventory Inventory, logger *zap.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		engine:    engine,
		inventory: inventory,
		log:       logger.With(zap.String("component", "http_server")),
		metrics:   m,
	}
}

// Routes registers every endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	h.handle(mux, "GET /stores", h.handleListStores)
	h.handle(mux, "GET /stores/{storeID}/products", h.handleListProducts)
	h.handle(mux, "POST /stores/{storeID}/orders", h.handleCreateOrder)
	h.handle(mux, "GET /stores/{storeID}/orders", h.handleListOrders)
	h.handle(mux, "GET /stores/{storeID}/orders/pending", h.handlePending)

	h.handle(mux, "GET /orders/{id}", h.handleGetOrder)
	h.handle(mux, "POST /orders/{id}/confirm", h.handleConfirm)
	h.handle(mux, "POST /orders/{id}/advance", h.handleAdvance)
	h.handle(mux, "POST /orders/{id}/cancel", h.handleCancel)
	h.handle(mux, "POST /orders/{id}/messages", h.handleMessage)
	h.handle(mux, "POST /orders/{id}/notes", h.handleNote)
	h.handle(mux, "GET /orders/{id}/credentials", h.handleCredentials)

	h.handle(mux, "POST /products/{id}/credentials", h.handleAddCredentials)
	h.handle(mux, "GET /products/{id}/stock", h.handleStock)
	h.handle(mux, "DELETE /credentials/{id}", h.handleDeleteCredential)

	h.handle(mux, "GET /health", h.handleHealth)
}

type checkoutRequest struct {
	Items    []fulfillment.ItemInput `json:"items"`
	BuyerRef string                  `json:"buyer_ref"`
	Checkout models.CheckoutDetails  `json:"checkout"`
}

type checkoutResponse struct {
	OrderID           string          `json:"order_id"`
	OrderNumber       string          `json:"order_number"`
	Total             decimal.Decimal `json:"total"`
	Currency          string          `json:"currency"`
	Status            models.Status   `json:"status"`
	NeedsConfirmation bool            `json:"needs_confirmation"`
	StockShortfall    bool            `json:"stock_shortfall"`
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	view, err := h.engine.CreateOrder(r.Context(), fulfillment.CreateOrderInput{
		StoreID:  r.PathValue("storeID"),
		Items:    req.Items,
		BuyerRef: req.BuyerRef,
		Checkout: req.Checkout,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, checkoutResponse{
		OrderID:           view.ID,
		OrderNumber:       view.Number,
		Total:             view.Total,
		Currency:          view.Currency,
		Status:            view.Status,
		NeedsConfirmation: view.NeedsConfirmation,
		StockShortfall:    view.StockShortfall,
	})
}

func (h *Handler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}

	filter := models.OrderFilter{
		StoreID:  r.PathValue("storeID"),
		Status:   models.Status(q.Get("status")),
		BuyerRef: q.Get("buyer"),
		Cursor:   q.Get("cursor"),
		Limit:    limit,
	}
	if raw := q.Get("needs_confirmation"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, models.Errorf(models.ErrValidation, "needs_confirmation must be true or false"))
			return
		}
		filter.NeedsConfirmation = &v
	}

	page, err := h.engine.ListOrders(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}

	page, err := h.engine.PendingConfirmation(r.Context(), r.PathValue("storeID"), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// pageParams reads page and page_size; a missing page means the first one.
func pageParams(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	page, err := queryInt(q.Get("page"))
	if err != nil {
		return 0, 0, err
	}
	if q.Get("page") == "" {
		page = 1
	}
	pageSize, err := queryInt(q.Get("page_size"))
	if err != nil {
		return 0, 0, err
	}
	return page, pageSize, nil
}

func (h *Handler) handleListStores(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := pageParams(r)
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := h.inventory.ListStores(r.Context(), page, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleListProducts(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := pageParams(r)
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := h.inventory.ListProducts(r.Context(), r.PathValue("storeID"), page, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.ConfirmOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To models.Status `json:"to"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	view, err := h.engine.AdvanceOrder(r.Context(), r.PathValue("id"), req.To)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	view, err := h.engine.CancelOrder(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type textRequest struct {
	Text string `json:"text"`
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := h.engine.Annotate(r.Context(), r.PathValue("id"), req.Text); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleNote(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := h.engine.UpdateNotes(r.Context(), r.PathValue("id"), req.Text); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type credential struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Secret    string `json:"secret"`
}

func (h *Handler) handleCredentials(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	units, err := h.engine.Credentials(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]credential, 0, len(units))
	for _, u := range units {
		out = append(out, credential{ID: u.ID, ProductID: u.ProductID, Secret: u.Secret})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":    id,
		"credentials": out,
	})
}

func (h *Handler) handleAddCredentials(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secrets []string `json:"secrets"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	productID := r.PathValue("id")
	units, err := h.inventory.AddCredentials(r.Context(), productID, req.Secrets)
	if err != nil {
		writeError(w, err)
		return
	}

	level, err := h.inventory.StockLevel(r.Context(), productID)
	if err != nil {
		writeError(w, err)
		return
	}

	ids := make([]string, 0, len(units))
	for _, u := range units {
		ids = append(ids, u.ID)
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"unit_ids": ids,
		"stock":    level,
	})
}

func (h *Handler) handleStock(w http.ResponseWriter, r *http.Request) {
	level, err := h.inventory.StockLevel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, level)
}

func (h *Handler) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := h.inventory.DeleteCredential(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func queryInt(raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, models.Errorf(models.ErrValidation, "invalid integer %q", raw)
	}
	return v, nil
}
