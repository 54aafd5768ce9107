// Package httpapi serves the order operations over REST, mirroring the
// bookstore's /api/orders routes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dshills/bookstore-orders/pkg/types"
)

// OrderPlacer runs the write paths
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req types.PlaceOrderRequest) (*types.Receipt, error)
	UpdateStatus(ctx context.Context, orderID int64, status string) error
}

// OrderReader runs the read paths
type OrderReader interface {
	GetOrder(ctx context.Context, orderID int64, callerID string) (*types.OrderView, error)
	ListOrders(ctx context.Context, callerID string) ([]types.OrderView, error)
}

const requestTimeout = 60 * time.Second

// Handler holds the services behind the REST routes
type Handler struct {
	orders OrderPlacer
	reader OrderReader
	logger *zap.Logger
}

// New creates a Handler
func New(orders OrderPlacer, reader OrderReader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		orders: orders,
		reader: reader,
		logger: logger.Named("http"),
	}
}

// Router builds the chi router with all order routes
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", h.HealthCheck)

	r.Route("/api/orders", func(r chi.Router) {
		r.Use(requireCaller)
		r.Post("/", h.PlaceOrder)
		r.Get("/", h.ListOrders)
		r.Get("/{id}", h.GetOrder)
		r.With(requireAdmin).Put("/{id}/status", h.UpdateStatus)
	})

	return r
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Message: message})
}

// PlaceOrderRequest is the POST /api/orders body. book_id is accepted as an
// alias of item_id.
type PlaceOrderRequest struct {
	Items           []cartLineRequest `json:"items"`
	ShippingAddress string            `json:"shipping_address"`
}

type cartLineRequest struct {
	ItemID   int64 `json:"item_id"`
	BookID   int64 `json:"book_id"`
	Quantity int   `json:"quantity"`
}

// PlaceOrderResponse is returned with 201 Created
type PlaceOrderResponse struct {
	Message     string      `json:"message"`
	OrderID     int64       `json:"order_id"`
	TotalAmount types.Money `json:"total_amount"`
}

// UpdateStatusRequest is the PUT /api/orders/{id}/status body
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFromContext(r.Context())

	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	cart := make([]types.CartLine, 0, len(req.Items))
	for _, line := range req.Items {
		id := line.ItemID
		if id == 0 {
			id = line.BookID
		}
		cart = append(cart, types.CartLine{ItemID: id, Quantity: line.Quantity})
	}

	receipt, err := h.orders.PlaceOrder(r.Context(), types.PlaceOrderRequest{
		CallerID:        caller.ID,
		Cart:            cart,
		ShippingAddress: req.ShippingAddress,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, PlaceOrderResponse{
		Message:     "Order created successfully",
		OrderID:     receipt.OrderID,
		TotalAmount: receipt.TotalAmount,
	})
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFromContext(r.Context())

	views, err := h.reader.ListOrders(r.Context(), caller.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFromContext(r.Context())

	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	view, err := h.reader.GetOrder(r.Context(), orderID, caller.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if err := h.orders.UpdateStatus(r.Context(), orderID, req.Status); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Order status updated successfully"})
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid order id")
		return 0, false
	}
	return id, true
}

// writeDomainError maps the order error taxonomy to HTTP statuses
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *types.InsufficientStockError

	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Message: insufficient.Error(),
			Details: map[string]interface{}{
				"item_id":   insufficient.ItemID,
				"requested": insufficient.Requested,
				"available": insufficient.Available,
			},
		})
	case errors.Is(err, types.ErrValidation), errors.Is(err, types.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, types.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrTransient):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, types.ErrTransient.Error())
	default:
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
