package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
	"github.com/vladislavdragonenkov/storefront-orders/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront-orders/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront-orders/internal/service/reporting"
)

// Handler обслуживает HTTP API витрины.
type Handler struct {
	orders    *orders.Service
	reporting *reporting.Service
	payments  *payment.Service
	logger    *log.Entry
}

// NewHandler создаёт обработчики поверх доменных сервисов.
func NewHandler(
	orderService *orders.Service,
	reportingService *reporting.Service,
	paymentService *payment.Service,
	logger *log.Entry,
) *Handler {
	if logger == nil {
		logger = log.New().WithField("component", "http-api")
	}
	return &Handler{
		orders:    orderService,
		reporting: reportingService,
		payments:  paymentService,
		logger:    logger,
	}
}

// CreateOrder обрабатывает POST /createorder.
func (h *Handler) CreateOrder(c *gin.Context) {
	const failure = "Error creating order"

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, failure, err)
		return
	}

	order, err := h.orders.Create(c.Request.Context(), req.toInput())
	if err != nil {
		h.respondError(c, http.StatusBadRequest, failure, err)
		return
	}

	c.JSON(http.StatusCreated, envelope{Message: "Order created successfully", Data: newOrderResponse(order)})
}

// GetOrder обрабатывает GET /orders/:orderId.
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.orders.Get(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "Error fetching order", err)
		return
	}
	c.JSON(http.StatusOK, envelope{Message: "Order fetched successfully", Data: newOrderResponse(order)})
}

// OrderTimeline обрабатывает GET /orders/:orderId/timeline.
func (h *Handler) OrderTimeline(c *gin.Context) {
	events, err := h.orders.Timeline(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "Error fetching order timeline", err)
		return
	}
	c.JSON(http.StatusOK, envelope{Message: "Order timeline fetched successfully", Data: newTimelineResponse(events)})
}

// ListUnpaid обрабатывает GET /getordersispayedfalse.
func (h *Handler) ListUnpaid(c *gin.Context) {
	h.respondList(c, "Orders fetched successfully", "Error orders fetched")(h.orders.ListUnpaid(c.Request.Context()))
}

// ListPaid обрабатывает GET /getordersispayedtrue.
func (h *Handler) ListPaid(c *gin.Context) {
	h.respondList(c, "Orders fetched successfully", "Error orders fetched")(h.orders.ListPaid(c.Request.Context()))
}

// ListUserUnpaid обрабатывает GET /user/:userId/unpaid.
func (h *Handler) ListUserUnpaid(c *gin.Context) {
	h.respondList(c, "Unpaid orders fetched successfully", "Error fetching unpaid orders")(
		h.orders.ListUserUnpaid(c.Request.Context(), c.Param("userId")),
	)
}

// ListUserPaid обрабатывает GET /user/:userId/paid.
func (h *Handler) ListUserPaid(c *gin.Context) {
	h.respondList(c, "Paid orders fetched successfully", "Error fetching paid orders")(
		h.orders.ListUserPaid(c.Request.Context(), c.Param("userId")),
	)
}

func (h *Handler) respondList(c *gin.Context, success, failure string) func([]domain.Order, error) {
	return func(list []domain.Order, err error) {
		if err != nil {
			h.respondError(c, http.StatusInternalServerError, failure, err)
			return
		}
		c.JSON(http.StatusOK, envelope{Message: success, Data: newOrderListResponse(list)})
	}
}

// PatchOrder обрабатывает PUT /update/:orderId.
func (h *Handler) PatchOrder(c *gin.Context) {
	const failure = "Error updating order"

	var req patchOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, failure, err)
		return
	}

	order, err := h.orders.Patch(c.Request.Context(), c.Param("orderId"), req.toPatch())
	if err != nil {
		h.respondError(c, http.StatusBadRequest, failure, err)
		return
	}

	c.JSON(http.StatusOK, envelope{Message: "Order updated successfully", Data: newOrderResponse(order)})
}

// UpdateLineQuantity обрабатывает PUT /update/:orderId/product/:productId.
func (h *Handler) UpdateLineQuantity(c *gin.Context) {
	const failure = "Error updating product quantity"

	var req updateQuantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, "Invalid quantity", err)
		return
	}
	if req.Quantity == nil || *req.Quantity < 1 {
		c.JSON(http.StatusBadRequest, envelope{Message: "Invalid quantity", Error: domain.ErrQuantityInvalid.Error()})
		return
	}

	order, err := h.orders.UpdateLineQuantity(c.Request.Context(), c.Param("orderId"), c.Param("productId"), *req.Quantity)
	if err != nil {
		h.respondError(c, http.StatusBadRequest, failure, err)
		return
	}

	c.JSON(http.StatusOK, envelope{Message: "Product quantity updated successfully", Data: newOrderResponse(order)})
}

// TotalPaidRevenue обрабатывает GET /gettotal.
func (h *Handler) TotalPaidRevenue(c *gin.Context) {
	total, err := h.reporting.TotalPaidRevenue(c.Request.Context())
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "Error total overall_total_price fetched", err)
		return
	}
	c.JSON(http.StatusOK, envelope{Message: "Total overall_total_price fetched successfully", Data: amount(total)})
}

// CreatePaymentIntent обрабатывает POST /stripe/create-payment-intent.
// client_secret дублируется на верхнем уровне для клиентов, читающих его оттуда.
func (h *Handler) CreatePaymentIntent(c *gin.Context) {
	const failure = "Payment intent creation failed"

	var req paymentIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, failure, err)
		return
	}

	in := payment.AuthorizeInput{
		UserRef:   req.UserID,
		CartItems: req.CartItems,
		OrderIDs:  req.OrderIDs,
	}
	if req.Amount != nil {
		in.AmountMinor = *req.Amount
	}

	auth, err := h.payments.Authorize(c.Request.Context(), in)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, failure, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":       "Payment intent created successfully",
		"data":          paymentIntentResponse{ClientSecret: auth.ClientSecret},
		"client_secret": auth.ClientSecret,
	})
}
