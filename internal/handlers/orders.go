package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"saga-checkout/internal/domain"
	"saga-checkout/internal/repo"
	"saga-checkout/internal/service"
	"saga-checkout/internal/validation"
)

type OrderHandler struct {
	orders   service.OrderService
	validate *validatorv10.Validate
}

func NewOrderHandler(orders service.OrderService) *OrderHandler {
	return &OrderHandler{orders: orders, validate: validation.New()}
}

// Register mounts the order API.
func (h *OrderHandler) Register(r *gin.Engine) {
	api := r.Group("/api")
	api.POST("/orders", h.placeOrder)
	api.GET("/orders", h.listOrders)
	api.GET("/orders/:orderNo", h.getOrder)
	api.POST("/payments/confirm", h.confirmPayment)
}

type orderStatusResponse struct {
	OrderNo      string  `json:"orderNo"`
	Status       string  `json:"status"`
	Amount       *int64  `json:"amount,omitempty"`
	ErrorMessage *string `json:"errorMessage,omitempty"`
}

type orderItemResponse struct {
	ProductID   int64  `json:"productId"`
	ProductName string `json:"productName,omitempty"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   int64  `json:"unitPrice,omitempty"`
}

type orderSummary struct {
	OrderNo   string              `json:"orderNo"`
	BuyerID   int64               `json:"buyerId"`
	Status    string              `json:"status"`
	Price     int64               `json:"price"`
	Method    string              `json:"method"`
	Items     []orderItemResponse `json:"items"`
	CreatedAt time.Time           `json:"createdAt"`
}

type confirmResponse struct {
	Success   bool   `json:"success"`
	OrderNo   string `json:"orderNo"`
	PaymentID *int64 `json:"paymentId,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (h *OrderHandler) placeOrder(c *gin.Context) {
	var req validation.PlaceOrderRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		return
	}

	in := service.PlaceOrderInput{
		BuyerID:   req.BuyerID,
		BuyerName: req.BuyerName,
		Method:    domain.PaymentMethod(req.Method),
	}
	for _, it := range req.Items {
		in.Items = append(in.Items, domain.StockLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	o, err := h.orders.PlaceOrder(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Location", fmt.Sprintf("/api/orders/%s", o.OrderNo))
	c.JSON(http.StatusCreated, gin.H{"orderNo": o.OrderNo, "status": o.Status})
}

func (h *OrderHandler) getOrder(c *gin.Context) {
	o, err := h.orders.GetOrder(c.Request.Context(), c.Param("orderNo"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse(o))
}

// statusResponse exposes the amount once the order is confirmed and the
// recorded reason once it has failed.
func statusResponse(o *domain.Order) orderStatusResponse {
	resp := orderStatusResponse{OrderNo: o.OrderNo, Status: string(o.Status)}
	if o.Status == domain.OrderConfirmed {
		amount := o.Price
		resp.Amount = &amount
	} else if o.Status.IsTerminal() || o.Status == domain.OrderPaymentFailed {
		msg := o.Description
		resp.ErrorMessage = &msg
	}
	return resp
}

func (h *OrderHandler) listOrders(c *gin.Context) {
	var q validation.ListOrdersQuery
	if err := validation.BindQueryAndValidate(c, &q, h.validate); err != nil {
		return
	}
	list, total, err := h.orders.ListOrders(c.Request.Context(), repo.ListFilter{
		BuyerID: q.BuyerID,
		Status:  domain.OrderStatus(q.Status),
		OrderNo: q.OrderNo,
		Page:    q.Page,
		Size:    q.Size,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]orderSummary, 0, len(list))
	for _, o := range list {
		s := orderSummary{
			OrderNo:   o.OrderNo,
			BuyerID:   o.BuyerID,
			Status:    string(o.Status),
			Price:     o.Price,
			Method:    string(o.Method),
			CreatedAt: o.CreatedAt,
		}
		for _, it := range o.Items {
			s.Items = append(s.Items, orderItemResponse{
				ProductID: it.ProductID, ProductName: it.ProductName, Quantity: it.Quantity, UnitPrice: it.UnitPrice,
			})
		}
		out = append(out, s)
	}
	page, size := q.Page, q.Size
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	c.JSON(http.StatusOK, gin.H{"orders": out, "page": page, "size": size, "total": total})
}

func (h *OrderHandler) confirmPayment(c *gin.Context) {
	var req validation.ConfirmPaymentRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		return
	}
	res, err := h.orders.Confirm(c.Request.Context(), service.ConfirmInput{
		OrderNo:    req.OrderID,
		PaymentKey: req.PaymentKey,
		Amount:     req.Amount,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	resp := confirmResponse{
		Success:   res.Success,
		OrderNo:   res.OrderNo,
		PaymentID: res.PaymentID,
		Code:      string(res.Code),
		Message:   res.Message,
	}
	if !res.Success {
		c.JSON(statusFor(res.Code), resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func statusFor(code domain.Code) int {
	switch code {
	case domain.CodeOrderNotFound, domain.CodePaymentNotFound, domain.CodeProductNotFound:
		return http.StatusNotFound
	case domain.CodeAmountMismatch, domain.CodeInvalidMessage:
		return http.StatusBadRequest
	case domain.CodeInvalidState:
		return http.StatusConflict
	case domain.CodePGUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	var derr *domain.Error
	if errors.As(err, &derr) {
		c.JSON(statusFor(derr.Code), gin.H{"success": false, "code": derr.Code, "message": derr.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"success": false,
		"code":    domain.CodeInternal,
		"message": "internal error",
	})
}
