// Student directory and payment history HTTP handlers.
//
//   - GET /students/unpaid    (students with outstanding tuition)
//   - GET /payments/history   (the user's settled payments, paginated)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/upstream"
	"github.com/tbourn/go-tuition-backend/internal/utils"
)

//
// DTOs
//

// UnpaidStudentsResponse lists students with outstanding tuition.
type UnpaidStudentsResponse struct {
	Students []StudentView `json:"students"`
	Total    int64         `json:"total"`
}

// StudentView decorates a student record with the display amount.
type StudentView struct {
	domain.Student
	TuitionDisplay string `json:"tuition_display"`
}

// ReceiptView decorates a persisted receipt with the display amount.
type ReceiptView struct {
	domain.PaymentReceipt
	AmountDisplay string `json:"amount_display"`
}

// ReceiptsResponse contains a page of locally persisted receipts.
type ReceiptsResponse struct {
	Receipts   []ReceiptView `json:"receipts"`
	Pagination Pagination    `json:"pagination"`
}

// HistoryResponse contains a page of payment history and pagination metadata.
type HistoryResponse struct {
	Payments   []upstream.HistoryEntry `json:"payments"`
	Pagination Pagination              `json:"pagination"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

//
// Handlers
//

// UnpaidStudents godoc
// @ID          unpaidStudents
// @Summary     List students with outstanding tuition
// @Tags        Students
// @Produce     json
// @Success     200  {object}  handlers.UnpaidStudentsResponse
// @Failure     502  {object}  handlers.ErrorResponse  "Tuition service unavailable"
// @Router      /students/unpaid [get]
func (h *Handlers) UnpaidStudents(c *gin.Context) {
	sess, authed := session(c)
	if !authed {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}
	students, total, err := h.dirSvc.Unpaid(c.Request.Context(), sess)
	if err != nil {
		if upstream.IsTransient(err) {
			fail(c, http.StatusBadGateway, ErrCodeUpstream, "tuition service unavailable")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	views := make([]StudentView, 0, len(students))
	for _, s := range students {
		views = append(views, StudentView{Student: s, TuitionDisplay: utils.FormatVND(s.TuitionAmount)})
	}
	ok(c, http.StatusOK, UnpaidStudentsResponse{Students: views, Total: total})
}

// PaymentHistory godoc
// @ID          paymentHistory
// @Summary     List the user's settled payments (paginated)
// @Tags        Students
// @Produce     json
// @Param       page       query  int  false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int  false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.HistoryResponse
// @Failure     502  {object}  handlers.ErrorResponse  "Tuition service unavailable"
// @Router      /payments/history [get]
func (h *Handlers) PaymentHistory(c *gin.Context) {
	sess, authed := session(c)
	if !authed {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}
	page, pageSize := clampPagination(c)

	entries, total, err := h.dirSvc.History(c.Request.Context(), sess, page, pageSize)
	if err != nil {
		if upstream.IsTransient(err) {
			fail(c, http.StatusBadGateway, ErrCodeUpstream, "tuition service unavailable")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, HistoryResponse{
		Payments: entries,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// PaymentReceipts godoc
// @ID          paymentReceipts
// @Summary     List receipts persisted by this gateway (paginated)
// @Description Serves the immutable receipts recorded at settlement time.
// @Description This never calls the Tuition service.
// @Tags        Students
// @Produce     json
// @Param       page       query  int  false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int  false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ReceiptsResponse
// @Router      /payments/receipts [get]
func (h *Handlers) PaymentReceipts(c *gin.Context) {
	sess, authed := session(c)
	if !authed {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}
	page, pageSize := clampPagination(c)

	receipts, total, err := h.dirSvc.Receipts(c.Request.Context(), sess, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	views := make([]ReceiptView, 0, len(receipts))
	for _, r := range receipts {
		views = append(views, ReceiptView{PaymentReceipt: r, AmountDisplay: utils.FormatVND(r.AmountPaid)})
	}
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ReceiptsResponse{
		Receipts: views,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
