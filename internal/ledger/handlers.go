package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/recurring/internal/usdc"
	"github.com/mbd888/recurring/internal/validation"
)

// SignerHeader carries the caller identity. Signature verification happens
// upstream; the handler only checks address syntax.
const SignerHeader = "X-Signer-Address"

const signerKey = "ledger_signer"

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	engine       *Engine
	logger       *slog.Logger
	allowDeposit bool
}

// NewHandler creates a new ledger handler
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// WithDeposits exposes the development faucet endpoint.
func (h *Handler) WithDeposits() *Handler {
	h.allowDeposit = true
	return h
}

// RegisterRoutes sets up public read routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/config", h.GetConfig)
	r.GET("/payees/:address", validation.AddressParamMiddleware(), h.GetPayee)
	r.GET("/payees/:address/terms", validation.AddressParamMiddleware(), h.ListPayeeTerms)
	r.GET("/terms/:address", validation.AddressParamMiddleware(), h.GetTerms)
	r.GET("/agreements/:address", validation.AddressParamMiddleware(), h.GetAgreement)
	r.GET("/payers/:address/agreements", validation.AddressParamMiddleware(), h.ListPayerAgreements)
	r.GET("/accounts/:address", validation.AddressParamMiddleware(), h.GetAccount)
	r.GET("/accounts/:address/authorization", validation.AddressParamMiddleware(), h.GetAuthorization)
	r.GET("/renewals/due", h.ListDue)
	r.GET("/quote", h.Quote)
}

// RegisterProtectedRoutes sets up routes that act on behalf of the signer
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.Use(RequireSigner())

	r.POST("/config", h.InitConfig)
	r.PATCH("/config", h.UpdateConfig)
	r.POST("/config/pause", h.Pause)
	r.POST("/config/unpause", h.Unpause)
	r.POST("/config/withdraw", h.Withdraw)
	r.POST("/config/authority", h.TransferAuthority)
	r.POST("/config/authority/accept", h.AcceptAuthority)
	r.DELETE("/config/authority", h.CancelAuthorityTransfer)

	r.POST("/payees", h.RegisterPayee)
	r.POST("/terms", h.CreateTerms)
	r.PATCH("/terms/:address", validation.AddressParamMiddleware(), h.UpdateTerms)
	r.POST("/terms/:address/status", validation.AddressParamMiddleware(), h.SetTermsStatus)

	r.POST("/agreements", h.CreateAgreement)
	r.POST("/agreements/:address/renew", validation.AddressParamMiddleware(), h.Renew)
	r.POST("/agreements/:address/cancel", validation.AddressParamMiddleware(), h.Cancel)
	r.DELETE("/agreements/:address", validation.AddressParamMiddleware(), h.Close)

	r.POST("/accounts", h.OpenAccount)
	r.POST("/accounts/:address/approve", validation.AddressParamMiddleware(), h.Approve)
	r.POST("/accounts/:address/revoke", validation.AddressParamMiddleware(), h.Revoke)
	if h.allowDeposit {
		r.POST("/accounts/:address/deposit", validation.AddressParamMiddleware(), h.Deposit)
	}
}

// RequireSigner rejects requests without a well-formed signer header.
func RequireSigner() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(SignerHeader)
		if errs := validation.Validate(
			validation.Required(SignerHeader, raw),
			validation.ValidAddress(SignerHeader, raw),
		); len(errs) > 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_signer",
				"message": errs.Error(),
			})
			return
		}
		c.Set(signerKey, common.HexToAddress(raw))
		c.Next()
	}
}

func signer(c *gin.Context) common.Address {
	if v, ok := c.Get(signerKey); ok {
		if addr, ok := v.(common.Address); ok {
			return addr
		}
	}
	return common.Address{}
}

func paramAddress(c *gin.Context) common.Address {
	return common.HexToAddress(c.Param("address"))
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind ErrorKind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindPermission:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindState, KindTiming, KindAuthorization:
		return http.StatusConflict
	case KindFunds:
		return http.StatusPaymentRequired
	case KindArithmetic:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	kind := KindOf(err)
	if kind == KindInternal {
		h.logger.Error("ledger request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal error",
		})
		return
	}
	c.JSON(statusFor(kind), gin.H{
		"error":   string(kind),
		"message": err.Error(),
	})
}

func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

// parseLimit reads ?limit=, defaulting to 50 and capping at 200.
func parseLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 200 {
		limit = 200
	}
	return limit
}

// ---------------------------------------------------------------------------
// Governance
// ---------------------------------------------------------------------------

// InitConfig handles POST /config
func (h *Handler) InitConfig(c *gin.Context) {
	var req InitConfigRequest
	if !bindJSON(c, &req) {
		return
	}
	cfg, err := h.engine.InitConfig(c.Request.Context(), signer(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"config": cfg})
}

// GetConfig handles GET /config
func (h *Handler) GetConfig(c *gin.Context) {
	cfg, err := h.engine.Config(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

// UpdateConfig handles PATCH /config
func (h *Handler) UpdateConfig(c *gin.Context) {
	var req UpdateConfigRequest
	if !bindJSON(c, &req) {
		return
	}
	cfg, err := h.engine.UpdateConfig(c.Request.Context(), signer(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

// Pause handles POST /config/pause
func (h *Handler) Pause(c *gin.Context) {
	if err := h.engine.Pause(c.Request.Context(), signer(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

// Unpause handles POST /config/unpause
func (h *Handler) Unpause(c *gin.Context) {
	if err := h.engine.Unpause(c.Request.Context(), signer(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

// Withdraw handles POST /config/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.engine.WithdrawPlatformFees(c.Request.Context(), signer(c), req); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"withdrawn":   req.Amount,
		"display":     usdc.FormatUnits(req.Amount),
		"destination": req.Destination,
	})
}

// TransferAuthority handles POST /config/authority
func (h *Handler) TransferAuthority(c *gin.Context) {
	var req TransferAuthorityRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.engine.TransferAuthority(c.Request.Context(), signer(c), req); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"pendingAuthority": req.NewAuthority})
}

// AcceptAuthority handles POST /config/authority/accept
func (h *Handler) AcceptAuthority(c *gin.Context) {
	if err := h.engine.AcceptAuthority(c.Request.Context(), signer(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authority": signer(c)})
}

// CancelAuthorityTransfer handles DELETE /config/authority
func (h *Handler) CancelAuthorityTransfer(c *gin.Context) {
	if err := h.engine.CancelAuthorityTransfer(c.Request.Context(), signer(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// RegisterPayee handles POST /payees
func (h *Handler) RegisterPayee(c *gin.Context) {
	var req RegisterPayeeRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.engine.RegisterPayee(c.Request.Context(), signer(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payee": p})
}

// GetPayee handles GET /payees/:address
func (h *Handler) GetPayee(c *gin.Context) {
	p, err := h.engine.Payee(c.Request.Context(), paramAddress(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payee": p})
}

// ListPayeeTerms handles GET /payees/:address/terms
func (h *Handler) ListPayeeTerms(c *gin.Context) {
	terms, err := h.engine.ListTermsByPayee(c.Request.Context(), paramAddress(c), parseLimit(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"terms": terms, "count": len(terms)})
}

// CreateTerms handles POST /terms
func (h *Handler) CreateTerms(c *gin.Context) {
	var req CreateTermsRequest
	if !bindJSON(c, &req) {
		return
	}
	t, err := h.engine.CreateTerms(c.Request.Context(), signer(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"terms": t})
}

// GetTerms handles GET /terms/:address
func (h *Handler) GetTerms(c *gin.Context) {
	t, err := h.engine.Terms(c.Request.Context(), paramAddress(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"terms": t})
}

// UpdateTerms handles PATCH /terms/:address
func (h *Handler) UpdateTerms(c *gin.Context) {
	var req UpdateTermsRequest
	if !bindJSON(c, &req) {
		return
	}
	req.Terms = paramAddress(c)
	t, err := h.engine.UpdateTerms(c.Request.Context(), signer(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"terms": t})
}

type termsStatusRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// SetTermsStatus handles POST /terms/:address/status
func (h *Handler) SetTermsStatus(c *gin.Context) {
	var req termsStatusRequest
	if !bindJSON(c, &req) {
		return
	}
	t, err := h.engine.SetTermsActive(c.Request.Context(), signer(c), paramAddress(c), *req.Active)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"terms": t})
}

// ---------------------------------------------------------------------------
// Agreements
// ---------------------------------------------------------------------------

// CreateAgreement handles POST /agreements
func (h *Handler) CreateAgreement(c *gin.Context) {
	var req CreateAgreementRequest
	if !bindJSON(c, &req) {
		return
	}
	a, err := h.engine.CreateOrReactivateAgreement(c.Request.Context(), signer(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agreement": a})
}

// GetAgreement handles GET /agreements/:address
func (h *Handler) GetAgreement(c *gin.Context) {
	a, err := h.engine.Agreement(c.Request.Context(), paramAddress(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement": a})
}

// ListPayerAgreements handles GET /payers/:address/agreements
func (h *Handler) ListPayerAgreements(c *gin.Context) {
	as, err := h.engine.ListAgreementsByPayer(c.Request.Context(), paramAddress(c), parseLimit(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreements": as, "count": len(as)})
}

type renewBody struct {
	ExecutorAccount common.Address `json:"executorAccount"`
}

// Renew handles POST /agreements/:address/renew
func (h *Handler) Renew(c *gin.Context) {
	var body renewBody
	if !bindJSON(c, &body) {
		return
	}
	res, err := h.engine.ExecuteRenewal(c.Request.Context(), signer(c), RenewalRequest{
		Agreement:       paramAddress(c),
		ExecutorAccount: body.ExecutorAccount,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement": res.Agreement, "split": res.Split})
}

// Cancel handles POST /agreements/:address/cancel
func (h *Handler) Cancel(c *gin.Context) {
	a, err := h.engine.CancelAgreement(c.Request.Context(), signer(c), paramAddress(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement": a})
}

// Close handles DELETE /agreements/:address
func (h *Handler) Close(c *gin.Context) {
	if err := h.engine.CloseAgreement(c.Request.Context(), signer(c), paramAddress(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListDue handles GET /renewals/due
func (h *Handler) ListDue(c *gin.Context) {
	as, err := h.engine.ListDueAgreements(c.Request.Context(), parseLimit(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreements": as, "count": len(as)})
}

// Quote handles GET /quote?terms=0x...
func (h *Handler) Quote(c *gin.Context) {
	raw := c.Query("terms")
	if errs := validation.Validate(
		validation.Required("terms", raw),
		validation.ValidAddress("terms", raw),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": errs.Error()})
		return
	}
	split, err := h.engine.Quote(c.Request.Context(), common.HexToAddress(raw))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"split": split,
		"display": gin.H{
			"executorFee": usdc.FormatUnits(split.ExecutorFee),
			"platformFee": usdc.FormatUnits(split.PlatformFee),
			"payeeAmount": usdc.FormatUnits(split.PayeeAmount),
		},
	})
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

// OpenAccount handles POST /accounts
func (h *Handler) OpenAccount(c *gin.Context) {
	var req OpenAccountRequest
	if !bindJSON(c, &req) {
		return
	}
	acct, err := h.engine.OpenAccount(c.Request.Context(), signer(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": acct})
}

// GetAccount handles GET /accounts/:address
func (h *Handler) GetAccount(c *gin.Context) {
	acct, err := h.engine.Account(c.Request.Context(), paramAddress(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct, "balance": usdc.FormatUnits(acct.Balance)})
}

// GetAuthorization handles GET /accounts/:address/authorization
func (h *Handler) GetAuthorization(c *gin.Context) {
	status, err := h.engine.AuthorizationStatus(c.Request.Context(), paramAddress(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorization": status})
}

// Deposit handles POST /accounts/:address/deposit (development only)
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if !bindJSON(c, &req) {
		return
	}
	acct, err := h.engine.Deposit(c.Request.Context(), paramAddress(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct, "balance": usdc.FormatUnits(acct.Balance)})
}

type approveBody struct {
	Payee  common.Address `json:"payee"`
	Amount uint64         `json:"amount"`
}

// Approve handles POST /accounts/:address/approve
func (h *Handler) Approve(c *gin.Context) {
	var body approveBody
	if !bindJSON(c, &body) {
		return
	}
	acct, err := h.engine.Approve(c.Request.Context(), signer(c), ApproveRequest{
		Account: paramAddress(c),
		Payee:   body.Payee,
		Amount:  body.Amount,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// Revoke handles POST /accounts/:address/revoke
func (h *Handler) Revoke(c *gin.Context) {
	acct, err := h.engine.Revoke(c.Request.Context(), signer(c), paramAddress(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// ErrorCode returns the error code a handler would report for err.
func ErrorCode(err error) string {
	if k := KindOf(err); k != KindInternal && k != KindNone {
		return string(k)
	}
	if errors.Is(err, ErrInvalidRequest) {
		return "invalid_request"
	}
	return "internal_error"
}
