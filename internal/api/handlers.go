package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/openpsd/xs2a-consent/internal/common/config"
	"github.com/openpsd/xs2a-consent/internal/common/models"
	"github.com/openpsd/xs2a-consent/internal/consent"
	"github.com/openpsd/xs2a-consent/internal/directory"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const aspspDateFormat = "2006-01-02"

var (
	metricsOnce sync.Once

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	consentCreates  prometheus.Counter
	accountReads    prometheus.Counter
)

// registerMetrics initializes the Prometheus collectors once per process.
func registerMetrics() {
	metricsOnce.Do(func() {
		requestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		)

		requestDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "api_request_duration_seconds",
				Help:    "Duration of API requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		)

		consentCreates = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "api_consent_creations_total",
				Help: "Total number of consent creation requests",
			},
		)

		accountReads = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "api_account_reads_total",
				Help: "Total number of consent-gated account reads",
			},
		)

		// Register metrics
		prometheus.MustRegister(requestsTotal, requestDuration, consentCreates, accountReads)
	})
}

type Handler struct {
	config    *config.Config
	lifecycle *consent.Lifecycle
	validator consent.AccessScopeValidator
	directory directory.Directory
	actions   consent.ActionLog
}

func NewHandler(cfg *config.Config, lifecycle *consent.Lifecycle, dir directory.Directory, actions consent.ActionLog) *Handler {
	registerMetrics()

	return &Handler{
		config:    cfg,
		lifecycle: lifecycle,
		directory: dir,
		actions:   actions,
	}
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":      "healthy",
		"serviceName": "consent-api",
		"environment": h.config.Environment,
	})
}

func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func (h *Handler) CreateConsent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	psuID := r.Header.Get("psu-id")
	tppID := r.Header.Get("tpp-id")
	if psuID == "" || tppID == "" {
		h.fail(w, r, "/consents", start, http.StatusBadRequest, "MISSING_IDENTITY_HEADERS",
			"psu-id and tpp-id headers are required")
		return
	}

	var req models.CreateConsentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, "/consents", start, http.StatusBadRequest, "INVALID_REQUEST_BODY",
			"Invalid request body")
		return
	}

	validUntil, err := time.Parse(aspspDateFormat, req.ValidUntil)
	if err != nil {
		h.fail(w, r, "/consents", start, http.StatusBadRequest, "INVALID_VALID_UNTIL",
			"validUntil must be an ISO date (2006-01-02)")
		return
	}
	// validUntil is inclusive: the consent lives until the end of that day
	expireDate := validUntil.Add(24*time.Hour - time.Nanosecond)

	consentID, err := h.lifecycle.CreateConsent(r.Context(), consent.CreateRequest{
		PSUID:                    psuID,
		TPPID:                    tppID,
		Access:                   mapAccessFromModel(req.Access),
		RecurringIndicator:       req.RecurringIndicator,
		ValidUntil:               expireDate,
		FrequencyPerDay:          req.FrequencyPerDay,
		TPPRedirectPreferred:     req.TPPRedirectPreferred,
		CombinedServiceIndicator: req.CombinedServiceIndicator,
	})
	if err != nil {
		switch {
		case errors.Is(err, consent.ErrNoAccountsFound):
			h.fail(w, r, "/consents", start, http.StatusBadRequest, "NO_ACCOUNTS_FOUND",
				"Requested all-accounts access but the PSU owns no accounts")
		case errors.Is(err, consent.ErrEmptyAccessScope):
			h.fail(w, r, "/consents", start, http.StatusBadRequest, "EMPTY_ACCESS_SCOPE",
				"Requested access resolved to no accounts")
		default:
			log.Printf("[API] Consent creation failed: %v", err)
			h.fail(w, r, "/consents", start, http.StatusInternalServerError, "CONSENT_CREATION_FAILED",
				"Consent creation failed")
		}
		return
	}

	consentCreates.Inc()
	h.observe(r.Method, "/consents", http.StatusCreated, start)
	h.writeJSON(w, http.StatusCreated, models.CreateConsentResponse{
		TransactionStatus: "RCVD",
		ConsentID:         consentID,
		Links: models.Links{
			Redirect: h.config.ConsentRedirectBase + "/" + consentID,
		},
	})
}

func (h *Handler) GetConsentStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	consentID := mux.Vars(r)["consent-id"]

	status, err := h.lifecycle.GetStatus(r.Context(), consentID)
	if err != nil {
		h.failConsentLookup(w, r, "/consents/{consent-id}/status", start, err)
		return
	}

	h.observe(r.Method, "/consents/{consent-id}/status", http.StatusOK, start)
	h.writeJSON(w, http.StatusOK, models.ConsentStatusResponse{ConsentStatus: string(status)})
}

func (h *Handler) GetConsent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	consentID := mux.Vars(r)["consent-id"]

	c, err := h.lifecycle.GetConsent(r.Context(), consentID)
	if err != nil {
		h.failConsentLookup(w, r, "/consents/{consent-id}", start, err)
		return
	}

	resp := models.ConsentResponse{
		ConsentID:          c.ExternalID,
		Access:             mapAccessToModel(c.Access),
		RecurringIndicator: c.RecurringIndicator,
		ValidUntil:         c.ExpireDate.Format(aspspDateFormat),
		FrequencyPerDay:    c.ExpectedFrequencyPerDay,
		ConsentStatus:      string(c.Status),
	}
	if !c.LastActionDate.IsZero() {
		resp.LastActionDate = c.LastActionDate.Format(aspspDateFormat)
	}

	h.observe(r.Method, "/consents/{consent-id}", http.StatusOK, start)
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) DeleteConsent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	consentID := mux.Vars(r)["consent-id"]

	// Distinguish never-existed (404) from already-terminated (idempotent 204)
	if _, err := h.lifecycle.GetConsent(r.Context(), consentID); err != nil {
		h.failConsentLookup(w, r, "/consents/{consent-id}", start, err)
		return
	}

	if _, err := h.lifecycle.DeleteConsent(r.Context(), consentID); err != nil {
		log.Printf("[API] Consent deletion failed: %v", err)
		h.fail(w, r, "/consents/{consent-id}", start, http.StatusInternalServerError, "CONSENT_DELETION_FAILED",
			"Consent deletion failed")
		return
	}

	h.observe(r.Method, "/consents/{consent-id}", http.StatusNoContent, start)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetAccounts(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	endpoint := "/accounts"

	c, ok := h.consumableConsent(w, r, endpoint, start)
	if !ok {
		return
	}
	if !h.consumeUse(w, r, endpoint, start, c) {
		return
	}
	withBalance := r.URL.Query().Get("with-balance") == "true"

	accounts := []models.AccountDetails{}
	for _, ref := range c.Access.Accounts {
		details, err := h.directory.GetAccountDetails(r.Context(), ref.ResourceID)
		if err != nil {
			log.Printf("[API] Skipping unresolvable account %s: %v", ref.ResourceID, err)
			continue
		}
		entry := models.AccountDetails{
			ResourceID:  details.Reference.ResourceID,
			IBAN:        details.Reference.IBAN,
			Currency:    details.Reference.Currency,
			Name:        details.Name,
			AccountType: details.AccountType,
		}
		if withBalance && h.validator.IsAllowed(details.Reference, consent.AccessBalance, c.Access) {
			balances, err := h.directory.GetAccountBalances(r.Context(), details.Reference)
			if err == nil {
				entry.Balances = mapBalances(balances)
			}
		}
		accounts = append(accounts, entry)
	}

	accountReads.Inc()
	h.observe(r.Method, endpoint, http.StatusOK, start)
	h.writeJSON(w, http.StatusOK, models.AccountListResponse{Accounts: accounts})
}

func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	endpoint := "/accounts/{account-id}/balances"
	accountID := mux.Vars(r)["account-id"]

	c, ok := h.consumableConsent(w, r, endpoint, start)
	if !ok {
		return
	}

	details, err := h.directory.GetAccountDetails(r.Context(), accountID)
	if err != nil {
		h.lifecycle.RecordUsage(r.Context(), c.ExternalID, c.TPPID, consent.ActionFailureBalance)
		h.fail(w, r, endpoint, start, http.StatusNotFound, "RESOURCE_UNKNOWN", "Wrong account ID")
		return
	}

	if !h.validator.IsAllowed(details.Reference, consent.AccessBalance, c.Access) {
		h.lifecycle.RecordUsage(r.Context(), c.ExternalID, c.TPPID, consent.ActionFailureBalance)
		h.fail(w, r, endpoint, start, http.StatusForbidden, "CONSENT_ACCESS_DENIED",
			"Consent does not cover balances of this account")
		return
	}
	if !h.consumeUse(w, r, endpoint, start, c) {
		return
	}

	balances, err := h.directory.GetAccountBalances(r.Context(), details.Reference)
	if err != nil {
		log.Printf("[API] Balance read failed for %s: %v", accountID, err)
		h.fail(w, r, endpoint, start, http.StatusInternalServerError, "BALANCE_READ_FAILED",
			"Balance read failed")
		return
	}

	accountReads.Inc()
	h.observe(r.Method, endpoint, http.StatusOK, start)
	h.writeJSON(w, http.StatusOK, models.BalancesResponse{
		Account:  mapReferenceToModel(details.Reference),
		Balances: mapBalances(balances),
	})
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	endpoint := "/accounts/{account-id}/transactions"
	accountID := mux.Vars(r)["account-id"]

	c, ok := h.consumableConsent(w, r, endpoint, start)
	if !ok {
		return
	}

	details, err := h.directory.GetAccountDetails(r.Context(), accountID)
	if err != nil {
		h.lifecycle.RecordUsage(r.Context(), c.ExternalID, c.TPPID, consent.ActionFailureTransaction)
		h.fail(w, r, endpoint, start, http.StatusNotFound, "RESOURCE_UNKNOWN", "Wrong account ID")
		return
	}

	if transactionID := r.URL.Query().Get("transaction-id"); transactionID != "" {
		h.getTransactionByID(w, r, endpoint, start, c, details.Reference, transactionID)
		return
	}

	if !h.validator.IsAllowed(details.Reference, consent.AccessTransaction, c.Access) {
		h.lifecycle.RecordUsage(r.Context(), c.ExternalID, c.TPPID, consent.ActionFailureTransaction)
		h.fail(w, r, endpoint, start, http.StatusForbidden, "CONSENT_ACCESS_DENIED",
			"Consent does not cover transactions of this account")
		return
	}

	dateFrom, err1 := time.Parse(aspspDateFormat, r.URL.Query().Get("date-from"))
	dateTo, err2 := time.Parse(aspspDateFormat, r.URL.Query().Get("date-to"))
	if err1 != nil || err2 != nil {
		h.fail(w, r, endpoint, start, http.StatusBadRequest, "INVALID_PERIOD",
			"date-from and date-to must be ISO dates (2006-01-02)")
		return
	}
	if !h.consumeUse(w, r, endpoint, start, c) {
		return
	}

	txs, err := h.directory.GetTransactionsByPeriod(r.Context(), details.Reference, dateFrom, dateTo.Add(24*time.Hour-time.Nanosecond))
	if err != nil {
		log.Printf("[API] Transaction read failed for %s: %v", accountID, err)
		h.fail(w, r, endpoint, start, http.StatusInternalServerError, "TRANSACTION_READ_FAILED",
			"Transaction read failed")
		return
	}

	accountReads.Inc()
	h.observe(r.Method, endpoint, http.StatusOK, start)
	h.writeJSON(w, http.StatusOK, buildTransactionsResponse(details.Reference, txs))
}

// getTransactionByID serves single-transaction lookups: the record is shown
// when the consent covers either leg of the transfer.
func (h *Handler) getTransactionByID(w http.ResponseWriter, r *http.Request, endpoint string, start time.Time,
	c *consent.Consent, ref consent.AccountReference, transactionID string) {

	tx, err := h.directory.GetTransactionByID(r.Context(), ref, transactionID)
	if err != nil {
		h.lifecycle.RecordUsage(r.Context(), c.ExternalID, c.TPPID, consent.ActionFailureTransaction)
		h.fail(w, r, endpoint, start, http.StatusNotFound, "RESOURCE_UNKNOWN", "Wrong transaction ID")
		return
	}

	if !h.validator.TransactionAllowed(tx.CreditorAccount, tx.DebtorAccount, c.Access) {
		h.lifecycle.RecordUsage(r.Context(), c.ExternalID, c.TPPID, consent.ActionFailureTransaction)
		h.fail(w, r, endpoint, start, http.StatusForbidden, "CONSENT_ACCESS_DENIED",
			"Consent does not cover either side of this transaction")
		return
	}
	if !h.consumeUse(w, r, endpoint, start, c) {
		return
	}

	accountReads.Inc()
	h.observe(r.Method, endpoint, http.StatusOK, start)
	h.writeJSON(w, http.StatusOK, buildTransactionsResponse(ref, []directory.Transaction{*tx}))
}

func (h *Handler) GetConsentActions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	endpoint := "/consents/{consent-id}/actions"
	consentID := mux.Vars(r)["consent-id"]

	if _, err := h.lifecycle.GetConsent(r.Context(), consentID); err != nil {
		h.failConsentLookup(w, r, endpoint, start, err)
		return
	}

	filter := consent.ActionFilter{ConsentID: consentID}
	filter.TPPID = r.URL.Query().Get("tpp-id")
	if v := r.URL.Query().Get("start-time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = t
		}
	}
	if v := r.URL.Query().Get("end-time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = t
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	actions, total, err := h.actions.List(r.Context(), filter)
	if err != nil {
		log.Printf("[API] Action log query failed: %v", err)
		h.fail(w, r, endpoint, start, http.StatusInternalServerError, "ACTION_LOG_QUERY_FAILED",
			"Action log query failed")
		return
	}

	resp := models.ConsentActionsResponse{TotalCount: total}
	for _, a := range actions {
		resp.Actions = append(resp.Actions, models.ConsentAction{
			ActionID:     a.ID,
			ConsentID:    a.ConsentID,
			TPPID:        a.TPPID,
			ActionStatus: string(a.ActionStatus),
			RequestDate:  a.RequestDate,
		})
	}

	h.observe(r.Method, endpoint, http.StatusOK, start)
	h.writeJSON(w, http.StatusOK, resp)
}

// consumableConsent loads the consent named by the consent-id query
// parameter and rejects the request when the consent is missing or no longer
// alive. Denied attempts are still metered into the action log.
func (h *Handler) consumableConsent(w http.ResponseWriter, r *http.Request, endpoint string, start time.Time) (*consent.Consent, bool) {
	consentID := r.URL.Query().Get("consent-id")
	if consentID == "" {
		consentID = r.Header.Get("consent-id")
	}
	if consentID == "" {
		h.fail(w, r, endpoint, start, http.StatusBadRequest, "MISSING_CONSENT_ID",
			"consent-id parameter is required")
		return nil, false
	}

	c, err := h.lifecycle.GetConsent(r.Context(), consentID)
	if err != nil {
		h.failConsentLookup(w, r, endpoint, start, err)
		return nil, false
	}

	if c.Status == consent.StatusExpired {
		h.lifecycle.RecordUsage(r.Context(), c.ExternalID, c.TPPID, consent.ActionFailureExpired)
		h.fail(w, r, endpoint, start, http.StatusForbidden, "CONSENT_EXPIRED", "Consent has expired")
		return nil, false
	}
	if !c.Status.Alive() {
		h.lifecycle.RecordUsage(r.Context(), c.ExternalID, c.TPPID, consent.ActionFailureInvalidState)
		h.fail(w, r, endpoint, start, http.StatusForbidden, "CONSENT_INVALID_STATUS",
			fmt.Sprintf("Consent status %s does not permit access", c.Status))
		return nil, false
	}
	return c, true
}

// consumeUse meters the access attempt before any data is served. A consent
// whose daily allowance is exhausted gets the attempt audited as
// FAILURE_LIMIT_EXCEEDED and the request refused.
func (h *Handler) consumeUse(w http.ResponseWriter, r *http.Request, endpoint string, start time.Time, c *consent.Consent) bool {
	if !h.lifecycle.RecordUsage(r.Context(), c.ExternalID, c.TPPID, consent.ActionSuccess) {
		h.fail(w, r, endpoint, start, http.StatusTooManyRequests, "ACCESS_EXCEEDED",
			"Daily access allowance for this consent is exhausted")
		return false
	}
	return true
}

// failConsentLookup maps lookup errors to responses: unknown ids are a 404,
// anything else is a 500.
func (h *Handler) failConsentLookup(w http.ResponseWriter, r *http.Request, endpoint string, start time.Time, err error) {
	if errors.Is(err, consent.ErrConsentNotFound) {
		h.fail(w, r, endpoint, start, http.StatusNotFound, "CONSENT_UNKNOWN", "Consent not found")
		return
	}
	log.Printf("[API] Consent lookup failed: %v", err)
	h.fail(w, r, endpoint, start, http.StatusInternalServerError, "CONSENT_LOOKUP_FAILED",
		"Consent lookup failed")
}

func (h *Handler) observe(method, endpoint string, status int, start time.Time) {
	requestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, endpoint string, start time.Time, status int, code, message string) {
	h.observe(r.Method, endpoint, status, start)
	h.writeJSON(w, status, models.ErrorResponse{
		Error:   http.StatusText(status),
		Code:    code,
		Message: message,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// Mapping helpers between wire models and domain types

func mapAccessFromModel(m models.AccountAccess) consent.AccessScope {
	return consent.AccessScope{
		Accounts:          mapReferencesFromModel(m.Accounts),
		Balances:          mapReferencesFromModel(m.Balances),
		Transactions:      mapReferencesFromModel(m.Transactions),
		AvailableAccounts: consent.AccessType(m.AvailableAccounts),
		AllPSD2:           consent.AccessType(m.AllPSD2),
	}
}

func mapAccessToModel(s consent.AccessScope) models.AccountAccess {
	return models.AccountAccess{
		Accounts:          mapReferencesToModel(s.Accounts),
		Balances:          mapReferencesToModel(s.Balances),
		Transactions:      mapReferencesToModel(s.Transactions),
		AvailableAccounts: string(s.AvailableAccounts),
		AllPSD2:           string(s.AllPSD2),
	}
}

func mapReferencesFromModel(refs []models.AccountReference) []consent.AccountReference {
	var out []consent.AccountReference
	for _, r := range refs {
		out = append(out, consent.AccountReference{
			ResourceID: r.ResourceID,
			IBAN:       r.IBAN,
			BBAN:       r.BBAN,
			PAN:        r.PAN,
			MaskedPAN:  r.MaskedPAN,
			MSISDN:     r.MSISDN,
			Currency:   r.Currency,
		})
	}
	return out
}

func mapReferencesToModel(refs []consent.AccountReference) []models.AccountReference {
	var out []models.AccountReference
	for _, r := range refs {
		out = append(out, mapReferenceToModel(r))
	}
	return out
}

func mapReferenceToModel(r consent.AccountReference) models.AccountReference {
	return models.AccountReference{
		ResourceID: r.ResourceID,
		IBAN:       r.IBAN,
		BBAN:       r.BBAN,
		PAN:        r.PAN,
		MaskedPAN:  r.MaskedPAN,
		MSISDN:     r.MSISDN,
		Currency:   r.Currency,
	}
}

func mapBalances(balances []directory.Balance) []models.Balance {
	var out []models.Balance
	for _, b := range balances {
		out = append(out, models.Balance{
			BalanceType:   b.BalanceType,
			Amount:        b.Amount,
			Currency:      b.Currency,
			ReferenceDate: b.ReferenceDate,
		})
	}
	return out
}

// buildTransactionsResponse splits a report into booked and pending entries.
func buildTransactionsResponse(ref consent.AccountReference, txs []directory.Transaction) models.TransactionsResponse {
	resp := models.TransactionsResponse{
		Account: mapReferenceToModel(ref),
		Booked:  []models.Transaction{},
		Pending: []models.Transaction{},
	}
	for _, tx := range txs {
		entry := models.Transaction{
			TransactionID:   tx.TransactionID,
			CreditorAccount: mapReferenceToModel(tx.CreditorAccount),
			DebtorAccount:   mapReferenceToModel(tx.DebtorAccount),
			Amount:          tx.Amount,
			Currency:        tx.Currency,
			BookingDate:     tx.BookingDate,
			ValueDate:       tx.ValueDate,
			RemittanceInfo:  tx.RemittanceInfo,
		}
		if tx.Pending() {
			resp.Pending = append(resp.Pending, entry)
		} else {
			resp.Booked = append(resp.Booked, entry)
		}
	}
	return resp
}
