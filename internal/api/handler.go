package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/gugapay/internal/domain"
	"github.com/punchamoorthee/gugapay/internal/service"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	wallet *service.Wallet
	log    logrus.FieldLogger
}

func NewHandler(w *service.Wallet, log logrus.FieldLogger) *Handler {
	return &Handler{wallet: w, log: log}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, payload{"status": "ok"})
}

// Transfer moves coin by default; the optional currency field selects RUB.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	h.transfer(w, r, "")
}

func (h *Handler) TransferRub(w http.ResponseWriter, r *http.Request) {
	h.transfer(w, r, domain.CurrencyRUB)
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request, currency domain.Currency) {
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if currency == "" {
		c, ok := domain.ParseCurrency(req.Currency)
		if !ok {
			h.fail(w, r, invalidInput("currency must be GUGA, COIN or RUB"))
			return
		}
		currency = c
	}
	amount, err := requireAmount(req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.wallet.Transfer(r.Context(), req.FromUserID.String(), req.ToUserID.String(), amount, currency)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, payload{
		"fromBalance":   money(currency, res.FromBalance),
		"toBalance":     money(currency, res.ToBalance),
		"transactionId": res.TransactionID,
	})
}

func (h *Handler) Exchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := requireAmount(req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.wallet.Exchange(r.Context(), req.UserID.String(), domain.Direction(req.Direction), amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, payload{
		"newRubBalance":  money(domain.CurrencyRUB, res.FiatBalance),
		"newCoinBalance": money(domain.CurrencyCoin, res.CoinBalance),
		"rate":           ratio(res.Multiplier),
		"transactionId":  res.TransactionID,
	})
}

func (h *Handler) PayMerchantOneTime(w http.ResponseWriter, r *http.Request) {
	var req merchantPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := requireAmount(req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.wallet.MerchantPayment(r.Context(), req.UserID.String(), req.MerchantID.String(), amount, req.Purpose)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, payload{
		"balance":       money(domain.CurrencyCoin, res.Balance),
		"transactionId": res.TransactionID,
	})
}

func (h *Handler) MerchantTransfer(w http.ResponseWriter, r *http.Request) {
	var req merchantTransferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := requireAmount(req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if _, err := h.wallet.MerchantTransfer(r.Context(), req.MerchantID.String(), req.ToUserID.String(), amount); err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (h *Handler) MerchantBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.wallet.MerchantBalance(r.Context(), r.URL.Query().Get("merchantId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, payload{"balance": money(domain.CurrencyCoin, bal)})
}

// Update credits mined coin.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var req miningRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.wallet.MiningCredit(r.Context(), req.UserID.String(), req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, payload{
		"balance":     money(domain.CurrencyCoin, res.CoinBalance),
		"halvingStep": res.HalvingStep,
	})
}

func (h *Handler) RubPurchase(w http.ResponseWriter, r *http.Request) {
	var req rubPurchaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := requireAmount(req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.wallet.RubPurchase(r.Context(), req.UserID.String(), domain.RubOperation(req.OperationType), amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, payload{"newRubBalance": money(domain.CurrencyRUB, res.FiatBalance)})
}

func (h *Handler) HalvingInfo(w http.ResponseWriter, r *http.Request) {
	st, err := h.wallet.HalvingInfo(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, payload{
		"halvingStep": st.HalvingStep,
		"totalIssued": money(domain.CurrencyCoin, st.TotalIssued),
		"rate":        ratio(st.Multiplier()),
	})
}

func (h *Handler) CloudtipsComplete(w http.ResponseWriter, r *http.Request) {
	var req cloudtipsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := requireAmount(req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.wallet.CloudtipsCredit(r.Context(), req.InvoiceID, amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, payload{
		"newRubBalance": money(domain.CurrencyRUB, res.FiatBalance),
		"duplicate":     res.Duplicate,
	})
}

func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	h.history(w, r, domain.UserRef(r.URL.Query().Get("userId")))
}

func (h *Handler) MerchantTransactions(w http.ResponseWriter, r *http.Request) {
	h.history(w, r, domain.MerchantRef(r.URL.Query().Get("merchantId")))
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request, ref domain.AccountRef) {
	txs, err := h.wallet.History(r.Context(), ref)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, payload{"transactions": transactionViews(txs)})
}

func (h *Handler) Transaction(w http.ResponseWriter, r *http.Request) {
	t, err := h.wallet.Transaction(r.Context(), mux.Vars(r)["hash"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, payload{"transaction": newTransactionView(t)})
}

func (h *Handler) User(w http.ResponseWriter, r *http.Request) {
	acc, err := h.wallet.UserBalances(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, payload{"user": userView{
		UserID:     acc.Ref.ID,
		Balance:    money(domain.CurrencyCoin, acc.CoinBalance),
		RubBalance: money(domain.CurrencyRUB, acc.FiatBalance),
		Blocked:    acc.Blocked,
	}})
}

// fail logs server faults with their cause and writes the error envelope.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := service.CodeOf(err)
	entry := h.log.WithFields(logrus.Fields{
		"request_id": RequestID(r.Context()),
		"path":       r.URL.Path,
		"code":       code,
	})
	if code.Internal() {
		entry.WithError(err).Error("request failed")
	} else {
		entry.Debug(err.Error())
	}
	respondError(w, err)
}
