package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Options configures the middleware wrapped around the router.
type Options struct {
	CORSOrigin     string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter registers every endpoint on a gorilla/mux router.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	r.Use(Metrics)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/transfer", h.Transfer).Methods(http.MethodPost)
	r.HandleFunc("/transferRub", h.TransferRub).Methods(http.MethodPost)
	r.HandleFunc("/exchange", h.Exchange).Methods(http.MethodPost)
	r.HandleFunc("/payMerchantOneTime", h.PayMerchantOneTime).Methods(http.MethodPost)
	r.HandleFunc("/merchantTransfer", h.MerchantTransfer).Methods(http.MethodPost)
	r.HandleFunc("/merchantBalance", h.MerchantBalance).Methods(http.MethodGet)
	r.HandleFunc("/update", h.Update).Methods(http.MethodPost)
	r.HandleFunc("/rub_purchase", h.RubPurchase).Methods(http.MethodPost)
	r.HandleFunc("/halvingInfo", h.HalvingInfo).Methods(http.MethodGet)
	r.HandleFunc("/cloudtips/complete", h.CloudtipsComplete).Methods(http.MethodPost)

	r.HandleFunc("/transactions", h.Transactions).Methods(http.MethodGet)
	r.HandleFunc("/merchantTransactions", h.MerchantTransactions).Methods(http.MethodGet)
	r.HandleFunc("/transaction/{hash}", h.Transaction).Methods(http.MethodGet)
	r.HandleFunc("/user", h.User).Methods(http.MethodGet)

	return r
}

// NewServer wraps the router in the outer middleware chain. These run for
// every request, including preflights and unmatched routes.
func NewServer(h *Handler, opts Options, log logrus.FieldLogger) http.Handler {
	var next http.Handler = NewRouter(h)
	if opts.RateLimitRPS > 0 {
		next = NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst, log).Handler(next)
	}
	next = CORS(opts.CORSOrigin)(next)
	next = Recoverer(log)(next)
	return RequestLogger(log)(next)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: "Not Found"})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "Method Not Allowed"})
}
