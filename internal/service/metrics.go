package service

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/gugapay/internal/domain"
)

var (
	walletOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gugapay_wallet_operations_total",
		Help: "Wallet mutations processed, labeled by kind and result code",
	}, []string{"kind", "result"})

	halvingStepGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gugapay_halving_step",
		Help: "Current halving step of the exchange multiplier",
	})
)

func observe(kind domain.TxKind, err error) {
	result := "ok"
	if err != nil {
		result = strings.ToLower(string(CodeOf(err)))
	}
	walletOperations.WithLabelValues(string(kind), result).Inc()
}
