package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	tokensIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_tokens_issued_total",
			Help: "Token pairs issued, by grant.",
		},
		[]string{"grant"},
	)

	tokenFlowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_flows_total",
			Help: "Email verification and password reset steps by outcome.",
		},
		[]string{"flow", "outcome"},
	)
)
