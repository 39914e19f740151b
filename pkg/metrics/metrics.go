// Package metrics はGatewayが公開するPrometheusメトリクスを定義する。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProxyRequests はテナントごとの転送結果の件数。
	// outcomeは "forwarded"（上流が応答した。ステータスは問わない）または "unreachable"。
	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appgate_proxy_requests_total",
		Help: "Total number of proxied requests by tenant and outcome",
	}, []string{"tenant", "outcome"})

	// ProxyDuration は上流への転送にかかった時間。
	ProxyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "appgate_proxy_duration_seconds",
		Help:    "Time spent forwarding a request to the tenant origin",
		Buckets: prometheus.ExponentialBuckets(0.005, 2.0, 12),
	}, []string{"tenant"})

	// MembershipTokenRefresh は会員サービスのアクセストークン取得の件数。
	MembershipTokenRefresh = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appgate_membership_token_refresh_total",
		Help: "Total number of membership service access token refreshes",
	}, []string{"result"})

	// MembershipLookups は会員照会の件数。sourceは "remote" または "fallback"。
	MembershipLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appgate_membership_lookups_total",
		Help: "Total number of membership lookups by answering source",
	}, []string{"source"})

	// GatewayDecisions はGatewayミドルウェアの判定結果の件数。
	GatewayDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appgate_gateway_decisions_total",
		Help: "Total number of admission decisions made by the gateway middleware",
	}, []string{"decision"})
)
