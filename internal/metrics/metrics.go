package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChatRequests       *prometheus.CounterVec
	QuotaRejections    prometheus.Counter
	TokensCommitted    prometheus.Counter
	CommitFailures     prometheus.Counter
	ConsentTransitions *prometheus.CounterVec
	RetentionRows      *prometheus.CounterVec
	RetentionFailures  *prometheus.CounterVec
	Notifications      *prometheus.CounterVec
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ChatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tutor",
				Name:      "chat_requests_total",
				Help:      "Chat requests by outcome",
			}, []string{"outcome"}),
			QuotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tutor",
				Name:      "quota_rejections_total",
				Help:      "Chat turns rejected because the monthly quota was exhausted",
			}),
			TokensCommitted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tutor",
				Name:      "tokens_committed_total",
				Help:      "Total tokens committed to the ledger",
			}),
			CommitFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tutor",
				Name:      "commit_failures_total",
				Help:      "Usage commits that failed after all retries",
			}),
			ConsentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tutor",
				Name:      "consent_transitions_total",
				Help:      "Consent link transitions by action",
			}, []string{"action"}),
			RetentionRows: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tutor",
				Name:      "retention_rows_total",
				Help:      "Rows deleted or anonymized by the retention sweep",
			}, []string{"category"}),
			RetentionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tutor",
				Name:      "retention_step_failures_total",
				Help:      "Retention sweep steps that failed",
			}, []string{"category"}),
			Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tutor",
				Name:      "notifications_total",
				Help:      "Notification jobs by result",
			}, []string{"result"}),
		}
		prometheus.MustRegister(
			global.ChatRequests,
			global.QuotaRejections,
			global.TokensCommitted,
			global.CommitFailures,
			global.ConsentTransitions,
			global.RetentionRows,
			global.RetentionFailures,
			global.Notifications,
		)
	})
	return global
}
