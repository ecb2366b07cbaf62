package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

func registerDBMetrics(db *sql.DB, logger logrus.FieldLogger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "open_alarms",
			Help: "Alarms in pending, active or snoozed status",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM medication_alarms WHERE status IN ('pending', 'active', 'snoozed')")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "snoozed_alarms",
			Help: "Alarms currently snoozed",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM medication_alarms WHERE status = 'snoozed'")
		},
	))
}

func queryCount(db *sql.DB, logger logrus.FieldLogger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.WithError(err).Warn("metrics query failed")
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
