package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// poolCollector reports live pgxpool statistics on every scrape, so the
// gauges never go stale between ticker updates.
type poolCollector struct {
	pool  *pgxpool.Pool
	descs map[string]*prometheus.Desc
}

// RegisterPoolMetrics registers gauges for pgxpool connection statistics.
// Only called when the server runs with a Postgres flag store.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	reg.MustRegister(&poolCollector{
		pool: pool,
		descs: map[string]*prometheus.Desc{
			"acquired": prometheus.NewDesc("flipgate_db_pool_acquired", "Number of currently acquired database connections.", nil, nil),
			"idle":     prometheus.NewDesc("flipgate_db_pool_idle", "Number of idle database connections in the pool.", nil, nil),
			"total":    prometheus.NewDesc("flipgate_db_pool_total", "Total number of database connections in the pool.", nil, nil),
			"max":      prometheus.NewDesc("flipgate_db_pool_max", "Maximum number of database connections allowed in the pool.", nil, nil),
		},
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range c.descs {
		ch <- desc
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()

	ch <- prometheus.MustNewConstMetric(c.descs["acquired"], prometheus.GaugeValue, float64(stat.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.descs["idle"], prometheus.GaugeValue, float64(stat.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.descs["total"], prometheus.GaugeValue, float64(stat.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.descs["max"], prometheus.GaugeValue, float64(stat.MaxConns()))
}
