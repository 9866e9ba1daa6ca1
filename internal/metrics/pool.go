package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// poolStat is one pgxpool statistic exported on scrape.
type poolStat struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(*pgxpool.Stat) float64
}

// poolCollector reads pool statistics at scrape time instead of sampling
// them into gauges.
type poolCollector struct {
	pool  *pgxpool.Pool
	stats []poolStat
}

func newPoolStat(name, help string, valueType prometheus.ValueType, value func(*pgxpool.Stat) float64) poolStat {
	return poolStat{
		desc:      prometheus.NewDesc("togglr_db_pool_"+name, help, nil, nil),
		valueType: valueType,
		value:     value,
	}
}

// RegisterPoolMetrics registers a collector that reports live pgxpool
// connection and acquire statistics on every scrape.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	reg.MustRegister(&poolCollector{
		pool: pool,
		stats: []poolStat{
			newPoolStat("acquired", "Number of currently acquired database connections.", prometheus.GaugeValue,
				func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
			newPoolStat("idle", "Number of idle database connections in the pool.", prometheus.GaugeValue,
				func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
			newPoolStat("total", "Total number of database connections in the pool.", prometheus.GaugeValue,
				func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
			newPoolStat("max", "Maximum number of database connections allowed in the pool.", prometheus.GaugeValue,
				func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
			newPoolStat("acquires_total", "Connections acquired from the pool.", prometheus.CounterValue,
				func(s *pgxpool.Stat) float64 { return float64(s.AcquireCount()) }),
			newPoolStat("empty_acquires_total", "Acquires that waited because the pool had no idle connection.", prometheus.CounterValue,
				func(s *pgxpool.Stat) float64 { return float64(s.EmptyAcquireCount()) }),
			newPoolStat("canceled_acquires_total", "Acquires canceled by their context.", prometheus.CounterValue,
				func(s *pgxpool.Stat) float64 { return float64(s.CanceledAcquireCount()) }),
			newPoolStat("acquire_wait_seconds_total", "Time spent waiting to acquire connections.", prometheus.CounterValue,
				func(s *pgxpool.Stat) float64 { return s.AcquireDuration().Seconds() }),
		},
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, stat := range c.stats {
		ch <- stat.desc
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.pool.Stat()
	for _, stat := range c.stats {
		ch <- prometheus.MustNewConstMetric(stat.desc, stat.valueType, stat.value(snapshot))
	}
}
