package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// backlogDB is the slice of the store handle the collector reads
type backlogDB interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Collector periodically samples backlog gauges from the store
type Collector struct {
	db       backlogDB
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new backlog collector over the store's handle
func NewCollector(db backlogDB) *Collector {
	return &Collector{
		db:       db,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectTable("outbox", OutboxRows)
	c.collectTable("inbox", InboxRows)
	c.collectAssignments()
}

func (c *Collector) collectTable(table string, gauge *prometheus.GaugeVec) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := c.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM `+table+` GROUP BY status`)
	if err != nil {
		return
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return
		}
		gauge.WithLabelValues(status).Set(float64(count))
	}
}

func (c *Collector) collectAssignments() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := c.db.QueryContext(ctx,
		`SELECT COUNT(*) FROM partition_assignments`)
	if err != nil {
		return
	}
	defer rows.Close()

	for rows.Next() {
		var count int64
		if err := rows.Scan(&count); err != nil {
			return
		}
		PartitionsAssigned.Set(float64(count))
	}
}
