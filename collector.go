package keyagg

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is anything that can report table statistics, such as a
// Table, an Aggregator or a LaneAggregator's table.
type StatsSource interface {
	Stats() *Stats
}

// Collector exports the Stats of a table as Prometheus metrics. Every
// scrape walks the table, so register it only where that cost is
// acceptable.
type Collector struct {
	src StatsSource

	capacity      *prometheus.Desc
	buckets       *prometheus.Desc
	entries       *prometheus.Desc
	claimed       *prometheus.Desc
	free          *prometheus.Desc
	emptyBuckets  *prometheus.Desc
	maxChain      *prometheus.Desc
	blockClaims   *prometheus.Desc
	steals        *prometheus.Desc
	recycled      *prometheus.Desc
	insertRetries *prometheus.Desc
	growths       *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a Collector for src. Metric names are prefixed with
// namespace and "_table_"; constLabels distinguish several tables.
func NewCollector(namespace string, src StatsSource, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "table", name), help, nil, constLabels)
	}
	return &Collector{
		src:           src,
		capacity:      desc("capacity", "Number of slots in the table"),
		buckets:       desc("buckets", "Number of hash buckets"),
		entries:       desc("entries", "Number of live entries"),
		claimed:       desc("claimed_slots", "Slots handed out from the global high-water mark"),
		free:          desc("free_slots", "Slots parked on worker free lists"),
		emptyBuckets:  desc("empty_buckets", "Buckets without any entry"),
		maxChain:      desc("max_chain_length", "Length of the longest bucket chain"),
		blockClaims:   desc("block_claims_total", "Slot blocks claimed from the high-water mark"),
		steals:        desc("steals_total", "Slots stolen from another worker's free list"),
		recycled:      desc("recycled_slots_total", "Speculative slots recycled after a lost insert race"),
		insertRetries: desc("insert_retries_total", "Failed bucket-head compare-and-swap attempts"),
		growths:       desc("growths_total", "Number of table growths"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.capacity, c.buckets, c.entries, c.claimed, c.free, c.emptyBuckets, c.maxChain,
		c.blockClaims, c.steals, c.recycled, c.insertRetries, c.growths,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge(c.capacity, s.Capacity)
	gauge(c.buckets, s.Buckets)
	gauge(c.entries, s.Entries)
	gauge(c.claimed, s.Claimed)
	gauge(c.free, s.Free)
	gauge(c.emptyBuckets, s.EmptyBuckets)
	gauge(c.maxChain, s.MaxChain)
	counter(c.blockClaims, s.BlockClaims)
	counter(c.steals, s.Steals)
	counter(c.recycled, s.Recycled)
	counter(c.insertRetries, s.InsertRetries)
	counter(c.growths, uint64(s.Growths))
}
