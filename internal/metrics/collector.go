package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

func desc(subsystem, name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil)
}

var (
	poolSessions   = prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", "sessions"), "Pooled IMAP sessions by state.", []string{"state"}, nil)
	poolWaiting    = desc("pool", "waiting_acquires", "Acquire calls waiting for a free session.")
	poolAccounts   = desc("pool", "accounts", "Accounts with at least one pooled session.")
	poolMax        = desc("pool", "max_sessions", "Configured session cap.")
	poolCreated    = desc("pool", "sessions_created_total", "Sessions dialed and authenticated.")
	poolReused     = desc("pool", "sessions_reused_total", "Acquires served by an idle session.")
	poolClosed     = desc("pool", "sessions_closed_total", "Sessions closed.")
	poolEvicted    = desc("pool", "sessions_evicted_total", "Idle sessions evicted to make room.")
	poolFailed     = desc("pool", "acquire_failures_total", "Acquires that failed.")
	cacheAvailable = desc("cache", "available", "Whether the cache store answers.")
	cacheHits      = desc("cache", "hits_total", "Cache hits.")
	cacheMisses    = desc("cache", "misses_total", "Cache misses.")
	cacheErrors    = desc("cache", "errors_total", "Cache store errors.")
	wsConnections  = desc("ws", "connections", "Open WebSocket connections.")
	wsAuthed       = desc("ws", "authenticated_connections", "Authenticated WebSocket connections.")
	wsAccepted     = desc("ws", "connections_total", "WebSocket connections accepted.")
	wsDelivered    = desc("ws", "notifications_delivered_total", "Notifications queued to clients.")
	wsDropped      = desc("ws", "notifications_dropped_total", "Notifications dropped on full client buffers.")
	wsAuthFailures = desc("ws", "auth_failures_total", "Failed WebSocket authentications.")
	searchTotal    = desc("search", "queries_total", "Searches run.")
	searchCached   = desc("search", "cache_hits_total", "Searches answered from cache.")
	searchFailed   = desc("search", "failures_total", "Searches that failed.")
	attDownloads   = desc("attachment", "downloads_total", "Buffered attachment downloads.")
	attStreams     = desc("attachment", "streams_total", "Streamed attachment downloads.")
	attBytes       = desc("attachment", "bytes_total", "Attachment bytes fetched.")
	attBlocked     = desc("attachment", "blocked_total", "Attachments rejected by policy.")
	attNotFound    = desc("attachment", "not_found_total", "Attachment lookups for missing messages or parts.")
)

// statsCollector turns the components' Stats snapshots into metrics at scrape
// time.
type statsCollector struct {
	src Sources
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		poolSessions, poolWaiting, poolAccounts, poolMax, poolCreated, poolReused, poolClosed, poolEvicted, poolFailed,
		cacheAvailable, cacheHits, cacheMisses, cacheErrors,
		wsConnections, wsAuthed, wsAccepted, wsDelivered, wsDropped, wsAuthFailures,
		searchTotal, searchCached, searchFailed,
		attDownloads, attStreams, attBytes, attBlocked, attNotFound,
	} {
		ch <- d
	}
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	if c.src.Pool != nil {
		s := c.src.Pool()
		gauge(poolSessions, float64(s.Active), "active")
		gauge(poolSessions, float64(s.Idle), "idle")
		gauge(poolWaiting, float64(s.Waiting))
		gauge(poolAccounts, float64(s.Accounts))
		gauge(poolMax, float64(s.MaxSessions))
		counter(poolCreated, s.Created)
		counter(poolReused, s.Reused)
		counter(poolClosed, s.Closed)
		counter(poolEvicted, s.Evicted)
		counter(poolFailed, s.Failed)
	}
	if c.src.Cache != nil {
		s := c.src.Cache()
		available := 0.0
		if s.Available {
			available = 1
		}
		gauge(cacheAvailable, available)
		counter(cacheHits, s.Hits)
		counter(cacheMisses, s.Misses)
		counter(cacheErrors, s.Errors)
	}
	if c.src.Hub != nil {
		s := c.src.Hub()
		gauge(wsConnections, float64(s.CurrentConnections))
		gauge(wsAuthed, float64(s.Authenticated))
		counter(wsAccepted, s.TotalConnections)
		counter(wsDelivered, s.NotificationsDelivered)
		counter(wsDropped, s.NotificationsDropped)
		counter(wsAuthFailures, s.AuthFailures)
	}
	if c.src.Search != nil {
		s := c.src.Search()
		counter(searchTotal, s.Searches)
		counter(searchCached, s.CacheHits)
		counter(searchFailed, s.Failures)
	}
	if c.src.Attachments != nil {
		s := c.src.Attachments()
		counter(attDownloads, s.Downloads)
		counter(attStreams, s.Streams)
		counter(attBytes, s.Bytes)
		counter(attBlocked, s.Blocked)
		counter(attNotFound, s.NotFound)
	}
}
