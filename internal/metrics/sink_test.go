package metrics_test

import (
	"github.com/djlord-it/reportcron/internal/admission"
	"github.com/djlord-it/reportcron/internal/enqueue"
	"github.com/djlord-it/reportcron/internal/leaderelection"
	"github.com/djlord-it/reportcron/internal/ledger"
	"github.com/djlord-it/reportcron/internal/metrics"
	"github.com/djlord-it/reportcron/internal/reconciler"
	"github.com/djlord-it/reportcron/internal/retry"
	"github.com/djlord-it/reportcron/internal/scheduler"
	"github.com/djlord-it/reportcron/internal/transport/channel"
	"github.com/djlord-it/reportcron/internal/worker"
)

// Every component sink is satisfied by both implementations.
var (
	_ scheduler.MetricsSink      = metrics.Sink(nil)
	_ ledger.MetricsSink         = metrics.Sink(nil)
	_ admission.MetricsSink      = metrics.Sink(nil)
	_ enqueue.MetricsSink        = metrics.Sink(nil)
	_ channel.MetricsSink        = metrics.Sink(nil)
	_ worker.MetricsSink         = metrics.Sink(nil)
	_ retry.MetricsSink          = metrics.Sink(nil)
	_ reconciler.MetricsSink     = metrics.Sink(nil)
	_ leaderelection.MetricsSink = metrics.Sink(nil)

	_ metrics.Sink = (*metrics.PrometheusSink)(nil)
	_ metrics.Sink = (*metrics.NoopSink)(nil)
)
