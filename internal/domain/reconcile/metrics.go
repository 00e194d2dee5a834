package reconcile

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	syncTracer        = otel.Tracer("reservesync/reconcile")
	syncMeter         = otel.Meter("reservesync/reconcile")
	jobDuration, _    = syncMeter.Float64Histogram("reconcile.job.duration", metric.WithDescription("Reserve sync duration per job in seconds"), metric.WithUnit("s"))
	jobTotal, _       = syncMeter.Int64Counter("reconcile.job.total", metric.WithDescription("Reserve sync jobs by status"))
	transferMinor, _  = syncMeter.Int64Counter("reconcile.transfer.amount", metric.WithDescription("Amount deposited into reserves"), metric.WithUnit("{minor_unit}"))
	tokenRefreshes, _ = syncMeter.Int64Counter("reconcile.token.refresh", metric.WithDescription("Token refresh grants by provider and status"))
)
