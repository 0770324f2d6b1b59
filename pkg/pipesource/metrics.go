package pipesource

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metrics singletons.
var (
	tracer trace.Tracer
	meter  metric.Meter
)

// BytesRead counts bytes served out of the read-ahead window. Every
// read is recorded with the attribute sequential=false, including those
// made through [Source.Read]; sequential and positional reads are not
// told apart.
var bytesRead metric.Int64Counter

func init() {
	const pkgname = `github.com/coldtar/dataplane/pkg/pipesource`
	tracer = otel.Tracer(pkgname)
	meter = otel.Meter(pkgname)

	var err error
	bytesRead, err = meter.Int64Counter("pipesource.bytes_read",
		metric.WithDescription("bytes served from the pipe source read-ahead window"),
		metric.WithUnit("By"),
	)
	if err != nil {
		panic(err)
	}
}
