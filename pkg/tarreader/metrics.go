package tarreader

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer trace.Tracer
	meter  metric.Meter
)

// headersDecoded counts successfully decoded tar headers. checksumFailures
// counts headers whose checksum field didn't match the block's contents.
var (
	headersDecoded   metric.Int64Counter
	checksumFailures metric.Int64Counter
)

func init() {
	const pkgname = `github.com/coldtar/dataplane/pkg/tarreader`
	tracer = otel.Tracer(pkgname)
	meter = otel.Meter(pkgname)

	var err error
	headersDecoded, err = meter.Int64Counter("tarreader.headers_decoded",
		metric.WithDescription("tar headers successfully decoded"),
	)
	if err != nil {
		panic(err)
	}
	checksumFailures, err = meter.Int64Counter("tarreader.checksum_failures",
		metric.WithDescription("tar headers rejected for a checksum mismatch"),
	)
	if err != nil {
		panic(err)
	}
}
