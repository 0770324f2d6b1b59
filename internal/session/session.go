// Package session implements the registry mapping a synthesized
// remote filename to an open tar member plus its serialized metadata,
// consumed by the file server to answer downstream TransferClient
// requests.
package session

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coldtar/dataplane/pkg/tarreader"
)

// Entry is one registered session: a stable remote filename, an
// optional live member handle, and the serialized metadata blob
// built for it.
type Entry struct {
	Key       string
	BackupNum int
	Member    *tarreader.Member // nil for directories, symlinks, and specials
	Metadata  []byte
}

// Injector is the registry named in the design: keyed on
// (remote_fn, backupnum), it maps a synthesized filename to an entry.
//
// Injector is safe for concurrent use.
type Injector struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewInjector constructs an empty registry.
func NewInjector() *Injector {
	return &Injector{entries: make(map[string]*Entry)}
}

// NormalizeName applies the filename normalization rules used when
// building a session key: a trailing slash is stripped, a lone "."
// becomes empty, and a leading "./" is stripped.
func NormalizeName(fn string) string {
	fn = strings.TrimSuffix(fn, "/")
	if fn == "." {
		return ""
	}
	return strings.TrimPrefix(fn, "./")
}

// Key synthesizes the stable remote filename of the form
// "<output_fn>[/<fn>]|<backupnum>|<fn_random>".
func Key(outputFn, fn string, backupNum int, fnRandom int64) string {
	fn = NormalizeName(fn)
	name := outputFn
	if fn != "" {
		name = outputFn + "/" + fn
	}
	return name + "|" + strconv.Itoa(backupNum) + "|" + strconv.FormatInt(fnRandom, 10)
}

// Inject registers an entry. For regular files, member must be
// non-nil and the caller must already have taken a reference to the
// underlying PipeSource (e.g. via [tarreader.Member.Fork]) on the
// member's behalf; for directories, symlinks, and specials, member
// must be nil.
func (in *Injector) Inject(ctx context.Context, key string, backupNum int, member *tarreader.Member, metadata []byte) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.entries[key] = &Entry{
		Key:       key,
		BackupNum: backupNum,
		Member:    member,
		Metadata:  metadata,
	}
	injectedTotal.Add(ctx, 1)
}

// Lookup retrieves an entry by key. The caller takes ownership of any
// live member on the returned entry; see [Injector.Remove].
func (in *Injector) Lookup(key string) (*Entry, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	e, ok := in.entries[key]
	return e, ok
}

// Remove drops an entry, for use once the consumer finishes or the
// backup session ends. It does not release the member's PipeSource
// reference; callers that took ownership via Lookup are responsible
// for calling Member.Release themselves.
func (in *Injector) Remove(key string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.entries, key)
}

// Len reports the number of registered entries, for diagnostics.
func (in *Injector) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.entries)
}

var injectedTotal metric.Int64Counter

func init() {
	const pkgname = `github.com/coldtar/dataplane/internal/session`
	meter := otel.Meter(pkgname)
	var err error
	injectedTotal, err = meter.Int64Counter("session.injected.count",
		metric.WithDescription("total number of sessions injected into the registry"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		panic(err)
	}
}
