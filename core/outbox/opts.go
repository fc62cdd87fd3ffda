package outbox

import (
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type valueOption[T any] struct{ v T }

type (
	relayOpts struct {
		log          *slog.Logger
		name         string
		batchSize    int
		pollInterval time.Duration
	}

	RelayOption interface {
		applyToRelayOpts(*relayOpts)
	}

	NameOption         valueOption[string]
	BatchSizeOption    valueOption[int]
	PollIntervalOption valueOption[time.Duration]
	LogOption          struct{ l *slog.Logger }
)

func (o NameOption) applyToRelayOpts(opts *relayOpts) { opts.name = o.v }
func (o LogOption) applyToRelayOpts(opts *relayOpts)  { opts.log = o.l }
func (o BatchSizeOption) applyToRelayOpts(opts *relayOpts) {
	if o.v > 0 {
		opts.batchSize = o.v
	}
}
func (o PollIntervalOption) applyToRelayOpts(opts *relayOpts) {
	if o.v > 0 {
		opts.pollInterval = o.v
	}
}

// WithName sets the relay name; store relays also key their checkpoint on it.
func WithName(name string) NameOption                     { return NameOption{name} }
func WithLog(l *slog.Logger) LogOption                    { return LogOption{l: l} }
func WithBatchSize(n int) BatchSizeOption                 { return BatchSizeOption{n} }
func WithPollInterval(d time.Duration) PollIntervalOption { return PollIntervalOption{d} }

func newRelayOpts(opts ...RelayOption) relayOpts {
	options := relayOpts{
		log:          slog.Default(),
		name:         fmt.Sprintf("relay-%s", gonanoid.Must(6)),
		batchSize:    64,
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt.applyToRelayOpts(&options)
	}
	return options
}
