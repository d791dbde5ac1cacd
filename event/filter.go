// Package event turns the ledger's pull-based log interface into callbacks.
//
// A Filter is one restartable log query. A Dispatcher multiplexes many
// outstanding waits for one event kind onto a single polling loop, so the
// number of concurrently open remote queries stays bounded by the number of
// event kinds rather than the number of agreements.
package event

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"go.dedis.ch/escrow/ledger"
	"go.dedis.ch/escrow/logging"
	"golang.org/x/xerrors"
)

// DefaultRetries is the number of attempts GetMatches makes before giving up.
const DefaultRetries = 3

type FilterConf struct {
	Client  ledger.LogFilterer
	Query   ledger.LogQuery
	Retries int
}

// Filter wraps one (event kind, argument filter, block range) query.
type Filter struct {
	logger  zerolog.Logger
	client  ledger.LogFilterer
	query   ledger.LogQuery
	retries int

	mu     sync.Mutex
	handle string // installed filter id, empty when none
}

func NewFilter(conf FilterConf) *Filter {
	f := &Filter{client: conf.Client, query: conf.Query, retries: conf.Retries}
	if f.retries <= 0 {
		f.retries = DefaultRetries
	}
	f.logger = logging.RootLogger.With().Str("Filter", string(conf.Query.Kind)).Logger()
	return f
}

// Query returns the query this filter evaluates.
func (f *Filter) Query() ledger.LogQuery {
	return f.query
}

// GetMatches returns every log satisfying the query so far, in ledger order.
// An expired filter handle is silently recreated; after the retry budget is
// spent the last error is returned.
func (f *Filter) GetMatches(ctx context.Context) ([]ledger.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	logs, err := f.doGetMatches(ctx)
	if err != nil {
		return nil, xerrors.Errorf("get matches of %s: %w", f.query.Kind, err)
	}
	return logs, nil
}

func (f *Filter) doGetMatches(ctx context.Context) ([]ledger.Log, error) {
	var lastErr error
	for attempt := 0; attempt < f.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.handle == "" {
			handle, err := f.client.InstallFilter(ctx, f.query)
			if err != nil {
				lastErr = err
				if ledger.IsTransient(err) {
					continue
				}
				return nil, err
			}
			f.handle = handle
		}

		logs, err := f.client.FilterLogs(ctx, f.handle)
		if err == nil {
			return logs, nil
		}
		lastErr = err
		if !ledger.IsTransient(err) {
			return nil, err
		}
		f.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("filter lost, recreating")
		f.handle = ""
	}
	return nil, xerrors.Errorf("gave up after %d attempts: %w", f.retries, lastErr)
}

// Uninstall releases the remote filter handle, if any.
func (f *Filter) Uninstall(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handle == "" {
		return nil
	}
	handle := f.handle
	f.handle = ""
	if err := f.client.UninstallFilter(ctx, handle); err != nil {
		return xerrors.Errorf("uninstall filter %s: %w", handle, err)
	}
	return nil
}
