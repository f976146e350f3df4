// Package source defines the reconnaissance collectors that turn a
// domain list into staged JSON artifacts.
package source

import (
	"context"

	"github.com/akaBetsy/cpss/pkg/types"
)

// Collector resolves a batch of domains against one reconnaissance API
// and stages the raw answers on disk, one JSON file per domain.
type Collector interface {
	Name() types.SourceID
	Collect(ctx context.Context, domains []string) error
}
