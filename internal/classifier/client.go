// Package classifier is the hook for an external relationship scorer. The
// engine calls it after the deterministic update is applied; its scores
// only ever add to a relationship's confidence.
package classifier

import (
	"context"

	"github.com/lazypower/vigil/internal/config"
	"github.com/lazypower/vigil/internal/evidence"
	"github.com/lazypower/vigil/internal/graph"
)

// Client scores one inferred relationship.
type Client interface {
	Score(ctx context.Context, req Request) (Score, error)
}

// Request describes the relationship and the event that produced it.
type Request struct {
	Source string         `json:"source"`
	Target string         `json:"target"`
	Type   graph.RelType  `json:"type"`
	Event  evidence.Event `json:"event"`
}

// Score is a classifier verdict in [0,1]. Source names the model or
// service that produced it and is kept on the evidence trail.
type Score struct {
	Value  float64 `json:"score"`
	Source string  `json:"source"`
}

// NewClient returns the configured classifier, or nil when scoring is
// disabled.
func NewClient(cfg config.ClassifierConfig) Client {
	if !cfg.Enabled {
		return nil
	}
	return NewHTTP(cfg.URL, cfg.Timeout)
}
