package ai

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/drape/drape/internal/common/logger"
)

// Fabric routes chat requests to the right provider adapter by resolving the
// request's short model name through the catalog.
type Fabric struct {
	catalog   *Catalog
	providers map[ProviderKind]Provider
	logger    *logger.Logger
}

// NewFabric wires a catalog to the configured provider adapters. Providers
// whose credentials are absent are simply left out of the map; requests for
// their models fail with a configuration error.
func NewFabric(catalog *Catalog, providers map[ProviderKind]Provider, log *logger.Logger) *Fabric {
	return &Fabric{
		catalog:   catalog,
		providers: providers,
		logger:    log.WithFields(zap.String("component", "ai")),
	}
}

// Lookup resolves a short model name without issuing a request. Callers use
// it for pricing and capability checks.
func (f *Fabric) Lookup(model string) (ModelRecord, error) {
	return f.catalog.Resolve(model)
}

// Models lists the available short names.
func (f *Fabric) Models() []string {
	return f.catalog.Names()
}

// ChatStream resolves the model and streams the completion through its
// provider adapter.
func (f *Fabric) ChatStream(ctx context.Context, model string, req Request) (<-chan StreamChunk, error) {
	rec, err := f.catalog.Resolve(model)
	if err != nil {
		return nil, err
	}
	provider, ok := f.providers[rec.Provider]
	if !ok {
		return nil, fmt.Errorf("provider %s is not configured (missing API key?)", rec.Provider)
	}
	if !rec.SupportsStreaming {
		return nil, fmt.Errorf("model %q does not support streaming", model)
	}
	if len(req.Tools) > 0 && !rec.SupportsTools {
		return nil, fmt.Errorf("model %q does not support tools", model)
	}

	req.Model = rec.ModelID
	if req.MaxTokens <= 0 {
		req.MaxTokens = rec.MaxTokens
	}

	f.logger.Debug("chat stream",
		zap.String("model", model),
		zap.String("provider", string(rec.Provider)),
		zap.Int("messages", len(req.Messages)),
		zap.Int("tools", len(req.Tools)))
	return provider.ChatStream(ctx, req)
}
