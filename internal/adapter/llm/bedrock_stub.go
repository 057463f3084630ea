//go:build !bedrock

package llm

import (
	"fmt"
	"log/slog"

	"ankie/internal/domain"
	"ankie/internal/infra/config"
)

func newBedrock(cfg config.ProviderConfig, _ *slog.Logger) (domain.LLMProvider, error) {
	return nil, fmt.Errorf("%w: provider %q requires a build with -tags bedrock", domain.ErrProviderNotConfigured, cfg.Name)
}
