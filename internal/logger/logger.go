package logger

import (
	"go.uber.org/zap"
)

// New builds a production zap logger at the given verbosity. An optional
// encoding ("json" or "console") overrides the production JSON encoder.
func New(verbosity string, encoding ...string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	if len(encoding) > 0 && encoding[0] != "" {
		config.Encoding = encoding[0]
	}
	// Pool handles are borrowed and released at kernel rate; sampling would
	// drop most debug lines about them.
	config.Sampling = nil
	return config.Build()
}
