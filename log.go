package vtbuffer

import "go.uber.org/zap"

// sugared returns logger's sugared form, or a no-op logger if logger is
// nil, the same "pass a logger down, default to a no-op" wiring
// amantus-ai-vibetunnel uses across its session/terminal packages. No
// root-package type takes a logger; the swap, history and buffer packages
// each carry their own copy of this helper for their Config.Logger.
func sugared(logger *zap.Logger) *zap.SugaredLogger {
	if logger == nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}
