package contacts

import "go.uber.org/zap"

// Notifier surfaces non-blocking user notices, the toast equivalent of the
// mobile UI. Every failure path ends in one of these, never a blocking error.
type Notifier interface {
	Success(message string)
	Warning(message string)
	Danger(message string)
}

type logNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a Notifier that writes notices to the logger.
func NewLogNotifier(logger *zap.Logger) Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &logNotifier{logger: logger}
}

func (n *logNotifier) Success(message string) {
	n.logger.Info("notice", zap.String("level", "success"), zap.String("message", message))
}

func (n *logNotifier) Warning(message string) {
	n.logger.Warn("notice", zap.String("level", "warning"), zap.String("message", message))
}

func (n *logNotifier) Danger(message string) {
	n.logger.Error("notice", zap.String("level", "danger"), zap.String("message", message))
}
