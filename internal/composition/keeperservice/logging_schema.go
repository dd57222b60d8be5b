package keeperservice

import (
	"strings"
)

const keeperComponentName = "keeperservice"

func messageCorrelationID(messageID, conversationID string) string {
	return joinCorrelation(conversationID, messageID)
}

func callCorrelationID(conversationID, sessionID string) string {
	return joinCorrelation(conversationID, sessionID)
}

func joinCorrelation(scope, id string) string {
	trimmedScope := strings.TrimSpace(scope)
	trimmedID := strings.TrimSpace(id)
	switch {
	case trimmedScope != "" && trimmedID != "":
		return trimmedScope + ":" + trimmedID
	case trimmedID != "":
		return trimmedID
	case trimmedScope != "":
		return trimmedScope
	default:
		return "n/a"
	}
}

func (s *Service) logInfo(operation, correlationID, message string, attrs ...any) {
	base := []any{
		"component", keeperComponentName,
		"operation", strings.TrimSpace(operation),
		"correlation_id", strings.TrimSpace(correlationID),
	}
	s.logger.Info(message, append(base, attrs...)...)
}

func (s *Service) logWarn(operation, correlationID, message string, attrs ...any) {
	base := []any{
		"component", keeperComponentName,
		"operation", strings.TrimSpace(operation),
		"correlation_id", strings.TrimSpace(correlationID),
	}
	s.logger.Warn(message, append(base, attrs...)...)
}

func (s *Service) recordErrorWithContext(category string, err error, operation, correlationID string, attrs ...any) {
	if err == nil {
		return
	}
	s.metrics.RecordError(category)
	base := []any{
		"component", keeperComponentName,
		"operation", strings.TrimSpace(operation),
		"category", strings.TrimSpace(category),
		"correlation_id", strings.TrimSpace(correlationID),
		"error", err.Error(),
	}
	s.logger.Error("service error", append(base, attrs...)...)
}
