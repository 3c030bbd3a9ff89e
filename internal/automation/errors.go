package automation

import (
	"errors"
	"fmt"
	"time"

	"github.com/alexnthnz/tutoring-automation/internal/template"
)

var (
	ErrRuleConfiguration   = errors.New("rule configuration error")
	ErrMissingVariable     = template.ErrMissingVariable
	ErrTransport           = errors.New("transport error")
	ErrDuplicateScheduling = errors.New("occurrence already scheduled")
	ErrNotFound            = errors.New("not found")
	ErrTemplateNotFound    = errors.New("template not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
)

// ConfigError is a RuleConfigurationError raised when a rule or template
// is saved with conditions, a schedule or a message that cannot be evaluated.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrRuleConfiguration
}

// NewConfigError builds a ConfigError
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransportError is a channel send that was rejected or timed out
type TransportError struct {
	Channel Channel
	Reason  string
	Timeout bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %s", e.Channel, e.Reason)
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// NewTimeoutError reports a channel call that exceeded its deadline
func NewTimeoutError(channel Channel, after time.Duration) *TransportError {
	return &TransportError{
		Channel: channel,
		Reason:  fmt.Sprintf("transport timeout after %s", after),
		Timeout: true,
	}
}
