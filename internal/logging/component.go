package logging

import "github.com/sirupsen/logrus"

// Fields carries structured key/value pairs for a log line.
type Fields map[string]interface{}

// ComponentLogger is the narrow logging surface handed to the pool, the
// backup service and the migration orchestrator. Every line names the
// component and the operation it belongs to.
type ComponentLogger interface {
	Debug(component, operation, msg string, fields Fields)
	Info(component, operation, msg string, fields Fields)
	Warn(component, operation, msg string, fields Fields)
	Error(component, operation, msg string, fields Fields)
}

type componentLogger struct {
	logger *Logger
}

// NewComponentLogger adapts a Logger to ComponentLogger. A nil Logger yields Nop().
func NewComponentLogger(l *Logger) ComponentLogger {
	if l == nil {
		return Nop()
	}
	return &componentLogger{logger: l}
}

func (c *componentLogger) entry(component, operation string, fields Fields) *logrus.Entry {
	f := make(logrus.Fields, len(fields)+2)
	for k, v := range fields {
		f[k] = v
	}
	f["component"] = component
	f["operation"] = operation
	return c.logger.logger.WithFields(f)
}

func (c *componentLogger) Debug(component, operation, msg string, fields Fields) {
	c.entry(component, operation, fields).Debug(msg)
}

func (c *componentLogger) Info(component, operation, msg string, fields Fields) {
	c.entry(component, operation, fields).Info(msg)
}

func (c *componentLogger) Warn(component, operation, msg string, fields Fields) {
	c.entry(component, operation, fields).Warn(msg)
}

func (c *componentLogger) Error(component, operation, msg string, fields Fields) {
	c.entry(component, operation, fields).Error(msg)
}

type nopLogger struct{}

// Nop returns a ComponentLogger that discards everything.
func Nop() ComponentLogger { return nopLogger{} }

func (nopLogger) Debug(string, string, string, Fields) {}
func (nopLogger) Info(string, string, string, Fields)  {}
func (nopLogger) Warn(string, string, string, Fields)  {}
func (nopLogger) Error(string, string, string, Fields) {}
