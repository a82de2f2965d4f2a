// ABOUTME: Log levels accepted by the logging wrapper
// ABOUTME: Mirrors the subset of go-logging levels the service uses
package logging

type LogLevel int

const (
	ERROR LogLevel = iota
	INFO
	DEBUG
)

func (l LogLevel) String() string {
	switch l {
	case ERROR:
		return "ERROR"
	case INFO:
		return "INFO"
	case DEBUG:
		return "DEBUG"
	default:
		return "INVALID"
	}
}
