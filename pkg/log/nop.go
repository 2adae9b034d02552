package log

// NewNopLogger returns a logger that discards everything below FatalLevel.
// Fatal still terminates the process.
func NewNopLogger() Logger {
	return NewLogger(WithLevel(FatalLevel), WithOutput(NullOutput{}))
}
