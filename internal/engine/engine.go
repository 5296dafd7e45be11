package engine

import "context"

// Engine names accepted at submission. "hybrid" tries the standard path and
// falls back to vision when the output fails the quality check.
const (
	NameStandard = "standard"
	NameImage    = "image"
	NameVision   = "vision"
	NameHybrid   = "hybrid"
)

// Request describes one conversion. InputPath is a staged local copy of the
// job's source file; the engine writes its outputs under WorkDir and reports
// them as paths relative to it.
type Request struct {
	JobID      string
	InputPath  string
	WorkDir    string
	FromFormat string
	ToFormat   string
}

// Result is a successful conversion outcome. Output is the primary file;
// Extras are secondary files (e.g. images pulled out of a PDF). ProducedBy
// names the engine that actually produced the output, which differs from the
// requested engine after a hybrid fallback.
type Result struct {
	Output     string
	Extras     []string
	Pages      int
	ProducedBy string
}

// Files returns all output paths, primary first.
func (r Result) Files() []string {
	return append([]string{r.Output}, r.Extras...)
}

// Engine converts a staged input file into the requested format.
type Engine interface {
	Name() string
	Supports(from, to string) bool
	Convert(ctx context.Context, req Request) (Result, error)
}

// Error is the explicit failure value at the engine boundary. Retryable marks
// transient failures (model load flakiness, timeouts) worth re-invoking;
// everything else (corrupt input, unsupported content) is terminal.
type Error struct {
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return e.Message
}

// Terminal builds a non-retryable engine error.
func Terminal(message string) *Error {
	return &Error{Message: message}
}

// Transient builds a retryable engine error.
func Transient(message string) *Error {
	return &Error{Message: message, Retryable: true}
}
