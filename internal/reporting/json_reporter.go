package reporting

import (
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/kmansel/gridrunner/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONReporter writes the report as an indented JSON document.
type JSONReporter struct {
	writer io.WriteCloser
}

var _ Reporter = (*JSONReporter)(nil)

// NewJSONReporter takes ownership of the writer.
func NewJSONReporter(w io.WriteCloser) *JSONReporter {
	return &JSONReporter{writer: w}
}

func (r *JSONReporter) Write(report *schemas.SuiteReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal suite report: %w", err)
	}
	data = append(data, '\n')
	if _, err := r.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write suite report: %w", err)
	}
	return nil
}

func (r *JSONReporter) Close() error {
	return r.writer.Close()
}
