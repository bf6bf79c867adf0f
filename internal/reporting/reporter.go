// Package reporting renders finalized suite reports for humans and CI
// systems.
package reporting

import (
	"fmt"
	"io"
	"os"

	"github.com/kmansel/gridrunner/api/schemas"
)

// Reporter writes one finalized suite report to an output.
type Reporter interface {
	Write(report *schemas.SuiteReport) error
	Close() error
}

// nopWriteCloser wraps an io.Writer with a no-op Close.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error { return nil }

// New creates a reporter for the given format. An empty or "stdout" path
// writes to standard output.
func New(format, outputPath string) (Reporter, error) {
	var writer io.WriteCloser
	isStdOut := outputPath == "" || outputPath == "stdout"

	if isStdOut {
		writer = &nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	switch format {
	case "json":
		return NewJSONReporter(writer), nil
	case "junit":
		return NewJUnitReporter(writer), nil
	default:
		if !isStdOut {
			writer.Close()
		}
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}
