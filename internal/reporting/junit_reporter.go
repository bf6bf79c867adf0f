package reporting

import (
	"fmt"
	"io"
	"strconv"

	"github.com/beevik/etree"

	"github.com/kmansel/gridrunner/api/schemas"
)

// JUnitReporter renders the report in the JUnit XML dialect most CI systems
// ingest. Each engine target becomes a testsuite; each run a testcase.
type JUnitReporter struct {
	writer io.WriteCloser
}

var _ Reporter = (*JUnitReporter)(nil)

// NewJUnitReporter takes ownership of the writer.
func NewJUnitReporter(w io.WriteCloser) *JUnitReporter {
	return &JUnitReporter{writer: w}
}

func (r *JUnitReporter) Write(report *schemas.SuiteReport) error {
	doc := BuildJUnitDocument(report)
	doc.Indent(2)
	if _, err := doc.WriteTo(r.writer); err != nil {
		return fmt.Errorf("failed to write junit report: %w", err)
	}
	return nil
}

func (r *JUnitReporter) Close() error {
	return r.writer.Close()
}

// BuildJUnitDocument assembles the XML tree without writing it, so tests can
// inspect the structure directly.
func BuildJUnitDocument(report *schemas.SuiteReport) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("testsuites")
	root.CreateAttr("name", report.Name)
	root.CreateAttr("tests", strconv.Itoa(report.Summary.Total))
	root.CreateAttr("failures", strconv.Itoa(report.Summary.Failed+report.Summary.TimedOut))
	root.CreateAttr("skipped", strconv.Itoa(report.Summary.Skipped))
	root.CreateAttr("time", formatSeconds(report.Duration.Seconds()))

	// Group results by target, preserving first-seen order. Skipped tests
	// with no target land in an unnamed group.
	order := make([]string, 0)
	grouped := make(map[string][]schemas.RunResult)
	for _, res := range report.Results {
		key := res.Target.Name
		if _, seen := grouped[key]; !seen {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], res)
	}

	for _, key := range order {
		results := grouped[key]
		suite := root.CreateElement("testsuite")
		name := key
		if name == "" {
			name = "unscheduled"
		}
		suite.CreateAttr("name", name)
		suite.CreateAttr("tests", strconv.Itoa(len(results)))

		failures := 0
		skipped := 0
		for _, res := range results {
			tc := suite.CreateElement("testcase")
			tc.CreateAttr("name", res.TestID)
			tc.CreateAttr("classname", name)
			tc.CreateAttr("time", formatSeconds(res.Duration.Seconds()))

			switch res.Outcome {
			case schemas.OutcomeFailed, schemas.OutcomeTimedOut:
				failures++
				failure := tc.CreateElement("failure")
				failure.CreateAttr("type", string(res.Outcome))
				if res.Error != nil {
					failure.CreateAttr("message", res.Error.Message)
					failure.SetText(res.Error.Error())
				}
			case schemas.OutcomeSkipped:
				skipped++
				tc.CreateElement("skipped")
			}
		}
		suite.CreateAttr("failures", strconv.Itoa(failures))
		suite.CreateAttr("skipped", strconv.Itoa(skipped))
	}
	return doc
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
