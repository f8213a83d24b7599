package writer

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"sync"

	"github.com/systest/systest/container"
	"github.com/systest/systest/obslog"
	"go.uber.org/zap"
)

// xmlResult is one <result> element.
type xmlResult struct {
	XMLName xml.Name `xml:"result"`
	ID      string   `xml:"id,attr"`
	Outcome string   `xml:"outcome,attr"`
	Output  string   `xml:"output,attr"`
}

// xmlReport is the <pysyslog> document root.
type xmlReport struct {
	XMLName  xml.Name    `xml:"pysyslog"`
	Date     string      `xml:"date,attr"`
	Platform string      `xml:"platform,attr"`
	Host     string      `xml:"host,attr"`
	Results  []xmlResult `xml:"results>result"`
}

// XML writes a structured pysyslog-rooted XML summary, one <result> per
// test, with the output path rewritten to UNC form.
type XML struct {
	path string
	log  *obslog.Logger

	mu     sync.Mutex
	file   *os.File
	report xmlReport
}

// NewXML returns an XML writer that will create path at Setup.
func NewXML(path string, log *obslog.Logger) *XML {
	return &XML{path: path, log: log}
}

func (w *XML) Setup(ctx context.Context, numTests int) error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open xml writer output %s: %w", w.path, err)
	}
	w.file = f
	h := newHeader()
	w.report = xmlReport{
		Date:     h.Date,
		Platform: h.Platform,
		Host:     h.Host,
		Results:  make([]xmlResult, 0, numTests),
	}
	return nil
}

func (w *XML) ProcessResult(ctx context.Context, rec *container.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.report.Results = append(w.report.Results, xmlResult{
		ID:      rec.Descriptor.ID(),
		Outcome: rec.FinalOutcome.String(),
		Output:  toUNC(w.report.Host, rec.OutputDir),
	})
	return nil
}

func (w *XML) Cleanup(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	defer func() {
		if err := w.file.Close(); err != nil && w.log != nil {
			w.log.Warn("xml writer: failed to close output file", zap.Error(err))
		}
	}()

	out, err := xml.MarshalIndent(w.report, "", "  ")
	if err != nil {
		if w.log != nil {
			w.log.Warn("xml writer: failed to marshal report", zap.Error(err))
		}
		return err
	}
	if _, err := w.file.Write(append([]byte(xml.Header), out...)); err != nil {
		if w.log != nil {
			w.log.Warn("xml writer: failed to flush output", zap.Error(err))
		}
		return err
	}
	return nil
}
