// Package perf is the performance reporter: per-run validation, CSV
// persistence, and cross-run aggregation of performance records.
package perf

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/systest/systest/container"
	"github.com/systest/systest/outcome"
	"github.com/systest/systest/sysconfig"
)

// Unit describes what a performance value measures and which direction is
// an improvement.
type Unit struct {
	Name           string
	BiggerIsBetter bool
}

// UnitSeconds and UnitPerSecond are the two predefined unit aliases every
// caller can use without constructing a Unit by hand.
var (
	UnitSeconds   = Unit{Name: "s", BiggerIsBetter: false}
	UnitPerSecond = Unit{Name: "/s", BiggerIsBetter: true}
)

// KV is an ordered string key/value pair, used for both a record's
// resultDetails and a run's runDetails.
type KV struct{ Key, Value string }

// Record is one reported performance measurement.
type Record struct {
	ResultKey        string
	TestID           string
	Value            float64
	Unit             Unit
	ToleranceStdDevs float64
	Samples          int
	StdDev           float64
	ResultDetails     []KV
}

type seenEntry struct {
	testID         string
	objectIdentity string
	resultDetails  []KV
}

// Reporter is the per-run singleton that validates, persists, and
// deduplicates performance records.
type Reporter struct {
	cfg         sysconfig.PerfConfig
	outdir      string
	runDetails  []KV
	summaryPath string

	mu   sync.Mutex
	seen map[string]seenEntry

	// History is an optional secondary sink; nil unless enabled in cfg.
	History *SQLiteHistory
}

var (
	doubleSpace   = regexp.MustCompile(`  `)
	formatToken   = regexp.MustCompile(`%[sdf]`)
	dateTimeToken = regexp.MustCompile(`\d{4}[-/]\d{2}[-/]\d{2} \d{2}[:/]\d{2}[:/]\d{2}`)
)

// NewReporter returns a Reporter for one run, resolving its summary file
// path from cfg.SummaryFile's @OUTDIR@/@HOSTNAME@/@DATE@/@TIME@ template.
func NewReporter(cfg sysconfig.PerfConfig, outdir string, runDetails []KV) *Reporter {
	r := &Reporter{
		cfg:        cfg,
		outdir:     outdir,
		runDetails: runDetails,
		seen:       make(map[string]seenEntry),
	}
	r.summaryPath = resolveTemplate(cfg.SummaryFile, outdir, "")
	if cfg.History.Enabled {
		if h, err := OpenHistory(cfg.History.DBPath); err == nil {
			r.History = h
		}
	}
	return r
}

// validateResultKey rejects a resultKey containing a double space, a
// %s/%d/%f format token, a newline, or a substring matching a date-time
// pattern.
func validateResultKey(key string) error {
	switch {
	case strings.Contains(key, "\n"):
		return fmt.Errorf("resultKey %q must not contain a newline", key)
	case doubleSpace.MatchString(key):
		return fmt.Errorf("resultKey %q must not contain a double space", key)
	case formatToken.MatchString(key):
		return fmt.Errorf("resultKey %q must not contain a %%s/%%d/%%f format token", key)
	case dateTimeToken.MatchString(key):
		return fmt.Errorf("resultKey %q must not contain an embedded date-time", key)
	}
	return nil
}

// coerce converts value (a float64, any integer kind, or a numeric string)
// to float64.
func coerce(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not numeric: %w", v, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unsupported performance value type %T", value)
	}
}

// ReportResult validates and persists one performance measurement for rec,
// returning a non-nil error (without persisting anything) when the key is
// malformed, a duplicate-key conflict is detected, or the CSV append
// fails.
func (r *Reporter) ReportResult(ctx context.Context, rec *container.Record, value any, resultKey string, unit Unit, toleranceStdDevs float64, resultDetails []KV) error {
	if err := validateResultKey(resultKey); err != nil {
		return err
	}
	v, err := coerce(value)
	if err != nil {
		return err
	}

	identity := fmt.Sprintf("%p", rec)

	r.mu.Lock()
	prior, exists := r.seen[resultKey]
	if exists {
		if prior.objectIdentity == identity {
			r.mu.Unlock()
			return fmt.Errorf("resultKey %q already used by this test", resultKey)
		}
		if prior.testID != rec.Descriptor.ID() || !sameDetails(prior.resultDetails, resultDetails) {
			r.mu.Unlock()
			return fmt.Errorf("resultKey %q must be unique across tests and modes", resultKey)
		}
	}
	r.seen[resultKey] = seenEntry{testID: rec.Descriptor.ID(), objectIdentity: identity, resultDetails: resultDetails}
	r.mu.Unlock()

	if isFailure(rec.FinalOutcome) {
		return nil
	}

	perfRec := Record{
		ResultKey:        resultKey,
		TestID:           rec.Descriptor.ID(),
		Value:            v,
		Unit:             unit,
		ToleranceStdDevs: toleranceStdDevs,
		Samples:          1,
		StdDev:           0,
		ResultDetails:    resultDetails,
	}

	if err := r.appendCSV(filepath.Join(rec.OutputDir, "performance_results.csv"), perfRec, nil); err != nil {
		return err
	}
	if err := r.appendSummary(perfRec); err != nil {
		return err
	}
	if r.History != nil {
		_ = r.History.Insert(ctx, perfRec)
	}
	return nil
}

func isFailure(o outcome.Outcome) bool {
	return o.Precedence() < outcome.NOTVERIFIED.Precedence()
}

func sameDetails(a, b []KV) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sanitize(field string) string {
	field = strings.ReplaceAll(field, ",", ";")
	field = strings.ReplaceAll(field, `"`, "_")
	return field
}

func formatRow(rec Record) string {
	cols := []string{
		sanitize(rec.ResultKey),
		sanitize(rec.TestID),
		strconv.FormatFloat(rec.Value, 'f', -1, 64),
		sanitize(rec.Unit.Name),
		strconv.FormatBool(rec.Unit.BiggerIsBetter),
		strconv.FormatFloat(rec.ToleranceStdDevs, 'f', -1, 64),
		strconv.Itoa(rec.Samples),
		strconv.FormatFloat(rec.StdDev, 'f', -1, 64),
	}
	line := strings.Join(cols, ",")
	if len(rec.ResultDetails) > 0 {
		var kvs []string
		for _, kv := range rec.ResultDetails {
			kvs = append(kvs, fmt.Sprintf("%s=%s", sanitize(kv.Key), sanitize(kv.Value)))
		}
		line += ",#resultDetails:#," + strings.Join(kvs, ",")
	}
	return line
}

func (r *Reporter) appendCSV(path string, rec Record, header []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create performance csv dir: %w", err)
	}
	needsHeader := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		needsHeader = true
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open performance csv %s: %w", path, err)
	}
	defer f.Close()

	if needsHeader {
		if _, err := fmt.Fprintln(f, "#resultKey,testId,value,unit,biggerIsBetter,toleranceStdDevs,samples,stdDev"); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(f, formatRow(rec))
	return err
}

// appendSummary writes rec to the run-wide summary file, creating it (and
// writing its run-details header) on first use.
func (r *Reporter) appendSummary(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.summaryPath), 0o755); err != nil {
		return fmt.Errorf("create performance summary dir: %w", err)
	}
	needsHeader := false
	if _, err := os.Stat(r.summaryPath); os.IsNotExist(err) {
		needsHeader = true
	}

	f, err := os.OpenFile(r.summaryPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open performance summary %s: %w", r.summaryPath, err)
	}
	defer f.Close()

	if needsHeader {
		header := fmt.Sprintf("#resultKey,testId,value,unit,biggerIsBetter,toleranceStdDevs,samples,stdDev,#runDetails:#,outdir=%s,hostname=%s,time=%s",
			sanitize(r.outdir), sanitize(hostname()), time.Now().Format("2006-01-02 15:04:05"))
		for _, kv := range r.runDetails {
			header += fmt.Sprintf(",%s=%s", sanitize(kv.Key), sanitize(kv.Value))
		}
		if _, err := fmt.Fprintln(f, header); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(f, formatRow(rec))
	return err
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// resolveTemplate substitutes @OUTDIR@/@HOSTNAME@/@DATE@/@TIME@/@TESTID@
// tokens in tmpl.
func resolveTemplate(tmpl, outdir, testID string) string {
	now := time.Now()
	replacer := strings.NewReplacer(
		"@OUTDIR@", outdir,
		"@HOSTNAME@", hostname(),
		"@DATE@", now.Format("2006-01-02"),
		"@TIME@", now.Format("15-04-05"),
		"@TESTID@", testID,
	)
	return replacer.Replace(tmpl)
}

// ParsedFile is one performance summary file's run details and records,
// as read back by Aggregate.
type ParsedFile struct {
	RunDetails []KV
	Records    []Record
}

// Aggregate merges N parsed performance summary files into one file with
// one row per resultKey, combining mean/stddev with the pooled-variance
// formula and concatenating distinct run-detail values.
func Aggregate(paths []string) (*ParsedFile, error) {
	merged := make(map[string]Record)
	order := make([]string, 0)
	runDetailValues := make(map[string]map[string]struct{})
	runDetailOrder := make([]string, 0)

	for _, p := range paths {
		parsed, err := parseFile(p)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", p, err)
		}
		for _, kv := range parsed.RunDetails {
			set, ok := runDetailValues[kv.Key]
			if !ok {
				set = make(map[string]struct{})
				runDetailValues[kv.Key] = set
				runDetailOrder = append(runDetailOrder, kv.Key)
			}
			set[kv.Value] = struct{}{}
		}
		for _, rec := range parsed.Records {
			existing, ok := merged[rec.ResultKey]
			if !ok {
				merged[rec.ResultKey] = rec
				order = append(order, rec.ResultKey)
				continue
			}
			merged[rec.ResultKey] = pool(existing, rec)
		}
	}

	result := &ParsedFile{Records: make([]Record, 0, len(order))}
	for _, key := range order {
		result.Records = append(result.Records, merged[key])
	}
	for _, key := range runDetailOrder {
		values := make([]string, 0, len(runDetailValues[key]))
		for v := range runDetailValues[key] {
			values = append(values, v)
		}
		sort.Strings(values)
		result.RunDetails = append(result.RunDetails, KV{Key: key, Value: strings.Join(values, "; ")})
	}
	return result, nil
}

// pool combines a and b using the numerically careful pooled mean/stddev
// formula: n1 and n2 may each be 1 (a single unaggregated sample).
func pool(a, b Record) Record {
	n1, n2 := float64(a.Samples), float64(b.Samples)
	v1, v2 := a.Value, b.Value
	s1, s2 := a.StdDev, b.StdDev

	n := n1 + n2
	mean := (n1*v1 + n2*v2) / n

	var variance float64
	if n > 1 {
		variance = ((n1-1)*s1*s1 + (n2-1)*s2*s2 + n1*(v1-mean)*(v1-mean) + n2*(v2-mean)*(v2-mean)) / (n - 1)
	}

	return Record{
		ResultKey:        a.ResultKey,
		TestID:           a.TestID,
		Value:            mean,
		Unit:             a.Unit,
		ToleranceStdDevs: a.ToleranceStdDevs,
		Samples:          int(n),
		StdDev:           math.Sqrt(math.Max(variance, 0)),
		ResultDetails:    b.ResultDetails,
	}
}
