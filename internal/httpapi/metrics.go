package httpapi

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/John-Robertt/subxray/internal/convert"
	"github.com/John-Robertt/subxray/internal/model"
)

// metricsStore holds the process-wide counters rendered by /metrics.
type metricsStore struct {
	mu sync.Mutex

	httpRequestsTotal uint64
	httpByPattern     map[reqKey]uint64

	appErrors map[errKey]uint64

	conversions     uint64
	entries         uint64
	duplicates      uint64
	diagnosticKinds map[model.DecodeErrorKind]uint64
}

type reqKey struct {
	Pattern string
	Status  int
}

type errKey struct {
	Stage string
	Code  string
}

func newMetricsStore() *metricsStore {
	return &metricsStore{
		httpByPattern:   make(map[reqKey]uint64),
		appErrors:       make(map[errKey]uint64),
		diagnosticKinds: make(map[model.DecodeErrorKind]uint64),
	}
}

var metrics = newMetricsStore()

func metricsIncRequest(pattern string, status int) {
	if status == 0 {
		status = http.StatusOK
	}
	if pattern == "" {
		pattern = "(unknown)"
	}

	metrics.mu.Lock()
	metrics.httpRequestsTotal++
	metrics.httpByPattern[reqKey{Pattern: pattern, Status: status}]++
	metrics.mu.Unlock()
}

func metricsIncAppError(stage, code string) {
	stage = strings.TrimSpace(stage)
	code = strings.TrimSpace(code)
	if stage == "" {
		stage = "(unknown)"
	}
	if code == "" {
		code = "(unknown)"
	}

	metrics.mu.Lock()
	metrics.appErrors[errKey{Stage: stage, Code: code}]++
	metrics.mu.Unlock()
}

// metricsAddConversion records one successful conversion. Diagnostics are
// counted by kind only; their lines may carry credentials.
func metricsAddConversion(st convert.Stats, diags []model.Diagnostic) {
	metrics.mu.Lock()
	metrics.conversions++
	metrics.entries += uint64(st.Entries)
	metrics.duplicates += uint64(st.Duplicates)
	for _, d := range diags {
		metrics.diagnosticKinds[d.Kind]++
	}
	metrics.mu.Unlock()
}

type convMetrics struct {
	Conversions uint64
	Entries     uint64
	Duplicates  uint64
	Kinds       []kindMetric
}

type kindMetric struct {
	Kind model.DecodeErrorKind
	N    uint64
}

func metricsConversionSnapshot() convMetrics {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()

	out := convMetrics{
		Conversions: metrics.conversions,
		Entries:     metrics.entries,
		Duplicates:  metrics.duplicates,
		Kinds:       make([]kindMetric, 0, len(metrics.diagnosticKinds)),
	}
	for k, n := range metrics.diagnosticKinds {
		out.Kinds = append(out.Kinds, kindMetric{Kind: k, N: n})
	}
	sort.Slice(out.Kinds, func(i, j int) bool { return out.Kinds[i].Kind < out.Kinds[j].Kind })
	return out
}

type reqMetric struct {
	reqKey
	N uint64
}

type errMetric struct {
	errKey
	N uint64
}

func metricsSnapshot() (httpTotal uint64, reqs []reqMetric, errs []errMetric) {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()

	httpTotal = metrics.httpRequestsTotal

	reqs = make([]reqMetric, 0, len(metrics.httpByPattern))
	for k, n := range metrics.httpByPattern {
		reqs = append(reqs, reqMetric{reqKey: k, N: n})
	}
	errs = make([]errMetric, 0, len(metrics.appErrors))
	for k, n := range metrics.appErrors {
		errs = append(errs, errMetric{errKey: k, N: n})
	}

	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].Pattern != reqs[j].Pattern {
			return reqs[i].Pattern < reqs[j].Pattern
		}
		return reqs[i].Status < reqs[j].Status
	})
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].Stage != errs[j].Stage {
			return errs[i].Stage < errs[j].Stage
		}
		return errs[i].Code < errs[j].Code
	})
	return httpTotal, reqs, errs
}

func handleMetrics(w http.ResponseWriter, r *http.Request) {
	// Prometheus text exposition format.
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	total, reqs, errs := metricsSnapshot()

	var b strings.Builder

	b.WriteString("# HELP subxray_http_requests_total Total HTTP requests.\n")
	b.WriteString("# TYPE subxray_http_requests_total counter\n")
	b.WriteString("subxray_http_requests_total ")
	b.WriteString(strconv.FormatUint(total, 10))
	b.WriteByte('\n')

	b.WriteString("# HELP subxray_http_requests_by_pattern_total HTTP requests by ServeMux pattern and status.\n")
	b.WriteString("# TYPE subxray_http_requests_by_pattern_total counter\n")
	for _, m := range reqs {
		b.WriteString("subxray_http_requests_by_pattern_total{pattern=\"")
		b.WriteString(promLabelEscape(m.Pattern))
		b.WriteString("\",status=\"")
		b.WriteString(strconv.Itoa(m.Status))
		b.WriteString("\"} ")
		b.WriteString(strconv.FormatUint(m.N, 10))
		b.WriteByte('\n')
	}

	b.WriteString("# HELP subxray_app_errors_total Application errors returned to clients.\n")
	b.WriteString("# TYPE subxray_app_errors_total counter\n")
	for _, m := range errs {
		b.WriteString("subxray_app_errors_total{stage=\"")
		b.WriteString(promLabelEscape(m.Stage))
		b.WriteString("\",code=\"")
		b.WriteString(promLabelEscape(m.Code))
		b.WriteString("\"} ")
		b.WriteString(strconv.FormatUint(m.N, 10))
		b.WriteByte('\n')
	}

	conv := metricsConversionSnapshot()
	writeCounter(&b, "subxray_conversions_total", "Successful conversions.", conv.Conversions)
	writeCounter(&b, "subxray_outbounds_emitted_total", "Proxy outbounds emitted by successful conversions.", conv.Entries)
	writeCounter(&b, "subxray_duplicates_dropped_total", "Links dropped as duplicates of an earlier entry.", conv.Duplicates)

	b.WriteString("# HELP subxray_diagnostics_total Recoverable per-line diagnostics by kind.\n")
	b.WriteString("# TYPE subxray_diagnostics_total counter\n")
	for _, m := range conv.Kinds {
		b.WriteString("subxray_diagnostics_total{kind=\"")
		b.WriteString(promLabelEscape(string(m.Kind)))
		b.WriteString("\"} ")
		b.WriteString(strconv.FormatUint(m.N, 10))
		b.WriteByte('\n')
	}

	_, _ = fmt.Fprint(w, b.String())
}

func writeCounter(b *strings.Builder, name, help string, v uint64) {
	b.WriteString("# HELP " + name + " " + help + "\n")
	b.WriteString("# TYPE " + name + " counter\n")
	b.WriteString(name + " " + strconv.FormatUint(v, 10) + "\n")
}

func promLabelEscape(s string) string {
	// Prometheus label value escaping: backslash and double quote.
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
