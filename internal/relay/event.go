package relay

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Severity is the presentation class of an output line.
type Severity string

const (
	// Info is a plain line.
	Info Severity = "info"
	// Success marks a completed step.
	Success Severity = "success"
	// Warning marks a recoverable problem.
	Warning Severity = "warning"
	// Error marks a failure.
	Error Severity = "error"
)

var (
	errorMarkers   = []string{"❌", "ERROR"}
	warningMarkers = []string{"⚠", "WARNING"}
	successMarkers = []string{"✅", "SUCCESS"}
)

// Classify infers the severity of a line from the markers the scripts print.
// Error markers win over warning markers, which win over success markers.
func Classify(line string) Severity {
	switch {
	case containsAny(line, errorMarkers):
		return Error
	case containsAny(line, warningMarkers):
		return Warning
	case containsAny(line, successMarkers):
		return Success
	}
	return Info
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Progress is a step update derived from "Step N" markers.
type Progress struct {
	Step      int `json:"step"`
	Total     int `json:"total"`
	Completed int `json:"completed"` // previous step, now complete; 0 if none
}

// Event is one relayed unit of process output.
type Event struct {
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"time"`
	Line     string    `json:"line"`
	Severity Severity  `json:"severity"`
	Progress *Progress `json:"progress,omitempty"`
}

var stepPattern = regexp.MustCompile(`\bStep (\d+)\b`)

// stepTracker advances monotonically over "Step N" markers in [1, total].
type stepTracker struct {
	total   int
	highest int
}

func newStepTracker(total int) *stepTracker {
	return &stepTracker{total: total}
}

// observe returns a progress update when line names a step above every step
// seen so far.
func (t *stepTracker) observe(line string) (Progress, bool) {
	if t == nil || t.total <= 0 {
		return Progress{}, false
	}
	m := stepPattern.FindStringSubmatch(line)
	if m == nil {
		return Progress{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 || n > t.total || n <= t.highest {
		return Progress{}, false
	}
	p := Progress{Step: n, Total: t.total, Completed: t.highest}
	t.highest = n
	return p, true
}
