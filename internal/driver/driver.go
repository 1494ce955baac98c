package driver

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/alfaarizi/qubit/internal/model"
)

// OutputDriver turns lines of command output into job events.
type OutputDriver interface {
	// Name returns the name of the driver.
	Name() string

	// ParseLine classifies one output line. It reports false for lines that
	// carry nothing after cleanup.
	ParseLine(line string) (model.Event, bool)
}

// ansiPattern matches ANSI escape sequences
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[PX^_][^\x1b]*\x1b\\|\x1b\(B`)

// ProgressDriver recognizes percentage and step-counter markers such as
// "[45%]" or "[3/11] Partitioning...". It holds no state and is safe for
// concurrent use.
type ProgressDriver struct {
	// percentPattern matches "45%" and "[45%]"
	percentPattern *regexp.Regexp

	// countPattern matches "3/11"
	countPattern *regexp.Regexp
}

// NewProgressDriver creates a new ProgressDriver instance.
func NewProgressDriver() *ProgressDriver {
	return &ProgressDriver{
		percentPattern: regexp.MustCompile(`\[?(\d+)%\]?`),
		countPattern:   regexp.MustCompile(`(\d+)/(\d+)`),
	}
}

// Name returns the name of the driver.
func (d *ProgressDriver) Name() string {
	return "progress"
}

// ParseLine turns a line into a log event carrying whatever progress the
// line mentions. A line that is only "45%" keeps its text as the message.
func (d *ProgressDriver) ParseLine(line string) (model.Event, bool) {
	line = strings.TrimSpace(ansiPattern.ReplaceAllString(line, ""))
	if line == "" {
		return nil, false
	}

	ev := model.LogEvent{Message: line}
	if p, ok := d.Progress(line); ok {
		ev.Progress = &p
	}
	return ev, true
}

// Progress extracts a percentage from line. A percent marker wins over a
// step counter; a counter with a zero total yields nothing.
func (d *ProgressDriver) Progress(line string) (int, bool) {
	if m := d.percentPattern.FindStringSubmatch(line); m != nil {
		p, err := strconv.Atoi(m[1])
		return p, err == nil
	}

	if m := d.countPattern.FindStringSubmatch(line); m != nil {
		current, err1 := strconv.Atoi(m[1])
		total, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil || total == 0 {
			return 0, false
		}
		return current * 100 / total, true
	}

	return 0, false
}

var defaultDriver = NewProgressDriver()

// ParseProgress extracts a percentage from line using the default driver.
func ParseProgress(line string) (int, bool) {
	return defaultDriver.Progress(line)
}
