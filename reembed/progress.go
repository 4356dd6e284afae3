package reembed

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// progressReporter tallies batch outcomes for one run and writes a
// carriage-return status line every interval opinions.
type progressReporter struct {
	mu       sync.Mutex
	w        io.Writer
	model    string
	interval int

	summary   Summary
	processed int
	lastLine  int
	start     time.Time
	now       func() time.Time
}

func newProgressReporter(w io.Writer, model string, total, interval int) *progressReporter {
	if interval < 1 {
		interval = 1
	}
	r := &progressReporter{
		w:        w,
		model:    model,
		interval: interval,
		now:      time.Now,
	}
	r.summary.Total = total
	r.start = r.now()
	return r
}

// batch folds one batch into the tally. size counts every opinion the batch
// covered, including ones it could not classify because of an error.
func (r *progressReporter) batch(size int, result BatchResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary.add(result)
	r.processed = min(r.processed+size, r.summary.Total)
	if r.processed-r.lastLine >= r.interval {
		r.line()
		r.lastLine = r.processed
	}
}

// done writes the final status line and returns the run summary.
func (r *progressReporter) done() *Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary.Elapsed = r.now().Sub(r.start)
	if r.processed != r.lastLine || r.processed == 0 {
		r.line()
	}
	fmt.Fprintln(r.w)
	s := r.summary
	return &s
}

func (r *progressReporter) line() {
	s := r.summary
	pct := 100.0
	if s.Total > 0 {
		pct = float64(r.processed) / float64(s.Total) * 100
	}
	rate := 0.0
	if secs := r.now().Sub(r.start).Seconds(); secs > 0 {
		rate = float64(r.processed) / secs
	}
	fmt.Fprintf(r.w, "\r[%s] %d/%d (%.1f%%) embedded %d, up to date %d, pending %d, failed %d - %.1f opinions/s",
		r.model, r.processed, s.Total, pct, s.Embedded, s.Skipped, s.Pending, s.Failed, rate)
}
