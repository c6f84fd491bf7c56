package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/blockrun/blockrun/internal/config"
	. "github.com/blockrun/blockrun/internal/logging"
	. "github.com/blockrun/blockrun/internal/metrics"
	"github.com/blockrun/blockrun/internal/paths"
)

const (
	emitBuffer = 256

	// Daily file rollover at midnight local time.
	rolloverExpr = "0 0 * * *"
)

// Event is the accounting record for one completed chat request.
type Event struct {
	Timestamp        time.Time `json:"timestamp"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider,omitempty"`
	Tier             string    `json:"tier"`
	Method           string    `json:"method,omitempty"`
	Attempts         int       `json:"attempts,omitempty"`
	PromptTokens     int       `json:"promptTokens,omitempty"`
	CompletionTokens int       `json:"completionTokens,omitempty"`
	CostEstimate     float64   `json:"costEstimate"`
	BaselineCost     float64   `json:"baselineCost"`
	Savings          float64   `json:"savings"`
	LatencyMs        int64     `json:"latencyMs"`
	Streamed         bool      `json:"streamed,omitempty"`
	Deduped          bool      `json:"deduped,omitempty"`
}

// Stats aggregates events since process start.
type Stats struct {
	Since         time.Time        `json:"since"`
	Requests      int64            `json:"requests"`
	Streamed      int64            `json:"streamed"`
	Deduped       int64            `json:"deduped"`
	ByTier        map[string]int64 `json:"byTier"`
	ByModel       map[string]int64 `json:"byModel"`
	TotalCost     float64          `json:"totalCost"`
	TotalBaseline float64          `json:"totalBaseline"`
	TotalSavings  float64          `json:"totalSavings"`
	AvgLatencyMs  int64            `json:"avgLatencyMs"`
}

// Recorder fans usage events out to a daily JSONL sink and an in-memory
// aggregate. Emit never blocks or errors the request path: aggregation is a
// brief in-memory update and the file write rides a buffered channel; when
// the buffer is full the event is counted as dropped and forgotten.
type Recorder struct {
	dir     string
	enabled bool

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	fileMu  sync.Mutex
	file    *os.File
	fileDay string

	statsMu      sync.Mutex
	since        time.Time
	requests     int64
	streamed     int64
	deduped      int64
	byTier       map[string]int64
	byModel      map[string]int64
	totalCost    float64
	totalBase    float64
	totalSavings float64
	latencySum   int64
}

// NewRecorder starts the recorder. A disabled or directory-less config
// still aggregates for stats; only the file sink is skipped.
func NewRecorder(cfg config.UsageConfig) *Recorder {
	enabled := cfg.Enabled == nil || *cfg.Enabled

	r := &Recorder{
		dir:     cfg.Dir,
		enabled: enabled,
		events:  make(chan Event, emitBuffer),
		done:    make(chan struct{}),
		since:   time.Now(),
		byTier:  make(map[string]int64),
		byModel: make(map[string]int64),
	}

	if r.enabled && r.dir != "" {
		if err := paths.EnsureDir(r.dir); err != nil {
			L_warn("usage: cannot create directory, file sink disabled", "dir", r.dir, "error", err)
			r.dir = ""
		}
	}

	r.wg.Add(2)
	go r.run()
	go r.rolloverLoop()

	if r.sinkActive() {
		L_info("usage: recorder started", "dir", r.dir)
	} else {
		L_debug("usage: recorder started without file sink")
	}
	return r
}

func (r *Recorder) sinkActive() bool {
	return r.enabled && r.dir != ""
}

// Emit records one event. Safe to call on a nil recorder.
func (r *Recorder) Emit(ev Event) {
	if r == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	r.aggregate(ev)

	select {
	case r.events <- ev:
		MetricInc("usage", "emit")
	default:
		MetricFailWithReason("usage", "emit", "buffer_full")
	}
}

// Close drains buffered events to the sink and releases the file handle.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	close(r.done)
	r.wg.Wait()

	r.fileMu.Lock()
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.fileMu.Unlock()
	L_debug("usage: recorder closed")
}

// Snapshot returns the aggregate since process start.
func (r *Recorder) Snapshot() Stats {
	if r == nil {
		return Stats{}
	}
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	stats := Stats{
		Since:         r.since,
		Requests:      r.requests,
		Streamed:      r.streamed,
		Deduped:       r.deduped,
		ByTier:        make(map[string]int64, len(r.byTier)),
		ByModel:       make(map[string]int64, len(r.byModel)),
		TotalCost:     r.totalCost,
		TotalBaseline: r.totalBase,
		TotalSavings:  r.totalSavings,
	}
	for k, v := range r.byTier {
		stats.ByTier[k] = v
	}
	for k, v := range r.byModel {
		stats.ByModel[k] = v
	}
	if r.requests > 0 {
		stats.AvgLatencyMs = r.latencySum / r.requests
	}
	return stats
}

func (r *Recorder) aggregate(ev Event) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	r.requests++
	if ev.Streamed {
		r.streamed++
	}
	if ev.Deduped {
		r.deduped++
	}
	if ev.Tier != "" {
		r.byTier[ev.Tier]++
	}
	if ev.Model != "" {
		r.byModel[ev.Model]++
	}
	r.totalCost += ev.CostEstimate
	r.totalBase += ev.BaselineCost
	r.totalSavings += ev.Savings
	r.latencySum += ev.LatencyMs
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case ev := <-r.events:
			r.writeLine(ev)
		case <-r.done:
			for {
				select {
				case ev := <-r.events:
					r.writeLine(ev)
				default:
					return
				}
			}
		}
	}
}

// rolloverLoop closes the daily file at each midnight so the next write
// reopens under the new date even when traffic is idle across the boundary.
func (r *Recorder) rolloverLoop() {
	defer r.wg.Done()

	parser := cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)
	schedule, err := parser.Parse(rolloverExpr)
	if err != nil {
		L_error("usage: invalid rollover schedule", "expr", rolloverExpr, "error", err)
		return
	}

	for {
		next := schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			r.rotate()
		case <-r.done:
			timer.Stop()
			return
		}
	}
}

func (r *Recorder) rotate() {
	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	if r.file != nil {
		r.file.Close()
		r.file = nil
		r.fileDay = ""
		L_debug("usage: rolled over daily file")
	}
}

// writeLine appends one event to the day's JSONL file. Failures are logged
// and swallowed; accounting never breaks a request.
func (r *Recorder) writeLine(ev Event) {
	if !r.sinkActive() {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		L_warn("usage: failed to marshal event", "error", err)
		return
	}

	r.fileMu.Lock()
	defer r.fileMu.Unlock()

	day := ev.Timestamp.Format("2006-01-02")
	if r.file == nil || r.fileDay != day {
		if r.file != nil {
			r.file.Close()
			r.file = nil
		}
		path := filepath.Join(r.dir, fmt.Sprintf("usage-%s.jsonl", day))
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			L_warn("usage: failed to open daily file", "path", path, "error", err)
			MetricFailWithReason("usage", "write", "open")
			return
		}
		r.file = f
		r.fileDay = day
		L_debug("usage: opened daily file", "path", path)
	}

	if _, err := r.file.Write(append(data, '\n')); err != nil {
		L_warn("usage: failed to write event", "error", err)
		MetricFailWithReason("usage", "write", "io")
		return
	}
	MetricSuccess("usage", "write")
}
