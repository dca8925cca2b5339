package cfenc

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/term"
)

// PipelineState represents the state of a transcode run.
type PipelineState int

const (
	PipelineStateIdle     PipelineState = iota // Not opened
	PipelineStateReady                         // Collaborators open, header written
	PipelineStateRunning                       // Reading and encoding
	PipelineStateDraining                      // Input exhausted, waiting for the pool
	PipelineStateFinished                      // Trailer written
	PipelineStateFailed                        // Aborted by an error
	PipelineStateClosed                        // Resources released
)

func (s PipelineState) String() string {
	switch s {
	case PipelineStateIdle:
		return "idle"
	case PipelineStateReady:
		return "ready"
	case PipelineStateRunning:
		return "running"
	case PipelineStateDraining:
		return "draining"
	case PipelineStateFinished:
		return "finished"
	case PipelineStateFailed:
		return "failed"
	case PipelineStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RunStats summarizes a transcode run.
type RunStats struct {
	Frames       uint64 // CineForm samples written
	PacketsRead  uint64
	Passthrough  uint64
	Dropped      uint64 // Packets of tracks excluded from the output
	EncodedBytes uint64
	Elapsed      time.Duration
	Direct       bool
	Encoder      CoordinatorStats
}

// FPS returns the average encode rate.
func (s RunStats) FPS() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Frames) / s.Elapsed.Seconds()
}

func (s RunStats) String() string {
	return fmt.Sprintf("%d frames in %.2f seconds (%.2f fps)", s.Frames, s.Elapsed.Seconds(), s.FPS())
}

// Progress reports the frame counter. On a terminal it rewrites a single
// "Frame: n / total" line; otherwise it logs at debug level every
// logEvery frames. A nil *Progress reports nothing.
type Progress struct {
	w        io.Writer
	tty      bool
	total    int64
	log      hclog.Logger
	logEvery uint32
	wrote    bool
}

// NewProgress creates a reporter writing to w. total is the expected frame
// count, or 0 when unknown.
func NewProgress(w io.Writer, total int64, logger hclog.Logger) *Progress {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Progress{
		w:        w,
		tty:      isTerminal(w),
		total:    total,
		log:      logger,
		logEvery: 100,
	}
}

// SetTotal updates the expected frame count.
func (p *Progress) SetTotal(total int64) {
	if p != nil {
		p.total = total
	}
}

// Update reports that frame has been written.
func (p *Progress) Update(frame uint32) {
	if p == nil {
		return
	}
	if !p.tty {
		if p.logEvery > 0 && frame%p.logEvery == 0 {
			p.log.Debug("progress", "frame", frame, "total", p.total)
		}
		return
	}
	if p.total > 0 {
		fmt.Fprintf(p.w, "\r           Frame: %d / %d", frame, p.total)
	} else {
		fmt.Fprintf(p.w, "\r           Frame: %d", frame)
	}
	p.wrote = true
}

// Done terminates the progress line.
func (p *Progress) Done() {
	if p == nil || !p.wrote {
		return
	}
	fmt.Fprintln(p.w)
	p.wrote = false
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
