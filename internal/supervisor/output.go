package supervisor

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/smazurov/upscaler/internal/progress"
	"github.com/smazurov/upscaler/internal/waifu2x"
)

// tailBuffer keeps the last limit bytes of appended lines.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	lines []string
	size  int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(line) > b.limit {
		cut := len(line) - b.limit
		for cut < len(line) && !utf8.RuneStart(line[cut]) {
			cut++
		}
		line = line[cut:]
	}
	b.lines = append(b.lines, line)
	b.size += len(line) + 1
	for b.size > b.limit && len(b.lines) > 1 {
		b.size -= len(b.lines[0]) + 1
		b.lines = b.lines[1:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}

// jobOutput turns tool output into progress events and keeps everything else as diagnostic.
// HandleLine is called from both pipe readers concurrently.
type jobOutput struct {
	jobID      string
	notifier   progress.Notifier
	diagnostic *tailBuffer
	now        func() time.Time
}

func (o *jobOutput) HandleLine(_, line string) {
	if pct, token, ok := waifu2x.ParseProgress(line); ok {
		if o.notifier != nil {
			o.notifier.NotifyAll(progress.Event{
				JobID:      o.jobID,
				Percentage: pct,
				RawMessage: token,
				Timestamp:  o.now(),
			})
		}
		return
	}
	o.diagnostic.Append(line)
}
