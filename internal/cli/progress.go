package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/mvp-joe/cortexd/internal/indexer"
	"github.com/mvp-joe/cortexd/internal/storage"
)

// CLIProgressReporter implements indexer.ProgressReporter with a progress bar.
// Callbacks arrive from several file workers.
type CLIProgressReporter struct {
	out   io.Writer // summary lines
	bars  io.Writer // progress bar
	quiet bool

	mu        sync.Mutex
	fileBar   *progressbar.ProgressBar
	startTime time.Time
	files     int
	processed int
	units     int
	failures  []string
}

// NewCLIProgressReporter creates a reporter that draws on bars and prints a
// summary on out. A quiet reporter prints nothing.
func NewCLIProgressReporter(out, bars io.Writer, quiet bool) *CLIProgressReporter {
	return &CLIProgressReporter{
		out:       out,
		bars:      bars,
		quiet:     quiet,
		startTime: time.Now(),
	}
}

var _ indexer.ProgressReporter = (*CLIProgressReporter)(nil)

func (c *CLIProgressReporter) OnDiscoveryComplete(files, oversized int) {
	if c.quiet {
		return
	}
	if oversized > 0 {
		fmt.Fprintf(c.out, "Discovered %s files (%s over the size limit skipped)\n", formatNumber(files), formatNumber(oversized))
		return
	}
	fmt.Fprintf(c.out, "Discovered %s files\n", formatNumber(files))
}

func (c *CLIProgressReporter) OnFileProcessingStart(totalFiles int) {
	if c.quiet {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.files = totalFiles
	c.processed = 0
	c.fileBar = progressbar.NewOptions(totalFiles,
		progressbar.OptionSetWriter(c.bars),
		progressbar.OptionSetDescription("Indexing files"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("files/s"),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(c.bars)
		}),
	)
}

func (c *CLIProgressReporter) OnEmbeddingProgress(units int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.units += units
	if c.fileBar != nil {
		c.fileBar.Describe(fmt.Sprintf("Indexing files (%s units embedded)", formatNumber(c.units)))
	}
}

func (c *CLIProgressReporter) OnFileProcessed(path string, _ indexer.FileSync, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.processed++
	if err != nil {
		c.failures = append(c.failures, fmt.Sprintf("%s: %v", path, err))
	}
	if c.fileBar != nil {
		_ = c.fileBar.Add(1)
	}
}

func (c *CLIProgressReporter) OnComplete(task *storage.IndexingTask) {
	c.mu.Lock()
	if c.fileBar != nil {
		_ = c.fileBar.Finish()
		c.fileBar = nil
	}
	c.mu.Unlock()

	if c.quiet {
		return
	}
	printTaskSummary(c.out, task)
}

// Processed returns the number of files reported so far.
func (c *CLIProgressReporter) Processed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processed
}

// UnitsEmbedded returns the number of units embedded so far.
func (c *CLIProgressReporter) UnitsEmbedded() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.units
}

// Failures returns the per-file failures reported so far.
func (c *CLIProgressReporter) Failures() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.failures...)
}

// printTaskSummary prints the outcome of a finished task.
func printTaskSummary(out io.Writer, task *storage.IndexingTask) {
	r := task.Result
	fmt.Fprintln(out)
	switch {
	case task.Status == storage.TaskCompleted && r.HasErrors():
		fmt.Fprintf(out, "! Indexing completed with errors in %s\n", formatDuration(r.Duration))
	case task.Status == storage.TaskCompleted:
		fmt.Fprintf(out, "✓ Indexing complete in %s\n", formatDuration(r.Duration))
	default:
		fmt.Fprintf(out, "✗ Indexing %s: %s\n", task.Status, task.Error)
	}

	fmt.Fprintf(out, "  Files:  %s indexed, %s unchanged, %s failed, %s removed\n",
		formatNumber(r.FilesIndexed), formatNumber(r.FilesSkipped), formatNumber(r.FilesFailed), formatNumber(r.FilesDeleted))
	fmt.Fprintf(out, "  Units:  %s embedded, %s unchanged, %s failed, %s removed\n",
		formatNumber(r.UnitsEmbedded), formatNumber(r.UnitsUnchanged), formatNumber(r.UnitsFailed), formatNumber(r.UnitsDeleted))
	if r.EventsProcessed > 0 || r.EventsFailed > 0 {
		fmt.Fprintf(out, "  Events: %s processed, %s failed\n", formatNumber(r.EventsProcessed), formatNumber(r.EventsFailed))
	}
	for _, f := range r.Failures {
		fmt.Fprintf(out, "    - %s\n", f)
	}
}
