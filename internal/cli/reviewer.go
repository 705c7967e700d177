package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/Veraticus/restock/internal/ingest"
	"github.com/Veraticus/restock/internal/model"
)

// ErrReviewQuit is returned when the user ends a review session early.
var ErrReviewQuit = errors.New("review stopped by user")

// ReviewStats counts decisions taken in one session.
type ReviewStats struct {
	Duration time.Duration
	Total    int
	Accepted int
	Edited   int
	Rejected int
	Skipped  int
}

// Reviewer walks the user through queued lines one at a time.
type Reviewer struct {
	startTime   time.Time
	writer      io.Writer
	reader      *LineReader
	progressBar *progressbar.ProgressBar
	stats       ReviewStats
	statsMutex  sync.Mutex
}

// NewReviewer creates a reviewer reading answers from reader.
func NewReviewer(reader io.Reader, writer io.Writer) *Reviewer {
	if reader == nil {
		reader = os.Stdin
	}
	if writer == nil {
		writer = os.Stdout
	}
	return &Reviewer{
		reader:    NewLineReader(reader),
		writer:    writer,
		startTime: time.Now(),
	}
}

// SetTotal sizes the progress bar for a session of total lines.
func (r *Reviewer) SetTotal(total int) {
	r.stats.Total = total
	r.progressBar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(r.writer),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("[cyan][bold]Reviewing lines...[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// Prompt shows one queued line and asks for a decision.
func (r *Reviewer) Prompt(ctx context.Context, item model.ParsedItem) (ingest.Resolution, error) {
	if _, err := fmt.Fprintln(r.writer, RenderBox(fmt.Sprintf("Line %d", item.LineNumber), formatParsedItem(item))); err != nil {
		return ingest.Resolution{}, fmt.Errorf("failed to write line details: %w", err)
	}

	options := "  [A] Accept as extracted\n" +
		"  [E] Edit fields, then accept\n" +
		"  [R] Reject this line\n" +
		"  [S] Skip this line\n" +
		"  [Q] Quit review\n"
	if _, err := fmt.Fprint(r.writer, FormatPrompt("Options:")+"\n"+options); err != nil {
		return ingest.Resolution{}, fmt.Errorf("failed to write options: %w", err)
	}

	choice, err := r.promptChoice(ctx, "Choice", []string{"a", "e", "r", "s", "q"})
	if err != nil {
		return ingest.Resolution{}, err
	}

	switch choice {
	case "a":
		return ingest.Resolution{Decision: model.DecisionAccept}, nil
	case "e":
		edits, err := r.promptEdits(ctx, item)
		if err != nil {
			return ingest.Resolution{}, err
		}
		return ingest.Resolution{Decision: model.DecisionEdit, Edits: edits}, nil
	case "r":
		return ingest.Resolution{Decision: model.DecisionReject}, nil
	case "s":
		return ingest.Resolution{Decision: model.DecisionSkip}, nil
	default:
		return ingest.Resolution{}, ErrReviewQuit
	}
}

// Record counts a decision that was applied and advances the progress bar.
func (r *Reviewer) Record(decision model.ReviewDecision) {
	r.statsMutex.Lock()
	switch decision {
	case model.DecisionAccept:
		r.stats.Accepted++
	case model.DecisionEdit:
		r.stats.Edited++
	case model.DecisionReject:
		r.stats.Rejected++
	case model.DecisionSkip:
		r.stats.Skipped++
	}
	r.statsMutex.Unlock()

	if r.progressBar != nil {
		if err := r.progressBar.Add(1); err != nil {
			slog.Warn("Failed to update progress bar", "error", err)
		}
	}
}

// Stats returns the decisions taken so far.
func (r *Reviewer) Stats() ReviewStats {
	r.statsMutex.Lock()
	defer r.statsMutex.Unlock()
	stats := r.stats
	stats.Duration = time.Since(r.startTime)
	return stats
}

// ShowCompletion prints the session summary.
func (r *Reviewer) ShowCompletion() {
	if r.progressBar != nil {
		if err := r.progressBar.Finish(); err != nil {
			slog.Warn("Failed to finish progress bar", "error", err)
		}
		if _, err := fmt.Fprintln(r.writer); err != nil {
			slog.Warn("Failed to write newline", "error", err)
		}
	}

	stats := r.Stats()
	summary := fmt.Sprintf("%s Statistics:\n", ChartIcon) +
		fmt.Sprintf("  • Lines queued: %d\n", stats.Total) +
		fmt.Sprintf("  • Accepted: %d\n", stats.Accepted) +
		fmt.Sprintf("  • Edited: %d\n", stats.Edited) +
		fmt.Sprintf("  • Rejected: %d\n", stats.Rejected) +
		fmt.Sprintf("  • Skipped: %d\n", stats.Skipped) +
		fmt.Sprintf("  • Time taken: %s\n", stats.Duration.Round(time.Second))

	if _, err := fmt.Fprintln(r.writer, RenderBox("Review Complete", summary)); err != nil {
		slog.Warn("Failed to write completion box", "error", err)
	}
}

func formatParsedItem(item model.ParsedItem) string {
	var b strings.Builder
	if item.RawText != "" {
		fmt.Fprintf(&b, "  Raw: %q\n", item.RawText)
	}
	fmt.Fprintf(&b, "  Confidence: %.0f%%\n", item.Confidence*100)
	if item.Reason != nil {
		fmt.Fprintf(&b, "  Reason: %s\n", item.Reason.Code)
	}

	if f := item.Extracted; f != nil {
		fmt.Fprintf(&b, "%s Extracted:\n", InfoIcon)
		writeField(&b, "Name", f.Name)
		writeField(&b, "Brand", f.Brand)
		writeField(&b, "Category", f.Category)
		if f.Quantity > 0 {
			writeField(&b, "Quantity", strings.TrimSpace(formatAmount(f.Quantity)+" "+f.Unit))
		}
		if f.Price > 0 {
			writeField(&b, "Price", fmt.Sprintf("$%.2f", f.Price))
		}
		if f.PurchaseDate != nil {
			writeField(&b, "Date", f.PurchaseDate.Format("Jan 2, 2006"))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeField(b *strings.Builder, label, value string) {
	if value == "" {
		value = SubtleStyle.Render("(missing)")
	}
	fmt.Fprintf(b, "  %s: %s\n", label, value)
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (r *Reviewer) promptChoice(ctx context.Context, prompt string, validChoices []string) (string, error) {
	for {
		if _, err := fmt.Fprint(r.writer, FormatPrompt(prompt)); err != nil {
			return "", fmt.Errorf("failed to write prompt: %w", err)
		}

		input, err := r.reader.ReadLine(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", fmt.Errorf("input terminated")
			}
			return "", err
		}

		choice := strings.ToLower(input)
		for _, valid := range validChoices {
			if choice == valid {
				return choice, nil
			}
		}

		if _, err := fmt.Fprintln(r.writer, FormatError("Invalid choice. Please try again.")); err != nil {
			slog.Warn("Failed to write error message", "error", err)
		}
	}
}

// promptEdits asks for each editable field. An empty answer keeps the
// extracted value.
func (r *Reviewer) promptEdits(ctx context.Context, item model.ParsedItem) (*model.ExtractedFields, error) {
	current := model.ExtractedFields{}
	if item.Extracted != nil {
		current = *item.Extracted
	}
	edits := &model.ExtractedFields{}

	text := []struct {
		target *string
		label  string
		value  string
	}{
		{&edits.Name, "Name", current.Name},
		{&edits.Brand, "Brand", current.Brand},
		{&edits.Category, "Category", current.Category},
		{&edits.Unit, "Unit", current.Unit},
	}
	for _, f := range text {
		answer, err := r.ask(ctx, f.label, f.value)
		if err != nil {
			return nil, err
		}
		*f.target = answer
	}

	numbers := []struct {
		target *float64
		label  string
		value  float64
	}{
		{&edits.Quantity, "Quantity", current.Quantity},
		{&edits.Price, "Price", current.Price},
	}
	for _, f := range numbers {
		for {
			answer, err := r.ask(ctx, f.label, formatAmount(f.value))
			if err != nil {
				return nil, err
			}
			if answer == "" {
				break
			}
			v, err := strconv.ParseFloat(answer, 64)
			if err == nil && v > 0 {
				*f.target = v
				break
			}
			if _, err := fmt.Fprintln(r.writer, FormatError(f.label+" must be a positive number.")); err != nil {
				slog.Warn("Failed to write error message", "error", err)
			}
		}
	}

	if current.Name == "" && edits.Name == "" {
		return nil, fmt.Errorf("a name is required to accept this line")
	}
	return edits, nil
}

func (r *Reviewer) ask(ctx context.Context, label, current string) (string, error) {
	prompt := label
	if current != "" && current != "0" {
		prompt += " [" + current + "]"
	}
	if _, err := fmt.Fprint(r.writer, FormatPrompt(prompt)); err != nil {
		return "", fmt.Errorf("failed to write prompt: %w", err)
	}
	return r.reader.ReadLine(ctx)
}
