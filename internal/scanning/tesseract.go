package scanning

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Runner lets tests stub external commands
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	if err != nil {
		slog.Error("Command failed",
			"cmd", name,
			"args", strings.Join(args, " "),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
			"stderr", truncate(errb.String(), 8<<10),
		)
	} else {
		slog.Debug("Command finished",
			"cmd", name,
			"duration_ms", time.Since(start).Milliseconds(),
			"stdout_bytes", out.Len(),
		)
	}
	return out.Bytes(), errb.Bytes(), err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// TesseractConfig configures the local OCR engine
type TesseractConfig struct {
	Binary    string        // defaults to "tesseract"
	Languages string        // tesseract -l value, defaults to "chi_tra+eng"
	PSM       int           // page segmentation mode, 0 leaves tesseract's default
	Timeout   time.Duration // per invocation
}

// Tesseract reads receipts with the tesseract command line tool
type Tesseract struct {
	cfg    TesseractConfig
	runner Runner
}

// NewTesseract creates a Tesseract tier that shells out to the real binary
func NewTesseract(cfg TesseractConfig) *Tesseract {
	return NewTesseractWithRunner(cfg, execRunner{})
}

// NewTesseractWithRunner creates a Tesseract tier with a custom runner for testing
func NewTesseractWithRunner(cfg TesseractConfig, runner Runner) *Tesseract {
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if cfg.Languages == "" {
		cfg.Languages = "chi_tra+eng"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Tesseract{cfg: cfg, runner: runner}
}

// Available reports whether the tesseract binary can be found on PATH.
func (t *Tesseract) Available() bool {
	_, err := exec.LookPath(t.cfg.Binary)
	return err == nil
}

func (t *Tesseract) Name() string { return "tesseract" }

// Recognize writes the image to a temporary file and runs tesseract once in
// TSV mode. The text is rebuilt from the word rows.
func (t *Tesseract) Recognize(ctx context.Context, pngData []byte) (*Recognition, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	f, err := os.CreateTemp("", "receipt-*.png")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(pngData); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing temp file: %w", err)
	}

	tsv, errb, err := t.runner.Run(ctx, t.cfg.Binary, t.args(f.Name())...)
	if err != nil {
		return nil, fmt.Errorf("tesseract: %w: %s", err, truncate(string(errb), 512))
	}

	page := parseTSV(string(tsv))
	if page.words == 0 {
		return nil, errNoText
	}

	return &Recognition{
		Text:       page.text,
		Confidence: page.confidence,
		Source:     SourceEngine,
	}, nil
}

func (t *Tesseract) args(path string) []string {
	// preserve_interword_spaces stops tesseract from putting a space
	// between every CJK character.
	args := []string{path, "stdout", "-l", t.cfg.Languages, "-c", "preserve_interword_spaces=1"}
	if t.cfg.PSM > 0 {
		args = append(args, "--psm", strconv.Itoa(t.cfg.PSM))
	}
	return append(args, "tsv")
}

type tsvPage struct {
	text       string
	confidence float64 // mean word confidence in 0..1
	words      int     // words with a usable confidence
}

// parseTSV rebuilds the page text from tesseract TSV word rows, one output
// line per block/paragraph/line, and averages the word confidences.
//
// Columns: level page_num block_num par_num line_num word_num left top width
// height conf text
func parseTSV(tsv string) tsvPage {
	var (
		page  tsvPage
		sum   float64
		lines []string
		cur   strings.Builder
		key   string
	)
	flush := func() {
		if cur.Len() > 0 {
			lines = append(lines, cur.String())
			cur.Reset()
		}
	}
	for i, ln := range strings.Split(tsv, "\n") {
		if i == 0 || ln == "" {
			continue
		}
		cols := strings.Split(strings.TrimRight(ln, "\r"), "\t")
		if len(cols) < 12 || cols[0] != "5" {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}
		if k := strings.Join(cols[1:5], "/"); k != key {
			flush()
			key = k
		}
		if cur.Len() > 0 && !joinsTight(cur.String(), word) {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)

		conf, err := strconv.ParseFloat(strings.TrimSpace(cols[10]), 64)
		if err != nil || conf < 0 {
			continue
		}
		sum += conf
		page.words++
	}
	flush()

	page.text = strings.Join(lines, "\n")
	if page.words > 0 {
		page.confidence = sum / float64(page.words) / 100
	}
	return page
}

// joinsTight reports whether two adjacent words meet at a Han character, in
// which case tesseract's word split is not a real space.
func joinsTight(prev, next string) bool {
	last, _ := utf8.DecodeLastRuneInString(prev)
	first, _ := utf8.DecodeRuneInString(next)
	return unicode.Is(unicode.Han, last) || unicode.Is(unicode.Han, first)
}

func (t *Tesseract) Close() error { return nil }
