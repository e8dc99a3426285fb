// Package batch runs a list of independent generation jobs, optionally on
// several workers at once.
package batch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/unicode/norm"

	"github.com/manash/jimeng/internal/generate"
	"github.com/manash/jimeng/internal/image"
	"github.com/manash/jimeng/internal/provider"
	"github.com/manash/jimeng/internal/security"
)

// Generator is the part of generate.Service the batch runner drives.
type Generator interface {
	GenerateImages(ctx context.Context, sess provider.Session, req generate.ImageRequest) (*generate.Result, error)
	GenerateComposition(ctx context.Context, sess provider.Session, req generate.CompositionRequest) (*generate.Result, error)
}

// ArtifactRecorder notes where a downloaded artifact was written.
type ArtifactRecorder interface {
	SetArtifactPath(ctx context.Context, submitID string, index int, path string) error
}

type Result struct {
	Index     int
	Prompt    string
	HistoryID string
	URLs      []string
	Paths     []string
	Bytes     int64
	Error     error
	Duration  time.Duration
}

type Options struct {
	Session      provider.Session
	DefaultModel string
	DefaultTier  string
	DefaultRatio string
	// Download saves artifacts under the saver's directory; otherwise only
	// URLs are reported.
	Download    bool
	Parallel    int
	StopOnError bool
	Delay       time.Duration
}

type Processor struct {
	gen       Generator
	saver     *image.Saver
	artifacts ArtifactRecorder
	out       io.Writer
	err       io.Writer
	outMu     sync.Mutex
}

func NewProcessor(gen Generator, saver *image.Saver, artifacts ArtifactRecorder, out, errOut io.Writer) *Processor {
	return &Processor{
		gen:       gen,
		saver:     saver,
		artifacts: artifacts,
		out:       out,
		err:       errOut,
	}
}

func (p *Processor) printf(format string, args ...any) {
	p.outMu.Lock()
	fmt.Fprintf(p.out, format, args...)
	p.outMu.Unlock()
}

func (p *Processor) errorf(format string, args ...any) {
	p.outMu.Lock()
	fmt.Fprintf(p.err, format, args...)
	p.outMu.Unlock()
}

func (p *Processor) Process(ctx context.Context, items []Item, opts *Options) ([]Result, error) {
	if opts.Parallel <= 1 {
		return p.processSequential(ctx, items, opts)
	}
	return p.processParallel(ctx, items, opts)
}

func (p *Processor) processSequential(ctx context.Context, items []Item, opts *Options) ([]Result, error) {
	results := make([]Result, len(items))
	total := len(items)

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result := p.processItem(ctx, item, opts, i+1, total)
		results[i] = result

		if result.Error != nil && opts.StopOnError {
			return results, fmt.Errorf("stopped at item %d: %w", i+1, result.Error)
		}

		if opts.Delay > 0 && i < len(items)-1 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(opts.Delay):
			}
		}
	}

	return results, nil
}

func (p *Processor) processParallel(ctx context.Context, items []Item, opts *Options) ([]Result, error) {
	results := make([]Result, len(items))
	total := len(items)

	type job struct {
		index int
		item  Item
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan job)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	workers := min(opts.Parallel, len(items))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				result := p.processItem(ctx, j.item, opts, j.index+1, total)

				mu.Lock()
				results[j.index] = result
				if result.Error != nil && opts.StopOnError && firstErr == nil {
					firstErr = result.Error
					cancel()
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for i, item := range items {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- job{index: i, item: item}:
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return results, fmt.Errorf("batch stopped due to error: %w", firstErr)
	}
	return results, nil
}

func (p *Processor) processItem(ctx context.Context, item Item, opts *Options, current, total int) Result {
	start := time.Now()
	result := Result{
		Index:  item.Index,
		Prompt: item.Prompt,
	}
	fail := func(err error) Result {
		result.Error = err
		result.Duration = time.Since(start)
		p.errorf("       Error: %v\n", err)
		return result
	}

	p.printf("[%d/%d] Generating: %q...\n", current, total, truncate(item.Prompt, 50))

	req := generate.ImageRequest{
		Model:            firstNonEmpty(item.Model, opts.DefaultModel),
		Prompt:           item.Prompt,
		NegativePrompt:   item.NegativePrompt,
		Tier:             firstNonEmpty(item.Tier, opts.DefaultTier),
		Ratio:            firstNonEmpty(item.Ratio, opts.DefaultRatio),
		SampleStrength:   item.SampleStrength,
		IntelligentRatio: item.IntelligentRatio,
	}

	var (
		res *generate.Result
		err error
	)
	if len(item.Images) > 0 {
		sources, serr := ImageSources(item.Images)
		if serr != nil {
			return fail(serr)
		}
		res, err = p.gen.GenerateComposition(ctx, opts.Session, generate.CompositionRequest{ImageRequest: req, Images: sources})
	} else {
		res, err = p.gen.GenerateImages(ctx, opts.Session, req)
	}
	if err != nil {
		return fail(fmt.Errorf("generation failed: %w", err))
	}
	result.HistoryID = res.Handle.HistoryID
	result.URLs = res.URLs

	if !opts.Download || p.saver == nil {
		result.Duration = time.Since(start)
		for _, u := range res.URLs {
			p.printf("       %s\n", u)
		}
		return result
	}

	saved, err := p.saver.SaveAll(ctx, res.URLs, generateFilename(item.Index, item.Prompt))
	for i, s := range saved {
		result.Paths = append(result.Paths, s.Path)
		result.Bytes += s.Bytes
		if p.artifacts != nil {
			if aerr := p.artifacts.SetArtifactPath(ctx, res.Handle.SubmitID, i, s.Path); aerr != nil {
				p.errorf("       Warning: failed to record %s: %v\n", s.Path, aerr)
			}
		}
	}
	if err != nil {
		return fail(fmt.Errorf("save failed: %w", err))
	}

	result.Duration = time.Since(start)
	p.printf("       Saved %d file(s), %s, first: %s\n", len(result.Paths), humanize.Bytes(uint64(result.Bytes)), firstOr(result.Paths, "-"))
	return result
}

// ImageSources turns composition inputs into upload sources: http(s) URLs
// are passed through, anything else is read as a local file.
func ImageSources(refs []string) ([]provider.ImageSource, error) {
	sources := make([]provider.ImageSource, 0, len(refs))
	for _, ref := range refs {
		if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
			sources = append(sources, provider.ImageSource{URL: ref})
			continue
		}
		data, err := os.ReadFile(ref)
		if err != nil {
			return nil, fmt.Errorf("failed to read source image: %w", err)
		}
		sources = append(sources, provider.ImageSource{
			Data:     data,
			Filename: security.SanitizeFilename(filepath.Base(ref)),
		})
	}
	return sources, nil
}

func generateFilename(index int, prompt string) string {
	return fmt.Sprintf("%03d-%s", index, sanitizePrompt(prompt))
}

var unsafeChars = regexp.MustCompile(`[^\p{L}\p{N}\s-]`)

// sanitizePrompt turns a prompt into a filename stem. Letters of any script
// are kept since most prompts here are not ASCII; full-width forms are
// folded to their ASCII equivalents first.
func sanitizePrompt(prompt string) string {
	sanitized := unsafeChars.ReplaceAllString(norm.NFKC.String(prompt), "")
	sanitized = strings.ToLower(sanitized)
	sanitized = strings.Join(strings.Fields(sanitized), "-")
	sanitized = strings.TrimLeft(sanitized, "-")

	if r := []rune(sanitized); len(r) > 40 {
		sanitized = string(r[:40])
	}
	sanitized = strings.TrimSuffix(sanitized, "-")

	if sanitized == "" {
		sanitized = "image"
	}
	if security.IsReservedName(sanitized) {
		sanitized = sanitized + "-img"
	}
	return sanitized
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstOr(s []string, fallback string) string {
	if len(s) == 0 {
		return fallback
	}
	return s[0]
}

func (p *Processor) PrintSummary(results []Result) {
	var successful, failed, images int
	var bytes int64
	var elapsed time.Duration
	var errs []Result

	for _, r := range results {
		elapsed += r.Duration
		if r.Error != nil {
			failed++
			errs = append(errs, r)
			continue
		}
		if r.Prompt == "" && r.Index == 0 {
			// never started
			continue
		}
		successful++
		images += len(r.URLs)
		bytes += r.Bytes
	}

	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, "Summary:")
	fmt.Fprintf(p.out, "  Successful: %d/%d jobs, %d image(s)\n", successful, len(results), images)
	if failed > 0 {
		fmt.Fprintf(p.out, "  Failed: %d (see errors below)\n", failed)
	}
	if bytes > 0 {
		fmt.Fprintf(p.out, "  Downloaded: %s\n", humanize.Bytes(uint64(bytes)))
	}
	fmt.Fprintf(p.out, "  Job time: %s\n", elapsed.Round(time.Second))

	if len(errs) > 0 {
		fmt.Fprintln(p.out)
		fmt.Fprintln(p.out, "Errors:")
		for _, e := range errs {
			fmt.Fprintf(p.out, "  [%d] %q: %v\n", e.Index, truncate(e.Prompt, 40), e.Error)
		}
	}
}
