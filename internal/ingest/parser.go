// Package ingest turns instrument status files into queue messages.
//
// Each scan cycle lists the input directory, then processes the matching
// files with bounded parallelism. A file is parsed, validated, has the module
// state of every device rewritten and is published as one JSON message. Files
// are never moved or deleted here; one file's failure never affects another.
package ingest

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/casplaer/XMLProcessingSystem/internal/broker"
	"github.com/casplaer/XMLProcessingSystem/internal/model"
	"github.com/casplaer/XMLProcessingSystem/internal/retry"
	"github.com/casplaer/XMLProcessingSystem/internal/transform"
	"github.com/casplaer/XMLProcessingSystem/internal/validate"
)

var ErrMalformedFile = errors.New("malformed status file")

// ValidationError carries every validation message of a rejected file.
type ValidationError struct {
	File   string
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.File, strings.Join(e.Errors, "; "))
}

// Publisher delivers one message to the queue.
type Publisher interface {
	Publish(ctx context.Context, msg broker.Message) error
}

type Options struct {
	Dir         string
	Pattern     string
	Interval    time.Duration
	Parallelism int
	Policy      retry.Policy
}

// Summary counts the outcome of one scan cycle.
type Summary struct {
	Files     int
	Published int
	Invalid   int
	Failed    int
}

// fileStamp identifies one version of a file on disk.
type fileStamp struct {
	modTime time.Time
	size    int64
}

type Parser struct {
	opts        Options
	transformer *transform.Transformer
	publisher   Publisher
	deadLetters broker.DeadLetterSink
	logger      *slog.Logger

	mu       sync.Mutex
	rejected map[string]fileStamp // files whose current version was dead-lettered
}

// New builds a parser. deadLetters may be nil.
func New(opts Options, tr *transform.Transformer, pub Publisher, deadLetters broker.DeadLetterSink, logger *slog.Logger) *Parser {
	if opts.Pattern == "" {
		opts.Pattern = "*.xml"
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	return &Parser{
		opts:        opts,
		transformer: tr,
		publisher:   pub,
		deadLetters: deadLetters,
		logger:      logger.With("component", "file-parser"),
		rejected:    make(map[string]fileStamp),
	}
}

// Run scans the input directory until ctx is cancelled.
func (p *Parser) Run(ctx context.Context) error {
	p.logger.Info("file parser started", "dir", p.opts.Dir, "pattern", p.opts.Pattern, "parallelism", p.opts.Parallelism)
	for {
		if ctx.Err() != nil {
			p.logger.Info("file parser stopped")
			return nil
		}

		sum, err := p.ScanOnce(ctx)
		switch {
		case err != nil:
			p.logger.Error("listing input directory failed", "dir", p.opts.Dir, "err", err)
		case sum.Files == 0:
			p.logger.Debug("no files to process", "dir", p.opts.Dir)
		default:
			p.logger.Info("scan cycle finished",
				"files", sum.Files, "published", sum.Published, "invalid", sum.Invalid, "failed", sum.Failed)
		}

		select {
		case <-ctx.Done():
		case <-time.After(p.opts.Interval):
		}
	}
}

func (p *Parser) list() ([]string, error) {
	if _, err := os.Stat(p.opts.Dir); err != nil {
		return nil, err
	}
	files, err := filepath.Glob(filepath.Join(p.opts.Dir, p.opts.Pattern))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// ScanOnce processes every matching file once. The returned error is only
// set when the directory cannot be listed.
func (p *Parser) ScanOnce(ctx context.Context) (Summary, error) {
	files, err := p.list()
	if err != nil {
		return Summary{}, err
	}
	p.pruneRejected(files)

	var published, invalid, failed atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(p.opts.Parallelism)
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		path := path
		g.Go(func() error {
			err := p.ProcessFile(ctx, path)
			var vErr *ValidationError
			switch {
			case err == nil:
				published.Add(1)
			case errors.Is(err, ErrMalformedFile), errors.As(err, &vErr):
				invalid.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return Summary{
		Files:     len(files),
		Published: int(published.Load()),
		Invalid:   int(invalid.Load()),
		Failed:    int(failed.Load()),
	}, nil
}

// ProcessFile parses, validates, transforms and publishes one file.
func (p *Parser) ProcessFile(ctx context.Context, path string) error {
	log := p.logger.With("file", path)

	info, err := os.Stat(path)
	if err != nil {
		log.Error("stat failed", "err", err)
		return err
	}
	stamp := fileStamp{modTime: info.ModTime(), size: info.Size()}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Error("read failed", "err", err)
		return err
	}

	var env model.StatusEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrMalformedFile, path, err)
		log.Error("parse failed", "err", err)
		p.deadLetter(ctx, path, stamp, model.StageParse, err, data)
		return err
	}

	if res := validate.Envelope(&env); !res.IsValid() {
		err := &ValidationError{File: path, Errors: res.Errors}
		log.Error("validation failed", "package", env.PackageID, "errors", res.Message())
		p.deadLetter(ctx, path, stamp, model.StageValidate, err, data)
		return err
	}
	log = log.With("package", env.PackageID)

	for i := range env.Devices {
		dev := &env.Devices[i]
		id := dev.Identity(env.PackageID)
		prev, next, err := p.transformer.Transform(env.PackageID, dev)
		if err != nil {
			log.Warn("device skipped", "identity", id.String(), "err", err)
			continue
		}
		log.Debug("module state rewritten", "identity", id.String(), "from", prev, "to", next)
	}

	body, err := json.Marshal(&env)
	if err != nil {
		log.Error("serialize failed", "err", err)
		return err
	}

	msg := broker.Message{
		ID:      uuid.NewString(),
		Body:    body,
		Headers: map[string]any{"source-file": filepath.Base(path)},
	}

	policy := p.opts.Policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Warn("publish failed, retrying", "message_id", msg.ID, "attempt", attempt, "delay", delay, "err", err)
	}
	if err := retry.Do(ctx, policy, func(ctx context.Context) error {
		return p.publisher.Publish(ctx, msg)
	}); err != nil {
		log.Error("publish failed", "message_id", msg.ID, "err", err)
		return err
	}

	p.mu.Lock()
	delete(p.rejected, path)
	p.mu.Unlock()

	log.Info("published", "message_id", msg.ID, "devices", len(env.Devices))
	return nil
}

// deadLetter sends one dead letter per version of a file. Unchanged files
// found again by later scans are only logged.
func (p *Parser) deadLetter(ctx context.Context, path string, stamp fileStamp, stage string, cause error, data []byte) {
	if p.deadLetters == nil {
		return
	}
	p.mu.Lock()
	prev, seen := p.rejected[path]
	p.mu.Unlock()
	if seen && prev == stamp {
		p.logger.Debug("dead letter already sent for this file version", "file", path, "stage", stage)
		return
	}
	dl := model.DeadLetter{
		Error:      cause.Error(),
		Stage:      stage,
		Source:     path,
		Original:   string(data),
		ReceivedAt: time.Now().UTC(),
	}
	if err := p.deadLetters.SendDeadLetter(ctx, filepath.Base(path), dl); err != nil {
		p.logger.Error("dead letter write failed", "file", path, "err", err)
		return
	}
	p.mu.Lock()
	p.rejected[path] = stamp
	p.mu.Unlock()
}

// pruneRejected forgets files that are no longer in the input directory.
func (p *Parser) pruneRejected(files []string) {
	present := make(map[string]struct{}, len(files))
	for _, f := range files {
		present[f] = struct{}{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for path := range p.rejected {
		if _, ok := present[path]; !ok {
			delete(p.rejected, path)
		}
	}
}
