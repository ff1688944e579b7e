// Package splitter splits sessions recorded earlier, then stops the process.
package splitter

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/zachfi/streamcue/pkg/cuelog"
	"github.com/zachfi/streamcue/pkg/segment"
)

const module = "splitter"

type Segmenter interface {
	Run(ctx context.Context, dir string) (segment.Report, error)
}

type Splitter struct {
	services.Service

	cfg       *Config
	logger    *slog.Logger
	segmenter Segmenter
}

func New(cfg Config, segmenter Segmenter, logger *slog.Logger) (*Splitter, error) {
	if len(cfg.SessionDirs) == 0 {
		return nil, errors.New("no session dirs to split")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	s := &Splitter{
		cfg:       &cfg,
		logger:    logger.With("module", module),
		segmenter: segmenter,
	}
	s.Service = services.NewBasicService(nil, s.running, nil)

	return s, nil
}

func (s *Splitter) running(ctx context.Context) error {
	dirs, err := Sessions(s.cfg.SessionDirs...)
	if err != nil {
		return err
	}
	s.logger.Info("splitting sessions", "sessions", len(dirs), "workers", s.cfg.Workers)

	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, dir := range dirs {
		dir := dir
		g.Go(func() error {
			report, err := s.segmenter.Run(gctx, dir)
			if err != nil {
				failed.Add(1)
				s.logger.Error("failed to split session", "dir", dir, "err", err)
				return nil
			}
			s.logger.Info("session split", "dir", dir, "songs", report.Songs, "exported", report.Exported, "corrected", report.Corrected)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil
	}
	s.logger.Info("splitting finished", "sessions", len(dirs), "failed", failed.Load())

	return modules.ErrStopProcess
}

// Sessions expands paths into session directories: a path holding a cue log
// is a session, otherwise its immediate subdirectories holding one are.
func Sessions(paths ...string) ([]string, error) {
	var dirs []string
	for _, p := range paths {
		if isSession(p) {
			dirs = append(dirs, p)
			continue
		}

		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, errors.Wrap(err, "failed to list sessions")
		}

		var found []string
		for _, e := range entries {
			sub := filepath.Join(p, e.Name())
			if e.IsDir() && isSession(sub) {
				found = append(found, sub)
			}
		}
		sort.Strings(found)
		dirs = append(dirs, found...)
	}
	return dirs, nil
}

func isSession(dir string) bool {
	fi, err := os.Stat(filepath.Join(dir, cuelog.FileName))
	return err == nil && fi.Mode().IsRegular()
}
