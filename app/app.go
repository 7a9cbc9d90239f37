/*
	Timelinize
	Copyright (c) 2013 Matthew Holt

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package app wires the import pipeline together: it loads files into a
// session, clusters and uploads them, records the outcome in the ledger,
// and reports progress to the console and the optional progress server.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ringsaturn/tzf"
	"github.com/timelinize/photoimport/cluster"
	"github.com/timelinize/photoimport/importer"
	"github.com/timelinize/photoimport/ledger"
	"github.com/timelinize/photoimport/upload"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// App runs import commands with one configuration.
type App struct {
	cfg    *Config
	log    *zap.Logger
	feed   *feed
	server *server
	engine *cluster.Engine

	closeLog func() error
}

// New returns an app for cfg, starting the progress server if configured.
func New(cfg *Config) (*App, error) {
	cfg.fillDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.RLock()
	defer cfg.RUnlock()

	if cfg.LogLevel != "" {
		level, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		importer.SetConsoleLevel(level)
	}
	a := &App{cfg: cfg, feed: newFeed()}
	if cfg.LogFile != "" {
		a.closeLog = importer.EnableFileLog(importer.LogFileOptions{
			Filename:   cfg.LogFile,
			MaxSizeMB:  defaultLogFileSizeMB,
			MaxBackups: defaultLogFileBackups,
			Compress:   true,
		})
	}
	a.log = importer.Log.Named("app")

	engineOpts := cluster.Options{
		TimeWindow:      time.Duration(cfg.ClusterWindow),
		ProximityMeters: cfg.ClusterRadius,
	}
	if cfg.InferTimeZone {
		finder, err := tzf.NewDefaultFinder()
		if err != nil {
			return nil, fmt.Errorf("loading time zone data: %w", err)
		}
		engineOpts.TimeZones = finder
	}
	a.engine = cluster.New(engineOpts)

	if cfg.ProgressListen != "" {
		a.server = newServer(a.feed, a.log)
		if err := a.server.start(cfg.ProgressListen); err != nil {
			return nil, fmt.Errorf("starting progress server: %w", err)
		}
	}

	return a, nil
}

// Close stops the progress server and flushes logs.
func (a *App) Close() error {
	var errs []error
	if a.server != nil {
		errs = append(errs, a.server.stop())
	}
	if a.closeLog != nil {
		errs = append(errs, a.closeLog())
	} else {
		_ = a.log.Sync()
	}
	return errors.Join(errs...)
}

func (a *App) newSession() *importer.Session {
	a.cfg.RLock()
	defer a.cfg.RUnlock()
	return importer.NewSession(a.log, importer.SessionOptions{
		Workers:         a.cfg.Workers,
		CacheTTL:        time.Duration(a.cfg.CacheTTL),
		ExtractMetadata: a.cfg.ExtractMetadata,
	})
}

// process parses every item in sess, publishing progress on the feed.
func (a *App) process(ctx context.Context, sess *importer.Session) error {
	err := sess.Process(ctx, func(p importer.FileProgress) {
		a.feed.publish(Event{
			SessionID: sess.ID(),
			Phase:     PhaseScan,
			Scan:      &ScanProgress{Done: p.Done, Total: p.Total, File: p.Result.BufferID},
		})
	})
	if err != nil {
		return fmt.Errorf("processing files: %w", err)
	}
	return nil
}

// load reads the files at path into a new session and processes them.
func (a *App) load(ctx context.Context, path string) (*importer.Session, error) {
	bufs, err := importer.LoadFiles(ctx, path)
	if err != nil {
		return nil, err
	}
	sess := a.newSession()
	sess.Add(bufs...)
	if err := a.process(ctx, sess); err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}

// Scan reads and parses the photos at path.
func (a *App) Scan(ctx context.Context, path string) (ScanReport, error) {
	start := time.Now()
	sess, err := a.load(ctx, path)
	if err != nil {
		return ScanReport{}, err
	}
	defer sess.Close()

	report := newScanReport(path, sess.Items())
	report.Duration = time.Since(start)
	a.feed.publish(Event{SessionID: sess.ID(), Phase: PhaseDone})
	a.log.Info("scan finished",
		zap.String("source", path),
		zap.Int("photos", report.Total),
		zap.Int("located", report.Located),
		zap.Int("deferred", report.Deferred),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// Cluster reads the photos at path and groups them into clusters.
func (a *App) Cluster(ctx context.Context, path string) (ClusterReport, error) {
	sess, err := a.load(ctx, path)
	if err != nil {
		return ClusterReport{}, err
	}
	defer sess.Close()

	photos := sess.Photos()
	clusters := a.engine.Build(photos)
	a.feed.publish(Event{SessionID: sess.ID(), Phase: PhaseDone})
	a.log.Info("clustered photos",
		zap.String("source", path),
		zap.Int("photos", len(photos)),
		zap.Int("clusters", len(clusters)))

	return ClusterReport{Source: path, Photos: len(photos), Clusters: clusters}, nil
}

// Upload reads the photos at path and uploads those the destination does
// not already have, recording each outcome in the ledger.
func (a *App) Upload(ctx context.Context, path string) (UploadReport, error) {
	if err := a.cfg.requireDestination(); err != nil {
		return UploadReport{}, err
	}
	sess, err := a.load(ctx, path)
	if err != nil {
		return UploadReport{}, err
	}
	defer sess.Close()

	return a.upload(ctx, sess, sess.ID(), path)
}

// Retry uploads again the failed items of a recorded session, or of the
// most recent session if sessionID is empty.
func (a *App) Retry(ctx context.Context, sessionID string) (UploadReport, error) {
	if err := a.cfg.requireDestination(); err != nil {
		return UploadReport{}, err
	}
	led, err := a.openLedger(ctx)
	if err != nil {
		return UploadReport{}, err
	}

	var rec ledger.Session
	if sessionID == "" {
		rec, err = led.LatestSession(ctx)
	} else {
		rec, err = led.Session(ctx, sessionID)
	}
	if err != nil {
		led.Close()
		return UploadReport{}, err
	}
	failed, err := led.Failed(ctx, rec.ID)
	led.Close()
	if err != nil {
		return UploadReport{}, err
	}
	if len(failed) == 0 {
		a.log.Info("nothing to retry", zap.String("session_id", rec.ID))
		return UploadReport{SessionID: rec.ID, Source: rec.Source}, nil
	}

	paths := make([]string, 0, len(failed))
	ids := make(map[string]string, len(failed))
	for _, f := range failed {
		paths = append(paths, f.Path)
		ids[f.Path] = f.ItemID
	}
	bufs, err := importer.LoadPaths(ctx, rec.Source, paths)
	if err != nil {
		return UploadReport{}, err
	}
	for i := range bufs {
		bufs[i].ID = ids[bufs[i].Path]
	}

	sess := a.newSession()
	defer sess.Close()
	sess.Add(bufs...)
	if err := a.process(ctx, sess); err != nil {
		return UploadReport{}, err
	}

	a.log.Info("retrying failed uploads",
		zap.String("session_id", rec.ID),
		zap.Int("count", len(bufs)))

	return a.upload(ctx, sess, rec.ID, rec.Source)
}

func (a *App) openLedger(ctx context.Context) (*ledger.Ledger, error) {
	a.cfg.RLock()
	path := a.cfg.LedgerPath
	a.cfg.RUnlock()
	led, err := ledger.Open(ctx, path, a.log)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return led, nil
}

// upload sends the ready items of sess and records the results under
// ledgerID, which is sess.ID() except when retrying an older session.
func (a *App) upload(ctx context.Context, sess *importer.Session, ledgerID, source string) (UploadReport, error) {
	start := time.Now()

	led, err := a.openLedger(ctx)
	if err != nil {
		return UploadReport{}, err
	}
	defer led.Close()

	if err := led.BeginSession(ctx, ledgerID, source); err != nil {
		return UploadReport{}, err
	}
	if err := led.RecordItems(ctx, ledgerID, sess.Items()); err != nil {
		return UploadReport{}, err
	}

	dest, err := a.destination(ctx)
	if err != nil {
		return UploadReport{}, err
	}
	defer dest.close()

	a.cfg.RLock()
	maxConcurrent := a.cfg.MaxConcurrent
	a.cfg.RUnlock()

	queue := upload.NewQueue(dest.checker, dest.uploader, upload.Options{
		MaxConcurrent: maxConcurrent,
		Logger:        a.log.Named("upload").With(zap.String("session_id", ledgerID)),
		OnProgress: func(p upload.Progress) {
			a.feed.publish(Event{SessionID: ledgerID, Phase: PhaseUpload, Upload: &p})
		},
	})
	items := sess.UploadItems()
	if err := queue.Enqueue(items...); err != nil {
		return UploadReport{}, err
	}

	// a cancelled ctx still waits for the uploads in flight
	results, runErr := queue.Start(ctx)
	if runErr != nil && !errors.Is(runErr, upload.ErrCancelled) {
		return UploadReport{}, fmt.Errorf("uploading: %w", runErr)
	}

	sess.ApplyResults(results)

	// the ledger outlives the cancelled context
	recordCtx := context.WithoutCancel(ctx)
	if err := led.RecordResults(recordCtx, ledgerID, results); err != nil {
		return UploadReport{}, err
	}
	if err := led.EndSession(recordCtx, ledgerID); err != nil {
		return UploadReport{}, err
	}

	report := newUploadReport(ledgerID, source, sess.Items(), results)
	report.Cancelled = errors.Is(runErr, upload.ErrCancelled)
	report.Duration = time.Since(start)
	final := queue.Progress()
	a.feed.publish(Event{SessionID: ledgerID, Phase: PhaseDone, Upload: &final})

	a.log.Info("upload finished",
		zap.String("session_id", ledgerID),
		zap.Int("uploaded", report.Uploaded),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("failed", report.Failed),
		zap.Int("not_uploadable", report.Skipped),
		zap.Bool("cancelled", report.Cancelled),
		zap.Duration("duration", report.Duration))

	return report, nil
}

// destination is where photos are uploaded to.
type destination struct {
	checker  upload.DuplicateChecker
	uploader upload.Uploader
	close    func()
}

func (a *App) destination(ctx context.Context) (destination, error) {
	a.cfg.RLock()
	defer a.cfg.RUnlock()

	if a.cfg.Storage != nil {
		backend, err := upload.NewMinioBackend(*a.cfg.Storage, a.log)
		if err != nil {
			return destination{}, err
		}
		return destination{checker: backend, uploader: backend, close: func() {}}, nil
	}

	client, err := upload.NewHTTPClient(ctx, upload.HTTPConfig{
		BaseURL:     a.cfg.Server,
		AccessToken: a.cfg.AccessToken,
		Timeout:     time.Duration(a.cfg.RequestTimeout),
		RateLimit:   a.cfg.RateLimit,
	}, a.log)
	if err != nil {
		return destination{}, err
	}
	return destination{checker: client, uploader: client, close: client.Close}, nil
}

const (
	defaultLogFileSizeMB  = 50
	defaultLogFileBackups = 5
)
