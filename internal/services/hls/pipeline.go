package hls

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"mediastream/internal/domain"
	"mediastream/internal/metrics"
	"mediastream/internal/services/cache"
)

type Config struct {
	FFMPEGPath     string
	FFProbePath    string
	SegmentSeconds int
	// SourceWaitTimeout bounds how long a job waits for an in-flight cache
	// warm before downloading the source itself.
	SourceWaitTimeout time.Duration
}

// Manager runs the on-demand HLS transcode pipeline. One job per object id
// at a time; finished playlists live on disk under the cache's hls/
// workspace until the cache trimmer reclaims them.
type Manager struct {
	cfg    Config
	store  *cache.Store
	prober *Prober
	logger *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu   sync.Mutex
	jobs map[domain.ObjectID]*job

	// run is swapped out in tests; defaults to exec'ing ffmpeg.
	run func(ctx context.Context, bin string, args []string) error

	// OnJobDone, when set, is invoked after every pipeline attempt.
	OnJobDone func(id domain.ObjectID, err error)
}

type job struct {
	done chan struct{}
	err  error
}

func NewManager(cfg Config, store *cache.Store, logger *slog.Logger) *Manager {
	if cfg.FFMPEGPath == "" {
		cfg.FFMPEGPath = "ffmpeg"
	}
	if cfg.FFProbePath == "" {
		cfg.FFProbePath = "ffprobe"
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = 6
	}
	if cfg.SourceWaitTimeout <= 0 {
		cfg.SourceWaitTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		store:   store,
		prober:  NewProber(cfg.FFProbePath),
		logger:  logger,
		baseCtx: ctx,
		stop:    cancel,
		jobs:    make(map[domain.ObjectID]*job),
	}
	m.run = m.runFFmpeg
	return m
}

// Close cancels all running transcode jobs.
func (m *Manager) Close() {
	m.stop()
}

func (m *Manager) playlistPath(id domain.ObjectID) string {
	return filepath.Join(m.store.HLSDir(id), "index.m3u8")
}

func (m *Manager) masterPlaylistPath(id domain.ObjectID) string {
	return filepath.Join(m.store.HLSDir(id), "master.m3u8")
}

// Ready reports whether a playable playlist exists for the object.
func (m *Manager) Ready(id domain.ObjectID) bool {
	if _, err := os.Stat(m.masterPlaylistPath(id)); err == nil {
		return true
	}
	_, err := os.Stat(m.playlistPath(id))
	return err == nil
}

// URLFor returns the playback URL, preferring the multi-rendition master.
func (m *Manager) URLFor(id domain.ObjectID) string {
	if _, err := os.Stat(m.masterPlaylistPath(id)); err == nil {
		return fmt.Sprintf("/hls/%s/master.m3u8", id)
	}
	return fmt.Sprintf("/hls/%s/index.m3u8", id)
}

// Running reports whether a transcode job for the object is in flight.
func (m *Manager) Running(id domain.ObjectID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[id]
	return ok
}

// Available reports whether the transcoder binary can be found at all.
func (m *Manager) Available() bool {
	_, err := exec.LookPath(m.cfg.FFMPEGPath)
	return err == nil
}

// Ensure kicks off a transcode job for a video object unless a playlist
// already exists or a job is already running. Non-video objects and a
// missing ffmpeg short-circuit silently; a failed job leaves nothing
// behind, so the next playback request retries from scratch.
func (m *Manager) Ensure(obj domain.RemoteObject) {
	if !obj.IsVideo() {
		return
	}
	if !m.Available() {
		m.logger.Warn("ffmpeg not available, hls disabled")
		return
	}
	if m.Ready(obj.ID) {
		return
	}

	m.mu.Lock()
	if _, running := m.jobs[obj.ID]; running {
		m.mu.Unlock()
		return
	}
	j := &job{done: make(chan struct{})}
	m.jobs[obj.ID] = j
	m.mu.Unlock()

	metrics.HLSJobStartsTotal.Inc()
	metrics.HLSActiveJobs.Inc()
	go m.runJob(obj, j)
}

func (m *Manager) runJob(obj domain.RemoteObject, j *job) {
	started := time.Now()
	err := m.build(m.baseCtx, obj)

	m.mu.Lock()
	j.err = err
	delete(m.jobs, obj.ID)
	m.mu.Unlock()
	close(j.done)
	metrics.HLSActiveJobs.Dec()

	if err != nil {
		metrics.HLSJobFailuresTotal.Inc()
		m.logger.Error("hls job failed",
			slog.String("objectId", string(obj.ID)),
			slog.String("name", obj.Name),
			slog.String("error", err.Error()),
		)
	} else {
		metrics.HLSTranscodeDuration.Observe(time.Since(started).Seconds())
		m.logger.Info("hls job complete",
			slog.String("objectId", string(obj.ID)),
			slog.String("name", obj.Name),
			slog.Int64("durationMs", time.Since(started).Milliseconds()),
		)
	}
	if m.OnJobDone != nil {
		m.OnJobDone(obj.ID, err)
	}
}

func (m *Manager) build(ctx context.Context, obj domain.RemoteObject) error {
	dir := m.store.HLSDir(obj.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	source := filepath.Join(dir, "source")

	if _, err := os.Stat(source); err != nil {
		if err := m.acquireSource(ctx, obj, source); err != nil {
			return fmt.Errorf("acquire source: %w", err)
		}
	}
	if m.Ready(obj.ID) {
		return nil
	}

	hasAudio, err := m.prober.HasAudio(ctx, source)
	if err != nil {
		m.logger.Warn("audio probe failed, assuming no audio",
			slog.String("objectId", string(obj.ID)),
			slog.String("error", err.Error()),
		)
		hasAudio = false
	}

	if err := m.buildLadder(ctx, obj, dir, source, hasAudio); err == nil {
		metrics.HLSStrategyTotal.WithLabelValues("ladder", "ok").Inc()
		return nil
	} else {
		metrics.HLSStrategyTotal.WithLabelValues("ladder", "failed").Inc()
		m.logger.Warn("hls multi-rendition failed, falling back to stream copy",
			slog.String("objectId", string(obj.ID)),
			slog.String("error", err.Error()),
		)
	}

	if err := m.buildSingle(ctx, dir, source, false); err == nil {
		metrics.HLSStrategyTotal.WithLabelValues("copy", "ok").Inc()
		return nil
	} else {
		metrics.HLSStrategyTotal.WithLabelValues("copy", "failed").Inc()
		m.logger.Warn("hls stream copy failed, falling back to full transcode",
			slog.String("objectId", string(obj.ID)),
			slog.String("error", err.Error()),
		)
	}

	if err := m.buildSingle(ctx, dir, source, true); err != nil {
		metrics.HLSStrategyTotal.WithLabelValues("transcode", "failed").Inc()
		return err
	}
	metrics.HLSStrategyTotal.WithLabelValues("transcode", "ok").Inc()
	return nil
}

// acquireSource places a full copy of the object at dest: from the cache if
// complete, after a bounded wait for an in-flight warm, or by downloading
// directly. Direct downloads are linked back into the cache so the next
// job starts warm.
func (m *Manager) acquireSource(ctx context.Context, obj domain.RemoteObject, dest string) error {
	if m.store.Enabled() {
		if m.store.IsCached(obj.ID, obj.Size) {
			return m.store.LinkOrCopy(m.store.PathFor(obj.ID), dest)
		}
		m.store.WaitWarm(obj.ID, m.cfg.SourceWaitTimeout)
		if m.store.IsCached(obj.ID, obj.Size) {
			return m.store.LinkOrCopy(m.store.PathFor(obj.ID), dest)
		}
	}

	if err := m.store.DownloadTo(ctx, obj, dest); err != nil {
		return err
	}

	if m.store.Enabled() && !m.store.IsCached(obj.ID, obj.Size) {
		if err := m.store.LinkOrCopy(dest, m.store.PathFor(obj.ID)); err != nil {
			m.logger.Debug("cache backfill from hls source failed",
				slog.String("objectId", string(obj.ID)),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// buildLadder produces three scaled renditions behind a master playlist.
func (m *Manager) buildLadder(ctx context.Context, obj domain.RemoteObject, dir, source string, hasAudio bool) error {
	for _, sub := range []string{"v0", "v1", "v2"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return err
		}
	}

	filterComplex := "[0:v]split=3[v1][v2][v3];" +
		"[v1]scale=w=1920:h=1080:force_original_aspect_ratio=decrease[v1out];" +
		"[v2]scale=w=1280:h=720:force_original_aspect_ratio=decrease[v2out];" +
		"[v3]scale=w=854:h=480:force_original_aspect_ratio=decrease[v3out]"

	args := []string{
		"-y",
		"-i", source,
		"-filter_complex", filterComplex,
		"-map", "[v1out]",
		"-map", "[v2out]",
		"-map", "[v3out]",
	}
	if hasAudio {
		// One copy of the audio track per rendition.
		args = append(args, "-map", "0:a:0?", "-map", "0:a:0?", "-map", "0:a:0?")
	}
	args = append(args,
		"-c:v:0", "libx264", "-preset", "veryfast", "-b:v:0", "4500k", "-maxrate:v:0", "5000k", "-bufsize:v:0", "10000k",
		"-c:v:1", "libx264", "-preset", "veryfast", "-b:v:1", "2500k", "-maxrate:v:1", "3000k", "-bufsize:v:1", "6000k",
		"-c:v:2", "libx264", "-preset", "veryfast", "-b:v:2", "1200k", "-maxrate:v:2", "1500k", "-bufsize:v:2", "3000k",
	)
	varStreamMap := "v:0 v:1 v:2"
	if hasAudio {
		args = append(args, "-c:a", "aac", "-b:a", "128k")
		varStreamMap = "v:0,a:0 v:1,a:1 v:2,a:2"
	}
	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(m.cfg.SegmentSeconds),
		"-hls_list_size", "0",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", filepath.Join(dir, "v%v", "seg_%05d.ts"),
		"-master_pl_name", "master.m3u8",
		"-var_stream_map", varStreamMap,
		filepath.Join(dir, "v%v", "index.m3u8"),
	)

	if err := m.run(ctx, m.cfg.FFMPEGPath, args); err != nil {
		return err
	}
	if _, err := os.Stat(m.masterPlaylistPath(obj.ID)); err != nil {
		return errors.New("ffmpeg exited clean but master playlist missing")
	}
	return nil
}

// buildSingle produces one rendition: a stream copy when transcode is
// false (fast, fails on incompatible codecs), a full x264/aac transcode
// otherwise.
func (m *Manager) buildSingle(ctx context.Context, dir, source string, transcode bool) error {
	args := []string{"-y", "-i", source}
	if transcode {
		args = append(args, "-c:v", "libx264", "-preset", "veryfast", "-crf", "23", "-c:a", "aac")
	} else {
		args = append(args, "-c", "copy")
	}
	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(m.cfg.SegmentSeconds),
		"-hls_list_size", "0",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", filepath.Join(dir, "seg_%05d.ts"),
		filepath.Join(dir, "index.m3u8"),
	)
	if err := m.run(ctx, m.cfg.FFMPEGPath, args); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, "index.m3u8")); err != nil {
		return errors.New("ffmpeg exited clean but playlist missing")
	}
	return nil
}

func (m *Manager) runFFmpeg(ctx context.Context, bin string, args []string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, tail(stderr.String(), 300))
	}
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
