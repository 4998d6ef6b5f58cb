package hls

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

const probeTimeout = 30 * time.Second

// Prober answers stream-layout questions via ffprobe.
type Prober struct {
	binary string
}

func NewProber(binary string) *Prober {
	bin := strings.TrimSpace(binary)
	if bin == "" {
		bin = "ffprobe"
	}
	return &Prober{binary: bin}
}

// HasAudio reports whether the file carries at least one audio stream.
// The multi-rendition transcode maps the audio track per rendition only
// when one exists; mapping a missing stream fails the whole job.
func (p *Prober) HasAudio(ctx context.Context, path string) (bool, error) {
	if strings.TrimSpace(path) == "" {
		return false, errors.New("file path is required")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, probeTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "error",
		"-select_streams", "a",
		"-show_entries", "stream=index",
		"-of", "csv=p=0",
		path,
	)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return false, err
	}
	return strings.TrimSpace(stdout.String()) != "", nil
}
