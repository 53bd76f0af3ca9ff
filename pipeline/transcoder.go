package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"

	"go.uber.org/zap"

	"github.com/einoworld/chunk-service/models"
)

// TierSpec fixes the encode parameters and output naming for one adaptive
// rendition. The playlist name is load-bearing: the storage watcher maps
// appearing files back to tiers by it.
type TierSpec struct {
	Tier       models.Tier
	Height     int
	Width      int
	Bitrate    string
	CRF        int
	Bandwidth  int
	Playlist   string
	AudioKbps  int
}

var TierSpecs = []TierSpec{
	{Tier: models.Tier360p, Height: 360, Width: 640, Bitrate: "1M", CRF: 40, Bandwidth: 413696, Playlist: "output_360p.m3u8", AudioKbps: 96},
	{Tier: models.Tier480p, Height: 480, Width: 854, Bitrate: "2M", CRF: 30, Bandwidth: 964608, Playlist: "output_480p.m3u8", AudioKbps: 128},
	{Tier: models.Tier720p, Height: 720, Width: 1280, Bitrate: "4M", CRF: 25, Bandwidth: 2424832, Playlist: "output_720p.m3u8", AudioKbps: 160},
	{Tier: models.Tier1080p, Height: 1080, Width: 1920, Bitrate: "8M", CRF: 20, Bandwidth: 4521984, Playlist: "output_1080p.m3u8", AudioKbps: 192},
}

// SpecForTier returns the fixed spec for a tier.
func SpecForTier(tier models.Tier) (TierSpec, bool) {
	for _, spec := range TierSpecs {
		if spec.Tier == tier {
			return spec, true
		}
	}
	return TierSpec{}, false
}

// Transcoder is the boundary to the external transcoding tool. Inputs are
// locators (signed URLs or local paths); outputs are local paths.
type Transcoder interface {
	ExtractFrame(ctx context.Context, input, outputPath string) error
	NormalizeMP4(ctx context.Context, input, outputPath string) error
	SegmentHLS(ctx context.Context, input string, spec TierSpec, playlistPath string) error
	SegmentDASH(ctx context.Context, input, manifestPath string) error
	ToMP3(ctx context.Context, input, outputPath string) error
}

// FFmpeg runs the ffmpeg binary with the pipeline's fixed argument
// contracts.
type FFmpeg struct {
	log *zap.SugaredLogger
}

func NewFFmpeg(log *zap.SugaredLogger) *FFmpeg {
	return &FFmpeg{log: log}
}

func (f *FFmpeg) ExtractFrame(ctx context.Context, input, outputPath string) error {
	return f.run(ctx,
		"-y",
		"-i", input,
		"-ss", "00:00:00",
		"-frames:v", "1",
		outputPath,
	)
}

func (f *FFmpeg) NormalizeMP4(ctx context.Context, input, outputPath string) error {
	return f.run(ctx,
		"-y",
		"-i", input,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-crf", "20",
		"-movflags", "faststart",
		outputPath,
	)
}

func (f *FFmpeg) SegmentHLS(ctx context.Context, input string, spec TierSpec, playlistPath string) error {
	return f.run(ctx,
		"-y",
		"-i", input,
		"-vf", fmt.Sprintf("scale=-2:%d", spec.Height),
		"-profile:v", "baseline",
		"-level", "5.2",
		"-b:v", spec.Bitrate,
		"-crf", fmt.Sprintf("%d", spec.CRF),
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", spec.AudioKbps),
		"-start_number", "0",
		"-hls_time", "2",
		"-hls_list_size", "0",
		"-f", "hls",
		playlistPath,
	)
}

func (f *FFmpeg) SegmentDASH(ctx context.Context, input, manifestPath string) error {
	return f.run(ctx,
		"-y",
		"-i", input,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-use_timeline", "1",
		"-use_template", "1",
		"-f", "dash",
		manifestPath,
	)
}

func (f *FFmpeg) ToMP3(ctx context.Context, input, outputPath string) error {
	return f.run(ctx,
		"-y",
		"-i", input,
		"-vn",
		"-ar", "44100",
		"-ac", "2",
		"-b:a", "192k",
		outputPath,
	)
}

func (f *FFmpeg) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe error: %w", err)
	}
	go f.monitorProgress(stderr)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg execution error: %w", err)
	}
	return nil
}

var progressRegex = regexp.MustCompile(`time=(\d+:\d+:\d+\.\d+)`)

func (f *FFmpeg) monitorProgress(stderr io.ReadCloser) {
	defer stderr.Close()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if matches := progressRegex.FindStringSubmatch(scanner.Text()); len(matches) > 1 {
			f.log.Debugw("ffmpeg progress", "time", matches[1])
		}
	}
}
