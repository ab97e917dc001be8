package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ffprobe JSON output shapes, limited to the fields we read.
type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Duration  string `json:"duration"`
}

type probeFormat struct {
	Duration string `json:"duration"`
}

// Probe inspects a media file with ffprobe and returns a filled Asset.
// MIME is derived from the file extension, matching how the platform
// categorizes uploads.
func Probe(ctx context.Context, path string) (Asset, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Asset{}, fmt.Errorf("stat media file: %w", err)
	}

	out, err := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "stream=codec_type,codec_name,width,height,duration:format=duration",
		"-of", "json",
		path,
	).Output()
	if err != nil {
		return Asset{}, fmt.Errorf("run ffprobe: %w", err)
	}

	var probed probeOutput
	if err := json.Unmarshal(out, &probed); err != nil {
		return Asset{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	var video *probeStream
	for i := range probed.Streams {
		if probed.Streams[i].CodecType == "video" {
			video = &probed.Streams[i]
			break
		}
	}
	if video == nil {
		return Asset{}, fmt.Errorf("no video stream found in %s", path)
	}

	duration, _ := strconv.ParseFloat(video.Duration, 64)
	if duration == 0 {
		duration, _ = strconv.ParseFloat(probed.Format.Duration, 64)
	}

	checksum, err := fileChecksum(path)
	if err != nil {
		return Asset{}, err
	}

	return Asset{
		Path:            path,
		MIME:            MIMEForPath(path),
		SizeBytes:       info.Size(),
		DurationSeconds: duration,
		Width:           video.Width,
		Height:          video.Height,
		Codec:           video.CodecName,
		Checksum:        checksum,
	}, nil
}

// MIMEForPath maps a file extension to the platform media type.
func MIMEForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".mov":
		return "video/mp4"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	default:
		return ""
	}
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open media file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("checksum media file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
