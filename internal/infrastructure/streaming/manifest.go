package streaming

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"streamgate/internal/core/domain"

	"go.uber.org/zap"
)

// FileManifestStore writes HLS master manifests under a per-stream directory,
// next to the variant playlists the encoder produces. It implements
// ports.ManifestStore.
type FileManifestStore struct {
	root   string
	logger *zap.SugaredLogger
}

func NewFileManifestStore(root string, logger *zap.SugaredLogger) *FileManifestStore {
	return &FileManifestStore{root: root, logger: logger}
}

// WriteMaster renders the master playlist for the given variants, lowest rung
// first, and returns its path plus the per-variant playlist locations. The
// write is atomic so a player polling the manifest never sees a torn file.
func (s *FileManifestStore) WriteMaster(key domain.StreamKey, variants []domain.QualityVariant) (string, map[string]string, error) {
	if len(variants) == 0 {
		return "", nil, fmt.Errorf("master manifest needs at least one variant")
	}

	dir := filepath.Join(s.root, string(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create manifest dir: %w", err)
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	playlists := make(map[string]string, len(variants))
	for _, v := range variants {
		b.WriteString(fmt.Sprintf(
			"#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,FRAME-RATE=%d.000,CODECS=\"%s,mp4a.40.2\"\n",
			v.Bandwidth(), v.Width, v.Height, v.FrameRate, h264CodecString(v),
		))
		b.WriteString(v.Name + "/index.m3u8\n")
		playlists[v.Name] = filepath.Join(dir, v.Name, "index.m3u8")
	}

	master := filepath.Join(dir, "master.m3u8")
	tmp := master + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return "", nil, fmt.Errorf("write master manifest: %w", err)
	}
	if err := os.Rename(tmp, master); err != nil {
		return "", nil, fmt.Errorf("publish master manifest: %w", err)
	}

	s.logger.Debugw("master manifest written", "stream_key", key, "variants", len(variants), "path", master)
	return master, playlists, nil
}

// Remove deletes the stream's manifest directory including segments.
func (s *FileManifestStore) Remove(key domain.StreamKey) error {
	return os.RemoveAll(filepath.Join(s.root, string(key)))
}

// h264CodecString builds the RFC 6381 avc1 codec tag from the variant's
// profile and level: profile_idc+constraints, then level_idc, hex encoded.
func h264CodecString(v domain.QualityVariant) string {
	var profile string
	switch v.Profile {
	case "baseline":
		profile = "42e0"
	case "main":
		profile = "4d40"
	case "high":
		profile = "6400"
	default:
		profile = "4d40"
	}

	level, err := strconv.ParseFloat(v.Level, 64)
	if err != nil || level <= 0 {
		level = 3.1
	}
	return fmt.Sprintf("avc1.%s%02x", profile, int(level*10+0.5))
}
