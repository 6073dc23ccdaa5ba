package corpus

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Sample pairs one utterance wav file with its normalized transcript.
type Sample struct {
	ID   string
	Path string
	Text string
}

// Layout describes where corpus files live under the data directory.
type Layout struct {
	ArchivePath  string
	RootDir      string
	MetadataPath string
	WavDir       string
}

// LayoutFor derives the on-disk layout for a corpus archive URL rooted at
// dataDir. The archive is assumed to unpack into a directory named after
// itself, which is the standard LJSpeech shape.
func LayoutFor(dataDir, corpusURL string) Layout {
	name := path.Base(corpusURL)
	stem := name
	for _, suffix := range []string{".tar.bz2", ".tar.gz", ".tgz"} {
		if strings.HasSuffix(stem, suffix) {
			stem = strings.TrimSuffix(stem, suffix)
			break
		}
	}

	root := filepath.Join(dataDir, stem)
	return Layout{
		ArchivePath:  filepath.Join(dataDir, name),
		RootDir:      root,
		MetadataPath: filepath.Join(root, "metadata.csv"),
		WavDir:       filepath.Join(root, "wavs"),
	}
}

// LoadMetadata parses the corpus index: one utterance per line in the form
// id|raw transcript|normalized transcript. Only the id and the normalized
// column are used. Malformed lines are skipped.
func LoadMetadata(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	defer f.Close()

	texts := make(map[string]string)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		parts := strings.Split(scanner.Text(), "|")
		if len(parts) < 3 {
			slog.Debug("skipping malformed metadata line", "line", line)
			continue
		}
		id := strings.TrimSpace(parts[0])
		norm := parts[2]
		if id == "" || norm == "" {
			slog.Debug("skipping empty metadata line", "line", line)
			continue
		}
		texts[id] = norm
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	return texts, nil
}

// BuildSamples pairs transcripts with their wav files under wavDir.
// Transcripts too long to vectorize within maxTargetLen are dropped.
// The result is ordered by utterance id.
func BuildSamples(wavDir string, texts map[string]string, maxTargetLen int) []Sample {
	ids := make([]string, 0, len(texts))
	for id := range texts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	samples := make([]Sample, 0, len(ids))
	dropped := 0
	for _, id := range ids {
		text := texts[id]
		if len([]rune(text)) >= maxTargetLen {
			dropped++
			continue
		}
		samples = append(samples, Sample{
			ID:   id,
			Path: filepath.Join(wavDir, id+".wav"),
			Text: text,
		})
	}
	if dropped > 0 {
		slog.Debug("dropped over-length transcripts", "count", dropped)
	}
	return samples
}

// Split divides samples into train and validation partitions, the leading
// trainFrac going to train. Order is preserved.
func Split(samples []Sample, trainFrac float64) (train, val []Sample) {
	n := int(float64(len(samples)) * trainFrac)
	if n < 0 {
		n = 0
	}
	if n > len(samples) {
		n = len(samples)
	}
	return samples[:n], samples[n:]
}
