package memory

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SamplesExport is the root JSON structure
type SamplesExport struct {
	StartedAt time.Time       `json:"startedAt"`
	EndedAt   time.Time       `json:"endedAt"`
	Channels  []ChannelExport `json:"channels"`
}

// ChannelExport holds one channel's series. Points are
// [unixMillis, len, sent, received, senders].
type ChannelExport struct {
	Name    string     `json:"name"`
	Kind    string     `json:"kind"`
	Cap     int        `json:"cap"`
	MaxLen  int        `json:"maxLen"`
	Samples int        `json:"samples"`
	Points  [][]uint64 `json:"points"`
}

// exportJSON writes the samples to a JSON file, gzipped if configured
func (b *Backend) exportJSON() error {
	export := b.buildExport(time.Now())

	timestamp := b.startedAt.Format("20060102_150405")
	var filename string
	if b.cfg.CompressOutput {
		filename = fmt.Sprintf("samples_%s.json.gz", timestamp)
	} else {
		filename = fmt.Sprintf("samples_%s.json", timestamp)
	}

	outputPath := filepath.Join(b.cfg.OutputDir, filename)

	if err := os.MkdirAll(b.cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if b.cfg.CompressOutput {
		if err := writeGzipJSON(outputPath, export); err != nil {
			return err
		}
	} else {
		if err := writeJSON(outputPath, export); err != nil {
			return err
		}
	}

	b.lastExportPath = outputPath
	return nil
}

func (b *Backend) buildExport(end time.Time) SamplesExport {
	export := SamplesExport{
		StartedAt: b.startedAt,
		EndedAt:   end,
		Channels:  make([]ChannelExport, 0, len(b.order)),
	}

	for _, name := range b.order {
		rec := b.channels[name]
		ch := ChannelExport{
			Name:    rec.Name,
			Kind:    rec.Kind,
			Samples: len(rec.Samples),
			Points:  make([][]uint64, 0, len(rec.Samples)),
		}
		for _, s := range rec.Samples {
			if s.Cap > ch.Cap {
				ch.Cap = s.Cap
			}
			if s.Len > ch.MaxLen {
				ch.MaxLen = s.Len
			}
			ch.Points = append(ch.Points, []uint64{
				uint64(s.Time.UnixMilli()),
				uint64(s.Len),
				s.Sent,
				s.Received,
				uint64(max(s.Senders, 0)),
			})
		}
		export.Channels = append(export.Channels, ch)
	}

	return export
}

func writeJSON(path string, data SamplesExport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	return encoder.Encode(data)
}

func writeGzipJSON(path string, data SamplesExport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	gzWriter := gzip.NewWriter(f)
	defer gzWriter.Close()

	encoder := json.NewEncoder(gzWriter)
	return encoder.Encode(data)
}
