package dataset

import (
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const DefaultTrainRatio = 0.8

var imageExts = map[string]struct{}{".jpg": {}, ".jpeg": {}, ".png": {}}

type SplitConfig struct {
	ImagesDir  string
	LabelsDir  string
	OutputDir  string
	TrainRatio float64
}

func DefaultSplitConfig() SplitConfig {
	return SplitConfig{
		ImagesDir:  "datasets/images",
		LabelsDir:  "datasets/labels",
		OutputDir:  "datasets",
		TrainRatio: DefaultTrainRatio,
	}
}

type SplitStats struct {
	Train         int `json:"train"`
	Val           int `json:"val"`
	MissingLabels int `json:"missing_labels"`
}

// Splitter copies image/label pairs into <out>/{train,val}/{images,labels}.
type Splitter struct {
	config  SplitConfig
	shuffle func(n int, swap func(i, j int))
	logger  *zap.Logger
}

// NewSplitter shuffles with a random seed unless seed is non-nil.
func NewSplitter(config SplitConfig, seed *uint64, logger *zap.Logger) *Splitter {
	if config.TrainRatio <= 0 || config.TrainRatio > 1 {
		config.TrainRatio = DefaultTrainRatio
	}
	s := &Splitter{config: config, shuffle: rand.Shuffle, logger: logger}
	if seed != nil {
		r := rand.New(rand.NewPCG(*seed, *seed))
		s.shuffle = r.Shuffle
	}
	return s
}

func (s *Splitter) Split() (SplitStats, error) {
	var stats SplitStats

	entries, err := os.ReadDir(s.config.ImagesDir)
	if err != nil {
		return stats, fmt.Errorf("failed to read images: %w", err)
	}

	var images []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := imageExts[strings.ToLower(filepath.Ext(e.Name()))]; ok {
			images = append(images, e.Name())
		}
	}
	sort.Strings(images)
	s.shuffle(len(images), func(i, j int) { images[i], images[j] = images[j], images[i] })

	for _, set := range []string{"train", "val"} {
		for _, kind := range []string{"images", "labels"} {
			if err := os.MkdirAll(filepath.Join(s.config.OutputDir, set, kind), 0o755); err != nil {
				return stats, err
			}
		}
	}

	trainCount := int(float64(len(images)) * s.config.TrainRatio)
	for i, name := range images {
		set := "val"
		if i < trainCount {
			set = "train"
		}

		label := strings.TrimSuffix(name, filepath.Ext(name)) + ".txt"
		labelSrc := filepath.Join(s.config.LabelsDir, label)
		if _, err := os.Stat(labelSrc); err != nil {
			s.logger.Warn("Label not found, skipping", zap.String("image", name), zap.Error(err))
			stats.MissingLabels++
			continue
		}

		if err := copyFile(filepath.Join(s.config.ImagesDir, name), filepath.Join(s.config.OutputDir, set, "images", name)); err != nil {
			return stats, err
		}
		if err := copyFile(labelSrc, filepath.Join(s.config.OutputDir, set, "labels", label)); err != nil {
			return stats, err
		}

		if set == "train" {
			stats.Train++
		} else {
			stats.Val++
		}
	}

	return stats, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
