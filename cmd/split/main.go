package main

import (
	"flag"
	"log"

	"github.com/san-kum/helmet-detect/dataset"
	"go.uber.org/zap"
)

func main() {
	defaults := dataset.DefaultSplitConfig()

	images := flag.String("images", defaults.ImagesDir, "directory of images")
	labels := flag.String("labels", defaults.LabelsDir, "directory of YOLO label files")
	out := flag.String("out", defaults.OutputDir, "directory receiving train/ and val/")
	ratio := flag.Float64("ratio", defaults.TrainRatio, "fraction of images that go to train/")
	seed := flag.Int64("seed", -1, "shuffle seed; negative shuffles randomly")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	var seedp *uint64
	if *seed >= 0 {
		s := uint64(*seed)
		seedp = &s
	}

	splitter := dataset.NewSplitter(dataset.SplitConfig{
		ImagesDir:  *images,
		LabelsDir:  *labels,
		OutputDir:  *out,
		TrainRatio: *ratio,
	}, seedp, logger)

	stats, err := splitter.Split()
	if err != nil {
		logger.Fatal("Split failed", zap.Error(err))
	}

	logger.Info("Dataset split complete",
		zap.Int("train", stats.Train),
		zap.Int("val", stats.Val),
		zap.Int("missing_labels", stats.MissingLabels))
}
