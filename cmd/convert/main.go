package main

import (
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/san-kum/helmet-detect/dataset"
	"go.uber.org/zap"
)

func main() {
	defaults := dataset.DefaultConvertConfig()

	annotations := flag.String("annotations", defaults.AnnotationsDir, "directory of Pascal-VOC XML files")
	images := flag.String("images", defaults.ImagesDir, "directory of the referenced images")
	labels := flag.String("labels", defaults.LabelsDir, "output directory for YOLO label files")
	classes := flag.String("classes", "helmet=0,head=1", "comma separated name=id class map")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	classMap, err := parseClassMap(*classes)
	if err != nil {
		logger.Fatal("Invalid class map", zap.Error(err))
	}

	conv := dataset.NewConverter(dataset.ConvertConfig{
		AnnotationsDir: *annotations,
		ImagesDir:      *images,
		LabelsDir:      *labels,
		ClassMap:       classMap,
	}, logger)

	stats, err := conv.Convert()
	if err != nil {
		logger.Fatal("Conversion failed", zap.Error(err))
	}

	logger.Info("Conversion complete",
		zap.String("labels", *labels),
		zap.Int("written", stats.Written),
		zap.Int("missing_images", stats.MissingImages),
		zap.Int("objects", stats.Objects),
		zap.Int("skipped_objects", stats.SkippedObjects))
}

func parseClassMap(s string) (map[string]int, error) {
	out := make(map[string]int)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, id, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("expected name=id, got %q", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(id))
		if err != nil {
			return nil, fmt.Errorf("class %q: %w", name, err)
		}
		out[strings.TrimSpace(name)] = n
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("class map is empty")
	}
	return out, nil
}
