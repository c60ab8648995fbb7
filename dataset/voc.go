// Package dataset holds the offline tools that turn Pascal-VOC annotations into a
// YOLO training set.
package dataset

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// DefaultClassMap maps VOC object names to YOLO class ids. "head" is a person
// without a helmet.
var DefaultClassMap = map[string]int{"helmet": 0, "head": 1}

type vocAnnotation struct {
	Filename string      `xml:"filename"`
	Size     vocSize     `xml:"size"`
	Objects  []vocObject `xml:"object"`
}

type vocSize struct {
	Width  int `xml:"width"`
	Height int `xml:"height"`
}

type vocObject struct {
	Name   string `xml:"name"`
	BndBox struct {
		XMin float64 `xml:"xmin"`
		YMin float64 `xml:"ymin"`
		XMax float64 `xml:"xmax"`
		YMax float64 `xml:"ymax"`
	} `xml:"bndbox"`
}

type ConvertConfig struct {
	AnnotationsDir string
	ImagesDir      string
	LabelsDir      string
	ClassMap       map[string]int
}

func DefaultConvertConfig() ConvertConfig {
	return ConvertConfig{
		AnnotationsDir: "datasets/annotations",
		ImagesDir:      "datasets/images",
		LabelsDir:      "datasets/labels",
		ClassMap:       DefaultClassMap,
	}
}

type ConvertStats struct {
	Files          int `json:"files"`
	Written        int `json:"written"`
	MissingImages  int `json:"missing_images"`
	Objects        int `json:"objects"`
	SkippedObjects int `json:"skipped_objects"`
}

type Converter struct {
	config ConvertConfig
	logger *zap.Logger
}

func NewConverter(config ConvertConfig, logger *zap.Logger) *Converter {
	if config.ClassMap == nil {
		config.ClassMap = DefaultClassMap
	}
	normalized := make(map[string]int, len(config.ClassMap))
	for name, id := range config.ClassMap {
		normalized[strings.ToLower(name)] = id
	}
	config.ClassMap = normalized

	return &Converter{config: config, logger: logger}
}

// Convert writes one <stem>.txt per annotation whose image exists. Files are
// handled in name order and rewritten in full, so reruns produce identical output.
func (c *Converter) Convert() (ConvertStats, error) {
	var stats ConvertStats

	entries, err := os.ReadDir(c.config.AnnotationsDir)
	if err != nil {
		return stats, fmt.Errorf("failed to read annotations: %w", err)
	}
	if err := os.MkdirAll(c.config.LabelsDir, 0o755); err != nil {
		return stats, fmt.Errorf("failed to create labels dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".xml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		stats.Files++

		ann, err := readAnnotation(filepath.Join(c.config.AnnotationsDir, name))
		if err != nil {
			return stats, fmt.Errorf("%s: %w", name, err)
		}

		imgPath := filepath.Join(c.config.ImagesDir, ann.Filename)
		if _, err := os.Stat(imgPath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				c.logger.Warn("Image not found, skipping", zap.String("annotation", name), zap.String("image", ann.Filename))
				stats.MissingImages++
				continue
			}
			return stats, err
		}

		lines, skipped, err := c.labelLines(ann)
		if err != nil {
			return stats, fmt.Errorf("%s: %w", name, err)
		}
		stats.Objects += len(lines)
		stats.SkippedObjects += skipped

		out := filepath.Join(c.config.LabelsDir, strings.TrimSuffix(name, filepath.Ext(name))+".txt")
		if err := os.WriteFile(out, []byte(strings.Join(lines, "")), 0o644); err != nil {
			return stats, fmt.Errorf("failed to write %s: %w", out, err)
		}
		stats.Written++
	}

	return stats, nil
}

func (c *Converter) labelLines(ann *vocAnnotation) ([]string, int, error) {
	w, h := float64(ann.Size.Width), float64(ann.Size.Height)
	if w <= 0 || h <= 0 {
		return nil, 0, fmt.Errorf("invalid image size %dx%d", ann.Size.Width, ann.Size.Height)
	}

	var lines []string
	skipped := 0
	for _, obj := range ann.Objects {
		id, ok := c.config.ClassMap[strings.ToLower(strings.TrimSpace(obj.Name))]
		if !ok {
			skipped++
			continue
		}
		b := obj.BndBox
		lines = append(lines, YOLOLine(id,
			(b.XMin+b.XMax)/2/w,
			(b.YMin+b.YMax)/2/h,
			(b.XMax-b.XMin)/w,
			(b.YMax-b.YMin)/h,
		))
	}
	return lines, skipped, nil
}

// YOLOLine formats "class x_center y_center width height\n" with the shortest
// exact decimal for each value.
func YOLOLine(classID int, xc, yc, w, h float64) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return fmt.Sprintf("%d %s %s %s %s\n", classID, f(xc), f(yc), f(w), f(h))
}

func readAnnotation(path string) (*vocAnnotation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ann vocAnnotation
	if err := xml.Unmarshal(data, &ann); err != nil {
		return nil, fmt.Errorf("invalid annotation: %w", err)
	}
	ann.Filename = strings.TrimSpace(ann.Filename)
	return &ann, nil
}
