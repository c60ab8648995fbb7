package dataset

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newSplitLayout(t *testing.T, images []string, labels []string) SplitConfig {
	t.Helper()
	root := t.TempDir()
	cfg := SplitConfig{
		ImagesDir:  filepath.Join(root, "images"),
		LabelsDir:  filepath.Join(root, "labels"),
		OutputDir:  filepath.Join(root, "out"),
		TrainRatio: DefaultTrainRatio,
	}
	require.NoError(t, os.MkdirAll(cfg.ImagesDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.LabelsDir, 0o755))
	for _, name := range images {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.ImagesDir, name), []byte(name), 0o644))
	}
	for _, name := range labels {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.LabelsDir, name), []byte("0 0.5 0.5 1 1\n"), 0o644))
	}
	return cfg
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func identity(int, func(i, j int)) {}

func TestSplit_EightyTwenty(t *testing.T) {
	var images, labels []string
	for _, stem := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		images = append(images, stem+".jpg")
		labels = append(labels, stem+".txt")
	}
	cfg := newSplitLayout(t, images, labels)

	s := NewSplitter(cfg, nil, zap.NewNop())
	s.shuffle = identity

	stats, err := s.Split()
	require.NoError(t, err)
	assert.Equal(t, SplitStats{Train: 8, Val: 2}, stats)

	assert.Equal(t, []string{"i.jpg", "j.jpg"}, listDir(t, filepath.Join(cfg.OutputDir, "val", "images")))
	assert.Equal(t, []string{"i.txt", "j.txt"}, listDir(t, filepath.Join(cfg.OutputDir, "val", "labels")))
	assert.Len(t, listDir(t, filepath.Join(cfg.OutputDir, "train", "images")), 8)
	assert.Len(t, listDir(t, filepath.Join(cfg.OutputDir, "train", "labels")), 8)
}

func TestSplit_OnlyImagesCopied(t *testing.T) {
	cfg := newSplitLayout(t,
		[]string{"a.JPG", "b.jpeg", "c.png", "notes.txt", "d.gif"},
		[]string{"a.txt", "b.txt", "c.txt"})

	s := NewSplitter(cfg, nil, zap.NewNop())
	s.shuffle = identity

	stats, err := s.Split()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Train+stats.Val)
	assert.Equal(t, []string{"a.JPG", "b.jpeg"}, listDir(t, filepath.Join(cfg.OutputDir, "train", "images")))
	assert.Equal(t, []string{"c.png"}, listDir(t, filepath.Join(cfg.OutputDir, "val", "images")))
}

func TestSplit_MissingLabelSkipped(t *testing.T) {
	cfg := newSplitLayout(t, []string{"a.jpg", "b.jpg"}, []string{"a.txt"})

	stats, err := NewSplitter(cfg, nil, zap.NewNop()).Split()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MissingLabels)
	assert.Equal(t, 1, stats.Train+stats.Val)
}

func TestSplit_SeedIsReproducible(t *testing.T) {
	var images, labels []string
	for i := 0; i < 20; i++ {
		stem := string(rune('a' + i))
		images = append(images, stem+".png")
		labels = append(labels, stem+".txt")
	}

	seed := uint64(42)
	run := func() []string {
		cfg := newSplitLayout(t, images, labels)
		_, err := NewSplitter(cfg, &seed, zap.NewNop()).Split()
		require.NoError(t, err)
		return listDir(t, filepath.Join(cfg.OutputDir, "val", "images"))
	}

	first := run()
	assert.Len(t, first, 4)
	assert.Equal(t, first, run())
}

func TestSplit_CopiesContent(t *testing.T) {
	cfg := newSplitLayout(t, []string{"a.jpg"}, []string{"a.txt"})
	cfg.TrainRatio = 1

	_, err := NewSplitter(cfg, nil, zap.NewNop()).Split()
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(cfg.OutputDir, "train", "images", "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "a.jpg", string(data))
}
