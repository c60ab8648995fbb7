package processor

import (
	"image"
	"image/color"
	"testing"

	"github.com/san-kum/helmet-detect/server/models"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		detections    []models.Detection
		wantHelmet    int
		wantNoHelmet  int
		wantViolation bool
	}{
		{name: "empty", detections: nil},
		{
			name:          "single violation",
			detections:    []models.Detection{noHelmet(0.31)},
			wantNoHelmet:  1,
			wantViolation: true,
		},
		{
			name:       "threshold is exclusive",
			detections: []models.Detection{noHelmet(0.3), helmet(0.3)},
		},
		{
			name:       "helmets only",
			detections: []models.Detection{helmet(0.9), helmet(0.5)},
			wantHelmet: 2,
		},
		{
			name: "unknown class ignored",
			detections: []models.Detection{
				{Confidence: 0.99, ClassID: 7},
				noHelmet(0.8),
			},
			wantNoHelmet:  1,
			wantViolation: true,
		},
		{
			name:          "mixed",
			detections:    []models.Detection{helmet(0.6), noHelmet(0.9), noHelmet(0.1)},
			wantHelmet:    1,
			wantNoHelmet:  1,
			wantViolation: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultPolicy().Classify(tt.detections)
			assert.Equal(t, tt.wantHelmet, c.HelmetCount)
			assert.Equal(t, tt.wantNoHelmet, c.NoHelmetCount)
			assert.Equal(t, tt.wantViolation, c.Violation)
			assert.Len(t, c.Kept, tt.wantHelmet+tt.wantNoHelmet)
		})
	}
}

func TestClassify_CustomClassIDs(t *testing.T) {
	p := Policy{HelmetClassID: 1, NoHelmetClassID: 0, Threshold: 0.5}
	c := p.Classify([]models.Detection{{Confidence: 0.6, ClassID: 0}})

	assert.True(t, c.Violation)
	assert.Equal(t, KindNoHelmet, c.Kept[0].Kind)
}

func TestMaxNoHelmetConfidence(t *testing.T) {
	c := DefaultPolicy().Classify([]models.Detection{noHelmet(0.4), noHelmet(0.75), helmet(0.99)})
	assert.InDelta(t, 0.75, c.MaxNoHelmetConfidence(), 1e-9)
	assert.Zero(t, Classification{}.MaxNoHelmetConfidence())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "Helmet", KindHelmet.String())
	assert.Equal(t, "No Helmet", KindNoHelmet.String())
}

func TestAnnotate_DrawsBoxColours(t *testing.T) {
	src := grayImage(160, 120)
	c := DefaultPolicy().Classify([]models.Detection{noHelmet(0.9), helmet(0.9)})

	out := Annotate(src, c, false)

	assert.Equal(t, color.RGBA{255, 0, 0, 255}, out.RGBAAt(30, 89), "no-helmet bottom edge is red")
	assert.Equal(t, color.RGBA{0, 255, 0, 255}, out.RGBAAt(100, 69), "helmet bottom edge is green")
	assert.Equal(t, color.RGBA{128, 128, 128, 255}, out.RGBAAt(150, 110))
}

func TestAnnotate_CountPanel(t *testing.T) {
	out := Annotate(grayImage(320, 240), Classification{}, true)
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, out.RGBAAt(250, 75))
	assert.Equal(t, color.RGBA{128, 128, 128, 255}, out.RGBAAt(270, 75))
}

func TestAnnotate_ClipsBoxesOutsideFrame(t *testing.T) {
	c := DefaultPolicy().Classify([]models.Detection{{
		BBox: [4]float64{-20, -20, 500, 500}, Confidence: 0.9, ClassID: models.ClassNoHelmet,
	}})
	assert.NotPanics(t, func() { Annotate(grayImage(32, 32), c, true) })
}

func TestToRGBA_FlattensAlphaAndRebases(t *testing.T) {
	src := image.NewNRGBA(image.Rect(5, 5, 15, 15))
	out := ToRGBA(src)

	assert.Equal(t, image.Rect(0, 0, 10, 10), out.Bounds())
	assert.Equal(t, uint8(255), out.RGBAAt(0, 0).A)
}
