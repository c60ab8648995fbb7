package ml

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/san-kum/helmet-detect/server/models"
)

var ErrDetectorUnavailable = errors.New("detector unavailable")

// Detector is the single boundary to the object-detection backend. Implementations
// must return a fresh slice on every call.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]models.Detection, error)
	// Labels returns the class-id to name mapping of the loaded model.
	Labels() map[int]string
	Close() error
}

var (
	helmetNames   = []string{"helmet", "with_helmet", "with-helmet", "hardhat"}
	noHelmetNames = []string{"head", "no_helmet", "no-helmet", "nohelmet", "without_helmet", "without-helmet", "no helmet"}
)

// ValidateLabels checks that the configured class ids name a helmet and a no-helmet
// class in the model's label map. A model trained with the ids swapped would
// otherwise invert every result.
func ValidateLabels(labels map[int]string, helmetID, noHelmetID int) error {
	if len(labels) == 0 {
		return fmt.Errorf("model label map is empty")
	}
	if helmetID == noHelmetID {
		return fmt.Errorf("helmet and no-helmet class ids must differ (both %d)", helmetID)
	}

	helmet, ok := labels[helmetID]
	if !ok {
		return fmt.Errorf("model has no class %d (expected helmet)", helmetID)
	}
	if !matchesAny(helmet, helmetNames) {
		return fmt.Errorf("class %d is %q, expected a helmet label", helmetID, helmet)
	}

	noHelmet, ok := labels[noHelmetID]
	if !ok {
		return fmt.Errorf("model has no class %d (expected no-helmet)", noHelmetID)
	}
	if !matchesAny(noHelmet, noHelmetNames) {
		return fmt.Errorf("class %d is %q, expected a no-helmet label", noHelmetID, noHelmet)
	}

	return nil
}

// ParseLabels turns "helmet,head" into {0: helmet, 1: head}.
func ParseLabels(names []string) map[int]string {
	labels := make(map[int]string, len(names))
	for i, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		labels[i] = name
	}
	return labels
}

func labelFor(labels map[int]string, classID int) string {
	if name, ok := labels[classID]; ok {
		return name
	}
	return fmt.Sprintf("%d", classID)
}

func matchesAny(name string, candidates []string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, c := range candidates {
		if name == c {
			return true
		}
	}
	return false
}
