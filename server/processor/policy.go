package processor

import "github.com/san-kum/helmet-detect/server/models"

const DefaultThreshold = 0.3

type Kind int

const (
	KindHelmet Kind = iota
	KindNoHelmet
)

func (k Kind) String() string {
	if k == KindNoHelmet {
		return "No Helmet"
	}
	return "Helmet"
}

// Policy decides which raw detections count as helmet or no-helmet.
type Policy struct {
	HelmetClassID   int
	NoHelmetClassID int
	Threshold       float64
}

func DefaultPolicy() Policy {
	return Policy{
		HelmetClassID:   models.ClassHelmet,
		NoHelmetClassID: models.ClassNoHelmet,
		Threshold:       DefaultThreshold,
	}
}

type Classified struct {
	models.Detection
	Kind Kind
}

type Classification struct {
	HelmetCount   int
	NoHelmetCount int
	Violation     bool
	Kept          []Classified
}

// MaxNoHelmetConfidence is the strongest no-helmet score in the frame, 0 if none.
func (c Classification) MaxNoHelmetConfidence() float64 {
	var best float64
	for _, k := range c.Kept {
		if k.Kind == KindNoHelmet && k.Confidence > best {
			best = k.Confidence
		}
	}
	return best
}

// Classify keeps detections strictly above the threshold whose class is one of the two
// configured ids. Everything else is noise.
func (p Policy) Classify(detections []models.Detection) Classification {
	var c Classification
	for _, d := range detections {
		if d.Confidence <= p.Threshold {
			continue
		}
		switch d.ClassID {
		case p.NoHelmetClassID:
			c.NoHelmetCount++
			c.Kept = append(c.Kept, Classified{Detection: d, Kind: KindNoHelmet})
		case p.HelmetClassID:
			c.HelmetCount++
			c.Kept = append(c.Kept, Classified{Detection: d, Kind: KindHelmet})
		}
	}
	c.Violation = c.NoHelmetCount > 0
	return c
}
