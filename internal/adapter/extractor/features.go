package extractor

import (
	"errors"
	"fmt"
	"math"

	"github.com/vibetune/audiosidecar/internal/domain"
)

// RawAnalysis is the child's per-file measurement set. Mood scalars are
// present only when the child ran its classifier models; their absence
// switches derivation to the heuristic path.
type RawAnalysis struct {
	Duration     float64 `json:"duration"`
	SilenceRatio float64 `json:"silenceRatio"`
	NonFinite    bool    `json:"nonFinite"`

	BPM          float64 `json:"bpm"`
	Key          string  `json:"key"`
	Scale        string  `json:"keyScale"`
	Energy       float64 `json:"energy"`
	Loudness     float64 `json:"loudness"`
	DynamicRange float64 `json:"dynamicRange"`
	Danceability float64 `json:"danceability"`

	// Low-level stats feeding the heuristics. Centroid is a fraction of
	// nyquist, flatness is in dB.
	SpectralCentroid float64 `json:"spectralCentroid"`
	SpectralFlatness float64 `json:"spectralFlatness"`
	ZeroCrossingRate float64 `json:"zeroCrossingRate"`

	MoodHappy      *float64 `json:"moodHappy,omitempty"`
	MoodSad        *float64 `json:"moodSad,omitempty"`
	MoodRelaxed    *float64 `json:"moodRelaxed,omitempty"`
	MoodAggressive *float64 `json:"moodAggressive,omitempty"`
	MoodParty      *float64 `json:"moodParty,omitempty"`
	Valence        *float64 `json:"valence,omitempty"`
	Arousal        *float64 `json:"arousal,omitempty"`
	DanceabilityML *float64 `json:"danceabilityMl,omitempty"`
}

const (
	minDuration     = 5.0
	maxSilenceRatio = 0.8
	maxMoodTags     = 12
)

// Validate rejects audio that would produce garbage features. The messages
// are stored verbatim on the track row.
func Validate(raw RawAnalysis) error {
	if raw.Duration < minDuration {
		return fmt.Errorf("Audio too short: %.1fs (minimum %.0fs)", raw.Duration, minDuration)
	}
	if raw.NonFinite {
		return errors.New("Audio contains NaN or Inf values (corrupted)")
	}
	if raw.SilenceRatio > maxSilenceRatio {
		return fmt.Errorf("Audio is %.0f%% silence (likely corrupted or blank)", raw.SilenceRatio*100)
	}
	return nil
}

// enhanced reports whether the child supplied the classifier outputs the
// derivation prefers over the heuristics.
func (r RawAnalysis) enhanced() bool {
	return r.MoodHappy != nil && r.MoodSad != nil && r.MoodRelaxed != nil && r.MoodAggressive != nil
}

// Derive turns raw measurements into the persisted feature set.
func Derive(raw RawAnalysis) domain.Features {
	f := domain.Features{
		BPM:          raw.BPM,
		Key:          raw.Key,
		Scale:        raw.Scale,
		Energy:       clamp01(raw.Energy),
		Danceability: clamp01(raw.Danceability),
	}
	if raw.enhanced() {
		f.ModeTag = "enhanced"
		f.MoodHappy = *raw.MoodHappy
		f.MoodSad = *raw.MoodSad
		f.MoodRelaxed = *raw.MoodRelaxed
		f.MoodAggress = *raw.MoodAggressive
		if raw.MoodParty != nil {
			f.MoodParty = *raw.MoodParty
		}
		if raw.DanceabilityML != nil {
			f.Danceability = clamp01(*raw.DanceabilityML)
		}
		if raw.Valence != nil {
			f.Valence = clamp01(*raw.Valence)
		}
		if raw.Arousal != nil {
			f.Arousal = clamp01(*raw.Arousal)
		}
	} else {
		f.ModeTag = "standard"
		f.Valence = estimateValence(raw)
		f.Arousal = estimateArousal(raw)
	}
	f.MoodTags = moodTags(f, raw)
	return f
}

// estimateValence weights key, tempo, brightness, and energy. Key is the
// strongest signal: major reads happy, minor reads sad.
func estimateValence(raw RawAnalysis) float64 {
	keyValence := 0.35
	if raw.Scale == "major" {
		keyValence = 0.65
	}
	bpmValence := 0.5
	switch {
	case raw.BPM >= 120:
		bpmValence = min(0.8, 0.5+(raw.BPM-120)/200)
	case raw.BPM > 0 && raw.BPM <= 80:
		bpmValence = max(0.2, 0.5-(80-raw.BPM)/100)
	}
	brightness := min(1.0, raw.SpectralCentroid*1.5)
	return round3(keyValence*0.4 + bpmValence*0.25 + brightness*0.2 + clamp01(raw.Energy)*0.15)
}

// estimateArousal weights tempo, energy, brightness, and compression. A small
// dynamic range reads as heavily compressed and therefore intense.
func estimateArousal(raw RawAnalysis) float64 {
	bpmArousal := 0.5
	if raw.BPM > 0 {
		bpmArousal = min(0.9, max(0.1, (raw.BPM-60)/140))
	}
	compression := max(0, min(1.0, 1-raw.DynamicRange/20))
	brightness := min(1.0, raw.SpectralCentroid*1.2)
	return round3(bpmArousal*0.35 + clamp01(raw.Energy)*0.35 + brightness*0.15 + compression*0.15)
}

// moodTags derives the tag list from the final feature set. Classifier
// scalars gate the high-confidence tags; the rest come from thresholds on
// valence, arousal, danceability, tempo, and key.
func moodTags(f domain.Features, raw RawAnalysis) []string {
	var tags []string
	add := func(ts ...string) { tags = append(tags, ts...) }
	has := func(t string) bool {
		for _, x := range tags {
			if x == t {
				return true
			}
		}
		return false
	}

	if raw.enhanced() {
		if f.MoodHappy >= 0.6 {
			add("happy", "uplifting")
		}
		if f.MoodSad >= 0.6 {
			add("sad", "melancholic")
		}
		if f.MoodRelaxed >= 0.6 {
			add("relaxed", "chill")
		}
		if f.MoodAggress >= 0.6 {
			add("aggressive", "intense")
		}
	}
	if f.Arousal >= 0.7 {
		add("energetic", "upbeat")
	} else if f.Arousal <= 0.3 {
		add("calm", "peaceful")
	}
	if !has("happy") && !has("sad") {
		if f.Valence >= 0.7 {
			add("happy", "uplifting")
		} else if f.Valence <= 0.3 {
			add("sad", "melancholic")
		}
	}
	if f.Danceability >= 0.7 {
		add("dance", "groovy")
	}
	if f.BPM >= 140 {
		add("fast")
	} else if f.BPM > 0 && f.BPM <= 80 {
		add("slow")
	}
	if f.Scale == "minor" && !has("happy") {
		add("moody")
	}
	if f.Arousal >= 0.7 && f.BPM >= 120 {
		add("workout")
	}
	if f.Arousal <= 0.4 && f.Valence <= 0.4 {
		add("atmospheric")
	}
	if f.Arousal <= 0.3 && f.BPM > 0 && f.BPM <= 90 && !has("chill") {
		add("chill")
	}
	if raw.enhanced() && f.MoodAggress >= 0.5 && f.BPM >= 120 && !has("intense") {
		add("intense")
	}

	out := tags[:0]
	seen := map[string]bool{}
	for _, t := range tags {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) == maxMoodTags {
			break
		}
	}
	return out
}

func clamp01(v float64) float64 { return max(0, min(1, v)) }

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
