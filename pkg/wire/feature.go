package wire

import "strings"

// Feature name prefixes. A feature name is a dotted path whose first
// segment names the zone or subsystem, e.g. "main.power".
const (
	PrefixMain      = "main."
	PrefixZone2     = "zone2."
	PrefixZone3     = "zone3."
	PrefixAudio     = "audio."
	PrefixHDMI      = "hdmi."
	PrefixSystem    = "system."
	PrefixGUI       = "GUI."
	PrefixDistance  = "distance."
	PrefixLevel     = "level."
	PrefixSize      = "size."
	PrefixCrossover = "crossover."
	PrefixSpeaker   = "speaker."
	PrefixBass      = "bass."
	PrefixTreble    = "treble."
	PrefixNetwork   = "network."
	PrefixTuner     = "tuner."
)

// Prefixes lists every known feature prefix.
var Prefixes = []string{
	PrefixMain, PrefixZone2, PrefixZone3, PrefixAudio, PrefixHDMI,
	PrefixSystem, PrefixGUI, PrefixDistance, PrefixLevel, PrefixSize,
	PrefixCrossover, PrefixSpeaker, PrefixBass, PrefixTreble,
	PrefixNetwork, PrefixTuner,
}

// FeaturePower is queried to check that a receiver answers.
const FeaturePower = "main.power"

// FeatureZone returns the known prefix of a feature without the trailing
// dot ("main" for "main.power"), or "" if the prefix is unknown.
func FeatureZone(feature string) string {
	for _, p := range Prefixes {
		if strings.HasPrefix(feature, p) {
			return strings.TrimSuffix(p, ".")
		}
	}
	return ""
}

// IsKnownFeature returns true if feature starts with a known prefix and
// has a non-empty name after it.
func IsKnownFeature(feature string) bool {
	zone := FeatureZone(feature)
	return zone != "" && len(feature) > len(zone)+1
}
