package keys

import "regexp"

// Detection formats.
const (
	FormatPrefixed = "prefixed"
	FormatBare     = "bare"
)

// Detection is one candidate key found in free text.
type Detection struct {
	Format     string `json:"format"`
	Raw        string `json:"raw"`
	Normalized string `json:"normalized"`
}

var detectors = []struct {
	format  string
	pattern *regexp.Regexp
}{
	{FormatPrefixed, regexp.MustCompile(`0x[0-9a-fA-F]{64}`)},
	{FormatBare, regexp.MustCompile(`\b[0-9a-fA-F]{64}\b`)},
}

// DetectPrivateKeys scans text for hex private keys. Results follow pattern
// order, then position. Only candidates that are valid curve scalars are
// returned; the same key may appear once per format.
func DetectPrivateKeys(text string) []Detection {
	out := []Detection{}
	for _, d := range detectors {
		for _, match := range d.pattern.FindAllString(text, -1) {
			if !IsValidPrivateKey(match) {
				continue
			}
			out = append(out, Detection{Format: d.format, Raw: match, Normalized: NormalizeKey(match)})
		}
	}
	return out
}
