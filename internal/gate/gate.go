// Package gate implements the geographic filter gates that admit or reject
// records at stage exits.
package gate

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/sells-group/prospect-cli/internal/identity"
	"github.com/sells-group/prospect-cli/internal/model"
)

// Field names read by the gates.
const (
	FieldHeadquarters  = "headquarters"
	FieldLocation      = "location"
	FieldLocationCity  = "location_city"
	FieldLocationState = "location_state"
)

// Region is the target geography.
type Region struct {
	Name       string   `mapstructure:"name" json:"name"`
	StateCodes []string `mapstructure:"state_codes" json:"state_codes"`
	Cities     []string `mapstructure:"cities" json:"cities"`
}

// DefaultRegion is Colorado with the cities that host most of its companies.
func DefaultRegion() Region {
	return Region{
		Name:       "Colorado",
		StateCodes: []string{"CO"},
		Cities: []string{
			"Denver", "Boulder", "Fort Collins", "Colorado Springs", "Aurora",
			"Golden", "Lakewood", "Louisville", "Broomfield", "Englewood",
			"Littleton", "Longmont", "Westminster", "Arvada", "Centennial",
			"Greenwood Village", "Lafayette", "Loveland", "Castle Rock", "Thornton",
		},
	}
}

// Verdict is the outcome of evaluating one record.
type Verdict struct {
	Admit  bool   `json:"admit"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Insufficient reports whether the record could not be evaluated at all.
func (v Verdict) Insufficient() bool {
	return !v.Admit && v.Reason == model.ReasonInsufficientData
}

// Mode selects how strictly a gate reads location fields.
type Mode string

const (
	// ModeLenient admits any field that mentions the region, its state code
	// or one of its cities.
	ModeLenient Mode = "lenient"
	// ModeStrict admits on the headquarters field matching the region, the
	// state field naming it, or the city field being a known city.
	ModeStrict Mode = "strict"
)

// Gate is a pure predicate over a record's location fields. A Gate holds no
// mutable state and can be shared across goroutines.
type Gate struct {
	mode   Mode
	region Region
	name   string
	codes  map[string]bool
	cities map[string]bool
}

// New builds a gate for the region.
func New(mode Mode, region Region) *Gate {
	if mode != ModeStrict {
		mode = ModeLenient
	}
	g := &Gate{
		mode:   mode,
		region: region,
		name:   fold(region.Name),
		codes:  make(map[string]bool, len(region.StateCodes)),
		cities: make(map[string]bool, len(region.Cities)),
	}

	for _, c := range region.StateCodes {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			g.codes[c] = true
		}
	}
	for _, c := range region.Cities {
		if k := fold(c); k != "" {
			g.cities[k] = true
		}
	}
	return g
}

// Lenient returns the gate applied at the end of extraction.
func Lenient(region Region) *Gate { return New(ModeLenient, region) }

// Strict returns the gate applied by the final filter.
func Strict(region Region) *Gate { return New(ModeStrict, region) }

// Mode returns the gate's mode.
func (g *Gate) Mode() Mode { return g.mode }

// Fields returns the record fields the gate reads.
func (g *Gate) Fields() []string {
	if g.mode == ModeStrict {
		return []string{FieldHeadquarters, FieldLocationState, FieldLocationCity}
	}
	return []string{FieldHeadquarters, FieldLocation, FieldLocationCity, FieldLocationState}
}

// Evaluate returns the verdict for a record. A nil record or one without any
// of the gate's fields is rejected as insufficient data.
func (g *Gate) Evaluate(rec *model.Record) Verdict {
	if rec == nil {
		return Verdict{Reason: model.ReasonInsufficientData}
	}

	values := make(map[string]string, 4)
	var seen []string
	for _, f := range g.Fields() {
		v := strings.TrimSpace(rec.Field(f))
		if absent(v) {
			continue
		}
		values[f] = v
		seen = append(seen, f+"="+v)
	}
	if len(values) == 0 {
		return Verdict{Reason: model.ReasonInsufficientData}
	}

	if f, ok := g.match(values); ok {
		return Verdict{Admit: true, Detail: f + "=" + values[f]}
	}
	return Verdict{Reason: model.ReasonNonTargetRegion, Detail: strings.Join(seen, "; ")}
}

// match returns the first field that places the record in the region.
func (g *Gate) match(values map[string]string) (string, bool) {
	if v, ok := values[FieldLocationState]; ok && g.stateMatches(v) {
		return FieldLocationState, true
	}
	if v, ok := values[FieldLocationCity]; ok && g.cities[fold(v)] {
		return FieldLocationCity, true
	}
	if v, ok := values[FieldHeadquarters]; ok && g.mentions(v) {
		return FieldHeadquarters, true
	}
	if g.mode == ModeStrict {
		return "", false
	}

	if v, ok := values[FieldLocation]; ok && g.mentions(v) {
		return FieldLocation, true
	}
	for _, f := range []string{FieldHeadquarters, FieldLocation} {
		if v, ok := values[f]; ok && g.mentionsCity(v) {
			return f, true
		}
	}
	return "", false
}

func (g *Gate) stateMatches(v string) bool {
	if g.codes[strings.ToUpper(v)] {
		return true
	}
	return g.name != "" && fold(v) == g.name
}

// mentions reports whether free text places the record in the region. An
// address ending in a state code decides by that code alone, so "Colorado
// City, TX" is not a mention. Otherwise the strict gate needs the region name
// as a whole address part ("Denver, Colorado 80202"); the lenient gate
// accepts it as a word anywhere ("Based in Colorado").
func (g *Gate) mentions(v string) bool {
	if code := g.trailingState(v); code != "" {
		return g.codes[code]
	}
	if g.name == "" {
		return false
	}
	if g.mode == ModeStrict {
		for _, part := range strings.Split(v, ",") {
			if stripZip(fold(part)) == g.name {
				return true
			}
		}
		return false
	}
	return strings.Contains(" "+words(v)+" ", " "+g.name+" ")
}

// mentionsCity reports whether a part of an address is a known city and the
// address does not end in another state's code.
func (g *Gate) mentionsCity(v string) bool {
	if code := g.trailingState(v); code != "" && !g.codes[code] {
		return false
	}
	for _, part := range strings.Split(v, ",") {
		if g.cities[fold(part)] {
			return true
		}
	}
	return false
}

// stateCodeRe finds two-letter codes closing an address part:
// "Denver, CO", "Denver, CO 80202", "Boulder CO", "Golden, CO, USA".
var stateCodeRe = regexp.MustCompile(`(?:,\s*|\s)([a-z]{2})(?:\s+\d{5}(?:-\d{4})?)?\s*(?:,|$)`)

// trailingState returns the last US state or region code in an address, or
// "" when there is none.
func (g *Gate) trailingState(v string) string {
	matches := stateCodeRe.FindAllStringSubmatch(strings.ToLower(v), -1)
	for i := len(matches) - 1; i >= 0; i-- {
		code := strings.ToUpper(matches[i][1])
		if usStates[code] || g.codes[code] {
			return code
		}
	}
	return ""
}

var usStates = func() map[string]bool {
	m := make(map[string]bool)
	for _, c := range strings.Fields(`AL AK AZ AR CA CO CT DE DC FL GA HI ID IL IN IA KS KY LA ME
		MD MA MI MN MS MO MT NE NV NH NJ NM NY NC ND OH OK OR PA RI SC SD TN TX UT VT VA WA WV WI WY`) {
		m[c] = true
	}
	return m
}()

// stripZip drops a trailing postal code from a folded address part.
func stripZip(s string) string {
	f := strings.Fields(s)
	for len(f) > 0 && strings.Trim(f[len(f)-1], "0123456789-") == "" {
		f = f[:len(f)-1]
	}
	return strings.Join(f, " ")
}

// words folds s and replaces punctuation with single spaces.
func words(s string) string {
	return strings.Join(strings.FieldsFunc(fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}

var placeholderValues = map[string]bool{
	"n/a": true, "na": true, "none": true, "null": true, "unknown": true,
	"not found": true, "not available": true, "not provided": true, "-": true,
}

func absent(v string) bool {
	return v == "" || placeholderValues[strings.ToLower(v)]
}

// fold lower-cases, strips accents and collapses whitespace.
func fold(s string) string {
	return strings.Join(strings.Fields(identity.FoldAccents(strings.ToLower(s))), " ")
}
