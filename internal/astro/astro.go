// Package astro computes the deterministic western-astrology facts fed to
// the text-generation service. It performs no I/O; the same input always
// yields the same facts.
package astro

import (
	"fmt"
	"strings"

	"github.com/hoshiyomi-live/hoshiyomi/internal/reading"
)

// Facts is the computed astrological input for one reading.
type Facts struct {
	SunSign      string `json:"sun_sign"`
	Element      string `json:"element"`
	Modality     string `json:"modality"`
	RulingPlanet string `json:"ruling_planet"`
	Rising       string `json:"rising"`
}

type sign struct {
	name     string
	element  string
	modality string
	ruler    string
	// first day of the sign as month*100+day
	from int
}

// Tropical zodiac boundaries, entry i covers from signs[i].from up to the
// next entry. Capricorn wraps the year end.
var signs = []sign{
	{"Aries", "Fire", "Cardinal", "Mars", 321},
	{"Taurus", "Earth", "Fixed", "Venus", 420},
	{"Gemini", "Air", "Mutable", "Mercury", 521},
	{"Cancer", "Water", "Cardinal", "Moon", 622},
	{"Leo", "Fire", "Fixed", "Sun", 723},
	{"Virgo", "Earth", "Mutable", "Mercury", 823},
	{"Libra", "Air", "Cardinal", "Venus", 923},
	{"Scorpio", "Water", "Fixed", "Pluto", 1024},
	{"Sagittarius", "Fire", "Mutable", "Jupiter", 1123},
	{"Capricorn", "Earth", "Cardinal", "Saturn", 1222},
	{"Aquarius", "Air", "Fixed", "Uranus", 120},
	{"Pisces", "Water", "Mutable", "Neptune", 219},
}

// Compute derives the facts for a complete required-info document.
func Compute(info reading.RequiredInfo) (Facts, error) {
	birth, err := info.BirthDate()
	if err != nil {
		return Facts{}, err
	}
	clock, err := info.BirthClock()
	if err != nil {
		return Facts{}, err
	}

	idx := signIndex(int(birth.Month())*100 + birth.Day())
	s := signs[idx]

	// Whole-sign estimate: the ascendant advances one sign every two hours
	// from sunrise, taken as 06:00 local time.
	offset := ((clock.Hour() + 18) % 24) / 2
	rising := signs[(idx+offset)%len(signs)]

	return Facts{
		SunSign:      s.name,
		Element:      s.element,
		Modality:     s.modality,
		RulingPlanet: s.ruler,
		Rising:       rising.name,
	}, nil
}

func signIndex(monthDay int) int {
	// Capricorn spans the year boundary.
	if monthDay >= 1222 || monthDay < 120 {
		return 9
	}
	// Remaining signs ordered by start date within the year.
	order := []int{10, 11, 0, 1, 2, 3, 4, 5, 6, 7, 8}
	idx := order[0]
	for _, i := range order {
		if monthDay >= signs[i].from {
			idx = i
		}
	}
	return idx
}

// Summary renders the facts as a single prompt-friendly line.
func (f Facts) Summary() string {
	parts := []string{
		fmt.Sprintf("sun sign %s", f.SunSign),
		fmt.Sprintf("element %s", f.Element),
		fmt.Sprintf("modality %s", f.Modality),
		fmt.Sprintf("ruling planet %s", f.RulingPlanet),
		fmt.Sprintf("rising %s", f.Rising),
	}
	return strings.Join(parts, ", ")
}
