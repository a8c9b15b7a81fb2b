package topic

import "golang.org/x/text/language"

// Theme is the window colour scheme.
type Theme string

const (
	ThemeDark   Theme = "dark"
	ThemeLight  Theme = "light"
	ThemeSystem Theme = "system"
)

func (t Theme) valid() bool {
	switch t {
	case ThemeDark, ThemeLight, ThemeSystem:
		return true
	}
	return false
}

const (
	minFontScale = 0.5
	maxFontScale = 2.0
)

// UIPreferences is the ui-preferences payload.
type UIPreferences struct {
	Theme        Theme   `json:"theme"`
	Locale       string  `json:"locale"`
	FontScale    float64 `json:"fontScale"`
	ReduceMotion bool    `json:"reduceMotion"`
}

func (UIPreferences) Topic() Name { return UIPreferencesTopic }
func (UIPreferences) isPayload()  {}

// UIPreferencesPatch is a partial ui-preferences change.
type UIPreferencesPatch struct {
	Theme        *Theme   `json:"theme,omitempty"`
	Locale       *string  `json:"locale,omitempty"`
	FontScale    *float64 `json:"fontScale,omitempty"`
	ReduceMotion *bool    `json:"reduceMotion,omitempty"`
}

func (UIPreferencesPatch) Topic() Name { return UIPreferencesTopic }
func (UIPreferencesPatch) isPatch()    {}

func DefaultUIPreferences() UIPreferences {
	return UIPreferences{
		Theme:     ThemeDark,
		Locale:    "ru",
		FontScale: 1,
	}
}

func applyUIPreferences(cur UIPreferences, p UIPreferencesPatch) (UIPreferences, error) {
	const op = "topic.Apply"
	next := cur
	if p.Theme != nil {
		if !p.Theme.valid() {
			return cur, invalid(op, "theme %q is not one of dark, light, system", *p.Theme)
		}
		next.Theme = *p.Theme
	}
	if p.Locale != nil {
		tag, err := canonicalLocale(*p.Locale)
		if err != nil {
			return cur, invalid(op, "locale %q: %v", *p.Locale, err)
		}
		next.Locale = tag
	}
	if p.FontScale != nil {
		if *p.FontScale < minFontScale || *p.FontScale > maxFontScale {
			return cur, invalid(op, "fontScale %v outside [%v, %v]", *p.FontScale, minFontScale, maxFontScale)
		}
		next.FontScale = *p.FontScale
	}
	if p.ReduceMotion != nil {
		next.ReduceMotion = *p.ReduceMotion
	}
	return next, nil
}

// canonicalLocale parses a BCP 47 tag and returns its canonical form.
func canonicalLocale(s string) (string, error) {
	tag, err := language.Parse(s)
	if err != nil {
		return "", err
	}
	return tag.String(), nil
}
