package topic

// Provider selects the speech-to-text engine.
type Provider string

const (
	ProviderBackend Provider = "backend"
	ProviderLocal   Provider = "local"
	ProviderCloud   Provider = "cloud"
)

// LanguageAuto lets the provider detect the spoken language.
const LanguageAuto = "auto"

// STTConfig is the stt-config payload.
type STTConfig struct {
	Provider    Provider `json:"provider"`
	Language    string   `json:"language"`
	Model       string   `json:"model"`
	Punctuation bool     `json:"punctuation"`
}

func (STTConfig) Topic() Name { return STTConfigTopic }
func (STTConfig) isPayload()  {}

// STTConfigPatch is a partial stt-config change.
type STTConfigPatch struct {
	Provider    *Provider `json:"provider,omitempty"`
	Language    *string   `json:"language,omitempty"`
	Model       *string   `json:"model,omitempty"`
	Punctuation *bool     `json:"punctuation,omitempty"`
}

func (STTConfigPatch) Topic() Name { return STTConfigTopic }
func (STTConfigPatch) isPatch()    {}

func DefaultSTTConfig() STTConfig {
	return STTConfig{
		Provider:    ProviderBackend,
		Language:    LanguageAuto,
		Punctuation: true,
	}
}

func applySTTConfig(cur STTConfig, p STTConfigPatch) (STTConfig, error) {
	const op = "topic.Apply"
	next := cur
	if p.Provider != nil {
		switch *p.Provider {
		case ProviderBackend, ProviderLocal, ProviderCloud:
			next.Provider = *p.Provider
		default:
			return cur, invalid(op, "provider %q is not one of backend, local, cloud", *p.Provider)
		}
	}
	if p.Language != nil {
		if *p.Language == LanguageAuto {
			next.Language = LanguageAuto
		} else {
			tag, err := canonicalLocale(*p.Language)
			if err != nil {
				return cur, invalid(op, "language %q: %v", *p.Language, err)
			}
			next.Language = tag
		}
	}
	if p.Model != nil {
		next.Model = *p.Model
	}
	if p.Punctuation != nil {
		next.Punctuation = *p.Punctuation
	}
	return next, nil
}
