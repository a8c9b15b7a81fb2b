package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/go-state-sync/errors"
)

func TestRegistry(t *testing.T) {
	assert.Equal(t, []Name{UIPreferencesTopic, AppConfigTopic, STTConfigTopic}, Names())

	for _, d := range All() {
		got, ok := Lookup(d.Name())
		require.True(t, ok, d.Name())
		assert.Equal(t, d.Name(), got.Name())
		assert.Equal(t, d.Name(), got.Default().Topic(), "default payload belongs to its topic")
	}

	_, ok := Lookup("window-geometry")
	assert.False(t, ok)

	_, err := Resolve("window-geometry")
	assert.True(t, syncErrors.IsNotFound(err))
}

func TestMustLookup(t *testing.T) {
	assert.Equal(t, STTConfigTopic, MustLookup(STTConfigTopic).Name())
	assert.Panics(t, func() { MustLookup("window-geometry") })
}

func TestCommandNames(t *testing.T) {
	assert.Equal(t, "get_ui_preferences_snapshot", UIPreferencesTopic.SnapshotCommand())
	assert.Equal(t, "update_ui_preferences", UIPreferencesTopic.UpdateCommand())
	assert.Equal(t, "get_stt_config_snapshot", STTConfigTopic.SnapshotCommand())
	assert.Equal(t, "update_app_config", AppConfigTopic.UpdateCommand())
}

func TestApply_MergePatch(t *testing.T) {
	d, _ := Lookup(UIPreferencesTopic)

	patch, err := d.DecodePatch([]byte(`{"theme":"light"}`))
	require.NoError(t, err)

	next, err := d.Apply(DefaultUIPreferences(), patch)
	require.NoError(t, err)

	got := next.(UIPreferences)
	assert.Equal(t, ThemeLight, got.Theme)
	assert.Equal(t, "ru", got.Locale, "fields absent from the patch are untouched")
	assert.Equal(t, 1.0, got.FontScale)
}

func TestApply_CanonicalisesLocale(t *testing.T) {
	d, _ := Lookup(UIPreferencesTopic)
	patch, err := d.DecodePatch([]byte(`{"locale":"pt-br"}`))
	require.NoError(t, err)

	next, err := d.Apply(DefaultUIPreferences(), patch)
	require.NoError(t, err)
	assert.Equal(t, "pt-BR", next.(UIPreferences).Locale)
}

func TestApply_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		topic Name
		patch string
	}{
		{"unsupported theme", UIPreferencesTopic, `{"theme":"sepia"}`},
		{"malformed locale", UIPreferencesTopic, `{"locale":"!!"}`},
		{"font scale too large", UIPreferencesTopic, `{"fontScale":3}`},
		{"unsupported provider", STTConfigTopic, `{"provider":"carrier-pigeon"}`},
		{"malformed language", STTConfigTopic, `{"language":"!!"}`},
		{"modifier-only hotkey", AppConfigTopic, `{"hotkey":"Ctrl+Shift"}`},
		{"empty hotkey segment", AppConfigTopic, `{"hotkey":"Ctrl++A"}`},
		{"unsupported channel", AppConfigTopic, `{"updateChannel":"nightly"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := Lookup(tt.topic)
			patch, err := d.DecodePatch([]byte(tt.patch))
			require.NoError(t, err, "the patch is well-formed JSON")

			cur := d.Default()
			next, err := d.Apply(cur, patch)
			require.Error(t, err)
			assert.True(t, syncErrors.IsValidation(err), "got %v", err)
			assert.Nil(t, next)
		})
	}
}

func TestDecodePatch_Strict(t *testing.T) {
	d, _ := Lookup(STTConfigTopic)

	_, err := d.DecodePatch([]byte(`{"provider":"local","volume":11}`))
	assert.True(t, syncErrors.IsValidation(err), "unknown fields are rejected")

	_, err = d.DecodePatch([]byte(`{"provider":"local"} {}`))
	assert.True(t, syncErrors.IsValidation(err), "trailing data is rejected")

	_, err = d.DecodePatch([]byte(`["local"]`))
	assert.True(t, syncErrors.IsValidation(err))

	for _, empty := range []string{``, `null`, `{}`} {
		p, err := d.DecodePatch([]byte(empty))
		require.NoError(t, err, "%q", empty)
		assert.Equal(t, STTConfigPatch{}, p)
	}
}

func TestApply_WrongTopic(t *testing.T) {
	d, _ := Lookup(STTConfigTopic)
	_, err := d.Apply(DefaultUIPreferences(), STTConfigPatch{})
	assert.True(t, syncErrors.IsValidation(err))

	_, err = d.Apply(DefaultSTTConfig(), UIPreferencesPatch{})
	assert.True(t, syncErrors.IsValidation(err))
}

func TestApply_PointerPatch(t *testing.T) {
	d := MustLookup(UIPreferencesTopic)
	theme := ThemeLight
	next, err := d.Apply(DefaultUIPreferences(), &UIPreferencesPatch{Theme: &theme})
	require.NoError(t, err)
	assert.Equal(t, ThemeLight, next.(UIPreferences).Theme)

	_, err = d.Apply(DefaultUIPreferences(), (*UIPreferencesPatch)(nil))
	assert.True(t, syncErrors.IsValidation(err))
}

func TestNormalizePatch(t *testing.T) {
	provider := ProviderLocal
	assert.Equal(t, STTConfigPatch{Provider: &provider}, NormalizePatch(&STTConfigPatch{Provider: &provider}))
	assert.Equal(t, AppConfigPatch{}, NormalizePatch(AppConfigPatch{}))
	assert.Nil(t, NormalizePatch((*AppConfigPatch)(nil)))
	assert.Nil(t, NormalizePatch(nil))
}

func TestSTTLanguage(t *testing.T) {
	d, _ := Lookup(STTConfigTopic)
	patch, err := d.DecodePatch([]byte(`{"provider":"backend","language":"en"}`))
	require.NoError(t, err)

	next, err := d.Apply(DefaultSTTConfig(), patch)
	require.NoError(t, err)
	got := next.(STTConfig)
	assert.Equal(t, ProviderBackend, got.Provider)
	assert.Equal(t, "en", got.Language)

	auto := LanguageAuto
	next, err = d.Apply(got, STTConfigPatch{Language: &auto})
	require.NoError(t, err)
	assert.Equal(t, LanguageAuto, next.(STTConfig).Language)
}

func TestEncode_Deterministic(t *testing.T) {
	a, err := Encode(UIPreferences{Theme: ThemeLight, Locale: "en", FontScale: 1})
	require.NoError(t, err)
	b, err := Encode(UIPreferences{Locale: "en", FontScale: 1, Theme: ThemeLight})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.JSONEq(t, `{"theme":"light","locale":"en","fontScale":1,"reduceMotion":false}`, string(a))
}

func TestDecodePayload_KeepsDefaults(t *testing.T) {
	d, _ := Lookup(AppConfigTopic)
	p, err := d.DecodePayload([]byte(`{"autoPaste":false}`))
	require.NoError(t, err)

	got := p.(AppConfig)
	assert.False(t, got.AutoPaste)
	assert.Equal(t, "Ctrl+Shift+Space", got.Hotkey)

	_, err = d.DecodePayload([]byte(`{"autoPaste":"yes"}`))
	assert.True(t, syncErrors.IsValidation(err))
}

func TestValidHotkey(t *testing.T) {
	for _, ok := range []string{"Ctrl+Shift+Space", "F9", "CmdOrCtrl+K", "Alt + Enter"} {
		assert.True(t, validHotkey(ok), ok)
	}
	for _, bad := range []string{"", "Shift", "A+B", "Ctrl+", "Ctrl+Alt+Shift+Cmd+Meta+X"} {
		assert.False(t, validHotkey(bad), bad)
	}
}
