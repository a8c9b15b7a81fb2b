package topic

import "strings"

// UpdateChannel selects the release stream the app updates from.
type UpdateChannel string

const (
	ChannelStable UpdateChannel = "stable"
	ChannelBeta   UpdateChannel = "beta"
)

// AppConfig is the app-config payload.
type AppConfig struct {
	LaunchAtLogin  bool          `json:"launchAtLogin"`
	MinimizeToTray bool          `json:"minimizeToTray"`
	Hotkey         string        `json:"hotkey"`
	AutoPaste      bool          `json:"autoPaste"`
	UpdateChannel  UpdateChannel `json:"updateChannel"`
}

func (AppConfig) Topic() Name { return AppConfigTopic }
func (AppConfig) isPayload()  {}

// AppConfigPatch is a partial app-config change.
type AppConfigPatch struct {
	LaunchAtLogin  *bool          `json:"launchAtLogin,omitempty"`
	MinimizeToTray *bool          `json:"minimizeToTray,omitempty"`
	Hotkey         *string        `json:"hotkey,omitempty"`
	AutoPaste      *bool          `json:"autoPaste,omitempty"`
	UpdateChannel  *UpdateChannel `json:"updateChannel,omitempty"`
}

func (AppConfigPatch) Topic() Name { return AppConfigTopic }
func (AppConfigPatch) isPatch()    {}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		MinimizeToTray: true,
		Hotkey:         "Ctrl+Shift+Space",
		AutoPaste:      true,
		UpdateChannel:  ChannelStable,
	}
}

var modifierKeys = map[string]bool{
	"ctrl": true, "control": true, "shift": true, "alt": true, "option": true,
	"cmd": true, "command": true, "super": true, "meta": true, "cmdorctrl": true,
}

// validHotkey accepts accelerators such as "Ctrl+Shift+Space": one or more
// '+'-separated keys where only the last may be a non-modifier.
func validHotkey(s string) bool {
	parts := strings.Split(s, "+")
	if len(parts) > 5 {
		return false
	}
	for i, part := range parts {
		key := strings.ToLower(strings.TrimSpace(part))
		if key == "" {
			return false
		}
		last := i == len(parts)-1
		if !last && !modifierKeys[key] {
			return false
		}
		if last && modifierKeys[key] {
			return false
		}
	}
	return true
}

func applyAppConfig(cur AppConfig, p AppConfigPatch) (AppConfig, error) {
	const op = "topic.Apply"
	next := cur
	if p.LaunchAtLogin != nil {
		next.LaunchAtLogin = *p.LaunchAtLogin
	}
	if p.MinimizeToTray != nil {
		next.MinimizeToTray = *p.MinimizeToTray
	}
	if p.Hotkey != nil {
		if !validHotkey(*p.Hotkey) {
			return cur, invalid(op, "hotkey %q is not a valid accelerator", *p.Hotkey)
		}
		next.Hotkey = *p.Hotkey
	}
	if p.AutoPaste != nil {
		next.AutoPaste = *p.AutoPaste
	}
	if p.UpdateChannel != nil {
		switch *p.UpdateChannel {
		case ChannelStable, ChannelBeta:
			next.UpdateChannel = *p.UpdateChannel
		default:
			return cur, invalid(op, "updateChannel %q is not one of stable, beta", *p.UpdateChannel)
		}
	}
	return next, nil
}
