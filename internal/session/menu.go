package session

import "fmt"

// Action names the command a menu item triggers.
type Action string

const (
	ActionStartBroadcast Action = "start_broadcast"
	ActionStopBroadcast  Action = "stop_broadcast"
	ActionRequestAccess  Action = "request_access"
	ActionToggleSilence  Action = "toggle_silence"
	ActionPreferences    Action = "preferences"
	ActionQuit           Action = "quit"
)

// Status-bar icon names.
const (
	IconOff      = "Icon-Off"
	IconOn       = "Icon-On"
	IconSilenced = "Icon-Silenced"
)

// MenuItem is one row of the status-bar menu. A separator has no title.
type MenuItem struct {
	Title     string `json:"title,omitempty"`
	Action    Action `json:"action,omitempty"`
	Enabled   bool   `json:"enabled"`
	Checked   bool   `json:"checked,omitempty"`
	Separator bool   `json:"separator,omitempty"`
}

// Menu describes the status-bar item. Rendering it is left to the UI.
type Menu struct {
	Icon    string     `json:"icon"`
	Tooltip string     `json:"tooltip"`
	Items   []MenuItem `json:"items"`
}

// RenderMenu builds the menu for snap. It has no side effects.
func RenderMenu(snap Snapshot) Menu {
	open := snap.Role != Idle
	idle := snap.Role == Listening || snap.Role == Silenced

	var primary MenuItem
	switch {
	case !snap.Authorized && snap.Role != Broadcasting:
		primary = MenuItem{Title: "Provide Access to Microphone...", Action: ActionRequestAccess, Enabled: open}
	case snap.Role == Broadcasting:
		primary = MenuItem{Title: "Stop Broadcasting", Action: ActionStopBroadcast, Enabled: true}
	default:
		primary = MenuItem{Title: "Start Broadcasting", Action: ActionStartBroadcast, Enabled: idle}
	}

	return Menu{
		Icon:    icon(snap.Role),
		Tooltip: tooltip(snap),
		Items: []MenuItem{
			primary,
			{Title: "Silence", Action: ActionToggleSilence, Enabled: idle, Checked: snap.Role == Silenced},
			{Separator: true},
			{Title: "Preferences...", Action: ActionPreferences, Enabled: true},
			{Title: "Quit ChatterHouse", Action: ActionQuit, Enabled: true},
		},
	}
}

func icon(r Role) string {
	switch r {
	case Broadcasting:
		return IconOn
	case Silenced:
		return IconSilenced
	default:
		return IconOff
	}
}

func tooltip(snap Snapshot) string {
	switch n := len(snap.Peers); n {
	case 0:
		return fmt.Sprintf("ChatterHouse: %s, no peers", snap.Role)
	case 1:
		return fmt.Sprintf("ChatterHouse: %s, 1 peer", snap.Role)
	default:
		return fmt.Sprintf("ChatterHouse: %s, %d peers", snap.Role, n)
	}
}
