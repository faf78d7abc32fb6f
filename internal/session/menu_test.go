package session

import (
	"testing"

	"github.com/MrWong99/chatterhouse/pkg/mesh"
)

func TestRenderMenu(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		snap    Snapshot
		icon    string
		primary MenuItem
		silence MenuItem
	}{
		{
			name:    "listening",
			snap:    Snapshot{Role: Listening, Authorized: true},
			icon:    IconOff,
			primary: MenuItem{Title: "Start Broadcasting", Action: ActionStartBroadcast, Enabled: true},
			silence: MenuItem{Title: "Silence", Action: ActionToggleSilence, Enabled: true},
		},
		{
			name:    "broadcasting",
			snap:    Snapshot{Role: Broadcasting, Prior: Listening, Authorized: true},
			icon:    IconOn,
			primary: MenuItem{Title: "Stop Broadcasting", Action: ActionStopBroadcast, Enabled: true},
			silence: MenuItem{Title: "Silence", Action: ActionToggleSilence},
		},
		{
			name:    "silenced",
			snap:    Snapshot{Role: Silenced, Authorized: true},
			icon:    IconSilenced,
			primary: MenuItem{Title: "Start Broadcasting", Action: ActionStartBroadcast, Enabled: true},
			silence: MenuItem{Title: "Silence", Action: ActionToggleSilence, Enabled: true, Checked: true},
		},
		{
			name:    "microphone not authorized",
			snap:    Snapshot{Role: Listening},
			icon:    IconOff,
			primary: MenuItem{Title: "Provide Access to Microphone...", Action: ActionRequestAccess, Enabled: true},
			silence: MenuItem{Title: "Silence", Action: ActionToggleSilence, Enabled: true},
		},
		{
			name:    "idle",
			snap:    Snapshot{Role: Idle, Authorized: true},
			icon:    IconOff,
			primary: MenuItem{Title: "Start Broadcasting", Action: ActionStartBroadcast},
			silence: MenuItem{Title: "Silence", Action: ActionToggleSilence},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := RenderMenu(tc.snap)
			if m.Icon != tc.icon {
				t.Errorf("icon = %q, want %q", m.Icon, tc.icon)
			}
			if len(m.Items) != 5 {
				t.Fatalf("got %d items, want 5", len(m.Items))
			}
			if m.Items[0] != tc.primary {
				t.Errorf("primary = %+v, want %+v", m.Items[0], tc.primary)
			}
			if m.Items[1] != tc.silence {
				t.Errorf("silence = %+v, want %+v", m.Items[1], tc.silence)
			}
			if !m.Items[2].Separator {
				t.Error("third item is not a separator")
			}
			if m.Items[3].Action != ActionPreferences || m.Items[4].Title != "Quit ChatterHouse" {
				t.Errorf("trailing items = %+v", m.Items[3:])
			}
		})
	}
}

func TestRenderMenu_Tooltip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		peers int
		want  string
	}{
		{0, "ChatterHouse: Listening, no peers"},
		{1, "ChatterHouse: Listening, 1 peer"},
		{3, "ChatterHouse: Listening, 3 peers"},
	}
	for _, tc := range tests {
		snap := Snapshot{Role: Listening, Peers: make([]mesh.Peer, tc.peers)}
		if got := RenderMenu(snap).Tooltip; got != tc.want {
			t.Errorf("%d peers: tooltip = %q, want %q", tc.peers, got, tc.want)
		}
	}
}

func TestRenderMenu_IsPure(t *testing.T) {
	t.Parallel()
	snap := Snapshot{Role: Silenced, Authorized: true, Peers: []mesh.Peer{{ID: "a"}}}
	a, b := RenderMenu(snap), RenderMenu(snap)
	if a.Icon != b.Icon || a.Tooltip != b.Tooltip || len(a.Items) != len(b.Items) {
		t.Fatal("RenderMenu not deterministic")
	}
	for i := range a.Items {
		if a.Items[i] != b.Items[i] {
			t.Errorf("item %d differs: %+v vs %+v", i, a.Items[i], b.Items[i])
		}
	}
}
