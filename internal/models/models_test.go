package models

import (
	"testing"
)

func TestTableNames(t *testing.T) {
	tests := []struct {
		model    interface{ TableName() string }
		expected string
	}{
		{Subscription{}, "subscriptions"},
		{DownloadHistory{}, "download_history"},
		{TransferHistory{}, "transfer_history"},
		{TransferTask{}, "transfer_tasks"},
		{FilterRule{}, "filter_rules"},
		{PluginEntry{}, "plugin_entries"},
	}

	for _, tt := range tests {
		if got := tt.model.TableName(); got != tt.expected {
			t.Errorf("expected table name %s, got %s", tt.expected, got)
		}
	}
}

func TestSubscription_TargetEpisodes(t *testing.T) {
	tests := []struct {
		name     string
		sub      Subscription
		expected []int
	}{
		{"movie has no episodes", Subscription{Type: MediaTypeMovie, TotalEpisode: 0}, nil},
		{"full season", Subscription{Type: MediaTypeTV, TotalEpisode: 3, StartEpisode: 1}, []int{1, 2, 3}},
		{"start episode defaults to one", Subscription{Type: MediaTypeTV, TotalEpisode: 2}, []int{1, 2}},
		{"late start", Subscription{Type: MediaTypeTV, TotalEpisode: 10, StartEpisode: 8}, []int{8, 9, 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.sub.TargetEpisodes()
			if len(got) != len(tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, got)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("expected %v, got %v", tt.expected, got)
				}
			}
		})
	}
}

func TestSubscription_PriorityValue(t *testing.T) {
	s := Subscription{}
	if s.PriorityValue() != -1 {
		t.Errorf("expected -1 for never downloaded, got %d", s.PriorityValue())
	}
	p := 60
	s.CurrentPriority = &p
	if s.PriorityValue() != 60 {
		t.Errorf("expected 60, got %d", s.PriorityValue())
	}
}

func TestIntList_ValueScan(t *testing.T) {
	var l IntList
	if err := l.Scan(`[5,6,7]`); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if !l.Contains(6) || l.Contains(8) {
		t.Errorf("unexpected contents %v", l)
	}

	v, err := IntList(nil).Value()
	if err != nil || v != "[]" {
		t.Errorf("expected empty JSON array for nil list, got %v (%v)", v, err)
	}

	if err := l.Scan(42); err == nil {
		t.Error("expected error for unsupported column type")
	}
}

func TestIntList_Sorted(t *testing.T) {
	got := IntList{7, 5, 7, 6}.Sorted()
	want := []int{5, 6, 7}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestTransferState_Terminal(t *testing.T) {
	for _, s := range []TransferState{TransferNotified, TransferFailed, TransferUnrecognized} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []TransferState{TransferPending, TransferIdentified, TransferPlaced, TransferRecorded} {
		if s.Terminal() {
			t.Errorf("expected %s to be resumable", s)
		}
	}
}
