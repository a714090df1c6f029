package model

import (
	"testing"
	"time"
)

func TestParseSampleKind(t *testing.T) {
	for _, k := range Kinds() {
		got, ok := ParseSampleKind(string(k))
		if !ok || got != k {
			t.Errorf("ParseSampleKind(%q) = %q, %v", k, got, ok)
		}
	}
	if _, ok := ParseSampleKind("blood_glucose"); ok {
		t.Error("ParseSampleKind accepted unknown kind")
	}
	if _, ok := ParseSampleKind(""); ok {
		t.Error("ParseSampleKind accepted empty kind")
	}
}

func TestSampleKindUnits(t *testing.T) {
	want := map[SampleKind]string{
		KindSteps:          "count",
		KindHeartRate:      "bpm",
		KindCalories:       "kcal",
		KindDistance:       "m",
		KindSleep:          "min",
		KindWorkoutSession: "min",
	}
	for kind, unit := range want {
		if got := kind.Unit(); got != unit {
			t.Errorf("%s.Unit() = %q, want %q", kind, got, unit)
		}
	}
}

func TestSampleKey_SubSecondPrecisionCollapses(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	a := HealthDataSample{DeviceID: "d1", Kind: KindSteps, Timestamp: ts}
	b := HealthDataSample{DeviceID: "d1", Kind: KindSteps, Timestamp: ts.Add(200 * time.Millisecond)}
	if a.Key() != b.Key() {
		t.Error("keys differ for timestamps within the same second")
	}
	c := HealthDataSample{DeviceID: "d1", Kind: KindSteps, Timestamp: ts.Add(time.Second)}
	if a.Key() == c.Key() {
		t.Error("keys equal for timestamps one second apart")
	}
	d := HealthDataSample{DeviceID: "d2", Kind: KindSteps, Timestamp: ts}
	if a.Key() == d.Key() {
		t.Error("keys equal across devices")
	}
}

func TestCanTransition_Legality(t *testing.T) {
	states := []ConnectionState{
		StateDisconnected, StateConnecting, StateConnected, StateSyncing, StateReconnecting,
	}
	legal := map[ConnectionState][]ConnectionState{
		StateDisconnected: {StateConnecting},
		StateConnecting:   {StateConnected, StateReconnecting, StateDisconnected},
		StateConnected:    {StateSyncing, StateReconnecting, StateDisconnected},
		StateSyncing:      {StateConnected, StateReconnecting, StateDisconnected},
		StateReconnecting: {StateConnecting, StateDisconnected},
	}

	for _, from := range states {
		for _, to := range states {
			want := false
			for _, ok := range legal[from] {
				if ok == to {
					want = true
				}
			}
			if got := from.CanTransition(to); got != want {
				t.Errorf("CanTransition(%s → %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCanTransition_SyncingOnlyFromConnected(t *testing.T) {
	for _, from := range []ConnectionState{StateDisconnected, StateConnecting, StateSyncing, StateReconnecting} {
		if from.CanTransition(StateSyncing) {
			t.Errorf("Syncing reachable from %s", from)
		}
	}
	if !StateConnected.CanTransition(StateSyncing) {
		t.Error("Syncing unreachable from Connected")
	}
}

func TestDeviceClone_Independent(t *testing.T) {
	lvl := 80
	dev := WearableDevice{
		ID:           "d1",
		Capabilities: []SampleKind{KindSteps, KindHeartRate},
		BatteryLevel: &lvl,
	}
	cp := dev.Clone()
	cp.Capabilities[0] = KindSleep
	*cp.BatteryLevel = 5

	if dev.Capabilities[0] != KindSteps {
		t.Error("Clone shares capabilities slice")
	}
	if *dev.BatteryLevel != 80 {
		t.Error("Clone shares battery pointer")
	}
	if !dev.HasCapability(KindHeartRate) || dev.HasCapability(KindSleep) {
		t.Error("HasCapability mismatch")
	}
}

func TestSyncJobRunning(t *testing.T) {
	j := SyncJob{StartedAt: time.Now()}
	if !j.Running() {
		t.Error("job without FinishedAt should be running")
	}
	j.FinishedAt = time.Now()
	if j.Running() {
		t.Error("finished job reported running")
	}
}
