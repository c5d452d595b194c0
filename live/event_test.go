package live

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestEventRoundTrip(t *testing.T) {
	started := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)

	events := []Event{
		&JoinRace{RaceID: "race-1"},
		&PositionUpdate{RaceID: "race-1", Latitude: 48.8566, Longitude: 2.3522, Speed: 5.2},
		&FinishRace{RaceID: "race-1", FinalTime: 93.4},
		&RaceStarted{RaceID: "race-1", StartTime: started},
		&ParticipantPosition{UserID: "user-2", Latitude: 48.86, Longitude: 2.34, Speed: 7.8, Timestamp: started},
		&ParticipantFinished{UserID: "user-2", FinalTime: 88.1},
		&RaceCompleted{RaceID: "race-1"},
	}

	for _, want := range events {
		t.Run(want.Type(), func(t *testing.T) {
			raw, err := Marshal(want)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}

			var m map[string]interface{}
			if err := json.Unmarshal(raw, &m); err != nil {
				t.Fatalf("wire form is not a JSON object: %v", err)
			}
			if m["type"] != want.Type() {
				t.Fatalf("type tag = %v, want %q", m["type"], want.Type())
			}

			got, err := Unmarshal(raw)
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("round trip = %#v, want %#v", got, want)
			}
		})
	}
}

func TestUnmarshalUnknownType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"teleport","race_id":"race-1"}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("err = %v, want ErrUnknownEvent", err)
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"type":`)); err == nil {
		t.Fatal("malformed payload decoded without error")
	}
}

func TestUnmarshalMissingTypeTag(t *testing.T) {
	_, err := Unmarshal([]byte(`{"race_id":"race-1"}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("err = %v, want ErrUnknownEvent for an untagged message", err)
	}
}
