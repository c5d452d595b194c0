package handlers

import (
	"math"
	"testing"

	"github.com/padraicbc/raceway/models"
)

func TestValidateCircuit(t *testing.T) {
	two := []models.Coordinate{
		{Latitude: 48.8566, Longitude: 2.3522},
		{Latitude: 48.8606, Longitude: 2.3376},
	}

	if err := ValidateCircuit("riverside loop", two); err != nil {
		t.Fatalf("valid circuit rejected: %v", err)
	}
	if err := ValidateCircuit("", two); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := ValidateCircuit("   ", two); err == nil {
		t.Fatal("blank name accepted")
	}
	if err := ValidateCircuit("riverside loop", two[:1]); err == nil {
		t.Fatal("single waypoint accepted")
	}
}

func TestCircuitDistance(t *testing.T) {
	if d := CircuitDistance(nil); d != 0 {
		t.Fatalf("distance of empty route = %v, want 0", d)
	}

	// Paris to London is roughly 344 km.
	route := []models.Coordinate{
		{Latitude: 48.8566, Longitude: 2.3522},
		{Latitude: 51.5074, Longitude: -0.1278},
	}
	d := CircuitDistance(route)
	if math.Abs(d-344) > 2 {
		t.Fatalf("Paris-London = %v km, want about 344", d)
	}
}

func TestHashPasswordVerifies(t *testing.T) {
	hash, err := HashPassword("hunter2hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == "hunter2hunter2" {
		t.Fatal("password stored in the clear")
	}
	if err := CheckPassword(hash, "hunter2hunter2"); err != nil {
		t.Fatalf("correct password rejected: %v", err)
	}
	if err := CheckPassword(hash, "wrong"); err == nil {
		t.Fatal("wrong password accepted")
	}
}
