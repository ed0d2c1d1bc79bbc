package config

import (
	"testing"
)

const sampleConfig = `
# printer config
[bdsensor]
sda_pin: PB1
scl_pin = PB0
position_endstop: 0.8
no_stop_probe: true
collision_homing: 0

[stepper_z]
position_min: -3

#*# [bdsensor saved]
#*# z_offset = 0.35
`

func TestLoadString(t *testing.T) {
	cfg, err := LoadString(sampleConfig)
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}

	if !cfg.HasSection("bdsensor") || !cfg.HasSection("stepper_z") {
		t.Fatalf("missing sections, got %v", cfg.GetSectionNames())
	}

	sec, err := cfg.GetSection("bdsensor")
	if err != nil {
		t.Fatalf("GetSection: %v", err)
	}

	sda, err := sec.Get("sda_pin")
	if err != nil || sda != "PB1" {
		t.Errorf("sda_pin = %q, %v", sda, err)
	}
	// '=' separator works too.
	scl, err := sec.Get("scl_pin")
	if err != nil || scl != "PB0" {
		t.Errorf("scl_pin = %q, %v", scl, err)
	}

	noStop, err := sec.GetBool("no_stop_probe", false)
	if err != nil || !noStop {
		t.Errorf("no_stop_probe = %v, %v", noStop, err)
	}
	collision, err := sec.GetBool("collision_homing", true)
	if err != nil || collision {
		t.Errorf("collision_homing = %v, %v", collision, err)
	}
}

func TestSavedSections(t *testing.T) {
	cfg, err := LoadString(sampleConfig)
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	sec, err := cfg.GetSection("bdsensor saved")
	if err != nil {
		t.Fatalf("saved section not parsed: %v", err)
	}
	v, err := sec.GetFloat("z_offset")
	if err != nil || v != 0.35 {
		t.Errorf("z_offset = %v, %v", v, err)
	}
}

func TestGetFloatWithBounds(t *testing.T) {
	cfg, _ := LoadString("[bdsensor]\nposition_endstop: 2.5\n")
	sec, _ := cfg.GetSection("bdsensor")

	minPos, below := 0.0, 2.5
	_, err := sec.GetFloatWithBounds("position_endstop",
		FloatBounds{MinVal: &minPos, Below: &below}, 0.0)
	if err == nil {
		t.Error("expected out of range error for position_endstop = 2.5")
	}

	cfg, _ = LoadString("[bdsensor]\nposition_endstop: 2.49\n")
	sec, _ = cfg.GetSection("bdsensor")
	v, err := sec.GetFloatWithBounds("position_endstop",
		FloatBounds{MinVal: &minPos, Below: &below}, 0.0)
	if err != nil || v != 2.49 {
		t.Errorf("position_endstop = %v, %v", v, err)
	}

	// Missing option falls back.
	v, err = sec.GetFloatWithBounds("speed", FloatBounds{}, 5.0)
	if err != nil || v != 5.0 {
		t.Errorf("speed fallback = %v, %v", v, err)
	}
}

func TestGetChoice(t *testing.T) {
	cfg, _ := LoadString("[probe]\nsamples_result: median\n")
	sec, _ := cfg.GetSection("probe")

	v, err := sec.GetChoice("samples_result", []string{"average", "median"}, "average")
	if err != nil || v != "median" {
		t.Errorf("samples_result = %q, %v", v, err)
	}
	if _, err := sec.GetChoice("samples_result", []string{"average"}, "average"); err == nil {
		t.Error("expected invalid choice error")
	}
}

func TestGetPointList(t *testing.T) {
	cfg, err := LoadString(`[bed_mesh]
points:
    10, 20
    30, 20
    50, 20
`)
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	sec, _ := cfg.GetSection("bed_mesh")
	points, err := sec.GetPointList("points")
	if err != nil {
		t.Fatalf("GetPointList: %v", err)
	}
	want := [][2]float64{{10, 20}, {30, 20}, {50, 20}}
	if len(points) != len(want) {
		t.Fatalf("got %d points, want %d", len(points), len(want))
	}
	for i := range want {
		if points[i] != want[i] {
			t.Errorf("point %d = %v, want %v", i, points[i], want[i])
		}
	}
}

func TestGetUnusedOptions(t *testing.T) {
	cfg, _ := LoadString("[bdsensor]\nsda_pin: PB1\nscl_pin: PB0\n")
	sec, _ := cfg.GetSection("bdsensor")

	if _, err := sec.Get("sda_pin"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	unused := sec.GetUnusedOptions()
	if len(unused) != 1 || unused[0] != "scl_pin" {
		t.Errorf("unused = %v, want [scl_pin]", unused)
	}
}
