// Copyright 2025 James Ross
package pipeline

import (
	"testing"
	"time"
)

func TestSanitizeRewritesDollarKeys(t *testing.T) {
	in := map[string]Opaque{
		"$set":  map[string]Opaque{"$inc": 1},
		"plain": "value",
		"list":  []Opaque{map[string]Opaque{"$push": true}},
	}
	out := Sanitize(in).(map[string]Opaque)
	if _, ok := out["$set"]; ok {
		t.Fatal("expected $set to be rewritten")
	}
	inner := out["_$set"].(map[string]Opaque)
	if _, ok := inner["_$inc"]; !ok {
		t.Fatal("expected nested $inc to be rewritten")
	}
	if out["plain"] != "value" {
		t.Fatal("expected plain keys untouched")
	}
	elem := out["list"].([]Opaque)[0].(map[string]Opaque)
	if _, ok := elem["_$push"]; !ok {
		t.Fatal("expected $ keys inside sequences to be rewritten")
	}
}

func TestDematerializeReversesSanitize(t *testing.T) {
	orig := map[string]Opaque{"$set": map[string]Opaque{"a": float64(1)}}
	round := Dematerialize(Sanitize(orig)).(map[string]Opaque)
	if _, ok := round["$set"]; !ok {
		t.Fatal("expected $set restored")
	}
}

func TestDematerializeTurnsDateMapsIntoTime(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	in := map[string]Opaque{
		"when": map[string]Opaque{"$date": ts.Format(time.RFC3339Nano)},
	}
	out := Dematerialize(in).(map[string]Opaque)
	got, ok := out["when"].(time.Time)
	if !ok {
		t.Fatalf("expected time.Time, got %T", out["when"])
	}
	if !got.Equal(ts) {
		t.Fatalf("expected %v, got %v", ts, got)
	}
}

func TestSanitizeLeavesScalarsAlone(t *testing.T) {
	for _, v := range []Opaque{nil, "s", float64(2), true} {
		if Sanitize(v) != v {
			t.Fatalf("expected %v unchanged", v)
		}
	}
}
