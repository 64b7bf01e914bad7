package notify

import "testing"

func TestPropertyOrderSurvivesEncoding(t *testing.T) {
	props := []Property{
		{Key: "name", Value: "rust"},
		{Key: "votes", Value: "3"},
		{Key: "timestamp", Value: "2026-08-30T00:00:00Z"},
	}
	raw, err := EncodeProperties(props)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeProperties(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded) != len(props) {
		t.Fatalf("expected %d properties, got %d", len(props), len(decoded))
	}
	for i := range props {
		if decoded[i] != props[i] {
			t.Fatalf("property %d changed: %+v != %+v", i, decoded[i], props[i])
		}
	}
}

func TestEncodeNilPropertiesIsEmptyList(t *testing.T) {
	raw, err := EncodeProperties(nil)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if string(raw) != "[]" {
		t.Fatalf("expected [], got %s", raw)
	}
}
