package serialize

import (
	"errors"
	"testing"

	"encore.app/cacheerrors"
)

type widget struct {
	Name  string `json:"name" msgpack:"name"`
	Count int    `json:"count" msgpack:"count"`
}

func TestJSON_RoundTrip(t *testing.T) {
	s := NewJSON()
	in := widget{Name: "bolt", Count: 7}

	data, err := s.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var out widget
	if err := s.Decode(data, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
	if s.ContentType() != ContentTypeJSON {
		t.Errorf("ContentType = %q", s.ContentType())
	}
}

func TestJSON_Deterministic(t *testing.T) {
	s := NewJSON()
	in := widget{Name: "bolt", Count: 7}

	a, _ := s.Encode(in)
	b, _ := s.Encode(in)
	if string(a) != string(b) {
		t.Errorf("JSON encoding not deterministic: %q vs %q", a, b)
	}
}

func TestMsgpack_RoundTrip(t *testing.T) {
	s := NewMsgpack()
	in := widget{Name: "nut", Count: 3}

	data, err := s.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var out widget
	if err := s.Decode(data, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
	if s.ContentType() != ContentTypeMsgpack {
		t.Errorf("ContentType = %q", s.ContentType())
	}
}

func TestJSON_DecodeCorrupt(t *testing.T) {
	s := NewJSON()
	var out widget
	err := s.Decode([]byte("{not json"), &out)
	if !errors.Is(err, cacheerrors.ErrSerialization) {
		t.Errorf("expected ErrSerialization, got %v", err)
	}
}

func TestMsgpack_DecodeCorrupt(t *testing.T) {
	s := NewMsgpack()
	var out widget
	err := s.Decode([]byte{0xff, 0xff, 0xff}, &out)
	if !errors.Is(err, cacheerrors.ErrSerialization) {
		t.Errorf("expected ErrSerialization, got %v", err)
	}
}

func TestByContentType(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{ContentTypeJSON, false},
		{"", false},
		{ContentTypeMsgpack, false},
		{"application/x-unknown", true},
	}
	for _, c := range cases {
		s, err := ByContentType(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ByContentType(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ByContentType(%q): %v", c.in, err)
		}
		if s == nil {
			t.Errorf("ByContentType(%q): nil serializer", c.in)
		}
	}
}
