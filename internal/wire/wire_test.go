package wire

import (
	"bytes"
	"reflect"
	"testing"
)

func TestMarshalUnmarshalObjectRef(t *testing.T) {
	cases := []ObjectRef{
		{Kind: RefAgentCapability, ChannelID: 0},
		{Kind: RefOperatorCapability, ChannelID: 42},
		{Kind: RefByteChannel, ChannelID: 1<<63 - 1},
	}
	for _, want := range cases {
		b, err := Marshal(want)
		if err != nil {
			t.Fatalf("Marshal(%+v): %s", want, err)
		}
		var got ObjectRef
		if err := Unmarshal(b, &got); err != nil {
			t.Fatalf("Unmarshal: %s", err)
		}
		if got != want {
			t.Errorf("round-trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestMarshalIsDeterministic(t *testing.T) {
	ref := ObjectRef{Kind: RefByteChannel, ChannelID: 7}
	a, err := Marshal(ref)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Marshal(ref)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("encoding the same value twice produced different bytes")
	}
}

func TestFrameRoundTripsThroughWire(t *testing.T) {
	var buf bytes.Buffer
	want := &Frame{
		CallID:  99,
		Method:  "list_dir",
		Params:  rawMessage(t, map[string]string{"path": "/tmp"}),
		ErrKind: "",
	}
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame: %s", err)
	}

	fr := NewFrameReader(&buf)
	got, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %s", err)
	}
	if got.CallID != want.CallID || got.Method != want.Method {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestFrameResponseCarriesError(t *testing.T) {
	var buf bytes.Buffer
	want := &Frame{CallID: 1, IsResponse: true, HasError: true, ErrKind: "ClientNotFound", ErrDetail: "1.2.3.4:5"}
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatal(err)
	}
	got, err := NewFrameReader(&buf).ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if !got.HasError || got.ErrKind != "ClientNotFound" || got.ErrDetail != "1.2.3.4:5" {
		t.Fatalf("error frame did not round-trip: %+v", got)
	}
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	frames := []*Frame{
		{CallID: 1, Method: "a"},
		{CallID: 2, Method: "b"},
		{CallID: 3, IsResponse: true},
	}
	for _, f := range frames {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatal(err)
		}
	}
	fr := NewFrameReader(&buf)
	for _, want := range frames {
		got, err := fr.ReadFrame()
		if err != nil {
			t.Fatal(err)
		}
		if got.CallID != want.CallID {
			t.Fatalf("got CallID %d, want %d", got.CallID, want.CallID)
		}
	}
}

func rawMessage(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestByteSliceRoundTrip(t *testing.T) {
	want := []byte("hello")
	b, err := Marshal(want)
	if err != nil {
		t.Fatal(err)
	}
	var got []byte
	if err := Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
