package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestPopResultFraming(t *testing.T) {
	frame, err := PopResult([]byte("AB"))
	if err != nil {
		t.Fatalf("pop result: %v", err)
	}
	if !bytes.Equal(frame, []byte{0x02, 'A', 'B'}) {
		t.Fatalf("frame = %v", frame)
	}
	if _, err := PopResult(make([]byte, MaxPayload+1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestEncodePushRejectsOversize(t *testing.T) {
	if _, err := EncodePush(make([]byte, 128)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestReadPushResponse(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want error
	}{
		{name: "accepted", in: PushAccepted(), want: nil},
		{name: "busy", in: Busy(), want: ErrBusy},
		{name: "closed", in: nil, want: ErrClosed},
		{name: "invalid", in: []byte{0x05}, want: ErrInvalidResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ReadPushResponse(bytes.NewReader(tc.in))
			if tc.want == nil {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestReadPopResponse(t *testing.T) {
	item, err := ReadPopResponse(bytes.NewReader([]byte{0x02, 'A', 'B'}))
	if err != nil || string(item) != "AB" {
		t.Fatalf("item=%q err=%v", item, err)
	}
	item, err = ReadPopResponse(bytes.NewReader([]byte{0x00}))
	if err != nil || len(item) != 0 || item == nil {
		t.Fatalf("expected empty non-nil item, got %v err=%v", item, err)
	}
	if _, err := ReadPopResponse(bytes.NewReader(Busy())); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := ReadPopResponse(bytes.NewReader(nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := ReadPopResponse(bytes.NewReader([]byte{0x04, 'a'})); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed for truncated payload, got %v", err)
	}
	if _, err := ReadPopResponse(bytes.NewReader([]byte{0x81})); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
}

func TestOpString(t *testing.T) {
	if OpPush.String() != "push" || OpPop.String() != "pop" || Op(0).String() != "unknown" {
		t.Fatal("unexpected op names")
	}
}
