package socket

import (
	"bufio"
	"bytes"
	"errors"
	"testing"

	"routerelay/internal/domain"
)

func TestFrameRoundTrip(t *testing.T) {
	in := []byte("hello")
	var b bytes.Buffer
	if err := WriteFrame(&b, in); err != nil {
		t.Fatal(err)
	}
	if got := b.Bytes()[:4]; !bytes.Equal(got, []byte{0, 0, 0, 5}) {
		t.Fatalf("unexpected header %v", got)
	}
	out, err := ReadFrame(bufio.NewReader(&b))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != string(in) {
		t.Fatalf("got %q", out)
	}
}

func TestFrameRejectsOversized(t *testing.T) {
	tooBig := make([]byte, MaxFrameSize+1)
	var b bytes.Buffer
	if err := WriteFrame(&b, tooBig); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if _, err := ReadFrame(bufio.NewReader(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}))); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge on read, got %v", err)
	}
}

func TestFrameRejectsEmpty(t *testing.T) {
	if _, err := ReadFrame(bufio.NewReader(bytes.NewReader([]byte{0, 0, 0, 0}))); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
}

func TestProtoRoundTrip(t *testing.T) {
	ev := domain.PositionEvent{RouteID: "r1", ConnectionID: "A", Position: domain.Position{Lat: -15.82594, Lng: -47.92923}, Finished: true}
	req := &SocketRequest{RequestId: "1", Operation: int32(OperationDeliver), Deliver: &DeliverRequest{Tick: TickFromEvent(ev)}}
	payload, err := MarshalMessage(req)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := UnmarshalRequest(payload)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.RequestId != "1" || Operation(decoded.Operation) != OperationDeliver {
		t.Fatalf("bad decode: %+v", decoded)
	}
	if got := decoded.Deliver.Tick.Event(); got != ev {
		t.Fatalf("tick=%+v, want %+v", got, ev)
	}
}

func TestValidateRequest(t *testing.T) {
	cases := []struct {
		name string
		req  *SocketRequest
		ok   bool
	}{
		{"nil", nil, false},
		{"no operation", &SocketRequest{}, false},
		{"ping", &SocketRequest{Operation: int32(OperationPing)}, true},
		{"deliver without tick", &SocketRequest{Operation: int32(OperationDeliver)}, false},
		{"deliver without connection", &SocketRequest{Operation: int32(OperationDeliver), Deliver: &DeliverRequest{Tick: &PositionTick{RouteId: "r1"}}}, false},
		{"deliver", &SocketRequest{Operation: int32(OperationDeliver), Deliver: &DeliverRequest{Tick: &PositionTick{RouteId: "r1", ConnectionId: "A"}}}, true},
	}
	for _, tc := range cases {
		err := ValidateRequest(tc.req)
		if (err == nil) != tc.ok {
			t.Fatalf("%s: err=%v, want ok=%t", tc.name, err, tc.ok)
		}
	}
}
