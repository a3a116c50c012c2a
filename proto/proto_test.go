package proto_test

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/opticslab/stagelink/proto"
)

func profiles() []proto.Profile {
	return []proto.Profile{
		{Name: "sum7", Start: 0x81, Terminator: 0x0D, LengthWidth: 1, Checksum: proto.ChecksumSum7},
		{Name: "xor8", Start: 0x7E, Terminator: 0x7F, LengthWidth: 1, Checksum: proto.ChecksumXOR8},
		{Name: "crc16", Start: 0x02, Terminator: 0x03, LengthWidth: 2, Checksum: proto.ChecksumCRC16, BigEndian: true},
	}
}

func responses() []proto.Response {
	return []proto.Response{
		proto.Ack{},
		proto.Nack{Reason: 20},
		proto.Fault{Code: 4},
		proto.Ident{Text: "MN100 REV 2.1"},
		proto.StatusReport{Position: -123456, Velocity: 2000, Faults: 0x0101, Busy: true},
	}
}

func TestResponseRoundTrip(t *testing.T) {
	for _, p := range profiles() {
		for _, r := range responses() {
			frame, err := proto.EncodeResponse(p, r)
			if err != nil {
				t.Fatalf("%s: encode %T: %v", p.Name, r, err)
			}
			got, consumed, err := proto.Decode(p, frame)
			if err != nil {
				t.Fatalf("%s: decode %T: %v", p.Name, r, err)
			}
			if consumed != len(frame) {
				t.Errorf("%s: consumed %d of %d bytes", p.Name, consumed, len(frame))
			}
			if !reflect.DeepEqual(got, r) {
				t.Errorf("%s: round trip mangled %#v into %#v", p.Name, r, got)
			}
		}
	}
}

func TestDecodeEverySplitPoint(t *testing.T) {
	for _, p := range profiles() {
		want := proto.StatusReport{Position: 42, Velocity: -7, Faults: 0, Busy: false}
		frame, err := proto.EncodeResponse(p, want)
		if err != nil {
			t.Fatal(err)
		}
		for split := 0; split < len(frame); split++ {
			_, consumed, err := proto.Decode(p, frame[:split])
			if !errors.Is(err, proto.ErrShortFrame) {
				t.Fatalf("%s: split %d: want ErrShortFrame, got %v", p.Name, split, err)
			}
			if consumed != 0 {
				t.Fatalf("%s: split %d: consumed %d bytes of a partial frame", p.Name, split, consumed)
			}
			// the second read completes the frame
			got, consumed, err := proto.Decode(p, frame)
			if err != nil || consumed != len(frame) {
				t.Fatalf("%s: split %d: completed frame did not decode: %v", p.Name, split, err)
			}
			if got != want {
				t.Fatalf("%s: split %d: got %#v", p.Name, split, got)
			}
		}
	}
}

func TestSingleBitFlipNeverAccepted(t *testing.T) {
	// sum7 is excluded: a 7-bit additive checksum is blind to bit-7 flips
	// by construction, which is why it only suits 7-bit ASCII links.
	for _, p := range profiles()[1:] {
		frame, err := proto.EncodeResponse(p, proto.StatusReport{Position: 1234, Velocity: 5, Faults: 2, Busy: true})
		if err != nil {
			t.Fatal(err)
		}
		lw := 1
		if p.LengthWidth == 2 {
			lw = 2
		}
		// flip every bit of the length, code, payload, and checksum bytes
		for idx := 1; idx < len(frame)-1; idx++ {
			for bit := uint(0); bit < 8; bit++ {
				corrupt := make([]byte, len(frame))
				copy(corrupt, frame)
				corrupt[idx] ^= 1 << bit
				got, _, err := proto.Decode(p, corrupt)
				if err == nil && got != nil {
					// a flipped length byte can legitimately leave
					// the decoder waiting for more input, but a
					// successful decode is a silent corruption
					if idx >= 1+lw {
						t.Fatalf("%s: byte %d bit %d: corrupted frame decoded as %#v", p.Name, idx, bit, got)
					}
				}
			}
		}
	}
}

func TestChecksumErrorConsumesFrame(t *testing.T) {
	p := profiles()[2]
	frame, err := proto.EncodeResponse(p, proto.Ident{Text: "MN100"})
	if err != nil {
		t.Fatal(err)
	}
	frame[5] ^= 0x01 // payload byte
	_, consumed, err := proto.Decode(p, frame)
	var ck proto.ChecksumError
	if !errors.As(err, &ck) {
		t.Fatalf("want ChecksumError, got %v", err)
	}
	if consumed != len(frame) {
		t.Errorf("bad frame not fully consumed: %d of %d", consumed, len(frame))
	}
}

func TestLeadingNoiseSkipped(t *testing.T) {
	p := profiles()[0]
	frame, err := proto.EncodeResponse(p, proto.Ack{})
	if err != nil {
		t.Fatal(err)
	}
	noise := []byte{0x00, 0xFF, 0x55}
	buf := append(append([]byte{}, noise...), frame...)
	got, consumed, err := proto.Decode(p, buf)
	if err != nil {
		t.Fatalf("decode with leading noise: %v", err)
	}
	if consumed != len(noise)+len(frame) {
		t.Errorf("consumed %d, want %d", consumed, len(noise)+len(frame))
	}
	if _, ok := got.(proto.Ack); !ok {
		t.Errorf("got %#v, want Ack", got)
	}
}

func TestMarkerlessGarbageDesyncs(t *testing.T) {
	p := profiles()[0]
	garbage := bytes.Repeat([]byte{0x55}, 600)
	_, consumed, err := proto.Decode(p, garbage)
	var de proto.DesyncError
	if !errors.As(err, &de) {
		t.Fatalf("want DesyncError, got %v", err)
	}
	if consumed != len(garbage) {
		t.Errorf("consumed %d, want all %d garbage bytes", consumed, len(garbage))
	}
}

func TestEncodeRejectsOutOfRange(t *testing.T) {
	p := profiles()[0]
	cases := []proto.Command{
		proto.MoveTo{Pos: 1 << 40, Speed: 100},
		proto.MoveTo{Pos: 0, Speed: -1},
		proto.MoveTo{Pos: 0, Speed: 1 << 20},
		proto.Home{Axis: 300},
		proto.Home{Axis: -1},
		proto.Jog{Direction: 2, Speed: 10},
		proto.Jog{Direction: 1, Speed: 1 << 17},
		proto.SetParameter{Key: 'V', Value: 1 << 35},
	}
	for _, c := range cases {
		_, err := proto.Encode(p, c)
		var ee proto.EncodeError
		if !errors.As(err, &ee) {
			t.Errorf("%#v: want EncodeError, got %v", c, err)
		}
	}
}

func TestEncodeDeterministicLayout(t *testing.T) {
	p := profiles()[0]
	frame, err := proto.Encode(p, proto.MoveTo{Pos: 1, Speed: 2})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x81, 0x07, 'M', 0x01, 0x00, 0x00, 0x00, 0x02, 0x00, 0x57, 0x0D}
	if !bytes.Equal(frame, want) {
		t.Errorf("frame layout drifted:\ngot  % 02x\nwant % 02x", frame, want)
	}
	again, _ := proto.Encode(p, proto.MoveTo{Pos: 1, Speed: 2})
	if !bytes.Equal(frame, again) {
		t.Error("encode is not deterministic")
	}
}

func TestDecodeNeverPanicsOnGarbage(t *testing.T) {
	p := profiles()[1]
	// a walk over adversarial inputs: empty, markers alone, truncated
	// lengths, absurd lengths
	inputs := [][]byte{
		nil,
		{},
		{p.Start},
		{p.Start, 0},
		{p.Start, 255},
		{p.Start, 1, 0xFF},
		{p.Terminator, p.Terminator, p.Terminator},
		bytes.Repeat([]byte{p.Start}, 64),
	}
	for _, in := range inputs {
		proto.Decode(p, in) // must not panic; any error is fine
	}
}

func BenchmarkDecodeStatus(b *testing.B) {
	p := profiles()[0]
	frame, _ := proto.EncodeResponse(p, proto.StatusReport{Position: 100000, Velocity: 2000, Busy: true})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		proto.Decode(p, frame)
	}
}
