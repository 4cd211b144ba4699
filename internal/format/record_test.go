package format

import "testing"

func TestRecordRoundTrip(t *testing.T) {
	buf := make([]byte, 0x100)
	want := Record{
		Magic:   MagicAlive,
		Slot:    3,
		Prev:    NoRecord,
		Next:    0x80,
		Size:    0x40,
		ReqSize: 0x20,
		Gen:     7,
	}
	PutRecord(buf, 0x20, want)

	got, err := ReadRecord(buf, 0x20)
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if got != want {
		t.Fatalf("record mismatch: got %+v want %+v", got, want)
	}
	if end := got.End(0x20); end != 0x20+RecordHeaderSize+0x40 {
		t.Fatalf("End = 0x%x", end)
	}
}

func TestReadRecordTruncated(t *testing.T) {
	buf := make([]byte, RecordHeaderSize)
	if _, err := ReadRecord(buf, 1); err == nil {
		t.Fatalf("expected truncation error")
	}
	if _, err := ReadRecord(buf, -1); err == nil {
		t.Fatalf("expected error for negative offset")
	}
}

func TestPadding(t *testing.T) {
	for data := uint64(0x1000); data < 0x1000+4*Alignment; data++ {
		pad := Padding(data)
		if !PlausiblePadding(pad) {
			t.Fatalf("Padding(0x%x) = %d is not plausible", data, pad)
		}
		if (data+uint64(pad))%Alignment != 0 {
			t.Fatalf("Padding(0x%x) = %d leaves pointer unaligned", data, pad)
		}
		if pad+1 > AlignOverhead {
			t.Fatalf("Padding(0x%x) = %d exceeds overhead", data, pad)
		}
	}
	if PlausiblePadding(AlignInfo - 1) {
		t.Fatalf("padding below AlignInfo accepted")
	}
	if PlausiblePadding(AlignInfo + Alignment) {
		t.Fatalf("padding at AlignInfo+Alignment accepted")
	}
}

func TestPutPadding(t *testing.T) {
	payload := make([]byte, 64)
	PutPadding(payload, 20)
	if got := ReadU32(payload, 20-AlignInfo); got != 20 {
		t.Fatalf("stored padding = %d, want 20", got)
	}
}

func TestMagicSurvivors(t *testing.T) {
	tests := []struct {
		magic uint32
		want  int
	}{
		{MagicAlive, 4},
		{MagicDead, 0},
		{0xc001c041, 3},
		{0x4141c0de, 2},
		{0x41414141, 0},
	}
	for _, tt := range tests {
		if got := MagicSurvivors(tt.magic); got != tt.want {
			t.Errorf("MagicSurvivors(0x%08x) = %d, want %d", tt.magic, got, tt.want)
		}
	}
}
