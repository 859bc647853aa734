package protocol

import "testing"

func TestAckRoundTrip(t *testing.T) {
	seen := map[byte]BLError{}
	for e := ErrNone; e.Valid(); e++ {
		ack := AckFor(e)
		if prev, dup := seen[ack]; dup {
			t.Errorf("%v and %v share ack %q", prev, e, ack)
		}
		seen[ack] = e
		got, ok := ErrorForAck(ack)
		if !ok || got != e {
			t.Errorf("ErrorForAck(AckFor(%v)) = %v, %v", e, got, ok)
		}
	}
	if _, ok := ErrorForAck('x'); ok {
		t.Errorf("ErrorForAck('x') accepted")
	}
	if AckFor(BLError(42)) != AckFlash {
		t.Errorf("unknown error does not map to the flash digit")
	}
}

func TestNames(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{RequestWrite.String(), "WRITE"},
		{Request(9).String(), "Request(9)"},
		{StatusBusy.String(), "BUSY"},
		{Status(7).String(), "Status(7)"},
		{ErrFlash.String(), "FLASH_ERROR"},
		{BLError(6).String(), "BLError(6)"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
