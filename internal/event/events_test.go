package event

import (
	"encoding/json"
	"testing"
	"time"

	"nft_market/internal/domain"
)

func TestDecode_BidPlaced(t *testing.T) {
	ev := &BidPlaced{
		BaseEvent: At(time.UnixMicro(1_000)),
		Engine:    "0xauction",
		Bidder:    "0xbob",
		Amount:    150,
		Previous:  domain.Some("0xalice"),
	}
	ev.Stamp(7)

	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded, err := Decode(EvBidPlaced, payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	got, ok := decoded.(*BidPlaced)
	if !ok {
		t.Fatalf("Decode returned %T", decoded)
	}
	if got.GetSeq() != 7 || got.GetTs() != 1_000 {
		t.Errorf("base fields lost: seq=%d ts=%d", got.GetSeq(), got.GetTs())
	}
	if !got.Previous.Is("0xalice") || got.Amount != 150 {
		t.Errorf("payload lost: %+v", got)
	}
}

func TestParseType(t *testing.T) {
	for typ := EvItemListed; typ <= EvWithdrawn; typ++ {
		parsed, err := ParseType(typ.String())
		if err != nil {
			t.Fatalf("ParseType(%q): %v", typ.String(), err)
		}
		if parsed != typ {
			t.Errorf("ParseType(%q) = %d, want %d", typ.String(), parsed, typ)
		}
	}
	if _, err := ParseType("nope"); err == nil {
		t.Error("expected error for unknown type")
	}
	if _, err := New(Type(999)); err == nil {
		t.Error("expected error for unknown type id")
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Emit(&ItemListed{Price: 1})
	r.Emit(&ItemCanceled{})

	types := r.Types()
	if len(types) != 2 || types[0] != EvItemListed || types[1] != EvItemCanceled {
		t.Fatalf("unexpected types %v", types)
	}
	if got := r.Drain(); len(got) != 2 {
		t.Fatalf("Drain returned %d events", len(got))
	}
	if len(r.Events()) != 0 {
		t.Error("Drain should empty the buffer")
	}
}

func TestWrap(t *testing.T) {
	env := Wrap(&Withdrawn{Bidder: "0xalice", Amount: 100})
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(raw["type"]) != `"withdrawn"` {
		t.Errorf("type = %s", raw["type"])
	}
}
