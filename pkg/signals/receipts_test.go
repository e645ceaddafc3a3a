package signals

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"flocksync/pkg/models"
	"flocksync/pkg/realtime"
	"flocksync/pkg/store/memstore"
)

func TestReceiptsSenderNeverCounts(t *testing.T) {
	ms := memstore.New()
	r := NewReceipts(ms, "me")

	r.MarkRead(context.Background(), []string{"m1"})
	// only the sender's own receipt exists
	if r.IsReadByOther("m1", "me") {
		t.Fatalf("own receipt counted as read-by-other")
	}

	other := NewReceipts(ms, "alice")
	other.MarkRead(context.Background(), []string{"m1"})

	fresh := NewReceipts(ms, "me")
	if err := fresh.Load(context.Background(), []string{"m1"}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !fresh.IsReadByOther("m1", "me") {
		t.Fatalf("alice's receipt not visible")
	}
	if fresh.IsReadByOther("m1", "alice") {
		t.Fatalf("sender exclusion wrong: alice is the only reader of her own view")
	}
}

func TestReceiptsMarkReadIsIdempotent(t *testing.T) {
	ms := memstore.New()
	r := NewReceipts(ms, "me")
	r.MarkRead(context.Background(), []string{"m1", "m2"})
	r.MarkRead(context.Background(), []string{"m1", "m2"})
	if n := ms.Count(models.TableReadReceipts); n != 2 {
		t.Fatalf("receipt rows: %d", n)
	}
}

func TestReceiptsBindScopedByMatch(t *testing.T) {
	ms := memstore.New()
	d := realtime.New(ms)
	r := NewReceipts(ms, "me")

	inWindow := map[string]bool{"m1": true}
	match := func(row json.RawMessage) bool {
		rec, err := models.DecodeRow[models.ReadReceipt](row)
		return err == nil && inWindow[rec.MessageID]
	}
	unbind := r.Bind(d, match)
	defer unbind()

	ts := time.Now().UTC().Format(time.RFC3339)
	d.Deliver(evt("insert", models.TableReadReceipts, `{"message_id":"m1","user_id":"alice","read_at":"`+ts+`"}`))
	d.Deliver(evt("insert", models.TableReadReceipts, `{"message_id":"m9","user_id":"alice","read_at":"`+ts+`"}`))

	if !r.IsReadByOther("m1", "me") {
		t.Fatalf("in-window receipt dropped")
	}
	if r.IsReadByOther("m9", "me") {
		t.Fatalf("out-of-window receipt applied")
	}
	if got := r.Readers("m1"); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("Readers: %v", got)
	}
}
