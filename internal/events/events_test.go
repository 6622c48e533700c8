package events

import (
	"context"
	"testing"
	"time"

	"histfill/internal/domain"
)

func sampleEvent() Event {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return Event{
		Type: TypeOperationFinished,
		Time: now,
		Operation: domain.Operation{
			ID:        "op-1",
			Symbol:    "brk.b",
			Timeframe: domain.Timeframe1Day,
			Mode:      domain.ModeFull,
			Status:    domain.OperationCompleted,
			Progress:  domain.OperationProgress{Percentage: 100, CurrentStep: "save", StepIndex: 6, StepCount: 7},
			Result:    &domain.OperationResult{RowsDownloaded: 1008, GapsFound: 1, SegmentsSucceeded: 4},
			CreatedAt: now.Add(-time.Minute),
			UpdatedAt: now,
		},
	}
}

func TestSubject(t *testing.T) {
	got := Subject("histfill.", sampleEvent())
	if want := "histfill.operations.BRK_B.operation.finished"; got != want {
		t.Errorf("Subject = %q, want %q", got, want)
	}
}

func TestSerializersPreserveEvent(t *testing.T) {
	for _, name := range []string{"json", "proto"} {
		ser, err := NewSerializer(name)
		if err != nil {
			t.Fatalf("NewSerializer(%q): %v", name, err)
		}
		ev := sampleEvent()
		data, err := ser.Marshal(ev)
		if err != nil {
			t.Fatalf("%s: Marshal: %v", name, err)
		}
		var got Event
		if err := ser.Unmarshal(data, &got); err != nil {
			t.Fatalf("%s: Unmarshal: %v", name, err)
		}
		if got.Type != ev.Type || got.Operation.ID != "op-1" || got.Operation.Status != domain.OperationCompleted {
			t.Errorf("%s: decoded %+v", name, got)
		}
		if got.Operation.Result == nil || got.Operation.Result.RowsDownloaded != 1008 {
			t.Errorf("%s: result = %+v", name, got.Operation.Result)
		}
		if !got.Time.Equal(ev.Time) {
			t.Errorf("%s: time = %v, want %v", name, got.Time, ev.Time)
		}
	}
}

func TestProtoSerializerRejectsNonObjects(t *testing.T) {
	if _, err := (ProtoSerializer{}).Marshal([]int{1, 2}); err == nil {
		t.Error("expected error for non-object value")
	}
}

func TestNewSerializerUnknown(t *testing.T) {
	if _, err := NewSerializer("gob"); err == nil {
		t.Error("expected error for unknown serializer")
	}
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), sampleEvent()); err != nil {
		t.Errorf("Publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
