package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mehmetymw/fhirsink/internal/config"
)

type fakeReader struct {
	msgs      []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestSourceCommitsOnAck(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{{Topic: "fhir", Partition: 2, Offset: 41, Value: []byte(`{"op":"create"}`)}}}
	s := newSource(r, zap.NewNop())

	msg, err := s.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	d := msg.Delivery()
	if d.Seq != 41 || d.Subject != "fhir/2" || string(d.Data) != `{"op":"create"}` {
		t.Fatalf("delivery %+v", d)
	}
	if len(r.committed) != 0 {
		t.Fatal("must not commit before ack")
	}
	if err := msg.Ack(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(r.committed) != 1 || r.committed[0].Offset != 41 {
		t.Fatalf("committed %v", r.committed)
	}
}

func TestSourceNextHonoursCancellation(t *testing.T) {
	s := newSource(&fakeReader{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestPublisherKeysMessages(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, "fhir", zap.NewNop())
	if err := p.Publish(context.Background(), "Patient/p1", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "Patient/p1" {
		t.Fatalf("messages %v", w.msgs)
	}

	w.err = errors.New("leader not available")
	if err := p.Publish(context.Background(), "Patient/p2", []byte(`{}`)); err == nil {
		t.Fatal("expected error")
	}
}

func TestConstructorsValidateConfig(t *testing.T) {
	if _, err := NewSource(config.KafkaSource{Topic: "fhir"}, zap.NewNop()); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewPublisher(config.KafkaSink{Brokers: []string{"localhost:9092"}}, zap.NewNop()); err == nil {
		t.Fatal("expected error without topic")
	}
}
