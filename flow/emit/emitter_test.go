package emit

import "testing"

var (
	_ Emitter = (*LogEmitter)(nil)
	_ Emitter = (*BufferedEmitter)(nil)
	_ Emitter = (*ZapEmitter)(nil)
	_ Emitter = (*OTelEmitter)(nil)
	_ Emitter = (*NullEmitter)(nil)
)

func TestMultiFansOut(t *testing.T) {
	first := NewBufferedEmitter()
	second := NewBufferedEmitter()
	m := Multi(first, nil, second)

	m.Emit(Event{InstanceID: "ord-1", Msg: "instance_started"})
	m.Emit(Event{InstanceID: "ord-1", Msg: "step_applied"})

	for name, b := range map[string]*BufferedEmitter{"first": first, "second": second} {
		history := b.History("ord-1")
		if len(history) != 2 {
			t.Fatalf("%s received %d events, want 2", name, len(history))
		}
		if history[0].Msg != "instance_started" || history[1].Msg != "step_applied" {
			t.Errorf("%s order = [%s %s], want [instance_started step_applied]",
				name, history[0].Msg, history[1].Msg)
		}
	}
}

func TestMultiWithNoEmitters(t *testing.T) {
	Multi().Emit(Event{InstanceID: "ord-1", Msg: "instance_started"})
}

func TestNullEmitterDiscards(t *testing.T) {
	n := NewNullEmitter()
	n.Emit(Event{InstanceID: "ord-1", Msg: "instance_started"})
	n.Emit(Event{})
}
