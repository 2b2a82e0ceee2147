package eventbus

import (
	"testing"

	"go.uber.org/zap"
)

func TestDispatchSkipsOwnFrames(t *testing.T) {
	var got []string
	b := newBase(func(origin, topic string, frame []byte, exclude string) {
		got = append(got, origin+"|"+topic+"|"+string(frame)+"|"+exclude)
	}, zap.NewNop(), "test")

	own := b.envelope("battle:1", []byte("x"), "u1")
	if b.dispatch(own) {
		t.Fatal("own envelope delivered")
	}

	remote := own
	remote.OriginMachineID = "other"
	if !b.dispatch(remote) {
		t.Fatal("remote envelope not delivered")
	}
	if len(got) != 1 || got[0] != "other|battle:1|x|u1" {
		t.Fatalf("got %v", got)
	}
}

func TestMachineIDsDiffer(t *testing.T) {
	a, b := NewLocal(zap.NewNop()), NewLocal(zap.NewNop())
	if a.MachineID() == "" || a.MachineID() == b.MachineID() {
		t.Fatalf("machine ids %q %q", a.MachineID(), b.MachineID())
	}
}
