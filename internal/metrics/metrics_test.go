package metrics

import "testing"

func TestNew_RegistersWithoutPanicking(t *testing.T) {
	r := New()
	r.ValidatorSelections.WithLabelValues("bt2c1abc").Inc()
	r.BlocksValidated.WithLabelValues("accepted").Inc()
	r.SlashingEvents.WithLabelValues("double_signing").Inc()
	r.ConnectedPeers.Set(3)
	r.ChainHeight.Set(1024)

	families, err := r.Gatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Errorf("expected at least one registered metric family")
	}
}
