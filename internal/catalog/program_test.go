package catalog

import "testing"

func TestProgramKeyOnlyForXdpAndTc(t *testing.T) {
	xdp := &Program{Kind: KindXdp, XdpTc: &XdpTcData{IfIndex: 4}}
	if _, ok := xdp.Key(); !ok {
		t.Fatal("expected xdp program to produce an attach-point key")
	}

	tc := &Program{Kind: KindTc, XdpTc: &XdpTcData{IfIndex: 4, Direction: TcIngress}}
	if _, ok := tc.Key(); !ok {
		t.Fatal("expected tc program to produce an attach-point key")
	}

	kprobe := &Program{Kind: KindKprobe, Probe: &ProbeData{FnName: "do_unlinkat"}}
	if _, ok := kprobe.Key(); ok {
		t.Fatal("expected kprobe program to have no attach-point key")
	}
}

func TestProgramKeyDistinguishesTcDirection(t *testing.T) {
	ingress := &Program{Kind: KindTc, XdpTc: &XdpTcData{IfIndex: 2, Direction: TcIngress}}
	egress := &Program{Kind: KindTc, XdpTc: &XdpTcData{IfIndex: 2, Direction: TcEgress}}

	ik, _ := ingress.Key()
	ek, _ := egress.Key()
	if ik == ek {
		t.Fatalf("expected distinct keys for ingress/egress on the same ifindex, got %+v for both", ik)
	}
}

func TestValidateProceedOnRejectsUnknownAction(t *testing.T) {
	if err := ValidateProceedOn(KindXdp, []ProceedOnAction{"bogus"}); err == nil {
		t.Fatal("expected error for unknown xdp proceed-on action")
	}
}

func TestValidateProceedOnRejectsCrossKindAction(t *testing.T) {
	// "tx" is a valid XDP action but not a member of the TC action set.
	if err := ValidateProceedOn(KindTc, []ProceedOnAction{ActionTx}); err == nil {
		t.Fatal("expected error for xdp-only action used on a tc program")
	}
}

func TestValidateProceedOnRejectsDuplicates(t *testing.T) {
	if err := ValidateProceedOn(KindXdp, []ProceedOnAction{ActionPass, ActionPass}); err == nil {
		t.Fatal("expected error for duplicate proceed-on action")
	}
}

func TestValidateProceedOnAcceptsValidSet(t *testing.T) {
	if err := ValidateProceedOn(KindXdp, []ProceedOnAction{ActionPass, ActionDispatcherReturn}); err != nil {
		t.Fatalf("expected valid xdp proceed-on set to pass, got %v", err)
	}
	if err := ValidateProceedOn(KindTc, []ProceedOnAction{ActionOk, ActionShot}); err != nil {
		t.Fatalf("expected valid tc proceed-on set to pass, got %v", err)
	}
}
