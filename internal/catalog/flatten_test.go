package catalog

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestFlattenUsesSubPrefixedCollectionKeys(t *testing.T) {
	p := &Program{
		Id:         9,
		Kind:       KindXdp,
		Metadata:   map[string]string{"env": "prod", "team": "net"},
		GlobalData: map[string][]byte{"cfg": {1, 2, 3}},
		MapsUsedBy: []uint32{101, 102, 103},
		Kernel:     KernelInfo{MapIds: []uint32{7, 8}},
	}

	fields, err := flatten(p)
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}

	for _, want := range []string{
		"9_metadata_env", "9_metadata_team",
		"9_global_data_cfg",
		"9_maps_used_by_0", "9_maps_used_by_1", "9_maps_used_by_2",
		"9_kernel_info_map_ids_0", "9_kernel_info_map_ids_1",
	} {
		if _, ok := fields[want]; !ok {
			t.Fatalf("missing sub-prefixed key %q in %v", want, keysOf(fields))
		}
	}
	if v, ok := fields["9_metadata_env"]; !ok || string(v) != "prod" {
		t.Fatalf("got %q for 9_metadata_env, want \"prod\"", v)
	}
}

func TestFlattenEncodesIntegersBigEndianFixedWidth(t *testing.T) {
	p := &Program{Id: 1, Kind: KindXdp, XdpTc: &XdpTcData{IfIndex: 0x01020304}}
	fields, err := flatten(p)
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	v, ok := fields["1_xdp_tc_if_index"]
	if !ok || len(v) != 4 {
		t.Fatalf("got %v, want a 4-byte big-endian value", v)
	}
	if got := binary.BigEndian.Uint32(v); got != 0x01020304 {
		t.Fatalf("got %#x, want %#x", got, 0x01020304)
	}
}

func TestFlattenEncodesBooleansAsSignedByte(t *testing.T) {
	p := &Program{Id: 1, Kind: KindXdp, XdpTc: &XdpTcData{Attached: true}}
	fields, err := flatten(p)
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	v, ok := fields["1_xdp_tc_attached"]
	if !ok || len(v) != 1 || v[0] != 1 {
		t.Fatalf("got %v, want a single byte 1", v)
	}
}

func TestFlattenUnflattenRoundTripsCollectionsAndOptionals(t *testing.T) {
	owner := uint32(42)
	pid := int32(-7)
	want := &Program{
		Id:   55,
		Name: "multi-map",
		Kind: KindTc,
		Location: Location{
			Image: &ImageRef{URL: "reg/img:latest", PullPolicy: PullAlways, Username: "u", Password: "p"},
		},
		Metadata:   map[string]string{"a": "1", "b": "2"},
		GlobalData: map[string][]byte{"k1": {9}, "k2": {8, 7}},
		MapOwnerId: &owner,
		Owner:      "uid:1000",
		XdpTc: &XdpTcData{
			Iface:     "eth1",
			Priority:  -3,
			ProceedOn: []ProceedOnAction{ActionOk, ActionShot, ActionTrap},
			Attached:  true,
			IfIndex:   9,
			Direction: TcEgress,
		},
		Kernel: KernelInfo{
			LoadedAt:      time.Unix(1700000000, 0).UTC(),
			Tag:           [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
			GplCompatible: true,
			MapIds:        []uint32{10, 20, 30},
			BtfId:         5,
			VerifiedInsns: 12345,
		},
		MapPinDir:     "/run/bpfmand/fs/maps_55",
		MapsUsedBy:    []uint32{10, 20},
		NSLinkPinPath: "",
	}
	want.Probe = &ProbeData{FnName: "x", Pid: &pid}
	want.Probe = nil // tc program: probe stays nil; XdpTc is the active branch

	fields, err := flatten(want)
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	got, err := unflatten(want.Id, fields)
	if err != nil {
		t.Fatalf("unflatten: %v", err)
	}

	if got.Name != want.Name || got.Kind != want.Kind {
		t.Fatalf("identity mismatch: got %+v", got)
	}
	if got.Location.Image == nil || *got.Location.Image != *want.Location.Image {
		t.Fatalf("location mismatch: got %+v, want %+v", got.Location.Image, want.Location.Image)
	}
	if len(got.Metadata) != 2 || got.Metadata["a"] != "1" || got.Metadata["b"] != "2" {
		t.Fatalf("metadata mismatch: got %+v", got.Metadata)
	}
	if len(got.GlobalData) != 2 || string(got.GlobalData["k2"]) != string([]byte{8, 7}) {
		t.Fatalf("global_data mismatch: got %+v", got.GlobalData)
	}
	if got.MapOwnerId == nil || *got.MapOwnerId != owner {
		t.Fatalf("map_owner_id mismatch: got %v", got.MapOwnerId)
	}
	if got.XdpTc == nil || len(got.XdpTc.ProceedOn) != 3 ||
		got.XdpTc.ProceedOn[0] != ActionOk || got.XdpTc.ProceedOn[1] != ActionShot || got.XdpTc.ProceedOn[2] != ActionTrap {
		t.Fatalf("proceed_on order/content mismatch: got %+v", got.XdpTc)
	}
	if got.Probe != nil {
		t.Fatalf("expected nil probe for a tc program, got %+v", got.Probe)
	}
	if !got.Kernel.LoadedAt.Equal(want.Kernel.LoadedAt) || got.Kernel.Tag != want.Kernel.Tag {
		t.Fatalf("kernel mismatch: got %+v", got.Kernel)
	}
	if len(got.Kernel.MapIds) != 3 || got.Kernel.MapIds[0] != 10 || got.Kernel.MapIds[2] != 30 {
		t.Fatalf("kernel map_ids order/content mismatch: got %+v", got.Kernel.MapIds)
	}
	if len(got.MapsUsedBy) != 2 || got.MapsUsedBy[0] != 10 || got.MapsUsedBy[1] != 20 {
		t.Fatalf("maps_used_by order/content mismatch: got %+v", got.MapsUsedBy)
	}
}

func keysOf(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
