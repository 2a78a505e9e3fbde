package catalog

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// flatten turns a Program into the "<id>_<field>" keyed record spec.md §4.1
// prescribes: one bucket entry per top-level attribute, with sub-prefixed
// entries for collections ("<id>_metadata_<k>", "<id>_kernel_info_map_ids_<i>",
// "<id>_maps_used_by_<i>") rather than one opaque blob per field, so that a
// partial write is visible as partial rather than corrupt, and so a reader
// can reconstruct kernel-derived fields without decoding user-submitted
// ones. Values are UTF-8 for strings and big-endian fixed-width for
// integers and booleans (booleans as signed 8-bit 0/1) — no JSON ever
// appears in a value.
func flatten(p *Program) (map[string][]byte, error) {
	prefix := strconv.FormatUint(uint64(p.Id), 10) + "_"
	out := make(map[string][]byte)

	putStr := func(field, v string) { out[prefix+field] = []byte(v) }
	putBool := func(field string, v bool) {
		b := byte(0)
		if v {
			b = 1
		}
		out[prefix+field] = []byte{b}
	}
	putU32 := func(field string, v uint32) {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		out[prefix+field] = b
	}
	putI32 := func(field string, v int32) {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(v))
		out[prefix+field] = b
	}
	putU64 := func(field string, v uint64) {
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, v)
		out[prefix+field] = b
	}
	putOptU32 := func(field string, v *uint32) {
		if v != nil {
			putU32(field, *v)
		}
	}
	putOptI32 := func(field string, v *int32) {
		if v != nil {
			putI32(field, *v)
		}
	}

	putStr("name", p.Name)
	putStr("kind", string(p.Kind))

	putStr("location_file_path", p.Location.FilePath)
	putBool("location_image_set", p.Location.Image != nil)
	if img := p.Location.Image; img != nil {
		putStr("location_image_url", img.URL)
		putStr("location_image_pull_policy", string(img.PullPolicy))
		putStr("location_image_username", img.Username)
		putStr("location_image_password", img.Password)
	}

	for k, v := range p.Metadata {
		putStr("metadata_"+k, v)
	}
	for k, v := range p.GlobalData {
		out[prefix+"global_data_"+k] = v
	}
	putOptU32("map_owner_id", p.MapOwnerId)
	putStr("owner", p.Owner)

	putBool("xdp_tc_set", p.XdpTc != nil)
	if xt := p.XdpTc; xt != nil {
		putStr("xdp_tc_iface", xt.Iface)
		putI32("xdp_tc_priority", xt.Priority)
		for i, a := range xt.ProceedOn {
			putStr(fmt.Sprintf("xdp_tc_proceed_on_%d", i), string(a))
		}
		putOptU32("xdp_tc_current_position", xt.CurrentPosition)
		putBool("xdp_tc_attached", xt.Attached)
		putU32("xdp_tc_if_index", xt.IfIndex)
		putStr("xdp_tc_direction", string(xt.Direction))
	}

	putBool("tracepoint_set", p.Tracepoint != nil)
	if tp := p.Tracepoint; tp != nil {
		putStr("tracepoint_tracepoint", tp.Tracepoint)
	}

	putBool("probe_set", p.Probe != nil)
	if pb := p.Probe; pb != nil {
		putStr("probe_fn_name", pb.FnName)
		putU64("probe_offset", pb.Offset)
		putBool("probe_retprobe", pb.Retprobe)
		putStr("probe_target", pb.Target)
		putOptI32("probe_pid", pb.Pid)
		putOptI32("probe_namespace_pid", pb.NamespacePid)
	}

	putU64("kernel_info_loaded_at", uint64(p.Kernel.LoadedAt.UnixNano()))
	out[prefix+"kernel_info_tag"] = append([]byte(nil), p.Kernel.Tag[:]...)
	putBool("kernel_info_gpl_compatible", p.Kernel.GplCompatible)
	for i, id := range p.Kernel.MapIds {
		putU32(fmt.Sprintf("kernel_info_map_ids_%d", i), id)
	}
	putU32("kernel_info_btf_id", p.Kernel.BtfId)
	putU32("kernel_info_bytes_xlated", p.Kernel.BytesXlated)
	putBool("kernel_info_jited", p.Kernel.Jited)
	putU32("kernel_info_bytes_jited", p.Kernel.BytesJited)
	putU32("kernel_info_bytes_memlock", p.Kernel.BytesMemlock)
	putU32("kernel_info_verified_insns", p.Kernel.VerifiedInsns)

	putStr("map_pin_dir", p.MapPinDir)
	for i, id := range p.MapsUsedBy {
		putU32(fmt.Sprintf("maps_used_by_%d", i), id)
	}

	putStr("ns_link_pin_path", p.NSLinkPinPath)

	return out, nil
}

// unflatten is flatten's inverse: it reassembles a Program from every
// "<id>_<field>" entry (including sub-prefixed collection entries)
// belonging to id.
func unflatten(id uint32, fields map[string][]byte) (*Program, error) {
	prefix := strconv.FormatUint(uint64(id), 10) + "_"
	p := &Program{Id: id}

	getStr := func(field string) (string, bool) {
		v, ok := fields[prefix+field]
		return string(v), ok
	}
	getBool := func(field string) (bool, bool) {
		v, ok := fields[prefix+field]
		if !ok || len(v) != 1 {
			return false, false
		}
		return v[0] != 0, true
	}
	getU32 := func(field string) (uint32, bool) {
		v, ok := fields[prefix+field]
		if !ok || len(v) != 4 {
			return 0, false
		}
		return binary.BigEndian.Uint32(v), true
	}
	getI32 := func(field string) (int32, bool) {
		v, ok := fields[prefix+field]
		if !ok || len(v) != 4 {
			return 0, false
		}
		return int32(binary.BigEndian.Uint32(v)), true
	}
	getU64 := func(field string) (uint64, bool) {
		v, ok := fields[prefix+field]
		if !ok || len(v) != 8 {
			return 0, false
		}
		return binary.BigEndian.Uint64(v), true
	}
	getOptU32 := func(field string) *uint32 {
		if v, ok := getU32(field); ok {
			return &v
		}
		return nil
	}
	getOptI32 := func(field string) *int32 {
		if v, ok := getI32(field); ok {
			return &v
		}
		return nil
	}

	p.Name, _ = getStr("name")
	kind, _ := getStr("kind")
	p.Kind = ProgramKind(kind)

	p.Location.FilePath, _ = getStr("location_file_path")
	if set, _ := getBool("location_image_set"); set {
		img := &ImageRef{}
		img.URL, _ = getStr("location_image_url")
		policy, _ := getStr("location_image_pull_policy")
		img.PullPolicy = PullPolicy(policy)
		img.Username, _ = getStr("location_image_username")
		img.Password, _ = getStr("location_image_password")
		p.Location.Image = img
	}

	if keys := subKeys(fields, prefix+"metadata_"); len(keys) > 0 {
		p.Metadata = make(map[string]string, len(keys))
		for _, k := range keys {
			p.Metadata[k] = string(fields[prefix+"metadata_"+k])
		}
	}
	if keys := subKeys(fields, prefix+"global_data_"); len(keys) > 0 {
		p.GlobalData = make(map[string][]byte, len(keys))
		for _, k := range keys {
			p.GlobalData[k] = fields[prefix+"global_data_"+k]
		}
	}
	p.MapOwnerId = getOptU32("map_owner_id")
	p.Owner, _ = getStr("owner")

	if set, _ := getBool("xdp_tc_set"); set {
		xt := &XdpTcData{}
		xt.Iface, _ = getStr("xdp_tc_iface")
		xt.Priority, _ = getI32("xdp_tc_priority")
		for _, i := range subIndexes(fields, prefix+"xdp_tc_proceed_on_") {
			v, _ := getStr(fmt.Sprintf("xdp_tc_proceed_on_%d", i))
			xt.ProceedOn = append(xt.ProceedOn, ProceedOnAction(v))
		}
		xt.CurrentPosition = getOptU32("xdp_tc_current_position")
		xt.Attached, _ = getBool("xdp_tc_attached")
		xt.IfIndex, _ = getU32("xdp_tc_if_index")
		direction, _ := getStr("xdp_tc_direction")
		xt.Direction = TcDirection(direction)
		p.XdpTc = xt
	}

	if set, _ := getBool("tracepoint_set"); set {
		tp := &TracepointData{}
		tp.Tracepoint, _ = getStr("tracepoint_tracepoint")
		p.Tracepoint = tp
	}

	if set, _ := getBool("probe_set"); set {
		pb := &ProbeData{}
		pb.FnName, _ = getStr("probe_fn_name")
		pb.Offset, _ = getU64("probe_offset")
		pb.Retprobe, _ = getBool("probe_retprobe")
		pb.Target, _ = getStr("probe_target")
		pb.Pid = getOptI32("probe_pid")
		pb.NamespacePid = getOptI32("probe_namespace_pid")
		p.Probe = pb
	}

	if nanos, ok := getU64("kernel_info_loaded_at"); ok {
		p.Kernel.LoadedAt = time.Unix(0, int64(nanos)).UTC()
	}
	if tag, ok := fields[prefix+"kernel_info_tag"]; ok {
		copy(p.Kernel.Tag[:], tag)
	}
	p.Kernel.GplCompatible, _ = getBool("kernel_info_gpl_compatible")
	for _, i := range subIndexes(fields, prefix+"kernel_info_map_ids_") {
		v, _ := getU32(fmt.Sprintf("kernel_info_map_ids_%d", i))
		p.Kernel.MapIds = append(p.Kernel.MapIds, v)
	}
	p.Kernel.BtfId, _ = getU32("kernel_info_btf_id")
	p.Kernel.BytesXlated, _ = getU32("kernel_info_bytes_xlated")
	p.Kernel.Jited, _ = getBool("kernel_info_jited")
	p.Kernel.BytesJited, _ = getU32("kernel_info_bytes_jited")
	p.Kernel.BytesMemlock, _ = getU32("kernel_info_bytes_memlock")
	p.Kernel.VerifiedInsns, _ = getU32("kernel_info_verified_insns")

	p.MapPinDir, _ = getStr("map_pin_dir")
	for _, i := range subIndexes(fields, prefix+"maps_used_by_") {
		v, _ := getU32(fmt.Sprintf("maps_used_by_%d", i))
		p.MapsUsedBy = append(p.MapsUsedBy, v)
	}

	p.NSLinkPinPath, _ = getStr("ns_link_pin_path")

	return p, nil
}

// subKeys returns the sorted set of suffixes for every key in fields that
// begins with prefix — used to recover a map's keys (metadata, global_data)
// without a separately stored index.
func subKeys(fields map[string][]byte, prefix string) []string {
	var suffixes []string
	for k := range fields {
		if strings.HasPrefix(k, prefix) {
			suffixes = append(suffixes, strings.TrimPrefix(k, prefix))
		}
	}
	sort.Strings(suffixes)
	return suffixes
}

// subIndexes returns the sorted set of integer suffixes for every key in
// fields that begins with prefix — used to recover a slice's length and
// order (proceed-on, map ids, maps-used-by) without a separately stored
// count.
func subIndexes(fields map[string][]byte, prefix string) []int {
	var idxs []int
	for k := range fields {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(k, prefix))
		if err != nil {
			continue
		}
		idxs = append(idxs, n)
	}
	sort.Ints(idxs)
	return idxs
}
