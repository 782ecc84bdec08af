package h264

import "fmt"

// Fixed sequence parameters. Encoders that program slice headers
// themselves (VA-API) must use the same values.
const (
	ProfileConstrainedBaseline = 66
	Log2MaxFrameNum            = 8
	Log2MaxPicOrderCntLsb      = 8
	MaxRefFrames               = 1
)

// StreamParams is what the parameter sets are derived from.
type StreamParams struct {
	Width  int
	Height int
	FPS    int
}

// MBWidth is the picture width in macroblocks.
func (p StreamParams) MBWidth() int { return (p.Width + 15) / 16 }

// MBHeight is the picture height in macroblocks.
func (p StreamParams) MBHeight() int { return (p.Height + 15) / 16 }

// levels is ordered by capability: level_idc, max frame size in MBs, max
// macroblock rate.
var levels = []struct {
	idc      int
	frameMBs int
	mbRate   int
}{
	{41, 8192, 245760},
	{42, 8704, 522240},
	{50, 22080, 589824},
	{51, 36864, 983040},
	{52, 36864, 2073600},
}

// LevelIDC picks the lowest level, starting at 4.1, that fits the frame
// size and macroblock rate.
func (p StreamParams) LevelIDC() int {
	mbs := p.MBWidth() * p.MBHeight()
	rate := mbs * p.FPS
	for _, l := range levels {
		if mbs <= l.frameMBs && rate <= l.mbRate {
			return l.idc
		}
	}
	return levels[len(levels)-1].idc
}

// bitWriter writes an RBSP most significant bit first.
type bitWriter struct {
	buf   []byte
	cur   byte
	nbits uint
}

func (w *bitWriter) u(n uint, v uint32) {
	for i := int(n) - 1; i >= 0; i-- {
		w.cur = w.cur<<1 | byte(v>>uint(i)&1)
		w.nbits++
		if w.nbits == 8 {
			w.buf = append(w.buf, w.cur)
			w.cur, w.nbits = 0, 0
		}
	}
}

func (w *bitWriter) flag(b bool) {
	if b {
		w.u(1, 1)
	} else {
		w.u(1, 0)
	}
}

// ue writes an unsigned Exp-Golomb code.
func (w *bitWriter) ue(v uint32) {
	x := uint64(v) + 1
	n := uint(0)
	for t := x; t > 1; t >>= 1 {
		n++
	}
	w.u(n, 0)
	for i := int(n); i >= 0; i-- {
		w.u(1, uint32(x>>uint(i)&1))
	}
}

// se writes a signed Exp-Golomb code.
func (w *bitWriter) se(v int32) {
	if v > 0 {
		w.ue(uint32(2*v - 1))
	} else {
		w.ue(uint32(-2 * v))
	}
}

// trailing writes rbsp_trailing_bits and returns the RBSP.
func (w *bitWriter) trailing() []byte {
	w.u(1, 1)
	for w.nbits != 0 {
		w.u(1, 0)
	}
	return w.buf
}

// nal wraps an RBSP in a NAL header and inserts emulation prevention bytes.
func nal(refIdc, typ int, rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+len(rbsp)/64+2)
	out = append(out, byte(refIdc<<5|typ))
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

// WriteSPS returns a Constrained Baseline sequence parameter set NAL unit
// (header byte included, no start code) with VUI timing and a bitstream
// restriction that rules out frame reordering.
func WriteSPS(p StreamParams) ([]byte, error) {
	if p.Width <= 0 || p.Height <= 0 || p.Width%2 != 0 || p.Height%2 != 0 {
		return nil, fmt.Errorf("h264: invalid picture size %dx%d", p.Width, p.Height)
	}
	if p.FPS <= 0 {
		return nil, fmt.Errorf("h264: invalid frame rate %d", p.FPS)
	}

	var w bitWriter
	w.u(8, ProfileConstrainedBaseline)
	w.u(8, 0xC0) // constraint_set0_flag, constraint_set1_flag
	w.u(8, uint32(p.LevelIDC()))
	w.ue(0) // seq_parameter_set_id
	w.ue(Log2MaxFrameNum - 4)
	w.ue(0) // pic_order_cnt_type
	w.ue(Log2MaxPicOrderCntLsb - 4)
	w.ue(MaxRefFrames)
	w.flag(false) // gaps_in_frame_num_value_allowed_flag
	w.ue(uint32(p.MBWidth() - 1))
	w.ue(uint32(p.MBHeight() - 1))
	w.flag(true) // frame_mbs_only_flag
	w.flag(true) // direct_8x8_inference_flag

	cropRight := (p.MBWidth()*16 - p.Width) / 2
	cropBottom := (p.MBHeight()*16 - p.Height) / 2
	if cropRight > 0 || cropBottom > 0 {
		w.flag(true)
		w.ue(0)
		w.ue(uint32(cropRight))
		w.ue(0)
		w.ue(uint32(cropBottom))
	} else {
		w.flag(false)
	}

	w.flag(true)  // vui_parameters_present_flag
	w.flag(false) // aspect_ratio_info_present_flag
	w.flag(false) // overscan_info_present_flag
	w.flag(false) // video_signal_type_present_flag
	w.flag(false) // chroma_loc_info_present_flag
	w.flag(true)  // timing_info_present_flag
	w.u(32, 1)
	w.u(32, uint32(p.FPS*2))
	w.flag(true)  // fixed_frame_rate_flag
	w.flag(false) // nal_hrd_parameters_present_flag
	w.flag(false) // vcl_hrd_parameters_present_flag
	w.flag(false) // pic_struct_present_flag
	w.flag(true)  // bitstream_restriction_flag
	w.flag(true)  // motion_vectors_over_pic_boundaries_flag
	w.ue(2)       // max_bytes_per_pic_denom
	w.ue(1)       // max_bits_per_mb_denom
	w.ue(16)      // log2_max_mv_length_horizontal
	w.ue(16)      // log2_max_mv_length_vertical
	w.ue(0)       // max_num_reorder_frames
	w.ue(MaxRefFrames)

	return nal(3, NALSPS, w.trailing()), nil
}

// WritePPS returns the matching CAVLC picture parameter set NAL unit.
func WritePPS() []byte {
	var w bitWriter
	w.ue(0)       // pic_parameter_set_id
	w.ue(0)       // seq_parameter_set_id
	w.flag(false) // entropy_coding_mode_flag (CAVLC)
	w.flag(false) // bottom_field_pic_order_in_frame_present_flag
	w.ue(0)       // num_slice_groups_minus1
	w.ue(0)       // num_ref_idx_l0_default_active_minus1
	w.ue(0)       // num_ref_idx_l1_default_active_minus1
	w.flag(false) // weighted_pred_flag
	w.u(2, 0)     // weighted_bipred_idc
	w.se(0)       // pic_init_qp_minus26
	w.se(0)       // pic_init_qs_minus26
	w.se(0)       // chroma_qp_index_offset
	w.flag(true)  // deblocking_filter_control_present_flag
	w.flag(false) // constrained_intra_pred_flag
	w.flag(false) // redundant_pic_cnt_present_flag
	return nal(3, NALPPS, w.trailing())
}
