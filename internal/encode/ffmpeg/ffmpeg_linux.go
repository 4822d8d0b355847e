//go:build linux && cgo

package ffmpeg

/*
#cgo pkg-config: libavcodec libavutil libswscale
#include <libavcodec/avcodec.h>
#include <libavutil/imgutils.h>
#include <libavutil/opt.h>
#include <libavutil/hwcontext.h>
#include <libswscale/swscale.h>
#include <stdlib.h>
#include <string.h>

enum { BACKEND_SOFTWARE = 0, BACKEND_NVENC = 1, BACKEND_VAAPI = 2 };

enum {
	ERR_NONE = 0,
	ERR_NO_CODEC = 1,
	ERR_HW_DEVICE = 2,
	ERR_OPEN = 3,
	ERR_ALLOC = 4,
};

// ---------------------------------------------------------------------------
// One encoder for every backend. RGBA/BGRA input is converted with
// sws_scale into a software frame (YUV420P for libx264/libx265, NV12 for
// NVENC and VAAPI). VAAPI additionally uploads the NV12 frame to a surface
// from its hw_frames_ctx before avcodec_send_frame.
// ---------------------------------------------------------------------------

typedef struct {
	AVCodecContext *ctx;
	AVBufferRef *hw_device_ctx;
	AVBufferRef *hw_frames_ctx;
	AVFrame *frame;
	AVFrame *hw_frame;
	AVPacket *pkt;
	struct SwsContext *sws;
	int src_fmt;
	int src_width;
	int src_height;
	int64_t pts;
	int force_key;
} Encoder;

static const char* codec_for(int backend, int hevc) {
	switch (backend) {
	case BACKEND_NVENC: return hevc ? "hevc_nvenc" : "h264_nvenc";
	case BACKEND_VAAPI: return hevc ? "hevc_vaapi" : "h264_vaapi";
	default:            return hevc ? "libx265" : "libx264";
	}
}

static void encoder_destroy(Encoder *e) {
	if (!e) return;
	if (e->sws) sws_freeContext(e->sws);
	if (e->pkt) av_packet_free(&e->pkt);
	if (e->hw_frame) av_frame_free(&e->hw_frame);
	if (e->frame) av_frame_free(&e->frame);
	if (e->ctx) avcodec_free_context(&e->ctx);
	if (e->hw_frames_ctx) av_buffer_unref(&e->hw_frames_ctx);
	if (e->hw_device_ctx) av_buffer_unref(&e->hw_device_ctx);
	free(e);
}

static int vaapi_setup(Encoder *e, const char *device, int width, int height) {
	const char *dev = (device && device[0]) ? device : NULL;
	if (av_hwdevice_ctx_create(&e->hw_device_ctx, AV_HWDEVICE_TYPE_VAAPI, dev, NULL, 0) < 0)
		return ERR_HW_DEVICE;

	e->hw_frames_ctx = av_hwframe_ctx_alloc(e->hw_device_ctx);
	if (!e->hw_frames_ctx) return ERR_ALLOC;

	AVHWFramesContext *frames_ctx = (AVHWFramesContext*)e->hw_frames_ctx->data;
	frames_ctx->format = AV_PIX_FMT_VAAPI;
	frames_ctx->sw_format = AV_PIX_FMT_NV12;
	frames_ctx->width = width;
	frames_ctx->height = height;
	frames_ctx->initial_pool_size = 4;
	if (av_hwframe_ctx_init(e->hw_frames_ctx) < 0) return ERR_HW_DEVICE;

	e->ctx->pix_fmt = AV_PIX_FMT_VAAPI;
	e->ctx->sw_pix_fmt = AV_PIX_FMT_NV12;
	e->ctx->hw_frames_ctx = av_buffer_ref(e->hw_frames_ctx);

	e->hw_frame = av_frame_alloc();
	if (!e->hw_frame) return ERR_ALLOC;
	return ERR_NONE;
}

static Encoder* encoder_init(int backend, int hevc, int src_width, int src_height,
                             int fps, int bitrate_kbps, int keyint,
                             const char *preset, const char *device, int *err) {
	*err = ERR_ALLOC;
	Encoder *e = (Encoder*)calloc(1, sizeof(Encoder));
	if (!e) return NULL;

	// 4:2:0 needs even dimensions; the odd column/row is scaled away.
	int width = src_width & ~1;
	int height = src_height & ~1;
	e->src_width = src_width;
	e->src_height = src_height;
	e->src_fmt = -1;

	const AVCodec *codec = avcodec_find_encoder_by_name(codec_for(backend, hevc));
	if (!codec) { *err = ERR_NO_CODEC; free(e); return NULL; }

	e->ctx = avcodec_alloc_context3(codec);
	if (!e->ctx) { free(e); return NULL; }

	e->ctx->width = width;
	e->ctx->height = height;
	e->ctx->time_base = (AVRational){1, fps};
	e->ctx->framerate = (AVRational){fps, 1};
	e->ctx->bit_rate = (int64_t)bitrate_kbps * 1000;
	e->ctx->gop_size = keyint;
	e->ctx->max_b_frames = 0;
	e->ctx->flags |= AV_CODEC_FLAG_LOW_DELAY;

	int sw_fmt = AV_PIX_FMT_NV12;
	switch (backend) {
	case BACKEND_NVENC:
		e->ctx->pix_fmt = AV_PIX_FMT_NV12;
		av_opt_set(e->ctx->priv_data, "preset", "p1", 0);
		av_opt_set(e->ctx->priv_data, "tune", "ull", 0);
		av_opt_set(e->ctx->priv_data, "profile", hevc ? "main" : "baseline", 0);
		av_opt_set(e->ctx->priv_data, "rc", "cbr", 0);
		av_opt_set(e->ctx->priv_data, "zerolatency", "1", 0);
		break;
	case BACKEND_VAAPI:
		*err = vaapi_setup(e, device, width, height);
		if (*err != ERR_NONE) { encoder_destroy(e); return NULL; }
		break;
	default:
		e->ctx->pix_fmt = AV_PIX_FMT_YUV420P;
		sw_fmt = AV_PIX_FMT_YUV420P;
		av_opt_set(e->ctx->priv_data, "preset", (preset && preset[0]) ? preset : "ultrafast", 0);
		av_opt_set(e->ctx->priv_data, "tune", "zerolatency", 0);
		if (!hevc) av_opt_set(e->ctx->priv_data, "profile", "baseline", 0);
		break;
	}

	if (avcodec_open2(e->ctx, codec, NULL) < 0) {
		*err = ERR_OPEN;
		encoder_destroy(e);
		return NULL;
	}

	*err = ERR_ALLOC;
	e->frame = av_frame_alloc();
	if (!e->frame) { encoder_destroy(e); return NULL; }
	e->frame->format = sw_fmt;
	e->frame->width = width;
	e->frame->height = height;
	if (av_frame_get_buffer(e->frame, 0) < 0) { encoder_destroy(e); return NULL; }

	e->pkt = av_packet_alloc();
	if (!e->pkt) { encoder_destroy(e); return NULL; }

	*err = ERR_NONE;
	return e;
}

static int ensure_sws(Encoder *e, int rgba) {
	int src = rgba ? AV_PIX_FMT_RGBA : AV_PIX_FMT_BGRA;
	if (e->sws && e->src_fmt == src) return 0;
	if (e->sws) sws_freeContext(e->sws);
	e->sws = sws_getContext(
		e->src_width, e->src_height, src,
		e->frame->width, e->frame->height, e->frame->format,
		SWS_FAST_BILINEAR, NULL, NULL, NULL);
	e->src_fmt = src;
	return e->sws ? 0 : -1;
}

static int encoder_encode(Encoder *e, const uint8_t *pixels, int stride, int rgba,
                          uint8_t **out_buf, int *out_size, int *is_key) {
	*out_size = 0;
	if (ensure_sws(e, rgba) < 0) return -1;

	const uint8_t *src_data[1] = { pixels };
	int src_linesize[1] = { stride };

	if (av_frame_make_writable(e->frame) < 0) return -1;
	sws_scale(e->sws, src_data, src_linesize, 0, e->src_height,
	          e->frame->data, e->frame->linesize);

	AVFrame *in = e->frame;
	if (e->hw_frames_ctx) {
		av_frame_unref(e->hw_frame);
		if (av_hwframe_get_buffer(e->hw_frames_ctx, e->hw_frame, 0) < 0) return -1;
		if (av_hwframe_transfer_data(e->hw_frame, e->frame, 0) < 0) return -1;
		in = e->hw_frame;
	}

	in->pts = e->pts++;
	in->pict_type = e->force_key ? AV_PICTURE_TYPE_I : AV_PICTURE_TYPE_NONE;
	e->force_key = 0;

	int ret = avcodec_send_frame(e->ctx, in);
	if (ret < 0) return -1;

	ret = avcodec_receive_packet(e->ctx, e->pkt);
	if (ret == AVERROR(EAGAIN) || ret == AVERROR_EOF) return 0;
	if (ret < 0) return -1;

	*out_buf = e->pkt->data;
	*out_size = e->pkt->size;
	*is_key = (e->pkt->flags & AV_PKT_FLAG_KEY) ? 1 : 0;
	return 0;
}

static void encoder_unref(Encoder *e) { av_packet_unref(e->pkt); }

static const char* encoder_name(Encoder *e) { return e->ctx->codec->name; }

static void encoder_set_bitrate(Encoder *e, int kbps) {
	e->ctx->bit_rate = (int64_t)kbps * 1000;
}

static void encoder_force_key(Encoder *e) { e->force_key = 1; }
*/
import "C"
import (
	"fmt"
	"unsafe"

	"rdpbridge/internal/encode"
	"rdpbridge/internal/types"
)

var backendIDs = map[string]C.int{
	"software": C.BACKEND_SOFTWARE,
	"nvenc":    C.BACKEND_NVENC,
	"vaapi":    C.BACKEND_VAAPI,
}

// Available reports whether this binary was built with libavcodec.
const Available = true

func newEncoder(backend string, opts Options, p encode.Params) (encode.VideoEncoder, error) {
	op := "encode.init " + backend
	if !p.Geometry.Valid() {
		return nil, types.Errorf(types.KindProtocolViolation, op, "invalid geometry %s", p.Geometry)
	}
	if p.FPS <= 0 {
		return nil, types.Errorf(types.KindProtocolViolation, op, "invalid fps %d", p.FPS)
	}
	keyint := p.GOP
	if keyint <= 0 {
		keyint = p.FPS * 2
	}
	hevc := C.int(0)
	if p.Codec == types.CodecH265 {
		hevc = 1
	}

	cPreset := C.CString(p.Preset)
	defer C.free(unsafe.Pointer(cPreset))
	cDevice := C.CString(opts.VAAPIDevice)
	defer C.free(unsafe.Pointer(cDevice))

	var cerr C.int
	e := C.encoder_init(backendIDs[backend], hevc,
		C.int(p.Geometry.Width), C.int(p.Geometry.Height), C.int(p.FPS),
		C.int(p.Bitrate), C.int(keyint), cPreset, cDevice, &cerr)
	if e == nil {
		switch cerr {
		case C.ERR_NO_CODEC:
			return nil, types.Errorf(types.KindBackendUnavailable, op, "libavcodec has no %s encoder", codecName(backend, p.Codec))
		case C.ERR_HW_DEVICE:
			return nil, types.Errorf(types.KindBackendUnavailable, op, "cannot open hardware device %q", opts.VAAPIDevice)
		case C.ERR_OPEN:
			return nil, types.Errorf(types.KindBackendUnavailable, op, "avcodec_open2 failed for %s", codecName(backend, p.Codec))
		default:
			return nil, types.Errorf(types.KindResourceExhaustion, op, "allocation failed")
		}
	}

	return &encoder{
		e:        e,
		backend:  backend,
		codec:    C.GoString(C.encoder_name(e)),
		geometry: p.Geometry,
		kind:     p.Codec,
	}, nil
}

// encoder wraps one libavcodec context. It is driven by a single goroutine.
type encoder struct {
	e        *C.Encoder
	backend  string
	codec    string
	geometry types.Geometry
	kind     types.Codec
}

func (enc *encoder) Name() string { return enc.backend }

// Codec returns the libavcodec encoder in use (libx264, h264_nvenc, ...).
func (enc *encoder) Codec() string { return enc.codec }

func (enc *encoder) Encode(frame, _ *types.Frame) (*types.EncodedUnit, error) {
	if enc.e == nil {
		return nil, types.Errorf(types.KindBackendUnavailable, "encode."+enc.backend, "encoder closed")
	}
	if frame.Geometry() != enc.geometry {
		return nil, types.Errorf(types.KindProtocolViolation, "encode."+enc.backend,
			"frame is %s, encoder expects %s", frame.Geometry(), enc.geometry)
	}
	if len(frame.Data) < frame.Stride*frame.Height {
		return nil, types.Errorf(types.KindProtocolViolation, "encode."+enc.backend, "short frame buffer")
	}

	var outBuf *C.uint8_t
	var outSize C.int
	var isKey C.int
	rgba := C.int(0)
	if frame.Format == types.PixFmtRGBA {
		rgba = 1
	}

	ret := C.encoder_encode(enc.e,
		(*C.uint8_t)(unsafe.Pointer(&frame.Data[0])), C.int(frame.Stride), rgba,
		&outBuf, &outSize, &isKey)
	if ret != 0 {
		return nil, fmt.Errorf("%s encode failed", enc.codec)
	}
	if outSize == 0 {
		return nil, nil
	}

	data := C.GoBytes(unsafe.Pointer(outBuf), outSize)
	C.encoder_unref(enc.e)

	return &types.EncodedUnit{
		Codec:    enc.kind,
		Keyframe: isKey != 0,
		Payload:  data,
	}, nil
}

// SetBitrate changes the target rate. libx264 and NVENC reconfigure on the
// next frame; VAAPI keeps its initial rate until recreated.
func (enc *encoder) SetBitrate(kbps int) error {
	if enc.e == nil {
		return nil
	}
	C.encoder_set_bitrate(enc.e, C.int(kbps))
	return nil
}

func (enc *encoder) RequestKeyframe() {
	if enc.e != nil {
		C.encoder_force_key(enc.e)
	}
}

func (enc *encoder) Close() error {
	if enc.e != nil {
		C.encoder_destroy(enc.e)
		enc.e = nil
	}
	return nil
}
