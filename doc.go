// Package cfenc transcodes video to CineForm with libCFHDCodec's
// asynchronous encoder pool.
//
// A run opens the input with libav (go-astiav), picks the frame layout the
// encoder accepts (YUY2, v210 or RG48) and either forwards raw packets
// untouched or decodes, converts and repacks each frame. Frames are copied
// into a fixed ring of slot buffers and submitted to the pool; finished
// samples are written as the pool returns them, next to the passthrough
// audio and subtitle tracks.
//
//	Demuxer -> [Decoder -> Scaler -> V210Packer] -> EncodeCoordinator -> Muxer
//	                                                      |
//	                                            FrameSlotQueue / EncoderPool
//
// # Native Libraries
//
// libCFHDCodec is loaded at runtime with purego. Set CFHD_CODEC_LIB_PATH to
// the library file or CFHD_SDK_LIB_PATH to its directory. libav is linked
// with cgo.
//
// # Build Tags
//
//   - nocfhd: build without the CineForm binding
//   - noav: build without libav (also implied by CGO_ENABLED=0)
package cfenc
