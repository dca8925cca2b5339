//go:build (darwin || linux) && !nocfhd

// CineForm encoder pool support via libCFHDCodec using purego.

package cfenc

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/hashicorp/go-multierror"
)

var (
	cfhdOnce    sync.Once
	cfhdHandle  uintptr
	cfhdInitErr error
	cfhdLoaded  bool
)

var cfhdLib = nativeLib{
	Name:    "CFHDCodec",
	FileEnv: "CFHD_CODEC_LIB_PATH",
	DirEnv:  "CFHD_SDK_LIB_PATH",
}

// libCFHDCodec function pointers
var (
	cfhdCreateEncoderPool         func(poolOut uintptr, threads, queueLength int32, allocator uintptr) int32
	cfhdPrepareEncoderPool        func(pool uintptr, width, height uint16, pixelFormat, encodedFormat, flags, quality uint32) int32
	cfhdAttachEncoderPoolMetadata func(pool, metadata uintptr) int32
	cfhdStartEncoderPool          func(pool uintptr) int32
	cfhdStopEncoderPool           func(pool uintptr) int32
	cfhdEncodeAsyncSample         func(pool uintptr, frameNumber uint32, frame uintptr, pitch int, metadata uintptr) int32
	cfhdTestForSample             func(pool uintptr, frameNumberOut, sampleOut uintptr) int32
	cfhdGetEncodedSample          func(sample uintptr, dataOut, sizeOut uintptr) int32
	cfhdReleaseSampleBuffer       func(pool, sample uintptr) int32
	cfhdReleaseEncoderPool        func(pool uintptr) int32

	cfhdMetadataOpen  func(metadataOut uintptr) int32
	cfhdMetadataAdd   func(metadata uintptr, tag, typ uint32, size uintptr, data uintptr, temporary bool) int32
	cfhdMetadataClose func(metadata uintptr) int32
)

// Constants from CFHDTypes.h / CFHDMetadata.h
const (
	cfhdErrorOkay        = 0
	cfhdMetadataTypeUInt = 'L'
)

// cfhdCallResult is a heap-allocated struct for output parameters.
// This struct must be heap-allocated for purego to work correctly on arm64.
// Using local stack variables for output parameters can fail due to GC moving
// the stack during the C call.
type cfhdCallResult struct {
	Ref    uintptr // Pool or metadata handle
	Frame  uint32  // Frame number of a ready sample
	Sample uintptr // Sample buffer handle
	Data   uintptr // Encoded bytes
	Size   uintptr // Encoded size (size_t)
	Value  uint32  // Metadata value passed by pointer
}

// CFHDError is a non-zero CFHD_Error code.
type CFHDError struct {
	Op   string
	Code int32
}

func (e *CFHDError) Error() string {
	return fmt.Sprintf("%s failed with error code %d", e.Op, e.Code)
}

func cfhdCheck(op string, code int32) error {
	if code == cfhdErrorOkay {
		return nil
	}
	return &CFHDError{Op: op, Code: code}
}

func loadCFHD() error {
	cfhdOnce.Do(func() {
		cfhdHandle, cfhdInitErr = cfhdLib.open(loadCFHDSymbols)
		if cfhdInitErr == nil {
			cfhdLoaded = true
		}
	})
	return cfhdInitErr
}

func loadCFHDSymbols(handle uintptr) (err error) {
	// RegisterLibFunc panics on a missing symbol.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("libCFHDCodec: %v", r)
		}
	}()

	purego.RegisterLibFunc(&cfhdCreateEncoderPool, handle, "CFHD_CreateEncoderPool")
	purego.RegisterLibFunc(&cfhdPrepareEncoderPool, handle, "CFHD_PrepareEncoderPool")
	purego.RegisterLibFunc(&cfhdAttachEncoderPoolMetadata, handle, "CFHD_AttachEncoderPoolMetadata")
	purego.RegisterLibFunc(&cfhdStartEncoderPool, handle, "CFHD_StartEncoderPool")
	purego.RegisterLibFunc(&cfhdStopEncoderPool, handle, "CFHD_StopEncoderPool")
	purego.RegisterLibFunc(&cfhdEncodeAsyncSample, handle, "CFHD_EncodeAsyncSample")
	purego.RegisterLibFunc(&cfhdTestForSample, handle, "CFHD_TestForSample")
	purego.RegisterLibFunc(&cfhdGetEncodedSample, handle, "CFHD_GetEncodedSample")
	purego.RegisterLibFunc(&cfhdReleaseSampleBuffer, handle, "CFHD_ReleaseSampleBuffer")
	purego.RegisterLibFunc(&cfhdReleaseEncoderPool, handle, "CFHD_ReleaseEncoderPool")

	purego.RegisterLibFunc(&cfhdMetadataOpen, handle, "CFHD_MetadataOpen")
	purego.RegisterLibFunc(&cfhdMetadataAdd, handle, "CFHD_MetadataAdd")
	purego.RegisterLibFunc(&cfhdMetadataClose, handle, "CFHD_MetadataClose")
	return nil
}

// IsCineFormAvailable checks if libCFHDCodec is available.
func IsCineFormAvailable() bool {
	if err := loadCFHD(); err != nil {
		return false
	}
	return cfhdLoaded
}

// CFHDPool is an EncoderPool backed by the CineForm SDK.
type CFHDPool struct {
	pool     uintptr
	metadata uintptr
	threads  int
	capacity int

	// Persistent output buffer for purego workaround on arm64
	out *cfhdCallResult

	started bool
	mu      sync.Mutex
}

// NewCFHDPool creates a CineForm encoder pool with threads workers and a
// job queue of capacity frames.
func NewCFHDPool(threads, capacity int) (*CFHDPool, error) {
	if err := loadCFHD(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
	}
	if threads < 1 || capacity < 1 {
		return nil, fmt.Errorf("invalid pool size: threads=%d capacity=%d", threads, capacity)
	}

	p := &CFHDPool{
		threads:  threads,
		capacity: capacity,
		out:      &cfhdCallResult{}, // Heap-allocated for purego arm64
	}

	code := cfhdMetadataOpen(uintptr(unsafe.Pointer(&p.out.Ref)))
	runtime.KeepAlive(p.out)
	if err := cfhdCheck("CFHD_MetadataOpen", code); err != nil {
		return nil, err
	}
	p.metadata = p.out.Ref

	code = cfhdCreateEncoderPool(uintptr(unsafe.Pointer(&p.out.Ref)), int32(threads), int32(capacity), 0)
	runtime.KeepAlive(p.out)
	if err := cfhdCheck("CFHD_CreateEncoderPool", code); err != nil {
		cfhdMetadataClose(p.metadata)
		return nil, err
	}
	p.pool = p.out.Ref
	return p, nil
}

// SlotAllocator returns an allocator for buffers the SDK reads after
// EncodeAsyncSample returns.
func (p *CFHDPool) SlotAllocator() BufferAllocator { return MmapAllocator{} }

// Prepare implements EncoderPool.
func (p *CFHDPool) Prepare(cfg EncodeConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pool == 0 {
		return ErrClosed
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > 0xffff || cfg.Height > 0xffff {
		return fmt.Errorf("invalid frame size %dx%d", cfg.Width, cfg.Height)
	}
	if err := cfhdCheck("CFHD_PrepareEncoderPool", cfhdPrepareEncoderPool(p.pool,
		uint16(cfg.Width), uint16(cfg.Height),
		uint32(cfg.PixelFormat), uint32(cfg.EncodedFormat), uint32(cfg.Flags), uint32(cfg.Quality))); err != nil {
		return err
	}
	// Reattach so the prepared encoders pick up the handle.
	return cfhdCheck("CFHD_AttachEncoderPoolMetadata", cfhdAttachEncoderPoolMetadata(p.pool, p.metadata))
}

// AttachMetadata implements EncoderPool.
func (p *CFHDPool) AttachMetadata(tags []MetadataTag) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pool == 0 {
		return ErrClosed
	}
	// The pool holds the handle, so tags added after attaching are seen
	// by Prepare.
	if err := cfhdCheck("CFHD_AttachEncoderPoolMetadata", cfhdAttachEncoderPoolMetadata(p.pool, p.metadata)); err != nil {
		return err
	}
	for _, tag := range tags {
		if err := p.addTag(tag.Tag, tag.Value); err != nil {
			return err
		}
	}
	return nil
}

func (p *CFHDPool) addTag(tag, value uint32) error {
	p.out.Value = value
	code := cfhdMetadataAdd(p.metadata, tag, cfhdMetadataTypeUInt, 4, uintptr(unsafe.Pointer(&p.out.Value)), false)
	runtime.KeepAlive(p.out)
	return cfhdCheck("CFHD_MetadataAdd", code)
}

// Start implements EncoderPool.
func (p *CFHDPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pool == 0 {
		return ErrClosed
	}
	if err := cfhdCheck("CFHD_StartEncoderPool", cfhdStartEncoderPool(p.pool)); err != nil {
		return err
	}
	p.started = true
	return nil
}

// SubmitAsync implements EncoderPool. frame must not live on the Go heap.
func (p *CFHDPool) SubmitAsync(frameNumber uint32, frame []byte, pitch int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return errors.New("encoder pool not started")
	}
	if len(frame) == 0 {
		return errors.New("empty frame")
	}
	if err := p.addTag(TagUniqueFrameNumber, frameNumber); err != nil {
		return err
	}
	code := cfhdEncodeAsyncSample(p.pool, frameNumber, uintptr(unsafe.Pointer(&frame[0])), pitch, p.metadata)
	return cfhdCheck("CFHD_EncodeAsyncSample", code)
}

// TestForSample implements EncoderPool.
func (p *CFHDPool) TestForSample() (uint32, SampleRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return 0, 0, false
	}
	code := cfhdTestForSample(p.pool,
		uintptr(unsafe.Pointer(&p.out.Frame)),
		uintptr(unsafe.Pointer(&p.out.Sample)))
	runtime.KeepAlive(p.out)
	if code != cfhdErrorOkay {
		return 0, 0, false
	}
	return p.out.Frame, SampleRef(p.out.Sample), true
}

// EncodedSample implements EncoderPool.
func (p *CFHDPool) EncodedSample(ref SampleRef) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	code := cfhdGetEncodedSample(uintptr(ref),
		uintptr(unsafe.Pointer(&p.out.Data)),
		uintptr(unsafe.Pointer(&p.out.Size)))
	runtime.KeepAlive(p.out)
	if err := cfhdCheck("CFHD_GetEncodedSample", code); err != nil {
		return nil, err
	}
	if p.out.Data == 0 || p.out.Size == 0 {
		return nil, nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p.out.Data)), int(p.out.Size)), nil
}

// ReleaseSample implements EncoderPool.
func (p *CFHDPool) ReleaseSample(ref SampleRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pool == 0 {
		return ErrClosed
	}
	return cfhdCheck("CFHD_ReleaseSampleBuffer", cfhdReleaseSampleBuffer(p.pool, uintptr(ref)))
}

// Close stops and releases the pool. Samples still queued are discarded.
func (p *CFHDPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result *multierror.Error
	if p.pool != 0 {
		if p.started {
			if err := cfhdCheck("CFHD_StopEncoderPool", cfhdStopEncoderPool(p.pool)); err != nil {
				result = multierror.Append(result, err)
			}
			p.started = false
		}
		if err := cfhdCheck("CFHD_ReleaseEncoderPool", cfhdReleaseEncoderPool(p.pool)); err != nil {
			result = multierror.Append(result, err)
		}
		p.pool = 0
	}
	if p.metadata != 0 {
		if err := cfhdCheck("CFHD_MetadataClose", cfhdMetadataClose(p.metadata)); err != nil {
			result = multierror.Append(result, err)
		}
		p.metadata = 0
	}
	return result.ErrorOrNil()
}

// Register the CineForm encoder pool
func init() {
	if err := loadCFHD(); err == nil {
		setProviderAvailable(ProviderCineForm)
		registerEncoderPool(ProviderCineForm, func(threads, capacity int) (EncoderPool, error) {
			return NewCFHDPool(threads, capacity)
		})
	}
}
