// Package audiooutput implements the single local audio output device the
// Player drives (§4.6): decode MP3/FLAC and push PCM through one
// github.com/ebitengine/oto/v3 context. The decode/output wiring follows
// chartzngrafs/navitone-cli's internal/audio/{player,decoder}.go — same
// libraries, same "decoder produces an io.Reader of PCM, oto plays that
// reader" shape — adapted from HTTP-streamed remote tracks to local
// preloaded files, and from a per-play oto.Context to one long-lived
// context for the process's one output device.
package audiooutput

import (
	"fmt"
	"os"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"

	"github.com/arung-agamani/pmpserver/internal/audiodata"
)

const (
	outputSampleRate = 44100
	outputChannels    = 2
	bytesPerFrame     = 4 // 16-bit stereo
)

// Output is the single local audio device Player talks to.
type Output struct {
	mu      sync.Mutex
	ctx     *oto.Context
	player  *oto.Player
	counter *countingReader

	volume float64 // 0.0 .. 1.0
}

// New creates the process's one oto output context. Must be called exactly
// once; oto permits only a single context per process.
func New() (*Output, error) {
	op := &oto.NewContextOptions{
		SampleRate:   outputSampleRate,
		ChannelCount: outputChannels,
		Format:       oto.FormatSignedInt16LE,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("audiooutput: create context: %w", err)
	}
	<-ready
	return &Output{ctx: ctx, volume: 1.0}, nil
}

// countingReader tracks how many decoded PCM bytes have been handed to oto,
// the basis for position tracking (no explicit seek-by-time API from
// go-mp3/flac's decoders, so position is derived from bytes consumed).
type countingReader struct {
	mu    sync.Mutex
	inner interface{ Read(p []byte) (int, error) }
	n     int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.inner.Read(p)
	c.mu.Lock()
	c.n += int64(n)
	c.mu.Unlock()
	return n, err
}

func (c *countingReader) bytesRead() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// LoadFile opens path, decodes it according to format, and readies (but
// does not start) playback. Any previously loaded file is closed first.
func (o *Output) LoadFile(path string, format audiodata.Format) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.closeLocked()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("audiooutput: open %s: %w", path, err)
	}

	var pcm interface{ Read(p []byte) (int, error) }
	switch format {
	case audiodata.MP3:
		dec, err := mp3.NewDecoder(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("audiooutput: mp3 decode %s: %w", path, err)
		}
		pcm = dec
	case audiodata.FLAC:
		stream, err := flac.New(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("audiooutput: flac decode %s: %w", path, err)
		}
		pcm = &flacPCMReader{stream: stream}
	default:
		f.Close()
		return fmt.Errorf("audiooutput: unsupported format %v for %s", format, path)
	}

	o.counter = &countingReader{inner: pcm}
	o.player = o.ctx.NewPlayer(o.counter)
	o.player.SetVolume(o.volume)
	return nil
}

func (o *Output) closeLocked() {
	if o.player != nil {
		o.player.Close()
		o.player = nil
	}
	o.counter = nil
}

// Play starts or resumes playback of the currently loaded file.
func (o *Output) Play() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.player != nil {
		o.player.Play()
	}
}

// Pause suspends playback without discarding decode state.
func (o *Output) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.player != nil {
		o.player.Pause()
	}
}

// Stop closes the current player, discarding decode state.
func (o *Output) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked()
}

// IsFinished reports whether the loaded file has finished playing.
func (o *Output) IsFinished() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.player == nil || !o.player.IsPlaying() && o.player.BufferedSize() == 0
}

// PositionMs estimates elapsed playback position from decoded byte count.
// This is approximate (it reflects bytes handed to the device, not bytes
// physically sounded), matching the approximation navitone-cli's own
// position ticker makes.
func (o *Output) PositionMs() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counter == nil {
		return 0
	}
	bytes := o.counter.bytesRead()
	frames := bytes / bytesPerFrame
	return frames * 1000 / outputSampleRate
}

// SeekMs is unsupported by the underlying streaming decoders; Player treats
// a failed seek as "seek happened anyway" per §4.6 (seekHappened still marks
// the permillage sentinel), so this is a best-effort no-op returning an
// error the caller may choose to ignore for scoring purposes.
func (o *Output) SeekMs(ms int64) error {
	return fmt.Errorf("audiooutput: seek not supported by streaming decoders")
}

// SetVolume sets output volume as a linear 0.0..1.0 factor.
func (o *Output) SetVolume(v float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	o.volume = v
	if o.player != nil {
		o.player.SetVolume(v)
	}
}

// Close releases the output device entirely. Call once at shutdown.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked()
	return nil
}

// flacPCMReader adapts mewkiz/flac's frame-at-a-time API to io.Reader,
// ground identical to navitone-cli's FLACReader (internal/audio/decoder.go)
// down to the 16-bit little-endian interleave.
type flacPCMReader struct {
	stream  *flac.Stream
	pending []byte
}

func (r *flacPCMReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		frame, err := r.stream.ParseNext()
		if err != nil {
			return 0, err
		}
		r.pending = interleaveFrame(frame)
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func interleaveFrame(frame *flac.Frame) []byte {
	subframes := frame.Subframes
	n := len(subframes[0].Samples)
	out := make([]byte, 0, n*bytesPerFrame)
	for i := 0; i < n; i++ {
		left := int16(subframes[0].Samples[i])
		right := left
		if len(subframes) > 1 && i < len(subframes[1].Samples) {
			right = int16(subframes[1].Samples[i])
		}
		out = append(out, byte(left), byte(left>>8), byte(right), byte(right>>8))
	}
	return out
}
