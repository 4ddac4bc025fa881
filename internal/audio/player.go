package audio

import (
	"context"
	"log"
	"sync"
	"time"
)

// Track identifies a result file queued for preview playback.
type Track struct {
	ID   string
	Path string
	Name string
}

type decodedTrack struct {
	info    Track
	samples []int16
}

// PlayerStatus is a snapshot of preview playback.
type PlayerStatus struct {
	Track    Track
	Position time.Duration
	Duration time.Duration
	Playing  bool
}

// Player decodes result files and emits 20ms preview frames at real-time
// rate. A newly enqueued track preempts the current one with a crossfade.
type Player struct {
	trackCh      chan Track
	frameCh      chan []int16
	stopCh       chan struct{}
	crossfadeDur time.Duration
	decode       func(path string) ([]int16, error)

	mu     sync.RWMutex
	status PlayerStatus
}

// NewPlayer creates a preview player with the given crossfade duration.
func NewPlayer(crossfadeDuration time.Duration) *Player {
	return &Player{
		trackCh:      make(chan Track, 8),
		frameCh:      make(chan []int16, 100),
		stopCh:       make(chan struct{}, 1),
		crossfadeDur: crossfadeDuration,
		decode:       DecodeFile,
	}
}

// Frames returns the channel of outgoing PCM frames.
func (p *Player) Frames() <-chan []int16 {
	return p.frameCh
}

// Enqueue schedules a track. It never blocks; a full queue drops the track.
func (p *Player) Enqueue(t Track) {
	select {
	case p.trackCh <- t:
	default:
		log.Printf("Player queue full, dropping %s", t.ID)
	}
}

// Stop halts the current track.
func (p *Player) Stop() {
	select {
	case p.stopCh <- struct{}{}:
	default:
	}
}

// Status returns current playback info.
func (p *Player) Status() PlayerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Run starts the player. Blocks until ctx is cancelled.
func (p *Player) Run(ctx context.Context) {
	defer close(p.frameCh)

	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	decodedCh := make(chan *decodedTrack, 4)
	go func() {
		defer close(decodedCh)
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-p.trackCh:
				samples, err := p.decode(t.Path)
				if err != nil {
					log.Printf("Decode failed %s: %v", t.Path, err)
					continue
				}
				select {
				case decodedCh <- &decodedTrack{info: t, samples: samples}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	var (
		next  *decodedTrack
		start int
	)
	for {
		if next == nil {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-decodedCh:
				if !ok {
					return
				}
				next, start = d, 0
			}
		}
		next, start = p.playTrack(ctx, ticker, decodedCh, next, start)
	}
}

// playTrack plays dt from frame start. When another track arrives mid-play it
// crossfades into it and returns it with the frame to resume from.
func (p *Player) playTrack(ctx context.Context, ticker *time.Ticker, decodedCh <-chan *decodedTrack, dt *decodedTrack, start int) (*decodedTrack, int) {
	total := (len(dt.samples) + FrameSamples - 1) / FrameSamples
	p.setTrack(dt.info, total)
	p.updatePosition(start)
	log.Printf("Now previewing: %s (frames: %d)", dt.info.ID, total)
	defer p.setPlaying(false)

	for i := start; i < total; i++ {
		select {
		case next, ok := <-decodedCh:
			if !ok {
				return nil, 0
			}
			return p.crossfade(ctx, ticker, dt.samples, i, next)
		default:
		}

		if !p.sendFrame(ctx, ticker, frameAt(dt.samples, i)) {
			return nil, 0
		}
		p.updatePosition(i + 1)
	}
	return nil, 0
}

func (p *Player) crossfade(ctx context.Context, ticker *time.Ticker, outgoing []int16, from int, next *decodedTrack) (*decodedTrack, int) {
	cfFrames := int(p.crossfadeDur / FrameDuration)
	nextTotal := len(next.samples) / FrameSamples
	if cfFrames > nextTotal/2 {
		cfFrames = nextTotal / 2
	}

	for i := 0; i < cfFrames; i++ {
		frame := CrossfadeFrames(frameAt(outgoing, from+i), frameAt(next.samples, i), float64(i)/float64(cfFrames))
		if !p.sendFrame(ctx, ticker, frame) {
			return nil, 0
		}
	}
	log.Printf("Crossfaded into: %s", next.info.ID)
	return next, cfFrames
}

// frameAt returns frame i of samples, zero-padded past the end.
func frameAt(samples []int16, i int) []int16 {
	lo := i * FrameSamples
	hi := lo + FrameSamples
	if hi <= len(samples) {
		return samples[lo:hi]
	}
	frame := make([]int16, FrameSamples)
	if lo < len(samples) {
		copy(frame, samples[lo:])
	}
	return frame
}

// sendFrame waits for the ticker then sends a frame. Returns false on stop or cancel.
func (p *Player) sendFrame(ctx context.Context, ticker *time.Ticker, frame []int16) bool {
	select {
	case <-ctx.Done():
		return false
	case <-p.stopCh:
		log.Println("Preview stopped")
		return false
	case <-ticker.C:
	}

	select {
	case p.frameCh <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Player) setTrack(info Track, totalFrames int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = PlayerStatus{
		Track:    info,
		Duration: time.Duration(totalFrames) * FrameDuration,
		Playing:  true,
	}
}

func (p *Player) setPlaying(playing bool) {
	p.mu.Lock()
	p.status.Playing = playing
	p.mu.Unlock()
}

func (p *Player) updatePosition(frames int) {
	p.mu.Lock()
	p.status.Position = time.Duration(frames) * FrameDuration
	p.mu.Unlock()
}
