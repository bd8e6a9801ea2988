package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/capture"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/muxer"
)

// session is one recording. Fields below the mailbox are owned by the
// actor goroutine.
type session struct {
	r      *Recorder
	cfg    Config
	logger *slog.Logger
	disp   *dispatcher
	timer  *FrameTimer
	mb     *mailbox

	ready    chan struct{}
	finished chan struct{}
	done     chan Result
	result   Result

	tickPending  atomic.Bool
	ticks        atomic.Int64
	muxerStarted atomic.Bool

	coord            *muxer.Coordinator
	video            core.VideoEncoder
	audio            core.AudioEncoder
	worker           *capture.Worker
	producerAttached bool
	videoDrain       *drainer
	audioDrain       *drainer

	chunks          int64
	audioInputEnded bool
	stopping        bool
	finishing       bool
	lastProgress    time.Time
	duration        time.Duration
	err             error
}

func newSession(r *Recorder, cfg Config, cb Callback) *session {
	logger := r.logger.With("session", newSessionID())
	s := &session{
		r:        r,
		cfg:      cfg,
		logger:   logger,
		disp:     newDispatcher(cb, logger),
		mb:       newMailbox(),
		ready:    make(chan struct{}),
		finished: make(chan struct{}),
		done:     make(chan Result, 1),
	}
	s.timer = NewFrameTimer(r.opts.clock, r.opts.framePeriod, s.tick)
	return s
}

// tick runs on the timer goroutine. Ticks coalesce while one is queued.
func (s *session) tick() {
	if s.tickPending.CompareAndSwap(false, true) {
		if !s.mb.post(message{kind: msgTick}) {
			s.tickPending.Store(false)
		}
	}
}

// postChunk runs on the capture goroutine.
func (s *session) postChunk(chunk core.PCMChunk) bool {
	return s.mb.post(message{kind: msgAudioChunk, chunk: chunk})
}

func (s *session) run() {
	close(s.ready)
	for {
		msg, ok := s.mb.receive()
		if !ok {
			break
		}
		if msg.kind == msgQuit {
			s.mb.close()
			break
		}
		s.handle(msg)
	}
	s.complete()
}

func (s *session) handle(msg message) {
	if msg.kind == msgTick {
		s.tickPending.Store(false)
	}
	if s.err != nil {
		// failed sessions only wait for quit
		return
	}

	var err error
	switch msg.kind {
	case msgStart:
		err = s.handleStart()
	case msgTick:
		err = s.handleTick()
	case msgAudioChunk:
		err = s.handleChunk(msg.chunk)
	case msgStop:
		err = s.handleStop()
	case msgFinish:
		err = s.handleFinish()
	}
	if err != nil {
		s.fail(msg.kind, err)
	}
}

func (s *session) handleStart() error {
	p := s.r.platform
	o := &s.r.opts

	writer, err := p.NewWriter(s.cfg.Format, s.cfg.OutputPath)
	if err != nil {
		return classify(core.KindDevice, err, "create container writer")
	}
	s.coord = muxer.NewCoordinator(writer, o.clock, s.logger)

	videoFormat := s.cfg.VideoFormat()
	if s.video, err = p.NewVideoEncoder(videoFormat); err != nil {
		return classify(core.KindDevice, err, "create video encoder")
	}
	surface := s.video.InputSurface()
	if surface == nil {
		return core.NewError(core.KindDevice, "video encoder has no input surface")
	}
	if s.audio, err = p.NewAudioEncoder(s.cfg.Audio); err != nil {
		return classify(core.KindDevice, err, "create audio encoder")
	}

	s.videoDrain = newDrainer(core.StreamVideo, s.video.Dequeue, s.coord, o, s.logger)
	s.audioDrain = newDrainer(core.StreamAudio, s.audio.Dequeue, s.coord, o, s.logger)
	s.videoDrain.onStart = s.onMuxerStarted
	s.audioDrain.onStart = s.onMuxerStarted

	s.worker = capture.NewWorker(p.Microphone, s.cfg.Audio, s.postChunk, s.logger)
	if err := s.worker.Start(); err != nil {
		return err
	}

	if p.Producer != nil {
		if err := p.Producer.Attach(surface, videoFormat); err != nil {
			return core.Wrap(core.KindDevice, err, "attach surface producer")
		}
		s.producerAttached = true
	}

	s.timer.Start()
	s.r.transition(s, StateRecording, StateConfiguring)
	s.logger.Info("recording started")
	return nil
}

func (s *session) onMuxerStarted() error {
	s.muxerStarted.Store(true)
	s.lastProgress = s.r.opts.clock.Now()
	if err := s.videoDrain.flush(); err != nil {
		return err
	}
	return s.audioDrain.flush()
}

func (s *session) handleTick() error {
	defer s.ticks.Add(1)
	if s.finishing {
		return nil
	}
	if err := s.videoDrain.drainAvailable(s.r.opts.pollTimeout); err != nil {
		return err
	}
	if s.videoDrain.ended {
		s.logger.Warn("video stream ended while recording")
		s.timer.Stop()
		return nil
	}

	interval := s.r.opts.progressInterval
	if interval > 0 && s.muxerStarted.Load() {
		now := s.r.opts.clock.Now()
		if now.Sub(s.lastProgress) >= interval {
			s.lastProgress = now
			s.disp.durationChanged(s.coord.Duration())
		}
	}
	return nil
}

func (s *session) handleChunk(chunk core.PCMChunk) error {
	if s.audioInputEnded {
		s.logger.Debug("audio chunk after end of input ignored", "bytes", len(chunk.Data()))
		return nil
	}
	if err := s.queueAudio(chunk); err != nil {
		return err
	}
	return s.audioDrain.drainAvailable(0)
}

func (s *session) queueAudio(chunk core.PCMChunk) error {
	a := s.cfg.Audio
	pts := s.chunks * int64(a.SamplesPerFrame) * int64(time.Second/time.Microsecond) / int64(a.SampleRate)
	if err := s.audio.QueueInput(chunk, pts); err != nil {
		return classify(core.KindDevice, err, "queue audio input")
	}
	if chunk.IsEndOfStream {
		s.audioInputEnded = true
	} else {
		s.chunks++
	}
	return nil
}

// handleStop joins the capture goroutine. Its final chunk is queued ahead
// of the finish message posted here.
func (s *session) handleStop() error {
	if s.stopping {
		return nil
	}
	s.stopping = true
	s.timer.Stop()
	if s.worker != nil {
		s.worker.Stop()
		s.worker.Wait()
		s.logger.Debug("audio capture joined", "reads", s.worker.Reads(), "readErrors", s.worker.ReadErrors())
	}
	s.mb.post(message{kind: msgFinish})
	return nil
}

func (s *session) handleFinish() error {
	if s.finishing {
		return nil
	}
	s.finishing = true
	s.r.transition(s, StateDraining, StateStopping)
	o := &s.r.opts

	if !s.audioInputEnded {
		if err := s.queueAudio(core.PCMChunk{IsEndOfStream: true}); err != nil {
			return err
		}
	}
	s.detachProducer()
	if err := s.video.SignalEndOfInputStream(); err != nil {
		return core.Wrap(core.KindDevice, err, "signal video end of stream")
	}

	if err := s.videoDrain.drainToEnd(o.pollTimeout, o.drainTimeout); err != nil {
		return err
	}
	if err := s.audioDrain.drainToEnd(o.pollTimeout, o.drainTimeout); err != nil {
		return err
	}

	duration, err := s.coord.Finalize()
	s.duration = duration
	if err != nil {
		return err
	}
	s.releaseEncoders()
	s.mb.post(message{kind: msgQuit})
	return nil
}

// fail records err and releases every resource the session holds.
func (s *session) fail(during msgKind, err error) {
	s.err = err
	kind, _ := core.KindOf(err)
	if kind == core.KindProtocolViolation {
		s.logger.Error("pipeline invariant broken", "during", during, "error", err)
	} else {
		s.logger.Error("recording failed", "during", during, "kind", kind, "error", err)
	}
	if s.coord != nil && s.duration == 0 {
		s.duration = s.coord.Duration()
	}

	s.timer.Stop()
	if s.worker != nil {
		s.worker.Stop()
		s.worker.Wait()
	}
	s.detachProducer()
	s.releaseEncoders()
	if s.coord != nil {
		s.coord.Abort()
	}
	s.mb.post(message{kind: msgQuit})
}

func (s *session) detachProducer() {
	if s.producerAttached {
		s.r.platform.Producer.Detach()
		s.producerAttached = false
	}
}

func (s *session) releaseEncoders() {
	if s.video != nil {
		if err := s.video.Release(); err != nil {
			s.logger.Warn("release video encoder", "error", err)
		}
		s.video = nil
	}
	if s.audio != nil {
		if err := s.audio.Release(); err != nil {
			s.logger.Warn("release audio encoder", "error", err)
		}
		s.audio = nil
	}
}

// complete runs after the actor loop exited and reports the outcome.
func (s *session) complete() {
	res := Result{Path: s.cfg.OutputPath, Duration: s.duration, Err: s.err}

	if s.err != nil {
		s.r.transition(s, StateFailed, StateConfiguring, StateRecording, StateStopping, StateDraining)
		s.publish(res)
		s.disp.failed(res.Err, res.Duration)
		return
	}

	// the file is complete, a new session may start while the cover is
	// extracted
	s.r.transition(s, StateFinalized, StateConfiguring, StateRecording, StateStopping, StateDraining)
	if extractor := s.r.platform.Cover; extractor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.r.opts.coverTimeout)
		coverPath, err := extractor.Extract(ctx, s.cfg.OutputPath)
		cancel()
		if err != nil {
			s.logger.Warn("cover extraction failed", "error", err)
		} else {
			res.CoverPath = coverPath
		}
	}
	s.logger.Info("recording finished", "path", res.Path, "duration", res.Duration)
	s.publish(res)
	s.disp.success(res.Path, res.CoverPath, res.Duration)
}

// publish makes res visible to Wait and Done before any terminal callback
// runs, so callbacks may call Wait.
func (s *session) publish(res Result) {
	s.result = res
	s.done <- res
	close(s.finished)
}

// classify wraps err with kind unless it is classified already.
func classify(kind core.ErrorKind, err error, message string) error {
	if _, ok := core.KindOf(err); ok {
		return err
	}
	return core.Wrap(kind, err, message)
}
