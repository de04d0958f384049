package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/room4-2/voicebridge/messages"
	"github.com/room4-2/voicebridge/protocol"
)

// relay runs both pipelines until the first one ends. The first return
// cancels the group context, and the session is closed so the other
// pipeline's blocking read fails too.
func (cs *ClientSession) relay(ctx context.Context, up Upstream) error {
	ctx, span := tracer.Start(ctx, "relay")
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = cs.Close() })
	defer stop()

	g.Go(func() error {
		return cs.guard("client->upstream", func() error {
			return cs.forwardClientAudio(up)
		})
	})
	g.Go(func() error {
		return cs.guard("upstream->client", func() error {
			return cs.forwardUpstream(gctx, up)
		})
	})
	return g.Wait()
}

// guard turns a panic inside a pipeline into an error
func (cs *ClientSession) guard(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrPipelinePanic, name, r)
			cs.logger.Error().Str("pipeline", name).Interface("panic", r).Msg("💥 Pipeline panicked")
		}
	}()
	return fn()
}

// forwardClientAudio wraps every binary client message in an audio frame
func (cs *ClientSession) forwardClientAudio(up Upstream) error {
	for {
		msgType, data, err := cs.client.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrClientClosed, err)
		}
		cs.touch()

		if msgType != websocket.BinaryMessage {
			continue
		}
		if err := up.SendAudio(cs.ID, data); err != nil {
			return fmt.Errorf("forward audio: %w", err)
		}
		cs.metrics.ClientAudioBytes.Add(float64(len(data)))
		cs.logger.Trace().Int("bytes", len(data)).Msg("🎵 Forwarded audio upstream")
	}
}

// forwardUpstream decodes service frames, streams synthesized audio to the
// client and closes each turn.
func (cs *ClientSession) forwardUpstream(ctx context.Context, up Upstream) error {
	buf := NewStreamBuffer(cs.relayCfg.ChunkSize)
	defer func() {
		cs.metrics.DiscardedBytes.Add(float64(buf.Discarded()))
	}()

	for {
		data, err := up.Receive()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUpstreamClosed, err)
		}
		cs.touch()

		f, err := protocol.Decode(data)
		if err != nil {
			if !errors.Is(err, protocol.ErrTruncated) {
				cs.metrics.DecodeErrors.Inc()
				cs.logger.Warn().Err(err).Int("bytes", len(data)).Msg("⚠️ Dropping undecodable frame")
				continue
			}
			cs.logger.Debug().Err(err).Msg("using partial frame")
		}

		msg := protocol.Classify(f)
		cs.metrics.FramesDecoded.WithLabelValues(kindLabel(msg.Kind)).Inc()
		if err := cs.handleUpstream(ctx, buf, msg); err != nil {
			return err
		}
	}
}

func (cs *ClientSession) handleUpstream(ctx context.Context, buf *StreamBuffer, msg protocol.Message) error {
	switch msg.Kind {
	case protocol.KindAudio:
		pcm, err := cs.resampler.Resample(msg.Audio)
		if err != nil {
			cs.metrics.ResampleFallbacks.Inc()
			cs.logger.Warn().Err(err).Int("bytes", len(msg.Audio)).Msg("⚠️ Resample failed, passing audio through")
			pcm = msg.Audio
		}
		buf.Append(pcm)
		return cs.drain(ctx, buf)

	case protocol.KindError:
		cs.logger.Warn().Uint32("code", msg.ErrorCode).Str("message", string(msg.Raw)).Msg("❌ Dialogue service error")
		return nil

	case protocol.KindJSON, protocol.KindRaw:
		return cs.handleEvent(ctx, buf, msg)
	}
	return nil
}

func (cs *ClientSession) handleEvent(ctx context.Context, buf *StreamBuffer, msg protocol.Message) error {
	if !msg.HasEvent {
		return nil
	}
	switch msg.Event {
	case protocol.EventASRResponse:
		if text, ok := msg.FinalTranscript(); ok {
			cs.logger.Info().Str("text", text).Msg("👤 User said")
		}
	case protocol.EventChatResponse:
		if content, ok := msg.ChatContent(); ok {
			cs.logger.Debug().Str("content", content).Msg("🤖 Reply text")
		}
	case protocol.EventTTSEnded:
		return cs.endTurn(ctx, buf)
	case protocol.EventSessionFailed:
		cs.logger.Warn().RawJSON("payload", jsonOrEmpty(msg)).Msg("❌ Dialogue session failed")
	case protocol.EventSessionFinished:
		cs.logger.Info().Msg("Dialogue session finished")
	}
	return nil
}

// drain sends every complete chunk, pausing between chunks to keep the
// client's playback buffer level.
func (cs *ClientSession) drain(ctx context.Context, buf *StreamBuffer) error {
	for chunk, ok := buf.Next(); ok; chunk, ok = buf.Next() {
		if err := cs.sendBinary(chunk); err != nil {
			return fmt.Errorf("%w: send audio: %w", ErrClientClosed, err)
		}
		cs.metrics.ChunksSent.Inc()
		if err := sleep(ctx, cs.relayCfg.ChunkPacing); err != nil {
			return err
		}
	}
	return nil
}

// endTurn flushes what is left of the turn, pads it with silence and tells
// the client to stop playback.
func (cs *ClientSession) endTurn(ctx context.Context, buf *StreamBuffer) error {
	trace.SpanFromContext(ctx).AddEvent("tts ended")

	if err := sleep(ctx, cs.relayCfg.TurnGrace); err != nil {
		return err
	}
	if rest, ok := buf.Flush(); ok {
		cs.logger.Debug().Int("bytes", len(rest)).Msg("🎵 Flushing turn remainder")
		if err := cs.sendBinary(rest); err != nil {
			return fmt.Errorf("%w: send remainder: %w", ErrClientClosed, err)
		}
		cs.metrics.ChunksSent.Inc()
	}

	if err := sleep(ctx, cs.relayCfg.FlushSettle); err != nil {
		return err
	}
	if cs.relayCfg.SilenceBytes > 0 {
		if err := cs.sendBinary(make([]byte, cs.relayCfg.SilenceBytes)); err != nil {
			return fmt.Errorf("%w: send silence: %w", ErrClientClosed, err)
		}
	}

	if err := sleep(ctx, cs.relayCfg.SilenceSettle); err != nil {
		return err
	}
	if err := cs.sendNotification(messages.NewTTSEnd()); err != nil {
		return fmt.Errorf("%w: send tts_end: %w", ErrClientClosed, err)
	}

	cs.metrics.TurnsCompleted.Inc()
	cs.logger.Info().Msg("🤖 Reply finished, sent stop signal")
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func kindLabel(k protocol.Kind) string {
	switch k {
	case protocol.KindAudio:
		return "audio"
	case protocol.KindJSON:
		return "json"
	case protocol.KindRaw:
		return "raw"
	case protocol.KindError:
		return "error"
	default:
		return "unknown"
	}
}

func jsonOrEmpty(msg protocol.Message) []byte {
	if msg.Kind == protocol.KindJSON {
		return msg.JSON
	}
	return []byte("{}")
}
