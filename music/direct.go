package music

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jonas747/ogg"
	"go.uber.org/zap"

	"github.com/VeridonNetzwerk/discord-universal-bot/errs"
	"github.com/VeridonNetzwerk/discord-universal-bot/storage"
)

const frameInterval = 20 * time.Millisecond

// Connections hands out the live voice connection of a guild.
type Connections interface {
	Connection(guildID string) *discordgo.VoiceConnection
}

// DirectBackend transcodes streams with ffmpeg into Ogg Opus and sends the
// packets over discordgo's voice connection.
type DirectBackend struct {
	ffmpegPath string
	conns      Connections
	log        *zap.Logger

	mu       sync.Mutex
	sessions map[string]*directSession
}

type directSession struct {
	cancel  context.CancelFunc
	paused  atomic.Bool
	stopped atomic.Bool
}

func (s *directSession) stop() {
	s.stopped.Store(true)
	s.cancel()
}

func NewDirectBackend(ffmpegPath string, conns Connections, log *zap.Logger) (*DirectBackend, error) {
	if _, err := exec.LookPath(ffmpegPath); err != nil {
		return nil, errs.E(errs.ResourceUnavailable, "music.NewDirectBackend", ffmpegPath, err)
	}
	return &DirectBackend{
		ffmpegPath: ffmpegPath,
		conns:      conns,
		log:        log.Named("direct"),
		sessions:   make(map[string]*directSession),
	}, nil
}

func (d *DirectBackend) Name() string { return "direct" }

func (d *DirectBackend) Play(guildID string, stream storage.StreamRef, volume int, done TrackEndFunc) error {
	vc := d.conns.Connection(guildID)
	if vc == nil {
		return errors.New("no voice connection")
	}
	if stream.Source == "" {
		return errors.New("empty stream source")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &directSession{cancel: cancel}

	d.mu.Lock()
	if old := d.sessions[guildID]; old != nil {
		old.stop()
	}
	d.sessions[guildID] = sess
	d.mu.Unlock()

	go func() {
		err := d.stream(ctx, vc, sess, stream.Source, volume)
		cancel()

		d.mu.Lock()
		if d.sessions[guildID] == sess {
			delete(d.sessions, guildID)
		}
		d.mu.Unlock()

		if sess.stopped.Load() {
			return
		}
		if err != nil {
			d.log.Warn("stream failed", zap.String("guild", guildID), zap.Error(err))
		}
		done(err)
	}()
	return nil
}

func (d *DirectBackend) ffmpegArgs(source string, volume int) []string {
	return []string{
		"-loglevel", "error",
		"-rw_timeout", "15000000",
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_at_eof", "1",
		"-reconnect_delay_max", "5",
		"-i", source,
		"-ar", "48000",
		"-ac", "2",
		"-af", fmt.Sprintf("volume=%.2f", float64(volume)/100.0),
		"-c:a", "libopus",
		"-b:a", "96K",
		"-vbr", "on",
		"-frame_duration", "20",
		"-application", "audio",
		"-vn",
		"-f", "ogg",
		"pipe:1",
	}
}

func (d *DirectBackend) stream(ctx context.Context, vc *discordgo.VoiceConnection, sess *directSession, source string, volume int) error {
	cmd := exec.CommandContext(ctx, d.ffmpegPath, d.ffmpegArgs(source, volume)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start: %w", err)
	}

	pumpErr := d.pump(ctx, vc, sess, out)
	if pumpErr != nil || ctx.Err() != nil {
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		return nil
	case pumpErr != nil:
		return pumpErr
	case waitErr != nil:
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("ffmpeg: %w", waitErr)
		}
		return fmt.Errorf("ffmpeg: %w: %s", waitErr, msg)
	}
	return nil
}

func (d *DirectBackend) pump(ctx context.Context, vc *discordgo.VoiceConnection, sess *directSession, r io.Reader) error {
	if err := vc.Speaking(true); err != nil {
		return fmt.Errorf("speaking: %w", err)
	}
	defer func() { _ = vc.Speaking(false) }()

	dec := ogg.NewPacketDecoder(ogg.NewDecoder(r))
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for {
		if !vc.Ready {
			return errors.New("voice connection not ready")
		}

		for sess.paused.Load() {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}

		packet, _, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ogg decode: %w", err)
		}
		if len(packet) == 0 || bytes.HasPrefix(packet, []byte("OpusHead")) || bytes.HasPrefix(packet, []byte("OpusTags")) {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		select {
		case vc.OpusSend <- packet:
		default:
		}
	}
}

func (d *DirectBackend) session(guildID string) *directSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[guildID]
}

func (d *DirectBackend) Stop(guildID string) {
	d.mu.Lock()
	sess := d.sessions[guildID]
	delete(d.sessions, guildID)
	d.mu.Unlock()
	if sess != nil {
		sess.stop()
	}
}

func (d *DirectBackend) SetPaused(guildID string, paused bool) {
	if sess := d.session(guildID); sess != nil {
		sess.paused.Store(paused)
	}
}

// SetVolume is a no-op for the running stream; the ffmpeg filter is fixed at
// start, so the new level applies from the next track.
func (d *DirectBackend) SetVolume(string, int) {}

func (d *DirectBackend) Release(guildID string) { d.Stop(guildID) }

func (d *DirectBackend) Close() {
	d.mu.Lock()
	sessions := d.sessions
	d.sessions = make(map[string]*directSession)
	d.mu.Unlock()
	for _, s := range sessions {
		s.stop()
	}
}
