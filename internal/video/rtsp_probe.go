package video

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"

	"github.com/SergueiMoscow/surveillance/internal/logger"
)

// ProbeResult describes an RTSP stream that delivered at least one packet
type ProbeResult struct {
	Medias       int
	Formats      []string
	FirstPacket  time.Duration // time from PLAY to the first RTP packet
	SSRC         uint32
	PayloadType  uint8
	SequenceBase uint16
}

// RTSPProbe checks that an RTSP camera answers DESCRIBE/SETUP/PLAY and
// actually sends media before ffmpeg is spawned for it.
type RTSPProbe struct {
	transport string
	timeout   time.Duration
	logger    *logger.Logger
}

// NewRTSPProbe creates a probe. transport is "tcp" or "udp".
func NewRTSPProbe(transport string, timeout time.Duration, log *logger.Logger) *RTSPProbe {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RTSPProbe{transport: transport, timeout: timeout, logger: log}
}

// Probe connects to locator and waits for the first RTP packet
func (p *RTSPProbe) Probe(ctx context.Context, locator string) (*ProbeResult, error) {
	u, err := base.ParseURL(locator)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	transport := gortsplib.TransportTCP
	if p.transport == "udp" {
		transport = gortsplib.TransportUDP
	}
	client := &gortsplib.Client{
		Transport:    &transport,
		ReadTimeout:  p.timeout,
		WriteTimeout: p.timeout,
	}

	if err := client.Start(u.Scheme, u.Host); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Close()

	desc, _, err := client.Describe(u)
	if err != nil {
		return nil, fmt.Errorf("failed to describe stream: %w", err)
	}

	result := &ProbeResult{Medias: len(desc.Medias)}
	for _, media := range desc.Medias {
		for _, forma := range media.Formats {
			result.Formats = append(result.Formats, forma.Codec())
		}
	}

	if err := client.SetupAll(desc.BaseURL, desc.Medias); err != nil {
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}

	first := make(chan *rtp.Packet, 1)
	var once sync.Once
	client.OnPacketRTPAny(func(_ *description.Media, _ format.Format, pkt *rtp.Packet) {
		once.Do(func() {
			first <- pkt
		})
	})

	playedAt := time.Now()
	if _, err := client.Play(nil); err != nil {
		return nil, fmt.Errorf("failed to play stream: %w", err)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case pkt := <-first:
		result.FirstPacket = time.Since(playedAt)
		result.SSRC = pkt.SSRC
		result.PayloadType = pkt.PayloadType
		result.SequenceBase = pkt.SequenceNumber
	case <-timer.C:
		return nil, fmt.Errorf("no RTP packets within %s", p.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.logger.Debug("RTSP probe succeeded",
		"locator", Redact(locator),
		"formats", result.Formats,
		"first_packet", result.FirstPacket,
		"ssrc", result.SSRC,
	)
	return result, nil
}
