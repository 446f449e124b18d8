// Package replay feeds recorded PCAP files through the capture parser into
// the event store. It needs no monitor interface and no root.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
	"github.com/mardigiorgio/PiGuard/internal/adapters/sniffer/parser"
	"github.com/mardigiorgio/PiGuard/internal/core/domain"
	"github.com/mardigiorgio/PiGuard/internal/core/ports"
)

// CommitEvery is the number of events written per store transaction.
const CommitEvery = 500

var pcapngMagic = []byte{0x0A, 0x0D, 0x0D, 0x0A}

// Options describe the radio a recording was taken on.
type Options struct {
	// Channel and Band are recorded for frames without radio metadata.
	Channel  int
	Band     domain.Band
	ParseRSN bool
}

// Result summarises one replay.
type Result struct {
	Frames  int
	Stored  int
	Skipped int
}

// Replayer writes recorded frames to the store.
type Replayer struct {
	store  ports.EventWriter
	logger *slog.Logger
	now    func() time.Time
}

// NewReplayer creates a Replayer.
func NewReplayer(store ports.EventWriter, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{store: store, logger: logger.With("component", "replay"), now: time.Now}
}

// ReplayFile opens a pcap or pcapng file and replays it.
func (r *Replayer) ReplayFile(ctx context.Context, path string, opts Options) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open pcap: %w", err)
	}
	defer f.Close()

	res, err := r.Replay(ctx, f, opts)
	if err != nil {
		return res, err
	}
	r.logger.Info("replay finished", "pcap", path, "frames", res.Frames, "stored", res.Stored, "skipped", res.Skipped)
	return res, nil
}

// Replay reads packets from rd. Timestamps are rebased so the first frame
// lands at the current time and inter-frame spacing is kept, which lets the
// detectors see the recording as live traffic.
func (r *Replayer) Replay(ctx context.Context, rd io.Reader, opts Options) (Result, error) {
	var res Result

	source, err := newPacketSource(rd)
	if err != nil {
		return res, err
	}

	start := r.now().UTC()
	var first time.Time
	batch := make([]domain.Event, 0, CommitEvery)

	commit := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.store.AppendEvents(ctx, batch); err != nil {
			return fmt.Errorf("commit replay batch: %w", err)
		}
		res.Stored += len(batch)
		batch = batch[:0]
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		packet, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A truncated record ends the file; what was read so far is kept
			r.logger.Warn("stopping at unreadable record", "error", err)
			break
		}
		res.Frames++

		ts := packet.Metadata().Timestamp
		if first.IsZero() {
			first = ts
		}
		packet.Metadata().Timestamp = start.Add(ts.Sub(first))

		ev, err := parser.Parse(packet, parser.Options{
			TunedChannel: opts.Channel,
			TunedBand:    opts.Band,
			ParseRSN:     opts.ParseRSN,
			Now:          r.now,
		})
		if err != nil {
			res.Skipped++
			continue
		}
		batch = append(batch, ev)
		if len(batch) >= CommitEvery {
			if err := commit(); err != nil {
				return res, err
			}
		}
	}
	return res, commit()
}

func newPacketSource(rd io.Reader) (*gopacket.PacketSource, error) {
	br := bufio.NewReader(rd)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read pcap header: %w", err)
	}
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("read pcapng: %w", err)
		}
		return gopacket.NewPacketSource(ng, ng.LinkType()), nil
	}
	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("read pcap: %w", err)
	}
	return gopacket.NewPacketSource(pr, pr.LinkType()), nil
}
